package query

import (
	"testing"

	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestNormalizeDateRange(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"20240115", "20240115", false},
		{"20240101-20240131", "20240101-20240131", false},
		{"20240101-", "20240101-", false},
		{"-20240131", "-20240131", false},
		{"2024011", "", true},
		{"20241301", "", true},
		{"20240131-20240101", "", true},
		{"-", "", true},
		{"notadate", "", true},
	}
	for _, c := range cases {
		got, err := NormalizeDateRange(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("NormalizeDateRange(%q): want error, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeDateRange(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeDateRange(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStudyIdentifierKeys(t *testing.T) {
	identifier, err := studyIdentifier(models.QueryParams{
		PatientID: "PAT1",
		StudyDate: "20240101-20240131",
	})
	if err != nil {
		t.Fatalf("studyIdentifier: %v", err)
	}

	if got := identifier.String(tag.QueryRetrieveLevel); got != "STUDY" {
		t.Errorf("QueryRetrieveLevel = %q", got)
	}
	if got := identifier.String(tag.PatientID); got != "PAT1" {
		t.Errorf("PatientID = %q", got)
	}
	if got := identifier.String(tag.StudyDate); got != "20240101-20240131" {
		t.Errorf("StudyDate = %q", got)
	}

	// Unset matching keys become zero-length return keys, present but empty.
	var found bool
	for _, el := range identifier.Elements {
		if el.Group == tag.AccessionNumber.Group && el.Element == tag.AccessionNumber.Element {
			found = true
			if len(el.Value) != 0 {
				t.Errorf("AccessionNumber return key not empty: %q", el.Value)
			}
		}
	}
	if !found {
		t.Errorf("AccessionNumber return key missing")
	}

	if _, err := studyIdentifier(models.QueryParams{StudyDate: "bogus"}); err == nil {
		t.Errorf("invalid StudyDate accepted")
	}
}

func TestStudyFromIdentifierMapsFields(t *testing.T) {
	ds := dicomcodec.NewWireDataset()
	ds.SetString(tag.StudyInstanceUID, "1.2.3")
	ds.SetString(tag.PatientID, "PAT1")
	ds.SetString(tag.PatientName, "DOE^JANE")
	ds.SetString(tag.StudyDate, "20240115")
	ds.SetString(tag.ModalitiesInStudy, `CT\MR`)
	ds.SetString(tag.NumberOfStudyRelatedSeries, "2")
	ds.SetString(tag.NumberOfStudyRelatedInstances, "340")

	got := studyFromIdentifier(ds)
	if got.StudyInstanceUID != "1.2.3" || got.PatientName != "DOE^JANE" {
		t.Errorf("identity fields = %+v", got)
	}
	if got.NumberOfSeries != 2 || got.NumberOfInstances != 340 {
		t.Errorf("counts = %d/%d", got.NumberOfSeries, got.NumberOfInstances)
	}
	if len(got.ModalitiesInStudy) != 2 || got.ModalitiesInStudy[0] != "CT" {
		t.Errorf("modalities = %v", got.ModalitiesInStudy)
	}
}

// An identifier missing every field maps to a zero DTO, never an error.
func TestStudyFromIdentifierToleratesMissingFields(t *testing.T) {
	got := studyFromIdentifier(dicomcodec.NewWireDataset())
	if got.StudyInstanceUID != "" || got.NumberOfSeries != 0 || got.ModalitiesInStudy != nil {
		t.Errorf("empty identifier mapped to %+v", got)
	}
}
