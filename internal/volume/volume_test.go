package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func usElement(t tag.Tag, v uint16) *dicomcodec.WireElement {
	raw := make([]byte, 2)
	binary.LittleEndian.PutUint16(raw, v)
	return &dicomcodec.WireElement{Group: t.Group, Element: t.Element, VR: "US", Value: raw}
}

// writeSliceFile writes one 2x2 16-bit CT slice whose four pixels all hold
// the slice's fill value, at the given slice location.
func writeSliceFile(t *testing.T, dir string, n int, location float64, fill uint16) string {
	t.Helper()

	pixels := make([]byte, 8)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint16(pixels[i*2:], fill)
	}

	ds := dicomcodec.NewWireDataset()
	ds.SetString(tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.2")
	ds.SetString(tag.SOPInstanceUID, fmt.Sprintf("1.2.3.4.%d", n))
	ds.SetString(tag.Modality, "CT")
	ds.SetString(tag.SliceThickness, "2.5")
	ds.SetString(tag.StudyInstanceUID, "1.2.3")
	ds.SetString(tag.SeriesInstanceUID, "1.2.3.4")
	ds.SetString(tag.InstanceNumber, fmt.Sprintf("%d", n))
	ds.SetString(tag.SliceLocation, fmt.Sprintf("%g", location))
	ds.Elements = append(ds.Elements,
		usElement(tag.SamplesPerPixel, 1),
	)
	ds.SetString(tag.PhotometricInterpretation, "MONOCHROME2")
	ds.Elements = append(ds.Elements,
		usElement(tag.Rows, 2),
		usElement(tag.Columns, 2),
		usElement(tag.BitsAllocated, 16),
		usElement(tag.BitsStored, 16),
		usElement(tag.HighBit, 15),
		usElement(tag.PixelRepresentation, 1),
		&dicomcodec.WireElement{Group: 0x7FE0, Element: 0x0010, VR: "OW", Value: pixels},
	)

	var buf bytes.Buffer
	if err := dicomcodec.WriteFile(&buf, ds, dicomcodec.ExplicitVRLittleEndian); err != nil {
		t.Fatalf("write slice %d: %v", n, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.dcm", n))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestExtractSortsAndSubsamples(t *testing.T) {
	dir := t.TempDir()
	locations := []float64{5, 1, 3, 2, 4, 0}
	var files []string
	for i, loc := range locations {
		// Fill value encodes the location so ordering is observable in
		// the packed output.
		files = append(files, writeSliceFile(t, dir, i, loc, uint16(loc)))
	}

	meta, pixels, err := Extract(files, 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if meta.SliceCount != 3 || meta.OriginalSliceCount != 6 {
		t.Errorf("slice counts = %d/%d, want 3/6", meta.SliceCount, meta.OriginalSliceCount)
	}
	if meta.SubsampleFactor != 2 {
		t.Errorf("subsample = %d", meta.SubsampleFactor)
	}
	if meta.SpacingBetweenSlices != 5.0 {
		t.Errorf("spacing = %g, want 5.0 (2 x 2.5)", meta.SpacingBetweenSlices)
	}
	if meta.Rows != 2 || meta.Columns != 2 {
		t.Errorf("dims = %dx%d", meta.Rows, meta.Columns)
	}
	if meta.DataFormat != FormatInt16 {
		t.Errorf("dataFormat = %s", meta.DataFormat)
	}
	if len(pixels) != 3*2*2*2 {
		t.Fatalf("pixel bytes = %d, want 24", len(pixels))
	}

	// Sorted locations are 0..5; stride 2 from index 0 selects 0, 2, 4.
	want := []uint16{0, 2, 4}
	for i, w := range want {
		got := binary.LittleEndian.Uint16(pixels[i*8:])
		if got != w {
			t.Errorf("slice %d first pixel = %d, want %d", i, got, w)
		}
	}
}

func TestExtractSubsampleBeyondCountReturnsOneSlice(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i := 0; i < 4; i++ {
		files = append(files, writeSliceFile(t, dir, i, float64(i), uint16(i)))
	}

	meta, pixels, err := Extract(files, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.SliceCount != 1 || len(pixels) != 8 {
		t.Errorf("slices = %d, bytes = %d", meta.SliceCount, len(pixels))
	}
	if got := binary.LittleEndian.Uint16(pixels); got != 0 {
		t.Errorf("kept slice first pixel = %d, want lowest position", got)
	}
}

func TestExtractSubsampleOneReturnsAll(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i := 0; i < 4; i++ {
		files = append(files, writeSliceFile(t, dir, i, float64(i), uint16(i)))
	}

	meta, pixels, err := Extract(files, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.SliceCount != 4 || len(pixels) != 4*8 {
		t.Errorf("slices = %d, bytes = %d", meta.SliceCount, len(pixels))
	}
}

func TestExtractRejectsNonPositiveSubsample(t *testing.T) {
	if _, _, err := Extract(nil, 0, zerolog.Nop()); err == nil {
		t.Errorf("subsample 0 accepted")
	}
	if _, _, err := Extract(nil, -3, zerolog.Nop()); err == nil {
		t.Errorf("negative subsample accepted")
	}
}

func TestExtractEmptySeriesIsNotAnError(t *testing.T) {
	meta, pixels, err := Extract(nil, 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.SliceCount != 0 || len(pixels) != 0 {
		t.Errorf("empty series = %d slices, %d bytes", meta.SliceCount, len(pixels))
	}
}

func TestExtractDropsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeSliceFile(t, dir, 0, 1.0, 7)
	bogus := filepath.Join(dir, "bogus.dcm")
	os.WriteFile(bogus, []byte("not dicom"), 0o644)

	meta, _, err := Extract([]string{good, bogus, filepath.Join(dir, "missing.dcm")}, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.SliceCount != 1 {
		t.Errorf("slices = %d, want 1 (unreadable dropped)", meta.SliceCount)
	}
}
