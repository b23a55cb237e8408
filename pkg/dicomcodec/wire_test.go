package dicomcodec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"
)

func encodeOrFail(t *testing.T, ds *WireDataset, ts string) []byte {
	t.Helper()
	raw, err := ds.Bytes(ts)
	if err != nil {
		t.Fatalf("encode (%s): %v", ts, err)
	}
	return raw
}

func TestRoundTripCoreTransferSyntaxes(t *testing.T) {
	build := func() *WireDataset {
		ds := NewWireDataset()
		ds.SetString(tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.2")
		ds.SetString(tag.SOPInstanceUID, "1.2.3.4.5")
		ds.SetString(tag.StudyInstanceUID, "1.2.3")
		ds.SetString(tag.SeriesInstanceUID, "1.2.3.4")
		ds.SetString(tag.PatientName, "DOE^JANE")
		ds.SetString(tag.Modality, "CT")
		return ds
	}

	for _, ts := range []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian} {
		raw := encodeOrFail(t, build(), ts)

		decoded, err := DecodeDataset(raw, ts)
		if err != nil {
			t.Fatalf("decode (%s): %v", ts, err)
		}
		again := encodeOrFail(t, decoded, ts)
		if !bytes.Equal(raw, again) {
			t.Errorf("round trip (%s) not byte-identical: %d vs %d bytes", ts, len(raw), len(again))
		}
		if got := decoded.String(tag.PatientName); got != "DOE^JANE" {
			t.Errorf("round trip (%s) PatientName = %q", ts, got)
		}
	}
}

// A private tag (odd group, not in the dictionary) must survive decode and
// re-encode untouched, in element order.
func TestRoundTripPreservesPrivateTags(t *testing.T) {
	var raw bytes.Buffer
	writeImplicit := func(group, element uint16, value []byte) {
		header := make([]byte, 8)
		binary.LittleEndian.PutUint16(header[0:2], group)
		binary.LittleEndian.PutUint16(header[2:4], element)
		binary.LittleEndian.PutUint32(header[4:8], uint32(len(value)))
		raw.Write(header)
		raw.Write(value)
	}
	writeImplicit(0x0008, 0x0060, []byte("CT"))
	writeImplicit(0x0029, 0x0010, []byte("PRIVATE CREATOR "))
	writeImplicit(0x0029, 0x1001, []byte{0xde, 0xad, 0xbe, 0xef})
	writeImplicit(0x0010, 0x0010, []byte("DOE^JOHN"))

	in := raw.Bytes()
	ds, err := DecodeDataset(in, ImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ds.Elements) != 4 {
		t.Fatalf("got %d elements, want 4", len(ds.Elements))
	}
	if ds.Elements[1].Group != 0x0029 || ds.Elements[2].Group != 0x0029 {
		t.Errorf("private tags out of order: %+v", ds.Elements)
	}

	out := encodeOrFail(t, ds, ImplicitVRLittleEndian)
	if !bytes.Equal(in, out) {
		t.Errorf("private tag round trip not byte-identical")
	}
}

// Undefined-length sequences keep their item structure verbatim.
func TestRoundTripUndefinedLengthSequence(t *testing.T) {
	var raw bytes.Buffer
	le := binary.LittleEndian
	writeHeader := func(group, element uint16, length uint32) {
		header := make([]byte, 8)
		le.PutUint16(header[0:2], group)
		le.PutUint16(header[2:4], element)
		le.PutUint32(header[4:8], length)
		raw.Write(header)
	}

	writeHeader(0x0008, 0x1115, 0xFFFFFFFF) // ReferencedSeriesSequence, undefined length
	writeHeader(0xFFFE, 0xE000, 12)         // item, defined length
	writeHeader(0x0020, 0x000E, 4)          // nested SeriesInstanceUID
	raw.Write([]byte("1.2\x00"))
	writeHeader(0xFFFE, 0xE0DD, 0) // sequence delimiter
	writeHeader(0x0010, 0x0020, 4) // trailing PatientID
	raw.Write([]byte("PAT1"))

	in := raw.Bytes()
	ds, err := DecodeDataset(in, ImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ds.Elements) != 2 {
		t.Fatalf("got %d elements, want 2", len(ds.Elements))
	}
	if !ds.Elements[0].undefinedLength {
		t.Errorf("sequence element lost its undefined length")
	}
	if got := ds.String(tag.PatientID); got != "PAT1" {
		t.Errorf("PatientID after sequence = %q", got)
	}

	out := encodeOrFail(t, ds, ImplicitVRLittleEndian)
	if !bytes.Equal(in, out) {
		t.Errorf("sequence round trip not byte-identical")
	}
}

func TestTypedGetters(t *testing.T) {
	ds := &WireDataset{}
	us := make([]byte, 2)
	binary.LittleEndian.PutUint16(us, 512)
	ds.Elements = append(ds.Elements,
		&WireElement{Group: 0x0028, Element: 0x0010, VR: "US", Value: us},                        // Rows
		&WireElement{Group: 0x0028, Element: 0x0030, VR: "DS", Value: []byte("0.5\\0.5 ")},       // PixelSpacing
		&WireElement{Group: 0x0020, Element: 0x0013, VR: "IS", Value: []byte("42")},              // InstanceNumber
		&WireElement{Group: 0x0008, Element: 0x0061, VR: "CS", Value: []byte("CT\\MR\\US ")},     // ModalitiesInStudy
	)

	if got := ds.Int(tag.Rows); got != 512 {
		t.Errorf("Rows = %d, want 512", got)
	}
	if got := ds.Int(tag.InstanceNumber); got != 42 {
		t.Errorf("InstanceNumber = %d, want 42", got)
	}
	spacing := ds.Doubles(tag.PixelSpacing)
	if len(spacing) != 2 || spacing[0] != 0.5 {
		t.Errorf("PixelSpacing = %v", spacing)
	}
	modalities := ds.Strings(tag.ModalitiesInStudy)
	if len(modalities) != 3 || modalities[1] != "MR" {
		t.Errorf("ModalitiesInStudy = %v", modalities)
	}
	if got := ds.String(tag.PatientID); got != "" {
		t.Errorf("absent element String = %q, want empty", got)
	}
	if got := ds.Int(tag.Columns); got != 0 {
		t.Errorf("absent element Int = %d, want 0", got)
	}
}

func TestSetStringPadsToEvenLength(t *testing.T) {
	ds := NewWireDataset()
	ds.SetString(tag.SOPInstanceUID, "1.2.3")   // UI pads with NUL
	ds.SetString(tag.PatientName, "DOE^J")      // PN pads with space

	uid := ds.Elements[0]
	if len(uid.Value)%2 != 0 || uid.Value[len(uid.Value)-1] != 0x00 {
		t.Errorf("UI padding wrong: %q", uid.Value)
	}
	name := ds.Elements[1]
	if len(name.Value)%2 != 0 || name.Value[len(name.Value)-1] != ' ' {
		t.Errorf("PN padding wrong: %q", name.Value)
	}

	// Replacing a key keeps a single element.
	ds.SetString(tag.PatientName, "ROE^R ")
	if len(ds.Elements) != 2 {
		t.Errorf("SetString duplicated the element: %d", len(ds.Elements))
	}
	if got := ds.String(tag.PatientName); got != "ROE^R" {
		t.Errorf("PatientName = %q", got)
	}
}

func TestWriteFileProducesPart10(t *testing.T) {
	ds := NewWireDataset()
	ds.SetString(tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.2")
	ds.SetString(tag.SOPInstanceUID, "1.2.3.4.5")
	ds.SetString(tag.StudyInstanceUID, "1.2.3")
	ds.SetString(tag.SeriesInstanceUID, "1.2.3.4")
	ds.SetString(tag.Modality, "CT")
	ds.SetString(tag.PatientID, "PAT1")

	var buf bytes.Buffer
	if err := WriteFile(&buf, ds, ExplicitVRLittleEndian); err != nil {
		t.Fatalf("write file: %v", err)
	}

	raw := buf.Bytes()
	if len(raw) < 132 || string(raw[128:132]) != "DICM" {
		t.Fatalf("missing DICM magic")
	}

	parsed, ts, err := ReadFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse written file: %v", err)
	}
	if ts != ExplicitVRLittleEndian {
		t.Errorf("transfer syntax = %q", ts)
	}
	if got := parsed.String(tag.SOPInstanceUID); got != "1.2.3.4.5" {
		t.Errorf("SOPInstanceUID = %q", got)
	}

	gotTS, sopClass, sopInstance, err := ReadFileMeta(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("read file meta: %v", err)
	}
	if gotTS != ExplicitVRLittleEndian || sopClass != "1.2.840.10008.5.1.4.1.1.2" || sopInstance != "1.2.3.4.5" {
		t.Errorf("file meta = (%q, %q, %q)", gotTS, sopClass, sopInstance)
	}

	// The dataset body after the meta group is the wire encoding verbatim.
	body, err := ds.Bytes(ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	if !bytes.HasSuffix(raw, body) {
		t.Errorf("part-10 body is not the verbatim wire encoding")
	}
}
