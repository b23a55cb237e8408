// Package dicomcodec is the wire codec (C1): encode/decode DICOM datasets
// in the core transfer syntaxes, read/write Part-10 file meta, and extract
// pixel data. Datasets are held as WireDataset, an ordered element list
// whose raw value bytes round-trip verbatim — private tags, sequences and
// encapsulated pixel data included; the codec never transcodes. VR lookup
// for implicit-VR streams comes from github.com/suyashkumar/dicom's tag
// dictionary, the same toolkit flatmapit-crgodicom builds its DICOM
// handling on.
package dicomcodec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Core transfer syntax UIDs the gateway negotiates and decodes itself.
// Anything else (JPEG family, RLE, MPEG) is accepted during negotiation and
// stored verbatim.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// IsCoreTransferSyntax reports whether ts is one of the three syntaxes this
// codec fully interprets (as opposed to store verbatim).
func IsCoreTransferSyntax(ts string) bool {
	switch ts {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian:
		return true
	default:
		return false
	}
}

// ReadFileMeta parses just the Part-10 header and meta group, reporting the
// declared transfer syntax and SOP class/instance without touching the
// dataset body.
func ReadFileMeta(r io.Reader) (transferSyntaxUID, sopClassUID, sopInstanceUID string, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", "", "", fmt.Errorf("read file meta: %w", err)
	}
	meta, _, err := parsePart10Header(data)
	if err != nil {
		return "", "", "", err
	}
	return meta.String(tag.TransferSyntaxUID),
		meta.String(tag.MediaStorageSOPClassUID),
		meta.String(tag.MediaStorageSOPInstanceUID), nil
}

// ReadFile parses a complete Part-10 file (preamble + meta + dataset),
// returning the dataset body and the transfer syntax it was stored under.
func ReadFile(r io.Reader) (*WireDataset, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read part-10 file: %w", err)
	}
	meta, body, err := parsePart10Header(data)
	if err != nil {
		return nil, "", err
	}
	ts := meta.String(tag.TransferSyntaxUID)
	if ts == "" {
		ts = ImplicitVRLittleEndian
	}
	ds, err := DecodeDataset(body, ts)
	if err != nil {
		return nil, "", err
	}
	return ds, ts, nil
}

// parsePart10Header validates the preamble and magic, then parses the
// Explicit-VR-LE meta group, returning it plus the raw dataset body.
func parsePart10Header(data []byte) (*WireDataset, []byte, error) {
	if len(data) < 132 || string(data[128:132]) != "DICM" {
		return nil, nil, fmt.Errorf("not a part-10 file: missing DICM magic")
	}

	off := 132
	first, next, err := parseWireElement(data, off, true, false)
	if err != nil {
		return nil, nil, fmt.Errorf("parse file meta: %w", err)
	}

	meta := &WireDataset{}
	if first.Group == 0x0002 && first.Element == 0x0000 && len(first.Value) >= 4 {
		groupLen := int(binary.LittleEndian.Uint32(first.Value))
		if len(data)-next < groupLen {
			return nil, nil, fmt.Errorf("parse file meta: truncated meta group")
		}
		metaBytes := data[next : next+groupLen]
		parsed, err := DecodeDataset(metaBytes, ExplicitVRLittleEndian)
		if err != nil {
			return nil, nil, fmt.Errorf("parse file meta: %w", err)
		}
		meta = parsed
		return meta, data[next+groupLen:], nil
	}

	// No group length element: scan while the group stays 0002.
	meta.Elements = append(meta.Elements, first)
	off = next
	for off < len(data) {
		el, n, err := parseWireElement(data, off, true, false)
		if err != nil {
			return nil, nil, fmt.Errorf("parse file meta: %w", err)
		}
		if el.Group != 0x0002 {
			break
		}
		meta.Elements = append(meta.Elements, el)
		off = n
	}
	return meta, data[off:], nil
}

// GetPixelData extracts the raw pixel data bytes from ds. Native
// (defined-length) pixel data returns its value verbatim; encapsulated
// pixel data returns the fragment payloads concatenated, skipping the
// basic offset table item.
func GetPixelData(ds *WireDataset) ([]byte, error) {
	el := ds.find(tag.PixelData)
	if el == nil {
		return nil, fmt.Errorf("get pixel data: element absent")
	}
	if !el.undefinedLength {
		return el.Value, nil
	}

	var fragments [][]byte
	data := el.Value
	off := 0
	for len(data)-off >= 8 {
		group := binary.LittleEndian.Uint16(data[off : off+2])
		element := binary.LittleEndian.Uint16(data[off+2 : off+4])
		length := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if group == 0xFFFE && element == 0xE0DD {
			break
		}
		if group != 0xFFFE || element != 0xE000 || len(data)-off < length {
			return nil, fmt.Errorf("get pixel data: malformed fragment stream")
		}
		fragments = append(fragments, data[off:off+length])
		off += length
	}
	if len(fragments) > 0 {
		fragments = fragments[1:] // basic offset table
	}
	var out []byte
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out, nil
}
