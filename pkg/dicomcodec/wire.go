package dicomcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// WireElement is one attribute of a wire-format dataset: the raw value
// bytes are kept verbatim so re-encoding under the same transfer syntax
// reproduces the input exactly, private and unknown tags included.
type WireElement struct {
	Group   uint16
	Element uint16
	VR      string // as read (explicit VR) or looked up (implicit VR)
	Value   []byte // verbatim, including nested item/delimiter structure

	undefinedLength bool
}

// Tag returns the element's tag in the dicom library's representation.
func (e *WireElement) Tag() tag.Tag {
	return tag.Tag{Group: e.Group, Element: e.Element}
}

// WireDataset is an ordered DICOM dataset as it appears inside P-DATA-TF
// PDVs: no preamble, no file meta group. It is the representation the
// association engine, Storage-SCP and query service exchange; cached
// Part-10 files go through ReadFile/WriteFile instead.
type WireDataset struct {
	Elements []*WireElement

	bigEndian bool
}

// NewWireDataset returns an empty dataset for building C-FIND identifiers
// and test fixtures.
func NewWireDataset() *WireDataset {
	return &WireDataset{}
}

// VRs encoded with a two-byte reserved field and a four-byte length in
// explicit VR transfer syntaxes, PS3.5 §7.1.2.
var longFormVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "OD": true, "OL": true,
	"SQ": true, "UC": true, "UR": true, "UT": true, "UN": true,
}

const undefinedLength = 0xFFFFFFFF

// DecodeDataset parses a raw wire dataset encoded under transferSyntax.
// Unknown and private tags are preserved; undefined-length sequences and
// encapsulated pixel data keep their item structure verbatim in Value.
func DecodeDataset(data []byte, transferSyntax string) (*WireDataset, error) {
	explicit, bigEndian, err := transferSyntaxTraits(transferSyntax)
	if err != nil {
		return nil, err
	}

	ds := &WireDataset{bigEndian: bigEndian}
	off := 0
	for off < len(data) {
		el, next, err := parseWireElement(data, off, explicit, bigEndian)
		if err != nil {
			return nil, fmt.Errorf("decode dataset (%s) at offset %d: %w", transferSyntax, off, err)
		}
		ds.Elements = append(ds.Elements, el)
		off = next
	}
	return ds, nil
}

// EncodeDataset writes ds under transferSyntax. Elements decoded from the
// same syntax round-trip byte-for-byte; elements built via SetString get
// their VR from the tag dictionary.
func EncodeDataset(w io.Writer, ds *WireDataset, transferSyntax string) error {
	explicit, bigEndian, err := transferSyntaxTraits(transferSyntax)
	if err != nil {
		return err
	}
	bo := byteOrder(bigEndian)

	for _, el := range ds.Elements {
		header := make([]byte, 4)
		bo.PutUint16(header[0:2], el.Group)
		bo.PutUint16(header[2:4], el.Element)
		if _, err := w.Write(header); err != nil {
			return fmt.Errorf("encode dataset: %w", err)
		}

		length := uint32(len(el.Value))
		if el.undefinedLength {
			length = undefinedLength
		}

		if explicit && !isDelimiterTag(el.Group, el.Element) {
			vr := el.VR
			if vr == "" {
				vr = dictionaryVR(el.Group, el.Element)
			}
			if longFormVRs[vr] {
				buf := make([]byte, 8)
				copy(buf[0:2], vr)
				bo.PutUint32(buf[4:8], length)
				if _, err := w.Write(buf); err != nil {
					return fmt.Errorf("encode dataset: %w", err)
				}
			} else {
				buf := make([]byte, 4)
				copy(buf[0:2], vr)
				bo.PutUint16(buf[2:4], uint16(length))
				if _, err := w.Write(buf); err != nil {
					return fmt.Errorf("encode dataset: %w", err)
				}
			}
		} else {
			buf := make([]byte, 4)
			bo.PutUint32(buf, length)
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("encode dataset: %w", err)
			}
		}

		if _, err := w.Write(el.Value); err != nil {
			return fmt.Errorf("encode dataset: %w", err)
		}
	}
	return nil
}

// parseWireElement reads one element starting at off, returning it and the
// offset of the next element. Undefined-length values (sequences,
// encapsulated pixel data) are scanned recursively so their full nested
// byte range, delimiters included, lands in Value verbatim.
func parseWireElement(data []byte, off int, explicit, bigEndian bool) (*WireElement, int, error) {
	bo := byteOrder(bigEndian)
	if len(data)-off < 8 {
		return nil, 0, fmt.Errorf("truncated element header")
	}

	el := &WireElement{
		Group:   bo.Uint16(data[off : off+2]),
		Element: bo.Uint16(data[off+2 : off+4]),
	}
	off += 4

	var length uint32
	if explicit && !isDelimiterTag(el.Group, el.Element) {
		el.VR = string(data[off : off+2])
		if longFormVRs[el.VR] {
			if len(data)-off < 8 {
				return nil, 0, fmt.Errorf("truncated long-form header (%04X,%04X)", el.Group, el.Element)
			}
			length = bo.Uint32(data[off+4 : off+8])
			off += 8
		} else {
			length = uint32(bo.Uint16(data[off+2 : off+4]))
			off += 4
		}
	} else {
		length = bo.Uint32(data[off : off+4])
		off += 4
		if !explicit {
			el.VR = dictionaryVR(el.Group, el.Element)
		}
	}

	if length == undefinedLength {
		end, err := scanUndefinedValue(data, off, explicit, bigEndian)
		if err != nil {
			return nil, 0, fmt.Errorf("(%04X,%04X): %w", el.Group, el.Element, err)
		}
		el.undefinedLength = true
		el.Value = data[off:end]
		return el, end, nil
	}

	if uint32(len(data)-off) < length {
		return nil, 0, fmt.Errorf("truncated value (%04X,%04X), want %d bytes", el.Group, el.Element, length)
	}
	el.Value = data[off : off+int(length)]
	return el, off + int(length), nil
}

// scanUndefinedValue walks the item stream of an undefined-length value
// until its SequenceDelimitationItem, returning the offset just past the
// delimiter. Items with a defined length are skipped wholesale; items with
// undefined length contain a nested dataset parsed element by element
// until its ItemDelimitationItem.
func scanUndefinedValue(data []byte, off int, explicit, bigEndian bool) (int, error) {
	bo := byteOrder(bigEndian)
	for {
		if len(data)-off < 8 {
			return 0, fmt.Errorf("unterminated undefined-length value")
		}
		group := bo.Uint16(data[off : off+2])
		element := bo.Uint16(data[off+2 : off+4])
		length := bo.Uint32(data[off+4 : off+8])
		off += 8

		switch {
		case group == 0xFFFE && element == 0xE0DD: // SequenceDelimitationItem
			return off, nil
		case group == 0xFFFE && element == 0xE000: // Item
			if length != undefinedLength {
				if uint32(len(data)-off) < length {
					return 0, fmt.Errorf("truncated item")
				}
				off += int(length)
				continue
			}
			end, err := scanUndefinedItem(data, off, explicit, bigEndian)
			if err != nil {
				return 0, err
			}
			off = end
		default:
			return 0, fmt.Errorf("unexpected tag (%04X,%04X) inside undefined-length value", group, element)
		}
	}
}

// scanUndefinedItem parses the dataset inside an undefined-length item
// until its ItemDelimitationItem.
func scanUndefinedItem(data []byte, off int, explicit, bigEndian bool) (int, error) {
	bo := byteOrder(bigEndian)
	for {
		if len(data)-off < 8 {
			return 0, fmt.Errorf("unterminated undefined-length item")
		}
		group := bo.Uint16(data[off : off+2])
		element := bo.Uint16(data[off+2 : off+4])
		if group == 0xFFFE && element == 0xE00D { // ItemDelimitationItem
			return off + 8, nil
		}
		_, next, err := parseWireElement(data, off, explicit, bigEndian)
		if err != nil {
			return 0, err
		}
		off = next
	}
}

func isDelimiterTag(group, element uint16) bool {
	return group == 0xFFFE && (element == 0xE000 || element == 0xE00D || element == 0xE0DD)
}

func byteOrder(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// transferSyntaxTraits maps a transfer syntax onto its element framing.
// Every standard syntax other than the implicit default and the retired
// big-endian one (the compressed families included) structures elements
// as Explicit VR Little Endian; compressed pixel data arrives as an
// undefined-length element whose item stream is preserved verbatim.
func transferSyntaxTraits(ts string) (explicit, bigEndian bool, err error) {
	switch ts {
	case ImplicitVRLittleEndian:
		return false, false, nil
	case ExplicitVRBigEndian:
		return true, true, nil
	default:
		return true, false, nil
	}
}

// dictionaryVR resolves a tag's VR from the standard dictionary, falling
// back to UN for private and retired tags.
func dictionaryVR(group, element uint16) string {
	info, err := tag.Find(tag.Tag{Group: group, Element: element})
	if err != nil || len(info.VRs) == 0 || info.VRs[0] == "" {
		return "UN"
	}
	return info.VRs[0]
}

func (d *WireDataset) find(t tag.Tag) *WireElement {
	for _, el := range d.Elements {
		if el.Group == t.Group && el.Element == t.Element {
			return el
		}
	}
	return nil
}

// String returns the first string value of t, or "" when absent or not a
// string VR. Consumers pattern-match on the VR they expect, per the typed
// accessor contract; an unexpected value shape is a null field, never an
// error.
func (d *WireDataset) String(t tag.Tag) string {
	vals := d.Strings(t)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Strings returns every value of a multi-valued string element.
func (d *WireDataset) Strings(t tag.Tag) []string {
	el := d.find(t)
	if el == nil || el.undefinedLength || len(el.Value) == 0 {
		return nil
	}
	switch el.VR {
	case "US", "UL", "SS", "SL", "FL", "FD", "OB", "OW", "SQ", "UN", "AT":
		return nil
	}
	raw := strings.TrimRight(string(el.Value), "\x00 ")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\\")
}

// Int parses the first value of t as an integer: binary for US/UL/SS/SL,
// decimal string for IS, 0 otherwise.
func (d *WireDataset) Int(t tag.Tag) int {
	el := d.find(t)
	if el == nil || el.undefinedLength {
		return 0
	}
	bo := byteOrder(d.bigEndian)
	switch el.VR {
	case "US":
		if len(el.Value) >= 2 {
			return int(bo.Uint16(el.Value))
		}
	case "SS":
		if len(el.Value) >= 2 {
			return int(int16(bo.Uint16(el.Value)))
		}
	case "UL":
		if len(el.Value) >= 4 {
			return int(bo.Uint32(el.Value))
		}
	case "SL":
		if len(el.Value) >= 4 {
			return int(int32(bo.Uint32(el.Value)))
		}
	default:
		if s := strings.TrimSpace(strings.TrimRight(string(el.Value), "\x00 ")); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				return n
			}
		}
	}
	return 0
}

// Doubles parses every value of t as float64: decimal strings for DS,
// binary for FL/FD.
func (d *WireDataset) Doubles(t tag.Tag) []float64 {
	el := d.find(t)
	if el == nil || el.undefinedLength || len(el.Value) == 0 {
		return nil
	}
	bo := byteOrder(d.bigEndian)
	switch el.VR {
	case "FL":
		var out []float64
		for off := 0; off+4 <= len(el.Value); off += 4 {
			out = append(out, float64(math.Float32frombits(bo.Uint32(el.Value[off:]))))
		}
		return out
	case "FD":
		var out []float64
		for off := 0; off+8 <= len(el.Value); off += 8 {
			out = append(out, math.Float64frombits(bo.Uint64(el.Value[off:])))
		}
		return out
	default:
		var out []float64
		for _, s := range strings.Split(strings.TrimRight(string(el.Value), "\x00 "), "\\") {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				out = append(out, f)
			}
		}
		return out
	}
}

// SetString adds or replaces a string-valued element, space- or
// null-padded to even length per its dictionary VR. Used to build C-FIND
// identifiers and C-GET/C-MOVE keys.
func (d *WireDataset) SetString(t tag.Tag, value string) {
	vr := dictionaryVR(t.Group, t.Element)
	raw := []byte(value)
	if len(raw)%2 == 1 {
		if vr == "UI" {
			raw = append(raw, 0x00)
		} else {
			raw = append(raw, ' ')
		}
	}
	d.setElement(&WireElement{Group: t.Group, Element: t.Element, VR: vr, Value: raw})
}

// SetEmpty adds a zero-length element: a universal-match return key in a
// C-FIND identifier.
func (d *WireDataset) SetEmpty(t tag.Tag) {
	d.setElement(&WireElement{Group: t.Group, Element: t.Element, VR: dictionaryVR(t.Group, t.Element)})
}

func (d *WireDataset) setElement(el *WireElement) {
	for i, existing := range d.Elements {
		if existing.Group == el.Group && existing.Element == el.Element {
			d.Elements[i] = el
			return
		}
	}
	d.Elements = append(d.Elements, el)
}

// Bytes encodes ds under transferSyntax into a fresh buffer.
func (d *WireDataset) Bytes(transferSyntax string) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeDataset(&buf, d, transferSyntax); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
