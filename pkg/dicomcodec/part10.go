package dicomcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/suyashkumar/dicom/pkg/tag"
)

const implementationClassUID = "1.2.826.0.1.3680043.9.7433.1.1"

// WriteFile writes ds as a complete Part-10 file: 128-byte preamble,
// "DICM" magic, a file meta group synthesized from the dataset's SOP
// class/instance UIDs and transferSyntax, then the dataset body encoded
// under transferSyntax. The body bytes are exactly what EncodeDataset
// produces, so an instance received over the wire is stored verbatim.
func WriteFile(w io.Writer, ds *WireDataset, transferSyntax string) error {
	sopClassUID := ds.String(tag.SOPClassUID)
	sopInstanceUID := ds.String(tag.SOPInstanceUID)

	meta, err := buildFileMeta(transferSyntax, sopClassUID, sopInstanceUID)
	if err != nil {
		return err
	}

	preamble := make([]byte, 128)
	if _, err := w.Write(preamble); err != nil {
		return fmt.Errorf("write preamble: %w", err)
	}
	if _, err := w.Write([]byte("DICM")); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if _, err := w.Write(meta); err != nil {
		return fmt.Errorf("write file meta: %w", err)
	}
	if err := EncodeDataset(w, ds, transferSyntax); err != nil {
		return fmt.Errorf("write dataset body: %w", err)
	}
	return nil
}

// buildFileMeta assembles the 0002 group, always Explicit VR Little Endian
// per PS3.10 §7.1, with the group length element first.
func buildFileMeta(transferSyntax, sopClassUID, sopInstanceUID string) ([]byte, error) {
	var body bytes.Buffer
	writeMetaElement(&body, 0x0001, "OB", []byte{0x00, 0x01})
	writeMetaElement(&body, 0x0002, "UI", padUID(sopClassUID))
	writeMetaElement(&body, 0x0003, "UI", padUID(sopInstanceUID))
	writeMetaElement(&body, 0x0010, "UI", padUID(transferSyntax))
	writeMetaElement(&body, 0x0012, "UI", padUID(implementationClassUID))

	var out bytes.Buffer
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(body.Len()))
	writeMetaElement(&out, 0x0000, "UL", groupLen)
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func writeMetaElement(buf *bytes.Buffer, element uint16, vr string, value []byte) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint16(header[0:2], 0x0002)
	binary.LittleEndian.PutUint16(header[2:4], element)
	buf.Write(header)
	buf.WriteString(vr)
	if longFormVRs[vr] {
		lenBuf := make([]byte, 6)
		binary.LittleEndian.PutUint32(lenBuf[2:6], uint32(len(value)))
		buf.Write(lenBuf)
	} else {
		lenBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenBuf, uint16(len(value)))
		buf.Write(lenBuf)
	}
	buf.Write(value)
}

func padUID(uid string) []byte {
	raw := []byte(uid)
	if len(raw)%2 == 1 {
		raw = append(raw, 0x00)
	}
	return raw
}
