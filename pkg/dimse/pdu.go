package dimse

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dicom-gateway/gateway/internal/dicomerr"
)

// PDU type bytes, DICOM PS3.8 section 9.3.
const (
	pduTypeAssociateRQ byte = 0x01
	pduTypeAssociateAC byte = 0x02
	pduTypeAssociateRJ byte = 0x03
	pduTypePDataTF     byte = 0x04
	pduTypeReleaseRQ   byte = 0x05
	pduTypeReleaseRP   byte = 0x06
	pduTypeAbort       byte = 0x07
)

// item type bytes within an A-ASSOCIATE-RQ/AC, PS3.8 section 9.3.2/9.3.3.
const (
	itemApplicationContext    byte = 0x10
	itemPresentationContextRQ byte = 0x20
	itemPresentationContextAC byte = 0x21
	itemAbstractSyntax        byte = 0x30
	itemTransferSyntax        byte = 0x40
	itemUserInformation       byte = 0x50
	itemMaxPDULength          byte = 0x51
	itemImplementationUID     byte = 0x52
	itemImplementationVersion byte = 0x55
	itemRoleSelection         byte = 0x54
)

// pdu is a raw, fully-read protocol data unit: a one-byte type, a
// (currently unused) reserved byte, and a payload whose length is the
// PDU's declared length field.
type pdu struct {
	pduType byte
	payload []byte
}

func readPDU(r io.Reader) (*pdu, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, dicomerr.New(dicomerr.KindTransport, "readPDU", err)
	}
	length := binary.BigEndian.Uint32(header[2:6])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, dicomerr.New(dicomerr.KindTransport, "readPDU", err)
		}
	}
	return &pdu{pduType: header[0], payload: payload}, nil
}

func writePDU(w io.Writer, pduType byte, payload []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	header[1] = 0x00
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return dicomerr.New(dicomerr.KindTransport, "writePDU", err)
	}
	if _, err := w.Write(payload); err != nil {
		return dicomerr.New(dicomerr.KindTransport, "writePDU", err)
	}
	return nil
}

// presentationContext is one proposed or negotiated (abstract syntax,
// transfer syntax list, role) triple, PS3.8 §9.3.2.2/9.3.3.2.
type presentationContext struct {
	id               byte
	abstractSyntax   string
	transferSyntaxes []string // proposed (RQ) or the single accepted one (AC)
	result           byte     // AC only: 0 accepted, 1-4 rejection reasons
	scuRole          bool
	scpRole          bool
}

const (
	pcResultAcceptance                   byte = 0x00
	pcResultUserRejection                byte = 0x01
	pcResultProviderRejectionNoReason    byte = 0x02
	pcResultAbstractSyntaxNotSupported   byte = 0x03
	pcResultTransferSyntaxesNotSupported byte = 0x04
)

// userInformation is the subset of the A-ASSOCIATE user information item
// this engine negotiates: max PDU length and the calling implementation
// class UID, plus any role-selection sub-items (tracked on the
// presentationContext instead, since each applies to one abstract syntax).
type userInformation struct {
	maxPDULength      uint32
	implementationUID string
}

const implementationClassUID = "1.2.826.0.1.3680043.9.7433.1.1"

func buildItem(itemType byte, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	buf[0] = itemType
	buf[1] = 0x00
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(data)))
	copy(buf[4:], data)
	return buf
}

func parseItemHeader(b []byte) (itemType byte, length uint16, rest []byte, err error) {
	if len(b) < 4 {
		return 0, 0, nil, fmt.Errorf("truncated item header")
	}
	itemType = b[0]
	length = binary.BigEndian.Uint16(b[2:4])
	if len(b) < int(4+length) {
		return 0, 0, nil, fmt.Errorf("truncated item body (type 0x%02x)", itemType)
	}
	return itemType, length, b[4 : 4+length], nil
}
