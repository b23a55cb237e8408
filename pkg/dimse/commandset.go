package dimse

import (
	"encoding/binary"
	"fmt"
)

// DIMSE command fields, PS3.7 Annex E. Command sets are always encoded
// Implicit VR Little Endian regardless of the presentation context's
// negotiated dataset transfer syntax.
const (
	TagAffectedSOPClassUID       = 0x00000002
	TagCommandField              = 0x00000100
	TagMessageID                 = 0x00000110
	TagMessageIDBeingRespondedTo = 0x00000120
	TagMoveDestination           = 0x00000600
	TagPriority                  = 0x00000700
	TagCommandDataSetType        = 0x00000800
	TagStatus                    = 0x00000900
	TagErrorComment              = 0x00000902
	TagAffectedSOPInstanceUID    = 0x00001000
	TagNumberOfRemainingSubOps   = 0x00001020
	TagNumberOfCompletedSubOps   = 0x00001021
	TagNumberOfFailedSubOps      = 0x00001022
	TagNumberOfWarningSubOps     = 0x00001023
)

// Command field values, PS3.7 Annex E.
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCGetRQ    uint16 = 0x0010
	CommandCGetRSP   uint16 = 0x8010
	CommandCFindRQ   uint16 = 0x0020
	CommandCFindRSP  uint16 = 0x8020
	CommandCMoveRQ   uint16 = 0x0021
	CommandCMoveRSP  uint16 = 0x8021
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
	CommandCCancelRQ uint16 = 0x0FFF
)

// Status codes spec.md §6/§8 names explicitly.
const (
	StatusSuccess                uint16 = 0x0000
	StatusPending                uint16 = 0xFF00
	StatusPendingWarning         uint16 = 0xFF01
	StatusWarning                uint16 = 0xB000
	StatusMoveDestinationUnknown uint16 = 0xA702
	StatusOutOfResources         uint16 = 0xA701
	StatusSOPClassNotSupported   uint16 = 0x0122
)

// CommandSet is a minimal ordered group-0000 element list: enough fields to
// drive every DIMSE operation this gateway issues or accepts. Unlike the
// application dataset (pkg/dicomcodec.WireDataset), the command set is never
// exposed to callers, so a small bespoke representation is simpler than
// routing it through the general-purpose dataset codec.
type CommandSet struct {
	order  []uint32
	values map[uint32]interface{} // string, uint16, or []byte
}

func NewCommandSet() *CommandSet {
	return &CommandSet{values: make(map[uint32]interface{})}
}

func (c *CommandSet) SetUID(tag uint32, v string) {
	c.set(tag, v)
}

func (c *CommandSet) SetUS(tag uint32, v uint16) {
	c.set(tag, v)
}

func (c *CommandSet) set(tag uint32, v interface{}) {
	if _, exists := c.values[tag]; !exists {
		c.order = append(c.order, tag)
	}
	c.values[tag] = v
}

func (c *CommandSet) GetString(tag uint32) string {
	if v, ok := c.values[tag].(string); ok {
		return v
	}
	return ""
}

func (c *CommandSet) GetUS(tag uint32) uint16 {
	if v, ok := c.values[tag].(uint16); ok {
		return v
	}
	return 0
}

// Encode serializes the command set Implicit VR Little Endian: each element
// is tag(4) + length(4) + value, odd-length strings space-padded.
func (c *CommandSet) Encode() []byte {
	var body []byte
	for _, tag := range c.order {
		v := c.values[tag]
		var raw []byte
		switch val := v.(type) {
		case string:
			raw = []byte(val)
			if len(raw)%2 == 1 {
				raw = append(raw, ' ')
			}
		case uint16:
			raw = make([]byte, 2)
			binary.LittleEndian.PutUint16(raw, val)
		}
		header := make([]byte, 8)
		binary.LittleEndian.PutUint16(header[0:2], uint16(tag>>16))
		binary.LittleEndian.PutUint16(header[2:4], uint16(tag&0xFFFF))
		binary.LittleEndian.PutUint32(header[4:8], uint32(len(raw)))
		body = append(body, header...)
		body = append(body, raw...)
	}
	return body
}

func DecodeCommandSet(data []byte) (*CommandSet, error) {
	c := NewCommandSet()
	for len(data) >= 8 {
		group := binary.LittleEndian.Uint16(data[0:2])
		element := binary.LittleEndian.Uint16(data[2:4])
		length := binary.LittleEndian.Uint32(data[4:8])
		if uint32(len(data)) < 8+length {
			return nil, fmt.Errorf("truncated command element (%04x,%04x)", group, element)
		}
		raw := data[8 : 8+length]
		tag := uint32(group)<<16 | uint32(element)

		switch tag {
		case TagCommandField, TagMessageID, TagMessageIDBeingRespondedTo,
			TagPriority, TagCommandDataSetType, TagStatus,
			TagNumberOfRemainingSubOps, TagNumberOfCompletedSubOps,
			TagNumberOfFailedSubOps, TagNumberOfWarningSubOps:
			var v uint16
			if len(raw) >= 2 {
				v = binary.LittleEndian.Uint16(raw)
			}
			c.SetUS(tag, v)
		default:
			c.SetUID(tag, trimPadded(raw))
		}
		data = data[8+length:]
	}
	return c, nil
}

func trimPadded(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}
