package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dicom-gateway/gateway/internal/dicomerr"
)

// PDV control header bits, PS3.8 §9.3.1.1.
const (
	pdvLastFragment byte = 0x01
	pdvIsCommand    byte = 0x02
)

const defaultPDVMaxBody = 16384 - 6 // conservative fragment size absent a negotiated max PDU length

// writeDIMSEMessage fragments command (and optionally dataset) into one or
// more P-DATA-TF PDUs on presentation context pcID. Each value control
// (LSB=last fragment) follows PS3.8 §9.3.1: the command set is always sent
// complete here since this engine's command sets are small, so it is a
// single command PDV; the data set, which can be arbitrarily large, is
// chunked to defaultPDVMaxBody per fragment.
func writeDIMSEMessage(w io.Writer, timeout time.Duration, pcID byte, command []byte, dataset []byte) error {
	if conn, ok := w.(net.Conn); ok && timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}

	cmdHeader := pdvIsCommand | pdvLastFragment
	if err := writePDataTF(w, pcID, cmdHeader, command); err != nil {
		return err
	}

	if len(dataset) == 0 {
		return nil
	}

	for offset := 0; offset < len(dataset); offset += defaultPDVMaxBody {
		end := offset + defaultPDVMaxBody
		last := end >= len(dataset)
		if last {
			end = len(dataset)
		}
		header := byte(0)
		if last {
			header = pdvLastFragment
		}
		if err := writePDataTF(w, pcID, header, dataset[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func writePDataTF(w io.Writer, pcID byte, controlHeader byte, fragment []byte) error {
	pdv := make([]byte, 2+len(fragment))
	pdv[0] = pcID
	pdv[1] = controlHeader
	copy(pdv[2:], fragment)

	payload := make([]byte, 4+len(pdv))
	binary.BigEndian.PutUint32(payload[0:4], uint32(len(pdv)))
	copy(payload[4:], pdv)

	return writePDU(w, pduTypePDataTF, payload)
}

// reassembleMessage parses PDVs out of the first P-DATA-TF payload already
// read by the caller, continuing to read further P-DATA-TF PDUs from r
// until both the command set and (if present) data set have their final
// fragment, per PS3.8 §9.3.1. It returns the presentation context ID the
// message was sent on, the concatenated command set bytes, and the
// concatenated data set bytes (nil if the command carries no data set).
func reassembleMessage(r io.Reader, firstPayload []byte) (pcID byte, command []byte, dataset []byte, err error) {
	payload := firstPayload
	var commandDone, dataDone bool
	expectDataset := true // unknown until the command set's Data Set Type is decoded

	for {
		rest := payload
		for len(rest) >= 4 {
			pdvLen := binary.BigEndian.Uint32(rest[0:4])
			if uint32(len(rest)) < 4+pdvLen || pdvLen < 2 {
				return 0, nil, nil, fmt.Errorf("truncated pdv")
			}
			id := rest[4]
			control := rest[5]
			body := rest[6 : 4+pdvLen]
			pcID = id

			if control&pdvIsCommand != 0 {
				command = append(command, body...)
				if control&pdvLastFragment != 0 {
					commandDone = true
				}
			} else {
				dataset = append(dataset, body...)
				if control&pdvLastFragment != 0 {
					dataDone = true
				}
			}
			rest = rest[4+pdvLen:]
		}

		if commandDone && expectDataset {
			if cs, csErr := DecodeCommandSet(command); csErr == nil {
				expectDataset = cs.GetUS(TagCommandDataSetType) != 0x0101
			}
		}

		if commandDone && (!expectDataset || dataDone) {
			return pcID, command, dataset, nil
		}

		p, readErr := readPDU(r)
		if readErr != nil {
			return 0, nil, nil, readErr
		}
		if p.pduType != pduTypePDataTF {
			return 0, nil, nil, dicomerr.New(dicomerr.KindProtocol, "reassembleMessage", fmt.Errorf("expected P-DATA-TF, got pdu type 0x%02x", p.pduType))
		}
		payload = p.payload
	}
}
