package dimse

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// proposal is what an initiator asks for: one abstract syntax, its ordered
// transfer syntax offers, and whether it wants SCP role (used only by the
// C-GET path, which must receive inbound C-STOREs on the same association).
type Proposal struct {
	abstractSyntax   string
	transferSyntaxes []string
	requestSCPRole   bool
}

// buildAssociateRQ assembles the full A-ASSOCIATE-RQ payload: protocol
// version, called/calling AE titles, application context, one presentation
// context item per proposal, and user information (max PDU length +
// implementation class UID). Mirrors caio-sobreiro-dicomnet's
// client/association.go sendAssociateRQ, generalized to an arbitrary
// proposal list instead of a hardcoded sample.
func buildAssociateRQ(callingAE, calledAE string, proposals []Proposal, maxPDULength uint32) []byte {
	body := make([]byte, 68)
	binary.BigEndian.PutUint16(body[0:2], 0x0001) // protocol version
	copy(body[4:20], padAE(calledAE))
	copy(body[20:36], padAE(callingAE))

	body = append(body, buildItem(itemApplicationContext, []byte(ApplicationContextUID))...)

	for i, p := range proposals {
		body = append(body, buildPresentationContextRQ(byte(2*i+1), p)...)
	}

	body = append(body, buildUserInformation(maxPDULength)...)
	return body
}

func padAE(ae string) []byte {
	out := make([]byte, 16)
	copy(out, []byte(ae))
	for i := len(ae); i < 16; i++ {
		out[i] = ' '
	}
	return out
}

func buildPresentationContextRQ(id byte, p Proposal) []byte {
	var sub []byte
	sub = append(sub, buildItem(itemAbstractSyntax, []byte(p.abstractSyntax))...)
	for _, ts := range p.transferSyntaxes {
		sub = append(sub, buildItem(itemTransferSyntax, []byte(ts))...)
	}
	if p.requestSCPRole {
		sub = append(sub, buildRoleSelection(p.abstractSyntax, true, true)...)
	}

	body := make([]byte, 4)
	body[0] = id
	copy(body, []byte{id, 0, 0, 0})
	body = append(body, sub...)
	return buildItem(itemPresentationContextRQ, body)
}

func buildRoleSelection(sopClassUID string, scu, scp bool) []byte {
	body := make([]byte, 2+len(sopClassUID)+2)
	binary.BigEndian.PutUint16(body[0:2], uint16(len(sopClassUID)))
	copy(body[2:], []byte(sopClassUID))
	if scu {
		body[len(body)-2] = 1
	}
	if scp {
		body[len(body)-1] = 1
	}
	return buildItem(itemRoleSelection, body)
}

func buildUserInformation(maxPDULength uint32) []byte {
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, maxPDULength)

	var sub []byte
	sub = append(sub, buildItem(itemMaxPDULength, maxLen)...)
	sub = append(sub, buildItem(itemImplementationUID, []byte(implementationClassUID))...)
	return buildItem(itemUserInformation, sub)
}

// parsedAssociateRQ is the result of an acceptor parsing an incoming
// A-ASSOCIATE-RQ.
type parsedAssociateRQ struct {
	calledAE  string
	callingAE string
	contexts  []presentationContext
}

func parseAssociateRQ(payload []byte) (*parsedAssociateRQ, error) {
	if len(payload) < 68 {
		return nil, fmt.Errorf("associate-rq too short")
	}
	out := &parsedAssociateRQ{
		calledAE:  trimAE(payload[4:20]),
		callingAE: trimAE(payload[20:36]),
	}
	rest := payload[68:]
	for len(rest) >= 4 {
		itemType, _, body, err := parseItemHeader(rest)
		if err != nil {
			return nil, err
		}
		consumed := 4 + len(body)
		switch itemType {
		case itemPresentationContextRQ:
			pc, err := parsePresentationContextRQ(body)
			if err != nil {
				return nil, err
			}
			out.contexts = append(out.contexts, *pc)
		}
		rest = rest[consumed:]
	}
	return out, nil
}

func parsePresentationContextRQ(body []byte) (*presentationContext, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("truncated presentation context")
	}
	pc := &presentationContext{id: body[0]}
	rest := body[4:]
	for len(rest) >= 4 {
		itemType, _, sub, err := parseItemHeader(rest)
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemAbstractSyntax:
			pc.abstractSyntax = string(sub)
		case itemTransferSyntax:
			pc.transferSyntaxes = append(pc.transferSyntaxes, string(sub))
		case itemRoleSelection:
			if len(sub) >= 2 {
				uidLen := binary.BigEndian.Uint16(sub[0:2])
				if len(sub) >= int(2+uidLen+2) {
					pc.scuRole = sub[2+uidLen] == 1
					pc.scpRole = sub[2+uidLen+1] == 1
				}
			}
		}
		rest = rest[4+len(sub):]
	}
	return pc, nil
}

func trimAE(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

// buildAssociateAC builds the acceptance PDU payload given the negotiated
// presentation context results. Per the DCMTK/Orthanc compatibility note in
// caio-sobreiro-dicomnet/pdu/layer.go, rejected contexts are omitted
// entirely rather than echoed back with a rejection result, which some
// SCUs mishandle; here we keep them but mark result != acceptance, which is
// the PS3.8-conformant behavior and is what this engine's own SCU side
// expects when parsing an AC.
func buildAssociateAC(callingAE, calledAE string, accepted []presentationContext, maxPDULength uint32) []byte {
	body := make([]byte, 68)
	binary.BigEndian.PutUint16(body[0:2], 0x0001)
	copy(body[4:20], padAE(calledAE))
	copy(body[20:36], padAE(callingAE))

	body = append(body, buildItem(itemApplicationContext, []byte(ApplicationContextUID))...)

	for _, pc := range accepted {
		body = append(body, buildPresentationContextAC(pc)...)
	}

	body = append(body, buildUserInformation(maxPDULength)...)
	return body
}

func buildPresentationContextAC(pc presentationContext) []byte {
	ts := ImplicitVRLittleEndian
	if len(pc.transferSyntaxes) > 0 {
		ts = pc.transferSyntaxes[0]
	}
	var sub []byte
	sub = append(sub, buildItem(itemTransferSyntax, []byte(ts))...)
	if pc.scpRole {
		sub = append(sub, buildRoleSelection(pc.abstractSyntax, pc.scuRole, pc.scpRole)...)
	}

	body := []byte{pc.id, 0, pc.result, 0}
	body = append(body, sub...)
	return buildItem(itemPresentationContextAC, body)
}

type parsedAssociateAC struct {
	contexts []presentationContext
}

func parseAssociateAC(payload []byte) (*parsedAssociateAC, error) {
	if len(payload) < 68 {
		return nil, fmt.Errorf("associate-ac too short")
	}
	out := &parsedAssociateAC{}
	rest := payload[68:]
	for len(rest) >= 4 {
		itemType, _, body, err := parseItemHeader(rest)
		if err != nil {
			return nil, err
		}
		if itemType == itemPresentationContextAC {
			pc, err := parsePresentationContextAC(body)
			if err != nil {
				return nil, err
			}
			out.contexts = append(out.contexts, *pc)
		}
		rest = rest[4+len(body):]
	}
	return out, nil
}

func parsePresentationContextAC(body []byte) (*presentationContext, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("truncated presentation context ac")
	}
	pc := &presentationContext{id: body[0], result: body[2]}
	rest := body[4:]
	for len(rest) >= 4 {
		itemType, _, sub, err := parseItemHeader(rest)
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemTransferSyntax:
			pc.transferSyntaxes = []string{string(sub)}
		case itemRoleSelection:
			if len(sub) >= 2 {
				uidLen := binary.BigEndian.Uint16(sub[0:2])
				if len(sub) >= int(2+uidLen+2) {
					pc.scuRole = sub[2+uidLen] == 1
					pc.scpRole = sub[2+uidLen+1] == 1
				}
			}
		}
		rest = rest[4+len(sub):]
	}
	return pc, nil
}

// newAssociationID returns a short identifier for log correlation, not part
// of the wire protocol.
func newAssociationID() string {
	return uuid.NewString()
}
