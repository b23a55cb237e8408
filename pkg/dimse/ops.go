package dimse

import (
	"context"
	"fmt"
	"time"

	"github.com/dicom-gateway/gateway/internal/dicomerr"
	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
)

// FindResult is one C-FIND response: the decoded identifier (nil on the
// final, identifier-less response) paired with the status it arrived with.
type FindResult struct {
	Status  uint16
	Dataset *dicomcodec.WireDataset
}

// SubOperationCounts mirrors the C-MOVE/C-GET progress fields, PS3.7 §C.4.2/3.
type SubOperationCounts struct {
	Remaining, Completed, Failed, Warning uint16
}

// MoveResult is one C-MOVE/C-GET response: a status plus the running
// sub-operation counters, emitted once per pending response and once final.
type MoveResult struct {
	Status uint16
	SubOperationCounts
}

// InboundStore is one C-STORE-RQ delivered on the same association during
// a C-GET: the command identifiers plus the dataset bytes in their
// negotiated transfer syntax. The handler persists it and returns the
// DIMSE status to reply with.
type InboundStore struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte
}

// CEcho issues a C-ECHO-RQ on abstractSyntax VerificationSOPClass and
// returns the response status (StatusSuccess on a healthy remote).
func (a *Association) CEcho(ctx context.Context) (uint16, error) {
	pcID, ok := a.GetPresentationContextID(VerificationSOPClass)
	if !ok {
		return 0, dicomerr.New(dicomerr.KindNegotiation, "c-echo", fmt.Errorf("verification context not negotiated"))
	}

	msgID := a.nextMessageID()
	cs := NewCommandSet()
	cs.SetUID(TagAffectedSOPClassUID, VerificationSOPClass)
	cs.SetUS(TagCommandField, CommandCEchoRQ)
	cs.SetUS(TagMessageID, msgID)
	cs.SetUS(TagCommandDataSetType, 0x0101)

	if err := a.send(pcID, cs, nil); err != nil {
		return 0, err
	}
	_, rsp, _, err := a.receive()
	if err != nil {
		return 0, err
	}
	return rsp.GetUS(TagStatus), nil
}

// CFind issues a C-FIND-RQ on abstractSyntax with the given identifier
// (encoded under the negotiated transfer syntax before sending) and streams
// every pending response identifier plus the terminal status to onResult.
// onResult returning a non-nil error cancels the operation immediately with
// a C-CANCEL-RQ, the same early-exit path ctx.Done() takes.
func (a *Association) CFind(ctx context.Context, abstractSyntax string, identifier *dicomcodec.WireDataset, onResult func(FindResult) error) error {
	pcID, ok := a.GetPresentationContextID(abstractSyntax)
	if !ok {
		return dicomerr.New(dicomerr.KindNegotiation, "c-find", fmt.Errorf("context not negotiated: %s", abstractSyntax))
	}
	ts := a.TransferSyntaxFor(pcID)
	keys, err := identifier.Bytes(ts)
	if err != nil {
		return dicomerr.New(dicomerr.KindCodec, "c-find encode identifier", err)
	}

	msgID := a.nextMessageID()
	cs := NewCommandSet()
	cs.SetUID(TagAffectedSOPClassUID, abstractSyntax)
	cs.SetUS(TagCommandField, CommandCFindRQ)
	cs.SetUS(TagMessageID, msgID)
	cs.SetUS(TagPriority, 0x0002) // MEDIUM
	cs.SetUS(TagCommandDataSetType, 0x0001)

	if err := a.send(pcID, cs, keys); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			a.cancel(pcID, msgID)
			return err
		}

		_, rsp, data, err := a.receive()
		if err != nil {
			return err
		}
		status := rsp.GetUS(TagStatus)

		result := FindResult{Status: status}
		if len(data) > 0 {
			ds, decErr := dicomcodec.DecodeDataset(data, ts)
			if decErr != nil {
				return dicomerr.New(dicomerr.KindCodec, "c-find decode identifier", decErr)
			}
			result.Dataset = ds
		}
		if err := onResult(result); err != nil {
			a.cancel(pcID, msgID)
			return err
		}

		if status != StatusPending && status != StatusPendingWarning {
			if status != StatusSuccess {
				return dicomerr.RemoteStatus("c-find", status)
			}
			return nil
		}
	}
}

// CMove issues a C-MOVE-RQ directing the remote to send matching instances
// to destinationAE on a separate association, streaming progress to
// onProgress.
func (a *Association) CMove(ctx context.Context, abstractSyntax, destinationAE string, identifier *dicomcodec.WireDataset, onProgress func(MoveResult) error) error {
	pcID, ok := a.GetPresentationContextID(abstractSyntax)
	if !ok {
		return dicomerr.New(dicomerr.KindNegotiation, "c-move", fmt.Errorf("context not negotiated: %s", abstractSyntax))
	}
	keys, err := identifier.Bytes(a.TransferSyntaxFor(pcID))
	if err != nil {
		return dicomerr.New(dicomerr.KindCodec, "c-move encode identifier", err)
	}

	msgID := a.nextMessageID()
	cs := NewCommandSet()
	cs.SetUID(TagAffectedSOPClassUID, abstractSyntax)
	cs.SetUS(TagCommandField, CommandCMoveRQ)
	cs.SetUS(TagMessageID, msgID)
	cs.SetUS(TagPriority, 0x0002)
	cs.SetUID(TagMoveDestination, destinationAE)
	cs.SetUS(TagCommandDataSetType, 0x0001)

	if err := a.send(pcID, cs, keys); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			a.cancel(pcID, msgID)
			return err
		}

		_, rsp, _, err := a.receive()
		if err != nil {
			return err
		}
		status := rsp.GetUS(TagStatus)
		counts := subOpCounts(rsp)

		if onProgress != nil {
			if err := onProgress(MoveResult{Status: status, SubOperationCounts: counts}); err != nil {
				a.cancel(pcID, msgID)
				return err
			}
		}

		if status != StatusPending && status != StatusPendingWarning {
			if status != StatusSuccess {
				return dicomerr.RemoteStatus("c-move", status)
			}
			return nil
		}
	}
}

// CGet issues a C-GET-RQ, which (unlike C-MOVE) delivers matching
// instances as inbound C-STORE-RQs on this same association; each is
// handed to onStore as it arrives, alongside the running sub-operation
// counts from onProgress. The C-STORE-RSP goes back on the presentation
// context the request arrived on, which is a storage context, not the
// C-GET context.
func (a *Association) CGet(ctx context.Context, abstractSyntax string, identifier *dicomcodec.WireDataset, onStore func(InboundStore) (uint16, error), onProgress func(MoveResult) error) error {
	pcID, ok := a.GetPresentationContextID(abstractSyntax)
	if !ok {
		return dicomerr.New(dicomerr.KindNegotiation, "c-get", fmt.Errorf("context not negotiated: %s", abstractSyntax))
	}
	keys, err := identifier.Bytes(a.TransferSyntaxFor(pcID))
	if err != nil {
		return dicomerr.New(dicomerr.KindCodec, "c-get encode identifier", err)
	}

	msgID := a.nextMessageID()
	cs := NewCommandSet()
	cs.SetUID(TagAffectedSOPClassUID, abstractSyntax)
	cs.SetUS(TagCommandField, CommandCGetRQ)
	cs.SetUS(TagMessageID, msgID)
	cs.SetUS(TagPriority, 0x0002)
	cs.SetUS(TagCommandDataSetType, 0x0001)

	if err := a.send(pcID, cs, keys); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			a.cancel(pcID, msgID)
			return err
		}

		storePCID, rsp, data, err := a.receive()
		if err != nil {
			return err
		}

		switch rsp.GetUS(TagCommandField) {
		case CommandCStoreRQ:
			status, storeErr := onStore(InboundStore{
				SOPClassUID:    rsp.GetString(TagAffectedSOPClassUID),
				SOPInstanceUID: rsp.GetString(TagAffectedSOPInstanceUID),
				TransferSyntax: a.TransferSyntaxFor(storePCID),
				Data:           data,
			})
			if storeErr != nil {
				status = 0xC000
			}
			reply := NewCommandSet()
			reply.SetUID(TagAffectedSOPClassUID, rsp.GetString(TagAffectedSOPClassUID))
			reply.SetUS(TagCommandField, CommandCStoreRSP)
			reply.SetUS(TagMessageIDBeingRespondedTo, rsp.GetUS(TagMessageID))
			reply.SetUS(TagCommandDataSetType, 0x0101)
			reply.SetUS(TagStatus, status)
			reply.SetUID(TagAffectedSOPInstanceUID, rsp.GetString(TagAffectedSOPInstanceUID))
			if err := a.send(storePCID, reply, nil); err != nil {
				return err
			}
			continue
		case CommandCGetRSP:
			status := rsp.GetUS(TagStatus)
			counts := subOpCounts(rsp)
			if onProgress != nil {
				if err := onProgress(MoveResult{Status: status, SubOperationCounts: counts}); err != nil {
					a.cancel(pcID, msgID)
					return err
				}
			}
			if status != StatusPending && status != StatusPendingWarning {
				if status != StatusSuccess {
					return dicomerr.RemoteStatus("c-get", status)
				}
				return nil
			}
		default:
			return dicomerr.New(dicomerr.KindProtocol, "c-get", fmt.Errorf("unexpected command field 0x%04x", rsp.GetUS(TagCommandField)))
		}
	}
}

func subOpCounts(cs *CommandSet) SubOperationCounts {
	return SubOperationCounts{
		Remaining: cs.GetUS(TagNumberOfRemainingSubOps),
		Completed: cs.GetUS(TagNumberOfCompletedSubOps),
		Failed:    cs.GetUS(TagNumberOfFailedSubOps),
		Warning:   cs.GetUS(TagNumberOfWarningSubOps),
	}
}

// CStore issues a C-STORE-RQ carrying dataset (already encoded in the
// negotiated transfer syntax for sopClassUID) and returns the remote's
// status.
func (a *Association) CStore(ctx context.Context, sopClassUID, sopInstanceUID string, dataset []byte) (uint16, error) {
	pcID, ok := a.GetPresentationContextID(sopClassUID)
	if !ok {
		return 0, dicomerr.New(dicomerr.KindNegotiation, "c-store", fmt.Errorf("context not negotiated: %s", sopClassUID))
	}

	msgID := a.nextMessageID()
	cs := NewCommandSet()
	cs.SetUID(TagAffectedSOPClassUID, sopClassUID)
	cs.SetUS(TagCommandField, CommandCStoreRQ)
	cs.SetUS(TagMessageID, msgID)
	cs.SetUS(TagPriority, 0x0002)
	cs.SetUID(TagAffectedSOPInstanceUID, sopInstanceUID)
	cs.SetUS(TagCommandDataSetType, 0x0001)

	if err := a.send(pcID, cs, dataset); err != nil {
		return 0, err
	}
	_, rsp, _, err := a.receive()
	if err != nil {
		return 0, err
	}
	return rsp.GetUS(TagStatus), nil
}

func (a *Association) cancel(pcID byte, messageIDBeingRespondedTo uint16) {
	cs := NewCommandSet()
	cs.SetUS(TagCommandField, CommandCCancelRQ)
	cs.SetUS(TagMessageIDBeingRespondedTo, messageIDBeingRespondedTo)
	cs.SetUS(TagCommandDataSetType, 0x0101)
	a.send(pcID, cs, nil)
}

func (a *Association) send(pcID byte, cs *CommandSet, dataset []byte) error {
	return writeDIMSEMessage(a.conn, a.config.WriteTimeout, pcID, cs.Encode(), dataset)
}

func (a *Association) receive() (byte, *CommandSet, []byte, error) {
	a.conn.SetReadDeadline(time.Now().Add(a.config.ReadTimeout))
	p, err := readPDU(a.conn)
	if err != nil {
		return 0, nil, nil, err
	}
	if p.pduType == pduTypeAbort {
		return 0, nil, nil, dicomerr.New(dicomerr.KindTransport, "receive", fmt.Errorf("remote aborted association"))
	}
	if p.pduType != pduTypePDataTF {
		return 0, nil, nil, dicomerr.New(dicomerr.KindProtocol, "receive", fmt.Errorf("unexpected pdu type 0x%02x", p.pduType))
	}
	pcID, cmdBytes, dataBytes, err := reassembleMessage(a.conn, p.payload)
	if err != nil {
		return 0, nil, nil, err
	}
	cs, err := DecodeCommandSet(cmdBytes)
	if err != nil {
		return 0, nil, nil, dicomerr.New(dicomerr.KindProtocol, "decode command set", err)
	}
	return pcID, cs, dataBytes, nil
}
