package dimse

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// recordingHandler implements Handler for loopback tests.
type recordingHandler struct {
	mu     sync.Mutex
	echoes int
	stores []InboundStore
	status uint16
}

func (h *recordingHandler) HandleCEcho(conn *ServerConn, cs *CommandSet) (uint16, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.echoes++
	return StatusSuccess, nil
}

func (h *recordingHandler) HandleCStore(conn *ServerConn, cs *CommandSet, datasetPCID byte, dataset []byte) (uint16, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stores = append(h.stores, InboundStore{
		SOPClassUID:    cs.GetString(TagAffectedSOPClassUID),
		SOPInstanceUID: cs.GetString(TagAffectedSOPInstanceUID),
		TransferSyntax: conn.TransferSyntaxFor(datasetPCID),
		Data:           append([]byte(nil), dataset...),
	})
	if h.status != 0 {
		return h.status, nil
	}
	return StatusSuccess, nil
}

func startTestServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	srv, err := Listen("127.0.0.1:0", handler, ServerConfig{
		AETitle: "TEST_SCP",
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, srv.Addr().String()
}

func TestEchoLoopback(t *testing.T) {
	handler := &recordingHandler{}
	_, addr := startTestServer(t, handler)

	assoc, err := Connect(addr, EchoProposals(), Config{
		CallingAETitle: "TEST_SCU",
		CalledAETitle:  "TEST_SCP",
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer assoc.Close()

	status, err := assoc.CEcho(context.Background())
	if err != nil {
		t.Fatalf("c-echo: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("c-echo status = 0x%04x", status)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.echoes != 1 {
		t.Errorf("handler saw %d echoes", handler.echoes)
	}
}

func TestStoreLoopbackDeliversDatasetVerbatim(t *testing.T) {
	handler := &recordingHandler{}
	_, addr := startTestServer(t, handler)

	ctUID := "1.2.840.10008.5.1.4.1.1.2"
	assoc, err := Connect(addr, StoreProposals(ctUID, ExplicitVRLittleEndian), Config{
		CallingAETitle: "TEST_SCU",
		CalledAETitle:  "TEST_SCP",
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer assoc.Close()

	pcID, ok := assoc.GetPresentationContextID(ctUID)
	if !ok {
		t.Fatalf("ct storage context not negotiated")
	}
	ts := assoc.TransferSyntaxFor(pcID)
	if ts != ExplicitVRLittleEndian {
		t.Fatalf("negotiated transfer syntax = %s", ts)
	}

	ds := dicomcodec.NewWireDataset()
	ds.SetString(tag.SOPClassUID, ctUID)
	ds.SetString(tag.SOPInstanceUID, "1.2.3.4.5")
	ds.SetString(tag.StudyInstanceUID, "1.2.3")
	ds.SetString(tag.SeriesInstanceUID, "1.2.3.4")
	ds.SetString(tag.Modality, "CT")
	raw, err := ds.Bytes(ts)
	if err != nil {
		t.Fatalf("encode dataset: %v", err)
	}

	status, err := assoc.CStore(context.Background(), ctUID, "1.2.3.4.5", raw)
	if err != nil {
		t.Fatalf("c-store: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("c-store status = 0x%04x", status)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.stores) != 1 {
		t.Fatalf("handler saw %d stores", len(handler.stores))
	}
	got := handler.stores[0]
	if got.SOPInstanceUID != "1.2.3.4.5" {
		t.Errorf("SOPInstanceUID = %q", got.SOPInstanceUID)
	}
	if got.TransferSyntax != ExplicitVRLittleEndian {
		t.Errorf("TransferSyntax = %q", got.TransferSyntax)
	}
	if !bytes.Equal(got.Data, raw) {
		t.Errorf("dataset bytes mutated in transit: %d vs %d", len(got.Data), len(raw))
	}
}

// A large dataset must survive PDV fragmentation.
func TestStoreLoopbackFragmentsLargeDataset(t *testing.T) {
	handler := &recordingHandler{}
	_, addr := startTestServer(t, handler)

	ctUID := "1.2.840.10008.5.1.4.1.1.2"
	assoc, err := Connect(addr, StoreProposals(ctUID, ImplicitVRLittleEndian), Config{
		CallingAETitle: "TEST_SCU",
		CalledAETitle:  "TEST_SCP",
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer assoc.Close()

	pcID, ok := assoc.GetPresentationContextID(ctUID)
	if !ok {
		t.Fatalf("ct storage context not negotiated")
	}

	payload := make([]byte, 100_000)
	for i := range payload {
		payload[i] = byte(i)
	}
	ds := &dicomcodec.WireDataset{Elements: []*dicomcodec.WireElement{
		{Group: 0x7FE0, Element: 0x0010, VR: "OW", Value: payload},
	}}
	raw, err := ds.Bytes(assoc.TransferSyntaxFor(pcID))
	if err != nil {
		t.Fatalf("encode dataset: %v", err)
	}

	status, err := assoc.CStore(context.Background(), ctUID, "1.2.3.4.6", raw)
	if err != nil {
		t.Fatalf("c-store: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("c-store status = 0x%04x", status)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.stores) != 1 || !bytes.Equal(handler.stores[0].Data, raw) {
		t.Errorf("fragmented dataset not reassembled verbatim")
	}
}
