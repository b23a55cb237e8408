// Package storagescp is the Storage-SCP (C3): accepts inbound associations,
// handles C-STORE by persisting through the cache index, answers C-ECHO
// for liveness, and publishes an ingest event per stored instance for the
// retrieve orchestrator's C-MOVE path to observe. Grounded on the
// teacher's pool.go accept-loop shape (structured accept/close logging),
// generalized here from a dial-out connection pool to an accept-and-
// dispatch loop; pkg/dimse.Server already supplies
// caio-sobreiro-dicomnet's per-association goroutine model, so this
// package only supplies the dimse.Handler callbacks.
package storagescp

import (
	"context"
	"sync"
	"time"

	"github.com/dicom-gateway/gateway/internal/cacheindex"
	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/dicom-gateway/gateway/pkg/dimse"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// IngestEvent is published per stored instance.
type IngestEvent struct {
	StudyUID  string
	SeriesUID string
	SOPUID    string
	Success   bool
}

// IngestBus is a small topic-indexed (by studyUID) pub/sub for
// IngestEvent: non-blocking like progress.Bus, but best-effort with no
// coalescing or terminal guarantee (an event for a full subscriber channel
// is dropped), kept as its own type since nothing else in this codebase
// needs a generic bus.
type IngestBus struct {
	mu   sync.Mutex
	subs map[string][]chan IngestEvent
}

func NewIngestBus() *IngestBus {
	return &IngestBus{subs: make(map[string][]chan IngestEvent)}
}

func (b *IngestBus) Subscribe(studyUID string) chan IngestEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan IngestEvent, 64)
	b.subs[studyUID] = append(b.subs[studyUID], ch)
	return ch
}

func (b *IngestBus) Unsubscribe(studyUID string, ch chan IngestEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[studyUID]
	for i, c := range list {
		if c == ch {
			b.subs[studyUID] = append(list[:i], list[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subs[studyUID]) == 0 {
		delete(b.subs, studyUID)
	}
}

func (b *IngestBus) Publish(studyUID string, ev IngestEvent) {
	b.mu.Lock()
	subs := append([]chan IngestEvent(nil), b.subs[studyUID]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default: // slow subscriber: drop rather than block the Storage-SCP
		}
	}
}

// Handler implements dimse.Handler: C-STORE persists via the cache index,
// C-ECHO replies success.
type Handler struct {
	store  *cacheindex.Store
	ingest *IngestBus
	log    zerolog.Logger
}

func New(store *cacheindex.Store, ingest *IngestBus, log zerolog.Logger) *Handler {
	return &Handler{store: store, ingest: ingest, log: log}
}

var _ dimse.Handler = (*Handler)(nil)

// HandleCStore decodes the dataset, persists it via the cache index, and
// returns the DIMSE status the acceptor should reply with, per §4.3's
// five-step contract: Success (0x0000) on persistence, ProcessingFailure
// (0x0110) on any exception, never a Go error (a store failure is a
// per-instance outcome, not an association-ending fault).
func (h *Handler) HandleCStore(sc *dimse.ServerConn, cs *dimse.CommandSet, datasetPCID byte, dataset []byte) (uint16, error) {
	transferSyntax := sc.TransferSyntaxFor(datasetPCID)
	sopInstanceUID := cs.GetString(dimse.TagAffectedSOPInstanceUID)

	ds, err := dicomcodec.DecodeDataset(dataset, transferSyntax)
	if err != nil {
		h.log.Warn().Err(err).Str("sop_instance_uid", sopInstanceUID).Msg("c-store decode failed")
		return 0x0110, nil
	}

	studyUID := ds.String(tag.StudyInstanceUID)
	seriesUID := ds.String(tag.SeriesInstanceUID)
	if sopInstanceUID == "" {
		sopInstanceUID = ds.String(tag.SOPInstanceUID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := h.store.StoreInstance(ctx, studyUID, seriesUID, sopInstanceUID, ds, transferSyntax, sc.CallingAETitle()); err != nil {
		h.log.Error().Err(err).Str("sop_instance_uid", sopInstanceUID).Msg("c-store persist failed")
		h.publishIngest(studyUID, seriesUID, sopInstanceUID, false)
		return 0x0110, nil
	}

	h.publishIngest(studyUID, seriesUID, sopInstanceUID, true)
	return 0x0000, nil
}

func (h *Handler) publishIngest(studyUID, seriesUID, sopUID string, success bool) {
	if studyUID == "" || h.ingest == nil {
		return
	}
	h.ingest.Publish(studyUID, IngestEvent{StudyUID: studyUID, SeriesUID: seriesUID, SOPUID: sopUID, Success: success})
}

// HandleCEcho answers a liveness check with success.
func (h *Handler) HandleCEcho(sc *dimse.ServerConn, cs *dimse.CommandSet) (uint16, error) {
	return 0x0000, nil
}
