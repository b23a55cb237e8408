// Package retrieve is the retrieve orchestrator (C5): drives C-GET with
// C-MOVE fallback, aggregates sub-operation counters from the DIMSE
// response stream, and fans progress snapshots out on the study topic.
// The service shape (injected repository, transport seam, structured
// per-operation logging) follows the teacher's service layer, generalized
// from request forwarding into a stateful job runner.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dicom-gateway/gateway/internal/cacheindex"
	"github.com/dicom-gateway/gateway/internal/dicomerr"
	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/internal/progress"
	"github.com/dicom-gateway/gateway/internal/repository"
	"github.com/dicom-gateway/gateway/internal/storagescp"
	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/dicom-gateway/gateway/pkg/dimse"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// retrieveDeadline bounds one job end to end; past it the association is
// aborted and the job marked FAILED.
const retrieveDeadline = 5 * time.Minute

// destinationUnknownMessage is the diagnostic for C-MOVE status 0xA702:
// the remote accepted the request but cannot open a connection back to
// this gateway's Storage-SCP, usually because the local AE title or
// public hostname is not registered there.
const destinationUnknownMessage = "Destination unknown - remote PACS cannot reach this application"

var activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dicom_gateway_retrieve_jobs_active",
	Help: "Retrieve jobs currently running.",
})

// Request identifies what to retrieve and from where.
type Request struct {
	Level     models.RetrieveLevel
	StudyUID  string
	SeriesUID string
	SOPUID    string
	NodeName  string // empty selects the default node
}

// Orchestrator runs retrieve jobs. One job per study runs at a time;
// a second request for an in-flight study returns the running job.
type Orchestrator struct {
	nodes     *repository.PACSRepository
	store     *cacheindex.Store
	bus       *progress.Bus
	ingest    *storagescp.IngestBus
	transport Transport
	localAE   string
	prefs     models.RetrievePreferences
	log       zerolog.Logger

	mu     sync.Mutex
	active map[string]*runningJob
}

type runningJob struct {
	job    *models.RetrieveJob
	cancel context.CancelFunc
}

func New(nodes *repository.PACSRepository, store *cacheindex.Store, bus *progress.Bus,
	ingest *storagescp.IngestBus, transport Transport, localAE string,
	prefs models.RetrievePreferences, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		nodes:     nodes,
		store:     store,
		bus:       bus,
		ingest:    ingest,
		transport: transport,
		localAE:   localAE,
		prefs:     prefs,
		log:       log,
		active:    make(map[string]*runningJob),
	}
}

// Start validates the request, registers a job, emits STARTED on the
// study topic, and returns immediately with the job snapshot; the
// retrieve itself runs on its own goroutine. Observers follow the topic
// for everything after that, both incremental progress and the terminal
// snapshot.
func (o *Orchestrator) Start(ctx context.Context, req Request) (models.RetrieveJob, error) {
	node, err := o.resolveNode(ctx, req.NodeName)
	if err != nil {
		return models.RetrieveJob{}, err
	}

	o.mu.Lock()
	if running, ok := o.active[req.StudyUID]; ok {
		snapshot := running.job.Snapshot()
		o.mu.Unlock()
		return snapshot, nil
	}

	job := &models.RetrieveJob{
		ID:        uuid.NewString(),
		StudyUID:  req.StudyUID,
		SeriesUID: req.SeriesUID,
		SOPUID:    req.SOPUID,
		Level:     req.Level,
		Remote:    node.Name,
		Status:    models.StatusStarted,
	}
	jobCtx, cancel := context.WithTimeout(context.Background(), retrieveDeadline)
	o.active[req.StudyUID] = &runningJob{job: job, cancel: cancel}
	o.mu.Unlock()

	activeJobs.Inc()
	o.bus.Publish(job.StudyUID, job.Snapshot())

	go o.run(jobCtx, cancel, job, node, req)

	return job.Snapshot(), nil
}

// Cancel trips the cancellation of the job retrieving studyUID, if any.
// The outbound association gets a C-CANCEL (inside the association
// engine's response loop) and is then aborted.
func (o *Orchestrator) Cancel(studyUID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if running, ok := o.active[studyUID]; ok {
		running.cancel()
		return true
	}
	return false
}

func (o *Orchestrator) resolveNode(ctx context.Context, name string) (*models.PACSNode, error) {
	var (
		node *models.PACSNode
		err  error
	)
	if name == "" {
		node, err = o.nodes.GetDefault(ctx)
	} else {
		node, err = o.nodes.GetByName(ctx, name)
	}
	if err != nil {
		return nil, dicomerr.New(dicomerr.KindConfig, "resolve pacs node", fmt.Errorf("node %q: %w", name, err))
	}
	return node, nil
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, job *models.RetrieveJob, node *models.PACSNode, req Request) {
	defer cancel()
	defer activeJobs.Dec()
	defer func() {
		o.mu.Lock()
		delete(o.active, job.StudyUID)
		o.mu.Unlock()
	}()

	log := o.log.With().
		Str("job_id", job.ID).
		Str("study_uid", job.StudyUID).
		Str("pacs_node", node.Name).
		Logger()

	identifier := buildIdentifier(req)

	var err error
	if o.prefs.PreferCGet {
		job.Strategy = models.StrategyCGet
		err = o.runCGet(ctx, job, node, identifier)
		if err != nil && o.prefs.FallbackToCMove && fallbackWorthy(err) && ctx.Err() == nil {
			log.Warn().Err(err).Msg("c-get refused, falling back to c-move")
			job.Strategy = models.StrategyCMove
			err = o.runCMove(ctx, job, node, identifier)
		}
	} else {
		job.Strategy = models.StrategyCMove
		err = o.runCMove(ctx, job, node, identifier)
	}

	o.finish(job, err, log)
}

// finish computes and publishes the terminal snapshot.
func (o *Orchestrator) finish(job *models.RetrieveJob, err error, log zerolog.Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case err == nil && job.FailedOps == 0:
		job.Status = models.StatusCompleted
	case err == nil:
		job.Status = models.StatusCompletedWithErrors
		job.ErrorMessage = fmt.Sprintf("%d sub-operations failed", job.FailedOps)
	default:
		job.Status = models.StatusFailed
		job.ErrorMessage = terminalMessage(err)
	}

	if err != nil {
		log.Error().Err(err).Str("status", string(job.Status)).Msg("retrieve finished")
	} else {
		log.Info().
			Int("completed", job.CompletedOps).
			Int("failed", job.FailedOps).
			Str("status", string(job.Status)).
			Msg("retrieve finished")
	}
	o.bus.Publish(job.StudyUID, job.Snapshot())
}

func terminalMessage(err error) string {
	var derr *dicomerr.Error
	if errors.As(err, &derr) && derr.Kind == dicomerr.KindRemoteStatus && derr.Status == dimse.StatusMoveDestinationUnknown {
		return destinationUnknownMessage
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "retrieve deadline exceeded"
	}
	if errors.Is(err, context.Canceled) {
		return "retrieve cancelled"
	}
	return err.Error()
}

// fallbackWorthy reports whether a C-GET failure should trigger the C-MOVE
// attempt: the recoverable remote statuses, or no Get presentation context
// accepted at all.
func fallbackWorthy(err error) bool {
	var derr *dicomerr.Error
	if !errors.As(err, &derr) {
		return false
	}
	switch derr.Kind {
	case dicomerr.KindNegotiation:
		return true
	case dicomerr.KindRemoteStatus:
		return dicomerr.Recoverable(derr.Status)
	default:
		return false
	}
}

func (o *Orchestrator) runCGet(ctx context.Context, job *models.RetrieveJob, node *models.PACSNode, identifier *dicomcodec.WireDataset) error {
	return o.transport.CGet(ctx, node, identifier,
		func(in dimse.InboundStore) (uint16, error) {
			return o.ingestInbound(ctx, job, in)
		},
		func(r dimse.MoveResult) error {
			o.applyCounts(job, r)
			return nil
		})
}

// runCMove issues the C-MOVE and watches the Storage-SCP's ingest channel
// while it runs. Sub-operation accounting is driven by the response
// stream alone, so ingest events only mark activity (and surface
// per-instance store failures in the log), never bump the counters.
func (o *Orchestrator) runCMove(ctx context.Context, job *models.RetrieveJob, node *models.PACSNode, identifier *dicomcodec.WireDataset) error {
	if o.ingest != nil {
		ch := o.ingest.Subscribe(job.StudyUID)
		defer o.ingest.Unsubscribe(job.StudyUID, ch)
		go func() {
			for ev := range ch {
				if !ev.Success {
					o.log.Warn().Str("sop_instance_uid", ev.SOPUID).Msg("inbound c-store failed during c-move")
				}
				o.markRetrieving(job)
			}
		}()
	}
	return o.transport.CMove(ctx, node, o.localAE, identifier,
		func(r dimse.MoveResult) error {
			o.applyCounts(job, r)
			return nil
		})
}

func (o *Orchestrator) markRetrieving(job *models.RetrieveJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !job.Status.Terminal() && job.Status != models.StatusRetrieving {
		job.Status = models.StatusRetrieving
		o.bus.Publish(job.StudyUID, job.Snapshot())
	}
}

// ingestInbound persists one dataset received on the C-GET association.
// Decode and cache failures are per-instance outcomes: the remote gets a
// processing-failure status, its counters record the failed sub-operation,
// and the retrieve continues.
func (o *Orchestrator) ingestInbound(ctx context.Context, job *models.RetrieveJob, in dimse.InboundStore) (uint16, error) {
	ds, err := dicomcodec.DecodeDataset(in.Data, in.TransferSyntax)
	if err != nil {
		o.log.Warn().Err(err).Str("sop_instance_uid", in.SOPInstanceUID).Msg("inbound dataset decode failed")
		return 0x0110, nil
	}

	studyUID := ds.String(tag.StudyInstanceUID)
	seriesUID := ds.String(tag.SeriesInstanceUID)
	sopUID := in.SOPInstanceUID
	if sopUID == "" {
		sopUID = ds.String(tag.SOPInstanceUID)
	}

	if _, err := o.store.StoreInstance(ctx, studyUID, seriesUID, sopUID, ds, in.TransferSyntax, job.Remote); err != nil {
		o.log.Error().Err(err).Str("sop_instance_uid", sopUID).Msg("inbound dataset persist failed")
		return 0x0110, nil
	}
	return 0x0000, nil
}

// applyCounts folds one response's sub-operation counters into the job and
// publishes a snapshot. Counters only move forward, so a late or reordered
// response can never make progress appear to regress.
func (o *Orchestrator) applyCounts(job *models.RetrieveJob, r dimse.MoveResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	total := int(r.Remaining) + int(r.Completed) + int(r.Failed) + int(r.Warning)
	if total > job.TotalOps {
		job.TotalOps = total
	}
	if int(r.Completed) > job.CompletedOps {
		job.CompletedOps = int(r.Completed)
	}
	if int(r.Failed) > job.FailedOps {
		job.FailedOps = int(r.Failed)
	}
	if int(r.Warning) > job.WarningOps {
		job.WarningOps = int(r.Warning)
	}
	if !job.Status.Terminal() {
		job.Status = models.StatusRetrieving
	}
	o.bus.Publish(job.StudyUID, job.Snapshot())
}

// buildIdentifier assembles the retrieve keys for the requested level.
func buildIdentifier(req Request) *dicomcodec.WireDataset {
	identifier := dicomcodec.NewWireDataset()
	identifier.SetString(tag.QueryRetrieveLevel, string(req.Level))
	identifier.SetString(tag.StudyInstanceUID, req.StudyUID)
	if req.SeriesUID != "" {
		identifier.SetString(tag.SeriesInstanceUID, req.SeriesUID)
	}
	if req.SOPUID != "" {
		identifier.SetString(tag.SOPInstanceUID, req.SOPUID)
	}
	return identifier
}
