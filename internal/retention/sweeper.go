// Package retention is the retention & eviction component (C7): a
// cron-scheduled age sweep and a size-based LRU sweep over the cache
// store. The teacher has no retention concept; this follows its
// background-goroutine idiom (started from main alongside the HTTP
// server) with robfig/cron supplying the schedule.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/dicom-gateway/gateway/internal/cacheindex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// lowWaterRatio is the size the LRU sweep drains down to once the cap is
// exceeded, so the next few retrieves don't immediately re-trigger it.
const lowWaterRatio = 0.8

var (
	cacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicom_gateway_cache_size_bytes",
		Help: "Total bytes of cached instance files.",
	})
	sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "dicom_gateway_cache_sweep_duration_seconds",
		Help: "Duration of retention/eviction sweeps.",
	}, []string{"sweep"})
	evictedStudies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_gateway_cache_evicted_studies_total",
		Help: "Studies removed from the cache, by sweep.",
	}, []string{"sweep"})
)

// Config controls sweep thresholds and schedules.
type Config struct {
	RetentionDays int
	MaxBytes      int64
	AgeCron       string // default daily at 02:00
	SizeCron      string // default hourly
}

// Sweeper schedules and runs both sweeps. The two may overlap in time but
// never delete the same study twice: each deletion is guarded by a
// per-study in-flight set.
type Sweeper struct {
	store *cacheindex.Store
	cfg   Config
	log   zerolog.Logger
	cron  *cron.Cron

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(store *cacheindex.Store, cfg Config, log zerolog.Logger) *Sweeper {
	if cfg.AgeCron == "" {
		cfg.AgeCron = "0 2 * * *"
	}
	if cfg.SizeCron == "" {
		cfg.SizeCron = "0 * * * *"
	}
	return &Sweeper{
		store:    store,
		cfg:      cfg,
		log:      log,
		inFlight: make(map[string]struct{}),
	}
}

// Start registers both sweeps with the cron scheduler, which runs each
// firing on its own goroutine until Stop, so an age sweep and a size sweep
// can overlap.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.AgeCron, func() { s.RunAgeSweep(context.Background()) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.SizeCron, func() { s.RunSizeSweep(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().
		Str("age_cron", s.cfg.AgeCron).
		Str("size_cron", s.cfg.SizeCron).
		Msg("cache sweeper started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunAgeSweep deletes every cached study last accessed before the
// retention window.
func (s *Sweeper) RunAgeSweep(ctx context.Context) {
	start := time.Now()
	defer func() { sweepDuration.WithLabelValues("age").Observe(time.Since(start).Seconds()) }()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	studies, err := s.store.CachedStudiesAccessedBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("age sweep: listing studies failed")
		return
	}

	removed := 0
	for _, study := range studies {
		if s.deleteStudy(ctx, study.StudyInstanceUID, "age") {
			removed++
		}
	}
	if removed > 0 {
		s.log.Info().Int("studies", removed).Time("cutoff", cutoff).Msg("age sweep removed studies")
	}
	s.observeSize()
}

// RunSizeSweep evicts least-recently-accessed studies until the cache is
// back under the low-water mark. Size is re-sampled between deletions so
// concurrent writes are accounted for.
func (s *Sweeper) RunSizeSweep(ctx context.Context) {
	start := time.Now()
	defer func() { sweepDuration.WithLabelValues("size").Observe(time.Since(start).Seconds()) }()

	size, err := s.store.CacheSizeBytes()
	if err != nil {
		s.log.Error().Err(err).Msg("size sweep: sizing cache failed")
		return
	}
	cacheSizeBytes.Set(float64(size))
	if size <= s.cfg.MaxBytes {
		return
	}

	target := int64(float64(s.cfg.MaxBytes) * lowWaterRatio)
	studies, err := s.store.CachedStudiesByLastAccessed(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("size sweep: listing studies failed")
		return
	}

	s.log.Warn().
		Int64("size_bytes", size).
		Int64("max_bytes", s.cfg.MaxBytes).
		Int64("target_bytes", target).
		Msg("cache over size cap, evicting")

	for _, study := range studies {
		if !s.deleteStudy(ctx, study.StudyInstanceUID, "size") {
			continue
		}
		size, err = s.store.CacheSizeBytes()
		if err != nil {
			s.log.Error().Err(err).Msg("size sweep: re-sizing cache failed")
			return
		}
		cacheSizeBytes.Set(float64(size))
		if size <= target {
			break
		}
	}
}

// deleteStudy runs one guarded deletion; false when the study was already
// being deleted by the other sweep or was unknown to the index.
func (s *Sweeper) deleteStudy(ctx context.Context, studyUID, sweep string) bool {
	s.mu.Lock()
	if _, busy := s.inFlight[studyUID]; busy {
		s.mu.Unlock()
		return false
	}
	s.inFlight[studyUID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, studyUID)
		s.mu.Unlock()
	}()

	ok, err := s.store.DeleteStudy(ctx, studyUID)
	if err != nil {
		s.log.Error().Err(err).Str("study_uid", studyUID).Msg("sweep: delete study failed")
		return false
	}
	if ok {
		evictedStudies.WithLabelValues(sweep).Inc()
	}
	return ok
}

func (s *Sweeper) observeSize() {
	if size, err := s.store.CacheSizeBytes(); err == nil {
		cacheSizeBytes.Set(float64(size))
	}
}
