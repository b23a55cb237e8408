// Package cacheindex is the cache index & store (C4): canonical on-disk
// layout, the Patient/Study/Series/Instance relational index, idempotent
// writes and deletes, and size accounting. Grounded on the teacher's
// internal/repository/pacs_repository.go (GORM transaction + upsert idiom)
// generalized from a single-table CRUD repository into the four-level
// cache hierarchy spec.md §3 describes.
package cacheindex

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dicom-gateway/gateway/internal/dicomerr"
	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const lockStripes = 256

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dicom_gateway_cache_lookups_total",
	Help: "Instance cache lookups by outcome.",
}, []string{"outcome"})

// Store implements the cache write/read/delete/size contract of §4.4 over a
// GORM-backed index and a content-addressed directory tree.
type Store struct {
	db   *gorm.DB
	root string
	log  zerolog.Logger

	stripes [lockStripes]sync.Mutex
}

func New(db *gorm.DB, root string, log zerolog.Logger) *Store {
	return &Store{db: db, root: root, log: log}
}

// lockFor serializes writers of the same sopUID, per §4.4/§5's "fingerprinted
// lock" requirement, without a per-UID map that would grow unbounded.
func (s *Store) lockFor(sopUID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sopUID))
	return &s.stripes[h.Sum32()%lockStripes]
}

// InstancePath returns the canonical path for an instance, per §4.4.
func (s *Store) InstancePath(studyUID, seriesUID, sopUID string) string {
	return filepath.Join(s.root, studyUID, seriesUID, sopUID+".dcm")
}

// StoreInstance persists ds (already decoded) to its canonical path via
// write-temp-then-rename, then upserts the Patient→Study→Series→Instance
// chain in a single transaction, recomputing aggregate counts. Calling it
// twice with the same UIDs is idempotent: the file is overwritten and
// exactly one row survives at each level (spec.md §8 property 4).
func (s *Store) StoreInstance(ctx context.Context, studyUID, seriesUID, sopUID string, ds *dicomcodec.WireDataset, transferSyntax string, sourceAE string) (string, error) {
	lock := s.lockFor(sopUID)
	lock.Lock()
	defer lock.Unlock()

	path := s.InstancePath(studyUID, seriesUID, sopUID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", dicomerr.New(dicomerr.KindCache, "mkdir", err)
	}

	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	f, err := os.Create(tmp)
	if err != nil {
		return "", dicomerr.New(dicomerr.KindCache, "create temp file", err)
	}
	if err := dicomcodec.WriteFile(f, ds, transferSyntax); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", dicomerr.New(dicomerr.KindCache, "write dataset", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", dicomerr.New(dicomerr.KindCache, "close temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", dicomerr.New(dicomerr.KindCache, "rename into place", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", dicomerr.New(dicomerr.KindCache, "stat", err)
	}

	if err := s.upsert(ctx, studyUID, seriesUID, sopUID, ds, transferSyntax, path, info.Size(), sourceAE); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) upsert(ctx context.Context, studyUID, seriesUID, sopUID string, ds *dicomcodec.WireDataset, transferSyntax, path string, size int64, sourceAE string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		patientID := ds.String(tag.PatientID)
		patient := models.Patient{
			PatientID:   patientID,
			PatientName: ds.String(tag.PatientName),
			PatientSex:  ds.String(tag.PatientSex),
			BirthDate:   ds.String(tag.PatientBirthDate),
		}
		if patient.PatientID == "" {
			patient.PatientID = "UNKNOWN"
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "patient_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"patient_name", "patient_sex", "birth_date", "updated_at"}),
		}).Create(&patient).Error; err != nil {
			return fmt.Errorf("upsert patient: %w", err)
		}

		now := time.Now().UTC()
		study := models.Study{
			StudyInstanceUID:   studyUID,
			PatientID:          patient.PatientID,
			StudyDate:          ds.String(tag.StudyDate),
			StudyTime:          ds.String(tag.StudyTime),
			StudyDescription:   ds.String(tag.StudyDescription),
			AccessionNumber:    ds.String(tag.AccessionNumber),
			ReferringPhysician: ds.String(tag.ReferringPhysicianName),
			Cached:             true,
			CachedAt:           &now,
			LastAccessedAt:     &now,
			SourceAETitle:      sourceAE,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "study_instance_uid"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"study_date", "study_time", "study_description", "accession_number",
				"referring_physician", "cached", "cached_at", "last_accessed_at",
				"source_ae_title", "updated_at",
			}),
		}).Create(&study).Error; err != nil {
			return fmt.Errorf("upsert study: %w", err)
		}

		modality := ds.String(tag.Modality)
		series := models.Series{
			SeriesInstanceUID: seriesUID,
			StudyInstanceUID:  studyUID,
			SeriesNumber:      ds.Int(tag.SeriesNumber),
			Modality:          modality,
			SeriesDescription: ds.String(tag.SeriesDescription),
			BodyPartExamined:  ds.String(tag.BodyPartExamined),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "series_instance_uid"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"series_number", "modality", "series_description", "body_part_examined", "updated_at",
			}),
		}).Create(&series).Error; err != nil {
			return fmt.Errorf("upsert series: %w", err)
		}

		instance := instanceFromDataset(ds, studyUID, seriesUID, sopUID, transferSyntax, path, size)
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "sop_instance_uid"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"sop_class_uid", "instance_number", "transfer_syntax_uid",
				"rows", "columns", "bits_allocated", "bits_stored", "high_bit",
				"pixel_representation", "samples_per_pixel", "photometric_interpretation",
				"number_of_frames", "window_center", "window_width",
				"rescale_intercept", "rescale_slope", "slice_thickness", "slice_location",
				"image_position_patient", "image_orientation_patient", "pixel_spacing",
				"file_path", "file_size", "updated_at",
			}),
		}).Create(&instance).Error; err != nil {
			return fmt.Errorf("upsert instance: %w", err)
		}

		return recomputeAggregates(tx, studyUID, seriesUID)
	})
}

func instanceFromDataset(ds *dicomcodec.WireDataset, studyUID, seriesUID, sopUID, transferSyntax, path string, size int64) models.Instance {
	var sliceLoc *float64
	if sl := ds.Doubles(tag.SliceLocation); len(sl) > 0 {
		sliceLoc = &sl[0]
	}
	rescaleIntercept, rescaleSlope := 0.0, 1.0
	if v := ds.Doubles(tag.RescaleIntercept); len(v) > 0 {
		rescaleIntercept = v[0]
	}
	if v := ds.Doubles(tag.RescaleSlope); len(v) > 0 {
		rescaleSlope = v[0]
	}
	sliceThickness := 0.0
	if v := ds.Doubles(tag.SliceThickness); len(v) > 0 {
		sliceThickness = v[0]
	}

	return models.Instance{
		SOPInstanceUID:             sopUID,
		SeriesInstanceUID:          seriesUID,
		StudyInstanceUID:           studyUID,
		SOPClassUID:                ds.String(tag.SOPClassUID),
		InstanceNumber:             ds.Int(tag.InstanceNumber),
		TransferSyntaxUID:          transferSyntax,
		Rows:                       ds.Int(tag.Rows),
		Columns:                    ds.Int(tag.Columns),
		BitsAllocated:              ds.Int(tag.BitsAllocated),
		BitsStored:                 ds.Int(tag.BitsStored),
		HighBit:                    ds.Int(tag.HighBit),
		PixelRepresentation:        ds.Int(tag.PixelRepresentation),
		SamplesPerPixel:            ds.Int(tag.SamplesPerPixel),
		PhotometricInterpretation:  ds.String(tag.PhotometricInterpretation),
		NumberOfFrames:             ds.Int(tag.NumberOfFrames),
		WindowCenter:               ds.String(tag.WindowCenter),
		WindowWidth:                ds.String(tag.WindowWidth),
		RescaleIntercept:           rescaleIntercept,
		RescaleSlope:               rescaleSlope,
		SliceThickness:             sliceThickness,
		SliceLocation:              sliceLoc,
		ImagePositionPatient:       strings.Join(ds.Strings(tag.ImagePositionPatient), "\\"),
		ImageOrientationPatient:    strings.Join(ds.Strings(tag.ImageOrientationPatient), "\\"),
		PixelSpacing:               strings.Join(ds.Strings(tag.PixelSpacing), "\\"),
		FilePath:                   path,
		FileSize:                   size,
	}
}

// recomputeAggregates maintains Study.numberOfSeries/numberOfInstances and
// the first-seen modality list per §3's invariants.
func recomputeAggregates(tx *gorm.DB, studyUID, seriesUID string) error {
	var seriesRows []models.Series
	if err := tx.Where("study_instance_uid = ?", studyUID).Order("created_at ASC").Find(&seriesRows).Error; err != nil {
		return fmt.Errorf("load series for aggregates: %w", err)
	}

	var instanceCount int64
	seen := make(map[string]struct{})
	var modalities []string
	for i := range seriesRows {
		var n int64
		if err := tx.Model(&models.Instance{}).Where("series_instance_uid = ?", seriesRows[i].SeriesInstanceUID).Count(&n).Error; err != nil {
			return fmt.Errorf("count instances: %w", err)
		}
		seriesRows[i].NumberOfInstances = int(n)
		if err := tx.Model(&models.Series{}).Where("series_instance_uid = ?", seriesRows[i].SeriesInstanceUID).
			Update("number_of_instances", n).Error; err != nil {
			return fmt.Errorf("update series count: %w", err)
		}
		instanceCount += n
		if seriesRows[i].Modality != "" {
			if _, ok := seen[seriesRows[i].Modality]; !ok {
				seen[seriesRows[i].Modality] = struct{}{}
				modalities = append(modalities, seriesRows[i].Modality)
			}
		}
	}

	return tx.Model(&models.Study{}).Where("study_instance_uid = ?", studyUID).Updates(map[string]interface{}{
		"number_of_series":    len(seriesRows),
		"number_of_instances": instanceCount,
		"modalities_in_study": strings.Join(modalities, "\\"),
	}).Error
}

// CachedFile is the handle returned by GetCachedFile: the open file and its
// instance row, so callers can stream bytes and inspect geometry without a
// second index round trip.
type CachedFile struct {
	*os.File
	Instance models.Instance
}

// GetCachedFile opens the instance at (studyUID, seriesUID, sopUID) if
// present, or returns (nil, nil) on a miss, per §4.4's "file | null"
// contract. Study.lastAccessedAt is updated asynchronously on a hit so a
// slow index write never delays the read.
func (s *Store) GetCachedFile(ctx context.Context, studyUID, seriesUID, sopUID string) (*CachedFile, error) {
	var instance models.Instance
	err := s.db.WithContext(ctx).Where("sop_instance_uid = ?", sopUID).First(&instance).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			cacheLookups.WithLabelValues("miss").Inc()
			return nil, nil
		}
		return nil, dicomerr.New(dicomerr.KindCache, "lookup instance", err)
	}

	f, err := os.Open(instance.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			cacheLookups.WithLabelValues("miss").Inc()
			return nil, nil
		}
		return nil, dicomerr.New(dicomerr.KindCache, "open instance file", err)
	}

	cacheLookups.WithLabelValues("hit").Inc()
	go s.touchStudy(studyUID)

	return &CachedFile{File: f, Instance: instance}, nil
}

func (s *Store) touchStudy(studyUID string) {
	now := time.Now().UTC()
	if err := s.db.Model(&models.Study{}).Where("study_instance_uid = ?", studyUID).
		Update("last_accessed_at", now).Error; err != nil {
		s.log.Warn().Err(err).Str("study_uid", studyUID).Msg("failed to update last accessed at")
	}
}

// CacheSizeBytes sums regular files under root recursively, per §4.4.
func (s *Store) CacheSizeBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, dicomerr.New(dicomerr.KindCache, "walk cache root", err)
	}
	return total, nil
}

// DeleteStudy recursively removes <root>/<studyUid> (deepest-first, per
// §4.4), tolerating individual file errors, then cascades the row deletes.
// Returns false (no error) when studyUID is unknown to the index, per §8's
// boundary behavior.
func (s *Store) DeleteStudy(ctx context.Context, studyUID string) (bool, error) {
	var study models.Study
	err := s.db.WithContext(ctx).Where("study_instance_uid = ?", studyUID).First(&study).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, dicomerr.New(dicomerr.KindCache, "lookup study", err)
	}

	dir := filepath.Join(s.root, studyUID)
	s.removeDeepestFirst(dir)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seriesUIDs []string
		if err := tx.Model(&models.Series{}).Where("study_instance_uid = ?", studyUID).Pluck("series_instance_uid", &seriesUIDs).Error; err != nil {
			return err
		}
		if len(seriesUIDs) > 0 {
			if err := tx.Where("series_instance_uid IN ?", seriesUIDs).Delete(&models.Instance{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("study_instance_uid = ?", studyUID).Delete(&models.Series{}).Error; err != nil {
			return err
		}
		return tx.Where("study_instance_uid = ?", studyUID).Delete(&models.Study{}).Error
	})
	if err != nil {
		return false, dicomerr.New(dicomerr.KindCache, "delete study rows", err)
	}
	return true, nil
}

// removeDeepestFirst walks dir bottom-up, removing files before the
// directories that contain them, and logs (rather than fails on) individual
// errors so one locked/missing file never blocks the rest of the sweep.
func (s *Store) removeDeepestFirst(dir string) {
	var paths []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	for i := len(paths) - 1; i >= 0; i-- {
		if err := os.Remove(paths[i]); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", paths[i]).Msg("failed to remove cache file")
		}
	}
}

var _ io.Closer = (*CachedFile)(nil)

// StudyCached reports whether the study is fully present in the cache
// (cached flag set on its row).
func (s *Store) StudyCached(ctx context.Context, studyUID string) (bool, error) {
	var study models.Study
	err := s.db.WithContext(ctx).Where("study_instance_uid = ?", studyUID).First(&study).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, dicomerr.New(dicomerr.KindCache, "lookup study", err)
	}
	return study.Cached, nil
}

// ListSeriesInstances returns the instance rows of one series ordered by
// instance number, for the volume extractor and QIDO instance search.
func (s *Store) ListSeriesInstances(ctx context.Context, studyUID, seriesUID string) ([]models.Instance, error) {
	var instances []models.Instance
	err := s.db.WithContext(ctx).
		Where("study_instance_uid = ? AND series_instance_uid = ?", studyUID, seriesUID).
		Order("instance_number ASC, sop_instance_uid ASC").
		Find(&instances).Error
	if err != nil {
		return nil, dicomerr.New(dicomerr.KindCache, "list series instances", err)
	}
	return instances, nil
}

// ListStudySeries returns the series rows of one study.
func (s *Store) ListStudySeries(ctx context.Context, studyUID string) ([]models.Series, error) {
	var series []models.Series
	err := s.db.WithContext(ctx).
		Where("study_instance_uid = ?", studyUID).
		Order("series_number ASC, series_instance_uid ASC").
		Find(&series).Error
	if err != nil {
		return nil, dicomerr.New(dicomerr.KindCache, "list study series", err)
	}
	return series, nil
}

// CachedStudiesAccessedBefore lists cached studies whose lastAccessedAt is
// older than cutoff, for the age sweep.
func (s *Store) CachedStudiesAccessedBefore(ctx context.Context, cutoff time.Time) ([]models.Study, error) {
	var studies []models.Study
	err := s.db.WithContext(ctx).
		Where("cached = ? AND last_accessed_at < ?", true, cutoff).
		Find(&studies).Error
	if err != nil {
		return nil, dicomerr.New(dicomerr.KindCache, "list studies for age sweep", err)
	}
	return studies, nil
}

// CachedStudiesByLastAccessed lists every cached study in ascending
// lastAccessedAt order, for the size sweep's LRU walk.
func (s *Store) CachedStudiesByLastAccessed(ctx context.Context) ([]models.Study, error) {
	var studies []models.Study
	err := s.db.WithContext(ctx).
		Where("cached = ?", true).
		Order("last_accessed_at ASC").
		Find(&studies).Error
	if err != nil {
		return nil, dicomerr.New(dicomerr.KindCache, "list studies by last access", err)
	}
	return studies, nil
}
