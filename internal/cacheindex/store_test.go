package cacheindex

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "index.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Patient{}, &models.Study{}, &models.Series{}, &models.Instance{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, t.TempDir(), zerolog.Nop())
}

func testDataset(studyUID, seriesUID, sopUID, modality string) *dicomcodec.WireDataset {
	ds := dicomcodec.NewWireDataset()
	ds.SetString(tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.2")
	ds.SetString(tag.SOPInstanceUID, sopUID)
	ds.SetString(tag.StudyInstanceUID, studyUID)
	ds.SetString(tag.SeriesInstanceUID, seriesUID)
	ds.SetString(tag.PatientID, "PAT1")
	ds.SetString(tag.PatientName, "DOE^JANE")
	ds.SetString(tag.Modality, modality)
	ds.SetString(tag.InstanceNumber, "1")
	return ds
}

func TestStoreInstanceWritesCanonicalPathAndIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path, err := s.StoreInstance(ctx, "1.2.3", "1.2.3.4", "1.2.3.4.5",
		testDataset("1.2.3", "1.2.3.4", "1.2.3.4.5", "CT"), dicomcodec.ExplicitVRLittleEndian, "REMOTE_AE")
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	want := s.InstancePath("1.2.3", "1.2.3.4", "1.2.3.4.5")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file missing: %v", err)
	}

	var instance models.Instance
	if err := s.db.Where("sop_instance_uid = ?", "1.2.3.4.5").First(&instance).Error; err != nil {
		t.Fatalf("instance row: %v", err)
	}
	if instance.FilePath != path || instance.StudyInstanceUID != "1.2.3" || instance.SeriesInstanceUID != "1.2.3.4" {
		t.Errorf("instance row = %+v", instance)
	}

	var study models.Study
	if err := s.db.Where("study_instance_uid = ?", "1.2.3").First(&study).Error; err != nil {
		t.Fatalf("study row: %v", err)
	}
	if !study.Cached || study.SourceAETitle != "REMOTE_AE" {
		t.Errorf("study row = %+v", study)
	}
	if study.NumberOfSeries != 1 || study.NumberOfInstances != 1 {
		t.Errorf("aggregates = %d/%d", study.NumberOfSeries, study.NumberOfInstances)
	}
}

func TestStoreInstanceIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ds := testDataset("1.2.3", "1.2.3.4", "1.2.3.4.5", "CT")
	for i := 0; i < 3; i++ {
		if _, err := s.StoreInstance(ctx, "1.2.3", "1.2.3.4", "1.2.3.4.5", ds, dicomcodec.ExplicitVRLittleEndian, "A"); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	var count int64
	s.db.Model(&models.Instance{}).Count(&count)
	if count != 1 {
		t.Errorf("instance rows = %d, want 1", count)
	}
	var series models.Series
	s.db.Where("series_instance_uid = ?", "1.2.3.4").First(&series)
	if series.NumberOfInstances != 1 {
		t.Errorf("series instance count = %d, want 1", series.NumberOfInstances)
	}
}

func TestStoreInstanceConcurrentSameUID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ds := testDataset("1.2.3", "1.2.3.4", "1.2.3.4.5", "CT")
			s.StoreInstance(ctx, "1.2.3", "1.2.3.4", "1.2.3.4.5", ds, dicomcodec.ExplicitVRLittleEndian, "A")
		}()
	}
	wg.Wait()

	var count int64
	s.db.Model(&models.Instance{}).Count(&count)
	if count != 1 {
		t.Errorf("instance rows = %d, want 1", count)
	}
}

func TestModalitiesInStudyFirstSeenOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.StoreInstance(ctx, "1.2.3", "s1", "i1", testDataset("1.2.3", "s1", "i1", "CT"), dicomcodec.ExplicitVRLittleEndian, "A")
	s.StoreInstance(ctx, "1.2.3", "s2", "i2", testDataset("1.2.3", "s2", "i2", "MR"), dicomcodec.ExplicitVRLittleEndian, "A")
	s.StoreInstance(ctx, "1.2.3", "s3", "i3", testDataset("1.2.3", "s3", "i3", "CT"), dicomcodec.ExplicitVRLittleEndian, "A")

	var study models.Study
	s.db.Where("study_instance_uid = ?", "1.2.3").First(&study)
	if study.ModalitiesInStudy != `CT\MR` {
		t.Errorf("modalitiesInStudy = %q, want CT\\MR", study.ModalitiesInStudy)
	}
	if study.NumberOfSeries != 3 || study.NumberOfInstances != 3 {
		t.Errorf("aggregates = %d/%d", study.NumberOfSeries, study.NumberOfInstances)
	}
}

func TestGetCachedFileHitAndMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if f, err := s.GetCachedFile(ctx, "9.9", "9.9.9", "9.9.9.9"); err != nil || f != nil {
		t.Errorf("miss = (%v, %v), want (nil, nil)", f, err)
	}

	s.StoreInstance(ctx, "1.2.3", "1.2.3.4", "1.2.3.4.5",
		testDataset("1.2.3", "1.2.3.4", "1.2.3.4.5", "CT"), dicomcodec.ExplicitVRLittleEndian, "A")

	f, err := s.GetCachedFile(ctx, "1.2.3", "1.2.3.4", "1.2.3.4.5")
	if err != nil || f == nil {
		t.Fatalf("hit = (%v, %v)", f, err)
	}
	defer f.Close()
	if f.Instance.SOPInstanceUID != "1.2.3.4.5" {
		t.Errorf("instance = %+v", f.Instance)
	}
}

func TestDeleteStudy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.DeleteStudy(ctx, "no.such.study")
	if err != nil || ok {
		t.Errorf("unknown study delete = (%v, %v), want (false, nil)", ok, err)
	}

	s.StoreInstance(ctx, "1.2.3", "s1", "i1", testDataset("1.2.3", "s1", "i1", "CT"), dicomcodec.ExplicitVRLittleEndian, "A")
	s.StoreInstance(ctx, "1.2.3", "s2", "i2", testDataset("1.2.3", "s2", "i2", "MR"), dicomcodec.ExplicitVRLittleEndian, "A")

	ok, err = s.DeleteStudy(ctx, "1.2.3")
	if err != nil || !ok {
		t.Fatalf("delete = (%v, %v)", ok, err)
	}

	if _, err := os.Stat(filepath.Join(s.root, "1.2.3")); !os.IsNotExist(err) {
		t.Errorf("study directory still on disk")
	}
	var studies, series, instances int64
	s.db.Model(&models.Study{}).Count(&studies)
	s.db.Model(&models.Series{}).Count(&series)
	s.db.Model(&models.Instance{}).Count(&instances)
	if studies != 0 || series != 0 || instances != 0 {
		t.Errorf("rows after delete = %d/%d/%d", studies, series, instances)
	}
}

func TestCacheSizeBytes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.CacheSizeBytes()
	if err != nil || empty != 0 {
		t.Errorf("empty size = (%d, %v)", empty, err)
	}

	s.StoreInstance(ctx, "1.2.3", "s1", "i1", testDataset("1.2.3", "s1", "i1", "CT"), dicomcodec.ExplicitVRLittleEndian, "A")
	size, err := s.CacheSizeBytes()
	if err != nil || size <= 0 {
		t.Errorf("size = (%d, %v)", size, err)
	}

	var instance models.Instance
	s.db.Where("sop_instance_uid = ?", "i1").First(&instance)
	if instance.FileSize != size {
		t.Errorf("index fileSize %d != disk size %d", instance.FileSize, size)
	}
}
