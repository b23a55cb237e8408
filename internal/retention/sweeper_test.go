package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dicom-gateway/gateway/internal/cacheindex"
	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const studyBytes = 1024

func newTestSweeper(t *testing.T, cfg Config) (*Sweeper, *cacheindex.Store, *gorm.DB, string) {
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
	root := t.TempDir()
	store := cacheindex.New(db, root, zerolog.Nop())
	return New(store, cfg, zerolog.Nop()), store, db, root
}

// seedStudy plants one cached study with one on-disk instance of
// studyBytes and the given lastAccessedAt.
func seedStudy(t *testing.T, db *gorm.DB, root, studyUID string, lastAccessed time.Time) {
	t.Helper()
	dir := filepath.Join(root, studyUID, "s1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "i1.dcm")
	if err := os.WriteFile(path, make([]byte, studyBytes), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := db.Create(&models.Study{
		StudyInstanceUID: studyUID,
		PatientID:        "PAT1",
		Cached:           true,
		LastAccessedAt:   &lastAccessed,
	}).Error; err != nil {
		t.Fatalf("study row: %v", err)
	}
	if err := db.Create(&models.Series{
		SeriesInstanceUID: studyUID + ".s1",
		StudyInstanceUID:  studyUID,
	}).Error; err != nil {
		t.Fatalf("series row: %v", err)
	}
	if err := db.Create(&models.Instance{
		SOPInstanceUID:    studyUID + ".i1",
		SeriesInstanceUID: studyUID + ".s1",
		StudyInstanceUID:  studyUID,
		FilePath:          path,
		FileSize:          studyBytes,
	}).Error; err != nil {
		t.Fatalf("instance row: %v", err)
	}
}

func TestSizeSweepEvictsOldestUntilLowWater(t *testing.T) {
	// 10 studies of 1 KiB, cap 5 KiB: the sweep must drain to <= 4 KiB,
	// removing exactly the 6 least recently accessed studies.
	sweeper, store, db, root := newTestSweeper(t, Config{MaxBytes: 5 * studyBytes})

	base := time.Now().UTC().Add(-10 * time.Hour)
	for i := 0; i < 10; i++ {
		seedStudy(t, db, root, fmt.Sprintf("1.2.%d", i), base.Add(time.Duration(i)*time.Hour))
	}

	sweeper.RunSizeSweep(context.Background())

	size, err := store.CacheSizeBytes()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size > 4*studyBytes {
		t.Errorf("post-sweep size = %d, want <= %d", size, 4*studyBytes)
	}

	for i := 0; i < 6; i++ {
		uid := fmt.Sprintf("1.2.%d", i)
		if _, err := os.Stat(filepath.Join(root, uid)); !os.IsNotExist(err) {
			t.Errorf("oldest study %s still on disk", uid)
		}
		var count int64
		db.Model(&models.Study{}).Where("study_instance_uid = ?", uid).Count(&count)
		if count != 0 {
			t.Errorf("oldest study %s still in index", uid)
		}
	}
	for i := 6; i < 10; i++ {
		uid := fmt.Sprintf("1.2.%d", i)
		var count int64
		db.Model(&models.Study{}).Where("study_instance_uid = ?", uid).Count(&count)
		if count != 1 {
			t.Errorf("recent study %s evicted", uid)
		}
	}
}

func TestSizeSweepNoOpUnderCap(t *testing.T) {
	sweeper, _, db, root := newTestSweeper(t, Config{MaxBytes: 100 * studyBytes})
	seedStudy(t, db, root, "1.2.3", time.Now().UTC())

	sweeper.RunSizeSweep(context.Background())

	var count int64
	db.Model(&models.Study{}).Count(&count)
	if count != 1 {
		t.Errorf("study evicted while under cap")
	}
}

func TestAgeSweepDeletesExpiredStudiesOnly(t *testing.T) {
	sweeper, _, db, root := newTestSweeper(t, Config{RetentionDays: 30, MaxBytes: 100 * studyBytes})

	seedStudy(t, db, root, "1.old", time.Now().UTC().AddDate(0, 0, -45))
	seedStudy(t, db, root, "1.fresh", time.Now().UTC().AddDate(0, 0, -5))

	sweeper.RunAgeSweep(context.Background())

	var count int64
	db.Model(&models.Study{}).Where("study_instance_uid = ?", "1.old").Count(&count)
	if count != 0 {
		t.Errorf("expired study survived age sweep")
	}
	db.Model(&models.Study{}).Where("study_instance_uid = ?", "1.fresh").Count(&count)
	if count != 1 {
		t.Errorf("fresh study deleted by age sweep")
	}
	if _, err := os.Stat(filepath.Join(root, "1.old")); !os.IsNotExist(err) {
		t.Errorf("expired study still on disk")
	}
}
