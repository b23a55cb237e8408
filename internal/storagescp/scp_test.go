package storagescp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dicom-gateway/gateway/internal/cacheindex"
	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/dicom-gateway/gateway/pkg/dimse"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const ctSOPClass = "1.2.840.10008.5.1.4.1.1.2"

// newSCP boots the real Handler behind a loopback dimse.Server, backed by
// a sqlite index and the given cache root.
func newSCP(t *testing.T, cacheRoot string) (*cacheindex.Store, *IngestBus, string) {
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

	store := cacheindex.New(db, cacheRoot, zerolog.Nop())
	ingest := NewIngestBus()

	srv, err := dimse.Listen("127.0.0.1:0", New(store, ingest, zerolog.Nop()), dimse.ServerConfig{
		AETitle: "TEST_SCP",
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return store, ingest, srv.Addr().String()
}

func dialStore(t *testing.T, addr string) *dimse.Association {
	t.Helper()
	assoc, err := dimse.Connect(addr, dimse.StoreProposals(ctSOPClass, dicomcodec.ExplicitVRLittleEndian), dimse.Config{
		CallingAETitle: "REMOTE_AE",
		CalledAETitle:  "TEST_SCP",
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { assoc.Close() })
	return assoc
}

func ctDataset(studyUID, seriesUID, sopUID string) *dicomcodec.WireDataset {
	ds := dicomcodec.NewWireDataset()
	ds.SetString(tag.SOPClassUID, ctSOPClass)
	ds.SetString(tag.SOPInstanceUID, sopUID)
	ds.SetString(tag.StudyInstanceUID, studyUID)
	ds.SetString(tag.SeriesInstanceUID, seriesUID)
	ds.SetString(tag.PatientID, "PAT1")
	ds.SetString(tag.Modality, "CT")
	return ds
}

func waitIngest(t *testing.T, ch chan IngestEvent) IngestEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("ingest event never published")
		return IngestEvent{}
	}
}

func TestCStorePersistsAndPublishes(t *testing.T) {
	root := t.TempDir()
	store, ingest, addr := newSCP(t, root)
	assoc := dialStore(t, addr)

	events := ingest.Subscribe("1.2.3")
	defer ingest.Unsubscribe("1.2.3", events)

	ds := ctDataset("1.2.3", "1.2.3.4", "1.2.3.4.5")
	raw, err := ds.Bytes(dicomcodec.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode dataset: %v", err)
	}

	status, err := assoc.CStore(context.Background(), ctSOPClass, "1.2.3.4.5", raw)
	if err != nil {
		t.Fatalf("c-store: %v", err)
	}
	if status != dimse.StatusSuccess {
		t.Errorf("c-store status = 0x%04x, want success", status)
	}

	ev := waitIngest(t, events)
	if !ev.Success || ev.StudyUID != "1.2.3" || ev.SeriesUID != "1.2.3.4" || ev.SOPUID != "1.2.3.4.5" {
		t.Errorf("ingest event = %+v", ev)
	}

	if _, err := os.Stat(store.InstancePath("1.2.3", "1.2.3.4", "1.2.3.4.5")); err != nil {
		t.Errorf("instance file missing: %v", err)
	}
	file, err := store.GetCachedFile(context.Background(), "1.2.3", "1.2.3.4", "1.2.3.4.5")
	if err != nil || file == nil {
		t.Fatalf("cached file = (%v, %v)", file, err)
	}
	defer file.Close()
	if file.Instance.SOPClassUID != ctSOPClass || file.Instance.StudyInstanceUID != "1.2.3" {
		t.Errorf("instance row = %+v", file.Instance)
	}
	cached, err := store.StudyCached(context.Background(), "1.2.3")
	if err != nil || !cached {
		t.Errorf("study cached = (%v, %v)", cached, err)
	}
}

func TestCStoreUndecodableDatasetFails(t *testing.T) {
	_, ingest, addr := newSCP(t, t.TempDir())
	assoc := dialStore(t, addr)

	events := ingest.Subscribe("1.2.3")
	defer ingest.Unsubscribe("1.2.3", events)

	status, err := assoc.CStore(context.Background(), ctSOPClass, "1.2.3.4.5", []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("c-store: %v", err)
	}
	if status != 0x0110 {
		t.Errorf("c-store status = 0x%04x, want processing failure", status)
	}

	// No study UID could be extracted, so nothing is published.
	select {
	case ev := <-events:
		t.Errorf("unexpected ingest event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCStorePersistFailurePublishesFailure(t *testing.T) {
	// A regular file as the cache root makes every directory create fail.
	root := filepath.Join(t.TempDir(), "notadir")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	_, ingest, addr := newSCP(t, root)
	assoc := dialStore(t, addr)

	events := ingest.Subscribe("1.2.3")
	defer ingest.Unsubscribe("1.2.3", events)

	ds := ctDataset("1.2.3", "1.2.3.4", "1.2.3.4.5")
	raw, err := ds.Bytes(dicomcodec.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode dataset: %v", err)
	}

	status, err := assoc.CStore(context.Background(), ctSOPClass, "1.2.3.4.5", raw)
	if err != nil {
		t.Fatalf("c-store: %v", err)
	}
	if status != 0x0110 {
		t.Errorf("c-store status = 0x%04x, want processing failure", status)
	}

	ev := waitIngest(t, events)
	if ev.Success {
		t.Errorf("persist failure published success event: %+v", ev)
	}
}

func TestEchoOnStorageAssociation(t *testing.T) {
	_, _, addr := newSCP(t, t.TempDir())

	assoc, err := dimse.Connect(addr, dimse.EchoProposals(), dimse.Config{
		CallingAETitle: "REMOTE_AE",
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
	if status != dimse.StatusSuccess {
		t.Errorf("c-echo status = 0x%04x", status)
	}
}
