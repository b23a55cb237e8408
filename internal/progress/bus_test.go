package progress

import (
	"testing"
	"time"

	"github.com/dicom-gateway/gateway/internal/models"
)

func snapshot(status models.RetrieveStatus, completed int) models.RetrieveJob {
	return models.RetrieveJob{
		ID:           "job-1",
		StudyUID:     "1.2.3",
		TotalOps:     10,
		CompletedOps: completed,
		Status:       status,
	}
}

func TestPublishOrderAndTerminalClose(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("1.2.3")

	bus.Publish("1.2.3", snapshot(models.StatusStarted, 0))
	bus.Publish("1.2.3", snapshot(models.StatusRetrieving, 4))
	bus.Publish("1.2.3", snapshot(models.StatusRetrieving, 8))
	bus.Publish("1.2.3", snapshot(models.StatusCompleted, 10))

	var got []models.RetrieveJob
	for s := range sub.Snapshots() {
		got = append(got, s)
	}

	if len(got) != 4 {
		t.Fatalf("got %d snapshots, want 4", len(got))
	}
	wantStatus := []models.RetrieveStatus{
		models.StatusStarted, models.StatusRetrieving, models.StatusRetrieving, models.StatusCompleted,
	}
	for i, s := range got {
		if s.Status != wantStatus[i] {
			t.Errorf("snapshot %d status = %s, want %s", i, s.Status, wantStatus[i])
		}
	}
	prev := -1
	for i, s := range got {
		if s.CompletedOps < prev {
			t.Errorf("completedOps regressed at snapshot %d: %d < %d", i, s.CompletedOps, prev)
		}
		prev = s.CompletedOps
	}
}

func TestNoSnapshotsAfterTerminal(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("1.2.3")

	bus.Publish("1.2.3", snapshot(models.StatusFailed, 0))
	bus.Publish("1.2.3", snapshot(models.StatusRetrieving, 5)) // after terminal: dropped

	var got []models.RetrieveJob
	for s := range sub.Snapshots() {
		got = append(got, s)
	}
	if len(got) != 1 || got[0].Status != models.StatusFailed {
		t.Fatalf("got %+v, want exactly the terminal snapshot", got)
	}
}

// A subscriber that never drains must still receive the terminal snapshot:
// intermediate snapshots are coalesced away, never the terminal one.
func TestSlowSubscriberStillGetsTerminal(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("1.2.3")

	for i := 0; i < queueDepth*4; i++ {
		bus.Publish("1.2.3", snapshot(models.StatusRetrieving, i))
	}
	bus.Publish("1.2.3", snapshot(models.StatusCompleted, queueDepth*4))

	deadline := time.After(2 * time.Second)
	var last models.RetrieveJob
	seen := 0
	for {
		select {
		case s, ok := <-sub.Snapshots():
			if !ok {
				if seen == 0 {
					t.Fatalf("channel closed without any snapshot")
				}
				if !last.Status.Terminal() {
					t.Fatalf("last delivered snapshot %s is not terminal", last.Status)
				}
				if seen > queueDepth+1 {
					t.Errorf("slow subscriber received %d snapshots, want coalescing", seen)
				}
				return
			}
			last = s
			seen++
		case <-deadline:
			t.Fatalf("terminal snapshot never delivered")
		}
	}
}

func TestSubscribersAreIndependentPerTopic(t *testing.T) {
	bus := New()
	a := bus.Subscribe("1.2.3")
	b := bus.Subscribe("9.9.9")

	bus.Publish("1.2.3", snapshot(models.StatusCompleted, 10))

	if s := <-a.Snapshots(); s.Status != models.StatusCompleted {
		t.Errorf("topic subscriber got %s", s.Status)
	}
	select {
	case s, ok := <-b.Snapshots():
		if ok {
			t.Errorf("unrelated topic received snapshot %+v", s)
		}
	default:
	}
	b.Close()
}

func TestCloseUnsubscribesEarly(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("1.2.3")
	sub.Close()
	sub.Close() // idempotent

	bus.Publish("1.2.3", snapshot(models.StatusCompleted, 10))
	if _, ok := <-sub.Snapshots(); ok {
		t.Errorf("closed subscription still receiving")
	}
}
