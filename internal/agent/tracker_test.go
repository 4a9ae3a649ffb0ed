package agent

import (
	"context"
	"testing"
	"time"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/task"
)

func TestTrackerEvictsAfterRetention(t *testing.T) {
	now := time.Unix(1_000, 0)
	tracker := NewTracker(time.Minute)
	tracker.now = func() time.Time { return now }

	if err := tracker.begin(BatchAgent{ID: "b1", UserID: "u1", Status: StatusInit, StartedAt: now}, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	tracker.update(BatchAgent{ID: "b1", UserID: "u1", Status: StatusSent, StartedAt: now})

	now = now.Add(30 * time.Second)
	if _, ok := tracker.Get("b1"); !ok {
		t.Fatalf("batch should still be tracked inside the retention window")
	}
	now = now.Add(time.Minute)
	if _, ok := tracker.Get("b1"); ok {
		t.Fatalf("batch should be evicted after retention")
	}
}

func TestTrackerDismissAndSnapshots(t *testing.T) {
	tracker := NewTracker(time.Hour)
	started := time.Unix(2_000, 0)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tracker.begin(BatchAgent{ID: "b1", UserID: "u1", Status: StatusInit, TotalCount: 2, StartedAt: started}, cancel); err != nil {
		t.Fatalf("begin: %v", err)
	}
	tracker.update(BatchAgent{ID: "b1", UserID: "u1", Status: StatusExecuting, TotalCount: 2, CurrentCount: 1, StartedAt: started})

	if err := tracker.Dismiss("b1"); xerrors.CodeOf(err) != task.CodeTaskConflict {
		t.Fatalf("running batch must not be dismissed, got %v", err)
	}
	snap, ok := tracker.Snapshot("b1")
	if !ok || snap.Status != task.StatusExecuting || snap.Current != 1 || snap.StartedAt != 2_000 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	tracker.update(BatchAgent{ID: "b1", UserID: "u1", Status: StatusSent, TotalCount: 2, SuccessCount: 2, StartedAt: started})
	for i := 0; i < 2; i++ {
		if err := tracker.Dismiss("b1"); err != nil {
			t.Fatalf("dismiss #%d: %v", i+1, err)
		}
	}
	snaps := tracker.Snapshots("u1")
	if len(snaps) != 1 || !snaps[0].HiddenFromDesk {
		t.Fatalf("expected hidden snapshot, got %+v", snaps)
	}
	if got := tracker.Snapshots("u2"); len(got) != 0 {
		t.Fatalf("other users must not see the batch: %+v", got)
	}
	if err := tracker.Dismiss("missing"); err != task.ErrTaskNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeskCancelsTrackedBatch(t *testing.T) {
	tracker := NewTracker(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tracker.begin(BatchAgent{ID: "b1", UserID: "u1", Status: StatusExecuting, StartedAt: time.Now()}, cancel); err != nil {
		t.Fatalf("begin: %v", err)
	}
	desk := task.NewDesk(task.NewMemoryStore(), nil, task.WithBatchSource(tracker))

	if err := desk.Cancel(context.Background(), "u2", "b1"); err != task.ErrTaskNotFound {
		t.Fatalf("foreign user must not cancel, got %v", err)
	}
	if err := desk.Cancel(context.Background(), "u1", "b1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ctx.Err() == nil || !tracker.isCancelled("b1") {
		t.Fatalf("expected cancellation signal")
	}
}
