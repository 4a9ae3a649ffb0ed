package task

import (
	"context"
	"errors"
	"testing"

	xerrors "AgentDesk/internal/errors"
)

type stubBatches struct {
	snaps     map[string]BatchSnapshot
	cancelled []string
}

func (s *stubBatches) Snapshots(userID string) []BatchSnapshot {
	var out []BatchSnapshot
	for _, snap := range s.snaps {
		if snap.UserID == userID {
			out = append(out, snap)
		}
	}
	return out
}

func (s *stubBatches) Snapshot(id string) (BatchSnapshot, bool) {
	snap, ok := s.snaps[id]
	return snap, ok
}

func (s *stubBatches) Cancel(id string) error {
	snap := s.snaps[id]
	if snap.Status != StatusExecuting {
		return ErrTaskConflict
	}
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *stubBatches) Dismiss(id string) error {
	snap := s.snaps[id]
	snap.HiddenFromDesk = true
	s.snaps[id] = snap
	return nil
}

func newTestDesk(t *testing.T) (*Desk, *MemoryStore, *MemoryQueue, *stubBatches, *MemoryBridgeStore) {
	t.Helper()
	store := seedStore(t,
		&ScheduledTask{ID: "sched-wait", UserID: "u1", Amount: "5", Token: "USDC", RecipientName: "Alice", CreatedAt: 30, UnlockTime: 500},
		&ScheduledTask{ID: "sched-other", UserID: "u2", CreatedAt: 31},
	)
	queue := NewMemoryQueue(8)
	batches := &stubBatches{snaps: map[string]BatchSnapshot{
		"batch-1": {ID: "batch-1", UserID: "u1", Status: StatusExecuting, Total: 3, Current: 1, Success: 1, StartedAt: 40},
	}}
	bridges := NewMemoryBridgeStore()
	if _, err := bridges.RecordBridge(context.Background(), BridgeTask{ID: "bridge-1", UserID: "u1", SourceChain: "ethereum", TargetChain: "base", NativeStatus: "PROCESSING", CreatedAt: 20}); err != nil {
		t.Fatalf("record bridge: %v", err)
	}
	desk := NewDesk(store, queue, WithBatchSource(batches), WithBridgeSource(bridges))
	return desk, store, queue, batches, bridges
}

func TestDeskListMergesSources(t *testing.T) {
	desk, _, _, _, _ := newTestDesk(t)
	list, err := desk.List(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 tasks, got %d: %+v", len(list), list)
	}
	if list[0].ID != "batch-1" || list[1].ID != "sched-wait" || list[2].ID != "bridge-1" {
		t.Fatalf("unexpected order: %s %s %s", list[0].ID, list[1].ID, list[2].ID)
	}
	if list[0].Progress == nil || list[0].Progress.Total != 3 || !list[0].Actions.Cancel {
		t.Fatalf("unexpected batch projection: %+v", list[0])
	}
	if list[2].Status != StatusExecuting || list[2].Actions.Cancel {
		t.Fatalf("bridge must map status and never be cancellable: %+v", list[2])
	}
}

func TestDeskCancelRoutesByKind(t *testing.T) {
	ctx := context.Background()
	desk, store, _, batches, _ := newTestDesk(t)

	if err := desk.Cancel(ctx, "u1", "sched-wait"); err != nil {
		t.Fatalf("cancel scheduled: %v", err)
	}
	task, _ := store.Get(ctx, "sched-wait")
	if task.Status != StatusFailed || !task.Cancelled {
		t.Fatalf("unexpected cancelled task: %+v", task)
	}
	if err := desk.Cancel(ctx, "u1", "batch-1"); err != nil {
		t.Fatalf("cancel batch: %v", err)
	}
	if len(batches.cancelled) != 1 {
		t.Fatalf("expected batch cancellation signal")
	}
	if err := desk.Cancel(ctx, "u1", "bridge-1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("bridge cancel should conflict, got %v", err)
	}
	if err := desk.Cancel(ctx, "u1", "sched-other"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("foreign task must look missing, got %v", err)
	}
	if err := desk.Cancel(ctx, "u1", "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeskDismissTwiceHidesEverywhere(t *testing.T) {
	ctx := context.Background()
	desk, store, _, _, _ := newTestDesk(t)

	for _, id := range []string{"sched-wait", "batch-1", "bridge-1"} {
		for i := 0; i < 2; i++ {
			if err := desk.Dismiss(ctx, "u1", id); err != nil {
				t.Fatalf("dismiss %s #%d: %v", id, i+1, err)
			}
		}
	}
	list, _ := desk.List(ctx, "u1")
	if len(list) != 0 {
		t.Fatalf("expected empty desk, got %+v", list)
	}
	task, err := store.Get(ctx, "sched-wait")
	if err != nil || !task.HiddenFromDesk {
		t.Fatalf("dismissed task must remain stored: %+v %v", task, err)
	}
}

func TestDeskRetryPublishesWithoutExecuting(t *testing.T) {
	ctx := context.Background()
	desk, store, queue, _, _ := newTestDesk(t)

	if err := desk.Retry(ctx, "u1", "sched-wait"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("waiting task retry should conflict, got %v", err)
	}
	if err := store.UpdateStatus(ctx, "sched-wait", StatusFailed, Update{LastError: "reverted"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := desk.Retry(ctx, "u1", "sched-wait"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	task, _ := store.Get(ctx, "sched-wait")
	if task.Status != StatusWaiting || task.LastError != "" {
		t.Fatalf("retry must reset, got %+v", task)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected id published to scheduler queue")
	}
	if err := desk.Retry(ctx, "u1", "batch-1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("batch retry should conflict, got %v", err)
	}
}

func TestMapBridgeStatus(t *testing.T) {
	cases := map[string]Status{
		"pending":    StatusWaiting,
		"LOCKED":     StatusWaiting,
		"PROCESSING": StatusExecuting,
		"finalized":  StatusSent,
		"FULFILLED":  StatusSent,
		"REFUNDED":   StatusFailed,
		"EXPIRED":    StatusFailed,
		"mystery":    StatusWaiting,
		"":           StatusWaiting,
	}
	for native, want := range cases {
		if got := MapBridgeStatus(native); got != want {
			t.Fatalf("MapBridgeStatus(%q) = %s, want %s", native, got, want)
		}
	}
}

func TestProjectActionsForScheduled(t *testing.T) {
	tasks := []*ScheduledTask{
		{ID: "w", Status: StatusWaiting, CreatedAt: 3},
		{ID: "f", Status: StatusFailed, CreatedAt: 2, LastError: "boom"},
		{ID: "c", Status: StatusFailed, Cancelled: true, CreatedAt: 1},
		{ID: "h", Status: StatusSent, HiddenFromDesk: true, CreatedAt: 4},
	}
	out := Project(tasks, nil, nil)
	if len(out) != 3 {
		t.Fatalf("hidden task must be filtered, got %d", len(out))
	}
	if !out[0].Actions.Cancel || out[0].Actions.Retry {
		t.Fatalf("waiting actions wrong: %+v", out[0].Actions)
	}
	if out[1].Actions.Cancel || !out[1].Actions.Retry || out[1].Error != "boom" {
		t.Fatalf("failed actions wrong: %+v", out[1])
	}
	if out[2].Actions.Retry {
		t.Fatalf("cancelled task must not offer retry")
	}
}

func TestDeskReportBridge(t *testing.T) {
	desk, _, _, _, bridges := newTestDesk(t)
	ctx := context.Background()

	if err := desk.Dismiss(ctx, "u1", "bridge-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	saved, err := desk.ReportBridge(ctx, "u1", BridgeTask{ID: "bridge-1", NativeStatus: "FINALIZED", TxHash: "0xdone"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !saved.HiddenFromDesk || saved.CreatedAt != 20 || saved.UserID != "u1" {
		t.Fatalf("update must keep hidden flag and creation time: %+v", saved)
	}

	if _, err := desk.ReportBridge(ctx, "u2", BridgeTask{ID: "bridge-1", NativeStatus: "FAILED"}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("foreign bridge update should look missing, got %v", err)
	}
	if _, err := desk.ReportBridge(ctx, "u1", BridgeTask{ID: " "}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	fresh, err := desk.ReportBridge(ctx, "u1", BridgeTask{ID: "bridge-2", NativeStatus: "REFUNDED", SourceChain: "base", TargetChain: "ethereum"})
	if err != nil {
		t.Fatalf("report new: %v", err)
	}
	if fresh.CreatedAt == 0 {
		t.Fatalf("new bridge should get a creation time")
	}
	list, err := desk.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var found bool
	for _, item := range list {
		if item.ID == "bridge-1" {
			t.Fatalf("dismissed bridge should stay hidden")
		}
		if item.ID == "bridge-2" {
			found = item.Status == StatusFailed
		}
	}
	if !found {
		t.Fatalf("expected reported bridge as FAILED in %+v", list)
	}
	if got, _ := bridges.GetBridge(ctx, "bridge-2"); got.UserID != "u1" {
		t.Fatalf("unexpected stored bridge %+v", got)
	}

	if _, err := NewDesk(nil, nil).ReportBridge(ctx, "u1", BridgeTask{ID: "x", NativeStatus: "PENDING"}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure without a bridge store, got %v", err)
	}
}
