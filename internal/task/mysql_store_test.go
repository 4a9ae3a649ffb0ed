package task

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"AgentDesk/internal/storage/mysql/mysqltest"
	mysqldriver "github.com/go-sql-driver/mysql"
)

var taskColumns = []string{"id", "user_id", "recipient", "recipient_name", "amount", "token", "unlock_time", "creation_tx", "path", "status",
	"last_error", "error_code", "hidden_from_desk", "cancelled", "attempts", "release_tx", "created_at", "updated_at"}

func taskRow(id string, status Status, unlock int64, attempts int64, hidden bool) []driver.Value {
	return mysqltest.Row(id, "u1", "0xabc", "Alice", "1.5", "ETH", unlock, "0xcreate", "legacy", string(status),
		nil, "", hidden, false, attempts, "", int64(10), int64(10))
}

const selectTaskSQL = `SELECT ` + scheduledColumns + ` FROM scheduled_transfers WHERE id = ?`

func newTestMySQLStore(t *testing.T, ops ...mysqltest.Op) (*MySQLStore, *mysqltest.Driver) {
	t.Helper()
	db, drv := mysqltest.NewDB(t, ops...)
	t.Cleanup(func() { db.Close() })
	store := NewMySQLStoreWithDB(db)
	store.now = func() time.Time { return time.Unix(1_000, 0) }
	return store, drv
}

func TestMySQLStoreSaveMapsDuplicateToConflict(t *testing.T) {
	insert := `INSERT INTO scheduled_transfers (` + scheduledColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	store, drv := newTestMySQLStore(t,
		mysqltest.Exec(insert, 1),
		mysqltest.Exec(insert, 0).WithError(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	)
	defer drv.AssertConsumed(t)

	ctx := context.Background()
	task := &ScheduledTask{ID: "s1", UserID: "u1", Amount: "1", Token: "ETH", UnlockTime: 1_300}
	if err := store.SaveScheduledTransfer(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}
	args := drv.Args(0)
	if args[9] != string(StatusWaiting) || args[16] != int64(1_000) {
		t.Fatalf("unexpected insert args: %v", args)
	}
	if err := store.SaveScheduledTransfer(ctx, &ScheduledTask{ID: "s1"}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMySQLStoreClaimReportsNotDue(t *testing.T) {
	store, drv := newTestMySQLStore(t,
		mysqltest.Exec("", 0),
		mysqltest.Query(selectTaskSQL, taskColumns, taskRow("s1", StatusWaiting, 5_000, 0, false)),
	)
	defer drv.AssertConsumed(t)

	task, err := store.Claim(context.Background(), "s1", time.Unix(1_000, 0), 3)
	if !errors.Is(err, ErrTaskNotDue) {
		t.Fatalf("expected not due, got %v", err)
	}
	if task == nil || task.UnlockTime != 5_000 || task.RecipientName != "Alice" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestMySQLStoreClaimSucceeds(t *testing.T) {
	store, drv := newTestMySQLStore(t,
		mysqltest.Exec("", 1),
		mysqltest.Query(selectTaskSQL, taskColumns, taskRow("s1", StatusExecuting, 900, 1, false)),
	)
	defer drv.AssertConsumed(t)

	task, err := store.Claim(context.Background(), "s1", time.Unix(1_000, 0), 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.Status != StatusExecuting || task.Attempts != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}
	args := drv.Args(0)
	if args[0] != string(StatusExecuting) || args[3] != string(StatusWaiting) || args[5] != int64(3) {
		t.Fatalf("unexpected claim args: %v", args)
	}
}

func TestMySQLStoreDismissIsIdempotent(t *testing.T) {
	store, drv := newTestMySQLStore(t,
		mysqltest.Exec(`UPDATE scheduled_transfers SET hidden_from_desk = 1, updated_at = ? WHERE id = ? AND hidden_from_desk = 0`, 0),
		mysqltest.Query(selectTaskSQL, taskColumns, taskRow("s1", StatusSent, 900, 1, true)),
		mysqltest.Exec(`UPDATE scheduled_transfers SET hidden_from_desk = 1, updated_at = ? WHERE id = ? AND hidden_from_desk = 0`, 0),
		mysqltest.Query(selectTaskSQL, taskColumns),
	)
	defer drv.AssertConsumed(t)

	ctx := context.Background()
	if err := store.Dismiss(ctx, "s1"); err != nil {
		t.Fatalf("dismiss of already hidden task: %v", err)
	}
	if err := store.Dismiss(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreListBuildsFilters(t *testing.T) {
	store, drv := newTestMySQLStore(t,
		mysqltest.Query(`SELECT `+scheduledColumns+` FROM scheduled_transfers
            WHERE user_id = ? AND hidden_from_desk = 0 AND status IN (?) AND unlock_time <= ?
            ORDER BY unlock_time ASC, id ASC LIMIT ? OFFSET ?`, taskColumns,
			taskRow("s1", StatusWaiting, 900, 0, false),
			taskRow("s2", StatusWaiting, 950, 0, false),
		),
	)
	defer drv.AssertConsumed(t)

	tasks, err := store.List(context.Background(), BuildListOptions(
		WithUser("u1"),
		WithStatuses(StatusWaiting),
		WithDueBefore(time.Unix(1_000, 0)),
		WithSortOrder(SortByUnlockAsc),
		WithLimit(10),
	))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[1].ID != "s2" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	args := drv.Args(0)
	if len(args) != 5 || args[0] != "u1" || args[2] != int64(1_000) || args[3] != int64(10) {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestMySQLStoreCancelConflict(t *testing.T) {
	store, drv := newTestMySQLStore(t,
		mysqltest.Exec("", 0),
		mysqltest.Query(selectTaskSQL, taskColumns, taskRow("s1", StatusSent, 900, 1, false)),
	)
	defer drv.AssertConsumed(t)

	if _, err := store.Cancel(context.Background(), "s1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
