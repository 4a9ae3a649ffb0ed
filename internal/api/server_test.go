package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"AgentDesk/internal/agent"
	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/storage/mysql"
	"AgentDesk/internal/task"
	"AgentDesk/internal/transfer"
	"AgentDesk/internal/wallet"
	"AgentDesk/internal/web3"
)

type stubTransfers struct{}

func (stubTransfers) SendNow(_ context.Context, req transfer.SendRequest, _ *web3.Signer) (transfer.SendResult, error) {
	return transfer.SendResult{Hash: "0xsent-" + req.Amount.String(), Path: transfer.PathGasless}, nil
}

func (stubTransfers) Schedule(_ context.Context, _ transfer.ScheduleRequest, _ *web3.Signer) (transfer.ScheduleResult, error) {
	return transfer.ScheduleResult{Hash: "0xscheduled", ScheduleID: "0xid", UnlockTime: time.Unix(0, 0), Path: transfer.PathPaymaster}, nil
}

type testEnv struct {
	handler http.Handler
	store   *task.MemoryStore
	queue   *task.MemoryQueue
	wallet  json.RawMessage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	blob, err := wallet.Seal(key, "pw", true)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	history, err := mysql.NewFileHistoryRepository(filepath.Join(t.TempDir(), "history.jsonl"))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(10)
	ag := agent.New(wallet.KeystoreCredential{}, stubTransfers{},
		agent.WithHistory(history),
		agent.WithSleep(func(context.Context, time.Duration) error { return nil }))
	desk := task.NewDesk(store, queue, task.WithBatchSource(ag.Tracker()), task.WithBridgeSource(task.NewMemoryBridgeStore()))
	server := NewServer(":0", ag, desk, WithHistory(history))
	return &testEnv{handler: server.Router(), store: store, queue: queue, wallet: blob}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndAuth(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/desk", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without user header, got %d", rec.Code)
	}
}

func TestCreateBatchFromText(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/batches", "u1", map[string]any{
		"id":       "b1",
		"text":     "Alice, 0xABCDEF0123456789ABCDEF0123456789ABCDEF01, 30.5\n0x1111111111111111111111111111111111111111 2",
		"wallet":   env.wallet,
		"password": "pw",
		"wait":     true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var got agent.BatchAgent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != agent.StatusSent || got.SuccessCount != 2 || got.Results[0].Hash != "0xsent-30.5" {
		t.Fatalf("unexpected batch: %+v", got)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/batches/b1", "u1", nil); rec.Code != http.StatusOK {
		t.Fatalf("get batch: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/batches/b1", "u2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign batch should be hidden, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/batches", "u1", map[string]any{
		"id": "b1", "text": "0x1111111111111111111111111111111111111111 2", "wallet": env.wallet, "password": "pw", "wait": true,
	}); rec.Code != http.StatusConflict {
		t.Fatalf("expected resubmission conflict, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/history?batch_id=b1", "u1", nil)
	var records []mysql.TransferRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two history records, got %+v", records)
	}
}

func TestCreateBatchWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/batches", "u1", map[string]any{
		"transactions": []transfer.Request{{Recipient: "0x1111111111111111111111111111111111111111", Amount: "1"}},
		"wallet":       env.wallet,
		"password":     "nope",
		"wait":         true,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var got agent.BatchAgent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != agent.StatusFailed || got.FailedCount != 1 {
		t.Fatalf("unexpected batch: %+v", got)
	}
}

func TestCreateBatchEmpty(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/batches", "u1", map[string]any{"text": "   ", "wallet": env.wallet, "password": "pw"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for empty batch, got %d", rec.Code)
	}
}

func TestDeskActions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.SaveScheduledTransfer(ctx, &task.ScheduledTask{ID: "s1", UserID: "u1", Amount: "1", Token: "ETH", UnlockTime: 100}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := env.store.UpdateStatus(ctx, "s1", task.StatusFailed, task.Update{LastError: "reverted"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/desk/s1/retry", "u1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("retry: %d %s", rec.Code, rec.Body.String())
	}
	if env.queue.Len() != 1 {
		t.Fatalf("retry should publish to the queue")
	}
	got, _ := env.store.Get(ctx, "s1")
	if got.Status != task.StatusWaiting || got.LastError != "" {
		t.Fatalf("unexpected task after retry: %+v", got)
	}

	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/api/v1/desk/s1/dismiss", "u1", nil); rec.Code != http.StatusNoContent {
			t.Fatalf("dismiss #%d: %d", i+1, rec.Code)
		}
	}
	rec := env.do(t, http.MethodGet, "/api/v1/desk", "u1", nil)
	var desk deskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &desk); err != nil {
		t.Fatalf("decode desk: %v", err)
	}
	if len(desk.Tasks) != 0 {
		t.Fatalf("dismissed task must be hidden: %+v", desk.Tasks)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/desk/s1/explode", "u1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/desk/s1/cancel", "u2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign task: %d", rec.Code)
	}
}

func TestReportBridgeShowsOnDesk(t *testing.T) {
	env := newTestEnv(t)
	body := task.BridgeTask{ID: "br-1", SourceChain: "ethereum", TargetChain: "base", Amount: "3", Token: "USDC", NativeStatus: "COMMITTED", CreatedAt: 10}
	rec := env.do(t, http.MethodPost, "/api/v1/bridges", "u1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d %s", rec.Code, rec.Body.String())
	}

	body.NativeStatus = "PROCESSING"
	if rec := env.do(t, http.MethodPost, "/api/v1/bridges", "u1", body); rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/bridges", "u2", body); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign update: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/bridges", "u1", task.BridgeTask{ID: "br-2"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing status: %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/desk", "u1", nil)
	var desk deskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &desk); err != nil {
		t.Fatalf("decode desk: %v", err)
	}
	if len(desk.Tasks) != 1 || desk.Tasks[0].ID != "br-1" || desk.Tasks[0].Kind != task.KindBridge || desk.Tasks[0].Status != task.StatusExecuting {
		t.Fatalf("unexpected desk: %+v", desk.Tasks)
	}
	if desk.Tasks[0].Actions.Cancel {
		t.Fatalf("bridges must not be cancellable")
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/desk/br-1/cancel", "u1", nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancel bridge: %d", rec.Code)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]int{
		string(task.CodeTaskNotFound):           http.StatusNotFound,
		string(agent.CodeBatchAlreadySubmitted): http.StatusConflict,
		string(transfer.CodeInsufficientFunds):  http.StatusUnprocessableEntity,
		string(transfer.CodeTopUpFailed):        http.StatusBadGateway,
		"SOMETHING_ELSE":                        http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusOf(xerrors.Code(code)); got != want {
			t.Fatalf("%s: expected %d, got %d", code, want, got)
		}
	}
}
