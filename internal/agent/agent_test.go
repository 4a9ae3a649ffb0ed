package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"AgentDesk/internal/contacts"
	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/notify"
	"AgentDesk/internal/storage/mysql"
	"AgentDesk/internal/task"
	"AgentDesk/internal/transfer"
	"AgentDesk/internal/wallet"
	"AgentDesk/internal/web3"
)

const (
	aliceAddr = "0xABCDEF0123456789ABCDEF0123456789ABCDEF01"
	bobAddr   = "0x1111111111111111111111111111111111111111"
	carolAddr = "0x2222222222222222222222222222222222222222"
)

type stubCredential struct {
	err   error
	calls int
}

func (s *stubCredential) Decrypt(_ context.Context, _ []byte, password string) (*wallet.Material, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if password != "pw" {
		return nil, errors.New("could not decrypt key with given password")
	}
	return &wallet.Material{}, nil
}

func (s *stubCredential) DeriveSigner(*wallet.Material) (*web3.Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &web3.Signer{Address: crypto.PubkeyToAddress(key.PublicKey), PrivateKey: key}, nil
}

// countingChain 让第 failGaslessOn 次代付发送失败。
type countingChain struct {
	mu            sync.Mutex
	calls         int
	gasless       int
	standard      int
	failGaslessOn int
}

func (c *countingChain) SendGasless(_ context.Context, _ *web3.Signer, _ web3.Transfer) (web3.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.gasless++
	if c.gasless == c.failGaslessOn {
		return web3.TxResult{}, errors.New("relay unavailable")
	}
	return web3.TxResult{Hash: fmt.Sprintf("0xgasless-%d", c.gasless)}, nil
}

func (c *countingChain) SendStandard(_ context.Context, _ *web3.Signer, _ web3.Transfer) (web3.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.standard++
	return web3.TxResult{Hash: fmt.Sprintf("0xstandard-%d", c.gasless)}, nil
}

func (c *countingChain) EstimateScheduleFee(context.Context, *web3.Signer, web3.Transfer, time.Time) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return decimal.Zero, nil
}

func (c *countingChain) ScheduleGasless(context.Context, *web3.Signer, web3.Transfer, time.Time, decimal.Decimal) (web3.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return web3.TxResult{Hash: "0xschedule", ScheduleID: fmt.Sprintf("0xid-%d", c.calls)}, nil
}

func (c *countingChain) ScheduleLegacy(context.Context, *web3.Signer, web3.Transfer, time.Time) (web3.TxResult, error) {
	return web3.TxResult{}, errors.New("not used")
}

func (c *countingChain) NativeBalance(context.Context, common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (c *countingChain) AdminTopUp(context.Context, common.Address, decimal.Decimal) (web3.TxResult, error) {
	return web3.TxResult{}, errors.New("not used")
}

func (c *countingChain) ReleaseScheduled(context.Context, string) (web3.TxResult, error) {
	return web3.TxResult{}, errors.New("not used")
}

func (c *countingChain) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type memoryHistory struct {
	mu      sync.Mutex
	records []mysql.TransferRecord
}

func (m *memoryHistory) Save(_ context.Context, records ...mysql.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memoryHistory) List(context.Context, mysql.HistoryQuery) ([]mysql.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mysql.TransferRecord(nil), m.records...), nil
}

func (m *memoryHistory) Close() error { return nil }

type fixture struct {
	agent   *Agent
	chain   *countingChain
	cred    *stubCredential
	store   *task.MemoryStore
	history *memoryHistory
	inbox   *notify.MemoryInbox
	chat    *notify.MemoryChatLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		chain:   &countingChain{},
		cred:    &stubCredential{},
		store:   task.NewMemoryStore(),
		history: &memoryHistory{},
		inbox:   notify.NewMemoryInbox(50),
		chat:    notify.NewMemoryChatLog(),
	}
	ctrl := transfer.NewController(f.chain, f.store, transfer.DefaultConfig())
	dir := contacts.NewStaticDirectory(map[string][]contacts.Contact{
		"u1": {{Name: "Alice", Address: aliceAddr}},
	}, nil)
	base := []Option{
		WithDirectory(dir),
		WithHistory(f.history),
		WithNotifier(f.inbox),
		WithChatLog(f.chat),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	}
	f.agent = New(f.cred, ctrl, append(base, opts...)...)
	return f
}

func (f *fixture) notes(t *testing.T, userID string) []notify.Notification {
	t.Helper()
	list, err := f.inbox.List(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	return list
}

func (f *fixture) messages(t *testing.T, userID string) []notify.Message {
	t.Helper()
	list, err := f.chat.Recent(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	return list
}

func sendBatch() []transfer.Request {
	return []transfer.Request{
		{RecipientRaw: "Alice", Amount: "1"},
		{Recipient: bobAddr, DisplayName: "Bob", Amount: "2"},
		{Recipient: carolAddr, Amount: "3.5"},
	}
}

func TestExecuteFallsBackPerItem(t *testing.T) {
	f := newFixture(t)
	f.chain.failGaslessOn = 2

	var progress []int
	agent, err := f.agent.Execute(context.Background(), Batch{
		ID:           "b1",
		UserID:       "u1",
		Transactions: sendBatch(),
		Credential:   Credential{Password: "pw"},
		Observer:     func(a BatchAgent) { progress = append(progress, a.SuccessCount) },
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if agent.Status != StatusSent || agent.SuccessCount != 3 || agent.FailedCount != 0 {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if agent.SuccessCount+agent.FailedCount != agent.TotalCount {
		t.Fatalf("counts do not add up: %+v", agent)
	}
	if got := agent.Results[1]; got.Hash != "0xstandard-2" || got.Path != transfer.PathStandard {
		t.Fatalf("expected standard fallback for item 2, got %+v", got)
	}
	if agent.Results[0].Tx.Recipient != common.HexToAddress(aliceAddr).Hex() || agent.Results[0].Tx.DisplayName != "Alice" {
		t.Fatalf("expected Alice to be resolved from contacts: %+v", agent.Results[0].Tx)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 3 {
		t.Fatalf("observer did not see final progress: %v", progress)
	}

	notes := f.notes(t, "u1")
	if len(notes) != 1 || notes[0].Type != notify.TypeBatchComplete {
		t.Fatalf("expected one aggregate notification, got %+v", notes)
	}
	if msgs := f.messages(t, "u1"); len(msgs) != 1 || msgs[0].BatchID != "b1" {
		t.Fatalf("expected one chat report, got %+v", msgs)
	}
	if len(f.history.records) != 3 || f.history.records[1].Hash != "0xstandard-2" {
		t.Fatalf("unexpected history: %+v", f.history.records)
	}
	if got := f.notes(t, common.HexToAddress(bobAddr).Hex()); len(got) != 1 || got[0].Type != notify.TypeFundsReceived {
		t.Fatalf("expected recipient notification, got %+v", got)
	}
}

func TestExecuteCredentialFailure(t *testing.T) {
	f := newFixture(t)

	agent, err := f.agent.Execute(context.Background(), Batch{
		ID:           "b-bad",
		UserID:       "u1",
		Transactions: sendBatch(),
		Credential:   Credential{Password: "wrong"},
	})
	if xerrors.CodeOf(err) != wallet.CodeCredentialFailure {
		t.Fatalf("expected credential failure, got %v", err)
	}
	if agent == nil || agent.Status != StatusFailed || agent.FailedCount != agent.TotalCount || agent.SuccessCount != 0 {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if f.chain.total() != 0 {
		t.Fatalf("expected no chain calls, got %d", f.chain.total())
	}
	if notes := f.notes(t, "u1"); len(notes) != 1 || notes[0].Type != notify.TypeBatchPartialFailed {
		t.Fatalf("expected one failure notification, got %+v", notes)
	}
	if msgs := f.messages(t, "u1"); len(msgs) != 1 {
		t.Fatalf("expected one chat report, got %d", len(msgs))
	}
	if len(f.history.records) != 0 {
		t.Fatalf("nothing was attempted, history must stay empty")
	}
}

func TestExecuteEmptyBatch(t *testing.T) {
	f := newFixture(t)
	agent, err := f.agent.Execute(context.Background(), Batch{UserID: "u1"})
	if agent != nil || err != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", agent, err)
	}
	if f.cred.calls != 0 {
		t.Fatalf("credential should not be touched")
	}
}

func TestScheduledItemsDoNotNotifyRecipient(t *testing.T) {
	f := newFixture(t)
	agent, err := f.agent.Execute(context.Background(), Batch{
		UserID: "u1",
		Transactions: []transfer.Request{
			{Recipient: bobAddr, Amount: "1", Intent: transfer.IntentSchedule, DelaySeconds: 300},
		},
		Credential: Credential{Password: "pw"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if agent.SuccessCount != 1 || agent.Results[0].ScheduleID == "" {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if got := f.notes(t, common.HexToAddress(bobAddr).Hex()); len(got) != 0 {
		t.Fatalf("scheduled transfer must not notify the recipient: %+v", got)
	}
	list, _ := f.store.List(context.Background(), task.ListOptions{UserID: "u1"})
	if len(list) != 1 || list[0].Status != task.StatusWaiting {
		t.Fatalf("expected one waiting scheduled task, got %+v", list)
	}
}

func TestUnresolvedRecipientIsRecordedFailure(t *testing.T) {
	f := newFixture(t)
	agent, err := f.agent.Execute(context.Background(), Batch{
		UserID: "u1",
		Transactions: []transfer.Request{
			{RecipientRaw: "Mallory", Amount: "1"},
			{Recipient: bobAddr, Amount: "2"},
		},
		Credential: Credential{Password: "pw"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if agent.Status != StatusSent || agent.SuccessCount != 1 || agent.FailedCount != 1 {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if agent.Results[0].Success || agent.Results[0].Error == "" {
		t.Fatalf("expected recorded resolution failure: %+v", agent.Results[0])
	}
	if notes := f.notes(t, "u1"); len(notes) != 1 || notes[0].Type != notify.TypeBatchPartialFailed {
		t.Fatalf("expected partial failure notification, got %+v", notes)
	}
}

func TestResubmissionIsRejected(t *testing.T) {
	f := newFixture(t)
	batch := Batch{ID: "dup", UserID: "u1", Transactions: sendBatch(), Credential: Credential{Password: "pw"}}
	if _, err := f.agent.Execute(context.Background(), batch); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	calls := f.chain.total()
	if _, err := f.agent.Execute(context.Background(), batch); xerrors.CodeOf(err) != CodeBatchAlreadySubmitted {
		t.Fatalf("expected BATCH_ALREADY_SUBMITTED, got %v", err)
	}
	if f.chain.total() != calls {
		t.Fatalf("resubmission must not reach the chain")
	}
}

func TestCancelStopsRemainingItems(t *testing.T) {
	var ag *Agent
	f := newFixture(t, WithSleep(func(ctx context.Context, _ time.Duration) error {
		if err := ag.Tracker().Cancel("b-cancel"); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	ag = f.agent

	agent, err := ag.Execute(context.Background(), Batch{
		ID:           "b-cancel",
		UserID:       "u1",
		Transactions: sendBatch(),
		Credential:   Credential{Password: "pw"},
	})
	if !errors.Is(err, ErrBatchCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if agent.Status != StatusFailed || agent.Error != "batch cancelled" {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if agent.SuccessCount != 1 || agent.FailedCount != 2 || len(agent.Results) != 3 {
		t.Fatalf("expected first item kept and two cancelled: %+v", agent)
	}
	if len(f.history.records) != 3 {
		t.Fatalf("expected history for all items, got %d", len(f.history.records))
	}
	if notes := f.notes(t, "u1"); len(notes) != 1 {
		t.Fatalf("expected one aggregate notification, got %d", len(notes))
	}
	if err := ag.Tracker().Cancel("b-cancel"); xerrors.CodeOf(err) != task.CodeTaskConflict {
		t.Fatalf("cancelling a finished batch should conflict, got %v", err)
	}
}

func TestStartRunsInBackground(t *testing.T) {
	f := newFixture(t)
	done := make(chan BatchAgent, 8)
	initial, err := f.agent.Start(context.Background(), Batch{
		ID:           "b-async",
		UserID:       "u1",
		Transactions: sendBatch(),
		Credential:   Credential{Password: "pw"},
		Observer: func(a BatchAgent) {
			if a.Status.Terminal() {
				done <- a
			}
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if initial.Status != StatusInit || initial.TotalCount != 3 {
		t.Fatalf("unexpected initial record: %+v", initial)
	}
	select {
	case final := <-done:
		if final.Status != StatusSent || final.SuccessCount != 3 {
			t.Fatalf("unexpected final record: %+v", final)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("batch did not finish")
	}
}

func TestExecuteSingleSchedule(t *testing.T) {
	f := newFixture(t)
	res, err := f.agent.ExecuteSingle(context.Background(), Single{
		UserID:     "u1",
		Request:    transfer.Request{RecipientRaw: "@alice", Amount: "4", Intent: transfer.IntentSchedule, DelaySeconds: 60},
		Credential: Credential{Password: "pw"},
	})
	if err != nil {
		t.Fatalf("single: %v", err)
	}
	if !res.Success || res.ScheduleID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	notes := f.notes(t, "u1")
	if len(notes) != 1 || notes[0].Type != notify.TypeTransferScheduled {
		t.Fatalf("expected scheduled notice to sender, got %+v", notes)
	}
	if got := f.notes(t, common.HexToAddress(aliceAddr).Hex()); len(got) != 0 {
		t.Fatalf("recipient must not be notified for a schedule")
	}
	if len(f.history.records) != 1 || f.history.records[0].Intent != string(transfer.IntentSchedule) {
		t.Fatalf("expected one history record, got %+v", f.history.records)
	}
}

func TestExecuteSingleSendFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.agent.ExecuteSingle(context.Background(), Single{
		UserID:     "u1",
		Request:    transfer.Request{RecipientRaw: "nobody", Amount: "1"},
		Credential: Credential{Password: "pw"},
	})
	if xerrors.CodeOf(err) != transfer.CodeResolutionFailed {
		t.Fatalf("expected resolution failure, got %v", err)
	}
	if len(f.history.records) != 1 || f.history.records[0].Success {
		t.Fatalf("failed single transfer should still be recorded: %+v", f.history.records)
	}
}

type brokenTaskStore struct {
	*task.MemoryStore
}

func (brokenTaskStore) SaveScheduledTransfer(context.Context, *task.ScheduledTask) error {
	return errors.New("mysql down")
}

func TestScheduledItemKeptWhenTaskNotRegistered(t *testing.T) {
	ctrl := transfer.NewController(&countingChain{}, brokenTaskStore{task.NewMemoryStore()}, transfer.DefaultConfig())
	ag := New(&stubCredential{}, ctrl, WithSleep(func(context.Context, time.Duration) error { return nil }))

	agent, err := ag.Execute(context.Background(), Batch{
		UserID: "u1",
		Transactions: []transfer.Request{
			{Recipient: bobAddr, Amount: "1", Intent: transfer.IntentSchedule, DelaySeconds: 300},
		},
		Credential: Credential{Password: "pw"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	res := agent.Results[0]
	if agent.SuccessCount != 1 || !res.Success || res.Hash != "0xschedule" {
		t.Fatalf("on-chain schedule should count as sent: %+v", agent)
	}
	if res.Error != transfer.UnregisteredScheduleMessage {
		t.Fatalf("expected registration warning on the result, got %q", res.Error)
	}
}

func TestCancelBeforeUnlockReportsCancellation(t *testing.T) {
	f := newFixture(t)
	r, err := f.agent.prepare(context.Background(), Batch{
		ID:           "b-early",
		UserID:       "u1",
		Transactions: sendBatch(),
		Credential:   Credential{Password: "pw"},
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := f.agent.Tracker().Cancel("b-early"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	agent, err := r.execute()
	if !errors.Is(err, ErrBatchCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if agent.Status != StatusFailed || agent.FailedCount != 3 || agent.SuccessCount != 0 {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if f.cred.calls != 0 || f.chain.total() != 0 {
		t.Fatalf("cancelled batch must not unlock or reach the chain")
	}
}

func TestBatchAgentExposesCurrentCount(t *testing.T) {
	data, err := json.Marshal(BatchAgent{ID: "b1", TotalCount: 3, CurrentCount: 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["current_count"] != float64(2) {
		t.Fatalf("expected current_count in %s", data)
	}
}
