package agentdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Batches submitted with Wait set can run for minutes, so pass a client with a
// longer timeout for those.
const DefaultHTTPTimeout = 30 * time.Second

// UserHeader carries the wallet user the gateway authenticated.
const UserHeader = "X-User-ID"

// Client wraps the HTTP interactions with the AgentDesk REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	userID string
}

// Transfer is one line of a batch. RecipientRaw may be an address, a contact
// name or a registry name; the server resolves it.
type Transfer struct {
	RecipientRaw string `json:"recipient_raw"`
	Recipient    string `json:"recipient,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Amount       string `json:"amount"`
	Token        string `json:"token,omitempty"`
	Intent       string `json:"intent,omitempty"`
	DelaySeconds int64  `json:"delay_seconds,omitempty"`
}

// BatchSubmission is the payload of POST /api/v1/batches. Exactly one of Text
// or Transactions is normally set.
type BatchSubmission struct {
	ID              string          `json:"id,omitempty"`
	Text            string          `json:"text,omitempty"`
	UseIntents      bool            `json:"use_intents,omitempty"`
	Transactions    []Transfer      `json:"transactions,omitempty"`
	Wallet          json.RawMessage `json:"wallet"`
	Password        string          `json:"password"`
	IntervalSeconds int64           `json:"interval_seconds,omitempty"`
	Wait            bool            `json:"wait,omitempty"`
}

// Result is the outcome of a single transfer.
type Result struct {
	Success    bool     `json:"success"`
	Hash       string   `json:"hash,omitempty"`
	ScheduleID string   `json:"schedule_id,omitempty"`
	Path       string   `json:"path,omitempty"`
	Error      string   `json:"error,omitempty"`
	Tx         Transfer `json:"tx"`
}

// Batch mirrors the server's batch record.
type Batch struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	TotalCount   int       `json:"total_count"`
	SuccessCount int       `json:"success_count"`
	FailedCount  int       `json:"failed_count"`
	CurrentCount int       `json:"current_count"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Results      []Result  `json:"results,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Done reports whether the batch reached a terminal status.
func (b Batch) Done() bool {
	return b.Status == "SENT" || b.Status == "FAILED"
}

// TransferSubmission is the payload of POST /api/v1/transfers.
type TransferSubmission struct {
	Transfer Transfer        `json:"transfer"`
	Wallet   json.RawMessage `json:"wallet"`
	Password string          `json:"password"`
}

// Progress is present on batch rows only.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Actions lists what the desk allows on a row.
type Actions struct {
	Cancel  bool `json:"cancel"`
	Dismiss bool `json:"dismiss"`
	Retry   bool `json:"retry"`
}

// DeskTask is one row of the unified task desk.
type DeskTask struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Title     string    `json:"title"`
	Recipient string    `json:"recipient,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Token     string    `json:"token,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Actions   Actions   `json:"actions"`
}

// Stats counts the user's desk rows per status.
type Stats struct {
	Total      int   `json:"total"`
	Waiting    int   `json:"waiting"`
	Executing  int   `json:"executing"`
	Sent       int   `json:"sent"`
	Failed     int   `json:"failed"`
	Hidden     int   `json:"hidden"`
	NextUnlock int64 `json:"next_unlock,omitempty"`
}

// Desk is the response of GET /api/v1/desk.
type Desk struct {
	Tasks []DeskTask `json:"tasks"`
	Stats Stats      `json:"stats"`
}

// HistoryRecord is one persisted transfer.
type HistoryRecord struct {
	ID            string `json:"id"`
	BatchID       string `json:"batch_id,omitempty"`
	UserID        string `json:"user_id"`
	Recipient     string `json:"recipient"`
	RecipientName string `json:"recipient_name,omitempty"`
	Amount        string `json:"amount"`
	Token         string `json:"token"`
	Intent        string `json:"intent"`
	Success       bool   `json:"success"`
	Hash          string `json:"hash,omitempty"`
	ScheduleID    string `json:"schedule_id,omitempty"`
	Error         string `json:"error,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// BridgeReport is a bridge status update pushed by a bridge service on behalf
// of the current user. NativeStatus is the bridge's own status string.
type BridgeReport struct {
	ID             string `json:"id"`
	SourceChain    string `json:"source_chain"`
	TargetChain    string `json:"target_chain"`
	Amount         string `json:"amount"`
	Token          string `json:"token"`
	NativeStatus   string `json:"native_status"`
	TxHash         string `json:"tx_hash,omitempty"`
	CreatedAt      int64  `json:"created_at,omitempty"`
	Error          string `json:"error,omitempty"`
	HiddenFromDesk bool   `json:"hidden_from_desk,omitempty"`
}

// DeskAction is an operation on a desk task.
type DeskAction string

const (
	ActionCancel  DeskAction = "cancel"
	ActionDismiss DeskAction = "dismiss"
	ActionRetry   DeskAction = "retry"
)

// APIError represents server side validation or execution errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentdesk api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentdesk api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentDesk API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetUser sets the user id sent with every request.
func (c *Client) SetUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// User returns the current user id.
func (c *Client) User() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SubmitBatch creates a batch. A nil Batch with a nil error means the input
// contained no transfers. When the wallet cannot be unlocked the server still
// returns the FAILED batch, which is decoded instead of an *APIError.
func (c *Client) SubmitBatch(ctx context.Context, submission BatchSubmission) (*Batch, error) {
	var batch Batch
	status, err := c.send(ctx, http.MethodPost, "/api/v1/batches", nil, submission, &batch, http.StatusUnprocessableEntity)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &batch, nil
}

// GetBatch fetches a tracked batch by id.
func (c *Client) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	var batch Batch
	if _, err := c.send(ctx, http.MethodGet, "/api/v1/batches/"+batchID, nil, nil, &batch); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// WaitBatch polls GetBatch until the batch is terminal or ctx ends.
func (c *Client) WaitBatch(ctx context.Context, batchID string, interval time.Duration) (Batch, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		batch, err := c.GetBatch(ctx, batchID)
		if err != nil {
			return Batch{}, err
		}
		if batch.Done() {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return batch, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Transfer executes one immediate or scheduled transfer.
func (c *Client) Transfer(ctx context.Context, submission TransferSubmission) (Result, error) {
	var result Result
	if _, err := c.send(ctx, http.MethodPost, "/api/v1/transfers", nil, submission, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// Desk lists the user's unified tasks.
func (c *Client) Desk(ctx context.Context) (Desk, error) {
	var desk Desk
	if _, err := c.send(ctx, http.MethodGet, "/api/v1/desk", nil, nil, &desk); err != nil {
		return Desk{}, err
	}
	return desk, nil
}

// Act performs a desk action on a task.
func (c *Client) Act(ctx context.Context, taskID string, action DeskAction) error {
	endpoint := "/api/v1/desk/" + taskID + "/" + string(action)
	_, err := c.send(ctx, http.MethodPost, endpoint, nil, nil, nil)
	return err
}

// ReportBridge records a bridge status so the task shows up on the desk.
func (c *Client) ReportBridge(ctx context.Context, report BridgeReport) (BridgeReport, error) {
	var saved BridgeReport
	if _, err := c.send(ctx, http.MethodPost, "/api/v1/bridges", nil, report, &saved); err != nil {
		return BridgeReport{}, err
	}
	return saved, nil
}

// History lists persisted transfers, optionally filtered by batch.
func (c *Client) History(ctx context.Context, batchID string, limit int) ([]HistoryRecord, error) {
	query := url.Values{}
	if batchID != "" {
		query.Set("batch_id", batchID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var records []HistoryRecord
	if _, err := c.send(ctx, http.MethodGet, "/api/v1/history", query, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// send performs the request. Statuses listed in accept are decoded into out
// instead of being turned into an *APIError.
func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any, accept ...int) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	user := c.User()
	if user == "" {
		return 0, errors.New("agentdesk: user id is not set")
	}
	req.Header.Set(UserHeader, user)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	accepted := resp.StatusCode < 400
	for _, status := range accept {
		if resp.StatusCode == status {
			accepted = true
		}
	}
	if !accepted {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return resp.StatusCode, apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
