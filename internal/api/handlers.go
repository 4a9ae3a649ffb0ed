package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"AgentDesk/internal/agent"
	"AgentDesk/internal/contacts"
	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/intent"
	"AgentDesk/internal/storage/mysql"
	"AgentDesk/internal/task"
	"AgentDesk/internal/transfer"
	"AgentDesk/internal/wallet"
)

// maxBodyBytes 限制请求体大小。
const maxBodyBytes = 1 << 20

type createBatchRequest struct {
	ID              string             `json:"id,omitempty"`
	Text            string             `json:"text,omitempty"`
	UseIntents      bool               `json:"use_intents,omitempty"`
	Intents         []intent.Record    `json:"intents,omitempty"`
	Transactions    []transfer.Request `json:"transactions,omitempty"`
	Wallet          json.RawMessage    `json:"wallet"`
	Password        string             `json:"password"`
	IntervalSeconds int64              `json:"interval_seconds,omitempty"`
	Wait            bool               `json:"wait,omitempty"`
}

type transferRequest struct {
	Transfer transfer.Request `json:"transfer"`
	Wallet   json.RawMessage  `json:"wallet"`
	Password string           `json:"password"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type deskResponse struct {
	Tasks []task.UnifiedTask `json:"tasks"`
	Stats task.TaskStats     `json:"stats"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	var req createBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := UserFromContext(r.Context())

	txs, err := s.collectTransactions(r, userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	b := agent.Batch{
		ID:           req.ID,
		UserID:       userID,
		Transactions: txs,
		Credential:   agent.Credential{Blob: []byte(req.Wallet), Password: req.Password},
		Interval:     time.Duration(req.IntervalSeconds) * time.Second,
	}

	var record *agent.BatchAgent
	if req.Wait {
		record, err = s.agent.Execute(r.Context(), b)
	} else {
		record, err = s.agent.Start(r.Context(), b)
	}
	switch {
	case record == nil && err == nil:
		w.WriteHeader(http.StatusNoContent)
	case record == nil:
		writeError(w, err)
	case err != nil && xerrors.HasCode(err, wallet.CodeCredentialFailure):
		writeJSON(w, http.StatusUnprocessableEntity, record)
	case req.Wait:
		writeJSON(w, http.StatusOK, record)
	default:
		writeJSON(w, http.StatusAccepted, record)
	}
}

// collectTransactions 依次使用显式条目、意图记录与自由文本。
func (s *Server) collectTransactions(r *http.Request, userID string, req createBatchRequest) ([]transfer.Request, error) {
	if len(req.Transactions) > 0 {
		return req.Transactions, nil
	}
	known := s.knownContacts(r, userID)
	records := req.Intents
	if len(records) == 0 && req.UseIntents && strings.TrimSpace(req.Text) != "" {
		if s.intents == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置意图解析服务")
		}
		extracted, err := s.intents.Extract(r.Context(), userID, req.Text)
		if err != nil {
			return nil, err
		}
		records = extracted
	}
	if len(records) > 0 {
		return s.parser.FromIntents(records, known), nil
	}
	return s.parser.Parse(req.Text, known), nil
}

func (s *Server) knownContacts(r *http.Request, userID string) []contacts.Contact {
	if s.directory == nil {
		return nil
	}
	list, err := s.directory.List(r.Context(), userID)
	if err != nil {
		s.logger.Warn("加载联系人失败", "user_id", userID, "error", err)
		return nil
	}
	return list
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	id := chi.URLParam(r, "id")
	record, ok := s.agent.Tracker().Get(id)
	if !ok || record.UserID != UserFromContext(r.Context()) {
		writeError(w, task.ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.agent.ExecuteSingle(r.Context(), agent.Single{
		UserID:     UserFromContext(r.Context()),
		Request:    req.Transfer,
		Credential: agent.Credential{Blob: []byte(req.Wallet), Password: req.Password},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDesk(w http.ResponseWriter, r *http.Request) {
	if s.desk == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务台未初始化"))
		return
	}
	userID := UserFromContext(r.Context())
	tasks, err := s.desk.List(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.desk.Stats(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deskResponse{Tasks: tasks, Stats: stats})
}

func (s *Server) handleDeskAction(w http.ResponseWriter, r *http.Request) {
	if s.desk == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务台未初始化"))
		return
	}
	userID := UserFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "cancel":
		err = s.desk.Cancel(r.Context(), userID, id)
	case "dismiss":
		err = s.desk.Dismiss(r.Context(), userID, id)
	case "retry":
		err = s.desk.Retry(r.Context(), userID, id)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "不支持的操作 "+action))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReportBridge 接收桥服务回报的任务状态，任务归属于请求头中的用户。
func (s *Server) handleReportBridge(w http.ResponseWriter, r *http.Request) {
	if s.desk == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务台未初始化"))
		return
	}
	var req task.BridgeTask
	if !decodeBody(w, r, &req) {
		return
	}
	saved, err := s.desk.ReportBridge(r.Context(), UserFromContext(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置历史记录"))
		return
	}
	query := mysql.HistoryQuery{
		UserID:  UserFromContext(r.Context()),
		BatchID: r.URL.Query().Get("batch_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			query.Limit = parsed
		}
	}
	records, err := s.history.List(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: string(xerrors.CodeInvalidArgument), Message: "请求体解析失败"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusOf(code), errorBody{Code: string(code), Message: xerrors.UserMessageOf(err)})
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, task.CodeTaskCompleted, agent.CodeBatchAlreadySubmitted:
		return http.StatusConflict
	case wallet.CodeCredentialFailure, transfer.CodeResolutionFailed, transfer.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case transfer.CodeTransferFailed, transfer.CodeRelayFailed, transfer.CodeScheduleFailed, transfer.CodeTopUpFailed, xerrors.CodeChainFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
