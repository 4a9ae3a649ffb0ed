package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"AgentDesk/internal/agent"
	"AgentDesk/internal/batch"
	"AgentDesk/internal/contacts"
	"AgentDesk/internal/intent"
	"AgentDesk/internal/observability/metrics"
	"AgentDesk/internal/storage/mysql"
	"AgentDesk/internal/task"
	"AgentDesk/pkg/logger"
)

// Server 暴露批量转账、单笔转账、任务台与历史记录的 REST 接口。
type Server struct {
	addr         string
	agent        *agent.Agent
	desk         *task.Desk
	history      mysql.HistoryRepository
	parser       *batch.Parser
	directory    contacts.Directory
	intents      intent.Source
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithHistory 开放历史记录查询。
func WithHistory(repo mysql.HistoryRepository) Option {
	return func(s *Server) {
		s.history = repo
	}
}

// WithParser 指定批量文本解析器。
func WithParser(p *batch.Parser) Option {
	return func(s *Server) {
		if p != nil {
			s.parser = p
		}
	}
}

// WithDirectory 指定解析批量文本时参考的联系人目录。
func WithDirectory(d contacts.Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithIntentSource 允许把自然语言交给意图解析服务。
func WithIntentSource(src intent.Source) Option {
	return func(s *Server) {
		s.intents = src
	}
}

// WithTimeouts 设置读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag *agent.Agent, desk *task.Desk, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		agent:  ag,
		desk:   desk,
		parser: batch.NewParser(nil),
		logger: logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router 返回挂载全部路由的处理器。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
		MaxAge:         300,
	}))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/batches", s.handleCreateBatch)
		r.Get("/batches/{id}", s.handleGetBatch)
		r.Post("/transfers", s.handleTransfer)
		r.Get("/desk", s.handleDesk)
		r.Post("/desk/{id}/{action}", s.handleDeskAction)
		r.Post("/bridges", s.handleReportBridge)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Router()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
