package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/auth"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/funding"
	"AgentPay-Chain/internal/intent"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/spendguard"
	"AgentPay-Chain/pkg/logger"
)

const maxBodyBytes = 1 << 20

// SessionService 是 API 依赖的会话能力，由 session.Manager 实现。
type SessionService interface {
	ID() string
	State() session.State
	Start(ctx context.Context) (map[ledger.Chain]string, error)
	Addresses() (map[ledger.Chain]string, error)
	Fund(ctx context.Context, chain ledger.Chain, amount decimal.Decimal) (*funding.Confirmation, error)
	Revoke(ctx context.Context) (*session.RevokeResult, error)
	Reconcile(ctx context.Context, chain ledger.Chain, txID string) (ledger.TxStatus, error)
	Balances(ctx context.Context) (map[ledger.Chain]session.BalanceResult, error)
	Usage() (map[ledger.Chain]spendguard.Usage, error)
	Pending() []session.PendingTransfer
}

// ToolDispatcher 执行工具调用，由 intent.Dispatcher 实现。
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call intent.Call) intent.Result
}

// Server 负责暴露 REST 接口，供智能体运行时驱动会话。
type Server struct {
	addr        string
	session     SessionService
	tools       ToolDispatcher
	auth        *auth.Service
	metricsPath string
	shutdown    time.Duration
	log         *slog.Logger
}

// Option 自定义 Server。
type Option func(*Server)

// WithMetrics 在指定路径暴露 Prometheus 指标。
func WithMetrics(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdown = d
		}
	}
}

// WithLogger 替换日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, sess SessionService, tools ToolDispatcher, authSvc *auth.Service, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		session:  sess,
		tools:    tools,
		auth:     authSvc,
		shutdown: 5 * time.Second,
		log:      logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	s.route(api, "POST /api/v1/session", s.handleStartSession)
	s.route(api, "GET /api/v1/session", s.handleSessionInfo)
	s.route(api, "POST /api/v1/session/fund", s.handleFund)
	s.route(api, "POST /api/v1/session/revoke", s.handleRevoke)
	s.route(api, "POST /api/v1/session/reconcile", s.handleReconcile)
	s.route(api, "POST /api/v1/tools", s.handleTool)
	s.route(api, "GET /api/v1/tools", s.handleListTools)
	s.route(api, "GET /api/v1/balances", s.handleBalances)
	s.route(api, "GET /api/v1/usage", s.handleUsage)

	root := http.NewServeMux()
	root.Handle("/api/", s.auth.Middleware(auth.MiddlewareConfig{})(api))
	if s.metricsPath != "" {
		root.Handle("GET "+s.metricsPath, metrics.Handler())
	}
	return root
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册处理函数并记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	}))
}

type sessionInfo struct {
	SessionID string                    `json:"session_id"`
	State     session.State             `json:"state"`
	Addresses map[ledger.Chain]string   `json:"addresses,omitempty"`
	Pending   []session.PendingTransfer `json:"pending,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	addresses, err := s.session.Start(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo{
		SessionID: s.session.ID(),
		State:     s.session.State(),
		Addresses: addresses,
	})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, _ *http.Request) {
	info := sessionInfo{SessionID: s.session.ID(), State: s.session.State()}
	if info.State == session.StateActive {
		addresses, err := s.session.Addresses()
		if err != nil {
			s.writeError(w, err)
			return
		}
		info.Addresses = addresses
		info.Pending = s.session.Pending()
	}
	writeJSON(w, http.StatusOK, info)
}

// FundRequest 是 /session/fund 的请求体。
type FundRequest struct {
	Chain  string `json:"chain"`
	Amount string `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	chain, err := parseChain(req.Chain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	confirmation, err := s.session.Fund(r.Context(), chain, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmation)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	result, err := s.session.Revoke(r.Context())
	if err != nil {
		status, body := s.errorBody(err)
		if result != nil {
			body.Result = result
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReconcileRequest 是 /session/reconcile 的请求体。
type ReconcileRequest struct {
	Chain string `json:"chain"`
	TxID  string `json:"tx_id"`
}

// ReconcileResponse 返回核对后的交易状态。
type ReconcileResponse struct {
	Chain  ledger.Chain    `json:"chain"`
	TxID   string          `json:"tx_id"`
	Status ledger.TxStatus `json:"status"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	chain, err := parseChain(req.Chain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	txID := strings.TrimSpace(req.TxID)
	if txID == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 tx_id"))
		return
	}
	status, err := s.session.Reconcile(r.Context(), chain, txID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Chain: chain, TxID: txID, Status: status})
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	var call intent.Call
	if err := decodeBody(r, &call); err != nil {
		s.writeError(w, err)
		return
	}
	// 工具调用的拒绝与错误都通过 Result 表达，HTTP 状态保持 200。
	writeJSON(w, http.StatusOK, s.tools.Dispatch(r.Context(), call))
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tools": intent.Tools()})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.session.Balances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	usage, err := s.session.Usage()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// ErrorResponse 是失败请求的响应体。
type ErrorResponse struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
	Result  any          `json:"result,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := s.errorBody(err)
	writeJSON(w, status, body)
}

func (s *Server) errorBody(err error) (int, ErrorResponse) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.Any("error", err))
	}
	return status, ErrorResponse{Code: xerrors.CodeOf(err), Message: err.Error()}
}

// statusFor 将错误码与分类映射到 HTTP 状态。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, session.CodePendingNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, session.CodeNotStarted, session.CodeRevoked:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryValidation:
		return http.StatusBadRequest
	case xerrors.CategorySecurity:
		return http.StatusForbidden
	case xerrors.CategoryRejected:
		return http.StatusUnprocessableEntity
	case xerrors.CategoryNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseChain(raw string) (ledger.Chain, error) {
	chain, ok := ledger.ParseChain(raw)
	if !ok {
		return "", xerrors.New(ledger.CodeUnsupportedChain, fmt.Sprintf("不支持的链 %q", raw))
	}
	return chain, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}
	if len(body) > maxBodyBytes {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求体过大")
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
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
