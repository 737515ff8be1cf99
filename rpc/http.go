package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"auctionchain/core"
	"auctionchain/core/types"
	"auctionchain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeDuplicateCall  = -32010
	codeRateLimited    = -32020

	codeScheduling    = -32030
	codeBid           = -32031
	codeAuthorization = -32032
	codeFunds         = -32033
	codeState         = -32034
	codeLedgerFatal   = -32035
	codeNotFound      = -32036
	codePaused        = -32037
)

// EventQuery serves historical events when a persistent event log is
// configured.
type EventQuery interface {
	Recent(ctx context.Context, auctionID string, limit int) ([]*types.Event, error)
}

// ServerConfig tunes the RPC surface.
type ServerConfig struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	SignatureSkew      time.Duration
	SignatureTTL       time.Duration
	AdminJWTSecret     string
	AdminJWTIssuer     string
	ReadHeaderTimeout  time.Duration
	EventLog           EventQuery
	Logger             *slog.Logger
	// Now overrides the wall clock used for signature freshness.
	Now func() time.Time
}

type Server struct {
	node    *core.Node
	cfg     ServerConfig
	logger  *slog.Logger
	now     func() time.Time
	limiter *rateLimiter
	replay  *replayCache
	admin   *adminAuth

	serverMu   sync.Mutex
	httpServer *http.Server
}

func NewServer(node *core.Node, cfg ServerConfig) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("rpc: node required")
	}
	if cfg.SignatureSkew <= 0 {
		cfg.SignatureSkew = 2 * time.Minute
	}
	if cfg.SignatureTTL <= 0 {
		cfg.SignatureTTL = 10 * time.Minute
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		node:    node,
		cfg:     cfg,
		logger:  logger.With("component", "rpc"),
		now:     now,
		limiter: newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		replay:  newReplayCache(cfg.SignatureTTL),
		admin:   newAdminAuth(cfg.AdminJWTSecret, cfg.AdminJWTIssuer),
	}, nil
}

// Handler returns the full HTTP surface: JSON-RPC on POST /, health, metrics
// and the websocket event stream.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventsWS)
	r.With(s.rateLimit).Post("/", s.handle)
	return otelhttp.NewHandler(r, "auction-rpc")
}

// HealthJSON is the /healthz body. Paused lists modules currently refusing
// mutations; the node is still healthy while they are paused.
type HealthJSON struct {
	Status string   `json:"status"`
	Paused []string `json:"paused"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	paused := s.node.Pauses().List()
	if paused == nil {
		paused = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthJSON{Status: "ok", Paused: paused})
}

// Serve accepts connections on listener until Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	s.logger.Info("JSON-RPC server listening", "address", listener.Addr().String())
	return srv.Serve(listener)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type requestIDKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

type methodHandler func(s *Server, w http.ResponseWriter, r *http.Request, req *RPCRequest)

var methods = map[string]methodHandler{
	"auction_open":        (*Server).handleAuctionOpen,
	"auction_bid":         (*Server).handleAuctionBid,
	"auction_settle":      (*Server).handleAuctionSettle,
	"auction_refund":      (*Server).handleAuctionRefund,
	"auction_closeUnsold": (*Server).handleAuctionCloseUnsold,
	"auction_get":         (*Server).handleAuctionGet,
	"auction_getBid":      (*Server).handleAuctionGetBid,
	"auction_bidders":     (*Server).handleAuctionBidders,
	"auction_list":        (*Server).handleAuctionList,
	"auction_audit":       (*Server).handleAuctionAudit,
	"auction_events":      (*Server).handleAuctionEvents,
	"ledger_balance":      (*Server).handleLedgerBalance,
	"ledger_credit":       (*Server).handleLedgerCredit,
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	handler, ok := methods[req.Method]
	if !ok {
		observability.RPC().Observe("unknown", http.StatusNotFound, 0)
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	handler(s, recorder, r, req)
	elapsed := time.Since(start)
	observability.RPC().Observe(req.Method, recorder.status, elapsed)
	s.logger.DebugContext(r.Context(), "rpc request",
		"requestId", requestIDFrom(r.Context()),
		"method", req.Method,
		"status", recorder.status,
		"duration", elapsed)
}

func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
