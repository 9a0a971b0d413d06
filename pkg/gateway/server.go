// Package gateway exposes an orchestrator over WebSocket JSON-RPC. Each
// client receives the envelopes of the runs it started; decisions, aborts and
// queries are plain RPC methods, also reachable over HTTP at /rpc.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/envelope"
	"github.com/harun/conduit/pkg/orchestrator"
	"github.com/harun/conduit/pkg/session"
)

const (
	// DefaultSendBuffer is the per-client queue length for outgoing messages.
	DefaultSendBuffer = 256

	maxMessageSize = 32 << 20
)

// Orchestrator is the part of *orchestrator.Orchestrator the gateway uses.
type Orchestrator interface {
	Run(ctx context.Context, req orchestrator.Request, sink envelope.Sink) error
	Abort(ctx context.Context, id string) bool
	ResolveApproval(requestID string, decision *approval.Decision) bool
	ActiveSessions() []session.Info
	PendingApprovals(sessionID string) []approval.PendingInfo
}

// Server is the main Gateway Server
type Server struct {
	addr              string
	sendBuffer        int
	requestsPerMinute int
	maxConcurrent     int
	server            *http.Server
	listener          net.Listener
	upgrader          websocket.Upgrader
	clients           *clientSet
	router            *RPCRouter
	orch              Orchestrator
	logger            zerolog.Logger
	isShuttingDown    bool
	shutdownMu        sync.RWMutex
	inFlightReqs      sync.WaitGroup
	runs              sync.WaitGroup
	baseCtx           context.Context
	cancel            context.CancelFunc
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	Orchestrator      Orchestrator
	SendBuffer        int
	RequestsPerMinute int
	MaxConcurrent     int
	Logger            zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}

	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		sendBuffer:        cfg.SendBuffer,
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		clients:           newClientSet(),
		router:            NewRPCRouter(),
		orch:              cfg.Orchestrator,
		logger:            cfg.Logger.With().Str("component", "gateway").Logger(),
		baseCtx:           ctx,
		cancel:            cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the HTTP handler serving /ws, /rpc, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new runs, cancels running ones and waits for them within
// ctx before closing every connection.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All runs and in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.drain() {
		client.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = tracing.NewTraceID()
	}
	limiter := NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent)
	client := newClient(clientID, conn, r.RemoteAddr, s.sendBuffer, limiter, s.logger)

	connected := s.clients.add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Int("clients", connected).
		Msg("Client connected")

	go client.writePump()
	go s.handleClient(client)
}

// handleClient reads messages from a client until it disconnects.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Close()
		if s.clients.remove(client.ID) {
			s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
		}
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		client.touch()
		_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		_ = client.reply(errorResponse("", rpcErr))
		return
	}

	s.inFlightReqs.Add(1)

	go func() {
		defer s.inFlightReqs.Done()

		ctx := withClient(tracing.WithRequestID(s.baseCtx, req.ID), client)
		response := s.router.RouteRequest(ctx, req)

		accepted, _ := response.Result.(*runAccepted)
		if err := client.reply(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
			if accepted != nil {
				accepted.drop()
			}
			return
		}
		if accepted != nil {
			accepted.launch()
		}
	}()
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse("", rpcErr))
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithRequestID(tracing.WithTraceID(r.Context(), traceID), req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// RegisterMethod registers an additional RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler, schema string) error {
	return s.router.RegisterMethod(name, handler, schema)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.infos()
}
