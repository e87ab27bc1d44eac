// Package gateway serves the WebSocket control plane: framed JSON RPC with
// scoped methods, plus event fan-out from the bus to connected clients.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openhearth/hearth/internal/agent"
	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/channels"
	"github.com/openhearth/hearth/internal/channels/webchat"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/cron"
	"github.com/openhearth/hearth/internal/sessions"
	"github.com/openhearth/hearth/internal/telemetry"
	"github.com/openhearth/hearth/internal/tools"
	"github.com/openhearth/hearth/pkg/protocol"
)

// AgentRunner is the slice of the agent runtime the gateway needs.
type AgentRunner interface {
	Name() string
	RunTurn(ctx context.Context, req agent.TurnRequest) (<-chan bus.Event, error)
	Abort(sessionID string) bool
	Store() *sessions.Store
}

// RunnerResolver maps an environment name to its runtime; "" means the
// default environment. Nil result means the environment is unknown.
type RunnerResolver func(env string) AgentRunner

// Deps are the components the gateway's methods operate on. Nil fields
// disable the corresponding method group with a not_found error.
type Deps struct {
	Resolver   RunnerResolver
	Channels   *channels.Manager
	Cron       *cron.Service
	Approvals  *tools.ApprovalBroker
	Pairing    *channels.PairingService
	WebChat    *webchat.Plugin
	Logs       *telemetry.LogBuffer
	ConfigPath string
}

// Server is the WebSocket RPC server.
type Server struct {
	cfg    *config.Config
	bus    *bus.Bus
	deps   Deps
	router *MethodRouter

	upgrader websocket.Upgrader
	limiter  *RateLimiter

	mu       sync.RWMutex
	clients  map[string]*Client
	sinkConn string // connection currently holding the broadcast sink

	startedAt  time.Time
	httpServer *http.Server
}

func NewServer(cfg *config.Config, b *bus.Bus, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		bus:       b,
		deps:      deps,
		limiter:   NewRateLimiter(cfg.Gateway.RateLimitRPM, 5),
		clients:   make(map[string]*Client),
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter(s)

	b.Subscribe(bus.TypeAny, s.forwardEvent)
	return s
}

// checkOrigin validates browser origins against the allowlist. No configured
// origins and non-browser clients (empty Origin) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens until ctx is cancelled. On shutdown every client receives a
// shutdown event before the socket closes.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.GatewayAddr()
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux()}

	slog.Info("gateway starting", "addr", addr)
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Serve runs the server on an existing listener. Used by tests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.mux()}
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()
	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) shutdown() {
	s.mu.RLock()
	all := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.mu.RUnlock()
	for _, c := range all {
		c.SendEvent(protocol.NewEvent("shutdown", nil))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	client := newClient(conn, s)
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// register installs a connected client. The first admin-scope connection
// takes the broadcast sink, draining events buffered before any operator
// was watching.
func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	takeSink := s.sinkConn == "" && c.hasScope(protocol.ScopeAdmin)
	if takeSink {
		s.sinkConn = c.id
	}
	s.mu.Unlock()

	if takeSink {
		s.bus.AttachSink(func(ev bus.Event) {
			c.SendEvent(protocol.NewEvent(string(ev.Type), eventPayload(ev)))
		})
	}
	slog.Info("client connected", "id", c.id, "scopes", c.scopes)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	releaseSink := s.sinkConn == c.id
	if releaseSink {
		s.sinkConn = ""
	}
	s.mu.Unlock()

	if releaseSink {
		s.bus.DetachSink()
	}
	s.limiter.Forget(c.id)
	slog.Info("client disconnected", "id", c.id)
}

// forwardEvent pushes a broadcast event to every interested client. The sink
// holder already receives broadcasts through the ready buffer.
func (s *Server) forwardEvent(ev bus.Event) {
	if !ev.Broadcast {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.clients {
		if id == s.sinkConn {
			continue
		}
		if ev.SessionID != "" && !c.subscribed(ev.SessionID) {
			continue
		}
		c.SendEvent(protocol.NewEvent(string(ev.Type), eventPayload(ev)))
	}
}

// eventPayload flattens a bus event for the wire.
func eventPayload(ev bus.Event) map[string]interface{} {
	payload := make(map[string]interface{}, len(ev.Data)+3)
	for k, v := range ev.Data {
		payload[k] = v
	}
	if ev.SessionID != "" {
		payload["session_id"] = ev.SessionID
	}
	if ev.ChannelID != "" {
		payload["channel_id"] = ev.ChannelID
	}
	payload["source"] = ev.Source
	return payload
}

// runner resolves the runtime for an environment name.
func (s *Server) runner(env string) (AgentRunner, *protocol.Error) {
	if s.deps.Resolver == nil {
		return nil, protocol.NewError(protocol.ErrInternal, "no agent runtime configured")
	}
	r := s.deps.Resolver(env)
	if r == nil {
		return nil, protocol.NewError(protocol.ErrNotFound, fmt.Sprintf("unknown environment %q", env))
	}
	return r, nil
}
