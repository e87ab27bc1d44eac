// Package agent runs the turn loop: assemble prompt, stream the model,
// execute tool calls, persist, and emit progress events on the bus.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/providers"
	"github.com/openhearth/hearth/internal/sessions"
	"github.com/openhearth/hearth/internal/tools"
)

// ErrSessionBusy means the per-session turn queue is full.
var ErrSessionBusy = errors.New("agent: session busy")

// TurnRequest asks the runtime to run one agent turn.
type TurnRequest struct {
	SessionID string
	Content   string
	Images    []providers.ImageContent
	Source    string // originating surface: "rpc", "telegram", "cron", ...
}

// Runtime drives agent turns for one configured environment. Turns on the
// same session run strictly in order; different sessions run concurrently.
type Runtime struct {
	name     string
	spec     config.EnvSpec
	provider providers.Provider
	store    *sessions.Store
	executor *tools.Executor
	registry *tools.Registry
	bus      *bus.Bus
	tracer   trace.Tracer

	mu    sync.Mutex
	lanes map[string]*lane
}

// lane serializes turns for one session.
type lane struct {
	queue   chan *turn
	running bool
	cancel  context.CancelFunc // in-flight turn, nil when idle
}

// NewRuntime wires a runtime from its parts.
func NewRuntime(name string, spec config.EnvSpec, provider providers.Provider, store *sessions.Store, registry *tools.Registry, executor *tools.Executor, b *bus.Bus) *Runtime {
	return &Runtime{
		name:     name,
		spec:     spec,
		provider: provider,
		store:    store,
		executor: executor,
		registry: registry,
		bus:      b,
		tracer:   otel.Tracer("hearth/agent"),
		lanes:    make(map[string]*lane),
	}
}

// Name returns the environment name this runtime serves.
func (r *Runtime) Name() string { return r.name }

// Store exposes the session store for RPC handlers.
func (r *Runtime) Store() *sessions.Store { return r.store }

// Registry exposes the tool registry for RPC handlers.
func (r *Runtime) Registry() *tools.Registry { return r.registry }

// RunTurn enqueues a turn and returns a channel of its progress events. The
// channel closes after the terminal event (done or error). Events are also
// published on the bus for other consumers. Returns ErrSessionBusy when the
// session's queue is full.
func (r *Runtime) RunTurn(ctx context.Context, req TurnRequest) (<-chan bus.Event, error) {
	t := &turn{
		req:    req,
		out:    make(chan bus.Event, 64),
		parent: ctx,
	}

	r.mu.Lock()
	ln, ok := r.lanes[req.SessionID]
	if !ok {
		ln = &lane{queue: make(chan *turn, r.spec.QueueBound)}
		r.lanes[req.SessionID] = ln
	}
	select {
	case ln.queue <- t:
	default:
		r.mu.Unlock()
		return nil, ErrSessionBusy
	}
	if !ln.running {
		ln.running = true
		go r.drain(req.SessionID, ln)
	}
	r.mu.Unlock()

	return t.out, nil
}

// Abort cancels the in-flight turn on a session, if any. Queued turns still
// run afterwards.
func (r *Runtime) Abort(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ln, ok := r.lanes[sessionID]
	if !ok || ln.cancel == nil {
		return false
	}
	ln.cancel()
	return true
}

// Busy reports whether a session has a turn running or queued.
func (r *Runtime) Busy(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ln, ok := r.lanes[sessionID]
	return ok && (ln.cancel != nil || len(ln.queue) > 0)
}

// drain runs queued turns for one session until the queue empties.
func (r *Runtime) drain(sessionID string, ln *lane) {
	for {
		var t *turn
		r.mu.Lock()
		select {
		case t = <-ln.queue:
		default:
			ln.running = false
			r.mu.Unlock()
			return
		}
		turnCtx, cancel := context.WithCancel(t.parent)
		ln.cancel = cancel
		r.mu.Unlock()

		r.runTurn(turnCtx, t)

		r.mu.Lock()
		ln.cancel = nil
		r.mu.Unlock()
		cancel()
	}
}

func (r *Runtime) runTurn(ctx context.Context, t *turn) {
	defer close(t.out)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("agent turn panicked", "session", t.req.SessionID, "panic", rec)
		}
	}()
	r.loop(ctx, t)
}
