package channels

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/openhearth/hearth/internal/bus"
)

// State is a channel's lifecycle phase.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateDegraded      State = "degraded" // connection lost, reconnecting
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateFailed        State = "failed" // gave up; manual restart required
)

const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
	stableAfter    = 30 * time.Second // run length that counts as a recovery
	maxConsecutive = 10               // consecutive failures before giving up
)

// Supervisor runs one plugin, restarting it with exponential backoff and
// jitter when its run loop fails. State transitions publish
// CHANNEL_STATE_CHANGED events.
type Supervisor struct {
	plugin Plugin
	sink   InboundSink
	bus    *bus.Bus

	backoffInitial time.Duration
	backoffMax     time.Duration
	stableAfter    time.Duration

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	backoff  time.Duration
	failures int
	lastErr  error
}

func NewSupervisor(plugin Plugin, sink InboundSink, b *bus.Bus) *Supervisor {
	return &Supervisor{
		plugin:         plugin,
		sink:           sink,
		bus:            b,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		stableAfter:    stableAfter,
		state:          StateUninitialized,
	}
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent run-loop failure, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start launches the plugin's run loop. Idempotent: starting a running or
// starting channel is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateRunning, StateDegraded:
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.failures = 0
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop cancels the run loop and waits for it to exit. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateUninitialized || s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.setStateLocked(StateStopping)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	s.setStateLocked(StateStopped)
	s.cancel = nil
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	s.mu.Lock()
	s.backoff = s.backoffInitial
	s.mu.Unlock()

	for {
		s.mu.Lock()
		s.setStateLocked(StateRunning)
		s.mu.Unlock()

		started := time.Now()
		err := s.plugin.Start(ctx, s.sink)

		if ctx.Err() != nil {
			// Clean shutdown; Stop() handles the final state.
			return
		}
		if err == nil {
			// Run loop returned without error outside shutdown; treat as a
			// connection drop and reconnect.
			err = context.Canceled
		}

		s.mu.Lock()
		if time.Since(started) >= s.stableAfter {
			// The connection held for a while; this outage starts a fresh
			// burst rather than continuing the previous one.
			s.failures = 0
			s.backoff = s.backoffInitial
		}
		s.failures++
		s.lastErr = err
		if s.failures >= maxConsecutive {
			s.setStateLocked(StateFailed)
			s.mu.Unlock()
			slog.Error("channel gave up after repeated failures",
				"channel", s.plugin.Name(), "failures", maxConsecutive, "error", err)
			return
		}
		s.setStateLocked(StateDegraded)
		delay := jitter(s.backoff)
		s.backoff *= 2
		if s.backoff > s.backoffMax {
			s.backoff = s.backoffMax
		}
		s.mu.Unlock()

		slog.Warn("channel run loop failed, reconnecting",
			"channel", s.plugin.Name(), "retry_in", delay, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// setStateLocked updates state and publishes the transition. Caller holds mu.
func (s *Supervisor) setStateLocked(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	if s.bus != nil {
		ev := bus.New(bus.ChannelStateChanged, "channels", map[string]interface{}{
			"from": string(prev),
			"to":   string(next),
		})
		ev.ChannelID = s.plugin.Name()
		ev.Broadcast = true
		s.bus.Publish(ev)
	}
}

// jitter spreads a delay ±20% so reconnecting channels do not sync up.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}
