package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Call is one tool invocation being authorized.
type Call struct {
	Tool      Tool
	SessionID string
	Args      map[string]interface{}
}

// Policy authorizes or blocks a tool call. A nil error allows the call;
// policies may block (e.g. waiting for operator approval) before deciding.
type Policy interface {
	Check(ctx context.Context, call Call) error
}

// Chain runs policies in order; the first error wins.
type Chain []Policy

func (c Chain) Check(ctx context.Context, call Call) error {
	for _, p := range c {
		if err := p.Check(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

// AllowList restricts execution to the named tools. Empty means everything
// is allowed.
type AllowList map[string]bool

func NewAllowList(names []string) AllowList {
	al := make(AllowList, len(names))
	for _, n := range names {
		al[n] = true
	}
	return al
}

func (al AllowList) Check(_ context.Context, call Call) error {
	if len(al) == 0 || al[call.Tool.Name()] {
		return nil
	}
	return fmt.Errorf("tool %q is not in the allow list", call.Tool.Name())
}

// DenyList blocks the named tools unconditionally.
type DenyList map[string]bool

func NewDenyList(names []string) DenyList {
	dl := make(DenyList, len(names))
	for _, n := range names {
		dl[n] = true
	}
	return dl
}

func (dl DenyList) Check(_ context.Context, call Call) error {
	if dl[call.Tool.Name()] {
		return fmt.Errorf("tool %q is denied", call.Tool.Name())
	}
	return nil
}

// RateLimitPolicy caps per-tool call frequency using a token bucket. Calls
// over the limit fail immediately instead of queueing.
type RateLimitPolicy struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimitPolicy allows callsPerMinute invocations per tool with a small
// burst allowance.
func NewRateLimitPolicy(callsPerMinute int) *RateLimitPolicy {
	if callsPerMinute <= 0 {
		callsPerMinute = 60
	}
	return &RateLimitPolicy{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(float64(callsPerMinute) / 60.0),
		burst:    callsPerMinute/6 + 1,
	}
}

func (rl *RateLimitPolicy) Check(_ context.Context, call Call) error {
	rl.mu.Lock()
	lim, ok := rl.limiters[call.Tool.Name()]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[call.Tool.Name()] = lim
	}
	rl.mu.Unlock()

	if !lim.Allow() {
		return fmt.Errorf("tool %q rate limited", call.Tool.Name())
	}
	return nil
}

// ConfirmationPolicy parks gated and admin tool calls on the approval broker.
type ConfirmationPolicy struct {
	Broker *ApprovalBroker
}

func (cp *ConfirmationPolicy) Check(ctx context.Context, call Call) error {
	if call.Tool.Class() == ClassSafe {
		return nil
	}
	if cp.Broker == nil {
		return fmt.Errorf("tool %q requires approval but no approver is configured", call.Tool.Name())
	}
	slog.Info("tool awaiting approval", "tool", call.Tool.Name(), "session", call.SessionID)
	if err := cp.Broker.Request(ctx, call.SessionID, call.Tool.Name(), call.Args); err != nil {
		return fmt.Errorf("tool %q: %w", call.Tool.Name(), err)
	}
	return nil
}

// Executor resolves, authorizes, and runs tool calls.
type Executor struct {
	Registry *Registry
	Policy   Policy
}

// Execute runs one call through the policy chain. Policy denials and unknown
// tools come back as error results, never as Go errors, so the model can see
// and react to them.
func (e *Executor) Execute(ctx context.Context, sessionID, name string, args map[string]interface{}) *Result {
	tool, ok := e.Registry.Get(name)
	if !ok {
		return ErrorResult("unknown tool: %s", name)
	}
	if e.Policy != nil {
		if err := e.Policy.Check(ctx, Call{Tool: tool, SessionID: sessionID, Args: args}); err != nil {
			slog.Warn("tool call blocked", "tool", name, "session", sessionID, "reason", err)
			return ErrorResult("tool call blocked: %v", err).WithError(err)
		}
	}
	return tool.Execute(ctx, args)
}
