package tools

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhearth/hearth/internal/bus"
)

// ErrApprovalTimeout means no operator resolved the request in time.
var ErrApprovalTimeout = errors.New("tools: approval timed out")

// ErrApprovalDenied means an operator rejected the call.
var ErrApprovalDenied = errors.New("tools: approval denied")

// Approval is one pending authorization request for a gated tool call.
type Approval struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args"`
	Requested time.Time              `json:"requested"`
}

// ApprovalBroker parks gated tool calls until an operator approves or denies
// them over the RPC surface. Unresolved requests expire.
type ApprovalBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	bus     *bus.Bus
	timeout time.Duration
}

type pendingApproval struct {
	approval Approval
	decision chan bool
}

// NewApprovalBroker creates a broker publishing lifecycle events on b.
// A zero timeout defaults to two minutes.
func NewApprovalBroker(b *bus.Bus, timeout time.Duration) *ApprovalBroker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ApprovalBroker{
		pending: make(map[string]*pendingApproval),
		bus:     b,
		timeout: timeout,
	}
}

// Request parks the caller until the approval resolves. Returns nil when
// approved, ErrApprovalDenied or ErrApprovalTimeout otherwise.
func (ab *ApprovalBroker) Request(ctx context.Context, sessionID, tool string, args map[string]interface{}) error {
	p := &pendingApproval{
		approval: Approval{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Tool:      tool,
			Args:      args,
			Requested: time.Now().UTC(),
		},
		decision: make(chan bool, 1),
	}

	ab.mu.Lock()
	ab.pending[p.approval.ID] = p
	ab.mu.Unlock()

	defer func() {
		ab.mu.Lock()
		delete(ab.pending, p.approval.ID)
		ab.mu.Unlock()
	}()

	if ab.bus != nil {
		ev := bus.New(bus.ApprovalRequested, "tools", map[string]interface{}{
			"approval_id": p.approval.ID,
			"tool":        tool,
		})
		ev.SessionID = sessionID
		ev.Broadcast = true
		ab.bus.Publish(ev)
	}

	select {
	case ok := <-p.decision:
		ab.publishResolved(p.approval, ok)
		if !ok {
			return ErrApprovalDenied
		}
		return nil
	case <-time.After(ab.timeout):
		ab.publishResolved(p.approval, false)
		return ErrApprovalTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ab *ApprovalBroker) publishResolved(a Approval, approved bool) {
	if ab.bus == nil {
		return
	}
	ev := bus.New(bus.ApprovalResolved, "tools", map[string]interface{}{
		"approval_id": a.ID,
		"tool":        a.Tool,
		"approved":    approved,
	})
	ev.SessionID = a.SessionID
	ev.Broadcast = true
	ab.bus.Publish(ev)
}

// List returns pending approvals, oldest first.
func (ab *ApprovalBroker) List() []Approval {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	out := make([]Approval, 0, len(ab.pending))
	for _, p := range ab.pending {
		out = append(out, p.approval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requested.Before(out[j].Requested) })
	return out
}

// Approve resolves a pending request positively.
func (ab *ApprovalBroker) Approve(id string) bool { return ab.resolve(id, true) }

// Deny resolves a pending request negatively.
func (ab *ApprovalBroker) Deny(id string) bool { return ab.resolve(id, false) }

func (ab *ApprovalBroker) resolve(id string, approved bool) bool {
	ab.mu.Lock()
	p, ok := ab.pending[id]
	if ok {
		delete(ab.pending, id)
	}
	ab.mu.Unlock()
	if !ok {
		return false
	}
	p.decision <- approved
	return true
}
