package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openhearth/hearth/pkg/protocol"
)

// handlerFunc executes one RPC method. It returns either a payload or a wire
// error, never both.
type handlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.Error)

type methodSpec struct {
	name     string
	category string
	scope    string
	handler  handlerFunc
}

// MethodRouter holds the dispatchable method set. Its enumeration is exactly
// what methods.list reports.
type MethodRouter struct {
	methods map[string]methodSpec
	order   []string
}

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{methods: make(map[string]methodSpec)}

	r.add("system", protocol.ScopeRead, protocol.MethodHealth, s.handleHealthRPC)
	r.add("system", protocol.ScopeRead, protocol.MethodStatus, s.handleStatus)
	r.add("system", protocol.ScopeRead, protocol.MethodMethodsList, r.handleMethodsList)
	r.add("system", protocol.ScopeAdmin, protocol.MethodLogsTail, s.handleLogsTail)

	r.add("agent", protocol.ScopeWrite, protocol.MethodAgent, s.handleAgent)
	r.add("agent", protocol.ScopeWrite, protocol.MethodChatSend, s.handleChatSend)
	r.add("agent", protocol.ScopeRead, protocol.MethodChatHistory, s.handleChatHistory)
	r.add("agent", protocol.ScopeWrite, protocol.MethodChatAbort, s.handleChatAbort)

	r.add("sessions", protocol.ScopeRead, protocol.MethodSessionsList, s.handleSessionsList)
	r.add("sessions", protocol.ScopeRead, protocol.MethodSessionsPreview, s.handleSessionsPreview)
	r.add("sessions", protocol.ScopeAdmin, protocol.MethodSessionsDelete, s.handleSessionsDelete)
	r.add("sessions", protocol.ScopeWrite, protocol.MethodSessionsReset, s.handleSessionsReset)

	r.add("channels", protocol.ScopeRead, protocol.MethodChannelsList, s.handleChannelsStatus)
	r.add("channels", protocol.ScopeRead, protocol.MethodChannelsStatus, s.handleChannelsStatus)
	r.add("channels", protocol.ScopeAdmin, protocol.MethodChannelsStart, s.handleChannelsStart)
	r.add("channels", protocol.ScopeAdmin, protocol.MethodChannelsStop, s.handleChannelsStop)
	r.add("channels", protocol.ScopeAdmin, protocol.MethodChannelsRestart, s.handleChannelsRestart)
	r.add("channels", protocol.ScopeAdmin, protocol.MethodChannelsLogout, s.handleChannelsLogout)

	r.add("config", protocol.ScopeAdmin, protocol.MethodConfigGet, s.handleConfigGet)
	r.add("config", protocol.ScopeAdmin, protocol.MethodConfigPatch, s.handleConfigPatch)

	r.add("cron", protocol.ScopeRead, protocol.MethodCronList, s.handleCronList)
	r.add("cron", protocol.ScopeWrite, protocol.MethodCronCreate, s.handleCronCreate)
	r.add("cron", protocol.ScopeWrite, protocol.MethodCronUpdate, s.handleCronUpdate)
	r.add("cron", protocol.ScopeWrite, protocol.MethodCronDelete, s.handleCronDelete)
	r.add("cron", protocol.ScopeWrite, protocol.MethodCronToggle, s.handleCronToggle)
	r.add("cron", protocol.ScopeWrite, protocol.MethodCronRun, s.handleCronRun)
	r.add("cron", protocol.ScopeRead, protocol.MethodCronRuns, s.handleCronRuns)

	r.add("approvals", protocol.ScopeApprovals, protocol.MethodApprovalsList, s.handleApprovalsList)
	r.add("approvals", protocol.ScopeApprovals, protocol.MethodApprovalsApprove, s.handleApprovalsApprove)
	r.add("approvals", protocol.ScopeApprovals, protocol.MethodApprovalsDeny, s.handleApprovalsDeny)

	r.add("pairing", protocol.ScopePairing, protocol.MethodPairingList, s.handlePairingList)
	r.add("pairing", protocol.ScopePairing, protocol.MethodPairingApprove, s.handlePairingApprove)
	r.add("pairing", protocol.ScopePairing, protocol.MethodPairingRevoke, s.handlePairingRevoke)

	return r
}

func (r *MethodRouter) add(category, scope, name string, h handlerFunc) {
	if _, exists := r.methods[name]; exists {
		panic(fmt.Sprintf("gateway: method %q registered twice", name))
	}
	r.methods[name] = methodSpec{name: name, category: category, scope: scope, handler: h}
	r.order = append(r.order, name)
}

// Dispatch runs one request and builds its response frame.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	spec, ok := r.methods[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.ErrUnknownMethod, fmt.Sprintf("unknown method %q", req.Method)))
	}
	if !c.hasScope(spec.scope) {
		return protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.ErrForbidden, fmt.Sprintf("%s requires scope %s", req.Method, spec.scope)))
	}

	payload, werr := spec.handler(ctx, c, req.Params)
	if werr != nil {
		slog.Debug("rpc method failed", "method", req.Method, "code", werr.Code)
		return protocol.NewErrorResponse(req.ID, werr)
	}
	return protocol.NewResponse(req.ID, payload)
}

// MethodInfo is one methods.list entry.
type MethodInfo struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Scope    string `json:"scope"`
}

func (r *MethodRouter) handleMethodsList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.Error) {
	out := make([]MethodInfo, 0, len(r.order)+1)
	out = append(out, MethodInfo{Name: protocol.MethodConnect, Category: "system", Scope: protocol.ScopeRead})
	for _, name := range r.order {
		spec := r.methods[name]
		out = append(out, MethodInfo{Name: spec.name, Category: spec.category, Scope: spec.scope})
	}
	return map[string]interface{}{"methods": out}, nil
}
