package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openhearth/hearth/internal/agent"
	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/channels"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/cron"
	"github.com/openhearth/hearth/pkg/protocol"
)

func invalidParams(msg string) *protocol.Error {
	return protocol.NewError(protocol.ErrInvalidParams, msg)
}

func decodeParams(params json.RawMessage, dst interface{}) *protocol.Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return invalidParams("malformed params: " + err.Error())
	}
	return nil
}

// --- system ---

func (s *Server) handleHealthRPC(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.Error) {
	return map[string]interface{}{
		"status":     "ok",
		"protocol":   protocol.ProtocolVersion,
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
	}, nil
}

func (s *Server) handleStatus(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.Error) {
	s.mu.RLock()
	connections := len(s.clients)
	s.mu.RUnlock()

	out := map[string]interface{}{
		"connections":        connections,
		"uptime_sec":         int(time.Since(s.startedAt).Seconds()),
		"dropped_broadcasts": s.bus.DroppedBroadcasts(),
	}
	if s.deps.Channels != nil {
		out["channels"] = s.deps.Channels.Status()
	}
	if s.deps.Cron != nil {
		out["cron_jobs"] = len(s.deps.Cron.List())
	}
	if r, werr := s.runner(""); werr == nil {
		out["sessions"] = len(r.Store().List())
	}
	return out, nil
}

func (s *Server) handleLogsTail(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	if s.deps.Logs == nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "log buffer not configured")
	}
	var p struct {
		Lines int `json:"lines"`
	}
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if p.Lines <= 0 {
		p.Lines = 100
	}
	return map[string]interface{}{"lines": s.deps.Logs.Tail(p.Lines)}, nil
}

// --- agent / chat ---

type turnParams struct {
	Message    string `json:"message"`
	SessionKey string `json:"session_key,omitempty"`
	Env        string `json:"env,omitempty"`
	Deliver    bool   `json:"deliver,omitempty"`
}

func (s *Server) handleAgent(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	var p turnParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if p.Message == "" {
		return nil, invalidParams("message is required")
	}
	if p.SessionKey == "" {
		p.SessionKey = "operator:" + c.id
	}
	return s.runTurn(ctx, c, p)
}

func (s *Server) handleChatSend(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	var p turnParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if p.Message == "" || p.SessionKey == "" {
		return nil, invalidParams("session_key and message are required")
	}

	// deliver routes through the WebChat channel so the reply comes back as
	// channel output instead of this response.
	if p.Deliver {
		if s.deps.WebChat == nil {
			return nil, protocol.NewError(protocol.ErrChannelUnavailable, "webchat channel not configured")
		}
		c.subscribe(channels.SessionID("webchat", p.SessionKey))
		if err := s.deps.WebChat.Inject(channels.Inbound{
			ChatID:   p.SessionKey,
			SenderID: c.id,
			Content:  p.Message,
			PeerKind: "direct",
		}); err != nil {
			return nil, protocol.NewError(protocol.ErrChannelUnavailable, err.Error())
		}
		return map[string]interface{}{"accepted": true}, nil
	}

	return s.runTurn(ctx, c, p)
}

// runTurn executes one agent turn, streaming events to the caller's
// connection and returning the final reply after the turn completes.
func (s *Server) runTurn(ctx context.Context, c *Client, p turnParams) (interface{}, *protocol.Error) {
	r, werr := s.runner(p.Env)
	if werr != nil {
		return nil, werr
	}
	c.subscribe(p.SessionKey)

	events, err := r.RunTurn(ctx, agent.TurnRequest{
		SessionID: p.SessionKey,
		Content:   p.Message,
		Source:    "gateway",
	})
	if err == agent.ErrSessionBusy {
		return nil, protocol.NewError(protocol.ErrSessionBusy, "a turn is already running for this session")
	}
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}

	var reply string
	var turnErr string
	var cancelled bool
	for ev := range events {
		switch ev.Type {
		case bus.AgentText:
			if thinking, _ := ev.Data["thinking"].(bool); thinking {
				continue
			}
			text, _ := ev.Data["text"].(string)
			reply += text
		case bus.AgentError:
			if recovered, _ := ev.Data["recovered"].(bool); !recovered {
				turnErr, _ = ev.Data["error"].(string)
			}
		case bus.AgentDone:
			cancelled, _ = ev.Data["cancelled"].(bool)
		}
	}
	if turnErr != "" {
		return nil, protocol.NewError(protocol.ErrProviderError, turnErr)
	}
	return map[string]interface{}{
		"session_id": p.SessionKey,
		"reply":      reply,
		"cancelled":  cancelled,
	}, nil
}

type sessionParams struct {
	SessionKey string `json:"session_key"`
	Env        string `json:"env,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (s *Server) handleChatHistory(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	return s.handleSessionsPreview(ctx, c, params)
}

func (s *Server) handleChatAbort(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	var p sessionParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if p.SessionKey == "" {
		return nil, invalidParams("session_key is required")
	}
	r, werr := s.runner(p.Env)
	if werr != nil {
		return nil, werr
	}
	return map[string]interface{}{"aborted": r.Abort(p.SessionKey)}, nil
}

// --- sessions ---

func (s *Server) handleSessionsList(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	var p sessionParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	r, werr := s.runner(p.Env)
	if werr != nil {
		return nil, werr
	}
	ids := r.Store().List()
	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]interface{}{
			"id":       id,
			"messages": len(r.Store().Snapshot(id)),
		})
	}
	return map[string]interface{}{"sessions": out}, nil
}

func (s *Server) handleSessionsPreview(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	var p sessionParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if p.SessionKey == "" {
		return nil, invalidParams("session_key is required")
	}
	r, werr := s.runner(p.Env)
	if werr != nil {
		return nil, werr
	}
	msgs := r.Store().Snapshot(p.SessionKey)
	if p.Limit > 0 && len(msgs) > p.Limit {
		msgs = msgs[len(msgs)-p.Limit:]
	}
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]interface{}{
			"role":    string(m.Role),
			"content": m.Content,
			"time":    m.TS.Format(time.RFC3339),
		}
		if len(m.ToolCalls) > 0 {
			entry["tool_calls"] = len(m.ToolCalls)
		}
		out = append(out, entry)
	}
	return map[string]interface{}{"session_id": p.SessionKey, "messages": out}, nil
}

func (s *Server) handleSessionsDelete(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	var p sessionParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if p.SessionKey == "" {
		return nil, invalidParams("session_key is required")
	}
	r, werr := s.runner(p.Env)
	if werr != nil {
		return nil, werr
	}
	if err := r.Store().Delete(p.SessionKey); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"deleted": p.SessionKey}, nil
}

func (s *Server) handleSessionsReset(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	var p sessionParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if p.SessionKey == "" {
		return nil, invalidParams("session_key is required")
	}
	r, werr := s.runner(p.Env)
	if werr != nil {
		return nil, werr
	}
	r.Store().Reset(p.SessionKey)
	return map[string]interface{}{"reset": p.SessionKey}, nil
}

// --- channels ---

type channelParams struct {
	Channel string `json:"channel"`
}

func (s *Server) channelManager() (*channels.Manager, *protocol.Error) {
	if s.deps.Channels == nil {
		return nil, protocol.NewError(protocol.ErrChannelUnavailable, "channel manager not configured")
	}
	return s.deps.Channels, nil
}

func (s *Server) handleChannelsStatus(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.Error) {
	mgr, werr := s.channelManager()
	if werr != nil {
		return nil, werr
	}
	return map[string]interface{}{"channels": mgr.Status()}, nil
}

func (s *Server) handleChannelsStart(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	return s.channelOp(params, func(mgr *channels.Manager, name string) error {
		return mgr.Start(name)
	})
}

func (s *Server) handleChannelsStop(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	return s.channelOp(params, func(mgr *channels.Manager, name string) error {
		return mgr.Stop(ctx, name)
	})
}

func (s *Server) handleChannelsRestart(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	return s.channelOp(params, func(mgr *channels.Manager, name string) error {
		return mgr.Restart(ctx, name)
	})
}

func (s *Server) handleChannelsLogout(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	return s.channelOp(params, func(mgr *channels.Manager, name string) error {
		return mgr.Logout(ctx, name)
	})
}

func (s *Server) channelOp(params json.RawMessage, op func(*channels.Manager, string) error) (interface{}, *protocol.Error) {
	var p channelParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if p.Channel == "" {
		return nil, invalidParams("channel is required")
	}
	mgr, werr := s.channelManager()
	if werr != nil {
		return nil, werr
	}
	if err := op(mgr, p.Channel); err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	return map[string]interface{}{"channel": p.Channel, "ok": true}, nil
}

// --- config ---

func (s *Server) handleConfigGet(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.Error) {
	// Secrets never appear: credential fields are excluded from encoding.
	return s.cfg, nil
}

func (s *Server) handleConfigPatch(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	if s.deps.ConfigPath == "" {
		return nil, protocol.NewError(protocol.ErrNotFound, "no config file path configured")
	}
	var p struct {
		Patch json.RawMessage `json:"patch"`
	}
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if len(p.Patch) == 0 {
		return nil, invalidParams("patch is required")
	}
	if err := config.Patch(s.deps.ConfigPath, p.Patch); err != nil {
		return nil, invalidParams(err.Error())
	}
	return map[string]interface{}{"patched": true}, nil
}

// --- cron ---

func (s *Server) cronService() (*cron.Service, *protocol.Error) {
	if s.deps.Cron == nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "cron service not configured")
	}
	return s.deps.Cron, nil
}

func (s *Server) handleCronList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.Error) {
	svc, werr := s.cronService()
	if werr != nil {
		return nil, werr
	}
	return map[string]interface{}{"jobs": svc.List()}, nil
}

func (s *Server) handleCronCreate(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	svc, werr := s.cronService()
	if werr != nil {
		return nil, werr
	}
	var job cron.Job
	if werr := decodeParams(params, &job); werr != nil {
		return nil, werr
	}
	job.ID = "" // server-assigned
	created, err := svc.Add(job)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return created, nil
}

func (s *Server) handleCronUpdate(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	svc, werr := s.cronService()
	if werr != nil {
		return nil, werr
	}
	var job cron.Job
	if werr := decodeParams(params, &job); werr != nil {
		return nil, werr
	}
	if job.ID == "" {
		return nil, invalidParams("id is required")
	}
	updated, err := svc.Add(job)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return updated, nil
}

type cronParams struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) handleCronDelete(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	svc, werr := s.cronService()
	if werr != nil {
		return nil, werr
	}
	var p cronParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if err := svc.Remove(p.ID); err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	return map[string]interface{}{"deleted": p.ID}, nil
}

func (s *Server) handleCronToggle(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	svc, werr := s.cronService()
	if werr != nil {
		return nil, werr
	}
	var p cronParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if err := svc.Enable(p.ID, p.Enabled); err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	return map[string]interface{}{"id": p.ID, "enabled": p.Enabled}, nil
}

func (s *Server) handleCronRun(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	svc, werr := s.cronService()
	if werr != nil {
		return nil, werr
	}
	var p cronParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if err := svc.RunNow(ctx, p.ID); err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	return map[string]interface{}{"ran": p.ID}, nil
}

func (s *Server) handleCronRuns(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	svc, werr := s.cronService()
	if werr != nil {
		return nil, werr
	}
	var p cronParams
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	runs, err := svc.Runs(p.ID, p.Limit)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"runs": runs}, nil
}

// --- approvals ---

func (s *Server) handleApprovalsList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.Error) {
	if s.deps.Approvals == nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "approval broker not configured")
	}
	return map[string]interface{}{"approvals": s.deps.Approvals.List()}, nil
}

func (s *Server) handleApprovalsApprove(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	return s.resolveApproval(params, true)
}

func (s *Server) handleApprovalsDeny(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	return s.resolveApproval(params, false)
}

func (s *Server) resolveApproval(params json.RawMessage, approve bool) (interface{}, *protocol.Error) {
	if s.deps.Approvals == nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "approval broker not configured")
	}
	var p struct {
		ID string `json:"id"`
	}
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	var ok bool
	if approve {
		ok = s.deps.Approvals.Approve(p.ID)
	} else {
		ok = s.deps.Approvals.Deny(p.ID)
	}
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "no pending approval with that id")
	}
	return map[string]interface{}{"id": p.ID, "approved": approve}, nil
}

// --- pairing ---

func (s *Server) handlePairingList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.Error) {
	if s.deps.Pairing == nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "pairing service not configured")
	}
	return map[string]interface{}{"pending": s.deps.Pairing.Pending()}, nil
}

func (s *Server) handlePairingApprove(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	if s.deps.Pairing == nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "pairing service not configured")
	}
	var p struct {
		Code string `json:"code"`
	}
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	req, err := s.deps.Pairing.Approve(p.Code)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	return req, nil
}

func (s *Server) handlePairingRevoke(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.Error) {
	if s.deps.Pairing == nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "pairing service not configured")
	}
	var p struct {
		Channel string `json:"channel"`
		Sender  string `json:"sender"`
	}
	if werr := decodeParams(params, &p); werr != nil {
		return nil, werr
	}
	if err := s.deps.Pairing.Revoke(p.Channel, p.Sender); err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	return map[string]interface{}{"revoked": true}, nil
}
