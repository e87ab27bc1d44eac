package gateway

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearth/internal/agent"
	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/providers"
	"github.com/openhearth/hearth/internal/sessions"
	"github.com/openhearth/hearth/internal/tools"
	"github.com/openhearth/hearth/pkg/protocol"
)

type harness struct {
	url string
	bus *bus.Bus
	srv *Server
}

func newHarness(t *testing.T, mutate func(*config.Config, *Deps)) *harness {
	t.Helper()

	cfg := &config.Config{}
	cfg.Gateway.Port = 0

	b := bus.NewBus()
	store, err := sessions.NewStore(t.TempDir())
	require.NoError(t, err)

	provider := providers.NewScriptedProvider(providers.ScriptStep{
		Response: &providers.ChatResponse{Content: "scripted reply", FinishReason: "stop"},
	})
	reg := tools.NewRegistry()
	runtime := agent.NewRuntime("default", config.EnvSpec{
		Model:            "scripted-model",
		MaxToolRounds:    4,
		MaxContextTokens: 100_000,
		KeepRecent:       10,
		SystemPrompt:     "You are a test assistant.",
		QueueBound:       4,
	}, provider, store, reg, &tools.Executor{Registry: reg}, b)

	deps := Deps{
		Resolver: func(env string) AgentRunner {
			if env == "" || env == "default" {
				return runtime
			}
			return nil
		},
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	srv := NewServer(cfg, b, deps)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()

	return &harness{url: "ws://" + ln.Addr().String() + "/ws", bus: b, srv: srv}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 3*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendReq(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	require.NoError(t, conn.WriteJSON(protocol.NewRequest(id, method, raw)))
}

// readUntilResponse drains frames until the response for id arrives,
// collecting event frames seen on the way.
func readUntilResponse(t *testing.T, conn *websocket.Conn, id string) (*protocol.ResponseFrame, []string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var events []string
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var head struct {
			Type  string `json:"type"`
			ID    string `json:"id"`
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		switch head.Type {
		case protocol.FrameEvent:
			events = append(events, head.Event)
		case protocol.FrameRes:
			if head.ID == id {
				var res protocol.ResponseFrame
				require.NoError(t, json.Unmarshal(data, &res))
				return &res, events
			}
		}
	}
	t.Fatalf("no response for request %s", id)
	return nil, nil
}

func connect(t *testing.T, conn *websocket.Conn, params protocol.ConnectParams) protocol.ConnectResult {
	t.Helper()
	sendReq(t, conn, "c1", protocol.MethodConnect, params)
	res, _ := readUntilResponse(t, conn, "c1")
	require.True(t, res.OK, "connect failed: %+v", res.Error)

	var result protocol.ConnectResult
	payload, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &result))
	return result
}

func TestFirstFrameMustBeConnect(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h.url)

	sendReq(t, conn, "r1", protocol.MethodHealth, nil)
	res, _ := readUntilResponse(t, conn, "r1")
	require.False(t, res.OK)
	assert.Equal(t, protocol.ErrNotConnected, res.Error.Code)

	// Server closes the socket after the violation.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestConnectNegotiatesProtocolAndScopes(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h.url)

	result := connect(t, conn, protocol.ConnectParams{
		ClientInfo:  "test-client",
		MaxProtocol: 1,
		Scopes:      []string{protocol.ScopeRead},
	})
	assert.Equal(t, 1, result.Protocol)
	assert.NotEmpty(t, result.ConnectionID)
	assert.Equal(t, []string{protocol.ScopeRead}, result.Scopes)
}

func TestGatewayTokenRequired(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Deps) {
		cfg.Gateway.Token = "sekrit"
	})
	conn := dial(t, h.url)

	sendReq(t, conn, "c1", protocol.MethodConnect, protocol.ConnectParams{MaxProtocol: 2, Token: "wrong"})
	res, _ := readUntilResponse(t, conn, "c1")
	require.False(t, res.OK)
	assert.Equal(t, protocol.ErrForbidden, res.Error.Code)

	conn2 := dial(t, h.url)
	result := connect(t, conn2, protocol.ConnectParams{MaxProtocol: 2, Token: "sekrit"})
	assert.NotEmpty(t, result.ConnectionID)
}

func TestUnknownMethodAndMethodsList(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h.url)
	connect(t, conn, protocol.ConnectParams{MaxProtocol: 2})

	sendReq(t, conn, "r1", "no.such.method", nil)
	res, _ := readUntilResponse(t, conn, "r1")
	require.False(t, res.OK)
	assert.Equal(t, protocol.ErrUnknownMethod, res.Error.Code)

	sendReq(t, conn, "r2", protocol.MethodMethodsList, nil)
	res, _ = readUntilResponse(t, conn, "r2")
	require.True(t, res.OK)

	data, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	var payload struct {
		Methods []MethodInfo `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	names := make(map[string]bool, len(payload.Methods))
	for _, m := range payload.Methods {
		names[m.Name] = true
	}
	assert.True(t, names[protocol.MethodAgent])
	assert.True(t, names[protocol.MethodCronList])
	assert.False(t, names["no.such.method"])
}

func TestScopeEnforcement(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h.url)
	connect(t, conn, protocol.ConnectParams{MaxProtocol: 2, Scopes: []string{protocol.ScopeRead}})

	sendReq(t, conn, "r1", protocol.MethodAgent, map[string]string{"message": "hi"})
	res, _ := readUntilResponse(t, conn, "r1")
	require.False(t, res.OK)
	assert.Equal(t, protocol.ErrForbidden, res.Error.Code)
}

func TestAgentTurnStreamsEventsThenResponds(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h.url)
	connect(t, conn, protocol.ConnectParams{MaxProtocol: 2, Scopes: []string{protocol.ScopeWrite}})

	sendReq(t, conn, "r1", protocol.MethodAgent, map[string]string{
		"message":     "hello there",
		"session_key": "operator:test",
	})
	res, events := readUntilResponse(t, conn, "r1")
	require.True(t, res.OK, "agent call failed: %+v", res.Error)

	data, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	var payload struct {
		SessionID string `json:"session_id"`
		Reply     string `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "operator:test", payload.SessionID)
	assert.Equal(t, "scripted reply", payload.Reply)

	assert.Contains(t, events, string(bus.AgentStart))
	assert.Contains(t, events, string(bus.AgentText))
	assert.Contains(t, events, string(bus.AgentDone))
}

func TestBufferedBroadcastsDrainToFirstOperator(t *testing.T) {
	h := newHarness(t, nil)

	// Fires before any client is connected; the ready buffer holds it.
	ev := bus.New(bus.CronRunDone, "cron", map[string]interface{}{"job_id": "j1"})
	ev.Broadcast = true
	h.bus.Publish(ev)

	conn := dial(t, h.url)
	connect(t, conn, protocol.ConnectParams{MaxProtocol: 2, Scopes: []string{protocol.ScopeAdmin}})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame protocol.EventFrame
		if json.Unmarshal(data, &frame) == nil && frame.Type == protocol.FrameEvent {
			if frame.Event == string(bus.CronRunDone) {
				return
			}
		}
	}
	t.Fatal("buffered cron.run.done never delivered")
}

func TestSessionsRoundTripOverRPC(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h.url)
	connect(t, conn, protocol.ConnectParams{MaxProtocol: 2, Scopes: []string{protocol.ScopeAdmin}})

	sendReq(t, conn, "r1", protocol.MethodAgent, map[string]string{
		"message":     "hello",
		"session_key": "operator:s1",
	})
	res, _ := readUntilResponse(t, conn, "r1")
	require.True(t, res.OK)

	sendReq(t, conn, "r2", protocol.MethodSessionsPreview, map[string]interface{}{
		"session_key": "operator:s1",
	})
	res, _ = readUntilResponse(t, conn, "r2")
	require.True(t, res.OK)
	data, _ := json.Marshal(res.Payload)
	var preview struct {
		Messages []map[string]interface{} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &preview))
	require.Len(t, preview.Messages, 2) // user + assistant
	assert.Equal(t, "user", preview.Messages[0]["role"])

	sendReq(t, conn, "r3", protocol.MethodSessionsDelete, map[string]string{"session_key": "operator:s1"})
	res, _ = readUntilResponse(t, conn, "r3")
	require.True(t, res.OK)

	sendReq(t, conn, "r4", protocol.MethodSessionsList, nil)
	res, _ = readUntilResponse(t, conn, "r4")
	require.True(t, res.OK)
	data, _ = json.Marshal(res.Payload)
	var list struct {
		Sessions []map[string]interface{} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Empty(t, list.Sessions)
}

func TestRateLimiterBounds(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	assert.True(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"), "burst exhausted")
	assert.True(t, rl.Allow("c2"), "per-connection isolation")

	off := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, off.Allow("c1"))
	}
}
