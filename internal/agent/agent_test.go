package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/providers"
	"github.com/openhearth/hearth/internal/sessions"
	"github.com/openhearth/hearth/internal/tools"
)

func testSpec() config.EnvSpec {
	return config.EnvSpec{
		Provider:         "scripted",
		MaxTokens:        1024,
		MaxToolRounds:    4,
		MaxContextTokens: 100_000,
		KeepRecent:       10,
		QueueBound:       2,
		SystemPrompt:     "You are a helpful assistant.",
	}
}

func newTestRuntime(t *testing.T, p providers.Provider, spec config.EnvSpec) *Runtime {
	t.Helper()
	store, err := sessions.NewStore(t.TempDir(), sessions.WithFlushDebounce(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&echoTool{}))
	ex := &tools.Executor{Registry: reg}

	return NewRuntime("default", spec, p, store, reg, ex, bus.NewBus())
}

// echoTool returns its "text" argument. Safe and side-effect free so rounds
// containing only echo calls run in parallel.
type echoTool struct{}

func (e *echoTool) Name() string                 { return "echo" }
func (e *echoTool) Description() string          { return "Echo the given text" }
func (e *echoTool) Class() tools.PermissionClass { return tools.ClassSafe }
func (e *echoTool) Effects() tools.SideEffects   { return tools.EffectsNone }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (e *echoTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	text, _ := args["text"].(string)
	return tools.SilentResult("echo: " + text)
}

// blockingProvider parks ChatStream until released, for cancel/busy tests.
type blockingProvider struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{release: make(chan struct{}), started: make(chan struct{}, 8)}
}

func (p *blockingProvider) Name() string         { return "blocking" }
func (p *blockingProvider) DefaultModel() string { return "blocking-model" }

func (p *blockingProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "summary", FinishReason: "stop"}, nil
}

func (p *blockingProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.started <- struct{}{}
	if onChunk != nil {
		onChunk(providers.StreamChunk{Content: "partial "})
	}
	select {
	case <-p.release:
		return &providers.ChatResponse{Content: "partial done", FinishReason: "stop"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func collect(t *testing.T, ch <-chan bus.Event) []bus.Event {
	t.Helper()
	var events []bus.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining turn events")
		}
	}
}

func eventTypes(events []bus.Event) []bus.EventType {
	out := make([]bus.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestSimpleTextTurn(t *testing.T) {
	p := providers.NewScriptedProvider(providers.ScriptStep{
		Response: &providers.ChatResponse{Content: "Hello there!", FinishReason: "stop"},
	})
	rt := newTestRuntime(t, p, testSpec())

	ch, err := rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi", Source: "rpc"})
	require.NoError(t, err)
	events := collect(t, ch)

	types := eventTypes(events)
	assert.Equal(t, bus.AgentStart, types[0])
	assert.Contains(t, types, bus.AgentText)
	assert.Equal(t, bus.AgentDone, types[len(types)-1])
	assert.Equal(t, false, events[len(events)-1].Data["cancelled"])

	msgs := rt.Store().Snapshot("s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, sessions.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello there!", msgs[1].Content)

	// System prompt reached the provider.
	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "system", calls[0].Messages[0].Role)
}

func TestToolRoundThenFinal(t *testing.T) {
	p := providers.NewScriptedProvider(
		providers.ScriptStep{Response: &providers.ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}},
			},
		}},
		providers.ScriptStep{Response: &providers.ChatResponse{Content: "pong", FinishReason: "stop"}},
	)
	rt := newTestRuntime(t, p, testSpec())

	ch, err := rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "run echo"})
	require.NoError(t, err)
	events := collect(t, ch)

	types := eventTypes(events)
	assert.Contains(t, types, bus.AgentToolCall)
	assert.Contains(t, types, bus.AgentToolResult)
	assert.Equal(t, bus.AgentDone, types[len(types)-1])

	msgs := rt.Store().Snapshot("s1")
	// user, assistant(tool call), tool result, assistant final
	require.Len(t, msgs, 4)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "echo: ping", msgs[2].Content)
	assert.Equal(t, "pong", msgs[3].Content)

	// Second provider call carried the tool exchange.
	calls := p.Calls()
	require.Len(t, calls, 2)
}

func TestToolBudgetExhausted(t *testing.T) {
	spec := testSpec()
	spec.MaxToolRounds = 1

	p := providers.NewScriptedProvider(
		providers.ScriptStep{Response: &providers.ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "x"}}},
		}},
		providers.ScriptStep{Response: &providers.ChatResponse{Content: "wrapping up", FinishReason: "stop"}},
	)
	rt := newTestRuntime(t, p, spec)

	ch, err := rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "go"})
	require.NoError(t, err)
	collect(t, ch)

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.NotEmpty(t, calls[0].Tools, "first round offers tools")
	assert.Empty(t, calls[1].Tools, "after budget exhaustion no tools are offered")

	var sawBudgetNote bool
	for _, m := range rt.Store().Snapshot("s1") {
		if m.Role == sessions.RoleSystem && m.Importance == sessions.ImportanceLow {
			sawBudgetNote = true
		}
	}
	assert.True(t, sawBudgetNote)
}

func TestFallbackModelRecovers(t *testing.T) {
	spec := testSpec()
	spec.Model = "primary"
	spec.FallbackModel = "backup"

	p := providers.NewScriptedProvider(
		providers.ScriptStep{Err: &providers.ProviderError{Provider: "scripted", Kind: providers.KindOverloaded}},
		providers.ScriptStep{Response: &providers.ChatResponse{Content: "recovered", FinishReason: "stop"}},
	)
	rt := newTestRuntime(t, p, spec)

	ch, err := rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"})
	require.NoError(t, err)
	events := collect(t, ch)

	var sawRecoveredError bool
	for _, ev := range events {
		if ev.Type == bus.AgentError && ev.Data["recovered"] == true {
			sawRecoveredError = true
		}
	}
	assert.True(t, sawRecoveredError)
	assert.Equal(t, bus.AgentDone, events[len(events)-1].Type)

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "primary", calls[0].Model)
	assert.Equal(t, "backup", calls[1].Model)
}

func TestUnrecoverableErrorEndsWithAgentError(t *testing.T) {
	p := providers.NewScriptedProvider(providers.ScriptStep{
		Err: &providers.ProviderError{Provider: "scripted", Kind: providers.KindBadRequest, Message: "bad"},
	})
	rt := newTestRuntime(t, p, testSpec())

	ch, err := rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"})
	require.NoError(t, err)
	events := collect(t, ch)

	last := events[len(events)-1]
	assert.Equal(t, bus.AgentError, last.Type)
	assert.Equal(t, false, last.Data["recovered"])
}

func TestSessionBusyWhenQueueFull(t *testing.T) {
	spec := testSpec()
	spec.QueueBound = 1

	p := newBlockingProvider()
	rt := newTestRuntime(t, p, spec)

	ch1, err := rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "first"})
	require.NoError(t, err)
	<-p.started // first turn is now in flight

	// One slot in the queue, then busy.
	_, err = rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "second"})
	require.NoError(t, err)
	_, err = rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "third"})
	assert.ErrorIs(t, err, ErrSessionBusy)

	// Other sessions are unaffected.
	_, err = rt.RunTurn(context.Background(), TurnRequest{SessionID: "s2", Content: "hello"})
	require.NoError(t, err)

	close(p.release)
	collect(t, ch1)
}

func TestAbortPersistsPartial(t *testing.T) {
	p := newBlockingProvider()
	rt := newTestRuntime(t, p, testSpec())

	ch, err := rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "hi"})
	require.NoError(t, err)
	<-p.started

	require.True(t, rt.Abort("s1"))
	events := collect(t, ch)

	last := events[len(events)-1]
	assert.Equal(t, bus.AgentDone, last.Type)
	assert.Equal(t, true, last.Data["cancelled"])

	msgs := rt.Store().Snapshot("s1")
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Partial)
	assert.Equal(t, "partial ", msgs[1].Content)
}

func TestTurnsOnSameSessionRunInOrder(t *testing.T) {
	p := providers.NewScriptedProvider(
		providers.ScriptStep{Response: &providers.ChatResponse{Content: "one", FinishReason: "stop"}},
		providers.ScriptStep{Response: &providers.ChatResponse{Content: "two", FinishReason: "stop"}},
	)
	rt := newTestRuntime(t, p, testSpec())

	ch1, err := rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "a"})
	require.NoError(t, err)
	ch2, err := rt.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Content: "b"})
	require.NoError(t, err)

	collect(t, ch1)
	collect(t, ch2)

	msgs := rt.Store().Snapshot("s1")
	require.Len(t, msgs, 4)
	assert.Equal(t, "a", msgs[0].Content)
	assert.Equal(t, "one", msgs[1].Content)
	assert.Equal(t, "b", msgs[2].Content)
	assert.Equal(t, "two", msgs[3].Content)
}
