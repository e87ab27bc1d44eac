package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindAuth, classifyStatus(401))
	assert.Equal(t, KindAuth, classifyStatus(403))
	assert.Equal(t, KindRateLimit, classifyStatus(429))
	assert.Equal(t, KindOverloaded, classifyStatus(529))
	assert.Equal(t, KindOverloaded, classifyStatus(503))
	assert.Equal(t, KindInternal, classifyStatus(500))
	assert.Equal(t, KindBadRequest, classifyStatus(400))
}

func TestProviderErrorRetryable(t *testing.T) {
	retryable := []ErrorKind{KindRateLimit, KindOverloaded, KindNetwork, KindInternal}
	for _, k := range retryable {
		assert.True(t, (&ProviderError{Kind: k}).Retryable(), string(k))
	}
	assert.False(t, (&ProviderError{Kind: KindAuth}).Retryable())
	assert.False(t, (&ProviderError{Kind: KindBadRequest}).Retryable())
}

func TestRetryDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), DefaultRetryConfig(), func() (int, error) {
		calls++
		return 0, &ProviderError{Kind: KindBadRequest, Message: "bad schema"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryDoRecoversTransient(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	out, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &ProviderError{Kind: KindOverloaded}
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, calls)
}

func TestRetryDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	_, err := RetryDo(ctx, cfg, func() (int, error) {
		calls++
		return 0, &ProviderError{Kind: KindNetwork}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestKeyringRotation(t *testing.T) {
	k := NewKeyring([]string{"a", "b", "c"}, time.Minute)

	got := []string{}
	for i := 0; i < 4; i++ {
		key, err := k.Pick()
		require.NoError(t, err)
		got = append(got, key)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestKeyringCooldownSkipsBenched(t *testing.T) {
	k := NewKeyring([]string{"a", "b"}, time.Minute)
	now := time.Now()
	k.now = func() time.Time { return now }

	k.Bench("a")
	for i := 0; i < 3; i++ {
		key, err := k.Pick()
		require.NoError(t, err)
		assert.Equal(t, "b", key)
	}
	assert.Equal(t, 1, k.Usable())

	// After the cooldown expires the key returns to rotation.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, k.Usable())
}

func TestKeyringAllBenched(t *testing.T) {
	k := NewKeyring([]string{"a"}, time.Minute)
	k.Bench("a")
	_, err := k.Pick()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestAnthropicChatParsesToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key1", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "tc_1", "name": "read_file", "input": {"path": "a.txt"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider([]string{"key1"}, WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "read a.txt"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "checking", resp.Content)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "read_file", resp.ToolCalls[0].Name)
	assert.Equal(t, "a.txt", resp.ToolCalls[0].Arguments["path"])
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestAnthropicStreamAssemblesDeltas(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"message":{"usage":{"input_tokens":7}}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta":{"type":"text_delta","text":"Hello "}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta":{"type":"text_delta","text":"world"}}`,
		``,
		`event: message_delta`,
		`data: {"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		``,
		`event: message_stop`,
		`data: {}`,
		``,
	}, "\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer srv.Close()

	p := NewAnthropicProvider([]string{"key1"}, WithAnthropicBaseURL(srv.URL))

	var chunks []string
	done := false
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c StreamChunk) {
		if c.Done {
			done = true
			return
		}
		chunks = append(chunks, c.Content)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, []string{"Hello ", "world"}, chunks)
	assert.True(t, done)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestAnthropicAuthErrorBenchesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "dead" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"type":"authentication_error"}}`))
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider([]string{"dead", "live"}, WithAnthropicBaseURL(srv.URL))

	// First call burns the dead key; auth errors are not retried so it fails.
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.True(t, IsAuthError(err))

	// Dead key is on cooldown; the next call lands on the live one.
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestScriptedProviderStreams(t *testing.T) {
	p := NewScriptedProvider(ScriptStep{
		Response: &ChatResponse{Content: "one two", FinishReason: "stop"},
	})

	var got string
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, func(c StreamChunk) {
		got += c.Content
	})
	require.NoError(t, err)
	assert.Equal(t, "one two", got)
	assert.Equal(t, "one two", resp.Content)
	assert.Len(t, p.Calls(), 1)
}
