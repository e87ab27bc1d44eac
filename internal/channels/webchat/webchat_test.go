package webchat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearth/internal/channels"
	"github.com/openhearth/hearth/internal/config"
)

func TestInjectRequiresRunning(t *testing.T) {
	p := New(config.WebChatConfig{})
	err := p.Inject(channels.Inbound{ChatID: "c1", Content: "hi"})
	assert.Error(t, err)
}

func TestInjectAndDeliverRoundTrip(t *testing.T) {
	p := New(config.WebChatConfig{})

	inbound := make(chan channels.Inbound, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Start(ctx, func(msg channels.Inbound) { inbound <- msg })
	}()

	require.Eventually(t, func() bool {
		return p.Inject(channels.Inbound{ChatID: "c1", SenderID: "op", Content: "hello"}) == nil
	}, time.Second, 5*time.Millisecond)

	select {
	case msg := <-inbound:
		assert.Equal(t, "c1", msg.ChatID)
		assert.Equal(t, "hello", msg.Content)
	case <-time.After(time.Second):
		t.Fatal("inbound message not delivered")
	}

	delivered := make(chan channels.Outbound, 1)
	p.SetDelivery(func(out channels.Outbound) { delivered <- out })
	require.NoError(t, p.Send(context.Background(), channels.Outbound{ChatID: "c1", Text: "reply"}))
	assert.Equal(t, "reply", (<-delivered).Text)

	cancel()
	<-done
	assert.Error(t, p.Inject(channels.Inbound{ChatID: "c1", Content: "late"}))
}

func TestSendWithoutDeliveryErrors(t *testing.T) {
	p := New(config.WebChatConfig{})
	assert.Error(t, p.Send(context.Background(), channels.Outbound{ChatID: "c1", Text: "x"}))
}
