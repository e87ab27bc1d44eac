// Package webchat is the in-process channel behind the gateway's chat
// surface. Inbound messages arrive over RPC rather than a platform
// connection; outbound messages are handed to a delivery callback that the
// gateway wires to the originating client connections.
package webchat

import (
	"context"
	"fmt"
	"sync"

	"github.com/openhearth/hearth/internal/channels"
	"github.com/openhearth/hearth/internal/config"
)

// DeliveryFunc receives outbound messages for fan-out to connected clients.
type DeliveryFunc func(out channels.Outbound)

// Plugin is the embedded WebChat channel.
type Plugin struct {
	channels.Base
	cfg config.WebChatConfig

	mu      sync.Mutex
	sink    channels.InboundSink
	deliver DeliveryFunc
	running bool
}

func New(cfg config.WebChatConfig) *Plugin {
	return &Plugin{
		Base: channels.NewBase("webchat", cfg.AllowFrom),
		cfg:  cfg,
	}
}

// SetDelivery installs the outbound callback. Messages sent while no
// callback is installed are dropped.
func (p *Plugin) SetDelivery(fn DeliveryFunc) {
	p.mu.Lock()
	p.deliver = fn
	p.mu.Unlock()
}

// Start parks until ctx is cancelled. There is no upstream connection to
// maintain; running state just gates Inject.
func (p *Plugin) Start(ctx context.Context, sink channels.InboundSink) error {
	p.mu.Lock()
	p.sink = sink
	p.running = true
	p.mu.Unlock()

	<-ctx.Done()

	p.mu.Lock()
	p.running = false
	p.sink = nil
	p.mu.Unlock()
	return nil
}

// Inject feeds a message into the channel as if it arrived from a platform.
// The gateway calls this on chat.send.
func (p *Plugin) Inject(msg channels.Inbound) error {
	p.mu.Lock()
	sink := p.sink
	running := p.running
	p.mu.Unlock()
	if !running || sink == nil {
		return fmt.Errorf("webchat: channel is not running")
	}
	sink(msg)
	return nil
}

// Send hands the outbound message to the delivery callback.
func (p *Plugin) Send(_ context.Context, out channels.Outbound) error {
	p.mu.Lock()
	deliver := p.deliver
	p.mu.Unlock()
	if deliver == nil {
		return fmt.Errorf("webchat: no delivery callback installed")
	}
	deliver(out)
	return nil
}
