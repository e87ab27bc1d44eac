package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/openhearth/hearth/pkg/protocol"
)

const (
	writeTimeout  = 10 * time.Second
	maxFrameBytes = 1 << 20
	outboundQueue = 256
)

// Client is one WebSocket connection. Until the connect handshake succeeds
// only the connect method is accepted.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	connected bool
	scopes    []string
	protoVer  int

	mu   sync.Mutex
	subs map[string]bool // sessions this client follows

	out      chan interface{}
	closeOut sync.Once
	dropped  int
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		srv:  s,
		subs: make(map[string]bool),
		out:  make(chan interface{}, outboundQueue),
	}
}

func (c *Client) hasScope(required string) bool {
	for _, g := range c.scopes {
		if protocol.ScopeSatisfies(g, required) {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(sessionID string) {
	c.mu.Lock()
	c.subs[sessionID] = true
	c.mu.Unlock()
}

func (c *Client) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[sessionID]
}

// SendEvent queues an event frame; a slow client drops events rather than
// blocking the bus.
func (c *Client) SendEvent(ev *protocol.EventFrame) {
	select {
	case c.out <- ev:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

func (c *Client) sendResponse(res *protocol.ResponseFrame) {
	select {
	case c.out <- res:
	case <-time.After(writeTimeout):
	}
}

// Run drives the connection: a writer goroutine serializing frames, and a
// read loop enforcing the handshake, idle timeout, and per-call rate limit.
func (c *Client) Run(ctx context.Context) {
	defer c.conn.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range c.out {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}()
	defer func() {
		if c.connected {
			c.srv.unregister(c)
		}
		c.closeOut.Do(func() { close(c.out) })
		<-writerDone
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	idle := c.srv.cfg.IdleTimeout()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("client read ended", "id", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameReq {
			c.sendResponse(protocol.NewErrorResponse(req.ID,
				protocol.NewError(protocol.ErrInvalidParams, "malformed request frame")))
			continue
		}

		if !c.connected {
			if req.Method != protocol.MethodConnect {
				c.sendResponse(protocol.NewErrorResponse(req.ID,
					protocol.NewError(protocol.ErrNotConnected, "first request must be connect")))
				return
			}
			if !c.handshake(req) {
				return
			}
			continue
		}

		if !c.srv.limiter.Allow(c.id) {
			c.sendResponse(protocol.NewErrorResponse(req.ID,
				protocol.NewError(protocol.ErrRateLimited, "rate limit exceeded")))
			continue
		}

		// Dispatch concurrently: a streaming agent call must not block
		// management methods on the same connection.
		wg.Add(1)
		go func(req protocol.RequestFrame) {
			defer wg.Done()
			c.sendResponse(c.srv.router.Dispatch(ctx, c, &req))
		}(req)
	}
}

// handshake validates the connect request and grants scopes. Returns false
// when the socket must close.
func (c *Client) handshake(req protocol.RequestFrame) bool {
	var params protocol.ConnectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendResponse(protocol.NewErrorResponse(req.ID,
				protocol.NewError(protocol.ErrInvalidParams, "malformed connect params")))
			return false
		}
	}

	if token := c.srv.cfg.Gateway.Token; token != "" && params.Token != token {
		c.sendResponse(protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.ErrForbidden, "bad gateway token")))
		return false
	}

	clientMax := params.MaxProtocol
	if clientMax <= 0 {
		clientMax = 1
	}
	c.protoVer = protocol.ProtocolVersion
	if clientMax < c.protoVer {
		c.protoVer = clientMax
	}

	c.scopes = params.Scopes
	if len(c.scopes) == 0 {
		c.scopes = []string{protocol.ScopeRead}
	}

	c.connected = true
	c.srv.register(c)
	c.sendResponse(protocol.NewResponse(req.ID, protocol.ConnectResult{
		Protocol:     c.protoVer,
		ConnectionID: c.id,
		Scopes:       c.scopes,
	}))
	return true
}
