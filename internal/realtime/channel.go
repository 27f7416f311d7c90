package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/emma/internal/protocol"
	"github.com/ent0n29/emma/internal/reliability"
)

// EventStream is an open control-event channel. Events is closed when the
// remote side goes away or Close is called.
type EventStream interface {
	Events() <-chan protocol.ServerEvent
	Send(ctx context.Context, msg any) error
	Close() error
}

// ChannelDialer opens the control-event channel for an established session.
type ChannelDialer interface {
	Dial(ctx context.Context, sess *Session) (EventStream, error)
}

// ChannelConfig configures the websocket control-event channel.
type ChannelConfig struct {
	BaseURL     string // e.g. wss://api.openai.com/v1/realtime
	Model       string
	ReadTimeout time.Duration
}

// WebsocketDialer dials the remote realtime service's event endpoint,
// authenticated with the session's ephemeral credential.
type WebsocketDialer struct {
	cfg ChannelConfig
}

func NewWebsocketDialer(cfg ChannelConfig) *WebsocketDialer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 120 * time.Second
	}
	return &WebsocketDialer{cfg: cfg}
}

func (d *WebsocketDialer) Dial(ctx context.Context, sess *Session) (EventStream, error) {
	u, err := url.Parse(d.cfg.BaseURL)
	if err != nil {
		return nil, reliability.ClassifyTransport(d.cfg.BaseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if d.cfg.Model != "" {
		q := u.Query()
		q.Set("model", d.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+sess.ClientSecret)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, reliability.ClassifyTransport(u.String(), err)
	}

	ch := &eventChannel{
		conn:        conn,
		events:      make(chan protocol.ServerEvent, 256),
		readTimeout: d.cfg.ReadTimeout,
	}
	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(ch.readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(ch.readTimeout))
		return nil
	})
	go ch.readLoop()
	return ch, nil
}

type eventChannel struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	closeOnce   sync.Once
	events      chan protocol.ServerEvent
	readTimeout time.Duration

	stateMu sync.Mutex
	closed  bool
}

func (c *eventChannel) Events() <-chan protocol.ServerEvent { return c.events }

func (c *eventChannel) Send(ctx context.Context, msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(msg)
}

func (c *eventChannel) readLoop() {
	defer c.safeClose()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownEventType) {
				continue
			}
			// Undecodable frames are dropped rather than fatal: the channel
			// carries best-effort control traffic, not the media itself.
			continue
		}
		c.emit(ev)
	}
}

// emit delivers an event unless the channel is already closed, dropping the
// event when the consumer has stopped draining.
func (c *eventChannel) emit(ev protocol.ServerEvent) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *eventChannel) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.closed = true
		c.stateMu.Unlock()
		retErr = c.conn.Close()
		close(c.events)
	})
	return retErr
}

func (c *eventChannel) safeClose() {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.closed = true
		c.stateMu.Unlock()
		_ = c.conn.Close()
		close(c.events)
	})
}
