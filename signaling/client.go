// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyuraku/flux/lib/clock"
)

// ErrClientClosed is returned by Send after Close has been called.
var ErrClientClosed = errors.New("signaling: client closed")

// Reconnect policy after an unexpected broker disconnect: up to
// maxReconnects attempts, backing off exponentially from
// reconnectBaseDelay and never waiting longer than reconnectMaxDelay.
const (
	maxReconnects      = 3
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 10 * time.Second
)

// ClientOptions configures a broker client connection.
type ClientOptions struct {
	// BrokerURL is the websocket endpoint, e.g. "ws://host:8787/ws".
	BrokerURL string

	// RoomID is the rendezvous room to attach to: for senders, the
	// code they redeem. Receivers that want a broker-minted code leave
	// it empty and bind to their room via generate_code.
	RoomID string

	// Handler receives every frame read from the broker. It is called
	// from the read goroutine, so it must not block on Send to the
	// same client.
	Handler func(Message)

	// OnClose is called once when the connection is permanently down:
	// after Close, or after reconnection attempts are exhausted. The
	// error is nil for a local Close.
	OnClose func(error)

	// Clock drives the reconnect backoff. Defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Client is the engine-side connection to the signaling broker. It
// owns a read goroutine that dispatches incoming frames to the
// handler and transparently redials on unexpected disconnects.
type Client struct {
	opts    ClientOptions
	dialURL string

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

// NewClient validates opts and returns an unconnected client. Call
// Connect to dial.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("signaling: broker URL is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("signaling: handler is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	parsed, err := url.Parse(opts.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("signaling: parsing broker URL: %w", err)
	}
	if opts.RoomID != "" {
		query := parsed.Query()
		query.Set("room", opts.RoomID)
		parsed.RawQuery = query.Encode()
	}

	return &Client{opts: opts, dialURL: parsed.String()}, nil
}

// Connect dials the broker and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.dialURL, nil)
	if err != nil {
		return fmt.Errorf("signaling: dialing broker: %w", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Send writes one frame to the broker.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("signaling: not connected")
	}
	return c.conn.WriteJSON(msg)
}

// Close shuts the connection down. The read loop exits without
// attempting to reconnect, and OnClose fires with a nil error.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	conn := c.conn
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	c.writeMu.Unlock()

	c.closeOnce.Do(func() {
		if c.opts.OnClose != nil {
			c.opts.OnClose(nil)
		}
	})
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if c.isClosed() {
				return
			}
			c.opts.Logger.Debug("broker connection lost", "error", err)
			c.reconnect(err)
			return
		}
		c.opts.Handler(msg)
	}
}

// reconnect redials the broker with exponential backoff. On success a
// fresh read loop takes over; once attempts are exhausted the client
// shuts down and reports the final error through OnClose.
func (c *Client) reconnect(cause error) {
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		c.opts.Clock.Sleep(delay)
		if c.isClosed() {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.dialURL, nil)
		if err == nil {
			c.opts.Logger.Info("reconnected to broker", "attempt", attempt)
			c.writeMu.Lock()
			c.conn = conn
			c.writeMu.Unlock()
			go c.readLoop(conn)
			return
		}

		c.opts.Logger.Warn("broker reconnect failed", "attempt", attempt, "error", err)
		cause = err
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		if c.opts.OnClose != nil {
			c.opts.OnClose(fmt.Errorf("signaling: reconnect attempts exhausted: %w", cause))
		}
	})
}
