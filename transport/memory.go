// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

var _ Endpoint = (*MemoryEndpoint)(nil)

// MemoryNetwork links pairs of in-process endpoints. Tests point both
// sides of a transfer at one network; the first two endpoints created
// on it become a pair with ordered reliable delivery and the same
// signaling contract as the WebRTC implementation.
//
// Signaling payloads are synthetic descriptions, not SDP, but they
// travel the same path: out through OnSignal, across whatever relay the
// test wires up, and back in through Signal. Data, once connected,
// moves directly between the paired endpoints.
type MemoryNetwork struct {
	mu      sync.Mutex
	waiting *MemoryEndpoint
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{}
}

// Endpoint creates one side of a pair. The second call pairs with the
// first.
func (n *MemoryNetwork) Endpoint(initiator bool, callbacks Callbacks) *MemoryEndpoint {
	endpoint := &MemoryEndpoint{
		network:   n,
		initiator: initiator,
		callbacks: callbacks,
		queue:     make(chan memoryEvent, 1024),
		done:      make(chan struct{}),
	}
	go endpoint.pump()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.waiting == nil {
		n.waiting = endpoint
	} else {
		peer := n.waiting
		n.waiting = nil
		peer.setPeer(endpoint)
		endpoint.setPeer(peer)
	}
	return endpoint
}

type memoryEvent struct {
	kind string // "connected", "disconnected", "data", "text", "error"
	data []byte
	text string
	err  error
}

// MemoryEndpoint is the test implementation of Endpoint. Callbacks fire
// from a single pump goroutine, preserving delivery order.
type MemoryEndpoint struct {
	network   *MemoryNetwork
	initiator bool
	callbacks Callbacks

	mu        sync.Mutex
	peer      *MemoryEndpoint
	connected bool
	closed    bool

	queue chan memoryEvent
	done  chan struct{}

	closeOnce sync.Once
}

func (e *MemoryEndpoint) setPeer(peer *MemoryEndpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peer = peer
}

// Start emits the synthetic offer on the initiator side.
func (e *MemoryEndpoint) Start() error {
	if !e.initiator {
		return nil
	}
	return e.emitDescription("offer")
}

// Signal accepts the peer's synthetic description. An offer triggers
// the answer; the answer completes the handshake and connects both
// sides.
func (e *MemoryEndpoint) Signal(payload []byte) error {
	var envelope signalEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("transport: unparseable signal payload: %w", err)
	}
	if envelope.Kind != signalKindDescription {
		// Memory pairs have no candidates; tolerate and drop them so
		// sessions can treat both endpoint kinds identically.
		return nil
	}

	var desc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(envelope.Description, &desc); err != nil {
		return fmt.Errorf("transport: unparseable description: %w", err)
	}

	switch desc.Type {
	case "offer":
		if err := e.emitDescription("answer"); err != nil {
			return err
		}
		return nil
	case "answer":
		e.mu.Lock()
		peer := e.peer
		e.mu.Unlock()
		if peer == nil {
			return fmt.Errorf("transport: memory endpoint has no peer")
		}
		e.connect()
		peer.connect()
		return nil
	default:
		return fmt.Errorf("transport: unknown description type %q", desc.Type)
	}
}

// Send delivers one binary message to the peer.
func (e *MemoryEndpoint) Send(data []byte) error {
	if len(data) > maxMessageSize {
		return ErrMessageTooLarge
	}
	peer, err := e.connectedPeer()
	if err != nil {
		return err
	}
	peer.enqueue(memoryEvent{kind: "data", data: append([]byte(nil), data...)})
	return nil
}

// SendText delivers one text message to the peer.
func (e *MemoryEndpoint) SendText(text string) error {
	if len(text) > maxMessageSize {
		return ErrMessageTooLarge
	}
	peer, err := e.connectedPeer()
	if err != nil {
		return err
	}
	peer.enqueue(memoryEvent{kind: "text", text: text})
	return nil
}

// Flush is a no-op: memory delivery has no transmit buffer.
func (e *MemoryEndpoint) Flush(ctx context.Context) error {
	if _, err := e.connectedPeer(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close disconnects both sides.
func (e *MemoryEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.connected = false
		peer := e.peer
		e.mu.Unlock()

		e.enqueue(memoryEvent{kind: "disconnected"})
		if peer != nil {
			peer.peerClosed()
		}
		close(e.done)
	})
	return nil
}

func (e *MemoryEndpoint) peerClosed() {
	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	e.mu.Unlock()
	if wasConnected {
		e.enqueue(memoryEvent{kind: "disconnected"})
	}
}

func (e *MemoryEndpoint) connect() {
	e.mu.Lock()
	already := e.connected
	if !e.closed {
		e.connected = true
	}
	closed := e.closed
	e.mu.Unlock()
	if !already && !closed {
		e.enqueue(memoryEvent{kind: "connected"})
	}
}

func (e *MemoryEndpoint) connectedPeer() (*MemoryEndpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected || e.peer == nil {
		return nil, ErrNotConnected
	}
	return e.peer, nil
}

func (e *MemoryEndpoint) emitDescription(descType string) error {
	encoded, err := json.Marshal(map[string]string{"type": descType, "sdp": "memory"})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(signalEnvelope{Kind: signalKindDescription, Description: encoded})
	if err != nil {
		return err
	}
	if e.callbacks.OnSignal != nil {
		e.callbacks.OnSignal(payload)
	}
	return nil
}

func (e *MemoryEndpoint) enqueue(event memoryEvent) {
	select {
	case e.queue <- event:
	case <-e.done:
	}
}

// pump delivers queued events to the callbacks one at a time.
func (e *MemoryEndpoint) pump() {
	for {
		select {
		case event := <-e.queue:
			e.dispatch(event)
			if event.kind == "disconnected" {
				return
			}
		case <-e.done:
			// Drain anything enqueued before the close.
			for {
				select {
				case event := <-e.queue:
					e.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (e *MemoryEndpoint) dispatch(event memoryEvent) {
	switch event.kind {
	case "connected":
		if e.callbacks.OnConnected != nil {
			e.callbacks.OnConnected()
		}
	case "disconnected":
		if e.callbacks.OnDisconnected != nil {
			e.callbacks.OnDisconnected()
		}
	case "data":
		if e.callbacks.OnData != nil {
			e.callbacks.OnData(event.data)
		}
	case "text":
		if e.callbacks.OnText != nil {
			e.callbacks.OnText(event.text)
		}
	case "error":
		if e.callbacks.OnError != nil {
			e.callbacks.OnError(event.err)
		}
	}
}
