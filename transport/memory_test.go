// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/hyuraku/flux/lib/testutil"
)

// wireMemoryPair builds a connected memory pair whose signaling
// payloads are relayed directly between the endpoints.
func wireMemoryPair(t *testing.T, a, b *endpointHarness) {
	t.Helper()

	network := NewMemoryNetwork()
	a.endpoint = network.Endpoint(true, a.callbacks())
	b.endpoint = network.Endpoint(false, b.callbacks())

	// Relay loop: each endpoint's signal payloads feed the other.
	go func() {
		for {
			select {
			case payload := <-a.signals:
				b.endpoint.Signal(payload)
			case payload := <-b.signals:
				a.endpoint.Signal(payload)
			case <-a.stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(a.stop) })

	if err := a.endpoint.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	testutil.RequireClosed(t, a.connected, 5*time.Second, "initiator never connected")
	testutil.RequireClosed(t, b.connected, 5*time.Second, "responder never connected")
}

// endpointHarness collects one endpoint's callback traffic.
type endpointHarness struct {
	endpoint     Endpoint
	signals      chan []byte
	connected    chan struct{}
	disconnected chan struct{}
	data         chan []byte
	text         chan string
	errs         chan error
	stop         chan struct{}
}

func newEndpointHarness() *endpointHarness {
	return &endpointHarness{
		signals:      make(chan []byte, 64),
		connected:    make(chan struct{}),
		disconnected: make(chan struct{}),
		data:         make(chan []byte, 64),
		text:         make(chan string, 64),
		errs:         make(chan error, 16),
		stop:         make(chan struct{}),
	}
}

func (h *endpointHarness) callbacks() Callbacks {
	return Callbacks{
		OnSignal:       func(payload []byte) { h.signals <- payload },
		OnConnected:    func() { close(h.connected) },
		OnDisconnected: func() { close(h.disconnected) },
		OnData:         func(data []byte) { h.data <- data },
		OnText:         func(text string) { h.text <- text },
		OnError:        func(err error) { h.errs <- err },
	}
}

func TestMemoryPairConnectsAndTransfers(t *testing.T) {
	a, b := newEndpointHarness(), newEndpointHarness()
	wireMemoryPair(t, a, b)

	if err := a.endpoint.Send([]byte("binary payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := testutil.RequireReceive(t, b.data, 5*time.Second, "waiting for binary message")
	if !bytes.Equal(got, []byte("binary payload")) {
		t.Errorf("received %q", got)
	}

	if err := b.endpoint.SendText(`{"type":"transfer_complete"}`); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	text := testutil.RequireReceive(t, a.text, 5*time.Second, "waiting for text message")
	if text != `{"type":"transfer_complete"}` {
		t.Errorf("received %q", text)
	}
}

func TestMemoryPairPreservesOrder(t *testing.T) {
	a, b := newEndpointHarness(), newEndpointHarness()
	wireMemoryPair(t, a, b)

	for i := byte(0); i < 100; i++ {
		if err := a.endpoint.Send([]byte{i}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := byte(0); i < 100; i++ {
		got := testutil.RequireReceive(t, b.data, 5*time.Second, "waiting for message %d", i)
		if len(got) != 1 || got[0] != i {
			t.Fatalf("message %d arrived as %v", i, got)
		}
	}
}

func TestMemorySendBeforeConnect(t *testing.T) {
	network := NewMemoryNetwork()
	endpoint := network.Endpoint(true, Callbacks{})
	if err := endpoint.Send([]byte("x")); err != ErrNotConnected {
		t.Errorf("Send before connect = %v, want ErrNotConnected", err)
	}
	if err := endpoint.Flush(context.Background()); err != ErrNotConnected {
		t.Errorf("Flush before connect = %v, want ErrNotConnected", err)
	}
}

func TestMemorySendTooLarge(t *testing.T) {
	a, b := newEndpointHarness(), newEndpointHarness()
	wireMemoryPair(t, a, b)

	huge := make([]byte, maxMessageSize+1)
	if err := a.endpoint.Send(huge); err != ErrMessageTooLarge {
		t.Errorf("oversized Send = %v, want ErrMessageTooLarge", err)
	}
}

func TestMemoryCloseDisconnectsBothSides(t *testing.T) {
	a, b := newEndpointHarness(), newEndpointHarness()
	wireMemoryPair(t, a, b)

	a.endpoint.Close()
	testutil.RequireClosed(t, a.disconnected, 5*time.Second, "closer never saw disconnect")
	testutil.RequireClosed(t, b.disconnected, 5*time.Second, "peer never saw disconnect")

	if err := b.endpoint.Send([]byte("x")); err != ErrNotConnected {
		t.Errorf("Send after peer close = %v, want ErrNotConnected", err)
	}
}
