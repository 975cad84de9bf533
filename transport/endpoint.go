// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the reliable ordered datagram channel the
// transfer engine runs over.
//
// An Endpoint is one side of a peer-to-peer channel. Session
// descriptions and ICE candidates leave through the OnSignal callback
// and arrive through Signal; the transfer engine shuttles them across
// the signaling broker without looking inside. Once the channel opens,
// Send and SendText deliver ordered reliable messages.
//
// WebRTCEndpoint is the production implementation over pion data
// channels. MemoryEndpoint pairs two in-process endpoints for tests.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// maxMessageSize bounds a single datagram. SCTP implementations
// commonly cap messages at 16 MiB; larger payloads must be chunked by
// the caller.
const maxMessageSize = 16 * 1024 * 1024

var (
	// ErrNotConnected is returned by Send and SendText before the
	// channel opens or after it closes.
	ErrNotConnected = errors.New("transport: data channel not connected")

	// ErrMessageTooLarge is returned for payloads over the per-message
	// cap.
	ErrMessageTooLarge = errors.New("transport: message exceeds 16MiB limit")
)

// Callbacks receive endpoint events. All callbacks are optional; nil
// entries are skipped. Callbacks fire from the endpoint's internal
// goroutines, one at a time per endpoint.
type Callbacks struct {
	// OnSignal emits a locally generated signaling payload (session
	// description or ICE candidate) that must reach the remote
	// endpoint's Signal method.
	OnSignal func(payload []byte)

	// OnConnected fires once when the data channel opens.
	OnConnected func()

	// OnData receives one binary message.
	OnData func(data []byte)

	// OnText receives one text message.
	OnText func(text string)

	// OnDisconnected fires once when the channel closes, however that
	// happens.
	OnDisconnected func()

	// OnError reports a fatal endpoint failure.
	OnError func(err error)
}

// Endpoint is one side of a reliable ordered peer-to-peer channel.
type Endpoint interface {
	// Start begins connection establishment. Initiator endpoints
	// produce their opening signal payload from here.
	Start() error

	// Signal delivers a payload emitted by the remote endpoint's
	// OnSignal callback.
	Signal(payload []byte) error

	// Send transmits one binary message.
	Send(data []byte) error

	// SendText transmits one text message.
	SendText(text string) error

	// Flush blocks until buffered outbound data drains below the
	// endpoint's low-water mark, or ctx ends.
	Flush(ctx context.Context) error

	// Close tears the channel down.
	Close() error
}

// Signal payload kinds exchanged between endpoints.
const (
	signalKindDescription = "description"
	signalKindCandidate   = "candidate"
)

// signalEnvelope is the JSON shape of every signaling payload an
// endpoint emits: a session description or one ICE candidate.
type signalEnvelope struct {
	Kind        string          `json:"kind"`
	Description json.RawMessage `json:"description,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}
