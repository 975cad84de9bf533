// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

var _ Endpoint = (*WebRTCEndpoint)(nil)

// channelLabel names the single data channel a transfer runs over.
const channelLabel = "flux-transfer"

// bufferedLowWater is the outbound buffer level below which Flush
// returns. Writers that Flush between chunks keep the SCTP buffer from
// growing without bound on fast-producer slow-network pairs.
const bufferedLowWater = 1024 * 1024

// WebRTCConfig configures one side of a peer connection.
type WebRTCConfig struct {
	// Initiator marks the side that opens the data channel and emits
	// the offer. Exactly one endpoint of a pair sets it.
	Initiator bool

	// ICEServers lists STUN/TURN URLs. Empty means host candidates
	// only, which is enough for same-network and loopback transfers.
	ICEServers []string

	// Trickle controls candidate signaling: emitted one by one as
	// discovered (true), or batched into the session description after
	// gathering completes (false).
	Trickle bool

	Logger *slog.Logger
}

// WebRTCEndpoint is the production Endpoint over a pion data channel.
type WebRTCEndpoint struct {
	config    WebRTCConfig
	callbacks Callbacks
	logger    *slog.Logger
	pc        *webrtc.PeerConnection

	mu      sync.Mutex
	channel *webrtc.DataChannel
	open    bool

	// pending queues remote candidates that arrive before the remote
	// description is set.
	pending    []webrtc.ICECandidateInit
	haveRemote bool

	drained chan struct{}

	connectedOnce    sync.Once
	disconnectedOnce sync.Once
}

// NewWebRTCEndpoint builds an endpoint. Call Start to begin
// negotiation; an initiator emits its offer from Start, a responder
// waits for the remote offer via Signal.
func NewWebRTCEndpoint(config WebRTCConfig, callbacks Callbacks) (*WebRTCEndpoint, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var iceServers []webrtc.ICEServer
	if len(config.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: config.ICEServers}}
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("transport: creating peer connection: %w", err)
	}

	endpoint := &WebRTCEndpoint{
		config:    config,
		callbacks: callbacks,
		logger:    config.Logger,
		pc:        pc,
		drained:   make(chan struct{}, 1),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || !config.Trickle {
			return
		}
		endpoint.emitCandidate(candidate.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		endpoint.logger.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			endpoint.emitError(fmt.Errorf("transport: peer connection failed"))
			endpoint.emitDisconnected()
		case webrtc.PeerConnectionStateClosed:
			endpoint.emitDisconnected()
		}
	})

	if !config.Initiator {
		pc.OnDataChannel(endpoint.bindChannel)
	}

	return endpoint, nil
}

// Start begins negotiation. The initiator opens the data channel and
// emits its offer; the responder does nothing until the offer arrives.
func (e *WebRTCEndpoint) Start() error {
	if !e.config.Initiator {
		return nil
	}

	ordered := true
	channel, err := e.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("transport: creating data channel: %w", err)
	}
	e.bindChannel(channel)

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("transport: creating offer: %w", err)
	}
	return e.setAndEmitLocalDescription(offer)
}

// setAndEmitLocalDescription applies desc locally and signals it to the
// peer: immediately under trickle ICE, or after candidate gathering
// completes otherwise.
func (e *WebRTCEndpoint) setAndEmitLocalDescription(desc webrtc.SessionDescription) error {
	if e.config.Trickle {
		if err := e.pc.SetLocalDescription(desc); err != nil {
			return fmt.Errorf("transport: setting local description: %w", err)
		}
		e.emitDescription(e.pc.LocalDescription())
		return nil
	}

	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("transport: setting local description: %w", err)
	}
	go func() {
		<-gathered
		e.emitDescription(e.pc.LocalDescription())
	}()
	return nil
}

// Signal feeds one remote signaling payload into the endpoint.
func (e *WebRTCEndpoint) Signal(payload []byte) error {
	var envelope signalEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("transport: unparseable signal payload: %w", err)
	}

	switch envelope.Kind {
	case signalKindDescription:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(envelope.Description, &desc); err != nil {
			return fmt.Errorf("transport: unparseable session description: %w", err)
		}
		return e.applyRemoteDescription(desc)

	case signalKindCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(envelope.Candidate, &candidate); err != nil {
			return fmt.Errorf("transport: unparseable candidate: %w", err)
		}
		return e.addCandidate(candidate)

	default:
		return fmt.Errorf("transport: unknown signal kind %q", envelope.Kind)
	}
}

func (e *WebRTCEndpoint) applyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("transport: setting remote description: %w", err)
	}

	e.mu.Lock()
	e.haveRemote = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, candidate := range queued {
		if err := e.pc.AddICECandidate(candidate); err != nil {
			e.logger.Warn("queued candidate rejected", "error", err)
		}
	}

	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("transport: creating answer: %w", err)
		}
		return e.setAndEmitLocalDescription(answer)
	}
	return nil
}

// addCandidate applies a remote candidate, queueing it when it arrives
// ahead of the remote description.
func (e *WebRTCEndpoint) addCandidate(candidate webrtc.ICECandidateInit) error {
	e.mu.Lock()
	if !e.haveRemote {
		e.pending = append(e.pending, candidate)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("transport: adding candidate: %w", err)
	}
	return nil
}

func (e *WebRTCEndpoint) bindChannel(channel *webrtc.DataChannel) {
	e.mu.Lock()
	e.channel = channel
	e.mu.Unlock()

	channel.SetBufferedAmountLowThreshold(bufferedLowWater)
	channel.OnBufferedAmountLow(func() {
		select {
		case e.drained <- struct{}{}:
		default:
		}
	})

	channel.OnOpen(func() {
		e.logger.Debug("data channel open", "label", channel.Label())
		e.mu.Lock()
		e.open = true
		e.mu.Unlock()
		e.connectedOnce.Do(func() {
			if e.callbacks.OnConnected != nil {
				e.callbacks.OnConnected()
			}
		})
	})

	channel.OnClose(func() {
		e.mu.Lock()
		e.open = false
		e.mu.Unlock()
		e.emitDisconnected()
	})

	channel.OnError(func(err error) {
		e.emitError(fmt.Errorf("transport: data channel: %w", err))
	})

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			if e.callbacks.OnText != nil {
				e.callbacks.OnText(string(msg.Data))
			}
			return
		}
		if e.callbacks.OnData != nil {
			e.callbacks.OnData(msg.Data)
		}
	})
}

// Send transmits one binary message over the data channel.
func (e *WebRTCEndpoint) Send(data []byte) error {
	if len(data) > maxMessageSize {
		return ErrMessageTooLarge
	}
	channel, ok := e.openChannel()
	if !ok {
		return ErrNotConnected
	}
	return channel.Send(data)
}

// SendText transmits one text message over the data channel.
func (e *WebRTCEndpoint) SendText(text string) error {
	if len(text) > maxMessageSize {
		return ErrMessageTooLarge
	}
	channel, ok := e.openChannel()
	if !ok {
		return ErrNotConnected
	}
	return channel.SendText(text)
}

// Flush blocks until the outbound buffer drains below the low-water
// mark.
func (e *WebRTCEndpoint) Flush(ctx context.Context) error {
	channel, ok := e.openChannel()
	if !ok {
		return ErrNotConnected
	}
	for channel.BufferedAmount() > bufferedLowWater {
		select {
		case <-e.drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close tears down the data channel and the peer connection.
func (e *WebRTCEndpoint) Close() error {
	e.mu.Lock()
	e.open = false
	channel := e.channel
	e.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	err := e.pc.Close()
	e.emitDisconnected()
	return err
}

func (e *WebRTCEndpoint) openChannel() (*webrtc.DataChannel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open || e.channel == nil {
		return nil, false
	}
	return e.channel, true
}

func (e *WebRTCEndpoint) emitDescription(desc *webrtc.SessionDescription) {
	encoded, err := json.Marshal(desc)
	if err != nil {
		e.emitError(fmt.Errorf("transport: encoding description: %w", err))
		return
	}
	payload, err := json.Marshal(signalEnvelope{Kind: signalKindDescription, Description: encoded})
	if err != nil {
		e.emitError(fmt.Errorf("transport: encoding signal envelope: %w", err))
		return
	}
	if e.callbacks.OnSignal != nil {
		e.callbacks.OnSignal(payload)
	}
}

func (e *WebRTCEndpoint) emitCandidate(candidate webrtc.ICECandidateInit) {
	encoded, err := json.Marshal(candidate)
	if err != nil {
		e.emitError(fmt.Errorf("transport: encoding candidate: %w", err))
		return
	}
	payload, err := json.Marshal(signalEnvelope{Kind: signalKindCandidate, Candidate: encoded})
	if err != nil {
		e.emitError(fmt.Errorf("transport: encoding signal envelope: %w", err))
		return
	}
	if e.callbacks.OnSignal != nil {
		e.callbacks.OnSignal(payload)
	}
}

func (e *WebRTCEndpoint) emitError(err error) {
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(err)
	}
}

func (e *WebRTCEndpoint) emitDisconnected() {
	e.disconnectedOnce.Do(func() {
		if e.callbacks.OnDisconnected != nil {
			e.callbacks.OnDisconnected()
		}
	})
}
