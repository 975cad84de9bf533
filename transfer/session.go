// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/hyuraku/flux/lib/clock"
	"github.com/hyuraku/flux/signaling"
	"github.com/hyuraku/flux/transport"
)

// State names one phase of a transfer session's lifecycle. Completed,
// cancelled, and error are terminal; a session never leaves them.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateWaiting      State = "waiting"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateError        State = "error"
)

// Terminal reports whether s is a terminal state, one a session never
// leaves.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// EventKind discriminates the session event stream.
type EventKind string

const (
	// EventState reports a lifecycle transition.
	EventState EventKind = "state"

	// EventCode carries the transfer code once the broker has bound it.
	// Receivers surface it here so it can be shown to the sender's
	// human.
	EventCode EventKind = "code"

	// EventProgress reports per-file transfer progress.
	EventProgress EventKind = "progress"

	// EventFileReceived carries a fully reassembled file.
	EventFileReceived EventKind = "file_received"

	// EventFileSent reports that every chunk of a file has been
	// handed to the transport.
	EventFileSent EventKind = "file_sent"

	// EventPeerStatus relays the remote peer's reported status.
	EventPeerStatus EventKind = "peer_status"

	// EventError carries the failure that moved the session into
	// StateError.
	EventError EventKind = "error"
)

// Event is one entry in the session's event stream. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind     EventKind
	State    State
	Code     string
	File     string
	Fraction float64
	Speed    float64
	Received *ReceivedFile
	Status   string
	Err      error
}

// ReceivedFile is a reassembled, decompressed file with its BLAKE3
// digest.
type ReceivedFile struct {
	Name   string
	Type   string
	Data   []byte
	Size   uint64
	Digest string
}

// File is one payload queued for sending.
type File struct {
	Name string
	Type string
	Data []byte
}

// Defaults and pacing for the sending side.
const (
	defaultChunkSize = 16 * 1024

	// metadataSettleDelay gives the receiver a moment to set up its
	// accumulator before chunks follow the metadata frame.
	metadataSettleDelay = 100 * time.Millisecond

	// statusInterval paces transfer_status frames to the broker.
	statusInterval = 500 * time.Millisecond

	// eventBuffer sizes the session event channel. Emission never
	// blocks; a reader that falls this far behind loses events.
	eventBuffer = 1024
)

// Control frame types exchanged as text messages on the data channel.
const (
	controlFileMetadata     = "file_metadata"
	controlTransferComplete = "transfer_complete"
)

// controlFrame is the JSON shape of every text message on the data
// channel.
type controlFrame struct {
	Type       string    `json:"type"`
	Metadata   *Metadata `json:"metadata,omitempty"`
	Compressed bool      `json:"compressed,omitempty"`
	Encrypted  bool      `json:"encrypted,omitempty"`
}

// EndpointFactory builds the peer-to-peer endpoint for a session.
// Tests substitute MemoryNetwork endpoints; production uses WebRTC.
type EndpointFactory func(initiator bool, callbacks transport.Callbacks) (transport.Endpoint, error)

// Options configures a Session.
type Options struct {
	// BrokerURL is the signaling broker's websocket endpoint.
	BrokerURL string

	// Code is the transfer code. Senders must set it to the code they
	// redeem; receivers usually leave it empty and learn a minted code
	// from the broker, or set it to claim that code.
	Code string

	// ChunkSize overrides the file slicing granularity. Zero selects
	// the 16 KiB default.
	ChunkSize uint32

	// Compression enables per-chunk gzip for files inside the
	// compression window.
	Compression bool

	// Encryption marks outgoing metadata as encrypted. The payload
	// pipeline is unchanged; a receiver whose setting differs from the
	// sender's fails the transfer at the metadata stage.
	Encryption bool

	// ICEServers are STUN/TURN URLs for the WebRTC endpoint.
	ICEServers []string

	// Trickle enables incremental ICE candidate exchange.
	Trickle bool

	// Clock drives pacing and speed estimation. Defaults to the real
	// clock.
	Clock clock.Clock

	Logger *slog.Logger

	// EndpointFactory overrides endpoint construction. Nil selects
	// WebRTC.
	EndpointFactory EndpointFactory
}

// Session drives one file transfer end to end: broker signaling,
// peer-to-peer channel establishment, and the chunk stream itself.
// Create one with NewSender or NewReceiver, call Start, and consume
// Events until a terminal state arrives.
type Session struct {
	opts   Options
	files  []File
	sender bool

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	client   *signaling.Client
	endpoint transport.Endpoint
	selfID   string
	peerID   string
	code     string
	acc      *Accumulator
	speed    *SpeedTracker
}

// NewSender returns a session that will redeem opts.Code and stream
// files to the receiver that minted it.
func NewSender(opts Options, files []File) (*Session, error) {
	if opts.Code == "" {
		return nil, fmt.Errorf("transfer: sender requires a transfer code")
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("transfer: no files to send")
	}
	return newSession(opts, files, true)
}

// NewReceiver returns a session that will mint a transfer code and
// wait for a sender to redeem it.
func NewReceiver(opts Options) (*Session, error) {
	return newSession(opts, nil, false)
}

func newSession(opts Options, files []File, sender bool) (*Session, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("transfer: broker URL is required")
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		opts:   opts,
		files:  files,
		sender: sender,
		events: make(chan Event, eventBuffer),
		state:  StateIdle,
		code:   opts.Code,
	}, nil
}

// Events returns the session's event stream. The channel is never
// closed; a terminal EventState marks the end of meaningful traffic.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start connects to the broker and begins the session. Receivers
// request a code; senders redeem theirs. Progress is reported through
// Events.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("transfer: session already started")
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.emit(Event{Kind: EventState, State: StateConnecting})

	s.ctx, s.cancel = context.WithCancel(ctx)

	// Senders bind to the room they are redeeming. Receivers usually
	// connect unbound and let the broker mint their code, but a preset
	// code binds the same way.
	client, err := signaling.NewClient(signaling.ClientOptions{
		BrokerURL: s.opts.BrokerURL,
		RoomID:    s.opts.Code,
		Handler:   s.handleBroker,
		OnClose:   s.handleBrokerClose,
		Clock:     s.opts.Clock,
		Logger:    s.opts.Logger,
	})
	if err != nil {
		return err
	}
	if err := client.Connect(s.ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	var first signaling.Message
	if s.sender {
		first = signaling.Message{Type: signaling.TypeJoinRoom, Code: s.opts.Code}
	} else {
		first = signaling.Message{Type: signaling.TypeGenerateCode}
	}
	if err := client.Send(first); err != nil {
		s.teardown()
		return err
	}
	return nil
}

// Cancel aborts the session. It is safe to call at any time; after a
// terminal state it does nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.mu.Unlock()

	s.emit(Event{Kind: EventState, State: StateCancelled})
	s.teardown()
}

// Close releases the session's connections without disturbing a
// terminal state. A still-running session is cancelled.
func (s *Session) Close() {
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if !terminal {
		s.Cancel()
		return
	}
	s.teardown()
}

// Code returns the transfer code once known, or empty.
func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	endpoint := s.endpoint
	client := s.client
	s.mu.Unlock()
	if endpoint != nil {
		endpoint.Close()
	}
	if client != nil {
		client.Close()
	}
}

// fail moves the session into StateError. Later failures are dropped;
// only the first one is reported.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.mu.Unlock()

	s.opts.Logger.Error("transfer failed", "error", err)
	s.emit(Event{Kind: EventError, Err: err})
	s.emit(Event{Kind: EventState, State: StateError})
	go s.teardown()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.emit(Event{Kind: EventState, State: state})
}

// emit never blocks. A reader that stops draining loses events rather
// than wedging the transfer goroutines.
func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.opts.Logger.Warn("event dropped, consumer not keeping up", "kind", event.Kind)
	}
}

// --- broker side ---

func (s *Session) handleBroker(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeCodeGenerated:
		s.mu.Lock()
		s.code = msg.Code
		s.selfID = msg.PeerID
		s.mu.Unlock()
		s.emit(Event{Kind: EventCode, Code: msg.Code})
		s.setState(StateWaiting)

	case signaling.TypePeerJoined:
		s.handlePeerJoined(msg)

	case signaling.TypeWebRTCOffer:
		s.handleOffer(msg)

	case signaling.TypeWebRTCAnswer, signaling.TypeICECandidate:
		s.mu.Lock()
		endpoint := s.endpoint
		s.mu.Unlock()
		if endpoint == nil {
			s.opts.Logger.Debug("dropping signal before endpoint exists", "type", msg.Type)
			return
		}
		if err := endpoint.Signal(msg.Payload); err != nil {
			s.fail(fmt.Errorf("transfer: applying %s: %w", msg.Type, err))
		}

	case signaling.TypePeerStatus:
		s.emit(Event{Kind: EventPeerStatus, Status: msg.Status, Fraction: msg.Progress, Speed: msg.Speed})

	case signaling.TypePeerLeft:
		s.opts.Logger.Info("peer left room", "peer_id", msg.PeerID)

	case signaling.TypeError:
		s.handleBrokerError(msg)

	default:
		s.opts.Logger.Debug("ignoring broker frame", "type", msg.Type)
	}
}

func (s *Session) handlePeerJoined(msg signaling.Message) {
	if s.sender {
		// The first peer_joined confirms our own join; the offer
		// arrives next.
		s.mu.Lock()
		if s.selfID == "" {
			s.selfID = msg.PeerID
		}
		s.mu.Unlock()
		s.setState(StateWaiting)
		return
	}

	s.mu.Lock()
	self := s.selfID
	already := s.endpoint != nil
	s.mu.Unlock()
	if msg.PeerID == self || already {
		return
	}

	s.mu.Lock()
	s.peerID = msg.PeerID
	s.mu.Unlock()

	endpoint, err := s.buildEndpoint(true)
	if err != nil {
		s.fail(err)
		return
	}
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	if err := endpoint.Start(); err != nil {
		s.fail(fmt.Errorf("transfer: starting endpoint: %w", err))
	}
}

func (s *Session) handleOffer(msg signaling.Message) {
	if !s.sender {
		s.opts.Logger.Warn("receiver got an offer, dropping")
		return
	}

	s.mu.Lock()
	if s.endpoint == nil {
		s.peerID = msg.FromPeerID
	}
	endpoint := s.endpoint
	s.mu.Unlock()

	if endpoint == nil {
		built, err := s.buildEndpoint(false)
		if err != nil {
			s.fail(err)
			return
		}
		s.mu.Lock()
		s.endpoint = built
		s.mu.Unlock()
		if err := built.Start(); err != nil {
			s.fail(fmt.Errorf("transfer: starting endpoint: %w", err))
			return
		}
		endpoint = built
	}

	if err := endpoint.Signal(msg.Payload); err != nil {
		s.fail(fmt.Errorf("transfer: applying offer: %w", err))
	}
}

func (s *Session) handleBrokerError(msg signaling.Message) {
	if msg.Code == signaling.ErrCodePeerDisconnected {
		s.mu.Lock()
		terminal := s.state.Terminal()
		s.mu.Unlock()
		if terminal {
			return
		}
	}
	s.fail(&signaling.BrokerError{Code: msg.Code, Text: msg.Text})
}

func (s *Session) handleBrokerClose(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	transferring := s.state == StateTransferring
	s.mu.Unlock()
	// Once the data channel carries the transfer, the broker is only
	// needed for status frames; losing it is not fatal.
	if transferring {
		s.opts.Logger.Warn("broker connection lost mid-transfer", "error", err)
		return
	}
	s.fail(fmt.Errorf("transfer: broker connection lost: %w", err))
}

// --- endpoint side ---

func (s *Session) buildEndpoint(initiator bool) (transport.Endpoint, error) {
	callbacks := transport.Callbacks{
		OnSignal:       func(payload []byte) { s.relaySignal(initiator, payload) },
		OnConnected:    s.handleConnected,
		OnData:         s.handleData,
		OnText:         s.handleText,
		OnDisconnected: s.handleDisconnected,
		OnError: func(err error) {
			s.fail(fmt.Errorf("transfer: endpoint: %w", err))
		},
	}
	if s.opts.EndpointFactory != nil {
		return s.opts.EndpointFactory(initiator, callbacks)
	}
	return transport.NewWebRTCEndpoint(transport.WebRTCConfig{
		Initiator:  initiator,
		ICEServers: s.opts.ICEServers,
		Trickle:    s.opts.Trickle,
		Logger:     s.opts.Logger,
	}, callbacks)
}

// relaySignal forwards a locally generated signaling payload through
// the broker, typed by what the payload is: the initiator's
// description is the offer, the responder's the answer, and candidates
// are candidates either way.
func (s *Session) relaySignal(initiator bool, payload []byte) {
	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.fail(fmt.Errorf("transfer: malformed signal payload: %w", err))
		return
	}

	msgType := signaling.TypeICECandidate
	if envelope.Kind == "description" {
		if initiator {
			msgType = signaling.TypeWebRTCOffer
		} else {
			msgType = signaling.TypeWebRTCAnswer
		}
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.Send(signaling.Message{Type: msgType, Payload: payload}); err != nil {
		if !errors.Is(err, signaling.ErrClientClosed) {
			s.fail(fmt.Errorf("transfer: relaying %s: %w", msgType, err))
		}
	}
}

func (s *Session) handleConnected() {
	s.mu.Lock()
	s.speed = NewSpeedTracker(s.opts.Clock)
	s.mu.Unlock()
	s.setState(StateTransferring)
	if s.sender {
		go s.sendFiles()
	}
}

func (s *Session) handleDisconnected() {
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		return
	}
	s.fail(fmt.Errorf("transfer: peer connection closed before completion"))
}

// handleText processes a control frame. A frame that is not valid JSON
// is logged and dropped.
func (s *Session) handleText(text string) {
	var frame controlFrame
	if err := json.Unmarshal([]byte(text), &frame); err != nil {
		s.opts.Logger.Warn("dropping malformed control frame", "error", err)
		return
	}

	switch frame.Type {
	case controlFileMetadata:
		if frame.Metadata == nil {
			s.fail(fmt.Errorf("transfer: file_metadata frame without metadata"))
			return
		}
		s.beginFile(*frame.Metadata, frame.Encrypted)

	case controlTransferComplete:
		s.finishReceive()

	default:
		s.opts.Logger.Debug("ignoring control frame", "type", frame.Type)
	}
}

func (s *Session) beginFile(meta Metadata, encrypted bool) {
	if encrypted != s.opts.Encryption {
		s.fail(fmt.Errorf("transfer: encryption mismatch: peer sent encrypted=%v", encrypted))
		return
	}

	s.mu.Lock()
	if s.acc != nil && !s.acc.Complete() {
		prev := s.acc.Metadata().FileName
		s.mu.Unlock()
		s.fail(fmt.Errorf("transfer: metadata for %q while %q is incomplete", meta.FileName, prev))
		return
	}
	s.acc = NewAccumulator(meta)
	s.speed = NewSpeedTracker(s.opts.Clock)
	s.mu.Unlock()

	s.opts.Logger.Info("receiving file",
		"name", meta.FileName, "size", meta.TotalSize, "chunks", meta.TotalChunks,
		"compressed", meta.Compressed)

	// Zero-byte files carry no chunks; complete them immediately.
	if meta.TotalChunks == 0 {
		s.completeFile()
	}
}

// handleData processes one binary message. A message that parses as a
// control frame of a known type is handled as one; anything else is a
// chunk frame, and a frame too short to carry a header is logged and
// dropped.
func (s *Session) handleData(data []byte) {
	var frame controlFrame
	if json.Unmarshal(data, &frame) == nil &&
		(frame.Type == controlFileMetadata || frame.Type == controlTransferComplete) {
		s.handleText(string(data))
		return
	}

	s.mu.Lock()
	acc := s.acc
	s.mu.Unlock()
	if acc == nil {
		s.fail(fmt.Errorf("transfer: chunk before file metadata"))
		return
	}

	chunk, err := UnmarshalChunk(data)
	if err != nil {
		s.opts.Logger.Warn("dropping malformed chunk frame", "error", err)
		return
	}
	if acc.Metadata().Compressed {
		restored, err := DecompressChunk(chunk.Payload)
		if err != nil {
			s.fail(fmt.Errorf("transfer: chunk %d: %w", chunk.Index, err))
			return
		}
		chunk.Payload = restored
	}

	s.mu.Lock()
	if !acc.Add(chunk) {
		s.mu.Unlock()
		s.opts.Logger.Warn("dropping duplicate or out-of-range chunk", "index", chunk.Index)
		return
	}
	progress := acc.Progress()
	rate := s.speed.Update(acc.bytes)
	complete := acc.Complete()
	s.mu.Unlock()

	s.emit(Event{
		Kind:     EventProgress,
		File:     acc.Metadata().FileName,
		Fraction: progress,
		Speed:    rate,
	})

	if complete {
		s.completeFile()
	}
}

func (s *Session) completeFile() {
	s.mu.Lock()
	acc := s.acc
	s.mu.Unlock()

	data, err := acc.Merge()
	if err != nil {
		s.fail(err)
		return
	}
	meta := acc.Metadata()
	if uint64(len(data)) != meta.TotalSize {
		s.fail(fmt.Errorf("transfer: %q reassembled to %d bytes, metadata says %d",
			meta.FileName, len(data), meta.TotalSize))
		return
	}

	digest := blake3.Sum256(data)
	s.emit(Event{Kind: EventFileReceived, Received: &ReceivedFile{
		Name:   meta.FileName,
		Type:   meta.FileType,
		Data:   data,
		Size:   meta.TotalSize,
		Digest: hex.EncodeToString(digest[:]),
	}})
}

func (s *Session) finishReceive() {
	s.mu.Lock()
	incomplete := s.acc != nil && !s.acc.Complete()
	s.mu.Unlock()
	if incomplete {
		s.fail(fmt.Errorf("transfer: transfer_complete with chunks still missing"))
		return
	}
	s.setState(StateCompleted)
}

// --- sending ---

func (s *Session) sendFiles() {
	s.mu.Lock()
	endpoint := s.endpoint
	s.mu.Unlock()

	for _, file := range s.files {
		if err := s.sendFile(endpoint, file); err != nil {
			if s.ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		s.emit(Event{Kind: EventFileSent, File: file.Name})
	}

	done, err := json.Marshal(controlFrame{Type: controlTransferComplete})
	if err != nil {
		s.fail(err)
		return
	}
	if err := endpoint.SendText(string(done)); err != nil {
		s.fail(fmt.Errorf("transfer: sending completion: %w", err))
		return
	}
	if err := endpoint.Flush(s.ctx); err != nil && s.ctx.Err() == nil {
		s.fail(fmt.Errorf("transfer: draining channel: %w", err))
		return
	}
	s.setState(StateCompleted)
}

func (s *Session) sendFile(endpoint transport.Endpoint, file File) error {
	compressed := s.opts.Compression && ShouldCompress(uint64(len(file.Data)))
	meta := NewMetadata(file.Name, file.Type, uint64(len(file.Data)), s.opts.ChunkSize, compressed)

	frame, err := json.Marshal(controlFrame{
		Type:       controlFileMetadata,
		Metadata:   &meta,
		Compressed: compressed,
		Encrypted:  s.opts.Encryption,
	})
	if err != nil {
		return err
	}
	if err := endpoint.SendText(string(frame)); err != nil {
		return fmt.Errorf("transfer: sending metadata for %q: %w", file.Name, err)
	}
	s.opts.Clock.Sleep(metadataSettleDelay)

	s.mu.Lock()
	s.speed = NewSpeedTracker(s.opts.Clock)
	s.mu.Unlock()

	var sentBytes uint64
	lastStatus := s.opts.Clock.Now()
	splitter := Split(file.Data, s.opts.ChunkSize)
	for {
		chunk, ok := splitter.Next()
		if !ok {
			break
		}
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}

		wire := chunk
		if compressed {
			packed, err := CompressChunk(chunk.Payload)
			if err != nil {
				return fmt.Errorf("transfer: compressing chunk %d of %q: %w", chunk.Index, file.Name, err)
			}
			wire.Payload = packed
		}
		if err := endpoint.Send(wire.Marshal()); err != nil {
			return fmt.Errorf("transfer: sending chunk %d of %q: %w", chunk.Index, file.Name, err)
		}
		if err := endpoint.Flush(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			return fmt.Errorf("transfer: draining channel: %w", err)
		}

		sentBytes += uint64(chunk.Size)
		fraction := 1.0
		if meta.TotalSize > 0 {
			fraction = float64(sentBytes) / float64(meta.TotalSize)
		}
		s.mu.Lock()
		rate := s.speed.Update(sentBytes)
		s.mu.Unlock()
		s.emit(Event{Kind: EventProgress, File: file.Name, Fraction: fraction, Speed: rate})

		if now := s.opts.Clock.Now(); now.Sub(lastStatus) >= statusInterval {
			lastStatus = now
			s.reportStatus(fraction, rate)
		}
	}
	return nil
}

// reportStatus tells the broker how the transfer is going, so the
// peer's UI can mirror it. Failures are ignored; the broker is
// best-effort once the data channel is up.
func (s *Session) reportStatus(fraction, rate float64) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}
	_ = client.Send(signaling.Message{
		Type:     signaling.TypeTransferStatus,
		Status:   "transferring",
		Progress: fraction,
		Speed:    rate,
	})
}
