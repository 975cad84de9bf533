// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/hyuraku/flux/lib/clock"
	"github.com/hyuraku/flux/lib/config"
	"github.com/hyuraku/flux/signaling"
	"github.com/hyuraku/flux/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSessionBroker(t *testing.T) string {
	t.Helper()
	broker := signaling.NewServer(config.Default().Broker, clock.Real(), testLogger())
	ts := httptest.NewServer(broker.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func memoryFactory(network *transport.MemoryNetwork) EndpointFactory {
	return func(initiator bool, callbacks transport.Callbacks) (transport.Endpoint, error) {
		return network.Endpoint(initiator, callbacks), nil
	}
}

// waitFor drains the session's event stream until an event of the
// wanted kind arrives. An unexpected error event fails the test.
func waitFor(t *testing.T, s *Session, want EventKind) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case event := <-s.Events():
			if event.Kind == EventError && want != EventError {
				t.Fatalf("session failed while waiting for %s: %v", want, event.Err)
			}
			if event.Kind == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

// waitForState drains events until the session reports the wanted
// state.
func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case event := <-s.Events():
			if event.Kind == EventError && want != StateError {
				t.Fatalf("session failed while waiting for state %s: %v", want, event.Err)
			}
			if event.Kind == EventState && event.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, currently %s", want, s.State())
		}
	}
}

func startPair(t *testing.T, brokerURL string, senderOpts, receiverOpts Options, files []File) (*Session, *Session) {
	t.Helper()
	network := transport.NewMemoryNetwork()
	factory := memoryFactory(network)

	receiverOpts.BrokerURL = brokerURL
	receiverOpts.EndpointFactory = factory
	receiverOpts.Logger = testLogger()
	receiver, err := NewReceiver(receiverOpts)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if err := receiver.Start(context.Background()); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}
	t.Cleanup(receiver.Close)

	code := waitFor(t, receiver, EventCode).Code

	senderOpts.BrokerURL = brokerURL
	senderOpts.Code = code
	senderOpts.EndpointFactory = factory
	senderOpts.Logger = testLogger()
	sender, err := NewSender(senderOpts, files)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("sender Start: %v", err)
	}
	t.Cleanup(sender.Close)

	return sender, receiver
}

func TestSessionValidation(t *testing.T) {
	if _, err := NewReceiver(Options{}); err == nil {
		t.Error("NewReceiver accepted empty broker URL")
	}
	if _, err := NewSender(Options{BrokerURL: "ws://x/ws"}, []File{{Name: "a"}}); err == nil {
		t.Error("NewSender accepted empty code")
	}
	if _, err := NewSender(Options{BrokerURL: "ws://x/ws", Code: "111222"}, nil); err == nil {
		t.Error("NewSender accepted empty file list")
	}
}

func TestSessionTransfersSingleFile(t *testing.T) {
	payload := bytes.Repeat([]byte("flux"), 20_000)
	files := []File{{Name: "report.bin", Type: "application/octet-stream", Data: payload}}

	sender, receiver := startPair(t, newSessionBroker(t), Options{ChunkSize: 4096}, Options{}, files)

	received := waitFor(t, receiver, EventFileReceived).Received
	if received.Name != "report.bin" {
		t.Errorf("received name = %q, want report.bin", received.Name)
	}
	if !bytes.Equal(received.Data, payload) {
		t.Errorf("received %d bytes that differ from the %d sent", len(received.Data), len(payload))
	}
	digest := blake3.Sum256(payload)
	if received.Digest != hex.EncodeToString(digest[:]) {
		t.Errorf("digest = %s, want %s", received.Digest, hex.EncodeToString(digest[:]))
	}

	waitForState(t, receiver, StateCompleted)
	waitForState(t, sender, StateCompleted)
}

func TestSessionTransfersMultipleFiles(t *testing.T) {
	files := []File{
		{Name: "one.txt", Type: "text/plain", Data: []byte("first")},
		{Name: "two.txt", Type: "text/plain", Data: bytes.Repeat([]byte("2"), 10_000)},
		{Name: "three.txt", Type: "text/plain", Data: []byte("third")},
	}

	sender, receiver := startPair(t, newSessionBroker(t), Options{ChunkSize: 1024}, Options{}, files)

	for _, want := range files {
		received := waitFor(t, receiver, EventFileReceived).Received
		if received.Name != want.Name {
			t.Fatalf("received %q, want %q", received.Name, want.Name)
		}
		if !bytes.Equal(received.Data, want.Data) {
			t.Errorf("%q: content mismatch", want.Name)
		}
	}
	waitForState(t, receiver, StateCompleted)
	waitForState(t, sender, StateCompleted)
}

func TestSessionCompressedTransferRestoresData(t *testing.T) {
	// Repetitive and inside the compression window, so the sender
	// compresses every chunk.
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	files := []File{{Name: "log.txt", Type: "text/plain", Data: payload}}

	sender, receiver := startPair(t, newSessionBroker(t),
		Options{ChunkSize: 8192, Compression: true}, Options{}, files)

	received := waitFor(t, receiver, EventFileReceived).Received
	if !bytes.Equal(received.Data, payload) {
		t.Error("decompressed content differs from the original")
	}
	if received.Size != uint64(len(payload)) {
		t.Errorf("received size = %d, want %d", received.Size, len(payload))
	}
	waitForState(t, receiver, StateCompleted)
	waitForState(t, sender, StateCompleted)
}

func TestSessionZeroByteFile(t *testing.T) {
	files := []File{{Name: "empty.txt", Type: "text/plain", Data: nil}}

	sender, receiver := startPair(t, newSessionBroker(t), Options{}, Options{}, files)

	received := waitFor(t, receiver, EventFileReceived).Received
	if len(received.Data) != 0 || received.Size != 0 {
		t.Errorf("empty file arrived with %d bytes", len(received.Data))
	}
	waitForState(t, receiver, StateCompleted)
	waitForState(t, sender, StateCompleted)
}

func TestSessionEncryptionMismatchFails(t *testing.T) {
	files := []File{{Name: "secret.bin", Data: []byte("payload")}}

	_, receiver := startPair(t, newSessionBroker(t),
		Options{Encryption: true}, Options{}, files)

	event := waitFor(t, receiver, EventError)
	if event.Err == nil || !strings.Contains(event.Err.Error(), "encryption mismatch") {
		t.Errorf("error = %v, want encryption mismatch", event.Err)
	}
	waitForState(t, receiver, StateError)
}

func TestSessionReceiverPresetCode(t *testing.T) {
	brokerURL := newSessionBroker(t)

	receiver, err := NewReceiver(Options{
		BrokerURL: brokerURL,
		Code:      "424242",
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if err := receiver.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(receiver.Close)

	if code := waitFor(t, receiver, EventCode).Code; code != "424242" {
		t.Errorf("code = %q, want the preset 424242", code)
	}
	if receiver.Code() != "424242" {
		t.Errorf("Code() = %q, want 424242", receiver.Code())
	}
}

func TestSessionSenderFailsOnDeadCode(t *testing.T) {
	brokerURL := newSessionBroker(t)

	receiver, err := NewReceiver(Options{BrokerURL: brokerURL, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if err := receiver.Start(context.Background()); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}
	code := waitFor(t, receiver, EventCode).Code

	// Cancelling the receiver empties the room, which expires the code.
	receiver.Cancel()
	waitForState(t, receiver, StateCancelled)

	sender, err := NewSender(Options{
		BrokerURL:       brokerURL,
		Code:            code,
		EndpointFactory: memoryFactory(transport.NewMemoryNetwork()),
		Logger:          testLogger(),
	}, []File{{Name: "f", Data: []byte("x")}})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("sender Start: %v", err)
	}
	t.Cleanup(sender.Close)

	event := waitFor(t, sender, EventError)
	if !signaling.IsBrokerError(event.Err, signaling.ErrCodeInvalidCode) &&
		!signaling.IsBrokerError(event.Err, signaling.ErrCodePeerDisconnected) {
		t.Errorf("error = %v, want INVALID_CODE or PEER_DISCONNECTED broker error", event.Err)
	}
	waitForState(t, sender, StateError)
}

func TestSessionCancelBeforePeerArrives(t *testing.T) {
	brokerURL := newSessionBroker(t)

	receiver, err := NewReceiver(Options{BrokerURL: brokerURL, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if err := receiver.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, receiver, EventCode)
	waitForState(t, receiver, StateWaiting)

	receiver.Cancel()
	waitForState(t, receiver, StateCancelled)

	// Terminal states absorb later transitions.
	receiver.Cancel()
	if state := receiver.State(); state != StateCancelled {
		t.Errorf("state after double Cancel = %s, want cancelled", state)
	}
}

func TestSessionStartTwiceFails(t *testing.T) {
	brokerURL := newSessionBroker(t)

	receiver, err := NewReceiver(Options{BrokerURL: brokerURL, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if err := receiver.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	t.Cleanup(receiver.Close)

	if err := receiver.Start(context.Background()); err == nil {
		t.Error("second Start succeeded, want error")
	}
}
