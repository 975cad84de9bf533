// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import "encoding/json"

// Message types sent by clients.
const (
	TypeGenerateCode      = "generate_code"
	TypeJoinRoom          = "join_room"
	TypeWebRTCOffer       = "webrtc_offer"
	TypeWebRTCAnswer      = "webrtc_answer"
	TypeICECandidate      = "ice_candidate"
	TypeLockConnection    = "lock_connection"
	TypeReconnectWithLock = "reconnect_with_lock"
	TypeTransferStatus    = "transfer_status"
)

// Message types sent by the broker.
const (
	TypeCodeGenerated    = "code_generated"
	TypePeerJoined       = "peer_joined"
	TypePeerLeft         = "peer_left"
	TypeConnectionLocked = "connection_locked"
	TypePeerStatus       = "peer_status"
	TypeError            = "error"
)

// Peer roles. A room holds at most one of each.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// Message is the wire envelope for every frame exchanged with the
// broker. Type selects which of the optional fields are meaningful;
// unused fields are omitted from the encoded JSON.
//
// Offer, answer, and candidate payloads travel in Payload and are never
// parsed by the broker. The broker only stamps FromPeerID on relayed
// frames so the recipient can tell who is talking.
type Message struct {
	Type string `json:"type"`

	// Code is the rendezvous code for generate_code and join_room,
	// and doubles as the machine-readable error code on error frames.
	Code string `json:"code,omitempty"`

	// Role accompanies join_room and peer_joined.
	Role string `json:"role,omitempty"`

	// PeerID names the subject peer: the joining peer on peer_joined,
	// the departing peer on peer_left, the peer to lock on
	// lock_connection.
	PeerID string `json:"peer_id,omitempty"`

	// FromPeerID is stamped by the broker on relayed frames.
	FromPeerID string `json:"from_peer_id,omitempty"`

	// Payload carries the opaque session description or ICE candidate
	// on webrtc_offer, webrtc_answer, and ice_candidate.
	Payload json.RawMessage `json:"payload,omitempty"`

	// LockID identifies a connection lock on connection_locked and
	// reconnect_with_lock.
	LockID string `json:"lock_id,omitempty"`

	// ExpiresAt is the lock expiry as a Unix timestamp in seconds on
	// connection_locked.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// Status, Progress, and Speed carry transfer telemetry on
	// transfer_status and peer_status. Progress is a fraction in
	// [0, 1]; Speed is bytes per second.
	Status   string  `json:"status,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Speed    float64 `json:"speed,omitempty"`

	// Text is the human-readable description on error frames.
	Text string `json:"message,omitempty"`
}

// ErrorMessage builds an error frame with the given wire code and
// human-readable description.
func ErrorMessage(code, text string) Message {
	return Message{Type: TypeError, Code: code, Text: text}
}
