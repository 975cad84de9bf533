// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyuraku/flux/lib/clock"
)

// Errors reported by room membership operations. The server maps these
// onto wire error codes.
var (
	// ErrRoomFull is returned when a room already holds two peers, or
	// holds one peer with the same role as the joiner.
	ErrRoomFull = errors.New("signaling: room full")

	// ErrLockExpired is returned when a connection lock exists but its
	// TTL has elapsed.
	ErrLockExpired = errors.New("signaling: connection lock expired")

	// ErrLockNotFound is returned when no connection lock has the
	// given ID.
	ErrLockNotFound = errors.New("signaling: connection lock not found")
)

// MessageSender delivers a broker frame to one connected peer. The
// websocket connection implements it in production; tests substitute
// channels.
type MessageSender interface {
	SendMessage(Message) error
}

// Peer is one side of a rendezvous room.
type Peer struct {
	ID   string
	Role string
	Conn MessageSender
}

// ConnectionLock is a single-use reconnection token. A peer that
// anticipates a drop locks its slot; the lock can be redeemed once
// within its TTL to transplant the role onto a new connection.
type ConnectionLock struct {
	LockID    string
	PeerID    string
	Role      string
	ExpiresAt time.Time
}

// Room pairs at most two peers with differing roles and holds their
// pending connection locks. Rooms are created implicitly when the first
// peer connects and destroyed when the last peer leaves.
//
// Room methods are not safe for concurrent use; RoomSet serializes
// access.
type Room struct {
	ID    string
	peers map[string]*Peer
	locks map[string]*ConnectionLock
}

func newRoom(id string) *Room {
	return &Room{
		ID:    id,
		peers: make(map[string]*Peer),
		locks: make(map[string]*ConnectionLock),
	}
}

// Add admits peer to the room. A room holds at most two peers, and when
// both slots fill their roles must differ.
func (r *Room) Add(peer *Peer) error {
	if len(r.peers) >= 2 {
		return ErrRoomFull
	}
	for _, existing := range r.peers {
		if existing.Role == peer.Role {
			return ErrRoomFull
		}
	}
	r.peers[peer.ID] = peer
	return nil
}

// Remove drops the peer with the given ID. Returns true when the room
// is empty afterwards.
func (r *Room) Remove(peerID string) bool {
	delete(r.peers, peerID)
	return len(r.peers) == 0
}

// Peer returns the member with the given ID.
func (r *Room) Peer(peerID string) (*Peer, bool) {
	peer, ok := r.peers[peerID]
	return peer, ok
}

// Others returns every member except the one with the given ID. With
// two-peer rooms that is at most one peer, but broadcast paths iterate
// rather than assume.
func (r *Room) Others(peerID string) []*Peer {
	var others []*Peer
	for id, peer := range r.peers {
		if id != peerID {
			others = append(others, peer)
		}
	}
	return others
}

// Len returns the current number of members.
func (r *Room) Len() int { return len(r.peers) }

// RoomSet owns the broker's room table and the connection-lock
// lifecycle. All mutation happens under one mutex; rooms are small and
// operations are short, so a single lock keeps join, leave, and relay
// ordering easy to reason about.
type RoomSet struct {
	mu      sync.Mutex
	clock   clock.Clock
	lockTTL time.Duration
	rooms   map[string]*Room
}

// NewRoomSet returns an empty room table whose connection locks live
// for lockTTL.
func NewRoomSet(clk clock.Clock, lockTTL time.Duration) *RoomSet {
	return &RoomSet{
		clock:   clk,
		lockTTL: lockTTL,
		rooms:   make(map[string]*Room),
	}
}

// Join admits peer to the room named id, creating the room on first
// join.
func (s *RoomSet) Join(id string, peer *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		room = newRoom(id)
		s.rooms[id] = room
	}
	if err := room.Add(peer); err != nil {
		if room.Len() == 0 {
			delete(s.rooms, id)
		}
		return err
	}
	return nil
}

// Leave removes peerID from room id and destroys the room (locks
// included) when it empties. Returns the remaining peers so the caller
// can notify them, and whether the room was destroyed.
func (s *RoomSet) Leave(id, peerID string) (remaining []*Peer, destroyed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, false
	}
	if room.Remove(peerID) {
		delete(s.rooms, id)
		return nil, true
	}
	return room.Others(peerID), false
}

// Drain empties the whole room table and returns every peer that was
// still connected, so the caller can notify them before the broker
// exits.
func (s *RoomSet) Drain() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers []*Peer
	for id, room := range s.rooms {
		for _, peer := range room.peers {
			peers = append(peers, peer)
		}
		delete(s.rooms, id)
	}
	return peers
}

// Others returns room id's members other than peerID.
func (s *RoomSet) Others(id, peerID string) []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil
	}
	return room.Others(peerID)
}

// Lock mints a connection lock for peerID in room id, expiring after
// the set's lock TTL. The peer must currently be a member.
func (s *RoomSet) Lock(id, peerID string) (*ConnectionLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, ErrLockNotFound
	}
	peer, ok := room.Peer(peerID)
	if !ok {
		return nil, ErrLockNotFound
	}

	lock := &ConnectionLock{
		LockID:    uuid.NewString(),
		PeerID:    peerID,
		Role:      peer.Role,
		ExpiresAt: s.clock.Now().Add(s.lockTTL),
	}
	room.locks[lock.LockID] = lock
	return lock, nil
}

// Redeem consumes the lock with lockID in room id, admitting the caller
// as a new peer carrying the locked role. The lock is deleted whether
// it is redeemed or found expired.
func (s *RoomSet) Redeem(id, lockID string, newPeer *Peer) (*ConnectionLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, ErrLockNotFound
	}
	lock, ok := room.locks[lockID]
	if !ok {
		return nil, ErrLockNotFound
	}
	delete(room.locks, lockID)

	if s.clock.Now().After(lock.ExpiresAt) {
		return nil, ErrLockExpired
	}

	newPeer.Role = lock.Role
	if err := room.Add(newPeer); err != nil {
		return nil, err
	}
	return lock, nil
}

// SweepLocks evicts expired connection locks across all rooms and
// returns how many were removed.
func (s *RoomSet) SweepLocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for _, room := range s.rooms {
		for lockID, lock := range room.locks {
			if now.After(lock.ExpiresAt) {
				delete(room.locks, lockID)
				removed++
			}
		}
	}
	return removed
}

// Len returns the number of live rooms.
func (s *RoomSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
