// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hyuraku/flux/lib/clock"
	"github.com/hyuraku/flux/lib/config"
)

// Server is the Flux signaling broker. It upgrades websocket
// connections, admits peers into two-peer rooms keyed by rendezvous
// code, relays opaque session descriptions and ICE candidates between
// them, and enforces the code, rate-limit, and lockout policies.
type Server struct {
	logger   *slog.Logger
	clock    clock.Clock
	registry *Registry
	limiter  *Limiter
	rooms    *RoomSet

	sweepInterval time.Duration
	upgrader      websocket.Upgrader
}

// NewServer builds a broker from the given configuration. A nil logger
// falls back to slog.Default.
func NewServer(cfg config.BrokerConfig, clk clock.Clock, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:        logger,
		clock:         clk,
		registry:      NewRegistry(clk, cfg.CodeTTL),
		limiter:       NewLimiter(clk, cfg.RateWindow, cfg.RateLimit, cfg.LockoutThreshold, cfg.LockoutDuration),
		rooms:         NewRoomSet(clk, cfg.LockTTL),
		sweepInterval: cfg.SweepInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The broker fronts a CLI, not a browser page; there is
			// no cookie auth to protect, so any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the broker's HTTP handler: the websocket endpoint at
// /ws and a liveness probe at /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Run serves the broker on addr until ctx is cancelled, then shuts the
// listener down gracefully. The periodic sweep of expired codes, locks,
// and abuse entries runs for the same lifetime.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	go s.sweepLoop(ctx)

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("broker listening", "addr", addr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		for _, peer := range s.rooms.Drain() {
			peer.Conn.SendMessage(Message{Type: TypePeerLeft, PeerID: peer.ID})
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errs:
		return err
	}
}

// sweepLoop periodically evicts expired codes, connection locks, and
// idle abuse-control entries.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			codes := s.registry.Sweep()
			locks := s.rooms.SweepLocks()
			abuse := s.limiter.Sweep()
			if codes+locks+abuse > 0 {
				s.logger.Debug("sweep", "codes", codes, "locks", locks, "abuse_entries", abuse)
			}
		}
	}
}

// wsConn wraps a websocket connection with a write mutex so handler
// goroutines and broadcast paths can interleave frames safely.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ MessageSender = (*wsConn)(nil)

func (c *wsConn) SendMessage(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Close()
}

// session is the broker-side state of one websocket connection.
type session struct {
	server *Server
	conn   *wsConn
	logger *slog.Logger

	roomID    string
	clientKey string
	peerID    string

	// joined is set once the peer holds a room slot (via
	// generate_code, join_room, or reconnect_with_lock).
	joined bool
	role   string

	// teardown guards the disconnect path so it runs exactly once.
	teardown sync.Once
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	// The room binding is optional at connect time: a receiver that
	// wants a broker-minted code attaches to its room during
	// generate_code, and a sender may bind at join_room instead.
	roomID := r.URL.Query().Get("room")

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		server:    s,
		conn:      &wsConn{conn: raw},
		roomID:    roomID,
		clientKey: clientKey(r),
		peerID:    uuid.NewString(),
	}
	sess.logger = s.logger.With("peer_id", sess.peerID, "room", roomID)
	sess.logger.Debug("peer connected", "client_key", sess.clientKey)

	go sess.readLoop()
}

// clientKey derives the abuse-control key for a request: the first
// X-Forwarded-For hop when present, otherwise the remote address host.
func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if key := strings.TrimSpace(first); key != "" {
			return key
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (sess *session) readLoop() {
	defer sess.disconnect()

	for {
		_, data, err := sess.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Debug("peer read error", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.logger.Debug("unparseable frame", "error", err)
			sess.sendError(ErrCodeInvalidCode, "unparseable message")
			continue
		}
		sess.dispatch(msg)
	}
}

func (sess *session) dispatch(msg Message) {
	switch msg.Type {
	case TypeGenerateCode:
		sess.handleGenerateCode()
	case TypeJoinRoom:
		sess.handleJoinRoom(msg)
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeICECandidate:
		sess.relay(msg)
	case TypeLockConnection:
		sess.handleLockConnection(msg)
	case TypeReconnectWithLock:
		sess.handleReconnectWithLock(msg)
	case TypeTransferStatus:
		sess.handleTransferStatus(msg)
	default:
		sess.sendError(ErrCodeInvalidCode, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// handleGenerateCode registers the connection's room ID as a rendezvous
// code (minting a fresh one when the room ID is not code-shaped) and
// admits the caller as the receiver.
func (sess *session) handleGenerateCode() {
	code := sess.roomID
	if !codePattern.MatchString(code) {
		generated, err := sess.server.registry.GenerateUnused()
		if err != nil {
			sess.logger.Error("code generation failed", "error", err)
			sess.sendError(ErrCodeInvalidCode, "no codes available")
			return
		}
		code = generated
	}

	sess.roomID = code
	if !sess.join(RoleReceiver) {
		return
	}
	if err := sess.server.registry.Register(code, sess.peerID); err != nil {
		sess.sendError(ErrCodeInvalidCode, err.Error())
		return
	}

	sess.logger.Info("code generated", "code", code)
	sess.send(Message{Type: TypeCodeGenerated, Code: code, PeerID: sess.peerID})
}

// handleJoinRoom validates the rendezvous code under the abuse-control
// gates and admits the caller with its declared role (sender when the
// message names none).
func (sess *session) handleJoinRoom(msg Message) {
	key := sess.clientKey
	limiter := sess.server.limiter

	if limiter.IsLocked(key) {
		sess.sendError(ErrCodeRateLimited, "too many failed attempts, try again later")
		return
	}
	if !limiter.CheckRate(key) {
		sess.sendError(ErrCodeRateLimited, "rate limit exceeded")
		return
	}
	limiter.RecordAttempt(key)

	boundElsewhere := sess.roomID != "" && msg.Code != sess.roomID
	if boundElsewhere || !sess.server.registry.Validate(msg.Code) {
		limiter.RecordFailure(key)
		sess.sendError(ErrCodeInvalidCode, "invalid or expired code")
		return
	}
	limiter.RecordSuccess(key)
	sess.roomID = msg.Code

	role := msg.Role
	if role == "" {
		role = RoleSender
	}
	if !sess.join(role) {
		return
	}

	sess.logger.Info("peer joined", "role", role)
	joined := Message{Type: TypePeerJoined, PeerID: sess.peerID, Role: role}
	sess.send(joined)
	sess.broadcast(joined)
}

// join claims a room slot with the given role. When the room is
// occupied the broker reports ROOM_FULL and closes the connection; a
// retry against the same full room cannot succeed.
func (sess *session) join(role string) bool {
	if sess.joined {
		return true
	}
	peer := &Peer{ID: sess.peerID, Role: role, Conn: sess.conn}
	if err := sess.server.rooms.Join(sess.roomID, peer); err != nil {
		sess.sendError(ErrCodeRoomFull, "room already has two peers")
		sess.disconnect()
		return false
	}
	sess.joined = true
	sess.role = role
	return true
}

// relay forwards an opaque signaling frame to the other peer, stamping
// the sender's ID. Frames from peers that never joined, and frames with
// no one to receive them, are dropped.
func (sess *session) relay(msg Message) {
	if !sess.joined {
		return
	}
	msg.FromPeerID = sess.peerID
	sess.broadcast(msg)
}

func (sess *session) handleLockConnection(msg Message) {
	if !sess.joined {
		sess.sendError(ErrCodeLockNotFound, "not in a room")
		return
	}
	peerID := msg.PeerID
	if peerID == "" {
		peerID = sess.peerID
	}
	lock, err := sess.server.rooms.Lock(sess.roomID, peerID)
	if err != nil {
		sess.sendError(ErrCodeLockNotFound, "peer not in room")
		return
	}
	sess.logger.Info("connection locked", "lock_id", lock.LockID)
	sess.send(Message{
		Type:      TypeConnectionLocked,
		LockID:    lock.LockID,
		ExpiresAt: lock.ExpiresAt.Unix(),
	})
}

func (sess *session) handleReconnectWithLock(msg Message) {
	peer := &Peer{ID: sess.peerID, Conn: sess.conn}
	lock, err := sess.server.rooms.Redeem(sess.roomID, msg.LockID, peer)
	switch {
	case errors.Is(err, ErrLockExpired):
		sess.sendError(ErrCodeLockExpired, "connection lock expired")
		return
	case errors.Is(err, ErrLockNotFound):
		sess.sendError(ErrCodeLockNotFound, "unknown connection lock")
		return
	case errors.Is(err, ErrRoomFull):
		sess.sendError(ErrCodeRoomFull, "room already has two peers")
		return
	case err != nil:
		sess.sendError(ErrCodeLockNotFound, err.Error())
		return
	}

	sess.joined = true
	sess.role = lock.Role
	sess.logger.Info("peer reconnected", "lock_id", msg.LockID, "role", lock.Role)

	joined := Message{Type: TypePeerJoined, PeerID: sess.peerID, Role: lock.Role}
	sess.send(joined)
	sess.broadcast(joined)
}

// handleTransferStatus rebroadcasts transfer telemetry to the other
// peer as a peer_status frame.
func (sess *session) handleTransferStatus(msg Message) {
	if !sess.joined {
		return
	}
	sess.broadcast(Message{
		Type:       TypePeerStatus,
		FromPeerID: sess.peerID,
		Status:     msg.Status,
		Progress:   msg.Progress,
		Speed:      msg.Speed,
	})
}

// disconnect tears the session down: the peer leaves its room, the
// remaining peer learns about it, and the rendezvous code dies with the
// room. Safe to call from any path; the work runs exactly once.
func (sess *session) disconnect() {
	sess.teardown.Do(func() {
		if sess.joined {
			remaining, destroyed := sess.server.rooms.Leave(sess.roomID, sess.peerID)
			for _, peer := range remaining {
				peer.Conn.SendMessage(Message{Type: TypePeerLeft, PeerID: sess.peerID})
				peer.Conn.SendMessage(ErrorMessage(ErrCodePeerDisconnected, "peer disconnected"))
			}
			if destroyed {
				sess.server.registry.Expire(sess.roomID)
			}
		}
		sess.conn.close()
		sess.logger.Debug("peer disconnected")
	})
}

func (sess *session) send(msg Message) {
	if err := sess.conn.SendMessage(msg); err != nil {
		sess.logger.Debug("send failed", "error", err)
	}
}

func (sess *session) sendError(code, text string) {
	sess.send(ErrorMessage(code, text))
}

// broadcast delivers msg to every other member of the session's room.
func (sess *session) broadcast(msg Message) {
	for _, peer := range sess.server.rooms.Others(sess.roomID, sess.peerID) {
		if err := peer.Conn.SendMessage(msg); err != nil {
			sess.logger.Debug("broadcast failed", "to", peer.ID, "error", err)
		}
	}
}
