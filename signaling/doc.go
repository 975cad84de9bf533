// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling implements the Flux rendezvous broker and its client
// connection.
//
// The broker is a websocket relay: receivers register short numeric codes,
// senders redeem them to join a two-peer room, and the broker forwards
// session descriptions and ICE candidates between the peers without
// inspecting them. Once the peers establish a direct data channel the
// broker drops out of the data path entirely.
//
// The package is split along the broker's internal seams: Registry owns
// code lifecycle, Limiter owns rate limiting and lockout, RoomSet owns
// room membership and connection locks, and Server ties them to the
// websocket listener. Client is the engine-side counterpart used by the
// transfer CLI.
package signaling
