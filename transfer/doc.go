// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer implements the file transfer engine: chunk framing,
// optional per-chunk compression, reassembly, throughput estimation,
// and the Session state machine that drives a transfer end to end over
// a signaling broker and a peer-to-peer transport endpoint.
package transfer
