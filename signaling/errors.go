// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"errors"
	"fmt"
)

// Wire error codes carried in the code field of error frames.
const (
	ErrCodeRoomFull         = "ROOM_FULL"
	ErrCodeInvalidCode      = "INVALID_CODE"
	ErrCodePeerDisconnected = "PEER_DISCONNECTED"
	ErrCodeLockExpired      = "LOCK_EXPIRED"
	ErrCodeLockNotFound     = "LOCK_NOT_FOUND"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

// BrokerError is an error frame received from the broker, surfaced to
// engine code as a Go error. Callers can use errors.As to extract the
// structured information:
//
//	var brokerErr *BrokerError
//	if errors.As(err, &brokerErr) {
//	    if brokerErr.Code == signaling.ErrCodeRoomFull { ... }
//	}
type BrokerError struct {
	// Code is the wire error code (e.g. "ROOM_FULL").
	Code string
	// Text is the human-readable description from the broker.
	Text string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker: %s: %s", e.Code, e.Text)
}

// IsBrokerError checks whether err is a *BrokerError with the given
// wire code.
func IsBrokerError(err error, code string) bool {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Code == code
	}
	return false
}
