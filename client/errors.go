// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"errors"
)

// Errors reported through ErrorEvent or returned by Client actions. They
// are always wrapped, so match them with errors.Is.
var (
	// ErrMatchmakingUnavailable means no partner could be found. The
	// request can be retried.
	ErrMatchmakingUnavailable = errors.New("matchmaking unavailable")
	// ErrSignalingDelivery means a message could not be handed to the relay.
	ErrSignalingDelivery = errors.New("signaling delivery failure")
	// ErrNegotiation means local media or transport setup failed. The
	// affected call is torn down.
	ErrNegotiation = errors.New("negotiation error")
	// ErrProtocolViolation means a message arrived that the current state
	// does not expect.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrInvalidState means an action was requested in a state that does
	// not allow it.
	ErrInvalidState = errors.New("invalid state")
	// ErrMatchPending means a match request is already outstanding.
	ErrMatchPending = errors.New("match request pending")

	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrClosed            = errors.New("client is closed")
)
