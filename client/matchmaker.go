// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"fmt"
	"sync"

	"github.com/harmonlove/callhub/service/random"
	"github.com/harmonlove/callhub/service/signaling"
)

// MatchResult is the answer to a match request.
type MatchResult struct {
	Found    bool
	RemoteID string
	Reason   string
}

// Matchmaker asks the hub for a random partner. At most one request may be
// outstanding; results are delivered to the callback passed to
// newMatchmaker.
//
// Each request carries a fresh id in its CallID field which the hub echoes
// back, so the answer to a cancelled request can't settle a later one.
// Answers without an id are taken by whatever request is outstanding.
type Matchmaker struct {
	signaler Signaler
	onResult func(res MatchResult)

	mut       sync.Mutex
	pending   bool
	requestID string

	foundSubID   SubscriptionID
	noMatchSubID SubscriptionID
}

func newMatchmaker(signaler Signaler, onResult func(res MatchResult)) *Matchmaker {
	m := &Matchmaker{
		signaler: signaler,
		onResult: onResult,
	}
	m.foundSubID = signaler.Subscribe(signaling.MatchFoundMessage, m.handleMessage)
	m.noMatchSubID = signaler.Subscribe(signaling.NoMatchAvailableMessage, m.handleMessage)
	return m
}

// Request sends a match request. It fails with ErrMatchPending if one is
// already outstanding.
func (m *Matchmaker) Request() error {
	m.mut.Lock()
	if m.pending {
		m.mut.Unlock()
		return ErrMatchPending
	}
	// Pending must be set before sending, the answer may come back before
	// Send returns.
	m.pending = true
	m.requestID = random.NewID()
	requestID := m.requestID
	m.mut.Unlock()

	if err := m.signaler.Send(signaling.NewMessage(signaling.RequestMatchMessage, "", requestID, nil)); err != nil {
		m.Cancel()
		return fmt.Errorf("failed to request match: %w", err)
	}

	return nil
}

// Cancel forgets the outstanding request. A late answer is dropped.
func (m *Matchmaker) Cancel() {
	m.mut.Lock()
	m.pending = false
	m.requestID = ""
	m.mut.Unlock()
}

func (m *Matchmaker) Pending() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.pending
}

func (m *Matchmaker) handleMessage(msg signaling.Message) {
	m.mut.Lock()
	if !m.pending || (msg.CallID != "" && msg.CallID != m.requestID) {
		m.mut.Unlock()
		return
	}
	m.pending = false
	m.requestID = ""
	m.mut.Unlock()

	res := MatchResult{Reason: msg.Reason}
	if msg.Type == signaling.MatchFoundMessage {
		res.Found = true
		res.RemoteID = string(msg.Data)
		if res.RemoteID == "" {
			res.Found = false
			res.Reason = "empty match"
		}
	}

	m.onResult(res)
}

func (m *Matchmaker) Close() {
	m.signaler.Unsubscribe(signaling.MatchFoundMessage, m.foundSubID)
	m.signaler.Unsubscribe(signaling.NoMatchAvailableMessage, m.noMatchSubID)
}
