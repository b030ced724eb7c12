// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type State string

const (
	StateIdle              State = "Idle"
	StateMatching          State = "Matching"
	StateAwaitingCallStart State = "AwaitingCallStart"
	StateIncomingRinging   State = "IncomingRinging"
	StateNegotiating       State = "Negotiating"
	StateActive            State = "Active"
	StateEnding            State = "Ending"
)

type Role string

const (
	RoleNone   Role = ""
	RoleCaller Role = "Caller"
	RoleCallee Role = "Callee"
)

// Session is a snapshot of the orchestrator state as seen by the
// presentation layer.
type Session struct {
	LocalID  string
	RemoteID string
	CallID   string
	Role     Role
	State    State
}

// CallEnd describes why a call finished.
type CallEnd struct {
	CallID   string
	RemoteID string
	Reason   string
}

// callSession is the state of a single call. It's only ever touched by the
// orchestrator loop.
type callSession struct {
	generation uint64
	callID     string
	remoteID   string
	role       Role

	engine Engine
	stream MediaStream

	// Descriptions as handed to the engine.
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	// remoteSet is true once the engine has applied remoteDesc.
	remoteSet bool
	// descSent is true once our description went out. Local candidates
	// gathered before that are held in outbox.
	descSent bool
	outbox   []webrtc.ICECandidateInit

	// An offer received before the engine was ready to answer it.
	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit
	seenCandidates    map[string]bool

	negotiationTimer *time.Timer
	stallTimer       *time.Timer
}

func newCallSession(gen uint64, callID, remoteID string, role Role) *callSession {
	return &callSession{
		generation:     gen,
		callID:         callID,
		remoteID:       remoteID,
		role:           role,
		seenCandidates: make(map[string]bool),
	}
}

func (s *callSession) matches(callID, remoteID string) bool {
	return s.callID == callID && s.remoteID == remoteID
}

// markSeen records a candidate and reports whether it was new.
func (s *callSession) markSeen(c webrtc.ICECandidateInit) bool {
	key := candidateKey(c)
	if s.seenCandidates[key] {
		return false
	}
	s.seenCandidates[key] = true
	return true
}

func (s *callSession) stopNegotiationTimer() {
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
}

func (s *callSession) stopStallTimer() {
	if s.stallTimer != nil {
		s.stallTimer.Stop()
		s.stallTimer = nil
	}
}

func (s *callSession) stopTimers() {
	s.stopNegotiationTimer()
	s.stopStallTimer()
}

func candidateKey(c webrtc.ICECandidateInit) string {
	var mid string
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	return mid + "|" + c.Candidate
}

func sameDescription(a *webrtc.SessionDescription, b webrtc.SessionDescription) bool {
	return a != nil && a.Type == b.Type && a.SDP == b.SDP
}

// earlyMessages holds an offer and candidates for a call we haven't been
// told about yet. Callers send their offer ahead of the call start signal.
type earlyMessages struct {
	callID     string
	from       string
	offer      *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
}

// recentCalls is a bounded set of ended call ids.
type recentCalls struct {
	ids   map[string]struct{}
	order []string
	size  int
}

func newRecentCalls(size int) *recentCalls {
	return &recentCalls{
		ids:  make(map[string]struct{}, size),
		size: size,
	}
}

func (r *recentCalls) add(id string) {
	if _, ok := r.ids[id]; ok {
		return
	}
	if len(r.order) >= r.size {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
}

func (r *recentCalls) has(id string) bool {
	_, ok := r.ids[id]
	return ok
}
