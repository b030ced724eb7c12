// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harmonlove/callhub/service/random"
	"github.com/harmonlove/callhub/service/signaling"

	"github.com/pion/webrtc/v4"
)

const (
	eventChSize        = 1024
	endedCallsSize     = 64
	maxEarlyCandidates = 64
)

var sessionMessageTypes = []signaling.MessageType{
	signaling.HelloMessage,
	signaling.IncomingCallMessage,
	signaling.AcceptCallMessage,
	signaling.RejectCallMessage,
	signaling.CallEndedMessage,
	signaling.OfferMessage,
	signaling.AnswerMessage,
	signaling.CandidateMessage,
}

// Orchestrator drives the call state machine. Every input (user actions,
// signaling messages, engine callbacks, async results and timers) is
// processed on a single loop goroutine, one at a time.
type Orchestrator struct {
	cfg       Config
	log       *slog.Logger
	signaler  Signaler
	newEngine EngineFactory
	getMedia  MediaSource
	emit      func(eventType EventType, ctx any)

	matchmaker *Matchmaker
	subIDs     map[signaling.MessageType]SubscriptionID

	// Owned by the loop.
	localID    string
	state      State
	matchedID  string
	sess       *callSession
	generation uint64
	matchSeq   uint64
	matchTimer *time.Timer
	early      *earlyMessages
	ended      *recentCalls
	stopped    bool

	snapMut  sync.RWMutex
	snapshot Session

	ctx      context.Context
	cancel   context.CancelFunc
	ops      sync.WaitGroup
	started  atomic.Bool
	eventCh  chan func()
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newOrchestrator(cfg Config, log *slog.Logger, signaler Signaler, newEngine EngineFactory, getMedia MediaSource, emit func(EventType, any)) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		log:       log,
		signaler:  signaler,
		newEngine: newEngine,
		getMedia:  getMedia,
		emit:      emit,
		subIDs:    make(map[signaling.MessageType]SubscriptionID),
		state:     StateIdle,
		ended:     newRecentCalls(endedCallsSize),
		snapshot:  Session{State: StateIdle},
		ctx:       ctx,
		cancel:    cancel,
		eventCh:   make(chan func(), eventChSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	o.matchmaker = newMatchmaker(signaler, func(res MatchResult) {
		o.post(func() { o.handleMatchResult(res) })
	})

	for _, mt := range sessionMessageTypes {
		o.subIDs[mt] = signaler.Subscribe(mt, func(msg signaling.Message) {
			o.post(func() { o.handleMessage(msg) })
		})
	}

	return o
}

func (o *Orchestrator) start() {
	if o.started.CompareAndSwap(false, true) {
		go o.loop()
	}
}

func (o *Orchestrator) loop() {
	defer close(o.doneCh)
	for {
		select {
		case fn := <-o.eventCh:
			fn()
		case <-o.stopCh:
			return
		}
	}
}

// stop ends any call in progress and waits for outstanding operations to
// release what they allocated.
func (o *Orchestrator) stop() {
	o.stopOnce.Do(func() {
		for mt, id := range o.subIDs {
			o.signaler.Unsubscribe(mt, id)
		}
		o.matchmaker.Close()

		if !o.started.Load() {
			o.cancel()
			return
		}

		_ = o.do(func() error {
			o.shutdown()
			return nil
		})

		o.cancel()
		o.ops.Wait()

		close(o.stopCh)
		<-o.doneCh
	})
}

func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.eventCh <- fn:
		return true
	case <-o.stopCh:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(fn func() error) error {
	errCh := make(chan error, 1)
	if !o.post(func() {
		if o.stopped {
			errCh <- ErrClosed
			return
		}
		errCh <- fn()
	}) {
		return ErrClosed
	}

	select {
	case err := <-errCh:
		return err
	case <-o.doneCh:
		return ErrClosed
	}
}

// async runs fn off the loop. fn must post its result back.
func (o *Orchestrator) async(fn func()) {
	o.ops.Add(1)
	go func() {
		defer o.ops.Done()
		fn()
	}()
}

func (o *Orchestrator) Session() Session {
	o.snapMut.RLock()
	defer o.snapMut.RUnlock()
	return o.snapshot
}

func (o *Orchestrator) RequestMatch() error {
	return o.do(o.requestMatch)
}

func (o *Orchestrator) StartCall() error {
	return o.do(o.startCall)
}

func (o *Orchestrator) AcceptCall() error {
	return o.do(o.acceptCall)
}

func (o *Orchestrator) RejectCall() error {
	return o.do(o.rejectCall)
}

func (o *Orchestrator) EndCall() error {
	return o.do(o.endCall)
}

func (o *Orchestrator) setState(st State) {
	prev := o.state
	o.state = st

	snap := Session{
		LocalID: o.localID,
		State:   st,
	}
	if o.sess != nil {
		snap.RemoteID = o.sess.remoteID
		snap.CallID = o.sess.callID
		snap.Role = o.sess.role
	} else if st == StateAwaitingCallStart {
		snap.RemoteID = o.matchedID
	}

	o.snapMut.Lock()
	o.snapshot = snap
	o.snapMut.Unlock()

	if prev != st {
		o.log.Debug("state change", slog.String("from", string(prev)), slog.String("to", string(st)))
		o.emit(StateChangeEvent, snap)
	}
}

func (o *Orchestrator) emitError(err error) {
	o.log.Warn("call error", slog.String("err", err.Error()))
	o.emit(ErrorEvent, err)
}

func (o *Orchestrator) violation(detail string) {
	o.emitError(fmt.Errorf("%w: %s", ErrProtocolViolation, detail))
}

func wrapNegotiation(err error) error {
	if errors.Is(err, ErrNegotiation) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNegotiation, err)
}

func (o *Orchestrator) current(gen uint64) *callSession {
	if o.sess != nil && o.sess.generation == gen {
		return o.sess
	}
	return nil
}

func (o *Orchestrator) newSession(callID, remoteID string, role Role) *callSession {
	o.generation++
	o.sess = newCallSession(o.generation, callID, remoteID, role)
	return o.sess
}

func (o *Orchestrator) send(msg signaling.Message) {
	err := o.signaler.Send(msg)
	if err == nil {
		return
	}

	if !errors.Is(err, ErrSignalingDelivery) {
		err = fmt.Errorf("%w: %w", ErrSignalingDelivery, err)
	}
	o.log.Error("failed to send message", slog.String("type", string(msg.Type)), slog.String("err", err.Error()))
	o.emit(ErrorEvent, err)

	// A connected call doesn't depend on signaling anymore.
	if o.sess != nil && msg.CallID == o.sess.callID && o.state != StateActive {
		o.armStallTimer(o.sess)
	}
}

func newReasonMessage(msgType signaling.MessageType, to, callID, reason string) signaling.Message {
	msg := signaling.NewMessage(msgType, to, callID, nil)
	msg.Reason = reason
	return msg
}

// Matching

func (o *Orchestrator) requestMatch() error {
	switch o.state {
	case StateMatching:
		return nil
	case StateIdle, StateAwaitingCallStart:
	default:
		return fmt.Errorf("%w: cannot request a match while %s", ErrInvalidState, o.state)
	}

	if err := o.matchmaker.Request(); err != nil {
		return err
	}

	o.matchedID = ""
	o.setState(StateMatching)
	o.armMatchTimer()

	return nil
}

func (o *Orchestrator) armMatchTimer() {
	o.stopMatchTimer()
	if o.cfg.MatchTimeout <= 0 {
		return
	}
	seq := o.matchSeq
	o.matchTimer = time.AfterFunc(o.cfg.MatchTimeout, func() {
		o.post(func() { o.handleMatchTimeout(seq) })
	})
}

func (o *Orchestrator) stopMatchTimer() {
	o.matchSeq++
	if o.matchTimer != nil {
		o.matchTimer.Stop()
		o.matchTimer = nil
	}
}

func (o *Orchestrator) cancelMatch() {
	o.matchmaker.Cancel()
	o.stopMatchTimer()
}

func (o *Orchestrator) handleMatchTimeout(seq uint64) {
	if seq != o.matchSeq || o.state != StateMatching {
		return
	}
	o.cancelMatch()
	o.setState(StateIdle)
	o.emitError(fmt.Errorf("%w: match request timed out", ErrMatchmakingUnavailable))
}

func (o *Orchestrator) handleMatchResult(res MatchResult) {
	if o.stopped || o.state != StateMatching {
		o.log.Debug("ignoring match result", slog.String("state", string(o.state)))
		return
	}
	o.stopMatchTimer()

	if res.Found && res.RemoteID != o.localID {
		o.matchedID = res.RemoteID
		o.setState(StateAwaitingCallStart)
		return
	}

	reason := res.Reason
	if reason == "" {
		reason = "no partner available"
	}
	o.setState(StateIdle)
	o.emitError(fmt.Errorf("%w: %s", ErrMatchmakingUnavailable, reason))
}

// Call setup

func (o *Orchestrator) startCall() error {
	if o.state != StateAwaitingCallStart {
		return fmt.Errorf("%w: cannot start a call while %s", ErrInvalidState, o.state)
	}

	sess := o.newSession(random.NewID(), o.matchedID, RoleCaller)
	o.matchedID = ""
	o.setState(StateNegotiating)
	o.armNegotiationTimer(sess)

	gen := sess.generation
	o.async(func() {
		eng, stream, err := o.setupMedia(gen)
		var offer webrtc.SessionDescription
		if err == nil {
			offer, err = eng.CreateOffer()
		}
		if !o.post(func() { o.handleOfferCreated(gen, eng, stream, offer, err) }) {
			releaseMedia(eng, stream)
		}
	})

	return nil
}

// setupMedia creates an engine for the session generation gen and attaches
// local media to it. It runs off the loop.
func (o *Orchestrator) setupMedia(gen uint64) (Engine, MediaStream, error) {
	eng, err := o.newEngine()
	if err != nil {
		return nil, nil, wrapNegotiation(fmt.Errorf("failed to create engine: %w", err))
	}

	eng.OnICECandidate(func(c webrtc.ICECandidateInit) {
		o.post(func() { o.handleLocalCandidate(gen, c) })
	})
	eng.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		o.post(func() { o.handleConnectionState(gen, st) })
	})
	eng.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		o.post(func() {
			if o.current(gen) != nil {
				o.emit(RemoteTrackEvent, track)
			}
		})
	})
	if qr, ok := eng.(qualityReporter); ok {
		qr.OnCallQuality(func(q CallQuality) {
			o.post(func() {
				if o.current(gen) != nil {
					o.emit(CallQualityEvent, q)
				}
			})
		})
	}

	stream, err := o.getMedia(o.ctx)
	if err != nil {
		releaseMedia(eng, nil)
		return nil, nil, wrapNegotiation(fmt.Errorf("failed to acquire media: %w", err))
	}

	if err := eng.AttachLocalTracks(stream); err != nil {
		releaseMedia(eng, stream)
		return nil, nil, wrapNegotiation(fmt.Errorf("failed to attach tracks: %w", err))
	}

	return eng, stream, nil
}

func releaseMedia(eng Engine, stream MediaStream) {
	if stream != nil {
		stream.Stop()
	}
	if eng != nil {
		_ = eng.Close()
	}
}

func (o *Orchestrator) handleOfferCreated(gen uint64, eng Engine, stream MediaStream, offer webrtc.SessionDescription, err error) {
	sess := o.current(gen)
	if sess == nil {
		o.log.Debug("discarding stale offer")
		releaseMedia(eng, stream)
		return
	}

	sess.engine = eng
	sess.stream = stream

	if err != nil {
		o.fail(err)
		return
	}

	data, err := marshalDescription(offer)
	if err != nil {
		o.fail(fmt.Errorf("failed to marshal offer: %w", err))
		return
	}
	sess.localDesc = &offer

	o.send(signaling.NewMessage(signaling.OfferMessage, sess.remoteID, sess.callID, data))
	o.send(signaling.NewMessage(signaling.CallStartMessage, sess.remoteID, sess.callID, nil))
	sess.descSent = true
	o.flushOutbox(sess)
}

func (o *Orchestrator) acceptCall() error {
	if o.state != StateIncomingRinging {
		return fmt.Errorf("%w: cannot accept a call while %s", ErrInvalidState, o.state)
	}

	o.setState(StateNegotiating)
	o.armNegotiationTimer(o.sess)
	o.beginAccept(o.sess)

	return nil
}

func (o *Orchestrator) beginAccept(sess *callSession) {
	gen := sess.generation
	o.async(func() {
		eng, stream, err := o.setupMedia(gen)
		if !o.post(func() { o.handleAcceptReady(gen, eng, stream, err) }) {
			releaseMedia(eng, stream)
		}
	})
}

func (o *Orchestrator) handleAcceptReady(gen uint64, eng Engine, stream MediaStream, err error) {
	sess := o.current(gen)
	if sess == nil {
		o.log.Debug("discarding stale media")
		releaseMedia(eng, stream)
		return
	}

	if err != nil {
		o.fail(err)
		return
	}

	sess.engine = eng
	sess.stream = stream

	o.send(signaling.NewMessage(signaling.AcceptCallMessage, sess.remoteID, sess.callID, nil))

	if sess.pendingOffer != nil {
		offer := *sess.pendingOffer
		sess.pendingOffer = nil
		o.applyOffer(sess, offer)
	}
}

func (o *Orchestrator) rejectCall() error {
	if o.state != StateIncomingRinging {
		return fmt.Errorf("%w: cannot reject a call while %s", ErrInvalidState, o.state)
	}

	sess := o.sess
	o.send(newReasonMessage(signaling.RejectCallMessage, sess.remoteID, sess.callID, signaling.ReasonDeclined))
	o.teardown(signaling.ReasonDeclined, false)

	if err := o.requestMatch(); err != nil {
		o.emitError(err)
	}

	return nil
}

func (o *Orchestrator) endCall() error {
	switch o.state {
	case StateIdle:
	case StateMatching:
		o.cancelMatch()
		o.setState(StateIdle)
	case StateAwaitingCallStart:
		o.matchedID = ""
		o.setState(StateIdle)
	default:
		o.teardown("", true)
	}
	return nil
}

// Teardown

func (o *Orchestrator) fail(err error) {
	sess := o.sess
	o.emitError(wrapNegotiation(err))
	// The remote side only knows about our call once it got our offer.
	o.teardown(signaling.ReasonFailed, sess.role == RoleCallee || sess.descSent)
}

// teardown is the only way a call session ends.
func (o *Orchestrator) teardown(reason string, notify bool) {
	sess := o.sess
	if sess == nil {
		return
	}

	o.setState(StateEnding)

	if notify {
		o.send(newReasonMessage(signaling.CallEndedMessage, sess.remoteID, sess.callID, reason))
	}

	o.release(sess)
	o.sess = nil
	o.early = nil

	o.log.Debug("call ended", slog.String("callID", sess.callID), slog.String("reason", reason))
	o.emit(CallEndEvent, CallEnd{
		CallID:   sess.callID,
		RemoteID: sess.remoteID,
		Reason:   reason,
	})

	o.setState(StateIdle)
}

func (o *Orchestrator) release(sess *callSession) {
	sess.stopTimers()
	if sess.engine != nil {
		if err := sess.engine.Close(); err != nil {
			o.log.Error("failed to close engine", slog.String("err", err.Error()))
		}
		sess.engine = nil
	}
	if sess.stream != nil {
		sess.stream.Stop()
		sess.stream = nil
	}
	o.ended.add(sess.callID)
}

func (o *Orchestrator) shutdown() {
	switch o.state {
	case StateMatching:
		o.cancelMatch()
	case StateAwaitingCallStart:
		o.matchedID = ""
	}
	o.teardown("", true)
	o.setState(StateIdle)
	o.stopped = true
}

// Timers

func (o *Orchestrator) armNegotiationTimer(sess *callSession) {
	if o.cfg.NegotiationTimeout <= 0 {
		return
	}
	gen := sess.generation
	var t *time.Timer
	t = time.AfterFunc(o.cfg.NegotiationTimeout, func() {
		o.post(func() {
			sess := o.current(gen)
			if sess == nil || sess.negotiationTimer != t || o.state != StateNegotiating {
				return
			}
			o.emitError(fmt.Errorf("%w: call did not connect in time", ErrNegotiation))
			o.teardown(signaling.ReasonTimeout, true)
		})
	})
	sess.negotiationTimer = t
}

func (o *Orchestrator) armStallTimer(sess *callSession) {
	if o.cfg.StallTimeout <= 0 || sess.stallTimer != nil {
		return
	}
	gen := sess.generation
	var t *time.Timer
	t = time.AfterFunc(o.cfg.StallTimeout, func() {
		o.post(func() {
			sess := o.current(gen)
			if sess == nil || sess.stallTimer != t {
				return
			}
			o.emitError(fmt.Errorf("%w: no response from %s", ErrSignalingDelivery, sess.remoteID))
			o.teardown(signaling.ReasonTimeout, true)
		})
	})
	sess.stallTimer = t
}

// Inbound messages

func (o *Orchestrator) handleMessage(msg signaling.Message) {
	if o.stopped {
		return
	}

	if msg.Type == signaling.HelloMessage {
		o.handleHello(msg)
		return
	}

	if o.ended.has(msg.CallID) {
		o.log.Debug("discarding message for ended call",
			slog.String("type", string(msg.Type)), slog.String("callID", msg.CallID))
		return
	}

	if sess := o.sess; sess != nil && sess.matches(msg.CallID, msg.From) {
		sess.stopStallTimer()
	}

	switch msg.Type {
	case signaling.IncomingCallMessage:
		o.handleIncomingCall(msg)
	case signaling.AcceptCallMessage:
		o.handleAcceptCall(msg)
	case signaling.RejectCallMessage:
		o.handleRejectCall(msg)
	case signaling.CallEndedMessage:
		o.handleCallEnded(msg)
	case signaling.OfferMessage:
		o.handleOffer(msg)
	case signaling.AnswerMessage:
		o.handleAnswer(msg)
	case signaling.CandidateMessage:
		o.handleCandidate(msg)
	}
}

func (o *Orchestrator) handleHello(msg signaling.Message) {
	if msg.To == "" {
		return
	}

	if o.localID != "" && o.localID != msg.To {
		o.log.Info("signaling identity changed", slog.String("old", o.localID), slog.String("new", msg.To))
		switch o.state {
		case StateMatching:
			o.cancelMatch()
		case StateAwaitingCallStart:
			o.matchedID = ""
		}
		// The hub already told the remote side we are gone.
		o.teardown(signaling.ReasonDisconnected, false)
		o.localID = msg.To
		o.setState(StateIdle)
		return
	}

	if o.localID == msg.To && o.sess != nil {
		o.log.Debug("signaling resumed", slog.String("callID", o.sess.callID))
		o.sess.stopStallTimer()
	}

	o.localID = msg.To
	o.setState(o.state)
}

// isGlare reports whether msg comes from the peer we are calling and that
// peer is calling us at the same time.
func (o *Orchestrator) isGlare(from string) bool {
	sess := o.sess
	return sess != nil &&
		sess.role == RoleCaller &&
		sess.remoteID == from &&
		o.state == StateNegotiating &&
		sess.remoteDesc == nil
}

func (o *Orchestrator) handleIncomingCall(msg signaling.Message) {
	if msg.From == "" {
		o.violation("incoming call without caller")
		return
	}

	if sess := o.sess; sess != nil {
		if sess.matches(msg.CallID, msg.From) {
			o.log.Debug("duplicate incoming call", slog.String("callID", msg.CallID))
			return
		}
		if o.isGlare(msg.From) {
			if o.localID > msg.From {
				o.yield(msg)
			} else {
				o.log.Debug("ignoring crossed call", slog.String("callID", msg.CallID))
			}
			return
		}
		o.send(newReasonMessage(signaling.RejectCallMessage, msg.From, msg.CallID, signaling.ReasonBusy))
		o.violation(fmt.Sprintf("incoming call from %s while busy", msg.From))
		return
	}

	switch o.state {
	case StateMatching:
		o.cancelMatch()
	case StateIdle, StateAwaitingCallStart:
	default:
		o.send(newReasonMessage(signaling.RejectCallMessage, msg.From, msg.CallID, signaling.ReasonBusy))
		return
	}

	o.matchedID = ""
	sess := o.newSession(msg.CallID, msg.From, RoleCallee)
	o.adoptEarly(sess)
	o.setState(StateIncomingRinging)
	o.emit(IncomingCallEvent, o.Session())
}

// yield abandons our own outgoing call in favour of the crossing call from
// the same peer. Only the side with the greater id yields, so exactly one
// offer survives.
func (o *Orchestrator) yield(msg signaling.Message) {
	old := o.sess
	o.log.Info("calls crossed, answering remote call",
		slog.String("ownCallID", old.callID), slog.String("callID", msg.CallID))

	o.send(signaling.NewMessage(signaling.CallEndedMessage, old.remoteID, old.callID, nil))
	o.release(old)

	sess := o.newSession(msg.CallID, msg.From, RoleCallee)
	o.adoptEarly(sess)
	o.setState(StateNegotiating)
	o.armNegotiationTimer(sess)
	o.beginAccept(sess)
}

func (o *Orchestrator) adoptEarly(sess *callSession) {
	early := o.early
	o.early = nil
	if early == nil || early.callID != sess.callID || early.from != sess.remoteID {
		return
	}

	sess.pendingOffer = early.offer
	for _, c := range early.candidates {
		if sess.markSeen(c) {
			sess.pendingCandidates = append(sess.pendingCandidates, c)
		}
	}
}

// stashEarly keeps an offer or candidate for a call we haven't been told
// about yet.
func (o *Orchestrator) stashEarly(msg signaling.Message, offer *webrtc.SessionDescription, c *webrtc.ICECandidateInit) {
	if o.sess != nil && !(o.sess.role == RoleCaller && o.sess.remoteID == msg.From) {
		o.log.Debug("discarding message for unknown call",
			slog.String("type", string(msg.Type)), slog.String("callID", msg.CallID))
		return
	}

	if o.early == nil || o.early.callID != msg.CallID || o.early.from != msg.From {
		o.early = &earlyMessages{
			callID: msg.CallID,
			from:   msg.From,
		}
	}

	if offer != nil {
		o.early.offer = offer
	}
	if c != nil && len(o.early.candidates) < maxEarlyCandidates {
		o.early.candidates = append(o.early.candidates, *c)
	}
}

func (o *Orchestrator) handleAcceptCall(msg signaling.Message) {
	sess := o.sess
	if sess == nil || !sess.matches(msg.CallID, msg.From) || sess.role != RoleCaller {
		o.log.Debug("ignoring accept", slog.String("callID", msg.CallID))
		return
	}
	o.log.Debug("call accepted", slog.String("callID", msg.CallID))
}

func (o *Orchestrator) handleRejectCall(msg signaling.Message) {
	sess := o.sess
	if sess == nil || !sess.matches(msg.CallID, msg.From) || sess.role != RoleCaller {
		o.log.Debug("ignoring reject", slog.String("callID", msg.CallID))
		return
	}

	reason := msg.Reason
	if reason == "" {
		reason = signaling.ReasonDeclined
	}
	o.teardown(reason, false)
}

func (o *Orchestrator) handleCallEnded(msg signaling.Message) {
	sess := o.sess
	if sess == nil || !sess.matches(msg.CallID, msg.From) {
		o.log.Debug("ignoring call end", slog.String("callID", msg.CallID))
		return
	}
	o.teardown(msg.Reason, false)
}

func (o *Orchestrator) handleOffer(msg signaling.Message) {
	desc, err := unmarshalDescription(msg.Data, webrtc.SDPTypeOffer)
	if err != nil {
		o.violation(fmt.Sprintf("invalid offer from %s: %s", msg.From, err))
		return
	}

	sess := o.sess
	if sess == nil || !sess.matches(msg.CallID, msg.From) {
		o.stashEarly(msg, &desc, nil)
		return
	}

	if sess.role != RoleCallee {
		o.violation("offer received by caller")
		return
	}

	if sameDescription(sess.remoteDesc, desc) || sameDescription(sess.pendingOffer, desc) {
		o.log.Debug("duplicate offer", slog.String("callID", msg.CallID))
		return
	}

	if sess.remoteDesc != nil || sess.pendingOffer != nil {
		o.violation("renegotiation is not supported")
		return
	}

	if sess.engine == nil {
		sess.pendingOffer = &desc
		return
	}

	o.applyOffer(sess, desc)
}

func (o *Orchestrator) applyOffer(sess *callSession, offer webrtc.SessionDescription) {
	sess.remoteDesc = &offer
	gen, eng := sess.generation, sess.engine
	o.async(func() {
		answer, err := eng.CreateAnswer(offer)
		o.post(func() { o.handleAnswerCreated(gen, answer, err) })
	})
}

func (o *Orchestrator) handleAnswerCreated(gen uint64, answer webrtc.SessionDescription, err error) {
	sess := o.current(gen)
	if sess == nil {
		return
	}

	if err != nil {
		o.fail(err)
		return
	}

	data, err := marshalDescription(answer)
	if err != nil {
		o.fail(fmt.Errorf("failed to marshal answer: %w", err))
		return
	}

	sess.localDesc = &answer
	sess.remoteSet = true

	o.send(signaling.NewMessage(signaling.AnswerMessage, sess.remoteID, sess.callID, data))
	sess.descSent = true
	o.flushOutbox(sess)
	o.flushCandidates(sess)
}

func (o *Orchestrator) handleAnswer(msg signaling.Message) {
	desc, err := unmarshalDescription(msg.Data, webrtc.SDPTypeAnswer)
	if err != nil {
		o.violation(fmt.Sprintf("invalid answer from %s: %s", msg.From, err))
		return
	}

	sess := o.sess
	if sess == nil || !sess.matches(msg.CallID, msg.From) {
		o.log.Debug("ignoring answer for unknown call", slog.String("callID", msg.CallID))
		return
	}

	if sess.role != RoleCaller {
		o.violation("answer received by callee")
		return
	}

	if sameDescription(sess.remoteDesc, desc) {
		o.log.Debug("duplicate answer", slog.String("callID", msg.CallID))
		return
	}

	if sess.remoteDesc != nil || sess.localDesc == nil || sess.engine == nil {
		o.violation("unexpected answer")
		return
	}

	sess.remoteDesc = &desc
	gen, eng := sess.generation, sess.engine
	o.async(func() {
		err := eng.SetRemote(desc)
		o.post(func() { o.handleRemoteApplied(gen, err) })
	})
}

func (o *Orchestrator) handleRemoteApplied(gen uint64, err error) {
	sess := o.current(gen)
	if sess == nil {
		return
	}

	if err != nil {
		o.fail(err)
		return
	}

	sess.remoteSet = true
	o.flushCandidates(sess)
}

func (o *Orchestrator) handleCandidate(msg signaling.Message) {
	c, err := unmarshalCandidate(msg.Data)
	if err != nil {
		o.violation(fmt.Sprintf("invalid candidate from %s: %s", msg.From, err))
		return
	}

	sess := o.sess
	if sess == nil || !sess.matches(msg.CallID, msg.From) {
		o.stashEarly(msg, nil, &c)
		return
	}

	if !sess.markSeen(c) {
		o.log.Debug("duplicate candidate", slog.String("callID", msg.CallID))
		return
	}

	// Candidates can only be applied after the remote description.
	if !sess.remoteSet || sess.engine == nil {
		sess.pendingCandidates = append(sess.pendingCandidates, c)
		return
	}

	o.applyCandidate(sess, c)
}

func (o *Orchestrator) applyCandidate(sess *callSession, c webrtc.ICECandidateInit) {
	if err := sess.engine.AddICECandidate(c); err != nil {
		o.emitError(wrapNegotiation(fmt.Errorf("failed to add candidate: %w", err)))
	}
}

func (o *Orchestrator) flushCandidates(sess *callSession) {
	pending := sess.pendingCandidates
	sess.pendingCandidates = nil
	for _, c := range pending {
		o.applyCandidate(sess, c)
	}
}

func (o *Orchestrator) handleLocalCandidate(gen uint64, c webrtc.ICECandidateInit) {
	sess := o.current(gen)
	if sess == nil {
		return
	}

	if !sess.descSent {
		sess.outbox = append(sess.outbox, c)
		return
	}

	o.sendCandidate(sess, c)
}

func (o *Orchestrator) flushOutbox(sess *callSession) {
	outbox := sess.outbox
	sess.outbox = nil
	for _, c := range outbox {
		o.sendCandidate(sess, c)
	}
}

func (o *Orchestrator) sendCandidate(sess *callSession, c webrtc.ICECandidateInit) {
	data, err := json.Marshal(c)
	if err != nil {
		o.log.Error("failed to marshal candidate", slog.String("err", err.Error()))
		return
	}
	o.send(signaling.NewMessage(signaling.CandidateMessage, sess.remoteID, sess.callID, data))
}

func (o *Orchestrator) handleConnectionState(gen uint64, st webrtc.PeerConnectionState) {
	if o.current(gen) == nil {
		return
	}

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if o.state == StateNegotiating {
			o.sess.stopNegotiationTimer()
			o.sess.stopStallTimer()
			o.setState(StateActive)
		}
	case webrtc.PeerConnectionStateFailed:
		o.fail(fmt.Errorf("%w: connection failed", ErrNegotiation))
	case webrtc.PeerConnectionStateClosed:
		o.teardown("", true)
	case webrtc.PeerConnectionStateDisconnected:
		o.log.Debug("peer connection disconnected", slog.String("callID", o.sess.callID))
	}
}
