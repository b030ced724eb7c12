// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harmonlove/callhub/service/random"
	"github.com/harmonlove/callhub/service/signaling"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCandidate(port int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:1 1 udp 2130706431 192.168.1.10 %d typ host", port),
	}
}

// fakeEngine records what the orchestrator asks of it. It reports
// connected once both descriptions are in place.
type fakeEngine struct {
	name string

	mut        sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	stream     MediaStream
	connected  bool
	offers     int
	answers    int
	setRemotes int
	closeCount int

	onCandidate func(c webrtc.ICECandidateInit)
	onState     func(st webrtc.PeerConnectionState)
	onTrack     func(track *webrtc.TrackRemote)

	offerErr     error
	candidateErr error
	localCands   []webrtc.ICECandidateInit
}

func (e *fakeEngine) CreateOffer() (webrtc.SessionDescription, error) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.offers++
	if e.offerErr != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %w", ErrNegotiation, e.offerErr)
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + e.name}
	e.local = &offer
	e.gatherLocked()
	return offer, nil
}

func (e *fakeEngine) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.answers++
	e.remote = &remote
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + e.name}
	e.local = &answer
	e.gatherLocked()
	e.maybeConnectLocked()
	return answer, nil
}

func (e *fakeEngine) SetRemote(desc webrtc.SessionDescription) error {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.setRemotes++
	e.remote = &desc
	e.maybeConnectLocked()
	return nil
}

func (e *fakeEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mut.Lock()
	defer e.mut.Unlock()
	if e.remote == nil {
		return fmt.Errorf("remote description not set")
	}
	if e.candidateErr != nil {
		return e.candidateErr
	}
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) AttachLocalTracks(stream MediaStream) error {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.stream = stream
	return nil
}

func (e *fakeEngine) OnICECandidate(cb func(c webrtc.ICECandidateInit)) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.onCandidate = cb
}

func (e *fakeEngine) OnRemoteTrack(cb func(track *webrtc.TrackRemote)) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.onTrack = cb
}

func (e *fakeEngine) OnConnectionStateChange(cb func(st webrtc.PeerConnectionState)) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.onState = cb
}

func (e *fakeEngine) Close() error {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.closeCount++
	return nil
}

func (e *fakeEngine) gatherLocked() {
	cb := e.onCandidate
	cands := e.localCands
	if cb == nil {
		return
	}
	go func() {
		for _, c := range cands {
			cb(c)
		}
	}()
}

func (e *fakeEngine) maybeConnectLocked() {
	if e.connected || e.local == nil || e.remote == nil {
		return
	}
	e.connected = true
	e.fireStateLocked(webrtc.PeerConnectionStateConnected)
}

func (e *fakeEngine) fireStateLocked(st webrtc.PeerConnectionState) {
	if cb := e.onState; cb != nil {
		go cb(st)
	}
}

func (e *fakeEngine) fireState(st webrtc.PeerConnectionState) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.fireStateLocked(st)
}

func (e *fakeEngine) emitCandidate(c webrtc.ICECandidateInit) {
	e.mut.Lock()
	cb := e.onCandidate
	e.mut.Unlock()
	cb(c)
}

func (e *fakeEngine) remoteDesc() *webrtc.SessionDescription {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.remote
}

func (e *fakeEngine) appliedCandidates() []webrtc.ICECandidateInit {
	e.mut.Lock()
	defer e.mut.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.candidates...)
}

func (e *fakeEngine) closes() int {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.closeCount
}

func (e *fakeEngine) counts() (offers, answers, setRemotes int) {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.offers, e.answers, e.setRemotes
}

type fakeStream struct {
	stopped atomic.Int32
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal {
	return nil
}

func (s *fakeStream) Stop() {
	s.stopped.Add(1)
}

// fakeMedia is a MediaSource that can be held back or made to fail.
type fakeMedia struct {
	mut     sync.Mutex
	streams []*fakeStream
	gate    chan struct{}
	err     error
}

func (m *fakeMedia) source(ctx context.Context) (MediaStream, error) {
	m.mut.Lock()
	gate, err := m.gate, m.err
	m.mut.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &fakeStream{}
	m.mut.Lock()
	m.streams = append(m.streams, s)
	m.mut.Unlock()
	return s, nil
}

func (m *fakeMedia) all() []*fakeStream {
	m.mut.Lock()
	defer m.mut.Unlock()
	return append([]*fakeStream(nil), m.streams...)
}

// fakeSignaler stands in for the hub connection. Sent messages are recorded
// and, if attached to a fakeRelay, routed to the other side.
type fakeSignaler struct {
	subs   *subscriptions
	sentCh chan signaling.Message
	relay  *fakeRelay

	mut     sync.Mutex
	localID string
	sendErr error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		subs:   newSubscriptions(),
		sentCh: make(chan signaling.Message, 1024),
	}
}

func (s *fakeSignaler) Send(msg signaling.Message) error {
	s.mut.Lock()
	sendErr := s.sendErr
	msg.From = s.localID
	s.mut.Unlock()

	if sendErr != nil {
		return fmt.Errorf("%w: %w", ErrSignalingDelivery, sendErr)
	}

	s.sentCh <- msg
	if s.relay != nil {
		s.relay.route(msg)
	}
	return nil
}

func (s *fakeSignaler) Subscribe(msgType signaling.MessageType, h MessageHandler) SubscriptionID {
	return s.subs.add(msgType, h)
}

func (s *fakeSignaler) Unsubscribe(msgType signaling.MessageType, id SubscriptionID) {
	s.subs.remove(msgType, id)
}

func (s *fakeSignaler) setSendErr(err error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.sendErr = err
}

func (s *fakeSignaler) deliver(msg signaling.Message) {
	s.subs.dispatch(msg)
}

func (s *fakeSignaler) hello(id string) {
	s.mut.Lock()
	s.localID = id
	s.mut.Unlock()
	s.deliver(signaling.Message{Type: signaling.HelloMessage, To: id})
}

// fakeRelay forwards messages between fake signalers the way the hub does.
type fakeRelay struct {
	mut     sync.Mutex
	peers   map[string]*fakeSignaler
	matches map[string]string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		peers:   make(map[string]*fakeSignaler),
		matches: make(map[string]string),
	}
}

func (r *fakeRelay) join(id string, s *fakeSignaler) {
	r.mut.Lock()
	r.peers[id] = s
	r.mut.Unlock()
	s.relay = r
	s.hello(id)
}

func (r *fakeRelay) route(msg signaling.Message) {
	r.mut.Lock()
	from := r.peers[msg.From]
	to := r.peers[msg.To]
	match := r.matches[msg.From]
	r.mut.Unlock()

	switch msg.Type {
	case signaling.RequestMatchMessage:
		if match == "" {
			from.deliver(signaling.Message{Type: signaling.NoMatchAvailableMessage, To: msg.From, CallID: msg.CallID})
			return
		}
		from.deliver(signaling.Message{Type: signaling.MatchFoundMessage, To: msg.From, CallID: msg.CallID, Data: []byte(match)})
		return
	case signaling.CallStartMessage:
		msg.Type = signaling.IncomingCallMessage
	}

	if to != nil {
		to.deliver(msg)
	}
}

type testOrchestrator struct {
	*Orchestrator
	tb       testing.TB
	signaler *fakeSignaler
	media    *fakeMedia

	mut       sync.Mutex
	engines   []*fakeEngine
	configure func(e *fakeEngine)
	eventCh   chan event
}

func newTestOrchestrator(tb testing.TB, cfg Config) *testOrchestrator {
	tb.Helper()

	th := &testOrchestrator{
		tb:       tb,
		signaler: newFakeSignaler(),
		media:    &fakeMedia{},
		eventCh:  make(chan event, 1024),
	}

	newEngine := func() (Engine, error) {
		th.mut.Lock()
		defer th.mut.Unlock()
		e := &fakeEngine{
			name: fmt.Sprintf("%d", len(th.engines)),
		}
		if th.configure != nil {
			th.configure(e)
		}
		th.engines = append(th.engines, e)
		return e, nil
	}

	emit := func(eventType EventType, ctx any) {
		th.eventCh <- event{eventType: eventType, ctx: ctx}
	}

	th.Orchestrator = newOrchestrator(cfg, testLogger(), th.signaler, newEngine, th.media.source, emit)
	th.start()

	tb.Cleanup(th.stop)

	return th
}

func (th *testOrchestrator) setConfigure(fn func(e *fakeEngine)) {
	th.mut.Lock()
	defer th.mut.Unlock()
	th.configure = fn
}

func (th *testOrchestrator) hello(id string) {
	th.signaler.hello(id)
	th.sync()
}

// toAwaiting brings the orchestrator to AwaitingCallStart with remoteID.
func (th *testOrchestrator) toAwaiting(remoteID string) {
	th.tb.Helper()
	require.NoError(th.tb, th.RequestMatch())
	req := th.expectSent(signaling.RequestMatchMessage)
	th.receive(signaling.Message{Type: signaling.MatchFoundMessage, CallID: req.CallID, Data: []byte(remoteID)})
	th.waitState(StateAwaitingCallStart)
}

// startCall places a call to remoteID and returns its id once the offer
// went out.
func (th *testOrchestrator) startCall(remoteID string) string {
	th.tb.Helper()
	th.toAwaiting(remoteID)
	require.NoError(th.tb, th.StartCall())
	offer := th.expectSent(signaling.OfferMessage)
	require.Equal(th.tb, remoteID, offer.To)
	start := th.expectSent(signaling.CallStartMessage)
	require.Equal(th.tb, offer.CallID, start.CallID)
	return offer.CallID
}

// activeCaller places a call to remoteID and gets it to Active.
func (th *testOrchestrator) activeCaller(remoteID string) string {
	th.tb.Helper()
	callID := th.startCall(remoteID)
	th.receive(signaling.Message{
		Type:   signaling.AnswerMessage,
		From:   remoteID,
		CallID: callID,
		Data:   descData(th.tb, webrtc.SDPTypeAnswer, "remote-answer"),
	})
	th.waitState(StateActive)
	return callID
}

// ringing delivers an incoming call from remoteID.
func (th *testOrchestrator) ringing(remoteID string) string {
	th.tb.Helper()
	callID := random.NewID()
	th.receive(signaling.Message{Type: signaling.IncomingCallMessage, From: remoteID, CallID: callID})
	th.waitState(StateIncomingRinging)
	return callID
}

func (th *testOrchestrator) offerFrom(remoteID, callID, sdp string) {
	th.receive(signaling.Message{
		Type:   signaling.OfferMessage,
		From:   remoteID,
		CallID: callID,
		Data:   descData(th.tb, webrtc.SDPTypeOffer, sdp),
	})
}

func (th *testOrchestrator) candidateFrom(remoteID, callID string, c webrtc.ICECandidateInit) {
	th.receive(signaling.Message{
		Type:   signaling.CandidateMessage,
		From:   remoteID,
		CallID: callID,
		Data:   candData(th.tb, c),
	})
}

func (th *testOrchestrator) engine(i int) *fakeEngine {
	th.tb.Helper()
	var e *fakeEngine
	require.Eventually(th.tb, func() bool {
		th.mut.Lock()
		defer th.mut.Unlock()
		if i < len(th.engines) {
			e = th.engines[i]
			return true
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
	return e
}

func (th *testOrchestrator) engineCount() int {
	th.mut.Lock()
	defer th.mut.Unlock()
	return len(th.engines)
}

func (th *testOrchestrator) waitState(st State) Session {
	th.tb.Helper()
	require.Eventually(th.tb, func() bool {
		return th.Session().State == st
	}, waitTimeout, 10*time.Millisecond, "expected state %s", st)
	return th.Session()
}

// nextSent returns the next message sent to the relay.
func (th *testOrchestrator) nextSent() signaling.Message {
	th.tb.Helper()
	select {
	case msg := <-th.signaler.sentCh:
		return msg
	case <-time.After(waitTimeout):
		require.FailNow(th.tb, "timed out waiting for a message to be sent")
	}
	return signaling.Message{}
}

func (th *testOrchestrator) expectSent(msgType signaling.MessageType) signaling.Message {
	th.tb.Helper()
	msg := th.nextSent()
	require.Equal(th.tb, msgType, msg.Type)
	return msg
}

func (th *testOrchestrator) requireNothingSent() {
	th.tb.Helper()
	select {
	case msg := <-th.signaler.sentCh:
		require.FailNow(th.tb, "unexpected message sent", "type %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// nextEvent returns the next event of the given type, skipping others.
func (th *testOrchestrator) nextEvent(eventType EventType) any {
	th.tb.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-th.eventCh:
			if ev.eventType == eventType {
				return ev.ctx
			}
		case <-timeout:
			require.FailNow(th.tb, "timed out waiting for event", "type %s", eventType)
		}
	}
}

func (th *testOrchestrator) nextError() error {
	th.tb.Helper()
	err, ok := th.nextEvent(ErrorEvent).(error)
	require.True(th.tb, ok)
	return err
}

// sync waits for everything posted so far to be processed.
func (th *testOrchestrator) sync() {
	th.tb.Helper()
	require.NoError(th.tb, th.do(func() error { return nil }))
}

func (th *testOrchestrator) receive(msg signaling.Message) {
	th.signaler.deliver(msg)
	th.sync()
}

func descData(tb testing.TB, t webrtc.SDPType, sdp string) []byte {
	tb.Helper()
	data, err := marshalDescription(webrtc.SessionDescription{Type: t, SDP: sdp})
	require.NoError(tb, err)
	return data
}

func candData(tb testing.TB, c webrtc.ICECandidateInit) []byte {
	tb.Helper()
	data, err := json.Marshal(c)
	require.NoError(tb, err)
	return data
}
