// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package hub

import (
	"crypto/subtle"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/harmonlove/callhub/service/perf"
	"github.com/harmonlove/callhub/service/random"
	"github.com/harmonlove/callhub/service/signaling"
	"github.com/harmonlove/callhub/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"golang.org/x/time/rate"
)

const resumeTokenLength = 32

// Transport is the connection layer the hub routes messages over.
// *ws.Server satisfies it.
type Transport interface {
	Send(msg ws.Message) error
	ReceiveCh() <-chan ws.Message
}

type graceExpiry struct {
	peerID string
	seq    int
}

// Stats is a point in time snapshot of the hub state.
type Stats struct {
	Peers     int `json:"peers"`
	Connected int `json:"connected"`
	Pairs     int `json:"pairs"`
	Pending   int `json:"pending"`
}

// Hub is the signaling relay. It assigns connection ids, answers match
// requests and routes call-scoped messages between peers.
type Hub struct {
	cfg       Config
	log       mlog.LoggerIFace
	metrics   *perf.Metrics
	transport Transport

	// Written only by the run goroutine. The lock is for the upgrade
	// callback and Stats, which run on other goroutines.
	mut   sync.RWMutex
	peers map[string]*peer
	calls map[string]*call

	expiryCh chan graceExpiry
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, transport Transport, log mlog.LoggerIFace, metrics *perf.Metrics) (*Hub, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport should not be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics should not be nil")
	}

	return &Hub{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		transport: transport,
		peers:     make(map[string]*peer),
		calls:     make(map[string]*call),
		expiryCh:  make(chan graceExpiry, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

func (h *Hub) Start() {
	go h.run()
}

// Stop terminates the routing loop. It's safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.doneCh

		h.mut.Lock()
		defer h.mut.Unlock()
		for _, p := range h.peers {
			if p.graceTimer != nil {
				p.graceTimer.Stop()
			}
		}
	})
}

func (h *Hub) Stats() Stats {
	h.mut.RLock()
	defer h.mut.RUnlock()

	var stats Stats
	stats.Peers = len(h.peers)
	for _, p := range h.peers {
		if p.connected {
			stats.Connected++
		}
	}
	for _, c := range h.calls {
		if c.accepted {
			stats.Pairs++
		} else {
			stats.Pending++
		}
	}
	return stats
}

// UpgradeCb decides the connection id of an incoming WebSocket
// connection. Fresh connections get a new id; resuming ones must present
// the token they were given in their Hello message.
func (h *Hub) UpgradeCb(_ http.ResponseWriter, r *http.Request) (string, int, error) {
	query := r.URL.Query()
	connID := query.Get(ws.ConnIDParam)
	if connID == "" {
		return random.NewID(), 0, nil
	}

	h.mut.RLock()
	defer h.mut.RUnlock()

	p := h.peers[connID]
	if p == nil {
		h.metrics.IncResumes("unknown")
		return "", http.StatusNotFound, fmt.Errorf("unknown connection")
	}
	token := query.Get(ws.ResumeTokenParam)
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.resumeToken)) != 1 {
		h.metrics.IncResumes("unauthorized")
		return "", http.StatusUnauthorized, fmt.Errorf("invalid resume token")
	}
	if p.connected {
		h.metrics.IncResumes("conflict")
		return "", http.StatusConflict, fmt.Errorf("connection is already open")
	}

	return connID, 0, nil
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case msg, ok := <-h.transport.ReceiveCh():
			if !ok {
				return
			}
			h.handleWSMessage(msg)
		case exp := <-h.expiryCh:
			h.handleGraceExpiry(exp)
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) handleWSMessage(msg ws.Message) {
	h.mut.Lock()
	defer h.mut.Unlock()

	switch msg.Type {
	case ws.OpenMessage:
		h.handleOpen(msg.ConnID)
	case ws.CloseMessage:
		h.handleClose(msg.ConnID)
	case ws.BinaryMessage:
		h.handleBinary(msg.ConnID, msg.Data)
	default:
		h.log.Debug("hub: unexpected ws message type", mlog.String("type", msg.Type.String()),
			mlog.String("connID", msg.ConnID))
	}
	h.updateGauges()
}

func (h *Hub) handleOpen(connID string) {
	h.metrics.IncWSConnections()

	if p := h.peers[connID]; p != nil {
		if p.connected {
			h.log.Warn("hub: open for a connected peer", mlog.String("connID", connID))
			return
		}
		p.connected = true
		p.graceSeq++
		if p.graceTimer != nil {
			p.graceTimer.Stop()
			p.graceTimer = nil
		}
		h.metrics.IncResumes("success")
		h.log.Debug("hub: peer resumed", mlog.String("connID", connID), mlog.Int("queued", len(p.queue)))

		queue := p.queue
		p.queue = nil
		h.sendHello(p)
		for _, msg := range queue {
			h.send(msg)
		}
		return
	}

	token, err := random.NewSecureString(resumeTokenLength)
	if err != nil {
		h.log.Error("hub: failed to generate resume token", mlog.Err(err))
		return
	}
	p := &peer{
		id:          connID,
		resumeToken: token,
		connected:   true,
		limiter:     rate.NewLimiter(rate.Limit(h.cfg.MatchRateLimit), h.cfg.MatchRateBurst),
	}
	h.peers[connID] = p
	h.log.Debug("hub: peer joined", mlog.String("connID", connID))
	h.sendHello(p)
}

func (h *Hub) handleClose(connID string) {
	p := h.peers[connID]
	if p == nil || !p.connected {
		return
	}
	h.metrics.DecWSConnections()
	p.connected = false

	if h.cfg.ReconnectGrace == 0 {
		h.forget(p)
		return
	}

	p.graceSeq++
	exp := graceExpiry{peerID: p.id, seq: p.graceSeq}
	p.graceTimer = time.AfterFunc(h.cfg.ReconnectGrace, func() {
		select {
		case h.expiryCh <- exp:
		case <-h.stopCh:
		}
	})
	h.log.Debug("hub: peer disconnected, waiting for resume", mlog.String("connID", connID))
}

func (h *Hub) handleGraceExpiry(exp graceExpiry) {
	h.mut.Lock()
	defer h.mut.Unlock()

	p := h.peers[exp.peerID]
	if p == nil || p.connected || p.graceSeq != exp.seq {
		return
	}
	h.forget(p)
	h.updateGauges()
}

// forget removes a peer for good. Whoever it was in a call with is told
// the call ended.
func (h *Hub) forget(p *peer) {
	delete(h.peers, p.id)
	if len(p.queue) > 0 {
		h.metrics.IncDroppedMessages("peer_gone")
	}

	for id, c := range h.calls {
		if !c.has(p.id) {
			continue
		}
		delete(h.calls, id)
		h.deliver(signaling.Message{
			Type:   signaling.CallEndedMessage,
			From:   p.id,
			To:     c.other(p.id),
			CallID: c.id,
			Reason: signaling.ReasonDisconnected,
		})
	}
	h.log.Debug("hub: peer left", mlog.String("connID", p.id))
}

func (h *Hub) handleBinary(connID string, data []byte) {
	p := h.peers[connID]
	if p == nil || !p.connected {
		h.metrics.IncDroppedMessages("unknown_sender")
		return
	}

	msg, err := signaling.Unpack(data)
	if err != nil {
		h.log.Debug("hub: failed to unpack message", mlog.String("connID", connID), mlog.Err(err))
		h.metrics.IncDroppedMessages("invalid")
		return
	}
	if err := msg.IsValid(); err != nil {
		h.log.Debug("hub: invalid message", mlog.String("connID", connID), mlog.Err(err))
		h.metrics.IncDroppedMessages("invalid")
		return
	}
	h.metrics.IncWSMessages(string(msg.Type), "in")

	msg.From = connID

	switch msg.Type {
	case signaling.RequestMatchMessage:
		h.handleRequestMatch(p, msg.CallID)
	case signaling.CallStartMessage:
		h.handleCallStart(msg)
	case signaling.AcceptCallMessage:
		h.handleAcceptCall(msg)
	case signaling.RejectCallMessage, signaling.CallEndedMessage:
		h.handleCallFinished(msg)
	case signaling.OfferMessage, signaling.AnswerMessage, signaling.CandidateMessage:
		h.forward(msg)
	default:
		h.log.Debug("hub: unexpected message from client", mlog.String("connID", connID),
			mlog.String("type", string(msg.Type)))
		h.metrics.IncDroppedMessages("unexpected_type")
	}
}

// handleRequestMatch answers a match request. requestID is echoed back so
// the client can tell answers to successive requests apart.
func (h *Hub) handleRequestMatch(p *peer, requestID string) {
	// A peer asking for a match has left whatever call it was in.
	for id, c := range h.calls {
		if c.has(p.id) {
			delete(h.calls, id)
		}
	}

	reply := signaling.Message{To: p.id, CallID: requestID}

	if !p.limiter.Allow() {
		h.metrics.IncMatchRequests("rate_limited")
		reply.Type = signaling.NoMatchAvailableMessage
		reply.Reason = signaling.ReasonRateLimited
		h.send(reply)
		return
	}

	candidates := h.matchCandidates(p.id)
	if len(candidates) == 0 {
		h.metrics.IncMatchRequests("not_found")
		reply.Type = signaling.NoMatchAvailableMessage
		h.send(reply)
		return
	}

	h.metrics.IncMatchRequests("found")
	reply.Type = signaling.MatchFoundMessage
	reply.Data = []byte(candidates[rand.IntN(len(candidates))])
	h.send(reply)
}

// matchCandidates returns the connected peers, other than peerID, that are
// not part of any call.
func (h *Hub) matchCandidates(peerID string) []string {
	busy := make(map[string]bool, len(h.calls)*2)
	for _, c := range h.calls {
		busy[c.caller] = true
		busy[c.callee] = true
	}

	var candidates []string
	for id, p := range h.peers {
		if id == peerID || !p.connected || busy[id] {
			continue
		}
		candidates = append(candidates, id)
	}
	return candidates
}

func (h *Hub) handleCallStart(msg signaling.Message) {
	if msg.To == "" || msg.To == msg.From || h.peers[msg.To] == nil {
		h.metrics.IncDroppedMessages("unknown_target")
		h.send(signaling.Message{
			Type:   signaling.RejectCallMessage,
			From:   msg.To,
			To:     msg.From,
			CallID: msg.CallID,
			Reason: signaling.ReasonUnavailable,
		})
		return
	}

	if _, ok := h.calls[msg.CallID]; !ok {
		h.calls[msg.CallID] = &call{
			id:     msg.CallID,
			caller: msg.From,
			callee: msg.To,
		}
	}

	msg.Type = signaling.IncomingCallMessage
	h.deliver(msg)
}

func (h *Hub) handleAcceptCall(msg signaling.Message) {
	if c := h.calls[msg.CallID]; c != nil && c.callee == msg.From && c.caller == msg.To {
		c.accepted = true
	}
	h.forward(msg)
}

func (h *Hub) handleCallFinished(msg signaling.Message) {
	if c := h.calls[msg.CallID]; c != nil && c.has(msg.From) {
		delete(h.calls, msg.CallID)
	}
	h.forward(msg)
}

func (h *Hub) forward(msg signaling.Message) {
	if msg.To == "" || msg.To == msg.From {
		h.metrics.IncDroppedMessages("invalid_target")
		return
	}
	h.deliver(msg)
}

// deliver sends msg to its target, queueing it if the target is in
// reconnect grace.
func (h *Hub) deliver(msg signaling.Message) bool {
	p := h.peers[msg.To]
	if p == nil {
		h.metrics.IncDroppedMessages("unknown_target")
		h.log.Debug("hub: dropping message for unknown peer", mlog.String("to", msg.To),
			mlog.String("type", string(msg.Type)))
		return false
	}

	if !p.connected {
		if len(p.queue) >= h.cfg.MaxQueuedMessages {
			h.metrics.IncDroppedMessages("queue_full")
			return false
		}
		p.queue = append(p.queue, msg)
		return true
	}

	return h.send(msg)
}

func (h *Hub) sendHello(p *peer) {
	h.send(signaling.Message{
		Type: signaling.HelloMessage,
		To:   p.id,
		Data: []byte(p.resumeToken),
	})
}

func (h *Hub) send(msg signaling.Message) bool {
	data, err := msg.Pack()
	if err != nil {
		h.log.Error("hub: failed to pack message", mlog.Err(err))
		return false
	}

	if err := h.transport.Send(ws.Message{
		ConnID: msg.To,
		Type:   ws.BinaryMessage,
		Data:   data,
	}); err != nil {
		h.log.Error("hub: failed to send message", mlog.String("to", msg.To), mlog.Err(err))
		h.metrics.IncDroppedMessages("send_failed")
		return false
	}
	h.metrics.IncWSMessages(string(msg.Type), "out")

	return true
}

func (h *Hub) updateGauges() {
	var pairs int
	for _, c := range h.calls {
		if c.accepted {
			pairs++
		}
	}
	h.metrics.SetHubPeers(len(h.peers))
	h.metrics.SetHubPairs(pairs)
}
