// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harmonlove/callhub/service/signaling"
	"github.com/harmonlove/callhub/service/ws"
)

type MessageHandler func(msg signaling.Message)

type SubscriptionID uint64

// Signaler is the channel through which signaling messages reach the relay
// and come back from it. Handlers for a given type run in the order the
// messages were received.
type Signaler interface {
	// Send hands msg to the relay. A failure wraps ErrSignalingDelivery.
	Send(msg signaling.Message) error
	Subscribe(msgType signaling.MessageType, h MessageHandler) SubscriptionID
	Unsubscribe(msgType signaling.MessageType, id SubscriptionID)
}

// subscriptions is a handler registry shared by Signaler implementations.
type subscriptions struct {
	mut    sync.RWMutex
	nextID SubscriptionID
	subs   map[signaling.MessageType]map[SubscriptionID]MessageHandler
	order  map[signaling.MessageType][]SubscriptionID
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		subs:  make(map[signaling.MessageType]map[SubscriptionID]MessageHandler),
		order: make(map[signaling.MessageType][]SubscriptionID),
	}
}

func (s *subscriptions) add(msgType signaling.MessageType, h MessageHandler) SubscriptionID {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.nextID++
	if s.subs[msgType] == nil {
		s.subs[msgType] = make(map[SubscriptionID]MessageHandler)
	}
	s.subs[msgType][s.nextID] = h
	s.order[msgType] = append(s.order[msgType], s.nextID)
	return s.nextID
}

func (s *subscriptions) remove(msgType signaling.MessageType, id SubscriptionID) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.subs[msgType], id)
	ids := s.order[msgType]
	for i := range ids {
		if ids[i] == id {
			s.order[msgType] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

func (s *subscriptions) dispatch(msg signaling.Message) int {
	s.mut.RLock()
	handlers := make([]MessageHandler, 0, len(s.order[msg.Type]))
	for _, id := range s.order[msg.Type] {
		handlers = append(handlers, s.subs[msg.Type][id])
	}
	s.mut.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return len(handlers)
}

const (
	signalerStateNew int32 = iota
	signalerStateConnected
	signalerStateClosed
)

// WSSignaler implements Signaler over a WebSocket connection to the hub.
// It reconnects automatically, resuming the same connection id when the hub
// still remembers it.
type WSSignaler struct {
	url               string
	reconnectInterval time.Duration
	log               *slog.Logger

	subs *subscriptions

	mut         sync.RWMutex
	ws          *ws.Client
	connID      string
	resumeToken string

	onConnect    func(connID string)
	onDisconnect func(err error)

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
	state  int32
}

func NewWSSignaler(url string, reconnectInterval time.Duration, log *slog.Logger) *WSSignaler {
	if log == nil {
		log = slog.Default()
	}
	if reconnectInterval <= 0 {
		reconnectInterval = defaultReconnectInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSSignaler{
		url:               url,
		reconnectInterval: reconnectInterval,
		log:               log,
		subs:              newSubscriptions(),
		ctx:               ctx,
		cancel:            cancel,
		doneCh:            make(chan struct{}),
	}
}

// OnConnect sets a callback fired each time the hub greets us. Must be
// called before Connect.
func (s *WSSignaler) OnConnect(cb func(connID string)) {
	s.onConnect = cb
}

// OnDisconnect sets a callback fired when the connection drops. Must be
// called before Connect.
func (s *WSSignaler) OnDisconnect(cb func(err error)) {
	s.onDisconnect = cb
}

func (s *WSSignaler) Subscribe(msgType signaling.MessageType, h MessageHandler) SubscriptionID {
	return s.subs.add(msgType, h)
}

func (s *WSSignaler) Unsubscribe(msgType signaling.MessageType, id SubscriptionID) {
	s.subs.remove(msgType, id)
}

// ConnID returns the id assigned by the hub, if any.
func (s *WSSignaler) ConnID() string {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.connID
}

// Connect dials the hub and starts reading. Further reconnects happen in
// the background until Close is called.
func (s *WSSignaler) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, signalerStateNew, signalerStateConnected) {
		return fmt.Errorf("signaler is already connected")
	}

	if err := s.dial(ctx); err != nil {
		atomic.StoreInt32(&s.state, signalerStateNew)
		return err
	}

	go s.reader()

	return nil
}

func (s *WSSignaler) dial(ctx context.Context) error {
	s.mut.RLock()
	cfg := ws.ClientConfig{
		URL:         s.url,
		ConnID:      s.connID,
		ResumeToken: s.resumeToken,
	}
	s.mut.RUnlock()

	wsClient, err := ws.NewClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	s.mut.Lock()
	s.ws = wsClient
	s.mut.Unlock()

	return nil
}

func (s *WSSignaler) Send(msg signaling.Message) error {
	data, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("%w: failed to pack message: %w", ErrSignalingDelivery, err)
	}

	s.mut.RLock()
	wsClient := s.ws
	s.mut.RUnlock()

	if wsClient == nil {
		return fmt.Errorf("%w: not connected", ErrSignalingDelivery)
	}

	if err := wsClient.Send(ws.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSignalingDelivery, err)
	}

	return nil
}

func (s *WSSignaler) reader() {
	defer close(s.doneCh)

	for {
		s.mut.RLock()
		wsClient := s.ws
		s.mut.RUnlock()

		err := s.readLoop(wsClient)

		s.mut.Lock()
		s.ws = nil
		s.mut.Unlock()

		if s.ctx.Err() != nil {
			return
		}

		s.log.Debug("signaling connection dropped", slog.Any("err", err))
		if s.onDisconnect != nil {
			s.onDisconnect(err)
		}

		if !s.reconnect() {
			return
		}
	}
}

func (s *WSSignaler) readLoop(wsClient *ws.Client) error {
	var lastErr error
	errCh := wsClient.ErrorCh()
	for {
		select {
		case msg, ok := <-wsClient.ReceiveCh():
			if !ok {
				return lastErr
			}
			if msg.Type != ws.BinaryMessage {
				s.log.Warn("unexpected ws message type", slog.Int("type", int(msg.Type)))
				continue
			}
			sigMsg, err := signaling.Unpack(msg.Data)
			if err != nil {
				s.log.Error("failed to unpack signaling message", slog.String("err", err.Error()))
				continue
			}
			if sigMsg.Type == signaling.HelloMessage {
				s.handleHello(sigMsg)
			}
			if n := s.subs.dispatch(sigMsg); n == 0 {
				s.log.Debug("no handler for message", slog.String("type", string(sigMsg.Type)))
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			lastErr = err
			s.log.Debug("ws client error", slog.String("err", err.Error()))
		}
	}
}

func (s *WSSignaler) handleHello(msg signaling.Message) {
	s.mut.Lock()
	resumed := s.connID == msg.To
	s.connID = msg.To
	s.resumeToken = string(msg.Data)
	s.mut.Unlock()

	s.log.Debug("signaling connected", slog.String("connID", msg.To), slog.Bool("resumed", resumed))

	if s.onConnect != nil {
		s.onConnect(msg.To)
	}
}

// reconnect keeps dialing until it succeeds or the signaler is closed.
func (s *WSSignaler) reconnect() bool {
	ticker := time.NewTicker(s.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return false
		}

		err := s.dial(s.ctx)
		if err == nil {
			if s.ctx.Err() != nil {
				s.closeWS()
				return false
			}
			return true
		}

		var hsErr *ws.ErrHandshake
		if errors.As(err, &hsErr) && (hsErr.StatusCode == http.StatusNotFound || hsErr.StatusCode == http.StatusUnauthorized) {
			s.log.Info("signaling session expired, starting a new one", slog.Int("status", hsErr.StatusCode))
			s.mut.Lock()
			s.connID = ""
			s.resumeToken = ""
			s.mut.Unlock()
			continue
		}

		s.log.Debug("failed to reconnect", slog.String("err", err.Error()))
	}
}

func (s *WSSignaler) closeWS() {
	s.mut.RLock()
	wsClient := s.ws
	s.mut.RUnlock()
	if wsClient != nil {
		if err := wsClient.Close(); err != nil {
			s.log.Debug("failed to close ws client", slog.String("err", err.Error()))
		}
	}
}

// Close permanently disconnects from the hub.
func (s *WSSignaler) Close() error {
	if !atomic.CompareAndSwapInt32(&s.state, signalerStateConnected, signalerStateClosed) {
		return fmt.Errorf("signaler is not connected")
	}

	s.cancel()
	s.closeWS()
	<-s.doneCh

	return nil
}
