// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type EventHandler func(ctx any) error

type EventType string

const (
	// SignalingConnectEvent carries the connection id assigned by the hub.
	SignalingConnectEvent EventType = "SignalingConnect"
	// SignalingDisconnectEvent carries the error that dropped the
	// connection, if any.
	SignalingDisconnectEvent EventType = "SignalingDisconnect"
	// StateChangeEvent carries a Session snapshot.
	StateChangeEvent EventType = "StateChange"
	// IncomingCallEvent carries a Session snapshot of the ringing call.
	IncomingCallEvent EventType = "IncomingCall"
	// CallEndEvent carries a CallEnd.
	CallEndEvent EventType = "CallEnd"
	// RemoteTrackEvent carries a *webrtc.TrackRemote. Handlers must not
	// block reading from it.
	RemoteTrackEvent EventType = "RemoteTrack"
	// CallQualityEvent carries a CallQuality sample.
	CallQualityEvent EventType = "CallQuality"

	CloseEvent EventType = "Close"
	ErrorEvent EventType = "Error"
)

func (e EventType) IsValid() bool {
	switch e {
	case SignalingConnectEvent, SignalingDisconnectEvent,
		StateChangeEvent, IncomingCallEvent, CallEndEvent,
		RemoteTrackEvent, CallQualityEvent,
		CloseEvent, ErrorEvent:
		return true
	default:
		return false
	}
}

const (
	clientStateNew int32 = iota
	clientStateInit
	clientStateClosing
	clientStateClosed
)

// Client places and receives random one-to-one audio calls through a
// callhub server.
type Client struct {
	cfg Config
	log *slog.Logger

	handlers map[EventType]EventHandler

	signaler   Signaler
	wsSignaler *WSSignaler
	newEngine  EngineFactory
	getMedia   MediaSource

	orch   *Orchestrator
	events *dispatcher

	state int32

	mut sync.RWMutex
}

type Option func(c *Client) error

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) error {
		c.log = log
		return nil
	}
}

// WithSignaler replaces the WebSocket connection to the hub. The caller
// owns the signaler's lifecycle.
func WithSignaler(s Signaler) Option {
	return func(c *Client) error {
		if s == nil {
			return fmt.Errorf("signaler should not be nil")
		}
		c.signaler = s
		return nil
	}
}

func WithEngineFactory(f EngineFactory) Option {
	return func(c *Client) error {
		if f == nil {
			return fmt.Errorf("engine factory should not be nil")
		}
		c.newEngine = f
		return nil
	}
}

// WithMediaSource sets where local audio comes from. Silence is sent by
// default.
func WithMediaSource(src MediaSource) Option {
	return func(c *Client) error {
		if src == nil {
			return fmt.Errorf("media source should not be nil")
		}
		c.getMedia = src
		return nil
	}
}

// New initializes and returns a new client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Parse(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		handlers: make(map[EventType]EventHandler),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if c.log == nil {
		c.log = slog.Default()
	}

	c.events = newDispatcher(c.handleEvent)

	if c.signaler == nil {
		c.wsSignaler = NewWSSignaler(cfg.URL, cfg.ReconnectInterval, c.log)
		c.wsSignaler.OnConnect(func(connID string) {
			c.events.push(SignalingConnectEvent, connID)
		})
		c.wsSignaler.OnDisconnect(func(err error) {
			c.events.push(SignalingDisconnectEvent, err)
		})
		c.signaler = c.wsSignaler
	}

	if c.newEngine == nil {
		c.newEngine = NewRTCEngineFactory(cfg, c.log)
	}

	if c.getMedia == nil {
		c.getMedia = NewSilenceSource(c.log)
	}

	c.orch = newOrchestrator(cfg, c.log, c.signaler, c.newEngine, c.getMedia, c.events.push)

	return c, nil
}

// Connect starts processing and, unless a custom signaler was given, dials
// the hub.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.state, clientStateNew, clientStateInit) {
		return fmt.Errorf("client is already initialized")
	}

	c.events.start()
	c.orch.start()

	if c.wsSignaler != nil {
		if err := c.wsSignaler.Connect(ctx); err != nil {
			c.orch.stop()
			c.events.stop()
			atomic.StoreInt32(&c.state, clientStateClosed)
			return err
		}
	}

	return nil
}

// Close ends any call in progress and permanently disconnects the client.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.state, clientStateInit, clientStateClosing) {
		return fmt.Errorf("client is not initialized")
	}

	c.orch.stop()

	var err error
	if c.wsSignaler != nil {
		if closeErr := c.wsSignaler.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close signaler: %w", closeErr)
		}
	}

	c.events.push(CloseEvent, nil)
	c.events.stop()

	atomic.StoreInt32(&c.state, clientStateClosed)

	return err
}

// On is used to subscribe to any events fired by the client.
// Note: there can only be one subscriber per event type.
func (c *Client) On(eventType EventType, h EventHandler) error {
	if !eventType.IsValid() {
		return fmt.Errorf("invalid event type %q", eventType)
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	if _, ok := c.handlers[eventType]; ok {
		return ErrAlreadySubscribed
	}

	c.handlers[eventType] = h

	return nil
}

func (c *Client) handleEvent(eventType EventType, ctx any) {
	c.mut.RLock()
	handler := c.handlers[eventType]
	c.mut.RUnlock()
	if handler != nil {
		if err := handler(ctx); err != nil {
			c.log.Error("failed to handle event",
				slog.Any("type", eventType), slog.String("err", err.Error()))
		}
	}
}

func (c *Client) ready() error {
	if atomic.LoadInt32(&c.state) != clientStateInit {
		return ErrClosed
	}
	return nil
}

// RequestMatch asks the hub for a random partner.
func (c *Client) RequestMatch() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.orch.RequestMatch()
}

// StartCall calls the matched partner.
func (c *Client) StartCall() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.orch.StartCall()
}

func (c *Client) AcceptCall() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.orch.AcceptCall()
}

// RejectCall declines the ringing call and looks for a new partner.
func (c *Client) RejectCall() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.orch.RejectCall()
}

func (c *Client) EndCall() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.orch.EndCall()
}

func (c *Client) Session() Session {
	return c.orch.Session()
}

type event struct {
	eventType EventType
	ctx       any
}

// dispatcher delivers events in order on its own goroutine, so handlers
// are free to call back into the client.
type dispatcher struct {
	handle func(eventType EventType, ctx any)

	mut      sync.Mutex
	queue    []event
	notifyCh chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func newDispatcher(handle func(EventType, any)) *dispatcher {
	return &dispatcher{
		handle:   handle,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

func (d *dispatcher) push(eventType EventType, ctx any) {
	d.mut.Lock()
	d.queue = append(d.queue, event{eventType: eventType, ctx: ctx})
	d.mut.Unlock()

	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *dispatcher) drain() int {
	d.mut.Lock()
	queue := d.queue
	d.queue = nil
	d.mut.Unlock()

	for _, ev := range queue {
		d.handle(ev.eventType, ev.ctx)
	}

	return len(queue)
}

func (d *dispatcher) run() {
	defer close(d.doneCh)
	for {
		if d.drain() > 0 {
			continue
		}
		select {
		case <-d.notifyCh:
		case <-d.stopCh:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.startOnce.Do(func() {
			close(d.doneCh)
		})
		<-d.doneCh
	})
}
