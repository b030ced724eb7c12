// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const (
	receiveMTU     = 1460
	statsGetterTTL = 5 * time.Second
)

// Engine is the per-call media negotiation engine. It's owned by exactly one
// call session and closed when that session ends.
type Engine interface {
	// CreateOffer produces and applies the local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, then produces and applies the
	// local answer.
	CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// SetRemote applies a remote answer.
	SetRemote(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AttachLocalTracks(stream MediaStream) error
	OnICECandidate(cb func(c webrtc.ICECandidateInit))
	OnRemoteTrack(cb func(track *webrtc.TrackRemote))
	OnConnectionStateChange(cb func(st webrtc.PeerConnectionState))
	// Close releases the engine. Calls after the first are no-ops.
	Close() error
}

// qualityReporter is implemented by engines able to report call quality.
type qualityReporter interface {
	OnCallQuality(cb func(q CallQuality))
}

type EngineFactory func() (Engine, error)

// NewRTCEngineFactory returns an EngineFactory creating pion peer
// connections.
func NewRTCEngineFactory(cfg Config, log *slog.Logger) EngineFactory {
	return func() (Engine, error) {
		return newRTCEngine(cfg, log)
	}
}

type rtcEngine struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	statsGetter     stats.Getter
	monitorInterval time.Duration

	mut       sync.Mutex
	monitor   *rtcMonitor
	onQuality func(q CallQuality)
	onState   func(st webrtc.PeerConnectionState)
	closed    bool
}

func newRTCEngine(cfg Config, log *slog.Logger) (*rtcEngine, error) {
	var m webrtc.MediaEngine
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("%w: failed to register codecs: %w", ErrNegotiation, err)
	}

	var i interceptor.Registry
	if err := webrtc.RegisterDefaultInterceptors(&m, &i); err != nil {
		return nil, fmt.Errorf("%w: failed to register interceptors: %w", ErrNegotiation, err)
	}

	statsInterceptorFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stats interceptor: %w", ErrNegotiation, err)
	}
	statsGetterCh := make(chan stats.Getter, 1)
	statsInterceptorFactory.OnNewPeerConnection(func(_ string, g stats.Getter) {
		statsGetterCh <- g
	})
	i.Add(statsInterceptorFactory)

	sEngine := webrtc.SettingEngine{
		LoggerFactory: newPionLoggerFactory(log),
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&m),
		webrtc.WithSettingEngine(sEngine),
		webrtc.WithInterceptorRegistry(&i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.iceServers(),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create peer connection: %w", ErrNegotiation, err)
	}

	e := &rtcEngine{
		log:             log,
		pc:              pc,
		monitorInterval: cfg.MonitorInterval,
	}

	select {
	case e.statsGetter = <-statsGetterCh:
	case <-time.After(statsGetterTTL):
		log.Warn("stats getter unavailable, call quality won't be reported")
	}

	pc.OnConnectionStateChange(e.handleConnectionState)

	return e, nil
}

func (e *rtcEngine) handleConnectionState(st webrtc.PeerConnectionState) {
	e.log.Debug("peer connection state change", slog.String("state", st.String()))

	e.mut.Lock()
	if st == webrtc.PeerConnectionStateConnected && e.monitor == nil && e.statsGetter != nil && !e.closed {
		e.monitor = newRTCMonitor(e.log, e.pc, e.statsGetter, e.monitorInterval, e.reportQuality)
		e.monitor.Start()
	}
	cb := e.onState
	e.mut.Unlock()

	if cb != nil {
		cb(st)
	}
}

func (e *rtcEngine) reportQuality(q CallQuality) {
	e.mut.Lock()
	cb := e.onQuality
	e.mut.Unlock()
	if cb != nil {
		cb(q)
	}
}

func (e *rtcEngine) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: failed to create offer: %w", ErrNegotiation, err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: failed to set local description: %w", ErrNegotiation, err)
	}
	return offer, nil
}

func (e *rtcEngine) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: failed to set remote description: %w", ErrNegotiation, err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: failed to create answer: %w", ErrNegotiation, err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: failed to set local description: %w", ErrNegotiation, err)
	}
	return answer, nil
}

func (e *rtcEngine) SetRemote(desc webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: failed to set remote description: %w", ErrNegotiation, err)
	}
	return nil
}

func (e *rtcEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := e.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: failed to add candidate: %w", ErrNegotiation, err)
	}
	return nil
}

func (e *rtcEngine) AttachLocalTracks(stream MediaStream) error {
	for _, track := range stream.Tracks() {
		sender, err := e.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("%w: failed to add track: %w", ErrNegotiation, err)
		}
		go e.readSenderRTCP(sender)
	}
	return nil
}

// readSenderRTCP drains RTCP coming back for a local track so interceptors
// keep working.
func (e *rtcEngine) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				e.log.Debug("failed to read rtcp", slog.String("err", err.Error()))
			}
			return
		}
		for _, pkt := range pkts {
			if rr, ok := pkt.(*rtcp.ReceiverReport); ok {
				for _, report := range rr.Reports {
					e.log.Log(context.Background(), levelTrace, "receiver report",
						slog.Uint64("ssrc", uint64(report.SSRC)),
						slog.Uint64("fractionLost", uint64(report.FractionLost)),
						slog.Uint64("jitter", uint64(report.Jitter)))
				}
			}
		}
	}
}

func (e *rtcEngine) OnICECandidate(cb func(c webrtc.ICECandidateInit)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil signals the end of gathering.
		if c == nil {
			return
		}
		cb(c.ToJSON())
	})
}

func (e *rtcEngine) OnRemoteTrack(cb func(track *webrtc.TrackRemote)) {
	e.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.log.Debug("remote track",
			slog.String("mimeType", track.Codec().MimeType),
			slog.Uint64("ssrc", uint64(track.SSRC())))

		go func() {
			rtcpBuf := make([]byte, receiveMTU)
			for {
				if _, _, err := receiver.Read(rtcpBuf); err != nil {
					return
				}
			}
		}()

		cb(track)
	})
}

func (e *rtcEngine) OnConnectionStateChange(cb func(st webrtc.PeerConnectionState)) {
	e.mut.Lock()
	e.onState = cb
	e.mut.Unlock()
}

func (e *rtcEngine) OnCallQuality(cb func(q CallQuality)) {
	e.mut.Lock()
	e.onQuality = cb
	e.mut.Unlock()
}

func (e *rtcEngine) Close() error {
	e.mut.Lock()
	if e.closed {
		e.mut.Unlock()
		return nil
	}
	e.closed = true
	monitor := e.monitor
	e.mut.Unlock()

	if monitor != nil {
		monitor.Stop()
	}

	if err := e.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}

	return nil
}

func marshalDescription(desc webrtc.SessionDescription) ([]byte, error) {
	return json.Marshal(desc)
}

func unmarshalDescription(data []byte, expected webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return desc, fmt.Errorf("failed to unmarshal description: %w", err)
	}
	if desc.Type != expected {
		return desc, fmt.Errorf("unexpected description type %q", desc.Type.String())
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("empty description")
	}
	return desc, nil
}

// unmarshalCandidate decodes and validates a remote candidate.
func unmarshalCandidate(data []byte) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to unmarshal candidate: %w", err)
	}
	if c.Candidate == "" {
		return c, fmt.Errorf("empty candidate")
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(c.Candidate, "candidate:")); err != nil {
		return c, fmt.Errorf("failed to parse candidate: %w", err)
	}
	return c, nil
}
