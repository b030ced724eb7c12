// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"log/slog"
	"time"

	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/webrtc/v4"
)

// CallQuality is a periodic sample of the media transport quality, taking
// the worst of the sending and receiving directions.
type CallQuality struct {
	LossRate float64
	Jitter   float64
}

type rtcMonitor struct {
	log         *slog.Logger
	pc          *webrtc.PeerConnection
	statsGetter stats.Getter
	interval    time.Duration
	report      func(q CallQuality)

	lastSndStats map[webrtc.SSRC]*stats.Stats
	lastRcvStats map[webrtc.SSRC]*stats.Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

func newRTCMonitor(log *slog.Logger, pc *webrtc.PeerConnection, sg stats.Getter, intv time.Duration, report func(q CallQuality)) *rtcMonitor {
	return &rtcMonitor{
		log:          log,
		pc:           pc,
		statsGetter:  sg,
		interval:     intv,
		report:       report,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		lastSndStats: make(map[webrtc.SSRC]*stats.Stats),
		lastRcvStats: make(map[webrtc.SSRC]*stats.Stats),
	}
}

func (m *rtcMonitor) gatherStats() (map[webrtc.SSRC]*stats.Stats, map[webrtc.SSRC]*stats.Stats) {
	sndStats := make(map[webrtc.SSRC]*stats.Stats)
	for _, snd := range m.pc.GetSenders() {
		if snd == nil {
			continue
		}
		params := snd.GetParameters()
		for i, enc := range params.Encodings {
			// Calls are audio only, which keeps the clock rate assumptions simple.
			if i >= len(params.Codecs) || params.Codecs[i].MimeType != webrtc.MimeTypeOpus {
				continue
			}
			if s := m.statsGetter.Get(uint32(enc.SSRC)); s != nil {
				sndStats[enc.SSRC] = s
			}
		}
	}

	rcvStats := make(map[webrtc.SSRC]*stats.Stats)
	for _, rcv := range m.pc.GetReceivers() {
		if rcv == nil {
			continue
		}
		track := rcv.Track()
		if track == nil || track.Codec().MimeType != webrtc.MimeTypeOpus {
			continue
		}
		if s := m.statsGetter.Get(uint32(track.SSRC())); s != nil {
			rcvStats[track.SSRC()] = s
		}
	}

	return sndStats, rcvStats
}

func (m *rtcMonitor) senderQuality(cur map[webrtc.SSRC]*stats.Stats) (q CallQuality, n int) {
	for ssrc, s := range cur {
		prev := m.lastSndStats[ssrc]
		if prev == nil || s.OutboundRTPStreamStats.PacketsSent == prev.OutboundRTPStreamStats.PacketsSent {
			continue
		}
		q.LossRate += s.RemoteInboundRTPStreamStats.FractionLost
		q.Jitter += s.RemoteInboundRTPStreamStats.Jitter
		n++
	}

	if n > 0 {
		q.LossRate /= float64(n)
		q.Jitter /= float64(n)
	}

	return q, n
}

func (m *rtcMonitor) receiverQuality(cur map[webrtc.SSRC]*stats.Stats) (q CallQuality, n int) {
	var lost, received float64
	for ssrc, s := range cur {
		prev := m.lastRcvStats[ssrc]
		if prev == nil || s.InboundRTPStreamStats.PacketsReceived == prev.InboundRTPStreamStats.PacketsReceived {
			continue
		}

		// Packets the remote claims to have sent that never reached us.
		missing := int64(s.RemoteOutboundRTPStreamStats.PacketsSent) - int64(s.InboundRTPStreamStats.PacketsReceived)
		prevMissing := int64(prev.RemoteOutboundRTPStreamStats.PacketsSent) - int64(prev.InboundRTPStreamStats.PacketsReceived)
		if prevMissing >= 0 && missing > prevMissing {
			lost += float64(missing - prevMissing)
		}
		received += float64(s.InboundRTPStreamStats.PacketsReceived - prev.InboundRTPStreamStats.PacketsReceived)
		q.Jitter += s.InboundRTPStreamStats.Jitter
		n++
	}

	if n > 0 {
		q.Jitter /= float64(n)
		q.LossRate = lost / received
	}

	return q, n
}

func (m *rtcMonitor) processStats(sndStats, rcvStats map[webrtc.SSRC]*stats.Stats) {
	defer func() {
		m.lastSndStats = sndStats
		m.lastRcvStats = rcvStats
	}()

	snd, sndCnt := m.senderQuality(sndStats)
	rcv, rcvCnt := m.receiverQuality(rcvStats)
	if sndCnt == 0 && rcvCnt == 0 {
		return
	}

	m.report(CallQuality{
		LossRate: max(snd.LossRate, rcv.LossRate),
		Jitter:   max(snd.Jitter, rcv.Jitter),
	})
}

func (m *rtcMonitor) Start() {
	m.log.Debug("starting rtc monitor")
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.processStats(m.gatherStats())
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *rtcMonitor) Stop() {
	m.log.Debug("stopping rtc monitor")
	close(m.stopCh)
	<-m.doneCh
}
