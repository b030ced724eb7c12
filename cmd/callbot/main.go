// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harmonlove/callhub/client"
	"github.com/harmonlove/callhub/service"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const rematchDelay = 2 * time.Second

type bot struct {
	c         *client.Client
	log       *slog.Logger
	recordDir string

	mut       sync.Mutex
	lastState client.State
	rematch   *time.Timer
	closed    bool
}

func (b *bot) scheduleMatch() {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.closed {
		return
	}
	if b.rematch != nil {
		b.rematch.Stop()
	}
	b.rematch = time.AfterFunc(rematchDelay, func() {
		if err := b.c.RequestMatch(); err != nil && !errors.Is(err, client.ErrClosed) {
			b.log.Warn("failed to request match", slog.String("err", err.Error()))
		}
	})
}

func (b *bot) stop() {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.closed = true
	if b.rematch != nil {
		b.rematch.Stop()
	}
}

func (b *bot) handleStateChange(ctx any) error {
	sess := ctx.(client.Session)

	b.mut.Lock()
	prev := b.lastState
	b.lastState = sess.State
	b.mut.Unlock()

	b.log.Info("state change", slog.String("state", string(sess.State)), slog.String("remoteID", sess.RemoteID))

	switch {
	case sess.State == client.StateAwaitingCallStart:
		return b.c.StartCall()
	case sess.State == client.StateIdle && prev == client.StateMatching:
		// Nobody was available, try again later.
		b.scheduleMatch()
	}

	return nil
}

func (b *bot) handleIncomingCall(ctx any) error {
	sess := ctx.(client.Session)
	b.log.Info("incoming call", slog.String("callID", sess.CallID), slog.String("from", sess.RemoteID))
	// Crossed calls are accepted automatically.
	if err := b.c.AcceptCall(); err != nil && !errors.Is(err, client.ErrInvalidState) {
		return err
	}
	return nil
}

func (b *bot) handleCallEnd(ctx any) error {
	end := ctx.(client.CallEnd)
	b.log.Info("call ended", slog.String("callID", end.CallID), slog.String("reason", end.Reason))
	b.scheduleMatch()
	return nil
}

func (b *bot) handleRemoteTrack(ctx any) error {
	track := ctx.(*webrtc.TrackRemote)
	sess := b.c.Session()

	if b.recordDir == "" || track.Codec().MimeType != webrtc.MimeTypeOpus {
		go discardTrack(track)
		return nil
	}

	path := filepath.Join(b.recordDir, fmt.Sprintf("%s_%s.ogg", sess.CallID, sess.RemoteID))
	w, err := oggwriter.New(path, track.Codec().ClockRate, track.Codec().Channels)
	if err != nil {
		go discardTrack(track)
		return fmt.Errorf("failed to create recording: %w", err)
	}

	b.log.Info("recording call", slog.String("path", path))

	go func() {
		defer w.Close()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					b.log.Debug("failed to read rtp", slog.String("err", err.Error()))
				}
				return
			}
			if err := w.WriteRTP(pkt); err != nil {
				b.log.Error("failed to write rtp", slog.String("err", err.Error()))
				return
			}
		}
	}()

	return nil
}

func discardTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func parseICEServers(s string) []client.ICEServerConfig {
	var servers []client.ICEServerConfig
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			servers = append(servers, client.ICEServerConfig{URLs: []string{u}})
		}
	}
	return servers
}

func main() {
	var hubURL, oggPath, recordDir, iceServers string
	var matchTimeout time.Duration
	flag.StringVar(&hubURL, "url", "http://localhost:8045", "URL of the callhub service.")
	flag.StringVar(&oggPath, "ogg", "", "Ogg/Opus file to stream during calls. Silence is sent if empty.")
	flag.StringVar(&recordDir, "record", "", "Directory to record remote audio to.")
	flag.StringVar(&iceServers, "ice", "stun:stun.l.google.com:19302", "Comma separated list of STUN servers.")
	flag.DurationVar(&matchTimeout, "match-timeout", 10*time.Second, "How long to wait for a match.")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	apiClient, err := service.NewClient(service.ClientConfig{URL: hubURL})
	if err != nil {
		log.Fatalf("callbot: failed to create api client: %s", err.Error())
	}
	defer apiClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	info, err := apiClient.GetVersion(ctx)
	cancel()
	if err != nil {
		log.Fatalf("callbot: failed to reach callhub: %s", err.Error())
	}
	logger.Info("connected to callhub", slog.String("version", info.BuildVersion), slog.String("hash", info.BuildHash))

	if recordDir != "" {
		if err := os.MkdirAll(recordDir, 0700); err != nil {
			log.Fatalf("callbot: failed to create record directory: %s", err.Error())
		}
	}

	source := client.NewSilenceSource(logger)
	if oggPath != "" {
		source = client.NewOggFileSource(oggPath, logger)
	}

	c, err := client.New(client.Config{
		URL:          apiClient.WebSocketURL(),
		ICEServers:   parseICEServers(iceServers),
		MatchTimeout: matchTimeout,
	}, client.WithLogger(logger), client.WithMediaSource(source))
	if err != nil {
		log.Fatalf("callbot: failed to create client: %s", err.Error())
	}

	b := &bot{
		c:         c,
		log:       logger,
		recordDir: recordDir,
		lastState: client.StateIdle,
	}

	handlers := map[client.EventType]client.EventHandler{
		client.SignalingConnectEvent: func(_ any) error {
			if c.Session().State == client.StateIdle {
				return c.RequestMatch()
			}
			return nil
		},
		client.SignalingDisconnectEvent: func(_ any) error {
			logger.Warn("signaling disconnected")
			return nil
		},
		client.StateChangeEvent:  b.handleStateChange,
		client.IncomingCallEvent: b.handleIncomingCall,
		client.CallEndEvent:      b.handleCallEnd,
		client.RemoteTrackEvent:  b.handleRemoteTrack,
		client.CallQualityEvent: func(ctx any) error {
			q := ctx.(client.CallQuality)
			logger.Debug("call quality", slog.Float64("lossRate", q.LossRate), slog.Float64("jitter", q.Jitter))
			return nil
		},
		client.ErrorEvent: func(ctx any) error {
			logger.Warn("client error", slog.String("err", ctx.(error).Error()))
			return nil
		},
	}
	for eventType, h := range handlers {
		if err := c.On(eventType, h); err != nil {
			log.Fatalf("callbot: failed to register handler: %s", err.Error())
		}
	}

	if err := c.Connect(context.Background()); err != nil {
		log.Fatalf("callbot: failed to connect: %s", err.Error())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	b.stop()
	if err := c.EndCall(); err != nil {
		logger.Warn("failed to end call", slog.String("err", err.Error()))
	}
	if err := c.Close(); err != nil {
		log.Fatalf("callbot: failed to close client: %s", err.Error())
	}
}
