// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	defaultReconnectInterval = 2 * time.Second
	defaultMonitorInterval   = 5 * time.Second
)

type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

func (c ICEServerConfig) IsValid() error {
	if len(c.URLs) == 0 {
		return fmt.Errorf("invalid URLs value: should not be empty")
	}

	for _, u := range c.URLs {
		uri, err := stun.ParseURI(u)
		if err != nil {
			return fmt.Errorf("invalid URL value %q: %w", u, err)
		}
		if (uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS) && (c.Username == "" || c.Credential == "") {
			return fmt.Errorf("invalid credentials for %q: TURN servers require Username and Credential", u)
		}
	}

	return nil
}

func (c ICEServerConfig) toWebRTC() webrtc.ICEServer {
	return webrtc.ICEServer{
		URLs:       c.URLs,
		Username:   c.Username,
		Credential: c.Credential,
	}
}

type Config struct {
	// URL is the WebSocket URL of the hub (e.g. ws://localhost:8045/ws).
	URL string
	// ICEServers are handed to the peer connection for NAT traversal.
	ICEServers []ICEServerConfig
	// MatchTimeout bounds how long a match request may stay unanswered.
	// Zero disables it.
	MatchTimeout time.Duration
	// NegotiationTimeout bounds how long a call may take to connect.
	// Zero disables it.
	NegotiationTimeout time.Duration
	// StallTimeout is how long a call survives after a failed send with no
	// message from the remote peer. Zero disables it.
	StallTimeout time.Duration
	// ReconnectInterval is the wait between reconnect attempts to the hub.
	ReconnectInterval time.Duration
	// MonitorInterval is how often call quality is sampled.
	MonitorInterval time.Duration
}

func (c *Config) Parse() error {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		return fmt.Errorf("invalid URL value: should not be empty")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q", u.Scheme)
	}

	for i, s := range c.ICEServers {
		if err := s.IsValid(); err != nil {
			return fmt.Errorf("invalid ICEServers[%d] value: %w", i, err)
		}
	}

	if c.MatchTimeout < 0 {
		return fmt.Errorf("invalid MatchTimeout value: should not be negative")
	}
	if c.NegotiationTimeout < 0 {
		return fmt.Errorf("invalid NegotiationTimeout value: should not be negative")
	}
	if c.StallTimeout < 0 {
		return fmt.Errorf("invalid StallTimeout value: should not be negative")
	}

	if c.ReconnectInterval < 0 {
		return fmt.Errorf("invalid ReconnectInterval value: should not be negative")
	} else if c.ReconnectInterval == 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}

	if c.MonitorInterval < 0 {
		return fmt.Errorf("invalid MonitorInterval value: should not be negative")
	} else if c.MonitorInterval == 0 {
		c.MonitorInterval = defaultMonitorInterval
	}

	return nil
}

func (c Config) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		servers = append(servers, s.toWebRTC())
	}
	return servers
}
