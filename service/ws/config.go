// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/harmonlove/callhub/service/random"
)

const (
	// ConnIDParam is the query parameter a client uses to resume a
	// previously assigned connection id.
	ConnIDParam = "connection_id"
	// ResumeTokenParam is the query parameter carrying the secret that
	// proves ownership of the resumed connection id.
	ResumeTokenParam = "resume_token"
)

type ServerConfig struct {
	// ReadBufferSize specifies the size of the internal buffer
	// used to read from a ws connection.
	ReadBufferSize int `toml:"read_buffer_size"`
	// WriteBufferSize specifies the size of the internal buffer
	// used to write to a ws connection.
	WriteBufferSize int `toml:"write_buffer_size"`
	// PingInterval specifies the interval at which the server should send ping
	// messages to its connections. If the client doesn't respond in 2*PingInterval
	// the server will consider the client as disconnected and drop the connection.
	PingInterval time.Duration `toml:"ping_interval"`
}

func (c ServerConfig) IsValid() error {
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("invalid ReadBufferSize value: should be greater than zero")
	}
	if c.WriteBufferSize <= 0 {
		return fmt.Errorf("invalid WriteBufferSize value: should be greater than zero")
	}
	if c.PingInterval < time.Second {
		return fmt.Errorf("invalid PingInterval value: should be at least 1 second")
	}

	return nil
}

type ClientConfig struct {
	// URL specifies the WebSocket URL to connect to.
	// Should start with either `ws://` or `wss://`.
	URL string
	// ConnID specifies the id of the connection to be resumed in case of
	// reconnection. Should be left empty on initial connect.
	ConnID string
	// ResumeToken is the secret handed out by the hub together with ConnID.
	// Required when ConnID is set.
	ResumeToken string
	// HandshakeTimeout bounds the time spent dialing and upgrading.
	HandshakeTimeout time.Duration
	// PingTimeout, if set, makes the client drop the connection when no
	// ping is received from the server for this long.
	PingTimeout time.Duration
}

func (c ClientConfig) IsValid() error {
	if c.URL == "" {
		return fmt.Errorf("invalid URL value: should not be empty")
	}

	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf(`invalid URL value: should start with "ws://" or "wss://"`)
	}

	if c.ConnID != "" && !random.IsValidID(c.ConnID) {
		return fmt.Errorf("invalid ConnID value: should be %d characters long", random.IDLength)
	}

	if c.ConnID != "" && c.ResumeToken == "" {
		return fmt.Errorf("invalid ResumeToken value: should not be empty when ConnID is set")
	}

	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("invalid HandshakeTimeout value: should not be negative")
	}

	if c.PingTimeout < 0 {
		return fmt.Errorf("invalid PingTimeout value: should not be negative")
	}

	return nil
}

func (c ClientConfig) dialURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	if c.ConnID != "" {
		q := u.Query()
		q.Set(ConnIDParam, c.ConnID)
		q.Set(ResumeTokenParam, c.ResumeToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
