// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package hub

import (
	"fmt"
	"time"
)

type Config struct {
	// How long a disconnected peer keeps its id, pairing and queued
	// messages while waiting to resume. Zero forgets peers immediately.
	ReconnectGrace time.Duration `toml:"reconnect_grace"`
	// Maximum number of messages queued for a peer in reconnect grace.
	MaxQueuedMessages int `toml:"max_queued_messages"`
	// Sustained rate of match requests allowed per peer, in requests per second.
	MatchRateLimit float64 `toml:"match_rate_limit"`
	// Number of match requests a peer can burst above the sustained rate.
	MatchRateBurst int `toml:"match_rate_burst"`
}

func (c Config) IsValid() error {
	if c.ReconnectGrace < 0 {
		return fmt.Errorf("invalid ReconnectGrace value: should not be negative")
	}
	if c.MaxQueuedMessages <= 0 {
		return fmt.Errorf("invalid MaxQueuedMessages value: should be greater than zero")
	}
	if c.MatchRateLimit <= 0 {
		return fmt.Errorf("invalid MatchRateLimit value: should be greater than zero")
	}
	if c.MatchRateBurst <= 0 {
		return fmt.Errorf("invalid MatchRateBurst value: should be greater than zero")
	}
	return nil
}

func (c *Config) SetDefaults() {
	c.ReconnectGrace = 10 * time.Second
	c.MaxQueuedMessages = 64
	c.MatchRateLimit = 1
	c.MatchRateBurst = 5
}
