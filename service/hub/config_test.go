// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigIsValid(t *testing.T) {
	t.Run("empty struct", func(t *testing.T) {
		var cfg Config
		err := cfg.IsValid()
		require.Error(t, err)
		require.Equal(t, "invalid MaxQueuedMessages value: should be greater than zero", err.Error())
	})

	t.Run("negative grace", func(t *testing.T) {
		var cfg Config
		cfg.SetDefaults()
		cfg.ReconnectGrace = -time.Second
		err := cfg.IsValid()
		require.Error(t, err)
		require.Equal(t, "invalid ReconnectGrace value: should not be negative", err.Error())
	})

	t.Run("invalid rate", func(t *testing.T) {
		var cfg Config
		cfg.SetDefaults()
		cfg.MatchRateLimit = 0
		err := cfg.IsValid()
		require.Error(t, err)
		require.Equal(t, "invalid MatchRateLimit value: should be greater than zero", err.Error())

		cfg.MatchRateLimit = 1
		cfg.MatchRateBurst = 0
		err = cfg.IsValid()
		require.Error(t, err)
		require.Equal(t, "invalid MatchRateBurst value: should be greater than zero", err.Error())
	})

	t.Run("defaults", func(t *testing.T) {
		var cfg Config
		cfg.SetDefaults()
		require.NoError(t, cfg.IsValid())
	})

	t.Run("zero grace", func(t *testing.T) {
		var cfg Config
		cfg.SetDefaults()
		cfg.ReconnectGrace = 0
		require.NoError(t, cfg.IsValid())
	})
}
