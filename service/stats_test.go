// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetStats(t *testing.T) {
	th := SetupTestHelper(t, nil)
	defer th.Teardown()

	t.Run("invalid method", func(t *testing.T) {
		resp, err := http.Post(th.apiURL+"/stats", "", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("empty", func(t *testing.T) {
		stats, err := th.apiClient.GetStats(context.Background())
		require.NoError(t, err)
		require.Equal(t, Stats{}, stats)
	})

	t.Run("connected peers", func(t *testing.T) {
		c1 := th.connectWS(t)
		defer c1.Close()
		c2 := th.connectWS(t)
		defer c2.Close()

		require.Eventually(t, func() bool {
			stats, err := th.apiClient.GetStats(context.Background())
			require.NoError(t, err)
			return stats == Stats{Connections: 2, Peers: 2}
		}, 2*time.Second, 20*time.Millisecond)
	})
}
