// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"testing"

	"github.com/harmonlove/callhub/service/signaling"

	"github.com/stretchr/testify/require"
)

func TestMatchmaker(t *testing.T) {
	signaler := newFakeSignaler()
	var results []MatchResult
	m := newMatchmaker(signaler, func(res MatchResult) {
		results = append(results, res)
	})
	defer m.Close()

	t.Run("pending", func(t *testing.T) {
		require.NoError(t, m.Request())
		require.True(t, m.Pending())
		require.ErrorIs(t, m.Request(), ErrMatchPending)
		require.Len(t, signaler.sentCh, 1)
		<-signaler.sentCh

		signaler.deliver(signaling.Message{Type: signaling.MatchFoundMessage, Data: []byte(highID)})
		require.False(t, m.Pending())
		require.Equal(t, []MatchResult{{Found: true, RemoteID: highID}}, results)

		// Unsolicited answers are dropped.
		signaler.deliver(signaling.Message{Type: signaling.MatchFoundMessage, Data: []byte(lowID)})
		require.Len(t, results, 1)
	})

	t.Run("no match", func(t *testing.T) {
		results = nil
		require.NoError(t, m.Request())
		<-signaler.sentCh
		signaler.deliver(signaling.Message{Type: signaling.NoMatchAvailableMessage, Reason: signaling.ReasonRateLimited})
		require.Equal(t, []MatchResult{{Reason: signaling.ReasonRateLimited}}, results)
	})

	t.Run("cancel", func(t *testing.T) {
		results = nil
		require.NoError(t, m.Request())
		<-signaler.sentCh
		m.Cancel()
		signaler.deliver(signaling.Message{Type: signaling.MatchFoundMessage, Data: []byte(highID)})
		require.Empty(t, results)
	})

	t.Run("answer to another request", func(t *testing.T) {
		results = nil
		require.NoError(t, m.Request())
		first := <-signaler.sentCh
		require.NotEmpty(t, first.CallID)
		m.Cancel()

		require.NoError(t, m.Request())
		second := <-signaler.sentCh
		require.NotEqual(t, first.CallID, second.CallID)

		signaler.deliver(signaling.Message{Type: signaling.MatchFoundMessage, CallID: first.CallID, Data: []byte(highID)})
		require.Empty(t, results)
		require.True(t, m.Pending())

		signaler.deliver(signaling.Message{Type: signaling.MatchFoundMessage, CallID: second.CallID, Data: []byte(lowID)})
		require.Equal(t, []MatchResult{{Found: true, RemoteID: lowID}}, results)
	})

	t.Run("empty match", func(t *testing.T) {
		results = nil
		require.NoError(t, m.Request())
		<-signaler.sentCh
		signaler.deliver(signaling.Message{Type: signaling.MatchFoundMessage})
		require.Equal(t, []MatchResult{{Reason: "empty match"}}, results)
	})
}
