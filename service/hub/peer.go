// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package hub

import (
	"time"

	"github.com/harmonlove/callhub/service/signaling"

	"golang.org/x/time/rate"
)

type peer struct {
	id          string
	resumeToken string
	connected   bool
	limiter     *rate.Limiter
	// queue holds messages addressed to the peer while it is in
	// reconnect grace.
	queue      []signaling.Message
	graceTimer *time.Timer
	// graceSeq identifies the current grace period so that an expiry
	// racing with a resume is ignored.
	graceSeq int
}

// call tracks a call the hub has seen being set up, so that busy peers are
// excluded from matchmaking and partners can be notified on disconnect.
type call struct {
	id       string
	caller   string
	callee   string
	accepted bool
}

func (c *call) other(peerID string) string {
	if peerID == c.caller {
		return c.callee
	}
	return c.caller
}

func (c *call) has(peerID string) bool {
	return peerID == c.caller || peerID == c.callee
}
