// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package hub

import (
	"testing"
	"time"

	"github.com/harmonlove/callhub/service/perf"
	"github.com/harmonlove/callhub/service/random"
	"github.com/harmonlove/callhub/service/signaling"
	"github.com/harmonlove/callhub/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fakeTransport struct {
	receiveCh chan ws.Message
	sendCh    chan ws.Message
}

func (t *fakeTransport) Send(msg ws.Message) error {
	t.sendCh <- msg
	return nil
}

func (t *fakeTransport) ReceiveCh() <-chan ws.Message {
	return t.receiveCh
}

type TestHelper struct {
	tb        testing.TB
	hub       *Hub
	transport *fakeTransport
	metrics   *perf.Metrics
	log       *mlog.Logger
}

func setupTestHelper(tb testing.TB, cfg *Config) *TestHelper {
	tb.Helper()

	log, err := mlog.NewLogger()
	require.NoError(tb, err)

	if cfg == nil {
		cfg = &Config{}
		cfg.SetDefaults()
	}

	th := &TestHelper{
		tb: tb,
		transport: &fakeTransport{
			receiveCh: make(chan ws.Message, 64),
			sendCh:    make(chan ws.Message, 64),
		},
		metrics: perf.NewMetrics("test", nil),
		log:     log,
	}

	th.hub, err = New(*cfg, th.transport, log, th.metrics)
	require.NoError(tb, err)
	th.hub.Start()

	return th
}

func (th *TestHelper) Teardown() {
	th.hub.Stop()
	require.NoError(th.tb, th.log.Shutdown())
}

func (th *TestHelper) open(connID string) {
	th.transport.receiveCh <- ws.Message{ConnID: connID, Type: ws.OpenMessage}
}

func (th *TestHelper) close(connID string) {
	th.transport.receiveCh <- ws.Message{ConnID: connID, Type: ws.CloseMessage}
}

func (th *TestHelper) sendFrom(connID string, msg signaling.Message) {
	th.tb.Helper()
	data, err := msg.Pack()
	require.NoError(th.tb, err)
	th.transport.receiveCh <- ws.Message{ConnID: connID, Type: ws.BinaryMessage, Data: data}
}

// next returns the next message the hub sent.
func (th *TestHelper) next() signaling.Message {
	th.tb.Helper()
	select {
	case wsMsg := <-th.transport.sendCh:
		require.Equal(th.tb, ws.BinaryMessage, wsMsg.Type)
		msg, err := signaling.Unpack(wsMsg.Data)
		require.NoError(th.tb, err)
		require.Equal(th.tb, wsMsg.ConnID, msg.To)
		return msg
	case <-time.After(waitTimeout):
		require.Fail(th.tb, "timed out waiting for hub message")
	}
	return signaling.Message{}
}

func (th *TestHelper) requireNothingSent() {
	th.tb.Helper()
	select {
	case msg := <-th.transport.sendCh:
		require.Failf(th.tb, "unexpected message", "%+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// join connects a new peer and returns its id and resume token.
func (th *TestHelper) join() (string, string) {
	th.tb.Helper()
	connID := random.NewID()
	th.open(connID)
	hello := th.next()
	require.Equal(th.tb, signaling.HelloMessage, hello.Type)
	require.Equal(th.tb, connID, hello.To)
	require.NotEmpty(th.tb, hello.Data)
	return connID, string(hello.Data)
}

// pair sets up an accepted call between two new peers.
func (th *TestHelper) pair() (string, string, string) {
	th.tb.Helper()
	caller, _ := th.join()
	callee, _ := th.join()
	callID := random.NewID()

	th.sendFrom(caller, signaling.NewMessage(signaling.CallStartMessage, callee, callID, nil))
	msg := th.next()
	require.Equal(th.tb, signaling.IncomingCallMessage, msg.Type)

	th.sendFrom(callee, signaling.NewMessage(signaling.AcceptCallMessage, caller, callID, nil))
	msg = th.next()
	require.Equal(th.tb, signaling.AcceptCallMessage, msg.Type)

	return caller, callee, callID
}
