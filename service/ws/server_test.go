// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/harmonlove/callhub/service/random"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func wsURL(t *testing.T, serverAddr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(serverAddr)
	require.NoError(t, err)
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws"}
	return u.String()
}

func setupClient(t *testing.T, serverAddr string, opts ...ClientOption) *Client {
	t.Helper()

	c, err := NewClient(context.Background(), ClientConfig{
		URL: wsURL(t, serverAddr),
	}, opts...)
	require.NoError(t, err)
	require.NotNil(t, c)

	return c
}

func setupServer(t *testing.T, opts ...ServerOption) (*Server, string, func()) {
	t.Helper()

	log, err := mlog.NewLogger()
	require.NoError(t, err)
	require.NotNil(t, log)

	cfg := ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    time.Second,
	}

	s, err := NewServer(cfg, log, opts...)
	require.NoError(t, err)
	require.NotNil(t, s)

	listener, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	require.NotNil(t, listener)
	go func() {
		_ = http.Serve(listener, s)
	}()

	return s, listener.Addr().String(), func() {
		s.Close()
		listener.Close()
		err := log.Shutdown()
		require.NoError(t, err)
	}
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok)
		return msg
	case <-time.After(waitTimeout):
		require.Fail(t, "timed out waiting for message")
	}
	return Message{}
}

func TestNewServer(t *testing.T) {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	defer func() {
		err := log.Shutdown()
		require.NoError(t, err)
	}()

	t.Run("empty config", func(t *testing.T) {
		s, err := NewServer(ServerConfig{}, log)
		require.Error(t, err)
		require.Nil(t, s)
	})

	t.Run("nil logger", func(t *testing.T) {
		cfg := ServerConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    time.Second,
		}
		s, err := NewServer(cfg, nil)
		require.Error(t, err)
		require.Nil(t, s)
	})

	t.Run("valid config", func(t *testing.T) {
		cfg := ServerConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    time.Second,
		}
		s, err := NewServer(cfg, log)
		require.NoError(t, err)
		require.NotNil(t, s)
		s.Close()
	})
}

func TestServeHTTP(t *testing.T) {
	t.Run("upgrade callback assigns id", func(t *testing.T) {
		connID := random.NewID()
		cb := func(_ http.ResponseWriter, _ *http.Request) (string, int, error) {
			return connID, 0, nil
		}
		s, addr, shutdown := setupServer(t, WithUpgradeCb(cb))
		defer shutdown()

		c := setupClient(t, addr)
		msg := receive(t, s.ReceiveCh())
		require.Equal(t, OpenMessage, msg.Type)
		require.Equal(t, connID, msg.ConnID)

		err := c.Send(BinaryMessage, []byte("some data"))
		require.NoError(t, err)

		msg = receive(t, s.ReceiveCh())
		require.Equal(t, BinaryMessage, msg.Type)
		require.Equal(t, connID, msg.ConnID)
		require.Equal(t, []byte("some data"), msg.Data)

		require.NoError(t, c.Close())
		msg = receive(t, s.ReceiveCh())
		require.Equal(t, CloseMessage, msg.Type)
		require.Equal(t, connID, msg.ConnID)
	})

	t.Run("upgrade callback rejects", func(t *testing.T) {
		cb := func(_ http.ResponseWriter, _ *http.Request) (string, int, error) {
			return "", http.StatusUnauthorized, errors.New("invalid resume token")
		}
		_, addr, shutdown := setupServer(t, WithUpgradeCb(cb))
		defer shutdown()

		c, err := NewClient(context.Background(), ClientConfig{URL: wsURL(t, addr)})
		require.Error(t, err)
		require.Nil(t, c)
		var hsErr *ErrHandshake
		require.True(t, errors.As(err, &hsErr))
		require.Equal(t, http.StatusUnauthorized, hsErr.StatusCode)
	})

	t.Run("duplicate id", func(t *testing.T) {
		connID := random.NewID()
		cb := func(_ http.ResponseWriter, _ *http.Request) (string, int, error) {
			return connID, 0, nil
		}
		s, addr, shutdown := setupServer(t, WithUpgradeCb(cb))
		defer shutdown()

		c := setupClient(t, addr)
		defer c.Close()
		receive(t, s.ReceiveCh())

		c2, err := NewClient(context.Background(), ClientConfig{URL: wsURL(t, addr)})
		require.Error(t, err)
		require.Nil(t, c2)
		var hsErr *ErrHandshake
		require.True(t, errors.As(err, &hsErr))
		require.Equal(t, http.StatusConflict, hsErr.StatusCode)
	})
}

func TestAddRemoveConn(t *testing.T) {
	s, _, shutdown := setupServer(t)
	defer shutdown()

	require.Empty(t, s.conns)

	t.Run("nil", func(t *testing.T) {
		require.False(t, s.addConn(nil))
		require.False(t, s.removeConn(nil))
		require.Empty(t, s.conns)
	})

	t.Run("duplicate", func(t *testing.T) {
		conn := newConn(random.NewID(), &websocket.Conn{})
		require.True(t, s.addConn(conn))
		require.Len(t, s.conns, 1)
		require.Equal(t, conn, s.getConn(conn.id))

		require.False(t, s.addConn(conn))
		require.False(t, s.addConn(newConn(conn.id, &websocket.Conn{})))
		require.Len(t, s.conns, 1)
	})

	t.Run("remove stale", func(t *testing.T) {
		conns := s.getConns()
		require.Len(t, conns, 1)
		stale := newConn(conns[0].id, &websocket.Conn{})
		require.False(t, s.removeConn(stale))
		require.True(t, s.removeConn(conns[0]))
		require.False(t, s.removeConn(conns[0]))
		require.Empty(t, s.conns)
		require.Nil(t, s.getConn(conns[0].id))
		require.Nil(t, s.getConn(""))
	})
}

func TestSendMessages(t *testing.T) {
	s, addr, shutdown := setupServer(t)
	defer shutdown()

	c := setupClient(t, addr)
	defer c.Close()

	openMsg := receive(t, s.ReceiveCh())
	require.Equal(t, OpenMessage, openMsg.Type)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			err := s.Send(Message{
				ConnID: openMsg.ConnID,
				Data:   []byte("some data"),
				Type:   BinaryMessage,
			})
			require.NoError(t, err)
		}
	}()

	go func() {
		defer wg.Done()
		var received int
		for msg := range c.ReceiveCh() {
			require.Equal(t, BinaryMessage, msg.Type)
			require.Equal(t, []byte("some data"), msg.Data)
			received++
			if received == 100 {
				break
			}
		}
		require.Equal(t, 100, received)
	}()

	wg.Wait()
}

func TestServerCloseMessage(t *testing.T) {
	s, addr, shutdown := setupServer(t)
	defer shutdown()

	c := setupClient(t, addr)
	defer c.Close()

	openMsg := receive(t, s.ReceiveCh())
	require.NoError(t, s.Send(Message{ConnID: openMsg.ConnID, Type: CloseMessage}))

	closeMsg := receive(t, s.ReceiveCh())
	require.Equal(t, CloseMessage, closeMsg.Type)
	require.Equal(t, openMsg.ConnID, closeMsg.ConnID)

	select {
	case _, ok := <-c.ReceiveCh():
		require.False(t, ok)
	case <-time.After(waitTimeout):
		require.Fail(t, "timed out waiting for client disconnect")
	}
}

func TestRaceSendClose(t *testing.T) {
	s, _, shutdown := setupServer(t)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = s.Send(Message{
				ConnID: "connID",
				Data:   []byte("some data"),
				Type:   BinaryMessage,
			})
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			s.Close()
		}
	}()

	wg.Wait()
	shutdown()

	require.EqualError(t, s.Send(Message{}), "server is closed")
}

func TestServerClose(t *testing.T) {
	s, addr, shutdown := setupServer(t)

	var clients []*Client
	for i := 0; i < 5; i++ {
		clients = append(clients, setupClient(t, addr))
	}

	go shutdown()

	var opened, closed int
	for msg := range s.ReceiveCh() {
		switch msg.Type {
		case OpenMessage:
			opened++
		case CloseMessage:
			closed++
		}
	}
	require.Equal(t, 5, opened)
	require.Equal(t, 5, closed)

	for _, c := range clients {
		require.NoError(t, c.Close())
	}
}
