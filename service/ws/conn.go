// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

const (
	connMaxReadBytes = 1024 * 1024 // 1MB
)

type conn struct {
	id        string
	ws        *websocket.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		closeCh: make(chan struct{}),
	}
}

func (c *conn) close() error {
	return c.ws.Close()
}

func (c *conn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}

func (s *Server) addConn(c *conn) bool {
	if c == nil {
		return false
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.conns[c.id]; ok {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) removeConn(c *conn) bool {
	if c == nil {
		return false
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if cur, ok := s.conns[c.id]; !ok || cur != c {
		return false
	}
	delete(s.conns, c.id)
	return true
}

func (s *Server) getConn(connID string) *conn {
	s.mut.RLock()
	defer s.mut.RUnlock()

	if connID != "" {
		return s.conns[connID]
	}

	return nil
}

func (s *Server) getConns() []*conn {
	s.mut.RLock()
	defer s.mut.RUnlock()
	conns := make([]*conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}
