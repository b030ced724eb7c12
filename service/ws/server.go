// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/harmonlove/callhub/service/random"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	sendChSize    = 256
	receiveChSize = 256
	writeWaitTime = 10 * time.Second
)

// UpgradeCb is called before upgrading a connection. It returns the id the
// connection should be registered under (empty means a new random id) or an
// error together with the HTTP status code to reply with.
type UpgradeCb func(w http.ResponseWriter, r *http.Request) (string, int, error)

type Server struct {
	cfg        ServerConfig
	log        mlog.LoggerIFace
	conns      map[string]*conn
	upgradeCb  UpgradeCb
	mut        sync.RWMutex
	closed     bool
	wg         sync.WaitGroup
	sendCh     chan Message
	receiveCh  chan Message
	writerDone chan struct{}
}

func NewServer(cfg ServerConfig, log mlog.LoggerIFace, opts ...ServerOption) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if log == nil {
		return nil, fmt.Errorf("invalid log value: should not be nil")
	}

	s := &Server{
		cfg:        cfg,
		log:        log,
		conns:      make(map[string]*conn),
		sendCh:     make(chan Message, sendChSize),
		receiveCh:  make(chan Message, receiveChSize),
		writerDone: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	go s.connWriter()

	return s, nil
}

// Send queues a message to be written to the connection identified by
// msg.ConnID. A CloseMessage closes that connection.
func (s *Server) Send(msg Message) error {
	s.mut.RLock()
	defer s.mut.RUnlock()
	if s.closed {
		return fmt.Errorf("server is closed")
	}
	select {
	case s.sendCh <- msg:
	default:
		return fmt.Errorf("failed to send message: channel is full")
	}
	return nil
}

// ReceiveCh returns the channel carrying frames read from every connection,
// plus an OpenMessage and a CloseMessage for each connection's lifetime.
// It is closed once the server has been closed and all connections are gone.
func (s *Server) ReceiveCh() <-chan Message {
	return s.receiveCh
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		http.Error(w, "server is closed", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mut.Unlock()
	defer s.wg.Done()

	var connID string
	if s.upgradeCb != nil {
		id, code, err := s.upgradeCb(w, r)
		if err != nil {
			s.log.Warn("ws: upgrade rejected", mlog.Err(err), mlog.Int("code", code))
			http.Error(w, err.Error(), code)
			return
		}
		connID = id
	}
	if connID == "" {
		connID = random.NewID()
	}

	if s.getConn(connID) != nil {
		http.Error(w, "connection is already open", http.StatusConflict)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ws: failed to upgrade connection", mlog.Err(err))
		return
	}
	ws.SetReadLimit(connMaxReadBytes)

	conn := newConn(connID, ws)
	if !s.addConn(conn) {
		s.log.Warn("ws: failed to register connection", mlog.String("connID", connID))
		ws.Close()
		return
	}
	defer func() {
		conn.markClosed()
		s.removeConn(conn)
		if err := conn.close(); err != nil {
			s.log.Debug("ws: failed to close conn", mlog.String("connID", connID), mlog.Err(err))
		}
		s.receiveCh <- newCloseMessage(connID)
	}()

	s.receiveCh <- newOpenMessage(connID)

	pingTimeout := 2 * s.cfg.PingInterval
	if err := ws.SetReadDeadline(time.Now().Add(pingTimeout)); err != nil {
		s.log.Error("ws: failed to set read deadline", mlog.Err(err))
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pingTimeout))
	})
	go s.pinger(conn)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws: read failed", mlog.String("connID", connID), mlog.Err(err))
			}
			return
		}

		var msgType MessageType
		switch mt {
		case websocket.TextMessage:
			msgType = TextMessage
		case websocket.BinaryMessage:
			msgType = BinaryMessage
		default:
			continue
		}

		s.receiveCh <- Message{
			ConnID: connID,
			Type:   msgType,
			Data:   data,
		}
	}
}

func (s *Server) pinger(c *conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWaitTime)); err != nil {
				s.log.Debug("ws: failed to send ping", mlog.String("connID", c.id), mlog.Err(err))
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// Close disconnects every connection and waits for their handlers to
// return. ReceiveCh is closed afterwards.
func (s *Server) Close() {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return
	}
	s.closed = true
	close(s.sendCh)
	s.mut.Unlock()

	<-s.writerDone

	for _, conn := range s.getConns() {
		if err := conn.close(); err != nil {
			s.log.Error("ws: failed to close conn", mlog.Err(err))
		}
	}

	s.wg.Wait()
	close(s.receiveCh)
}

func (s *Server) connWriter() {
	defer close(s.writerDone)
	for msg := range s.sendCh {
		conn := s.getConn(msg.ConnID)
		if conn == nil {
			s.log.Debug("ws: no conn for sending", mlog.String("connID", msg.ConnID))
			continue
		}

		if msg.Type == CloseMessage {
			if err := conn.close(); err != nil {
				s.log.Error("ws: failed to close conn", mlog.String("connID", msg.ConnID), mlog.Err(err))
			}
			continue
		}

		msgType := websocket.BinaryMessage
		if msg.Type == TextMessage {
			msgType = websocket.TextMessage
		}

		if err := conn.ws.SetWriteDeadline(time.Now().Add(writeWaitTime)); err != nil {
			s.log.Error("ws: failed to set write deadline", mlog.String("connID", msg.ConnID), mlog.Err(err))
			continue
		}
		if err := conn.ws.WriteMessage(msgType, msg.Data); err != nil {
			s.log.Error("ws: failed to write message", mlog.String("connID", msg.ConnID), mlog.Err(err))
		}
	}
}
