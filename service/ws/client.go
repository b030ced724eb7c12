// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsConnClosed int32 = iota
	wsConnOpen
	wsConnClosing
)

// ErrHandshake is returned by NewClient when the server rejected the
// upgrade. StatusCode holds the HTTP status of the rejection.
type ErrHandshake struct {
	StatusCode int
	Err        error
}

func (e *ErrHandshake) Error() string {
	return fmt.Sprintf("handshake failed with status %d: %s", e.StatusCode, e.Err)
}

func (e *ErrHandshake) Unwrap() error {
	return e.Err
}

type Client struct {
	cfg       ClientConfig
	conn      *conn
	sendCh    chan Message
	receiveCh chan Message
	errorCh   chan error
	wg        sync.WaitGroup
	connState int32
}

// NewClient dials the configured URL and returns a connected WebSocket
// client.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	dialURL, err := cfg.dialURL()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &ErrHandshake{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		conn:      newConn(cfg.ConnID, ws),
		sendCh:    make(chan Message, sendChSize),
		receiveCh: make(chan Message, receiveChSize),
		errorCh:   make(chan error, 1),
	}

	if cfg.PingTimeout > 0 {
		if err := ws.SetReadDeadline(time.Now().Add(cfg.PingTimeout)); err != nil {
			ws.Close()
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
		ws.SetPingHandler(func(data string) error {
			if err := ws.SetReadDeadline(time.Now().Add(cfg.PingTimeout)); err != nil {
				return err
			}
			err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWaitTime))
			if err == websocket.ErrCloseSent {
				return nil
			}
			return err
		})
	}

	c.setConnState(wsConnOpen)
	c.wg.Add(2)
	go c.connReader()
	go c.connWriter()

	return c, nil
}

func (c *Client) connReader() {
	defer func() {
		close(c.receiveCh)
		c.wg.Done()
		c.conn.markClosed()
		c.wg.Wait()
		c.setConnState(wsConnClosed)
		close(c.errorCh)
	}()

	c.conn.ws.SetReadLimit(connMaxReadBytes)

	for {
		mt, data, err := c.conn.ws.ReadMessage()
		if err != nil {
			c.sendError(fmt.Errorf("failed to read message: %w", err))
			return
		}

		var msgType MessageType
		switch mt {
		case websocket.TextMessage:
			msgType = TextMessage
		case websocket.BinaryMessage:
			msgType = BinaryMessage
		default:
			c.sendError(fmt.Errorf("unexpected message type: %d", mt))
			continue
		}

		c.receiveCh <- Message{
			Type: msgType,
			Data: data,
		}
	}
}

func (c *Client) connWriter() {
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.sendCh:
			msgType := websocket.BinaryMessage
			if msg.Type == TextMessage {
				msgType = websocket.TextMessage
			}
			if err := c.conn.ws.SetWriteDeadline(time.Now().Add(writeWaitTime)); err != nil {
				c.sendError(fmt.Errorf("failed to set write deadline: %w", err))
			}
			if err := c.conn.ws.WriteMessage(msgType, msg.Data); err != nil {
				c.sendError(fmt.Errorf("failed to write message: %w", err))
			}
		case <-c.conn.closeCh:
			return
		}
	}
}

func (c *Client) sendError(err error) {
	if c.getConnState() != wsConnOpen {
		return
	}
	select {
	case c.errorCh <- err:
	default:
	}
}

// Send queues a WebSocket message with the specified type and data.
func (c *Client) Send(mt MessageType, data []byte) error {
	if c.getConnState() != wsConnOpen {
		return fmt.Errorf("failed to send message: connection is closed")
	}

	msg := Message{
		Type: mt,
		Data: data,
	}
	select {
	case c.sendCh <- msg:
	default:
		return fmt.Errorf("failed to send message: channel is full")
	}
	return nil
}

// ReceiveCh returns a channel that should be used to receive messages from the
// underlying ws connection. It's closed when the connection drops.
func (c *Client) ReceiveCh() <-chan Message {
	return c.receiveCh
}

// ErrorCh returns a channel that is used to receive client errors
// asynchronously.
func (c *Client) ErrorCh() <-chan error {
	return c.errorCh
}

// Close closes the underlying WebSocket connection.
func (c *Client) Close() error {
	if c.getConnState() == wsConnClosed {
		c.wg.Wait()
		return nil
	}
	c.setConnState(wsConnClosing)
	_ = c.conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.close()
	c.wg.Wait()
	return err
}

func (c *Client) setConnState(st int32) {
	atomic.StoreInt32(&c.connState, st)
}

func (c *Client) getConnState() int32 {
	return atomic.LoadInt32(&c.connState)
}
