// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

type MessageType int

const (
	TextMessage MessageType = iota + 1
	BinaryMessage
	OpenMessage
	CloseMessage
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	case OpenMessage:
		return "open"
	case CloseMessage:
		return "close"
	default:
		return "unknown"
	}
}

// Message is a single WebSocket frame tagged with the id of the connection
// it was received from or should be sent to.
type Message struct {
	ConnID string
	Type   MessageType
	Data   []byte
}

func newOpenMessage(connID string) Message {
	return Message{
		ConnID: connID,
		Type:   OpenMessage,
	}
}

func newCloseMessage(connID string) Message {
	return Message{
		ConnID: connID,
		Type:   CloseMessage,
	}
}
