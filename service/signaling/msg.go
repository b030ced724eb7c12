// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signaling

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type MessageType string

const (
	HelloMessage            MessageType = "Hello"
	RequestMatchMessage     MessageType = "RequestMatch"
	MatchFoundMessage       MessageType = "MatchFound"
	NoMatchAvailableMessage MessageType = "NoMatchAvailable"
	CallStartMessage        MessageType = "CallStart"
	IncomingCallMessage     MessageType = "IncomingCall"
	AcceptCallMessage       MessageType = "AcceptCall"
	RejectCallMessage       MessageType = "RejectCall"
	CallEndedMessage        MessageType = "CallEnded"
	OfferMessage            MessageType = "Offer"
	AnswerMessage           MessageType = "Answer"
	CandidateMessage        MessageType = "Candidate"
)

// Reasons carried by RejectCall, CallEnded and NoMatchAvailable.
const (
	ReasonBusy         = "busy"
	ReasonDeclined     = "declined"
	ReasonUnavailable  = "unavailable"
	ReasonDisconnected = "disconnected"
	ReasonRateLimited  = "rate_limited"
	ReasonTimeout      = "timeout"
	ReasonFailed       = "failed"
)

func (t MessageType) IsValid() bool {
	switch t {
	case HelloMessage,
		RequestMatchMessage, MatchFoundMessage, NoMatchAvailableMessage,
		CallStartMessage, IncomingCallMessage,
		AcceptCallMessage, RejectCallMessage, CallEndedMessage,
		OfferMessage, AnswerMessage, CandidateMessage:
		return true
	default:
		return false
	}
}

// IsCallScoped reports whether messages of this type belong to a specific
// call and so must carry a call id.
func (t MessageType) IsCallScoped() bool {
	switch t {
	case CallStartMessage, IncomingCallMessage,
		AcceptCallMessage, RejectCallMessage, CallEndedMessage,
		OfferMessage, AnswerMessage, CandidateMessage:
		return true
	default:
		return false
	}
}

// Message is the envelope exchanged between clients and the hub. From is
// always stamped by the hub; a value set by a client is overwritten.
type Message struct {
	Type   MessageType
	From   string
	To     string
	CallID string
	Reason string
	Data   []byte
}

func (m *Message) IsValid() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid Type value %q", m.Type)
	}
	if m.Type.IsCallScoped() && m.CallID == "" {
		return fmt.Errorf("invalid CallID value: should not be empty")
	}
	return nil
}

var _ msgpack.CustomEncoder = (*Message)(nil)

func (m *Message) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeMulti(string(m.Type), m.From, m.To, m.CallID, m.Reason, m.Data)
}

var _ msgpack.CustomDecoder = (*Message)(nil)

func (m *Message) DecodeMsgpack(dec *msgpack.Decoder) error {
	msgType, err := dec.DecodeString()
	if err != nil {
		return fmt.Errorf("failed to decode msg.Type: %w", err)
	}
	m.Type = MessageType(msgType)

	if m.From, err = dec.DecodeString(); err != nil {
		return fmt.Errorf("failed to decode msg.From: %w", err)
	}
	if m.To, err = dec.DecodeString(); err != nil {
		return fmt.Errorf("failed to decode msg.To: %w", err)
	}
	if m.CallID, err = dec.DecodeString(); err != nil {
		return fmt.Errorf("failed to decode msg.CallID: %w", err)
	}
	if m.Reason, err = dec.DecodeString(); err != nil {
		return fmt.Errorf("failed to decode msg.Reason: %w", err)
	}
	if m.Data, err = dec.DecodeBytes(); err != nil {
		return fmt.Errorf("failed to decode msg.Data: %w", err)
	}

	return nil
}

func NewMessage(msgType MessageType, to, callID string, data []byte) Message {
	return Message{
		Type:   msgType,
		To:     to,
		CallID: callID,
		Data:   data,
	}
}

func (m *Message) Pack() ([]byte, error) {
	return msgpack.Marshal(m)
}

func (m *Message) Unpack(data []byte) error {
	return msgpack.Unmarshal(data, m)
}

// Unpack decodes a message from its wire representation.
func Unpack(data []byte) (Message, error) {
	var m Message
	if err := m.Unpack(data); err != nil {
		return m, err
	}
	return m, nil
}
