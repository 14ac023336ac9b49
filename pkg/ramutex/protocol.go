package ramutex

import (
	"encoding/json"
	"fmt"
)

type MsgType string

const (
	MsgTypeRequest MsgType = "request"
	MsgTypeReply   MsgType = "reply"
)

type Msg interface {
	GetType() MsgType
	GetSenderTS() Timestamp
	GetSenderPID() PeerID

	fmt.Stringer
}

type IncomingMsg struct {
	SourceId PeerID
	Msg      Msg
}

type RequestMsg struct {
	SenderTS  Timestamp `json:"senderTS"`
	SenderPID PeerID    `json:"senderPID"`
}

func (msg *RequestMsg) GetType() MsgType {
	return MsgTypeRequest
}

func (msg *RequestMsg) GetSenderTS() Timestamp {
	return msg.SenderTS
}

func (msg *RequestMsg) GetSenderPID() PeerID {
	return msg.SenderPID
}

func (msg *RequestMsg) String() string {
	return fmt.Sprintf("Request{senderTS: %d, senderPID: %q}",
		msg.SenderTS, msg.SenderPID)
}

type ReplyMsg struct {
	SenderTS  Timestamp `json:"senderTS"`
	SenderPID PeerID    `json:"senderPID"`
}

func (msg *ReplyMsg) GetType() MsgType {
	return MsgTypeReply
}

func (msg *ReplyMsg) GetSenderTS() Timestamp {
	return msg.SenderTS
}

func (msg *ReplyMsg) GetSenderPID() PeerID {
	return msg.SenderPID
}

func (msg *ReplyMsg) String() string {
	return fmt.Sprintf("Reply{senderTS: %d, senderPID: %q}",
		msg.SenderTS, msg.SenderPID)
}

type msgEnvelope struct {
	Type  MsgType         `json:"type"`
	Value json.RawMessage `json:"value"`
}

func EncodeMsg(msg Msg) ([]byte, error) {
	value := struct {
		Type  MsgType `json:"type"`
		Value Msg     `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeMsg(data []byte) (Msg, error) {
	var envelope msgEnvelope

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var msg Msg

	switch envelope.Type {
	case MsgTypeRequest:
		msg = &RequestMsg{}

	case MsgTypeReply:
		msg = &ReplyMsg{}

	default:
		return nil, fmt.Errorf("unknown message type %q", envelope.Type)
	}

	if len(envelope.Value) == 0 {
		return nil, fmt.Errorf("missing message value")
	}

	if err := json.Unmarshal(envelope.Value, msg); err != nil {
		return nil, err
	}

	if msg.GetSenderPID() == "" {
		return nil, fmt.Errorf("missing or empty sender id")
	}

	return msg, nil
}
