// Package protocol defines the messages exchanged between replication peers
// and their wire envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of a replication message
type MessageType uint8

const (
	// Data messages
	MsgUpdate MessageType = iota + 1
	MsgAck

	// Monitoring messages
	MsgMonitorRequest
	MsgMonitor

	// Status and topology messages
	MsgChangeStatus
	MsgTopology
	MsgHeartbeat
)

// String returns a readable name for the message type
func (t MessageType) String() string {
	switch t {
	case MsgUpdate:
		return "update"
	case MsgAck:
		return "ack"
	case MsgMonitorRequest:
		return "monitor_request"
	case MsgMonitor:
		return "monitor"
	case MsgChangeStatus:
		return "change_status"
	case MsgTopology:
		return "topology"
	case MsgHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Msg is implemented by every message a peer can send.
type Msg interface {
	Type() MessageType
}

// Message is the wire envelope around a Msg
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode wraps msg in an envelope and serializes it
func Encode(msg Msg) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return json.Marshal(Message{
		Type:      msg.Type(),
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

// Decode parses an envelope produced by Encode and returns the message it
// carries.
func Decode(raw []byte) (Msg, error) {
	var env Message
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg Msg
	switch env.Type {
	case MsgUpdate:
		msg = &UpdateMsg{}
	case MsgAck:
		msg = &AckMsg{}
	case MsgMonitorRequest:
		msg = &MonitorRequestMsg{}
	case MsgMonitor:
		msg = &MonitorMsg{}
	case MsgChangeStatus:
		msg = &ChangeStatusMsg{}
	case MsgTopology:
		msg = &TopologyMsg{}
	case MsgHeartbeat:
		msg = &HeartbeatMsg{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Type, err)
		}
	}
	return msg, nil
}
