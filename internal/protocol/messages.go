package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSessionStarted   MessageType = "session_started"
	TypeSessionEnded     MessageType = "session_ended"
	TypeRequestCreated   MessageType = "request_created"
	TypeRequestRateLimit MessageType = "request_rate_limited"
	TypeRequestAccepted  MessageType = "request_accepted"
	TypeRequestFinalized MessageType = "request_finalized"
	TypeClientControl    MessageType = "client_control"
	TypeSessionSnapshot  MessageType = "session_snapshot"
	TypeErrorEvent       MessageType = "error_event"
)

// Client control actions.
const (
	ActionPing     = "ping"
	ActionSnapshot = "snapshot"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// QueueEvent describes one lifecycle step of a session or request.
type QueueEvent struct {
	Type        MessageType `json:"type"`
	GroupID     string      `json:"group_id"`
	RequesterID string      `json:"requester_id,omitempty"`
	EntryID     string      `json:"entry_id,omitempty"`
	SupporterID string      `json:"supporter_id,omitempty"`
	ChannelID   string      `json:"channel_id,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type    MessageType `json:"type"`
	GroupID string      `json:"group_id,omitempty"`
	Action  string      `json:"action"`
}

// SessionSnapshot answers a snapshot request with the current queue.
type SessionSnapshot struct {
	Type    MessageType `json:"type"`
	GroupID string      `json:"group_id"`
	Entries any         `json:"entries"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	GroupID string      `json:"group_id,omitempty"`
	Code    string      `json:"code"`
	Detail  string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.TrimSpace(msg.Action)
		switch msg.Action {
		case ActionPing:
		case ActionSnapshot:
			if strings.TrimSpace(msg.GroupID) == "" {
				return nil, errors.New("invalid client_control: snapshot needs group_id")
			}
		default:
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
