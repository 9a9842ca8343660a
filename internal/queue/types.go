package queue

import (
	"errors"
	"time"
)

type State string

const (
	StateWaiting State = "waiting"
	StateHandled State = "handled"
)

// Reason explains why a request reached its terminal state.
type Reason string

const (
	ReasonTimeout          Reason = "timeout"
	ReasonRejected         Reason = "rejected"
	ReasonLeftChannel      Reason = "left-channel"
	ReasonLeftWhileWaiting Reason = "left-channel-while-waiting"
	ReasonSessionEnded     Reason = "session-ended"
)

var (
	ErrRateLimited      = errors.New("request rate limited")
	ErrNotWaiting       = errors.New("request is not waiting")
	ErrNotFound         = errors.New("request not found")
	ErrAlreadyFinalized = errors.New("request already finalized")
	ErrStaleEntry       = errors.New("request entry was replaced")
)

// MessageRef points at the announcement message of a request.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

func (r MessageRef) IsZero() bool {
	return r.MessageID == ""
}

// Entry is one help request of one requester. Values handed out by the
// queue are copies.
type Entry struct {
	ID                string     `json:"id"`
	GroupID           string     `json:"group_id"`
	RequesterID       string     `json:"requester_id"`
	State             State      `json:"state"`
	CreatedAt         time.Time  `json:"created_at"`
	LastHandledAt     time.Time  `json:"last_handled_at,omitempty"`
	MessageRef        MessageRef `json:"message_ref"`
	PermissionGranted bool       `json:"permission_granted"`
	GrantedChannelID  string     `json:"granted_channel_id,omitempty"`
	SupporterID       string     `json:"supporter_id,omitempty"`
	AcceptedAt        time.Time  `json:"accepted_at,omitempty"`
	Finalized         bool       `json:"finalized"`
	Reason            Reason     `json:"reason,omitempty"`
}

func (e Entry) Waiting() bool {
	return e.State == StateWaiting
}

// Release is what a successful Finalize hands back to the caller: the
// committed entry plus the side effects that are now the caller's job.
type Release struct {
	Entry Entry
	// RevokeChannelID is set when a permission grant was active at commit
	// time and must be revoked on that channel.
	RevokeChannelID string
}
