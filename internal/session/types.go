package session

import (
	"errors"
	"time"

	"github.com/ent0n29/livehelp/internal/queue"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyActive = errors.New("session already active")
)

// Connection is the platform handle a session holds on to while it is
// active, typically a voice connection. The store closes it on teardown.
type Connection interface {
	Close() error
}

type Session struct {
	GroupID        string    `json:"group_id"`
	VoiceChannelID string    `json:"voice_channel_id"`
	TextChannelID  string    `json:"text_channel_id"`
	StartedAt      time.Time `json:"started_at"`

	Queue *queue.Queue `json:"-"`
	conn  Connection
}

// Summary is the read-only view handed to the admin API.
type Summary struct {
	GroupID        string    `json:"group_id"`
	VoiceChannelID string    `json:"voice_channel_id"`
	TextChannelID  string    `json:"text_channel_id"`
	StartedAt      time.Time `json:"started_at"`
	Entries        int       `json:"entries"`
	Waiting        int       `json:"waiting"`
}

func (s *Session) Summary() Summary {
	out := Summary{
		GroupID:        s.GroupID,
		VoiceChannelID: s.VoiceChannelID,
		TextChannelID:  s.TextChannelID,
		StartedAt:      s.StartedAt,
	}
	if s.Queue != nil {
		out.Entries = s.Queue.Len()
		out.Waiting = s.Queue.WaitingCount()
	}
	return out
}
