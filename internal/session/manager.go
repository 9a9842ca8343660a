package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/livehelp/internal/clock"
	"github.com/ent0n29/livehelp/internal/logging"
	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/timers"
)

// ExpireHook is invoked by a session's queue when a waiting request runs
// out of time.
type ExpireHook func(groupID, requesterID, entryID string) error

type Config struct {
	Clock        clock.Clock
	Timers       *timers.Registry
	ExpiryWindow time.Duration
	Cooldown     time.Duration
	Retention    time.Duration
	Logger       zerolog.Logger
}

type Manager struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	onExpire ExpireHook
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Timers == nil {
		cfg.Timers = timers.New(cfg.Clock, cfg.Logger)
	}
	return &Manager{
		cfg:      cfg,
		log:      logging.WithComponent(cfg.Logger, "session"),
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) SetExpireHook(hook ExpireHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create starts a session for groupID. Only one session per group can be
// active at a time.
func (m *Manager) Create(groupID, voiceChannelID, textChannelID string, conn Connection) (*Session, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, errors.New("group_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[groupID]; ok {
		return nil, ErrAlreadyActive
	}

	s := &Session{
		GroupID:        groupID,
		VoiceChannelID: voiceChannelID,
		TextChannelID:  textChannelID,
		StartedAt:      m.cfg.Clock.Now(),
		conn:           conn,
	}
	s.Queue = queue.New(queue.Config{
		GroupID:      groupID,
		ExpiryWindow: m.cfg.ExpiryWindow,
		Cooldown:     m.cfg.Cooldown,
		Retention:    m.cfg.Retention,
		Clock:        m.cfg.Clock,
		Timers:       m.cfg.Timers,
		OnExpire: func(requesterID, entryID string) error {
			return m.expire(groupID, requesterID, entryID)
		},
	})
	m.sessions[groupID] = s

	m.log.Info().
		Str(logging.FieldGroupID, groupID).
		Str(logging.FieldChannelID, voiceChannelID).
		Str(logging.FieldEvent, "session.created").
		Msg("support session started")
	return s, nil
}

func (m *Manager) Get(groupID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns the active sessions ordered by group id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy removes the session, cancels every timer its queue owns and
// closes its connection in the background.
func (m *Manager) Destroy(groupID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[groupID]
	if ok {
		delete(m.sessions, groupID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	cancelled := s.Queue.Cancel()
	if s.conn != nil {
		conn := s.conn
		go func() {
			if err := conn.Close(); err != nil {
				m.log.Warn().
					Err(err).
					Str(logging.FieldGroupID, groupID).
					Str(logging.FieldEvent, "session.connection_close_failed").
					Msg("closing session connection failed")
			}
		}()
	}

	m.log.Info().
		Str(logging.FieldGroupID, groupID).
		Int("timers_cancelled", cancelled).
		Str(logging.FieldEvent, "session.destroyed").
		Msg("support session ended")
	return s, nil
}

// Close destroys every session.
func (m *Manager) Close() {
	for _, s := range m.List() {
		_, _ = m.Destroy(s.GroupID)
	}
}

func (m *Manager) expire(groupID, requesterID, entryID string) error {
	m.mu.RLock()
	hook := m.onExpire
	m.mu.RUnlock()
	if hook != nil {
		return hook(groupID, requesterID, entryID)
	}

	s, err := m.Get(groupID)
	if err != nil {
		return nil
	}
	_, err = s.Queue.Finalize(requesterID, queue.ReasonTimeout, queue.WithEntryID(entryID), queue.RequireWaiting())
	if err != nil && !queue.IsBenignFinalizeError(err) {
		return err
	}
	return nil
}
