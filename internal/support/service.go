// Package support runs the live help workflow on top of the session store
// and request queues: it reacts to voice presence, drives the
// accept/reject protocol and performs every platform side effect.
package support

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/livehelp/internal/clock"
	"github.com/ent0n29/livehelp/internal/events"
	"github.com/ent0n29/livehelp/internal/history"
	"github.com/ent0n29/livehelp/internal/logging"
	"github.com/ent0n29/livehelp/internal/observability"
	"github.com/ent0n29/livehelp/internal/protocol"
	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/session"
)

const DefaultPlatformTimeout = 10 * time.Second

type Config struct {
	Sessions *session.Manager
	Platform Platform
	History  history.Store
	Events   *events.Hub
	Metrics  *observability.Metrics
	Clock    clock.Clock
	Logger   zerolog.Logger

	// PlatformTimeout bounds every single platform call.
	PlatformTimeout time.Duration
	// MuteOnJoin server-mutes requesters while they wait.
	MuteOnJoin bool
	// ExpiryWindow is only used to render the timeout notice.
	ExpiryWindow time.Duration
}

type Service struct {
	sessions        *session.Manager
	platform        Platform
	history         history.Store
	events          *events.Hub
	metrics         *observability.Metrics
	clock           clock.Clock
	log             zerolog.Logger
	platformTimeout time.Duration
	muteOnJoin      bool
	expiryWindow    time.Duration

	mu         sync.Mutex
	relocating map[string]*relocation
}

func New(cfg Config) (*Service, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("support: session manager is required")
	}
	if cfg.Platform == nil {
		return nil, errors.New("support: platform is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.PlatformTimeout <= 0 {
		cfg.PlatformTimeout = DefaultPlatformTimeout
	}
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = queue.DefaultExpiryWindow
	}

	s := &Service{
		sessions:        cfg.Sessions,
		platform:        cfg.Platform,
		history:         cfg.History,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		clock:           cfg.Clock,
		log:             logging.WithComponent(cfg.Logger, "support"),
		platformTimeout: cfg.PlatformTimeout,
		muteOnJoin:      cfg.MuteOnJoin,
		expiryWindow:    cfg.ExpiryWindow,
		relocating:      make(map[string]*relocation),
	}
	cfg.Sessions.SetExpireHook(s.onExpire)
	return s, nil
}

// StartSession opens the support queue of groupID. conn is closed when the
// session ends.
func (s *Service) StartSession(ctx context.Context, groupID, voiceChannelID, textChannelID string, conn session.Connection) (*session.Session, error) {
	sess, err := s.sessions.Create(groupID, voiceChannelID, textChannelID, conn)
	if err != nil {
		return nil, err
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.publish(protocol.QueueEvent{
		Type:      protocol.TypeSessionStarted,
		GroupID:   groupID,
		ChannelID: voiceChannelID,
	})
	return sess, nil
}

// StopSession ends the session of groupID. The session is removed first so
// no new request can start, then every unfinalized entry is finalized with
// session-ended, revoking active grants.
func (s *Service) StopSession(ctx context.Context, groupID string) error {
	sess, err := s.sessions.Destroy(groupID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrNoSession
		}
		return err
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())

	for _, e := range sess.Queue.Entries() {
		if e.Finalized {
			continue
		}
		_, err := s.finalize(ctx, sess, e.RequesterID, queue.ReasonSessionEnded, "", queue.WithEntryID(e.ID))
		if err != nil && !queue.IsBenignFinalizeError(err) {
			s.log.Warn().
				Err(err).
				Str(logging.FieldGroupID, groupID).
				Str(logging.FieldRequesterID, e.RequesterID).
				Msg("finalize on session stop failed")
		}
	}
	// Finalize arms purge timers; the queue is gone with the session.
	sess.Queue.Cancel()

	s.publish(protocol.QueueEvent{Type: protocol.TypeSessionEnded, GroupID: groupID})
	return nil
}

// Shutdown stops every session.
func (s *Service) Shutdown(ctx context.Context) {
	for _, sess := range s.sessions.List() {
		if err := s.StopSession(ctx, sess.GroupID); err != nil && !errors.Is(err, ErrNoSession) {
			s.log.Warn().Err(err).Str(logging.FieldGroupID, sess.GroupID).Msg("stop session on shutdown failed")
		}
	}
}

func (s *Service) Session(groupID string) (*session.Session, error) {
	sess, err := s.sessions.Get(groupID)
	if err != nil {
		return nil, ErrNoSession
	}
	return sess, nil
}

func (s *Service) Sessions() []*session.Session {
	return s.sessions.List()
}

// History lists the most recent finished requests of groupID.
func (s *Service) History(ctx context.Context, groupID string, limit int) ([]history.Record, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.Recent(ctx, groupID, limit)
}

func (s *Service) WaitStats() observability.StageSnapshot {
	return s.metrics.WaitStats()
}

// call runs one platform operation under the platform timeout.
func (s *Service) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.platformTimeout)
	defer cancel()
	return fn(ctx)
}

// bestEffort runs a platform side effect whose failure must not affect the
// owning transition.
func (s *Service) bestEffort(ctx context.Context, op string, groupID, userID string, fn func(context.Context) error) bool {
	err := s.call(ctx, fn)
	if err == nil {
		return true
	}
	s.metrics.IncSideEffectError(op)
	s.log.Warn().
		Err(err).
		Str("op", op).
		Str(logging.FieldGroupID, groupID).
		Str(logging.FieldRequesterID, userID).
		Str(logging.FieldEvent, "support.side_effect_failed").
		Msg("platform side effect failed")
	return false
}

func (s *Service) publish(evt protocol.QueueEvent) {
	if s.events == nil {
		return
	}
	if evt.TSMs == 0 {
		evt.TSMs = s.clock.Now().UnixMilli()
	}
	s.events.Publish(evt)
}

func relocationKey(groupID, requesterID string) string {
	return groupID + ":" + requesterID
}

// relocation is an accept in flight. leftDesignated records a leave of the
// designated channel that was held back while it ran.
type relocation struct {
	channelID      string
	leftDesignated bool
}

func (s *Service) beginRelocation(groupID, requesterID, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relocationKey(groupID, requesterID)
	if _, busy := s.relocating[key]; busy {
		return false
	}
	s.relocating[key] = &relocation{channelID: channelID}
	return true
}

// endRelocation reports whether a designated-channel leave was held back.
func (s *Service) endRelocation(groupID, requesterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relocationKey(groupID, requesterID)
	r, ok := s.relocating[key]
	delete(s.relocating, key)
	return ok && r.leftDesignated
}

// holdLeave records a designated-channel leave during a relocation and
// reports whether one is in flight.
func (s *Service) holdLeave(groupID, requesterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, busy := s.relocating[relocationKey(groupID, requesterID)]
	if busy {
		r.leftDesignated = true
	}
	return busy
}

func wrapNotWaiting(err error) error {
	if errors.Is(err, ErrNotWaiting) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrNotWaiting, err)
}
