// Package queue holds the per-session support request state machine.
//
// Each requester has at most one Entry. An entry starts out waiting, with
// an expiry timer armed. Accept moves it to handled and records the
// permission grant; Finalize is the single terminal commit and can only
// succeed once per entry. Finalized entries linger for the retention
// window, and never less than the cooldown, then they are purged.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/livehelp/internal/clock"
	"github.com/ent0n29/livehelp/internal/timers"
)

const (
	DefaultExpiryWindow = 10 * time.Minute
	DefaultCooldown     = 2 * time.Minute
	DefaultRetention    = 2 * time.Minute

	// NoCooldown disables the cooldown when passed as Config.Cooldown.
	NoCooldown time.Duration = -1
)

// ExpireFunc is called when a waiting entry runs out of time. The queue
// does not finalize the entry itself when a hook is installed.
type ExpireFunc func(requesterID, entryID string) error

type Config struct {
	GroupID      string
	ExpiryWindow time.Duration
	Cooldown     time.Duration
	Retention    time.Duration
	Clock        clock.Clock
	Timers       *timers.Registry
	OnExpire     ExpireFunc
}

type Queue struct {
	groupID   string
	expiry    time.Duration
	cooldown  time.Duration
	retention time.Duration
	clock     clock.Clock
	timers    *timers.Registry
	onExpire  ExpireFunc

	mu      sync.Mutex
	entries map[string]*Entry
}

func New(cfg Config) *Queue {
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = DefaultExpiryWindow
	}
	switch {
	case cfg.Cooldown == 0:
		cfg.Cooldown = DefaultCooldown
	case cfg.Cooldown < 0:
		cfg.Cooldown = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Timers == nil {
		cfg.Timers = timers.New(cfg.Clock, zerolog.Nop())
	}
	return &Queue{
		groupID:   cfg.GroupID,
		expiry:    cfg.ExpiryWindow,
		cooldown:  cfg.Cooldown,
		retention: cfg.Retention,
		clock:     cfg.Clock,
		timers:    cfg.Timers,
		onExpire:  cfg.OnExpire,
		entries:   make(map[string]*Entry),
	}
}

// TimerPrefix is the prefix of every timer key owned by the queue of
// groupID.
func TimerPrefix(groupID string) string {
	return "support:" + groupID + ":"
}

func (q *Queue) expiryKey(requesterID string) string {
	return TimerPrefix(q.groupID) + "expire:" + requesterID
}

func (q *Queue) purgeKey(requesterID string) string {
	return TimerPrefix(q.groupID) + "purge:" + requesterID
}

func (q *Queue) GroupID() string {
	return q.groupID
}

// Create inserts a fresh waiting entry for requesterID and arms its
// expiry timer. It fails with ErrRateLimited while a previous request of
// the same requester is waiting, still holds a permission grant, or was
// handled less than the cooldown ago.
func (q *Queue) Create(requesterID string) (Entry, error) {
	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return Entry{}, errors.New("requester_id is required")
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if prev, ok := q.entries[requesterID]; ok {
		switch {
		case prev.State == StateWaiting:
			return Entry{}, fmt.Errorf("%w: a request is already waiting", ErrRateLimited)
		case prev.PermissionGranted:
			return Entry{}, fmt.Errorf("%w: previous request still active", ErrRateLimited)
		case now.Sub(prev.LastHandledAt) < q.cooldown:
			return Entry{}, fmt.Errorf("%w: cooldown until %s", ErrRateLimited, prev.LastHandledAt.Add(q.cooldown).Format(time.RFC3339))
		}
	}

	e := &Entry{
		ID:          uuid.NewString(),
		GroupID:     q.groupID,
		RequesterID: requesterID,
		State:       StateWaiting,
		CreatedAt:   now,
	}
	if prev, ok := q.entries[requesterID]; ok {
		e.LastHandledAt = prev.LastHandledAt
	}
	q.entries[requesterID] = e

	q.timers.Cancel(q.purgeKey(requesterID))
	entryID := e.ID
	q.timers.Schedule(q.expiryKey(requesterID), q.expiry, func() error {
		return q.expire(requesterID, entryID)
	})
	return *e, nil
}

// SetMessageRef attaches the announcement message to entryID.
func (q *Queue) SetMessageRef(requesterID, entryID string, ref MessageRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.lookupLocked(requesterID, entryID)
	if err != nil {
		return err
	}
	e.MessageRef = ref
	return nil
}

// Accept commits the waiting -> handled transition for a supporter and
// records the permission grant on channelID. entryID may be empty to
// accept whatever request is current.
func (q *Queue) Accept(requesterID, entryID, channelID, supporterID string) (Entry, error) {
	if strings.TrimSpace(channelID) == "" {
		return Entry{}, errors.New("channel_id is required")
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.lookupLocked(requesterID, entryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleEntry) {
			return Entry{}, fmt.Errorf("%w: %v", ErrNotWaiting, err)
		}
		return Entry{}, err
	}
	if e.State != StateWaiting {
		return Entry{}, ErrNotWaiting
	}

	q.timers.Cancel(q.expiryKey(requesterID))
	e.State = StateHandled
	e.LastHandledAt = now
	e.AcceptedAt = now
	e.PermissionGranted = true
	e.GrantedChannelID = channelID
	e.SupporterID = supporterID
	return *e, nil
}

type finalizeOptions struct {
	entryID        string
	requireWaiting bool
}

type FinalizeOption func(*finalizeOptions)

// WithEntryID restricts Finalize to one request instance; a newer entry
// of the same requester yields ErrStaleEntry.
func WithEntryID(id string) FinalizeOption {
	return func(o *finalizeOptions) { o.entryID = id }
}

// RequireWaiting makes Finalize fail with ErrNotWaiting unless the entry
// is still waiting at commit time.
func RequireWaiting() FinalizeOption {
	return func(o *finalizeOptions) { o.requireWaiting = true }
}

// Finalize is the compare-and-set terminal commit. The first successful
// call for an entry cancels its expiry timer, marks it handled and
// finalized, clears its permission grant and arms the purge timer. Any
// later call returns ErrAlreadyFinalized and changes nothing.
func (q *Queue) Finalize(requesterID string, reason Reason, opts ...FinalizeOption) (Release, error) {
	var o finalizeOptions
	for _, opt := range opts {
		opt(&o)
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.lookupLocked(requesterID, o.entryID)
	if err != nil {
		return Release{}, err
	}
	if e.Finalized {
		return Release{}, ErrAlreadyFinalized
	}
	if o.requireWaiting && e.State != StateWaiting {
		return Release{}, ErrNotWaiting
	}

	q.timers.Cancel(q.expiryKey(requesterID))

	var rel Release
	if e.PermissionGranted {
		rel.RevokeChannelID = e.GrantedChannelID
	}
	e.PermissionGranted = false
	e.State = StateHandled
	e.Finalized = true
	e.Reason = reason
	e.LastHandledAt = now

	entryID := e.ID
	q.timers.Schedule(q.purgeKey(requesterID), q.purgeDelay(), func() error {
		q.purge(requesterID, entryID)
		return nil
	})

	rel.Entry = *e
	return rel, nil
}

func (q *Queue) Get(requesterID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[requesterID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a snapshot ordered by creation time.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequesterID < out[j].RequesterID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) WaitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.State == StateWaiting {
			n++
		}
	}
	return n
}

// Cancel stops every timer owned by the queue. Entries stay readable.
func (q *Queue) Cancel() int {
	return q.timers.CancelPrefix(TimerPrefix(q.groupID))
}

// purgeDelay keeps a finalized entry at least until its cooldown is over;
// Create reads the cooldown from the entry.
func (q *Queue) purgeDelay() time.Duration {
	if q.cooldown > q.retention {
		return q.cooldown
	}
	return q.retention
}

func (q *Queue) lookupLocked(requesterID, entryID string) (*Entry, error) {
	e, ok := q.entries[requesterID]
	if !ok {
		return nil, ErrNotFound
	}
	if entryID != "" && e.ID != entryID {
		return nil, ErrStaleEntry
	}
	return e, nil
}

func (q *Queue) expire(requesterID, entryID string) error {
	if q.onExpire != nil {
		return q.onExpire(requesterID, entryID)
	}
	_, err := q.Finalize(requesterID, ReasonTimeout, WithEntryID(entryID), RequireWaiting())
	if err != nil && !isBenignFinalizeError(err) {
		return err
	}
	return nil
}

func (q *Queue) purge(requesterID, entryID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[requesterID]
	if !ok || e.ID != entryID || !e.Finalized {
		return
	}
	delete(q.entries, requesterID)
}

// IsBenignFinalizeError reports whether err only means that someone else
// already settled the entry.
func IsBenignFinalizeError(err error) bool {
	return isBenignFinalizeError(err)
}

func isBenignFinalizeError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyFinalized) ||
		errors.Is(err, ErrStaleEntry) ||
		errors.Is(err, ErrNotWaiting)
}
