package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/livehelp/internal/clock"
	"github.com/ent0n29/livehelp/internal/timers"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	q      *Queue
	clock  *clock.FakeClock
	timers *timers.Registry
}

func newHarness(t *testing.T, hook ExpireFunc) *harness {
	t.Helper()
	c := clock.Fake(epoch)
	reg := timers.New(c, zerolog.Nop())
	q := New(Config{
		GroupID:  "g1",
		Clock:    c,
		Timers:   reg,
		OnExpire: hook,
	})
	return &harness{q: q, clock: c, timers: reg}
}

func TestCreateStartsWaitingWithExpiry(t *testing.T) {
	h := newHarness(t, nil)
	e, err := h.q.Create("u1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.ID == "" || e.State != StateWaiting || e.Finalized || e.PermissionGranted {
		t.Fatalf("unexpected fresh entry: %+v", e)
	}
	if !e.CreatedAt.Equal(epoch) {
		t.Fatalf("CreatedAt = %v, want %v", e.CreatedAt, epoch)
	}
	if !h.timers.Pending(h.q.expiryKey("u1")) {
		t.Fatalf("expiry timer should be armed")
	}
	if got := h.q.WaitingCount(); got != 1 {
		t.Fatalf("WaitingCount() = %d, want 1", got)
	}
}

func TestCreateRejectsSecondWaitingRequest(t *testing.T) {
	h := newHarness(t, nil)
	first, _ := h.q.Create("u1")
	if _, err := h.q.Create("u1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Create() error = %v, want ErrRateLimited", err)
	}
	got, _ := h.q.Get("u1")
	if got.ID != first.ID {
		t.Fatalf("rate limited create must not replace the entry")
	}
}

func TestCreateRequiresRequester(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.q.Create("  "); err == nil {
		t.Fatalf("expected error for empty requester")
	}
}

func TestExpiryFinalizesWithTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.q.Create("u1")

	h.clock.Advance(DefaultExpiryWindow - time.Second)
	if got, _ := h.q.Get("u1"); got.State != StateWaiting {
		t.Fatalf("entry expired early: %+v", got)
	}

	h.clock.Advance(time.Second)
	got, ok := h.q.Get("u1")
	if !ok {
		t.Fatalf("entry should be retained after timeout")
	}
	if got.State != StateHandled || !got.Finalized || got.Reason != ReasonTimeout {
		t.Fatalf("unexpected entry after timeout: %+v", got)
	}
	if !got.LastHandledAt.Equal(epoch.Add(DefaultExpiryWindow)) {
		t.Fatalf("LastHandledAt = %v", got.LastHandledAt)
	}
}

func TestExpiryHookReceivesEntryID(t *testing.T) {
	var gotRequester, gotEntry string
	h := newHarness(t, func(requesterID, entryID string) error {
		gotRequester, gotEntry = requesterID, entryID
		return nil
	})
	e, _ := h.q.Create("u1")
	h.clock.Advance(DefaultExpiryWindow)

	if gotRequester != "u1" || gotEntry != e.ID {
		t.Fatalf("hook got (%q, %q), want (u1, %q)", gotRequester, gotEntry, e.ID)
	}
	// The hook owns finalization.
	if got, _ := h.q.Get("u1"); got.Finalized {
		t.Fatalf("queue should not finalize when a hook is installed")
	}
}

func TestCooldownAfterTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.q.Create("u1")
	h.clock.Advance(DefaultExpiryWindow)

	h.clock.Advance(time.Minute)
	if _, err := h.q.Create("u1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Create() inside cooldown error = %v, want ErrRateLimited", err)
	}

	h.clock.Advance(time.Minute)
	e, err := h.q.Create("u1")
	if err != nil {
		t.Fatalf("Create() after cooldown error = %v", err)
	}
	if e.State != StateWaiting {
		t.Fatalf("unexpected state %q", e.State)
	}
}

func TestPurgeAfterRetention(t *testing.T) {
	h := newHarness(t, nil)
	h.q.Create("u1")
	if _, err := h.q.Finalize("u1", ReasonRejected); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	h.clock.Advance(DefaultRetention - time.Second)
	if h.q.Len() != 1 {
		t.Fatalf("entry purged before retention elapsed")
	}
	h.clock.Advance(time.Second)
	if h.q.Len() != 0 {
		t.Fatalf("entry should be purged after retention")
	}
}

func TestCooldownOutlivesShortRetention(t *testing.T) {
	c := clock.Fake(epoch)
	reg := timers.New(c, zerolog.Nop())
	q := New(Config{
		GroupID:   "g1",
		Clock:     c,
		Timers:    reg,
		Cooldown:  2 * time.Minute,
		Retention: 30 * time.Second,
	})
	q.Create("u1")
	if _, err := q.Finalize("u1", ReasonRejected); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	c.Advance(time.Minute)
	if _, err := q.Create("u1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Create() 1m after finalize error = %v, want ErrRateLimited", err)
	}
	if q.Len() != 1 {
		t.Fatalf("finalized entry purged while its cooldown is running")
	}

	c.Advance(time.Minute)
	if q.Len() != 0 {
		t.Fatalf("entry should be purged once the cooldown elapsed")
	}
	if _, err := q.Create("u1"); err != nil {
		t.Fatalf("Create() after cooldown error = %v", err)
	}
}

func TestNoCooldownAllowsImmediateRequest(t *testing.T) {
	c := clock.Fake(epoch)
	q := New(Config{
		GroupID:  "g1",
		Clock:    c,
		Timers:   timers.New(c, zerolog.Nop()),
		Cooldown: NoCooldown,
	})
	q.Create("u1")
	if _, err := q.Finalize("u1", ReasonRejected); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if _, err := q.Create("u1"); err != nil {
		t.Fatalf("Create() without cooldown error = %v", err)
	}
}

func TestCreateAfterPurgeCancelsStalePurge(t *testing.T) {
	c := clock.Fake(epoch)
	reg := timers.New(c, zerolog.Nop())
	q := New(Config{
		GroupID:   "g1",
		Clock:     c,
		Timers:    reg,
		Cooldown:  time.Minute,
		Retention: 5 * time.Minute,
	})
	q.Create("u1")
	q.Finalize("u1", ReasonRejected)
	c.Advance(time.Minute)

	fresh, err := q.Create("u1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if reg.Pending(q.purgeKey("u1")) {
		t.Fatalf("new entry must cancel the pending purge")
	}
	c.Advance(5 * time.Minute)
	got, ok := q.Get("u1")
	if !ok || got.ID != fresh.ID {
		t.Fatalf("fresh entry was purged: %+v ok=%v", got, ok)
	}
}

func TestAcceptGrantsAndCancelsExpiry(t *testing.T) {
	h := newHarness(t, nil)
	e, _ := h.q.Create("u1")
	h.clock.Advance(time.Minute)

	got, err := h.q.Accept("u1", e.ID, "vc-private", "s1")
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if got.State != StateHandled || !got.PermissionGranted || got.GrantedChannelID != "vc-private" || got.SupporterID != "s1" {
		t.Fatalf("unexpected accepted entry: %+v", got)
	}
	if got.Finalized {
		t.Fatalf("accept must not finalize")
	}
	if h.timers.Pending(h.q.expiryKey("u1")) {
		t.Fatalf("expiry must be cancelled on accept")
	}

	h.clock.Advance(time.Hour)
	if got, _ := h.q.Get("u1"); got.Finalized {
		t.Fatalf("accepted entry expired: %+v", got)
	}
}

func TestAcceptRequiresWaiting(t *testing.T) {
	h := newHarness(t, nil)
	e, _ := h.q.Create("u1")
	if _, err := h.q.Accept("u1", e.ID, "vc", "s1"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if _, err := h.q.Accept("u1", e.ID, "vc", "s2"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("second Accept() error = %v, want ErrNotWaiting", err)
	}
	if _, err := h.q.Accept("nobody", "", "vc", "s1"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("Accept() unknown error = %v, want ErrNotWaiting", err)
	}
}

func TestActiveGrantBlocksNewRequest(t *testing.T) {
	h := newHarness(t, nil)
	e, _ := h.q.Create("u1")
	h.q.Accept("u1", e.ID, "vc", "s1")
	h.clock.Advance(time.Hour)

	if _, err := h.q.Create("u1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Create() with active grant error = %v, want ErrRateLimited", err)
	}
}

func TestFinalizeReleasesGrantOnce(t *testing.T) {
	h := newHarness(t, nil)
	e, _ := h.q.Create("u1")
	h.q.Accept("u1", e.ID, "vc-private", "s1")

	rel, err := h.q.Finalize("u1", ReasonLeftChannel, WithEntryID(e.ID))
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if rel.RevokeChannelID != "vc-private" {
		t.Fatalf("RevokeChannelID = %q, want vc-private", rel.RevokeChannelID)
	}
	if rel.Entry.PermissionGranted || !rel.Entry.Finalized || rel.Entry.Reason != ReasonLeftChannel {
		t.Fatalf("unexpected released entry: %+v", rel.Entry)
	}

	if _, err := h.q.Finalize("u1", ReasonTimeout); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second Finalize() error = %v, want ErrAlreadyFinalized", err)
	}
	got, _ := h.q.Get("u1")
	if got.Reason != ReasonLeftChannel {
		t.Fatalf("reason overwritten: %q", got.Reason)
	}
}

func TestFinalizeRequireWaiting(t *testing.T) {
	h := newHarness(t, nil)
	e, _ := h.q.Create("u1")
	h.q.Accept("u1", e.ID, "vc", "s1")

	if _, err := h.q.Finalize("u1", ReasonRejected, RequireWaiting()); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("Finalize() error = %v, want ErrNotWaiting", err)
	}
	got, _ := h.q.Get("u1")
	if got.Finalized || !got.PermissionGranted {
		t.Fatalf("failed finalize must not mutate the entry: %+v", got)
	}
}

func TestFinalizeStaleEntry(t *testing.T) {
	h := newHarness(t, nil)
	old, _ := h.q.Create("u1")
	h.q.Finalize("u1", ReasonRejected)
	h.clock.Advance(DefaultCooldown)
	h.q.Create("u1")

	if _, err := h.q.Finalize("u1", ReasonTimeout, WithEntryID(old.ID)); !errors.Is(err, ErrStaleEntry) {
		t.Fatalf("Finalize() error = %v, want ErrStaleEntry", err)
	}
	if _, err := h.q.Finalize("ghost", ReasonTimeout); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Finalize() error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentFinalizeCommitsOnce(t *testing.T) {
	h := newHarness(t, nil)
	e, _ := h.q.Create("u1")

	reasons := []Reason{ReasonTimeout, ReasonRejected, ReasonLeftWhileWaiting, ReasonSessionEnded}
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []Reason
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(r Reason) {
			defer wg.Done()
			if _, err := h.q.Finalize("u1", r, WithEntryID(e.ID)); err == nil {
				mu.Lock()
				won = append(won, r)
				mu.Unlock()
			} else if !IsBenignFinalizeError(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}(reasons[i%len(reasons)])
	}
	wg.Wait()

	if len(won) != 1 {
		t.Fatalf("finalize committed %d times, want 1", len(won))
	}
	got, _ := h.q.Get("u1")
	if got.Reason != won[0] {
		t.Fatalf("stored reason %q, winner %q", got.Reason, won[0])
	}
}

func TestStaleExpiryDoesNotTouchNewEntry(t *testing.T) {
	var expired []string
	h := newHarness(t, func(requesterID, entryID string) error {
		expired = append(expired, entryID)
		return nil
	})
	h.q.Create("u1")
	h.q.Finalize("u1", ReasonRejected)
	h.clock.Advance(DefaultCooldown)
	fresh, _ := h.q.Create("u1")

	h.clock.Advance(DefaultExpiryWindow)
	if len(expired) != 1 || expired[0] != fresh.ID {
		t.Fatalf("expired = %v, want only %s", expired, fresh.ID)
	}
}

func TestSetMessageRef(t *testing.T) {
	h := newHarness(t, nil)
	e, _ := h.q.Create("u1")
	ref := MessageRef{ChannelID: "txt", MessageID: "m1"}
	if err := h.q.SetMessageRef("u1", e.ID, ref); err != nil {
		t.Fatalf("SetMessageRef() error = %v", err)
	}
	got, _ := h.q.Get("u1")
	if got.MessageRef != ref {
		t.Fatalf("MessageRef = %+v, want %+v", got.MessageRef, ref)
	}
	if err := h.q.SetMessageRef("u1", "other", ref); !errors.Is(err, ErrStaleEntry) {
		t.Fatalf("SetMessageRef() error = %v, want ErrStaleEntry", err)
	}
}

func TestEntriesOrderedByCreation(t *testing.T) {
	h := newHarness(t, nil)
	h.q.Create("b")
	h.clock.Advance(time.Second)
	h.q.Create("a")

	got := h.q.Entries()
	if len(got) != 2 || got[0].RequesterID != "b" || got[1].RequesterID != "a" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestCancelStopsQueueTimersOnly(t *testing.T) {
	c := clock.Fake(epoch)
	reg := timers.New(c, zerolog.Nop())
	q1 := New(Config{GroupID: "g1", Clock: c, Timers: reg})
	q2 := New(Config{GroupID: "g2", Clock: c, Timers: reg})
	q1.Create("u1")
	q2.Create("u1")

	if n := q1.Cancel(); n != 1 {
		t.Fatalf("Cancel() cancelled %d timers, want 1", n)
	}
	c.Advance(DefaultExpiryWindow)
	if got, _ := q1.Get("u1"); got.Finalized {
		t.Fatalf("closed queue entry should not expire")
	}
	if got, _ := q2.Get("u1"); !got.Finalized {
		t.Fatalf("other queue entry should expire")
	}
}
