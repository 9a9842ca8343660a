package support

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/livehelp/internal/history"
	"github.com/ent0n29/livehelp/internal/logging"
	"github.com/ent0n29/livehelp/internal/observability"
	"github.com/ent0n29/livehelp/internal/protocol"
	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/session"
)

// Accept hands the waiting request of requesterID to supporterID: the
// requester is moved into the supporter's voice channel and granted voice
// rights there. The request counts as accepted once the queue commit
// succeeds; a failed move leaves it waiting.
func (s *Service) Accept(ctx context.Context, groupID, requesterID, supporterID string) (queue.Entry, error) {
	sess, err := s.sessions.Get(groupID)
	if err != nil {
		return queue.Entry{}, ErrNoSession
	}
	entry, ok := sess.Queue.Get(requesterID)
	if !ok || !entry.Waiting() {
		return queue.Entry{}, ErrNotWaiting
	}

	var dest string
	err = s.call(ctx, func(ctx context.Context) error {
		var err error
		dest, err = s.platform.MemberVoiceChannel(ctx, groupID, supporterID)
		return err
	})
	if err != nil {
		return queue.Entry{}, fmt.Errorf("%w: %v", ErrSupporterNotInVoice, err)
	}
	if strings.TrimSpace(dest) == "" {
		return queue.Entry{}, ErrSupporterNotInVoice
	}

	if !s.beginRelocation(groupID, requesterID, dest) {
		return queue.Entry{}, fmt.Errorf("%w: another supporter is accepting", ErrNotWaiting)
	}
	committed := false
	defer func() {
		held := s.endRelocation(groupID, requesterID)
		if !committed {
			s.settleAbandonedAccept(ctx, sess, requesterID, entry.ID, held)
		}
	}()

	if err := s.call(ctx, func(ctx context.Context) error {
		return s.platform.MoveMember(ctx, groupID, requesterID, dest)
	}); err != nil {
		s.metrics.IncSideEffectError("move_member")
		return queue.Entry{}, fmt.Errorf("%w: %v", ErrRelocationFailed, err)
	}

	s.bestEffort(ctx, "unmute", groupID, requesterID, func(ctx context.Context) error {
		return s.platform.SetMemberMute(ctx, groupID, requesterID, false)
	})
	s.bestEffort(ctx, "grant_permission", groupID, requesterID, func(ctx context.Context) error {
		return s.platform.GrantChannelPermission(ctx, dest, requesterID, AcceptedPermissions)
	})

	accepted, err := sess.Queue.Accept(requesterID, entry.ID, dest, supporterID)
	if err != nil {
		// Lost the race against timeout, leave or reject.
		s.bestEffort(ctx, "revoke_permission", groupID, requesterID, func(ctx context.Context) error {
			return s.platform.RevokeChannelPermission(ctx, dest, requesterID)
		})
		return queue.Entry{}, wrapNotWaiting(err)
	}

	committed = true

	s.metrics.IncRequestEvent("accepted")
	s.metrics.AddWaiting(-1)
	s.metrics.ObserveWait(observability.StageWaitToAccept, accepted.AcceptedAt.Sub(accepted.CreatedAt))
	s.publish(protocol.QueueEvent{
		Type:        protocol.TypeRequestAccepted,
		GroupID:     groupID,
		RequesterID: requesterID,
		EntryID:     accepted.ID,
		SupporterID: supporterID,
		ChannelID:   dest,
	})
	s.log.Info().
		Str(logging.FieldGroupID, groupID).
		Str(logging.FieldRequesterID, requesterID).
		Str(logging.FieldSupporterID, supporterID).
		Str(logging.FieldEntryID, accepted.ID).
		Str(logging.FieldChannelID, dest).
		Str(logging.FieldEvent, "request.accepted").
		Msg("support request accepted")

	if !accepted.MessageRef.IsZero() {
		s.bestEffort(ctx, "edit_announcement", groupID, requesterID, func(ctx context.Context) error {
			return s.platform.EditAnnouncement(ctx, accepted.MessageRef, acceptedAnnouncement(groupID, requesterID, supporterID))
		})
	}
	return accepted, nil
}

// settleAbandonedAccept runs when an accept stops short of its commit.
// Leaves of the designated channel were held back during the move, so a
// requester who is no longer there gives up the request now.
func (s *Service) settleAbandonedAccept(ctx context.Context, sess *session.Session, requesterID, entryID string, heldLeave bool) {
	var current string
	located := s.bestEffort(ctx, "member_voice_channel", sess.GroupID, requesterID, func(ctx context.Context) error {
		var err error
		current, err = s.platform.MemberVoiceChannel(ctx, sess.GroupID, requesterID)
		return err
	})
	gone := current != sess.VoiceChannelID
	if !located {
		gone = heldLeave
	}
	if !gone {
		return
	}
	_, err := s.finalize(ctx, sess, requesterID, queue.ReasonLeftWhileWaiting, "",
		queue.WithEntryID(entryID), queue.RequireWaiting())
	if err != nil && !queue.IsBenignFinalizeError(err) {
		s.log.Warn().
			Err(err).
			Str(logging.FieldGroupID, sess.GroupID).
			Str(logging.FieldRequesterID, requesterID).
			Msg("finalize after abandoned accept failed")
	}
}

// Reject ends a waiting request on behalf of supporterID.
func (s *Service) Reject(ctx context.Context, groupID, requesterID, supporterID string) error {
	sess, err := s.sessions.Get(groupID)
	if err != nil {
		return ErrNoSession
	}
	if _, err := s.finalize(ctx, sess, requesterID, queue.ReasonRejected, supporterID, queue.RequireWaiting()); err != nil {
		if queue.IsBenignFinalizeError(err) {
			return wrapNotWaiting(err)
		}
		return err
	}
	s.bestEffort(ctx, "send_notice", groupID, requesterID, func(ctx context.Context) error {
		return s.platform.SendNotice(ctx, sess.TextChannelID, rejectionNotice(requesterID))
	})
	return nil
}

// Finalize ends the request of requesterID for reason. Only the first
// call for a request has any effect; later ones return
// ErrAlreadyFinalized.
func (s *Service) Finalize(ctx context.Context, groupID, requesterID string, reason queue.Reason) error {
	sess, err := s.sessions.Get(groupID)
	if err != nil {
		return ErrNoSession
	}
	_, err = s.finalize(ctx, sess, requesterID, reason, "")
	return err
}

func (s *Service) onExpire(groupID, requesterID, entryID string) error {
	sess, err := s.sessions.Get(groupID)
	if err != nil {
		return nil
	}
	ctx := context.Background()
	_, err = s.finalize(ctx, sess, requesterID, queue.ReasonTimeout, "",
		queue.WithEntryID(entryID), queue.RequireWaiting())
	if err != nil {
		if queue.IsBenignFinalizeError(err) {
			return nil
		}
		return err
	}
	s.bestEffort(ctx, "send_notice", groupID, requesterID, func(ctx context.Context) error {
		return s.platform.SendNotice(ctx, sess.TextChannelID, timeoutNotice(requesterID, s.expiryWindow))
	})
	return nil
}

// finalize commits the terminal transition and, only when this call won
// the commit, performs the cleanup side effects. actorID is recorded as
// the supporter when the request was never accepted.
func (s *Service) finalize(ctx context.Context, sess *session.Session, requesterID string, reason queue.Reason, actorID string, opts ...queue.FinalizeOption) (queue.Release, error) {
	rel, err := sess.Queue.Finalize(requesterID, reason, opts...)
	if err != nil {
		return queue.Release{}, err
	}
	e := rel.Entry
	groupID := sess.GroupID
	wasWaiting := e.AcceptedAt.IsZero()

	if wasWaiting {
		s.metrics.AddWaiting(-1)
		s.metrics.ObserveWait(observability.StageWaitToFinalize, e.LastHandledAt.Sub(e.CreatedAt))
	}

	var current string
	located := s.bestEffort(ctx, "member_voice_channel", groupID, requesterID, func(ctx context.Context) error {
		var err error
		current, err = s.platform.MemberVoiceChannel(ctx, groupID, requesterID)
		return err
	})
	switch {
	case located && current == sess.VoiceChannelID:
		s.bestEffort(ctx, "unmute", groupID, requesterID, func(ctx context.Context) error {
			return s.platform.SetMemberMute(ctx, groupID, requesterID, false)
		})
		s.bestEffort(ctx, "disconnect", groupID, requesterID, func(ctx context.Context) error {
			return s.platform.MoveMember(ctx, groupID, requesterID, "")
		})
	case located && current != "" && wasWaiting && s.muteOnJoin:
		// Server mutes follow the member; lift ours wherever they went.
		s.bestEffort(ctx, "unmute", groupID, requesterID, func(ctx context.Context) error {
			return s.platform.SetMemberMute(ctx, groupID, requesterID, false)
		})
	}

	if rel.RevokeChannelID != "" {
		s.bestEffort(ctx, "revoke_permission", groupID, requesterID, func(ctx context.Context) error {
			return s.platform.RevokeChannelPermission(ctx, rel.RevokeChannelID, requesterID)
		})
	}

	if !e.MessageRef.IsZero() {
		s.bestEffort(ctx, "edit_announcement", groupID, requesterID, func(ctx context.Context) error {
			return s.platform.EditAnnouncement(ctx, e.MessageRef, finalizedAnnouncement(groupID, requesterID, reason))
		})
	}

	supporterID := e.SupporterID
	if supporterID == "" {
		supporterID = actorID
	}
	if s.history != nil {
		err := s.history.Record(ctx, history.Record{
			EntryID:     e.ID,
			GroupID:     groupID,
			RequesterID: requesterID,
			SupporterID: supporterID,
			Reason:      string(reason),
			CreatedAt:   e.CreatedAt,
			AcceptedAt:  e.AcceptedAt,
			FinalizedAt: e.LastHandledAt,
		})
		if err != nil {
			s.metrics.IncSideEffectError("history_record")
			s.log.Warn().Err(err).Str(logging.FieldEntryID, e.ID).Msg("recording request history failed")
		}
	}

	s.metrics.IncRequestEvent("finalized")
	s.metrics.IncFinalization(string(reason))
	s.publish(protocol.QueueEvent{
		Type:        protocol.TypeRequestFinalized,
		GroupID:     groupID,
		RequesterID: requesterID,
		EntryID:     e.ID,
		SupporterID: supporterID,
		Reason:      string(reason),
	})
	s.log.Info().
		Str(logging.FieldGroupID, groupID).
		Str(logging.FieldRequesterID, requesterID).
		Str(logging.FieldEntryID, e.ID).
		Str(logging.FieldReason, string(reason)).
		Str(logging.FieldEvent, "request.finalized").
		Msg("support request finalized")
	return rel, nil
}

// IsUserError reports whether err is a state or precondition failure that
// should be shown to the person who triggered it rather than logged.
func IsUserError(err error) bool {
	for _, target := range []error{
		ErrNoSession, ErrSupporterNotInVoice, ErrRelocationFailed,
		ErrAlreadyActive, ErrRateLimited, ErrNotWaiting,
		ErrNotFound, ErrAlreadyFinalized, ErrStaleEntry,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
