package support

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/livehelp/internal/logging"
	"github.com/ent0n29/livehelp/internal/protocol"
	"github.com/ent0n29/livehelp/internal/queue"
)

// OnVoiceStateUpdate handles a member moving from oldChannelID to
// newChannelID. Either may be empty. A move is a leave followed by a join.
func (s *Service) OnVoiceStateUpdate(ctx context.Context, groupID, userID, oldChannelID, newChannelID string) error {
	if oldChannelID == newChannelID {
		return nil
	}
	var leaveErr error
	if oldChannelID != "" {
		leaveErr = s.OnVoiceLeave(ctx, groupID, userID, oldChannelID)
	}
	if newChannelID != "" {
		if err := s.OnVoiceJoin(ctx, groupID, userID, newChannelID); err != nil {
			return err
		}
	}
	return leaveErr
}

// OnVoiceJoin queues a request when userID joins the designated channel.
// A rate limited join is answered with a notice and reported as
// ErrRateLimited.
func (s *Service) OnVoiceJoin(ctx context.Context, groupID, userID, channelID string) error {
	sess, err := s.sessions.Get(groupID)
	if err != nil || channelID != sess.VoiceChannelID {
		return nil
	}

	entry, err := sess.Queue.Create(userID)
	if err != nil {
		if !errors.Is(err, queue.ErrRateLimited) {
			return err
		}
		s.metrics.IncRequestEvent("rate_limited")
		s.publish(protocol.QueueEvent{
			Type:        protocol.TypeRequestRateLimit,
			GroupID:     groupID,
			RequesterID: userID,
		})
		s.bestEffort(ctx, "send_notice", groupID, userID, func(ctx context.Context) error {
			return s.platform.SendNotice(ctx, sess.TextChannelID, rateLimitedNotice(userID))
		})
		return err
	}

	s.metrics.IncRequestEvent("created")
	s.metrics.AddWaiting(1)
	s.publish(protocol.QueueEvent{
		Type:        protocol.TypeRequestCreated,
		GroupID:     groupID,
		RequesterID: userID,
		EntryID:     entry.ID,
		ChannelID:   channelID,
	})
	s.log.Info().
		Str(logging.FieldGroupID, groupID).
		Str(logging.FieldRequesterID, userID).
		Str(logging.FieldEntryID, entry.ID).
		Str(logging.FieldEvent, "request.created").
		Msg("support request queued")

	if s.muteOnJoin {
		s.bestEffort(ctx, "mute", groupID, userID, func(ctx context.Context) error {
			return s.platform.SetMemberMute(ctx, groupID, userID, true)
		})
	}

	var ref queue.MessageRef
	sent := s.bestEffort(ctx, "send_announcement", groupID, userID, func(ctx context.Context) error {
		var err error
		ref, err = s.platform.SendAnnouncement(ctx, sess.TextChannelID, pendingAnnouncement(groupID, userID))
		return err
	})
	if sent && !ref.IsZero() {
		if err := sess.Queue.SetMessageRef(userID, entry.ID, ref); err != nil {
			s.log.Debug().Err(err).Str(logging.FieldEntryID, entry.ID).Msg("announcement ref not stored")
		}
	}
	return nil
}

// OnVoiceLeave reacts to userID leaving leftChannelID: a waiting requester
// leaving the designated channel gives up, an accepted requester leaving
// the channel they were granted ends their request.
func (s *Service) OnVoiceLeave(ctx context.Context, groupID, userID, leftChannelID string) error {
	sess, err := s.sessions.Get(groupID)
	if err != nil {
		return nil
	}
	entry, ok := sess.Queue.Get(userID)
	if !ok || entry.Finalized {
		return nil
	}

	var finalizeErr error
	switch {
	case entry.Waiting() && leftChannelID == sess.VoiceChannelID:
		if s.holdLeave(groupID, userID) {
			// Settled by the accept in flight once it knows whether its
			// own move caused this leave.
			return nil
		}
		_, finalizeErr = s.finalize(ctx, sess, userID, queue.ReasonLeftWhileWaiting, "",
			queue.WithEntryID(entry.ID), queue.RequireWaiting())
	case entry.PermissionGranted && leftChannelID == entry.GrantedChannelID:
		_, finalizeErr = s.finalize(ctx, sess, userID, queue.ReasonLeftChannel, "",
			queue.WithEntryID(entry.ID))
	default:
		return nil
	}

	if finalizeErr != nil && !queue.IsBenignFinalizeError(finalizeErr) {
		return fmt.Errorf("finalize on leave: %w", finalizeErr)
	}
	return nil
}
