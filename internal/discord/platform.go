// Package discord connects the support service to a Discord guild: it
// implements support.Platform over discordgo's REST client and feeds
// gateway events into the service.
package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/ent0n29/livehelp/internal/logging"
	"github.com/ent0n29/livehelp/internal/observability"
	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/reliability"
	"github.com/ent0n29/livehelp/internal/support"
)

// restAPI is the subset of *discordgo.Session the platform calls.
type restAPI interface {
	GuildMemberMove(guildID, userID string, channelID *string, options ...discordgo.RequestOption) error
	GuildMemberMute(guildID, userID string, mute bool, options ...discordgo.RequestOption) error
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error
	ChannelPermissionDelete(channelID, targetID string, options ...discordgo.RequestOption) error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type voiceStateLookup func(guildID, userID string) (*discordgo.VoiceState, error)

type Platform struct {
	api        restAPI
	voiceState voiceStateLookup
	retry      reliability.Policy
	metrics    *observability.Metrics
	log        zerolog.Logger
}

var _ support.Platform = (*Platform)(nil)

// NewPlatform wraps s. Every call is retried according to retry on
// transient HTTP and network failures.
func NewPlatform(s *discordgo.Session, retry reliability.Policy, metrics *observability.Metrics, log zerolog.Logger) *Platform {
	return newPlatform(s, s.State.VoiceState, retry, metrics, log)
}

func newPlatform(api restAPI, lookup voiceStateLookup, retry reliability.Policy, metrics *observability.Metrics, log zerolog.Logger) *Platform {
	return &Platform{
		api:        api,
		voiceState: lookup,
		retry:      retry,
		metrics:    metrics,
		log:        logging.WithComponent(log, "discord_platform"),
	}
}

func (p *Platform) MoveMember(ctx context.Context, groupID, userID, channelID string) error {
	var target *string
	if channelID != "" {
		target = &channelID
	}
	return p.do(ctx, "move_member", func(ctx context.Context) error {
		return p.api.GuildMemberMove(groupID, userID, target, discordgo.WithContext(ctx))
	})
}

func (p *Platform) SetMemberMute(ctx context.Context, groupID, userID string, muted bool) error {
	return p.do(ctx, "set_mute", func(ctx context.Context) error {
		return p.api.GuildMemberMute(groupID, userID, muted, discordgo.WithContext(ctx))
	})
}

func (p *Platform) GrantChannelPermission(ctx context.Context, channelID, userID string, perms support.Permissions) error {
	allow := permissionBits(perms)
	return p.do(ctx, "grant_permission", func(ctx context.Context) error {
		return p.api.ChannelPermissionSet(channelID, userID, discordgo.PermissionOverwriteTypeMember, allow, 0, discordgo.WithContext(ctx))
	})
}

func (p *Platform) RevokeChannelPermission(ctx context.Context, channelID, userID string) error {
	return p.do(ctx, "revoke_permission", func(ctx context.Context) error {
		return p.api.ChannelPermissionDelete(channelID, userID, discordgo.WithContext(ctx))
	})
}

func (p *Platform) SendAnnouncement(ctx context.Context, textChannelID string, a support.Announcement) (queue.MessageRef, error) {
	var msg *discordgo.Message
	err := p.do(ctx, "send_announcement", func(ctx context.Context) error {
		var err error
		msg, err = p.api.ChannelMessageSendComplex(textChannelID, announcementSend(a), discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return queue.MessageRef{}, err
	}
	return queue.MessageRef{ChannelID: msg.ChannelID, MessageID: msg.ID}, nil
}

func (p *Platform) EditAnnouncement(ctx context.Context, ref queue.MessageRef, a support.Announcement) error {
	if ref.IsZero() {
		return nil
	}
	return p.do(ctx, "edit_announcement", func(ctx context.Context) error {
		_, err := p.api.ChannelMessageEditComplex(announcementEdit(ref, a), discordgo.WithContext(ctx))
		return err
	})
}

func (p *Platform) SendNotice(ctx context.Context, textChannelID, text string) error {
	return p.do(ctx, "send_notice", func(ctx context.Context) error {
		_, err := p.api.ChannelMessageSendComplex(textChannelID, &discordgo.MessageSend{
			Content:         text,
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers}},
		}, discordgo.WithContext(ctx))
		return err
	})
}

// MemberVoiceChannel reads the gateway state cache; it never hits REST.
func (p *Platform) MemberVoiceChannel(_ context.Context, groupID, userID string) (string, error) {
	vs, err := p.voiceState(groupID, userID)
	if err != nil {
		if errors.Is(err, discordgo.ErrStateNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("voice state lookup: %w", err)
	}
	if vs == nil {
		return "", nil
	}
	return vs.ChannelID, nil
}

func (p *Platform) do(ctx context.Context, op string, fn func(context.Context) error) error {
	policy := p.retry
	policy.OnRetry = func(attempt int, err error) {
		p.metrics.IncPlatformRetry(op)
		p.log.Debug().
			Err(err).
			Int("attempt", attempt).
			Str("op", op).
			Msg("retrying platform call")
	}
	if err := policy.Do(ctx, isRetryable, fn); err != nil {
		return fmt.Errorf("discord %s: %w", op, err)
	}
	return nil
}

func isRetryable(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return reliability.IsRetryableHTTPStatus(restErr.Response.StatusCode)
	}
	return reliability.IsRetryableNetError(err)
}
