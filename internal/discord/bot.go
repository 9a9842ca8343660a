package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/ent0n29/livehelp/internal/logging"
	"github.com/ent0n29/livehelp/internal/policy"
	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/session"
	"github.com/ent0n29/livehelp/internal/support"
)

const defaultHandlerTimeout = 15 * time.Second

// SupportService is the part of the support service driven by gateway
// events and interactions.
type SupportService interface {
	OnVoiceStateUpdate(ctx context.Context, groupID, userID, oldChannelID, newChannelID string) error
	Accept(ctx context.Context, groupID, requesterID, supporterID string) (queue.Entry, error)
	Reject(ctx context.Context, groupID, requesterID, supporterID string) error
	StartSession(ctx context.Context, groupID, voiceChannelID, textChannelID string, conn session.Connection) (*session.Session, error)
	StopSession(ctx context.Context, groupID string) error
}

type BotConfig struct {
	// GuildIDs scopes slash command registration. Empty registers the
	// commands globally.
	GuildIDs       []string
	Policy         policy.SupporterPolicy
	HandlerTimeout time.Duration
	Logger         zerolog.Logger
	// OnReady runs after the gateway session is ready and commands are
	// registered.
	OnReady func()
}

type roleLookup func(guildID, roleID string) (*discordgo.Role, error)

type Bot struct {
	session        *discordgo.Session
	svc            SupportService
	policy         policy.SupporterPolicy
	guildIDs       []string
	handlerTimeout time.Duration
	onReady        func()
	log            zerolog.Logger

	roles     roleLookup
	joinVoice func(guildID, channelID string) (session.Connection, error)

	ctx context.Context
}

// NewSession creates a gateway session with the intents the bot needs.
func NewSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	dg.StateEnabled = true
	dg.State.TrackVoice = true
	dg.State.TrackRoles = true
	return dg, nil
}

func NewBot(dg *discordgo.Session, svc SupportService, cfg BotConfig) *Bot {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	b := &Bot{
		session:        dg,
		svc:            svc,
		policy:         cfg.Policy,
		guildIDs:       cfg.GuildIDs,
		handlerTimeout: cfg.HandlerTimeout,
		onReady:        cfg.OnReady,
		log:            logging.WithComponent(cfg.Logger, "discord_bot"),
		ctx:            context.Background(),
	}
	if dg != nil {
		b.roles = dg.State.Role
		b.joinVoice = func(guildID, channelID string) (session.Connection, error) {
			vc, err := dg.ChannelVoiceJoin(guildID, channelID, false, false)
			if err != nil {
				return nil, err
			}
			return voiceConn{vc: vc}, nil
		}
		dg.AddHandler(b.handleReady)
		dg.AddHandler(b.handleVoiceStateUpdate)
		dg.AddHandler(b.handleInteraction)
	}
	return b
}

// Run opens the gateway and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	b.log.Info().Str(logging.FieldEvent, "discord.connected").Msg("discord gateway connected")

	<-ctx.Done()
	if err := b.session.Close(); err != nil {
		b.log.Warn().Err(err).Msg("discord close failed")
	}
	return nil
}

type voiceConn struct {
	vc *discordgo.VoiceConnection
}

func (c voiceConn) Close() error {
	return c.vc.Disconnect()
}

func (b *Bot) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	guilds := b.guildIDs
	if len(guilds) == 0 {
		guilds = []string{""}
	}
	for _, guildID := range guilds {
		if _, err := s.ApplicationCommandBulkOverwrite(r.User.ID, guildID, commands()); err != nil {
			b.log.Error().
				Err(err).
				Str(logging.FieldGroupID, guildID).
				Msg("registering slash commands failed")
		}
	}
	b.log.Info().
		Str("user", r.User.Username).
		Int("guilds", len(r.Guilds)).
		Str(logging.FieldEvent, "discord.ready").
		Msg("discord session ready")
	if b.onReady != nil {
		b.onReady()
	}
}

func (b *Bot) handleVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil {
		return
	}
	if v.Member != nil && v.Member.User != nil && v.Member.User.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && v.UserID == s.State.User.ID {
		return
	}
	oldChannelID := ""
	if v.BeforeUpdate != nil {
		oldChannelID = v.BeforeUpdate.ChannelID
	}
	b.voiceStateChanged(v.GuildID, v.UserID, oldChannelID, v.ChannelID)
}

func (b *Bot) voiceStateChanged(guildID, userID, oldChannelID, newChannelID string) {
	ctx, cancel := context.WithTimeout(b.ctx, b.handlerTimeout)
	defer cancel()

	err := b.svc.OnVoiceStateUpdate(ctx, guildID, userID, oldChannelID, newChannelID)
	if err == nil {
		return
	}
	ev := b.log.Warn()
	if support.IsUserError(err) {
		ev = b.log.Debug()
	}
	ev.Err(err).
		Str(logging.FieldGroupID, guildID).
		Str(logging.FieldRequesterID, userID).
		Msg("voice state update not applied")
}

// actor is whoever pressed a button or ran a command.
type actor struct {
	ID        string
	RoleNames []string
	Admin     bool
}

func (b *Bot) actorOf(i *discordgo.InteractionCreate) actor {
	a := actor{Admin: i.Member.Permissions&discordgo.PermissionAdministrator != 0}
	if i.Member.User != nil {
		a.ID = i.Member.User.ID
	}
	for _, roleID := range i.Member.Roles {
		if b.roles == nil {
			break
		}
		role, err := b.roles(i.GuildID, roleID)
		if err != nil || role == nil {
			continue
		}
		a.RoleNames = append(a.RoleNames, role.Name)
	}
	return a
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID == "" || i.Member == nil {
		return
	}

	var reply func(ctx context.Context) string
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		action, groupID, requesterID, err := parseCustomID(i.MessageComponentData().CustomID)
		if err != nil {
			return
		}
		who := b.actorOf(i)
		reply = func(ctx context.Context) string {
			if groupID != i.GuildID {
				return "This request belongs to another server."
			}
			return b.handleButton(ctx, action, groupID, requesterID, who)
		}
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		who := b.actorOf(i)
		opts := channelOptions(data.Options)
		reply = func(ctx context.Context) string {
			return b.handleCommand(ctx, i.GuildID, data.Name, opts, who)
		}
	default:
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		b.log.Warn().Err(err).Str(logging.FieldGroupID, i.GuildID).Msg("deferring interaction failed")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.handlerTimeout)
	defer cancel()
	text := reply(ctx)
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &text}); err != nil {
		b.log.Warn().Err(err).Str(logging.FieldGroupID, i.GuildID).Msg("editing interaction reply failed")
	}
}

// handleButton runs an accept or reject and returns the ephemeral reply.
func (b *Bot) handleButton(ctx context.Context, action, groupID, requesterID string, who actor) string {
	if d := b.policy.Decide(who.RoleNames, who.Admin); !d.Allowed {
		return d.Reason
	}
	if policy.SelfAction(who.ID, requesterID) {
		return "You cannot handle your own request."
	}

	switch action {
	case actionAccept:
		if _, err := b.svc.Accept(ctx, groupID, requesterID, who.ID); err != nil {
			return b.failureText(err, groupID, requesterID)
		}
		return fmt.Sprintf("Request from <@%s> accepted. They were moved to your voice channel.", requesterID)
	case actionReject:
		if err := b.svc.Reject(ctx, groupID, requesterID, who.ID); err != nil {
			return b.failureText(err, groupID, requesterID)
		}
		return fmt.Sprintf("You rejected <@%s>.", requesterID)
	default:
		return "Unknown action."
	}
}

const (
	commandJoinVoice  = "join_voice"
	commandLeaveVoice = "leave_voice"
)

func commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        commandJoinVoice,
			Description: "Start a live support session in a voice channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "voice",
					Description:  "Voice channel requesters join to ask for help",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice},
				},
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "text",
					Description:  "Text channel where requests are announced",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
		{
			Name:        commandLeaveVoice,
			Description: "End the live support session",
		},
	}
}

func channelOptions(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]string {
	out := make(map[string]string, len(opts))
	for _, opt := range opts {
		if opt == nil || opt.Type != discordgo.ApplicationCommandOptionChannel {
			continue
		}
		if id, ok := opt.Value.(string); ok {
			out[opt.Name] = id
		}
	}
	return out
}

func (b *Bot) handleCommand(ctx context.Context, guildID, name string, opts map[string]string, who actor) string {
	if d := b.policy.Decide(who.RoleNames, who.Admin); !d.Allowed {
		return d.Reason
	}

	switch name {
	case commandJoinVoice:
		voiceID, textID := opts["voice"], opts["text"]
		if voiceID == "" || textID == "" {
			return "Both a voice and a text channel are required."
		}
		conn, err := b.joinVoice(guildID, voiceID)
		if err != nil {
			b.log.Warn().Err(err).Str(logging.FieldGroupID, guildID).Str(logging.FieldChannelID, voiceID).Msg("joining voice channel failed")
			return "Could not join that voice channel."
		}
		if _, err := b.svc.StartSession(ctx, guildID, voiceID, textID, conn); err != nil {
			if cerr := conn.Close(); cerr != nil {
				b.log.Warn().Err(cerr).Str(logging.FieldGroupID, guildID).Msg("leaving voice channel failed")
			}
			if errors.Is(err, support.ErrAlreadyActive) {
				return "A support session is already running. Use /leave_voice first."
			}
			return b.failureText(err, guildID, "")
		}
		return fmt.Sprintf("Support session started in <#%s>. Requests are posted in <#%s>.", voiceID, textID)
	case commandLeaveVoice:
		if err := b.svc.StopSession(ctx, guildID); err != nil {
			return b.failureText(err, guildID, "")
		}
		return "Support session ended."
	default:
		return "Unknown command."
	}
}

func (b *Bot) failureText(err error, groupID, requesterID string) string {
	switch {
	case errors.Is(err, support.ErrNoSession):
		return "There is no active support session."
	case errors.Is(err, support.ErrSupporterNotInVoice):
		return "Join a voice channel first, then accept."
	case errors.Is(err, support.ErrRelocationFailed):
		return "Could not move the requester. The request is still waiting."
	case errors.Is(err, support.ErrNotWaiting),
		errors.Is(err, support.ErrAlreadyFinalized),
		errors.Is(err, support.ErrNotFound),
		errors.Is(err, support.ErrStaleEntry):
		return "This request is no longer waiting."
	}
	b.log.Error().
		Err(err).
		Str(logging.FieldGroupID, groupID).
		Str(logging.FieldRequesterID, requesterID).
		Msg("interaction failed")
	return "Something went wrong. Please try again."
}
