package discord

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/livehelp/internal/observability"
	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/reliability"
	"github.com/ent0n29/livehelp/internal/support"
)

type permCall struct {
	channelID, targetID string
	targetType          discordgo.PermissionOverwriteType
	allow, deny         int64
}

type fakeREST struct {
	mu        sync.Mutex
	failures  map[string][]error
	calls     map[string]int
	moves     []*string
	mutes     []bool
	perms     []permCall
	deletes   []string
	sends     []*discordgo.MessageSend
	edits     []*discordgo.MessageEdit
	nextMsgID string
}

func newFakeREST() *fakeREST {
	return &fakeREST{failures: map[string][]error{}, calls: map[string]int{}, nextMsgID: "msg-1"}
}

func (f *fakeREST) fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeREST) next(op string) error {
	f.calls[op]++
	queued := f.failures[op]
	if len(queued) == 0 {
		return nil
	}
	f.failures[op] = queued[1:]
	return queued[0]
}

func (f *fakeREST) GuildMemberMove(_, _ string, channelID *string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, channelID)
	return f.next("move")
}

func (f *fakeREST) GuildMemberMute(_, _ string, mute bool, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes = append(f.mutes, mute)
	return f.next("mute")
}

func (f *fakeREST) ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms = append(f.perms, permCall{channelID, targetID, targetType, allow, deny})
	return f.next("perm_set")
}

func (f *fakeREST) ChannelPermissionDelete(channelID, targetID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, channelID+"/"+targetID)
	return f.next("perm_delete")
}

func (f *fakeREST) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, data)
	if err := f.next("send"); err != nil {
		return nil, err
	}
	return &discordgo.Message{ID: f.nextMsgID, ChannelID: channelID}, nil
}

func (f *fakeREST) ChannelMessageEditComplex(m *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, m)
	if err := f.next("edit"); err != nil {
		return nil, err
	}
	return &discordgo.Message{ID: m.ID, ChannelID: m.Channel}, nil
}

func restError(status int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: status, Status: http.StatusText(status)}}
}

func newTestPlatform(api restAPI, lookup voiceStateLookup) (*Platform, *observability.Metrics) {
	metrics := observability.NewMetrics("test_discord", nil)
	retry := reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}
	return newPlatform(api, lookup, retry, metrics, zerolog.Nop()), metrics
}

func noVoiceState(string, string) (*discordgo.VoiceState, error) {
	return nil, discordgo.ErrStateNotFound
}

func TestMoveMemberEmptyChannelDisconnects(t *testing.T) {
	api := newFakeREST()
	p, _ := newTestPlatform(api, noVoiceState)

	require.NoError(t, p.MoveMember(context.Background(), "g", "u", "voice-2"))
	require.NoError(t, p.MoveMember(context.Background(), "g", "u", ""))

	require.Len(t, api.moves, 2)
	require.NotNil(t, api.moves[0])
	assert.Equal(t, "voice-2", *api.moves[0])
	assert.Nil(t, api.moves[1])
}

func TestPlatformRetriesTransientFailures(t *testing.T) {
	api := newFakeREST()
	api.fail("mute", restError(http.StatusBadGateway), restError(http.StatusServiceUnavailable))
	p, metrics := newTestPlatform(api, noVoiceState)

	require.NoError(t, p.SetMemberMute(context.Background(), "g", "u", true))
	assert.Equal(t, 3, api.calls["mute"])
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PlatformRetries.WithLabelValues("set_mute")))
}

func TestPlatformDoesNotRetryPermanentFailures(t *testing.T) {
	api := newFakeREST()
	api.fail("perm_delete", restError(http.StatusForbidden))
	p, _ := newTestPlatform(api, noVoiceState)

	err := p.RevokeChannelPermission(context.Background(), "voice-1", "u")
	require.Error(t, err)
	assert.Equal(t, 1, api.calls["perm_delete"])

	var restErr *discordgo.RESTError
	assert.True(t, errors.As(err, &restErr))
}

func TestGrantChannelPermissionSetsMemberOverwrite(t *testing.T) {
	api := newFakeREST()
	p, _ := newTestPlatform(api, noVoiceState)

	require.NoError(t, p.GrantChannelPermission(context.Background(), "voice-1", "u", support.AcceptedPermissions))
	require.Len(t, api.perms, 1)
	call := api.perms[0]
	assert.Equal(t, "voice-1", call.channelID)
	assert.Equal(t, "u", call.targetID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeMember, call.targetType)
	assert.Zero(t, call.deny)
	assert.Equal(t, permissionBits(support.AcceptedPermissions), call.allow)
}

func TestSendAndEditAnnouncement(t *testing.T) {
	api := newFakeREST()
	p, _ := newTestPlatform(api, noVoiceState)
	ctx := context.Background()

	ref, err := p.SendAnnouncement(ctx, "text-1", support.Announcement{
		GroupID:     "g",
		RequesterID: "u",
		Status:      support.AnnouncementPending,
		Text:        "<@u> needs support.",
	})
	require.NoError(t, err)
	assert.Equal(t, queue.MessageRef{ChannelID: "text-1", MessageID: "msg-1"}, ref)
	require.Len(t, api.sends, 1)
	assert.Len(t, api.sends[0].Components, 1)

	require.NoError(t, p.EditAnnouncement(ctx, ref, support.Announcement{
		GroupID:     "g",
		RequesterID: "u",
		Status:      support.AnnouncementFinalized,
		Text:        "done",
	}))
	require.Len(t, api.edits, 1)
	edit := api.edits[0]
	assert.Equal(t, "msg-1", edit.ID)
	assert.Equal(t, "done", *edit.Content)
	require.NotNil(t, edit.Components)
	assert.Empty(t, *edit.Components)

	require.NoError(t, p.EditAnnouncement(ctx, queue.MessageRef{}, support.Announcement{}))
	assert.Len(t, api.edits, 1)
}

func TestMemberVoiceChannel(t *testing.T) {
	api := newFakeREST()
	p, _ := newTestPlatform(api, func(guildID, userID string) (*discordgo.VoiceState, error) {
		if userID == "sup" {
			return &discordgo.VoiceState{GuildID: guildID, UserID: userID, ChannelID: "voice-9"}, nil
		}
		return nil, discordgo.ErrStateNotFound
	})

	ch, err := p.MemberVoiceChannel(context.Background(), "g", "sup")
	require.NoError(t, err)
	assert.Equal(t, "voice-9", ch)

	ch, err = p.MemberVoiceChannel(context.Background(), "g", "nobody")
	require.NoError(t, err)
	assert.Empty(t, ch)
}
