package support

import (
	"context"

	"github.com/ent0n29/livehelp/internal/queue"
)

// Permissions is the set of voice rights handed to an accepted requester
// on the supporter's channel.
type Permissions struct {
	Connect bool
	Speak   bool
	Stream  bool
	View    bool
}

// AcceptedPermissions is what an accepted requester gets.
var AcceptedPermissions = Permissions{Connect: true, Speak: true, Stream: true, View: true}

type AnnouncementStatus string

const (
	AnnouncementPending   AnnouncementStatus = "pending"
	AnnouncementAccepted  AnnouncementStatus = "accepted"
	AnnouncementFinalized AnnouncementStatus = "finalized"
)

// Announcement is the supporter-facing message for one request. Only a
// pending announcement carries Accept/Reject actions.
type Announcement struct {
	GroupID     string
	RequesterID string
	SupporterID string
	Status      AnnouncementStatus
	Reason      queue.Reason
	Text        string
}

func (a Announcement) ShowActions() bool {
	return a.Status == AnnouncementPending
}

// Platform is everything the support service needs from the chat
// platform. Implementations must be safe for concurrent use.
type Platform interface {
	// MoveMember moves a member to channelID; an empty channelID
	// disconnects them from voice.
	MoveMember(ctx context.Context, groupID, userID, channelID string) error
	SetMemberMute(ctx context.Context, groupID, userID string, muted bool) error
	GrantChannelPermission(ctx context.Context, channelID, userID string, perms Permissions) error
	RevokeChannelPermission(ctx context.Context, channelID, userID string) error
	SendAnnouncement(ctx context.Context, textChannelID string, a Announcement) (queue.MessageRef, error)
	EditAnnouncement(ctx context.Context, ref queue.MessageRef, a Announcement) error
	SendNotice(ctx context.Context, textChannelID, text string) error
	// MemberVoiceChannel returns the voice channel the member is in, or
	// "" when they are not connected.
	MemberVoiceChannel(ctx context.Context, groupID, userID string) (string, error)
}
