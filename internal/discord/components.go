package discord

import (
	"errors"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/support"
)

const (
	actionAccept = "support_accept"
	actionReject = "support_reject"
)

var errBadCustomID = errors.New("malformed support button id")

func customID(action, groupID, requesterID string) string {
	return action + ":" + groupID + ":" + requesterID
}

// parseCustomID splits "<action>:<guild>:<user>".
func parseCustomID(id string) (action, groupID, requesterID string, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", "", errBadCustomID
	}
	switch parts[0] {
	case actionAccept, actionReject:
		return parts[0], parts[1], parts[2], nil
	default:
		return "", "", "", errBadCustomID
	}
}

func permissionBits(p support.Permissions) int64 {
	var bits int64
	if p.Connect {
		bits |= discordgo.PermissionVoiceConnect
	}
	if p.Speak {
		bits |= discordgo.PermissionVoiceSpeak
	}
	if p.Stream {
		bits |= discordgo.PermissionVoiceStreamVideo
	}
	if p.View {
		bits |= discordgo.PermissionViewChannel
	}
	return bits
}

func announcementComponents(a support.Announcement) []discordgo.MessageComponent {
	if !a.ShowActions() {
		return []discordgo.MessageComponent{}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Accept",
					Style:    discordgo.SuccessButton,
					CustomID: customID(actionAccept, a.GroupID, a.RequesterID),
				},
				discordgo.Button{
					Label:    "Reject",
					Style:    discordgo.DangerButton,
					CustomID: customID(actionReject, a.GroupID, a.RequesterID),
				},
			},
		},
	}
}

func announcementSend(a support.Announcement) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content:    a.Text,
		Components: announcementComponents(a),
		// Mentions render but do not ping.
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
}

func announcementEdit(ref queue.MessageRef, a support.Announcement) *discordgo.MessageEdit {
	content := a.Text
	components := announcementComponents(a)
	return &discordgo.MessageEdit{
		ID:              ref.MessageID,
		Channel:         ref.ChannelID,
		Content:         &content,
		Components:      &components,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
}
