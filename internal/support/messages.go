package support

import (
	"fmt"
	"time"

	"github.com/ent0n29/livehelp/internal/queue"
)

func mention(userID string) string {
	return "<@" + userID + ">"
}

func pendingAnnouncement(groupID, requesterID string) Announcement {
	return Announcement{
		GroupID:     groupID,
		RequesterID: requesterID,
		Status:      AnnouncementPending,
		Text:        fmt.Sprintf("%s needs support. Accept or reject?", mention(requesterID)),
	}
}

func acceptedAnnouncement(groupID, requesterID, supporterID string) Announcement {
	return Announcement{
		GroupID:     groupID,
		RequesterID: requesterID,
		SupporterID: supporterID,
		Status:      AnnouncementAccepted,
		Text:        fmt.Sprintf("Request from %s accepted by %s.", mention(requesterID), mention(supporterID)),
	}
}

func finalizedAnnouncement(groupID, requesterID string, reason queue.Reason) Announcement {
	var text string
	switch reason {
	case queue.ReasonTimeout:
		text = fmt.Sprintf("Request from %s timed out.", mention(requesterID))
	case queue.ReasonRejected:
		text = fmt.Sprintf("Request from %s was rejected.", mention(requesterID))
	case queue.ReasonLeftWhileWaiting:
		text = fmt.Sprintf("%s left the support channel.", mention(requesterID))
	default:
		text = fmt.Sprintf("Request from %s handled (%s).", mention(requesterID), reason)
	}
	return Announcement{
		GroupID:     groupID,
		RequesterID: requesterID,
		Status:      AnnouncementFinalized,
		Reason:      reason,
		Text:        text,
	}
}

func timeoutNotice(requesterID string, window time.Duration) string {
	return fmt.Sprintf("%s support request timed out (%s).", mention(requesterID), humanMinutes(window))
}

func rejectionNotice(requesterID string) string {
	return fmt.Sprintf("%s was rejected.", mention(requesterID))
}

func rateLimitedNotice(requesterID string) string {
	return fmt.Sprintf("%s could not be added to the support queue: please wait before asking again.", mention(requesterID))
}

func humanMinutes(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dmin", int(d/time.Minute))
	}
	return d.String()
}
