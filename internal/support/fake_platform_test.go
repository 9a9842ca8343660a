package support

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/livehelp/internal/queue"
)

type platformCall struct {
	Op   string
	Args []string
}

// fakePlatform tracks voice presence in memory and records every call.
// Hooks run after the call is recorded and without holding the lock.
type fakePlatform struct {
	mu       sync.Mutex
	calls    []platformCall
	voice    map[string]string
	grants   map[string]Permissions
	failures map[string]error
	hooks    map[string]func()
	notices  []string
	edits    []Announcement
	nextMsg  int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		voice:    make(map[string]string),
		grants:   make(map[string]Permissions),
		failures: make(map[string]error),
		hooks:    make(map[string]func()),
	}
}

func (p *fakePlatform) record(op string, args ...string) error {
	p.mu.Lock()
	p.calls = append(p.calls, platformCall{Op: op, Args: args})
	err := p.failures[op]
	hook := p.hooks[op]
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (p *fakePlatform) setVoice(userID, channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if channelID == "" {
		delete(p.voice, userID)
		return
	}
	p.voice[userID] = channelID
}

func (p *fakePlatform) fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = err
}

func (p *fakePlatform) onCall(op string, hook func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[op] = hook
}

func (p *fakePlatform) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (p *fakePlatform) callsOf(op string) []platformCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []platformCall
	for _, c := range p.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakePlatform) grant(channelID, userID string) (Permissions, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	perms, ok := p.grants[channelID+"/"+userID]
	return perms, ok
}

func (p *fakePlatform) lastNotice() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.notices) == 0 {
		return ""
	}
	return p.notices[len(p.notices)-1]
}

func (p *fakePlatform) lastEdit() Announcement {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.edits) == 0 {
		return Announcement{}
	}
	return p.edits[len(p.edits)-1]
}

func (p *fakePlatform) MoveMember(_ context.Context, groupID, userID, channelID string) error {
	if err := p.record("move_member", groupID, userID, channelID); err != nil {
		return err
	}
	p.setVoice(userID, channelID)
	return nil
}

func (p *fakePlatform) SetMemberMute(_ context.Context, groupID, userID string, muted bool) error {
	return p.record("set_mute", groupID, userID, fmt.Sprint(muted))
}

func (p *fakePlatform) GrantChannelPermission(_ context.Context, channelID, userID string, perms Permissions) error {
	if err := p.record("grant_permission", channelID, userID); err != nil {
		return err
	}
	p.mu.Lock()
	p.grants[channelID+"/"+userID] = perms
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) RevokeChannelPermission(_ context.Context, channelID, userID string) error {
	if err := p.record("revoke_permission", channelID, userID); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.grants, channelID+"/"+userID)
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) SendAnnouncement(_ context.Context, textChannelID string, a Announcement) (queue.MessageRef, error) {
	if err := p.record("send_announcement", textChannelID, a.RequesterID); err != nil {
		return queue.MessageRef{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextMsg++
	return queue.MessageRef{ChannelID: textChannelID, MessageID: fmt.Sprintf("m%d", p.nextMsg)}, nil
}

func (p *fakePlatform) EditAnnouncement(_ context.Context, ref queue.MessageRef, a Announcement) error {
	if err := p.record("edit_announcement", ref.MessageID, string(a.Status)); err != nil {
		return err
	}
	p.mu.Lock()
	p.edits = append(p.edits, a)
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) SendNotice(_ context.Context, textChannelID, text string) error {
	if err := p.record("send_notice", textChannelID, text); err != nil {
		return err
	}
	p.mu.Lock()
	p.notices = append(p.notices, text)
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) MemberVoiceChannel(_ context.Context, groupID, userID string) (string, error) {
	if err := p.record("member_voice_channel", groupID, userID); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voice[userID], nil
}

func (c platformCall) String() string {
	return c.Op + "(" + strings.Join(c.Args, ",") + ")"
}

type fakeConn struct {
	closed chan struct{}
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{}, 1)} }

func (c *fakeConn) Close() error {
	c.closed <- struct{}{}
	return nil
}
