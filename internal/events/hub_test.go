package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/livehelp/internal/protocol"
)

func TestHubDeliversPerGroupAndWildcard(t *testing.T) {
	h := NewHub()
	g1, unsub1 := h.Subscribe("g1")
	defer unsub1()
	all, unsubAll := h.Subscribe("")
	defer unsubAll()

	h.Publish(protocol.QueueEvent{Type: protocol.TypeRequestCreated, GroupID: "g1", RequesterID: "u1"})
	h.Publish(protocol.QueueEvent{Type: protocol.TypeRequestCreated, GroupID: "g2", RequesterID: "u2"})

	require.Len(t, g1, 1)
	assert.Equal(t, "u1", (<-g1).RequesterID)
	require.Len(t, all, 2)
	assert.Equal(t, "u1", (<-all).RequesterID)
	assert.Equal(t, "u2", (<-all).RequesterID)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe("g1")
	assert.Equal(t, 1, h.Subscribers())

	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Subscribers())

	assert.NotPanics(t, func() {
		h.Publish(protocol.QueueEvent{GroupID: "g1"})
	})
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe("g1")
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(protocol.QueueEvent{GroupID: "g1"})
	}
	assert.Len(t, ch, subscriberBuffer)
}
