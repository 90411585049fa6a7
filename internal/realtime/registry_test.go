package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistryAdmitAnnouncesPresence(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, zap.NewNop())
	alice := newTestClient("alice")
	bob := newTestClient("bob")

	r.Admit(alice)
	assert.Empty(t, drainEvents(alice), "no presence echo to the new connection")

	r.Admit(bob)
	assert.Equal(t, []string{EventPresenceOnline}, drainEvents(alice))
	assert.Equal(t, 2, r.Count())

	r.Remove(bob)
	assert.Equal(t, []string{EventPresenceOffline}, drainEvents(alice))
	assert.Equal(t, 1, r.Count())

	// removing twice is harmless
	r.Remove(bob)
	assert.Equal(t, 1, r.Count())
}

func TestRegistrySendSilentDrop(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, zap.NewNop())
	alice := newTestClient("alice")
	r.Admit(alice)

	assert.True(t, r.Send(alice.ID, EventRoomInfo, RoomInfo{RoomID: "room-1"}))
	assert.False(t, r.Send("no-such-conn", EventRoomInfo, RoomInfo{RoomID: "room-1"}))
	assert.Equal(t, []string{EventRoomInfo}, drainEvents(alice))
}

func TestRegistryLookupAndOnline(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, zap.NewNop())
	alice := newTestClient("alice")
	r.Admit(alice)

	require.Equal(t, alice, r.Lookup(alice.ID))
	assert.Nil(t, r.Lookup("missing"))

	online := r.Online()
	require.Len(t, online, 1)
	assert.Equal(t, alice.ID, online[0].ConnID)
	assert.Equal(t, alice.User.ID, online[0].User.ID)
}
