package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/focuscall/backend/internal/analysis"
	"github.com/focuscall/backend/internal/attention"
	"github.com/focuscall/backend/internal/models"
)

type recordedSample struct {
	roomID string
	userID uuid.UUID
	score  float64
}

type fakeTracker struct {
	mu        sync.Mutex
	samples   []recordedSample
	left      []uuid.UUID
	finalized []string
}

func (f *fakeTracker) RecordSample(_ context.Context, roomID string, user models.UserPublic, score float64, _ bool) (*attention.ScoreUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, recordedSample{roomID: roomID, userID: user.ID, score: score})
	return &attention.ScoreUpdate{
		SessionID:    roomID,
		RoomID:       roomID,
		OverallScore: int(score),
	}, nil
}

func (f *fakeTracker) MarkParticipantLeft(_ context.Context, _ string, userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, userID)
}

func (f *fakeTracker) Finalize(_ context.Context, roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, roomID)
	return true
}

func (f *fakeTracker) finalizedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.finalized...)
}

func newTestManager(tracker AttentionTracker, maxMembers int) (*RoomManager, *Registry) {
	reg := NewRegistry(nil, zap.NewNop())
	return NewRoomManager(nil, reg, tracker, nil, nil, maxMembers, zap.NewNop()), reg
}

func newTestClient(name string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		User:   models.UserPublic{ID: uuid.New(), FullName: name, Email: name + "@example.com"},
		send:   make(chan WSMessage, 64),
		logger: zap.NewNop(),
	}
}

// drainEvents empties a client's send buffer and returns the event names in
// delivery order.
func drainEvents(c *Client) []string {
	var out []string
	for _, msg := range drainMessages(c) {
		out = append(out, msg.Event)
	}
	return out
}

func drainMessages(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestJoinDeliversRoomViewToJoiner(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(&fakeTracker{}, 0)
	ctx := context.Background()

	alice := newTestClient("alice")
	require.NoError(t, m.Join(ctx, alice, "room-1"))
	assert.Equal(t, []string{EventExistingMembers, EventRoomInfo}, drainEvents(alice))

	bob := newTestClient("bob")
	require.NoError(t, m.Join(ctx, bob, "room-1"))

	assert.Equal(t, []string{EventMemberJoined}, drainEvents(alice))
	assert.Equal(t, []string{EventExistingMembers, EventRoomInfo}, drainEvents(bob))

	info, ok := m.Snapshot("room-1")
	require.True(t, ok)
	assert.Equal(t, 2, info.MemberCount)
}

func TestExistingMembersExcludesJoiner(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(&fakeTracker{}, 0)
	ctx := context.Background()

	alice := newTestClient("alice")
	bob := newTestClient("bob")
	require.NoError(t, m.Join(ctx, alice, "room-1"))
	require.NoError(t, m.Join(ctx, bob, "room-1"))

	msgs := drainMessages(bob)
	require.Len(t, msgs, 2)

	var existing MembersEvent
	require.Equal(t, EventExistingMembers, msgs[0].Event)
	require.NoError(t, json.Unmarshal(msgs[0].Data, &existing))
	require.Len(t, existing.Members, 1)
	assert.Equal(t, alice.ID, existing.Members[0].ConnID)

	var info RoomInfo
	require.Equal(t, EventRoomInfo, msgs[1].Event)
	require.NoError(t, json.Unmarshal(msgs[1].Data, &info))
	assert.Equal(t, 2, info.MemberCount)
}

func TestJoinIsIdempotentForSameRoom(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(&fakeTracker{}, 0)
	ctx := context.Background()
	alice := newTestClient("alice")

	require.NoError(t, m.Join(ctx, alice, "room-1"))
	drainEvents(alice)
	require.NoError(t, m.Join(ctx, alice, "room-1"))

	assert.Empty(t, drainEvents(alice), "re-joining the same room is a no-op")
	info, _ := m.Snapshot("room-1")
	assert.Equal(t, 1, info.MemberCount)
}

func TestJoinSecondRoomLeavesFirst(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	m, _ := newTestManager(tracker, 0)
	ctx := context.Background()
	alice := newTestClient("alice")

	require.NoError(t, m.Join(ctx, alice, "room-a"))
	require.NoError(t, m.Join(ctx, alice, "room-b"))

	roomID, ok := m.RoomOf(alice.ID)
	require.True(t, ok)
	assert.Equal(t, "room-b", roomID)

	_, ok = m.Snapshot("room-a")
	assert.False(t, ok, "empty room must be dropped")
	assert.Equal(t, []string{"room-a"}, tracker.finalizedRooms())
}

func TestLeaveFinalizesEmptyRoomOnly(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	m, _ := newTestManager(tracker, 0)
	ctx := context.Background()

	alice := newTestClient("alice")
	bob := newTestClient("bob")
	require.NoError(t, m.Join(ctx, alice, "room-1"))
	require.NoError(t, m.Join(ctx, bob, "room-1"))
	drainEvents(alice)
	drainEvents(bob)

	m.Leave(bob)
	assert.Equal(t, []string{EventMemberLeft}, drainEvents(alice))
	assert.Empty(t, tracker.finalizedRooms())
	assert.Equal(t, []uuid.UUID{bob.User.ID}, tracker.left)

	m.Leave(alice)
	_, ok := m.Snapshot("room-1")
	assert.False(t, ok)
	assert.Equal(t, []string{"room-1"}, tracker.finalizedRooms())

	// leaving twice is harmless
	m.Leave(alice)
	assert.Equal(t, []string{"room-1"}, tracker.finalizedRooms())
}

func TestJoinFullRoom(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(&fakeTracker{}, 1)
	ctx := context.Background()

	alice := newTestClient("alice")
	bob := newTestClient("bob")
	require.NoError(t, m.Join(ctx, alice, "room-1"))

	err := m.Join(ctx, bob, "room-1")
	assert.ErrorIs(t, err, ErrRoomFull)

	_, inRoom := m.RoomOf(bob.ID)
	assert.False(t, inRoom)
	info, _ := m.Snapshot("room-1")
	assert.Equal(t, 1, info.MemberCount)
}

func TestRelayTargetsSingleConnection(t *testing.T) {
	t.Parallel()

	m, reg := newTestManager(&fakeTracker{}, 0)
	ctx := context.Background()

	alice := newTestClient("alice")
	bob := newTestClient("bob")
	carol := newTestClient("carol")
	for _, c := range []*Client{alice, bob, carol} {
		reg.Admit(c)
		require.NoError(t, m.Join(ctx, c, "room-1"))
	}
	for _, c := range []*Client{alice, bob, carol} {
		drainEvents(c)
	}

	m.Relay(alice, EventOffer, SignalRequest{Target: bob.ID})

	assert.Equal(t, []string{EventOffer}, drainEvents(bob))
	assert.Empty(t, drainEvents(carol))
	assert.Empty(t, drainEvents(alice))
}

func TestRelayUnknownTargetIsDroppedSilently(t *testing.T) {
	t.Parallel()

	m, reg := newTestManager(&fakeTracker{}, 0)
	ctx := context.Background()

	alice := newTestClient("alice")
	reg.Admit(alice)
	require.NoError(t, m.Join(ctx, alice, "room-1"))
	drainEvents(alice)

	m.Relay(alice, EventCandidate, SignalRequest{Target: "no-such-conn"})
	assert.Empty(t, drainEvents(alice))
}

func TestToggleAnalysisBroadcastsStatus(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(&fakeTracker{}, 0)
	ctx := context.Background()

	alice := newTestClient("alice")
	bob := newTestClient("bob")
	require.NoError(t, m.Join(ctx, alice, "room-1"))
	require.NoError(t, m.Join(ctx, bob, "room-1"))
	drainEvents(alice)
	drainEvents(bob)

	assert.True(t, m.AnalysisEnabled("room-1"))

	require.NoError(t, m.ToggleAnalysis(ctx, alice, false))
	assert.False(t, m.AnalysisEnabled("room-1"))
	assert.Equal(t, []string{EventAnalysisStatus}, drainEvents(alice))
	assert.Equal(t, []string{EventAnalysisStatus}, drainEvents(bob))

	require.NoError(t, m.ToggleAnalysis(ctx, bob, true))
	assert.True(t, m.AnalysisEnabled("room-1"))

	outsider := newTestClient("outsider")
	assert.ErrorIs(t, m.ToggleAnalysis(ctx, outsider, true), ErrNotInRoom)
}

func TestHandleScoreFansOutAggregate(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	m, _ := newTestManager(tracker, 0)
	ctx := context.Background()

	alice := newTestClient("alice")
	bob := newTestClient("bob")
	require.NoError(t, m.Join(ctx, alice, "room-1"))
	require.NoError(t, m.Join(ctx, bob, "room-1"))
	drainEvents(alice)
	drainEvents(bob)

	m.HandleScore(alice, analysis.ScoreResult{AttentionScore: 80, FaceDetected: true})

	assert.Equal(t, []string{EventAnalysisResult, EventScoreUpdate}, drainEvents(alice))
	assert.Equal(t, []string{EventScoreUpdate}, drainEvents(bob))
	require.Len(t, tracker.samples, 1)
	assert.Equal(t, recordedSample{roomID: "room-1", userID: alice.User.ID, score: 80}, tracker.samples[0])
}

func TestHandleScoreEngineErrorStaysPrivate(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	m, _ := newTestManager(tracker, 0)
	ctx := context.Background()

	alice := newTestClient("alice")
	bob := newTestClient("bob")
	require.NoError(t, m.Join(ctx, alice, "room-1"))
	require.NoError(t, m.Join(ctx, bob, "room-1"))
	drainEvents(alice)
	drainEvents(bob)

	m.HandleScore(alice, analysis.ScoreResult{Error: "no frame decoded"})

	assert.Equal(t, []string{EventAnalysisResult}, drainEvents(alice))
	assert.Empty(t, drainEvents(bob))
	assert.Empty(t, tracker.samples)
}

func TestEndSessionRequiresRoom(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	m, _ := newTestManager(tracker, 0)
	ctx := context.Background()
	alice := newTestClient("alice")

	assert.ErrorIs(t, m.EndSession(alice), ErrNotInRoom)

	require.NoError(t, m.Join(ctx, alice, "room-1"))
	require.NoError(t, m.EndSession(alice))
	assert.Equal(t, []string{"room-1"}, tracker.finalizedRooms())

	// still a member afterwards
	roomID, ok := m.RoomOf(alice.ID)
	require.True(t, ok)
	assert.Equal(t, "room-1", roomID)
}

func TestListRooms(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(&fakeTracker{}, 0)
	ctx := context.Background()

	require.NoError(t, m.Join(ctx, newTestClient("alice"), "room-a"))
	require.NoError(t, m.Join(ctx, newTestClient("bob"), "room-b"))

	rooms := m.ListRooms()
	require.Len(t, rooms, 2)
	ids := []string{rooms[0].RoomID, rooms[1].RoomID}
	assert.Contains(t, ids, "room-a")
	assert.Contains(t, ids, "room-b")
}
