package attention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/focuscall/backend/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	reports map[string]*models.AttentionReport
	creates int
	saves   int
}

func newMemStore() *memStore {
	return &memStore{reports: map[string]*models.AttentionReport{}}
}

func (s *memStore) FindActiveByRoom(_ context.Context, roomID string) (*models.AttentionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.AttentionReport
	for _, rep := range s.reports {
		if rep.RoomID != roomID || rep.Status != models.SessionActive {
			continue
		}
		if newest == nil || rep.StartedAt.After(newest.StartedAt) {
			newest = rep
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (s *memStore) FindBySessionID(_ context.Context, sessionID string) (*models.AttentionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *rep
	return &cp, nil
}

func (s *memStore) Create(_ context.Context, rep *models.AttentionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	cp := *rep
	s.reports[rep.SessionID] = &cp
	return nil
}

func (s *memStore) Save(_ context.Context, rep *models.AttentionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	cp := *rep
	s.reports[rep.SessionID] = &cp
	return nil
}

func (s *memStore) get(sessionID string) *models.AttentionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[sessionID]
}

func testUser(name string) models.UserPublic {
	return models.UserPublic{ID: uuid.New(), FullName: name, Email: strings.ToLower(name) + "@example.com"}
}

func newTestAggregator(store Store, staleAfter time.Duration) (*Aggregator, *time.Time) {
	agg := NewAggregator(store, staleAfter, zap.NewNop())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }
	return agg, &now
}

func TestRecordSampleCreatesSession(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	agg, _ := newTestAggregator(store, time.Hour)

	update, err := agg.RecordSample(context.Background(), "room-1", testUser("Alice"), 82, true)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(update.SessionID, "room-1_"), "session id carries a start-time suffix")
	assert.Equal(t, "room-1", update.RoomID)
	assert.Equal(t, 82, update.OverallScore)
	require.Len(t, update.Participants, 1)
	assert.Equal(t, "B", update.Participants[0].Grade.Grade)
	assert.Equal(t, 1, update.Participants[0].TotalFrames)
	assert.Equal(t, 1, update.Participants[0].FaceFrames)

	rep := store.get(update.SessionID)
	require.NotNil(t, rep)
	assert.Equal(t, models.SessionActive, rep.Status)
	assert.Equal(t, 1, store.creates)
}

func TestRecordSampleAveragesAcrossParticipants(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	agg, _ := newTestAggregator(store, time.Hour)
	ctx := context.Background()

	_, err := agg.RecordSample(ctx, "room-1", testUser("Alice"), 40, true)
	require.NoError(t, err)
	_, err = agg.RecordSample(ctx, "room-1", testUser("Bob"), 70, true)
	require.NoError(t, err)
	update, err := agg.RecordSample(ctx, "room-1", testUser("Carol"), 100, true)
	require.NoError(t, err)

	assert.Equal(t, 70, update.OverallScore)
	assert.Len(t, update.Participants, 3)
}

func TestRecordSampleClampsScores(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	agg, _ := newTestAggregator(store, time.Hour)
	ctx := context.Background()
	user := testUser("Alice")

	update, err := agg.RecordSample(ctx, "room-1", user, -12, false)
	require.NoError(t, err)
	assert.Equal(t, 0, update.Participants[0].AttentionScore)

	update, err = agg.RecordSample(ctx, "room-1", user, 140, true)
	require.NoError(t, err)
	assert.Equal(t, 100, update.Participants[0].AttentionScore)
	assert.Equal(t, 2, update.Participants[0].TotalFrames)
	assert.Equal(t, 1, update.Participants[0].FaceFrames)
}

func TestRecordSampleSupersedesStaleSession(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	agg, now := newTestAggregator(store, time.Hour)
	ctx := context.Background()
	user := testUser("Alice")

	var finalized []string
	agg.SetFinalizedHook(func(sessionID, _ string) { finalized = append(finalized, sessionID) })

	first, err := agg.RecordSample(ctx, "room-1", user, 80, true)
	require.NoError(t, err)
	lastActivity := *now

	*now = now.Add(90 * time.Minute)
	update, err := agg.RecordSample(ctx, "room-1", user, 60, true)
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, update.SessionID)
	assert.True(t, strings.HasPrefix(update.SessionID, "room-1_"))
	assert.Equal(t, 1, update.Participants[0].TotalFrames, "fresh session restarts counters")

	old := store.get(first.SessionID)
	require.NotNil(t, old)
	assert.Equal(t, models.SessionCompleted, old.Status)
	require.NotNil(t, old.EndedAt)
	assert.True(t, old.EndedAt.Equal(lastActivity), "stale session ends at its last activity")

	assert.Equal(t, []string{first.SessionID}, finalized)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	agg, now := newTestAggregator(store, time.Hour)
	ctx := context.Background()

	update, err := agg.RecordSample(ctx, "room-1", testUser("Alice"), 75, true)
	require.NoError(t, err)

	*now = now.Add(30 * time.Minute)
	assert.True(t, agg.Finalize(ctx, "room-1"))
	assert.False(t, agg.Finalize(ctx, "room-1"))
	assert.False(t, agg.Finalize(ctx, "room-unknown"))

	rep := store.get(update.SessionID)
	require.NotNil(t, rep)
	assert.Equal(t, models.SessionCompleted, rep.Status)
	assert.Equal(t, 30, rep.DurationMinutes)
}

func TestMarkParticipantLeftStampsDuration(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	agg, now := newTestAggregator(store, time.Hour)
	ctx := context.Background()
	alice := testUser("Alice")
	bob := testUser("Bob")

	update, err := agg.RecordSample(ctx, "room-1", alice, 80, true)
	require.NoError(t, err)
	_, err = agg.RecordSample(ctx, "room-1", bob, 90, true)
	require.NoError(t, err)

	*now = now.Add(10 * time.Minute)
	agg.MarkParticipantLeft(ctx, "room-1", alice.ID)

	rep := store.get(update.SessionID)
	require.NotNil(t, rep)
	p := rep.FindParticipant(alice.ID)
	require.NotNil(t, p)
	require.NotNil(t, p.LeftAt)
	assert.Equal(t, 10, p.DurationMinutes)
	assert.Nil(t, rep.FindParticipant(bob.ID).LeftAt)
	assert.Equal(t, models.SessionActive, rep.Status)
}

func TestEndSessionByID(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	agg, now := newTestAggregator(store, time.Hour)
	ctx := context.Background()

	update, err := agg.RecordSample(ctx, "room-1", testUser("Alice"), 75, true)
	require.NoError(t, err)

	*now = now.Add(5 * time.Minute)
	rep, err := agg.EndSessionByID(ctx, update.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, rep.Status)

	_, err = agg.EndSessionByID(ctx, update.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "already completed")

	_, err = agg.EndSessionByID(ctx, "no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecordSampleResumesPersistedSession(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	started := time.Date(2026, 3, 10, 11, 45, 0, 0, time.UTC)
	sessionID := fmt.Sprintf("room-1_%d", started.UnixMilli())
	require.NoError(t, store.Create(context.Background(), &models.AttentionReport{
		SessionID:   sessionID,
		RoomID:      "room-1",
		SessionName: "Meeting Mar 10 2026 11:45",
		StartedAt:   started,
		UpdatedAt:   started,
		Status:      models.SessionActive,
	}))

	agg, _ := newTestAggregator(store, time.Hour)
	update, err := agg.RecordSample(context.Background(), "room-1", testUser("Alice"), 80, true)
	require.NoError(t, err)

	assert.Equal(t, sessionID, update.SessionID)
	assert.Equal(t, 1, store.creates, "resume must not create a second record")
}

func TestRecordSampleAfterFinalizeStartsNewSession(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	agg, now := newTestAggregator(store, time.Hour)
	ctx := context.Background()
	user := testUser("Alice")

	first, err := agg.RecordSample(ctx, "room-1", user, 75, true)
	require.NoError(t, err)

	*now = now.Add(20 * time.Minute)
	require.True(t, agg.Finalize(ctx, "room-1"))
	endedAt := *now

	*now = now.Add(time.Minute)
	second, err := agg.RecordSample(ctx, "room-1", user, 90, true)
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, store.creates)

	completed := store.get(first.SessionID)
	require.NotNil(t, completed)
	assert.Equal(t, models.SessionCompleted, completed.Status)
	require.NotNil(t, completed.EndedAt)
	assert.True(t, completed.EndedAt.Equal(endedAt), "completed record is never mutated again")
	assert.Equal(t, 20, completed.DurationMinutes)

	fresh := store.get(second.SessionID)
	require.NotNil(t, fresh)
	assert.Equal(t, models.SessionActive, fresh.Status)
	assert.Equal(t, 1, fresh.FindParticipant(user.ID).TotalFrames)
}
