// Package attention owns the per-room attention session records: creation,
// reuse, staleness replacement, score merging and finalization.
package attention

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focuscall/backend/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session id matches nothing active
	// or persisted.
	ErrSessionNotFound = errors.New("session not found")
)

// Store is the narrow persistence collaborator. The aggregator treats it as
// eventually consistent: the in-memory record stays authoritative while a
// session is active, and store failures never block the live path.
type Store interface {
	FindActiveByRoom(ctx context.Context, roomID string) (*models.AttentionReport, error)
	FindBySessionID(ctx context.Context, sessionID string) (*models.AttentionReport, error)
	Create(ctx context.Context, report *models.AttentionReport) error
	Save(ctx context.Context, report *models.AttentionReport) error
}

// ParticipantScore is the per-participant slice of a score-update broadcast.
type ParticipantScore struct {
	UserID         uuid.UUID    `json:"user_id"`
	FullName       string       `json:"full_name"`
	AttentionScore int          `json:"attention_score"`
	Grade          models.Grade `json:"grade"`
	TotalFrames    int          `json:"total_frames"`
	FaceFrames     int          `json:"face_frames"`
}

// ScoreUpdate is the room-wide aggregate broadcast after each accepted sample.
type ScoreUpdate struct {
	SessionID    string             `json:"session_id"`
	RoomID       string             `json:"room_id"`
	OverallScore int                `json:"overall_score"`
	Participants []ParticipantScore `json:"participants"`
}

// FinalizedHook is called after a session transitions to Completed, outside
// any aggregator lock. Used to enqueue report archival.
type FinalizedHook func(sessionID, roomID string)

type session struct {
	report     *models.AttentionReport
	lastUpdate time.Time
}

// Aggregator linearizes all session transitions per room id. The single mutex
// covers only in-memory mutation; persistence writes happen on snapshots after
// the critical section.
type Aggregator struct {
	store       Store
	staleAfter  time.Duration
	logger      *zap.Logger
	now         func() time.Time
	onFinalized FinalizedHook

	mu     sync.Mutex
	active map[string]*session // roomID -> active session
}

// NewAggregator creates a session aggregator. staleAfter caps how long an
// active record may be reused before the next sample supersedes it.
func NewAggregator(store Store, staleAfter time.Duration, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Aggregator{
		store:      store,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
		active:     make(map[string]*session),
	}
}

// SetFinalizedHook registers the callback invoked when a session completes.
func (a *Aggregator) SetFinalizedHook(fn FinalizedHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFinalized = fn
}

// RecordSample merges one score sample into the room's active session,
// creating or superseding the session record as needed, and returns the
// refreshed room aggregate for broadcast.
func (a *Aggregator) RecordSample(ctx context.Context, roomID string, user models.UserPublic, score float64, faceDetected bool) (*ScoreUpdate, error) {
	// Resume lookup happens before the critical section: persisted reads are
	// advisory and must not be awaited under the lock.
	a.mu.Lock()
	_, known := a.active[roomID]
	a.mu.Unlock()

	var resumed *models.AttentionReport
	if !known {
		rep, err := a.store.FindActiveByRoom(ctx, roomID)
		if err != nil {
			a.logger.Warn("find active session", zap.String("room_id", roomID), zap.Error(err))
		} else {
			resumed = rep
		}
	}

	now := a.now()

	a.mu.Lock()
	st := a.active[roomID]
	if st == nil && resumed != nil {
		st = &session{report: resumed, lastUpdate: resumed.UpdatedAt}
		a.active[roomID] = st
	}

	// Supersede a stale active record before accepting the sample.
	var retired *models.AttentionReport
	if st != nil && now.Sub(st.report.StartedAt) > a.staleAfter {
		retired = st.report
		end := st.lastUpdate
		if end.IsZero() {
			end = retired.StartedAt
		}
		retired.EndedAt = &end
		retired.Status = models.SessionCompleted
		retired.DurationMinutes = minutesBetween(retired.StartedAt, end)
		retired.UpdatedAt = now
		delete(a.active, roomID)
		st = nil
	}

	created := false
	if st == nil {
		// The id embeds the start time so a fresh session never reuses the key
		// of a completed record for the same room.
		sessionID := fmt.Sprintf("%s_%d", roomID, now.UnixMilli())
		st = &session{
			report: &models.AttentionReport{
				SessionID:   sessionID,
				RoomID:      roomID,
				SessionName: "Meeting " + now.Format("Jan 2 2006 15:04"),
				CreatedBy:   user.ID,
				StartedAt:   now,
				Status:      models.SessionActive,
				CreatedAt:   now,
			},
		}
		a.active[roomID] = st
		created = true
	}

	rep := st.report
	p := rep.FindParticipant(user.ID)
	if p == nil {
		rep.Participants = append(rep.Participants, models.Participant{
			UserID:   user.ID,
			FullName: user.FullName,
			Email:    user.Email,
			JoinedAt: now,
		})
		p = &rep.Participants[len(rep.Participants)-1]
	}
	p.TotalFrames++
	if faceDetected {
		p.FaceFrames++
	}
	p.AttentionScore = clampScore(int(math.Round(score)))
	p.Grade = GradeForScore(p.AttentionScore)
	rep.OverallScore = overallScore(rep.Participants)
	rep.UpdatedAt = now
	st.lastUpdate = now

	update := buildScoreUpdate(rep)
	snap := cloneReport(rep)
	a.mu.Unlock()

	// Side effects outside the lock. A failed write is only retried implicitly
	// by the save issued for the next sample.
	if retired != nil {
		if err := a.store.Save(ctx, retired); err != nil {
			a.logger.Warn("save superseded session", zap.String("session_id", retired.SessionID), zap.Error(err))
		}
		a.finalized(retired)
	}
	if created {
		if err := a.store.Create(ctx, snap); err != nil {
			a.logger.Warn("create session record", zap.String("session_id", snap.SessionID), zap.Error(err))
		}
	} else if err := a.store.Save(ctx, snap); err != nil {
		a.logger.Warn("save session record", zap.String("session_id", snap.SessionID), zap.Error(err))
	}
	return update, nil
}

// MarkParticipantLeft stamps the leave time on a participant sub-record of the
// room's active session. No-op when the room has no active session.
func (a *Aggregator) MarkParticipantLeft(ctx context.Context, roomID string, userID uuid.UUID) {
	now := a.now()

	a.mu.Lock()
	st := a.active[roomID]
	if st == nil {
		a.mu.Unlock()
		return
	}
	p := st.report.FindParticipant(userID)
	if p == nil || p.LeftAt != nil {
		a.mu.Unlock()
		return
	}
	left := now
	p.LeftAt = &left
	p.DurationMinutes = minutesBetween(p.JoinedAt, left)
	st.report.UpdatedAt = now
	snap := cloneReport(st.report)
	a.mu.Unlock()

	if err := a.store.Save(ctx, snap); err != nil {
		a.logger.Warn("save participant leave", zap.String("session_id", snap.SessionID), zap.Error(err))
	}
}

// Finalize completes the room's active session, if any. Returns true when a
// session transitioned to Completed; a second call for the same room is a
// no-op returning false.
func (a *Aggregator) Finalize(ctx context.Context, roomID string) bool {
	now := a.now()

	a.mu.Lock()
	st := a.active[roomID]
	if st == nil {
		a.mu.Unlock()
		return false
	}
	delete(a.active, roomID)
	snap := a.completeLocked(st.report, now)
	a.mu.Unlock()

	if err := a.store.Save(ctx, snap); err != nil {
		a.logger.Warn("save finalized session", zap.String("session_id", snap.SessionID), zap.Error(err))
	}
	a.finalized(snap)
	return true
}

// EndSessionByID completes a session addressed by id rather than room. Serves
// the administrative end-session endpoint; also reaches records that are only
// in the store (e.g. left over from a previous process).
func (a *Aggregator) EndSessionByID(ctx context.Context, sessionID string) (*models.AttentionReport, error) {
	now := a.now()

	a.mu.Lock()
	for roomID, st := range a.active {
		if st.report.SessionID == sessionID {
			delete(a.active, roomID)
			snap := a.completeLocked(st.report, now)
			a.mu.Unlock()
			if err := a.store.Save(ctx, snap); err != nil {
				a.logger.Warn("save ended session", zap.String("session_id", sessionID), zap.Error(err))
			}
			a.finalized(snap)
			return snap, nil
		}
	}
	a.mu.Unlock()

	rep, err := a.store.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if rep == nil || rep.Status != models.SessionActive {
		return nil, ErrSessionNotFound
	}
	snap := a.completeLocked(rep, now)
	if err := a.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	a.finalized(snap)
	return snap, nil
}

// Snapshot returns a copy of the room-keyed active session matching the given
// session id, if held in memory.
func (a *Aggregator) Snapshot(sessionID string) (*models.AttentionReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range a.active {
		if st.report.SessionID == sessionID {
			return cloneReport(st.report), true
		}
	}
	return nil, false
}

// ActiveSessions returns copies of all in-memory active session records.
func (a *Aggregator) ActiveSessions() []models.AttentionReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AttentionReport, 0, len(a.active))
	for _, st := range a.active {
		out = append(out, *cloneReport(st.report))
	}
	return out
}

// completeLocked stamps the terminal fields on a report and returns a detached
// copy safe to persist. The report must no longer be reachable from the active
// map (or be caller-owned) when called.
func (a *Aggregator) completeLocked(rep *models.AttentionReport, end time.Time) *models.AttentionReport {
	rep.EndedAt = &end
	rep.Status = models.SessionCompleted
	rep.DurationMinutes = minutesBetween(rep.StartedAt, end)
	for i := range rep.Participants {
		p := &rep.Participants[i]
		until := end
		if p.LeftAt != nil {
			until = *p.LeftAt
		}
		p.DurationMinutes = minutesBetween(p.JoinedAt, until)
	}
	rep.UpdatedAt = end
	return cloneReport(rep)
}

func (a *Aggregator) finalized(rep *models.AttentionReport) {
	a.mu.Lock()
	fn := a.onFinalized
	a.mu.Unlock()
	if fn != nil {
		fn(rep.SessionID, rep.RoomID)
	}
}

func buildScoreUpdate(rep *models.AttentionReport) *ScoreUpdate {
	update := &ScoreUpdate{
		SessionID:    rep.SessionID,
		RoomID:       rep.RoomID,
		OverallScore: rep.OverallScore,
		Participants: make([]ParticipantScore, 0, len(rep.Participants)),
	}
	for _, p := range rep.Participants {
		update.Participants = append(update.Participants, ParticipantScore{
			UserID:         p.UserID,
			FullName:       p.FullName,
			AttentionScore: p.AttentionScore,
			Grade:          p.Grade,
			TotalFrames:    p.TotalFrames,
			FaceFrames:     p.FaceFrames,
		})
	}
	return update
}

func cloneReport(rep *models.AttentionReport) *models.AttentionReport {
	out := *rep
	out.Participants = make([]models.Participant, len(rep.Participants))
	copy(out.Participants, rep.Participants)
	for i := range out.Participants {
		if rep.Participants[i].LeftAt != nil {
			left := *rep.Participants[i].LeftAt
			out.Participants[i].LeftAt = &left
		}
	}
	if rep.EndedAt != nil {
		end := *rep.EndedAt
		out.EndedAt = &end
	}
	return &out
}

func overallScore(participants []models.Participant) int {
	if len(participants) == 0 {
		return 0
	}
	sum := 0
	for _, p := range participants {
		sum += p.AttentionScore
	}
	return int(math.Round(float64(sum) / float64(len(participants))))
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func minutesBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(math.Round(to.Sub(from).Minutes()))
}
