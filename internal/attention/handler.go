package attention

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focuscall/backend/internal/middleware"
	"github.com/focuscall/backend/internal/models"
	"github.com/focuscall/backend/pkg/response"
)

// SessionInfo is the header block of a session report view.
type SessionInfo struct {
	SessionID         string               `json:"session_id"`
	SessionName       string               `json:"session_name"`
	RoomID            string               `json:"room_id"`
	StartedAt         time.Time            `json:"started_at"`
	EndedAt           *time.Time           `json:"ended_at,omitempty"`
	DurationMinutes   int                  `json:"duration_minutes"`
	Status            models.SessionStatus `json:"status"`
	OverallScore      int                  `json:"overall_score"`
	TotalParticipants int                  `json:"total_participants"`
	ArchiveKey        string               `json:"archive_key,omitempty"`
}

// SessionView is the full report payload: header plus participants sorted by
// score, highest first. Durations of still-active sessions run to now.
type SessionView struct {
	SessionInfo  SessionInfo          `json:"session_info"`
	Participants []models.Participant `json:"participants"`
}

// SessionSummary is one row of a user's report history.
type SessionSummary struct {
	SessionID         string               `json:"session_id"`
	SessionName       string               `json:"session_name"`
	StartedAt         time.Time            `json:"started_at"`
	EndedAt           *time.Time           `json:"ended_at,omitempty"`
	DurationMinutes   int                  `json:"duration_minutes"`
	Status            models.SessionStatus `json:"status"`
	TotalParticipants int                  `json:"total_participants"`
	OverallScore      int                  `json:"overall_score"`
	UserScore         *int                 `json:"user_score,omitempty"`
	IsCreator         bool                 `json:"is_creator"`
}

// ReportArchive serves download URLs for reports exported to object storage.
// Satisfied by *storage.S3.
type ReportArchive interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// Handler serves the report read endpoints and the administrative end-session
// command.
type Handler struct {
	agg     *Aggregator
	repo    *Repository
	archive ReportArchive
	logger  *zap.Logger
}

// NewHandler creates a reports handler. archive may be nil when no report
// bucket is configured; downloads then return 404.
func NewHandler(agg *Aggregator, repo *Repository, archive ReportArchive, logger *zap.Logger) *Handler {
	return &Handler{agg: agg, repo: repo, archive: archive, logger: logger}
}

// ListActive handles GET /api/reports/sessions/active.
func (h *Handler) ListActive(c *gin.Context) {
	response.OK(c, h.agg.ActiveSessions())
}

// GetSession handles GET /api/reports/sessions/:id. The in-memory record wins
// over the persisted shadow while the session is live.
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")
	rep, ok := h.agg.Snapshot(sessionID)
	if !ok {
		var err error
		rep, err = h.repo.FindBySessionID(c.Request.Context(), sessionID)
		if err != nil {
			h.logger.Error("fetch session", zap.String("session_id", sessionID), zap.Error(err))
			response.Internal(c, "failed to fetch session")
			return
		}
		if rep == nil {
			response.NotFound(c, "session not found")
			return
		}
	}
	response.OK(c, buildSessionView(rep, time.Now()))
}

// EndSession handles POST /api/reports/sessions/:id/end.
func (h *Handler) EndSession(c *gin.Context) {
	rep, err := h.agg.EndSessionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			response.NotFound(c, "session not found or already ended")
			return
		}
		h.logger.Error("end session", zap.String("session_id", c.Param("id")), zap.Error(err))
		response.Internal(c, "failed to end session")
		return
	}
	response.OK(c, buildSessionView(rep, time.Now()))
}

// DownloadReport handles GET /api/reports/sessions/:id/download. The URL is
// pre-signed and time-limited; only exported reports have one.
func (h *Handler) DownloadReport(c *gin.Context) {
	sessionID := c.Param("id")
	if h.archive == nil {
		response.NotFound(c, "report archive is not configured")
		return
	}
	rep, err := h.repo.FindBySessionID(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("fetch session", zap.String("session_id", sessionID), zap.Error(err))
		response.Internal(c, "failed to fetch session")
		return
	}
	if rep == nil || rep.ArchiveKey == "" {
		response.NotFound(c, "no archived report for this session")
		return
	}
	expires := h.archive.PresignExpire()
	url, err := h.archive.GeneratePresignedDownloadURL(c.Request.Context(), rep.ArchiveKey, expires)
	if err != nil {
		h.logger.Error("presign report download", zap.String("session_id", sessionID), zap.Error(err))
		response.Internal(c, "failed to generate download link")
		return
	}
	response.OK(c, gin.H{
		"session_id":         sessionID,
		"download_url":       url,
		"expires_in_seconds": int(expires.Seconds()),
	})
}

// ListByRoom handles GET /api/reports/rooms/:roomId.
func (h *Handler) ListByRoom(c *gin.Context) {
	list, err := h.repo.ListByRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		response.Internal(c, "failed to list reports")
		return
	}
	response.OK(c, list)
}

// MyReports handles GET /api/reports/me.
func (h *Handler) MyReports(c *gin.Context) {
	userVal, ok := c.Get(middleware.ContextUserID)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	userID, _ := userVal.(uuid.UUID)
	list, err := h.repo.ListByUser(c.Request.Context(), userID, 20)
	if err != nil {
		response.Internal(c, "failed to list reports")
		return
	}
	summaries := make([]SessionSummary, 0, len(list))
	for i := range list {
		summaries = append(summaries, buildSummary(&list[i], userID))
	}
	response.OK(c, gin.H{"sessions": summaries})
}

func buildSessionView(rep *models.AttentionReport, now time.Time) SessionView {
	info := SessionInfo{
		SessionID:         rep.SessionID,
		SessionName:       rep.SessionName,
		RoomID:            rep.RoomID,
		StartedAt:         rep.StartedAt,
		EndedAt:           rep.EndedAt,
		DurationMinutes:   rep.DurationMinutes,
		Status:            rep.Status,
		OverallScore:      rep.OverallScore,
		TotalParticipants: len(rep.Participants),
		ArchiveKey:        rep.ArchiveKey,
	}
	if rep.Status == models.SessionActive {
		info.DurationMinutes = minutesBetween(rep.StartedAt, now)
	}

	participants := make([]models.Participant, len(rep.Participants))
	copy(participants, rep.Participants)
	for i := range participants {
		p := &participants[i]
		until := now
		if p.LeftAt != nil {
			until = *p.LeftAt
		} else if rep.EndedAt != nil {
			until = *rep.EndedAt
		}
		p.DurationMinutes = minutesBetween(p.JoinedAt, until)
	}
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].AttentionScore > participants[j].AttentionScore
	})
	return SessionView{SessionInfo: info, Participants: participants}
}

func buildSummary(rep *models.AttentionReport, userID uuid.UUID) SessionSummary {
	s := SessionSummary{
		SessionID:         rep.SessionID,
		SessionName:       rep.SessionName,
		StartedAt:         rep.StartedAt,
		EndedAt:           rep.EndedAt,
		DurationMinutes:   rep.DurationMinutes,
		Status:            rep.Status,
		TotalParticipants: len(rep.Participants),
		OverallScore:      rep.OverallScore,
		IsCreator:         rep.CreatedBy == userID,
	}
	if p := rep.FindParticipant(userID); p != nil {
		score := p.AttentionScore
		s.UserScore = &score
	}
	return s
}
