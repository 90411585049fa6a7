package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of an attention report.
type SessionStatus string

const (
	SessionActive    SessionStatus = "Active"
	SessionCompleted SessionStatus = "Completed"
)

// Grade is an ordinal engagement bucket with display metadata.
type Grade struct {
	Grade string `json:"grade"`
	Label string `json:"label"`
	Color string `json:"color"`
}

// Participant is the per-identity sub-record of an attention report.
type Participant struct {
	UserID          uuid.UUID  `json:"user_id"`
	FullName        string     `json:"full_name"`
	Email           string     `json:"email"`
	TotalFrames     int        `json:"total_frames"`
	FaceFrames      int        `json:"face_frames"`
	AttentionScore  int        `json:"attention_score"`
	Grade           Grade      `json:"grade"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
}

// AttentionReport is the aggregation document for one room's occupancy period.
// While the session is active the in-memory copy held by the aggregator is the
// source of truth; the persisted row is a durability shadow.
type AttentionReport struct {
	SessionID       string        `json:"session_id"`
	RoomID          string        `json:"room_id"`
	SessionName     string        `json:"session_name"`
	CreatedBy       uuid.UUID     `json:"created_by"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationMinutes int           `json:"duration_minutes"`
	Status          SessionStatus `json:"status"`
	OverallScore    int           `json:"overall_score"`
	Participants    []Participant `json:"participants"`
	ArchiveKey      string        `json:"archive_key,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// FindParticipant returns the sub-record for a user, or nil.
func (r *AttentionReport) FindParticipant(userID uuid.UUID) *Participant {
	for i := range r.Participants {
		if r.Participants[i].UserID == userID {
			return &r.Participants[i]
		}
	}
	return nil
}
