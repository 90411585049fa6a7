package attention

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/focuscall/backend/internal/models"
)

const reportColumns = `session_id, room_id, session_name, created_by, started_at, ended_at,
	duration_minutes, status, overall_score, participants, COALESCE(archive_key,''), created_at, updated_at`

// Repository persists attention reports in PostgreSQL. Participant sub-records
// are stored as a JSONB document, matching the keyed-document shape the
// aggregator hands over.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attention report repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new session record.
func (r *Repository) Create(ctx context.Context, report *models.AttentionReport) error {
	participants, err := json.Marshal(report.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	const q = `INSERT INTO attention_reports
		(session_id, room_id, session_name, created_by, started_at, ended_at, duration_minutes, status, overall_score, participants)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO NOTHING`
	_, err = r.pool.Exec(ctx, q,
		report.SessionID, report.RoomID, report.SessionName, report.CreatedBy,
		report.StartedAt, report.EndedAt, report.DurationMinutes, string(report.Status),
		report.OverallScore, participants)
	return err
}

// Save upserts the full session record keyed by session id.
func (r *Repository) Save(ctx context.Context, report *models.AttentionReport) error {
	participants, err := json.Marshal(report.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	const q = `INSERT INTO attention_reports
		(session_id, room_id, session_name, created_by, started_at, ended_at, duration_minutes, status, overall_score, participants)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			duration_minutes = EXCLUDED.duration_minutes,
			status = EXCLUDED.status,
			overall_score = EXCLUDED.overall_score,
			participants = EXCLUDED.participants,
			updated_at = NOW()`
	_, err = r.pool.Exec(ctx, q,
		report.SessionID, report.RoomID, report.SessionName, report.CreatedBy,
		report.StartedAt, report.EndedAt, report.DurationMinutes, string(report.Status),
		report.OverallScore, participants)
	return err
}

// FindActiveByRoom returns the newest active session for a room, or nil.
func (r *Repository) FindActiveByRoom(ctx context.Context, roomID string) (*models.AttentionReport, error) {
	q := `SELECT ` + reportColumns + ` FROM attention_reports
		WHERE room_id = $1 AND status = 'Active' ORDER BY started_at DESC LIMIT 1`
	return r.queryOne(ctx, q, roomID)
}

// FindBySessionID returns a session record by id, or nil.
func (r *Repository) FindBySessionID(ctx context.Context, sessionID string) (*models.AttentionReport, error) {
	q := `SELECT ` + reportColumns + ` FROM attention_reports WHERE session_id = $1`
	return r.queryOne(ctx, q, sessionID)
}

// ListActive returns all active session records.
func (r *Repository) ListActive(ctx context.Context) ([]models.AttentionReport, error) {
	q := `SELECT ` + reportColumns + ` FROM attention_reports WHERE status = 'Active' ORDER BY started_at DESC`
	return r.queryMany(ctx, q)
}

// ListByRoom returns the session history for a room, newest first.
func (r *Repository) ListByRoom(ctx context.Context, roomID string) ([]models.AttentionReport, error) {
	q := `SELECT ` + reportColumns + ` FROM attention_reports WHERE room_id = $1 ORDER BY started_at DESC`
	return r.queryMany(ctx, q, roomID)
}

// ListByUser returns sessions the user created or participated in, newest
// first, capped at limit.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.AttentionReport, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + reportColumns + ` FROM attention_reports
		WHERE created_by = $1 OR participants @> jsonb_build_array(jsonb_build_object('user_id', $1::text))
		ORDER BY started_at DESC LIMIT $2`
	return r.queryMany(ctx, q, userID, limit)
}

// SetArchiveKey records the S3 object key of the exported report.
func (r *Repository) SetArchiveKey(ctx context.Context, sessionID, key string) error {
	const q = `UPDATE attention_reports SET archive_key = $1, updated_at = NOW() WHERE session_id = $2`
	_, err := r.pool.Exec(ctx, q, key, sessionID)
	return err
}

func (r *Repository) queryOne(ctx context.Context, q string, args ...any) (*models.AttentionReport, error) {
	rep, err := scanReport(r.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return rep, nil
}

func (r *Repository) queryMany(ctx context.Context, q string, args ...any) ([]models.AttentionReport, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.AttentionReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rep)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*models.AttentionReport, error) {
	var rep models.AttentionReport
	var status string
	var participants []byte
	err := row.Scan(&rep.SessionID, &rep.RoomID, &rep.SessionName, &rep.CreatedBy,
		&rep.StartedAt, &rep.EndedAt, &rep.DurationMinutes, &status, &rep.OverallScore,
		&participants, &rep.ArchiveKey, &rep.CreatedAt, &rep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rep.Status = models.SessionStatus(status)
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &rep.Participants); err != nil {
			return nil, fmt.Errorf("unmarshal participants: %w", err)
		}
	}
	return &rep, nil
}
