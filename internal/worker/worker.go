package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/focuscall/backend/internal/attention"
	"github.com/focuscall/backend/internal/models"
	"github.com/focuscall/backend/pkg/queue"
	"github.com/focuscall/backend/pkg/storage"
)

// ReportExporter processes report export jobs: load the completed report,
// upload a JSON snapshot to S3 and record the archive key.
type ReportExporter struct {
	repo   *attention.Repository
	s3     *storage.S3
	queue  *queue.Queue
	logger *zap.Logger
}

// NewReportExporter creates a report export processor.
func NewReportExporter(repo *attention.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ReportExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportExporter{repo: repo, s3: s3, queue: q, logger: logger}
}

// Process executes one report export job. Already-archived and still-active
// sessions are skipped without error.
func (p *ReportExporter) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeReportExport {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ReportExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	rep, err := p.repo.FindBySessionID(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	if rep == nil {
		return fmt.Errorf("report not found: %s", payload.SessionID)
	}
	if rep.ArchiveKey != "" {
		p.logger.Info("report already archived", zap.String("session_id", rep.SessionID), zap.String("key", rep.ArchiveKey))
		return nil
	}
	if rep.Status != models.SessionCompleted {
		p.logger.Info("report not completed yet, skipping export", zap.String("session_id", rep.SessionID))
		return nil
	}

	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key, err := p.s3.UploadReport(ctx, rep.RoomID, rep.SessionID, body)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.repo.SetArchiveKey(ctx, rep.SessionID, key); err != nil {
		p.logger.Error("set archive key failed", zap.Error(err), zap.String("session_id", rep.SessionID))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("report archived", zap.String("session_id", rep.SessionID), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ReportExporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("report worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
