package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/sqs"
)

// AnnouncementLoader loads announcements by id.
type AnnouncementLoader interface {
	GetAnnouncement(ctx context.Context, id string) (*db.Announcement, error)
}

// Dispatcher fans an announcement out to recipients.
type Dispatcher interface {
	SendAnnouncementToUsers(ctx context.Context, a *db.Announcement, recipients []db.Recipient) notify.Result
}

// SummaryPublisher announces finished runs.
type SummaryPublisher interface {
	PublishDispatchSummary(ctx context.Context, s sns.DispatchSummary) (string, error)
}

// CompletionStore records the final result of an idempotent dispatch.
type CompletionStore interface {
	Store(ctx context.Context, announcementID, idempotencyKey string, rec *redis.DispatchRecord, ttl time.Duration) error
}

// Runner executes one dispatch job. Both the SQS worker and the API's
// in-process fallback go through it.
type Runner struct {
	announcements AnnouncementLoader
	dispatcher    Dispatcher
	publisher     SummaryPublisher // optional
	completions   CompletionStore  // optional
	logger        *zap.Logger
}

// NewRunner creates a runner. publisher and completions may be nil.
func NewRunner(announcements AnnouncementLoader, dispatcher Dispatcher, publisher SummaryPublisher, completions CompletionStore, logger *zap.Logger) *Runner {
	return &Runner{
		announcements: announcements,
		dispatcher:    dispatcher,
		publisher:     publisher,
		completions:   completions,
		logger:        logger,
	}
}

// Run loads the job's announcement, dispatches it and reports the result.
// Only a failed announcement lookup is returned as an error.
func (r *Runner) Run(ctx context.Context, job *sqs.Job) (notify.Result, error) {
	a, err := r.announcements.GetAnnouncement(ctx, job.AnnouncementID)
	if err != nil {
		return notify.Result{}, fmt.Errorf("load announcement %s: %w", job.AnnouncementID, err)
	}

	started := time.Now()
	res := r.dispatcher.SendAnnouncementToUsers(ctx, a, job.Recipients)

	r.logger.Info("dispatch job finished",
		zap.String("job_id", job.JobID),
		zap.String("announcement_id", a.ID),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Duration("took", time.Since(started)),
	)

	if r.completions != nil {
		rec := &redis.DispatchRecord{
			AnnouncementID: a.ID,
			Status:         "completed",
			Recipients:     len(job.Recipients),
			Sent:           res.Sent,
			Failed:         res.Failed,
			StatusCode:     200,
		}
		ttl := redis.DispatchTTL
		if job.IdempotencyKey != "" {
			ttl = redis.DispatchTTLExplicit
		}
		if err := r.completions.Store(ctx, a.ID, job.IdempotencyKey, rec, ttl); err != nil {
			r.logger.Warn("failed to record dispatch completion", zap.String("announcement_id", a.ID), zap.Error(err))
		}
	}

	if r.publisher != nil {
		_, err := r.publisher.PublishDispatchSummary(ctx, sns.DispatchSummary{
			AnnouncementID:   a.ID,
			AnnouncementType: string(a.Type),
			Recipients:       len(job.Recipients),
			Sent:             res.Sent,
			Failed:           res.Failed,
			Errors:           res.Errors,
			CompletedAt:      time.Now().UTC(),
		})
		if err != nil {
			r.logger.Warn("failed to publish dispatch summary", zap.String("announcement_id", a.ID), zap.Error(err))
		}
	}

	return res, nil
}

// JobSource yields dispatch jobs.
type JobSource interface {
	Receive(ctx context.Context) (*sqs.Job, string, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Config tunes the worker loop.
type Config struct {
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Worker consumes dispatch jobs from a queue, one at a time.
type Worker struct {
	source JobSource
	runner *Runner
	config Config
	logger *zap.Logger
}

// New creates a dispatch worker.
func New(source JobSource, runner *Runner, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Worker{
		source: source,
		runner: runner,
		config: cfg,
		logger: logger,
	}
}

// Start polls until ctx is cancelled. A job in progress runs to completion
// even after cancellation.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("dispatch worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatch worker stopping")
			return
		default:
		}

		if err := w.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("dispatch poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.config.ErrorBackoff):
			}
		}
	}
}

// poll receives and handles at most one job.
func (w *Worker) poll(ctx context.Context) error {
	job, receipt, err := w.source.Receive(ctx)
	if errors.Is(err, sqs.ErrMalformedJob) {
		w.logger.Error("dropping malformed dispatch job", zap.Error(err))
		return w.source.Delete(context.WithoutCancel(ctx), receipt)
	}
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	runCtx := context.WithoutCancel(ctx)
	if _, err := w.runner.Run(runCtx, job); err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			// Leave the message for redelivery after the visibility timeout.
			return err
		}
		w.logger.Warn("announcement not found, dropping job",
			zap.String("job_id", job.JobID),
			zap.String("announcement_id", job.AnnouncementID),
		)
	}

	return w.source.Delete(runCtx, receipt)
}
