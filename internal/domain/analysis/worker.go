package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/inaya/casefile/internal/platform/queue"
	"github.com/inaya/casefile/internal/platform/websocket"
)

const defaultPollWait = 5 * time.Second

// CaseAnalyzer runs one case analysis. *Service implements it.
type CaseAnalyzer interface {
	AnalyzeCase(ctx context.Context, caseID uuid.UUID) (string, error)
}

type WorkerConfig struct {
	Concurrency int
	// JobTimeout bounds a single analysis, including the model call.
	JobTimeout time.Duration
	PollWait   time.Duration
}

// Worker drains the analysis queue. Failures are logged and pushed as
// case.analysis_failed events; they never reach the request that queued
// the job.
type Worker struct {
	jobs     queue.Queue
	analyzer CaseAnalyzer
	events   websocket.EventPublisher
	cfg      WorkerConfig
	logger   zerolog.Logger
}

func NewWorker(jobs queue.Queue, analyzer CaseAnalyzer, events websocket.EventPublisher, cfg WorkerConfig) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = defaultPollWait
	}
	return &Worker{
		jobs:     jobs,
		analyzer: analyzer,
		events:   events,
		cfg:      cfg,
		logger:   log.With().Str("component", "analysis-worker").Logger(),
	}
}

// Run blocks until ctx is cancelled or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.cfg.Concurrency).Msg("analysis worker started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	err := g.Wait()
	w.logger.Info().Msg("analysis worker stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.jobs.Dequeue(ctx, w.cfg.PollWait)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return err
			}
			w.logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	logger := w.logger.With().Str("job_id", job.ID).Str("case_id", job.CaseID).Logger()
	if job.Kind != queue.KindAnalyzeCase {
		logger.Warn().Str("kind", job.Kind).Msg("skipping unknown job kind")
		return
	}
	caseID, err := uuid.Parse(job.CaseID)
	if err != nil {
		logger.Warn().Err(err).Msg("skipping job with invalid case id")
		return
	}

	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	if _, err := w.analyzer.AnalyzeCase(ctx, caseID); err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("analysis job failed")
		w.publishFailure(job, err)
		return
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("analysis job done")
}

func (w *Worker) publishFailure(job *queue.Job, cause error) {
	if w.events == nil {
		return
	}
	// The job context may already be expired.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := websocket.NewEvent(websocket.EventCaseAnalysisFailed, job.CaseID, "",
		map[string]string{"jobId": job.ID, "error": cause.Error()})
	if err := w.events.Publish(ctx, ev); err != nil {
		w.logger.Warn().Err(err).Msg("failed to publish failure event")
	}
}
