// Package admin holds maintenance operations over the whole record set.
package admin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/queue"
	"github.com/inaya/casefile/internal/platform/websocket"
)

// Maintainer counts and wipes records. *records.Service implements it.
type Maintainer interface {
	CountAll(ctx context.Context) (records.EntityCounts, error)
	DeleteAll(ctx context.Context) (records.EntityCounts, error)
}

// Stats is a snapshot of stored records and pending work.
type Stats struct {
	records.EntityCounts
	QueuedAnalyses int64 `json:"queuedAnalyses"`
}

type Service struct {
	records Maintainer
	jobs    queue.Queue
	events  websocket.EventPublisher
	logger  zerolog.Logger
}

// NewService builds the admin service. jobs and events may be nil.
func NewService(recs Maintainer, jobs queue.Queue, events websocket.EventPublisher) *Service {
	return &Service{
		records: recs,
		jobs:    jobs,
		events:  events,
		logger:  log.With().Str("component", "admin").Logger(),
	}
}

// CleanDatabase deletes every note, document, case, patient and user and
// resets the patient counter, all in one transaction.
func (s *Service) CleanDatabase(ctx context.Context) (records.EntityCounts, error) {
	deleted, err := s.records.DeleteAll(ctx)
	if err != nil {
		return records.EntityCounts{}, fmt.Errorf("clean database: %w", err)
	}

	s.logger.Warn().
		Int64("notes", deleted.Notes).
		Int64("documents", deleted.Documents).
		Int64("cases", deleted.Cases).
		Int64("patients", deleted.Patients).
		Int64("users", deleted.Users).
		Msg("database cleaned")

	if s.events != nil {
		if err := s.events.Publish(ctx, websocket.NewEvent(websocket.EventDatabaseCleaned, "", "", deleted)); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish clean event")
		}
	}
	return deleted, nil
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.records.CountAll(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{EntityCounts: counts}
	if s.jobs != nil {
		n, err := s.jobs.Len(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to read queue length")
		}
		st.QueuedAnalyses = n
	}
	return st, nil
}
