// Package analysis runs the AI pre-analysis pipeline over a case's
// documents, generates proforma invoices from stored analyses, and serves
// the single-file OCR helpers.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/llm"
	"github.com/inaya/casefile/internal/platform/ocr"
	"github.com/inaya/casefile/internal/platform/queue"
	"github.com/inaya/casefile/internal/platform/websocket"
)

// ErrNothingToAnalyze is returned by AnalyzeDirect without texts or images.
var ErrNothingToAnalyze = errors.New("provide at least one text or image to analyze")

// Records is the slice of the records service the pipeline needs.
type Records interface {
	DocumentSource
	CaseWriter
	GetCase(ctx context.Context, id uuid.UUID) (*records.Case, error)
}

type Service struct {
	records    Records
	aggregator *Aggregator
	invoker    *Invoker
	persister  *Persister
	model      llm.Client
	extractor  ocr.Extractor
	jobs       queue.Queue
	events     websocket.EventPublisher
	now        func() time.Time
	logger     zerolog.Logger
}

// NewService wires the pipeline. jobs and events may be nil.
func NewService(recs Records, model llm.Client, extractor ocr.Extractor, jobs queue.Queue, events websocket.EventPublisher) *Service {
	logger := log.With().Str("component", "analysis").Logger()
	return &Service{
		records:    recs,
		aggregator: NewAggregator(recs, extractor, logger),
		invoker:    NewInvoker(model),
		persister:  NewPersister(recs, events, logger),
		model:      model,
		extractor:  extractor,
		jobs:       jobs,
		events:     events,
		now:        time.Now,
		logger:     logger,
	}
}

// AnalyzeCase aggregates the case documents, asks the model for a
// pre-analysis, stores it with the disclaimer and returns the stored text.
func (s *Service) AnalyzeCase(ctx context.Context, caseID uuid.UUID) (string, error) {
	c, err := s.records.GetCase(ctx, caseID)
	if err != nil {
		return "", err
	}

	agg := s.aggregator.Collect(ctx, c.Documents)
	if err := agg.Err(); err != nil {
		return "", err
	}

	pc := PatientContextFor(c.Patient, s.now())
	req := BuildAnalysisRequest(&pc, agg.Texts, imageURIs(agg.Images))

	start := time.Now()
	analysis, err := s.invoker.Invoke(ctx, req)
	if err != nil {
		return "", err
	}

	full, err := s.persister.Persist(ctx, caseID, analysis)
	if err != nil {
		return "", fmt.Errorf("store analysis: %w", err)
	}

	s.logger.Info().
		Str("case_id", caseID.String()).
		Int("texts", len(agg.Texts)).
		Int("images", len(agg.Images)).
		Dur("duration", time.Since(start)).
		Msg("case analyzed")
	return full, nil
}

// QueueAnalysis schedules AnalyzeCase on the worker pool. alreadyQueued is
// true when a job for the case was still waiting; no new job is created.
func (s *Service) QueueAnalysis(ctx context.Context, caseID uuid.UUID, requestedBy string) (job *queue.Job, alreadyQueued bool, err error) {
	if s.jobs == nil {
		return nil, false, errors.New("analysis queue is not configured")
	}
	if _, err := s.records.GetCase(ctx, caseID); err != nil {
		return nil, false, err
	}
	j := queue.NewAnalyzeJob(caseID.String(), requestedBy)
	err = s.jobs.Enqueue(ctx, j)
	if errors.Is(err, queue.ErrDuplicate) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue analysis: %w", err)
	}
	return &j, false, nil
}

// DirectInput is an ad-hoc analysis request that is not tied to a case.
type DirectInput struct {
	Texts       []string        `json:"texts"`
	Images      []string        `json:"images"`
	PatientInfo *PatientContext `json:"patientInfo"`
}

// AnalyzeDirect runs the model on caller-supplied texts and images. Nothing
// is stored and no disclaimer is appended.
func (s *Service) AnalyzeDirect(ctx context.Context, in DirectInput) (string, error) {
	var blocks []TextBlock
	for i, t := range in.Texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		blocks = append(blocks, TextBlock{FileName: fmt.Sprintf("Document %d", i+1), Text: t})
	}

	var images []string
	for _, img := range in.Images {
		img = strings.TrimSpace(img)
		if img == "" {
			continue
		}
		if !strings.HasPrefix(img, "data:") && !strings.HasPrefix(img, "http") {
			img = "data:image/jpeg;base64," + img
		}
		images = append(images, img)
	}

	if len(blocks) == 0 && len(images) == 0 {
		return "", ErrNothingToAnalyze
	}
	return s.invoker.Invoke(ctx, BuildAnalysisRequest(in.PatientInfo, blocks, images))
}

// GenerateInvoice asks the model for a proforma invoice based on the stored
// pre-analysis. The invoice is returned, not stored.
func (s *Service) GenerateInvoice(ctx context.Context, in InvoiceInput) (*InvoiceResult, error) {
	c, err := s.records.GetCase(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	if !c.HasAnalysis() {
		return nil, ErrAnalysisRequired
	}

	now := s.now()
	in.normalize(c.Patient, now)
	invoice, err := s.model.Complete(ctx, BuildInvoiceRequest(c, in, now))
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	if s.events != nil {
		ev := websocket.NewEvent(websocket.EventInvoiceGenerated, c.ID.String(), c.PatientID.String(),
			map[string]string{"invoiceNumber": in.InvoiceNumber})
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish invoice event")
		}
	}
	return &InvoiceResult{Invoice: invoice, InvoiceNumber: in.InvoiceNumber}, nil
}

// ExtractText returns the text of a single uploaded file.
func (s *Service) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	return s.extractor.Extract(ctx, data, mimeType)
}

// ReadPassport extracts identity fields from a passport image. It returns the
// parsed fields and the raw model answer.
func (s *Service) ReadPassport(ctx context.Context, data []byte, mimeType string) (PassportData, string, error) {
	if len(data) == 0 {
		return PassportData{}, "", ocr.ErrEmptyPayload
	}
	mimeType = ocr.NormalizeMIME(mimeType, data)
	if !ocr.IsImage(mimeType) {
		return PassportData{}, "", ocr.ErrUnsupportedType
	}
	raw, err := s.model.Complete(ctx, buildPassportRequest(ocr.DataURI(mimeType, data)))
	if err != nil {
		return PassportData{}, "", fmt.Errorf("model call failed: %w", err)
	}
	return ParsePassport(raw), raw, nil
}
