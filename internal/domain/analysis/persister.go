package analysis

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/websocket"
)

// Disclaimer is appended to every stored pre-analysis.
const Disclaimer = "\n\n---\n⚠️ **AVERTISSEMENT**: Cette pré-analyse est générée par une intelligence artificielle " +
	"et ne constitue PAS un diagnostic médical. Elle est fournie uniquement à titre informatif pour aider " +
	"les professionnels de santé. Toute décision médicale doit être prise par un médecin qualifié après " +
	"examen complet du patient."

// WithDisclaimer returns analysis followed by the disclaimer block.
func WithDisclaimer(analysis string) string {
	return analysis + Disclaimer
}

// CaseWriter stores analysis results. *records.Service implements it.
type CaseWriter interface {
	SaveAnalysis(ctx context.Context, id uuid.UUID, text string) (*records.Case, error)
}

// Persister overwrites the stored pre-analysis and announces it. Concurrent
// runs on one case are last-write-wins.
type Persister struct {
	cases  CaseWriter
	events websocket.EventPublisher
	logger zerolog.Logger
}

func NewPersister(cases CaseWriter, events websocket.EventPublisher, logger zerolog.Logger) *Persister {
	return &Persister{cases: cases, events: events, logger: logger}
}

// Persist stores analysis with the disclaimer and returns the stored text.
func (p *Persister) Persist(ctx context.Context, caseID uuid.UUID, analysis string) (string, error) {
	full := WithDisclaimer(analysis)
	c, err := p.cases.SaveAnalysis(ctx, caseID, full)
	if err != nil {
		return "", err
	}
	if p.events != nil {
		ev := websocket.NewEvent(websocket.EventCaseAnalyzed, c.ID.String(), c.PatientID.String(),
			map[string]string{"status": c.Status})
		if err := p.events.Publish(ctx, ev); err != nil {
			p.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("failed to publish analysis event")
		}
	}
	return full, nil
}
