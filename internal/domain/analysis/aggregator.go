package analysis

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/ocr"
)

var (
	ErrNoDocuments          = errors.New("this case has no documents to analyze")
	ErrNoExtractableContent = errors.New("no text could be extracted from the case documents")
	ErrImagePayloadMissing  = errors.New("image documents are present but their file content is unavailable")
)

// DocumentSource reads and caches document payloads and extracted text.
// *records.Service implements it.
type DocumentSource interface {
	DocumentPayload(ctx context.Context, d *records.Document) ([]byte, bool, error)
	CacheFileData(ctx context.Context, id uuid.UUID, data []byte) error
	CacheExtractedText(ctx context.Context, id uuid.UUID, text string) error
}

type TextBlock struct {
	FileName string `json:"fileName"`
	Text     string `json:"text"`
}

type ImageAttachment struct {
	FileName string `json:"fileName"`
	DataURI  string `json:"-"`
}

// Aggregate is the model input gathered from a case's documents.
type Aggregate struct {
	Texts  []TextBlock
	Images []ImageAttachment

	Documents      int
	MissingImages  int
	FailedExtracts int
}

// Empty reports whether there is nothing to send to the model.
func (a *Aggregate) Empty() bool {
	return len(a.Texts) == 0 && len(a.Images) == 0
}

// Err classifies an empty aggregate. It returns nil when there is input.
func (a *Aggregate) Err() error {
	switch {
	case a.Documents == 0:
		return ErrNoDocuments
	case !a.Empty():
		return nil
	case a.MissingImages > 0:
		return ErrImagePayloadMissing
	default:
		return ErrNoExtractableContent
	}
}

// Aggregator turns documents into text blocks and image attachments,
// extracting and caching text where none is stored yet.
type Aggregator struct {
	docs      DocumentSource
	extractor ocr.Extractor
	logger    zerolog.Logger
}

func NewAggregator(docs DocumentSource, extractor ocr.Extractor, logger zerolog.Logger) *Aggregator {
	return &Aggregator{docs: docs, extractor: extractor, logger: logger}
}

func extractable(d *records.Document) bool {
	return d.IsImage() || d.IsPDF() || strings.HasPrefix(strings.ToLower(d.FileType), "text/")
}

// Collect processes documents oldest first, whatever order docs arrives in.
// Per-document failures are logged and the document is left out of the
// affected modality.
func (a *Aggregator) Collect(ctx context.Context, docs []*records.Document) *Aggregate {
	agg := &Aggregate{Documents: len(docs)}

	for _, d := range uploadOrder(docs) {
		log := a.logger.With().Str("document_id", d.ID.String()).Str("file_name", d.FileName).Logger()

		needText := !d.HasText() && extractable(d)
		if !needText && !d.IsImage() {
			if d.HasText() {
				agg.Texts = append(agg.Texts, TextBlock{FileName: d.FileName, Text: *d.ExtractedText})
			}
			continue
		}

		payload := a.payload(ctx, d, log)
		if payload == nil && d.IsImage() {
			agg.MissingImages++
		}

		switch {
		case d.HasText():
			agg.Texts = append(agg.Texts, TextBlock{FileName: d.FileName, Text: *d.ExtractedText})
		case payload != nil && a.extractor != nil:
			text, err := a.extractor.Extract(ctx, payload, d.FileType)
			if err != nil {
				agg.FailedExtracts++
				log.Warn().Err(err).Msg("text extraction failed")
				break
			}
			text = strings.TrimSpace(text)
			if err := a.docs.CacheExtractedText(ctx, d.ID, text); err != nil {
				log.Warn().Err(err).Msg("failed to cache extracted text")
			}
			if text != "" {
				agg.Texts = append(agg.Texts, TextBlock{FileName: d.FileName, Text: text})
			}
		}

		if payload != nil && d.IsImage() {
			agg.Images = append(agg.Images, ImageAttachment{
				FileName: d.FileName,
				DataURI:  ocr.DataURI(ocr.NormalizeMIME(d.FileType, payload), payload),
			})
		}
	}
	return agg
}

// uploadOrder returns a copy of docs sorted by creation time. Ties keep the
// incoming order.
func uploadOrder(docs []*records.Document) []*records.Document {
	ordered := slices.Clone(docs)
	slices.SortStableFunc(ordered, func(a, b *records.Document) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return ordered
}

// payload returns the document bytes, caching them inline when they came
// from the file store. It returns nil when they cannot be obtained.
func (a *Aggregator) payload(ctx context.Context, d *records.Document, log zerolog.Logger) []byte {
	data, fromStore, err := a.docs.DocumentPayload(ctx, d)
	if err != nil {
		if !errors.Is(err, records.ErrNoContent) {
			log.Warn().Err(err).Msg("failed to load document content")
		}
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	if fromStore {
		if err := a.docs.CacheFileData(ctx, d.ID, data); err != nil {
			log.Warn().Err(err).Msg("failed to cache document content")
		}
	}
	return data
}
