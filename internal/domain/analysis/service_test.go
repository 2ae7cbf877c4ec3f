package analysis

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/blobstore"
	"github.com/inaya/casefile/internal/platform/llm"
	"github.com/inaya/casefile/internal/platform/queue"
	"github.com/inaya/casefile/internal/platform/websocket"
)

type fakeLLM struct {
	mu       sync.Mutex
	requests []llm.Request
	answer   string
	err      error
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.answer, f.err
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLLM) last() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// countingExtractor returns a fixed text per MIME type and counts calls.
type countingExtractor struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (e *countingExtractor) Extract(_ context.Context, data []byte, _ string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	if e.text != "" {
		return e.text, nil
	}
	return string(data), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	records   *records.Service
	svc       *Service
	model     *fakeLLM
	extractor *countingExtractor
	events    *recordingPublisher
	jobs      *queue.MemoryQueue
}

func newTestEnv() *testEnv {
	env := &testEnv{
		model:     &fakeLLM{answer: "## Résumé\nRAS"},
		extractor: &countingExtractor{},
		events:    &recordingPublisher{},
		jobs:      queue.NewMemoryQueue(8),
	}
	env.records = records.NewService(records.NewMemoryStore(), blobstore.NewInMemoryBlobStore(),
		env.events, env.jobs, records.ServiceConfig{})
	env.svc = NewService(env.records, env.model, env.extractor, env.jobs, env.events)
	env.svc.now = func() time.Time { return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC) }
	return env
}

func str(s string) *string { return &s }

func (env *testEnv) newCase(t *testing.T, in records.PatientInput) *records.Case {
	t.Helper()
	ctx := context.Background()
	if in.FullName == nil {
		in.FullName = str("Amina Benali")
	}
	p, err := env.records.CreatePatient(ctx, in, true)
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	c, err := env.records.CreateCase(ctx, p.ID)
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func (env *testEnv) addDoc(t *testing.T, caseID uuid.UUID, in records.DocumentInput) *records.Document {
	t.Helper()
	d, err := env.records.AddDocument(context.Background(), caseID, in)
	if err != nil {
		t.Fatalf("add document: %v", err)
	}
	return d
}

func TestAnalyzeCase_StoresAnalysisWithDisclaimer(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.newCase(t, records.PatientInput{DateOfBirth: str("1980-07-01"), Gender: str("F")})
	env.addDoc(t, c.ID, records.DocumentInput{FileName: "bilan.pdf", FileType: "application/pdf", ExtractedText: str("Glycémie 1.2 g/L")})

	out, err := env.svc.AnalyzeCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("AnalyzeCase: %v", err)
	}
	if out != "## Résumé\nRAS"+Disclaimer {
		t.Errorf("unexpected analysis %q", out)
	}

	got, err := env.records.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != records.StatusAnalyzed {
		t.Errorf("expected ANALYZED, got %s", got.Status)
	}
	if got.AIPreAnalysis == nil || *got.AIPreAnalysis != out {
		t.Error("stored analysis does not match returned text")
	}
	if !env.events.has(websocket.EventCaseAnalyzed) {
		t.Error("expected case.analyzed event")
	}

	req := env.model.last()
	if req.MaxTokens != analysisMaxTokens {
		t.Errorf("expected max tokens %d, got %d", analysisMaxTokens, req.MaxTokens)
	}
	for _, want := range []string{"Patient: Amina Benali", "Âge: 44 ans", "Genre: F", "--- Document: bilan.pdf ---\nGlycémie 1.2 g/L"} {
		if !strings.Contains(req.User, want) {
			t.Errorf("prompt missing %q:\n%s", want, req.User)
		}
	}
	if env.extractor.calls != 0 {
		t.Errorf("cached text must not be re-extracted, got %d calls", env.extractor.calls)
	}
}

func TestAnalyzeCase_NoDocumentsNeverCallsModel(t *testing.T) {
	env := newTestEnv()
	c := env.newCase(t, records.PatientInput{})

	_, err := env.svc.AnalyzeCase(context.Background(), c.ID)
	if !errors.Is(err, ErrNoDocuments) {
		t.Fatalf("expected ErrNoDocuments, got %v", err)
	}
	if env.model.calls() != 0 {
		t.Error("model must not be called without documents")
	}
}

func TestAnalyzeCase_UnknownCase(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.AnalyzeCase(context.Background(), uuid.New())
	if !errors.Is(err, records.ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestAnalyzeCase_ModelFailureLeavesStatus(t *testing.T) {
	env := newTestEnv()
	env.model.err = errors.New("upstream 502")
	ctx := context.Background()
	c := env.newCase(t, records.PatientInput{})
	env.addDoc(t, c.ID, records.DocumentInput{FileName: "a.txt", FileType: "text/plain", ExtractedText: str("note")})

	if _, err := env.svc.AnalyzeCase(ctx, c.ID); err == nil {
		t.Fatal("expected error")
	}
	got, _ := env.records.GetCase(ctx, c.ID)
	if got.Status != records.StatusPending || got.AIPreAnalysis != nil {
		t.Errorf("failed analysis must not change the case, got status %s", got.Status)
	}
}

func TestAnalyzeCase_EmptyAnswerUsesFallback(t *testing.T) {
	env := newTestEnv()
	env.model.answer = "   "
	c := env.newCase(t, records.PatientInput{})
	env.addDoc(t, c.ID, records.DocumentInput{FileName: "a.txt", FileType: "text/plain", ExtractedText: str("note")})

	out, err := env.svc.AnalyzeCase(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, FallbackAnalysis) {
		t.Errorf("expected fallback, got %q", out)
	}
}

func TestAnalyzeCase_ExtractionCachedAcrossRuns(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.newCase(t, records.PatientInput{})
	payload := base64.StdEncoding.EncodeToString([]byte("Compte rendu opératoire"))
	d := env.addDoc(t, c.ID, records.DocumentInput{FileName: "cr.txt", FileType: "text/plain", FileData: &payload})

	for i := 0; i < 2; i++ {
		if _, err := env.svc.AnalyzeCase(ctx, c.ID); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if env.extractor.calls != 1 {
		t.Errorf("expected one extraction, got %d", env.extractor.calls)
	}
	got, err := env.records.GetDocument(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExtractedText == nil || *got.ExtractedText != "Compte rendu opératoire" {
		t.Errorf("extracted text not cached: %v", got.ExtractedText)
	}
}

func TestQueueAnalysis(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.newCase(t, records.PatientInput{})

	job, already, err := env.svc.QueueAnalysis(ctx, c.ID, "user-1")
	if err != nil || already || job == nil {
		t.Fatalf("first enqueue: job=%v already=%v err=%v", job, already, err)
	}
	if job.CaseID != c.ID.String() || job.RequestedBy != "user-1" {
		t.Errorf("unexpected job %+v", job)
	}

	_, already, err = env.svc.QueueAnalysis(ctx, c.ID, "user-1")
	if err != nil || !already {
		t.Errorf("second enqueue should coalesce, already=%v err=%v", already, err)
	}

	if _, _, err := env.svc.QueueAnalysis(ctx, uuid.New(), ""); !errors.Is(err, records.ErrCaseNotFound) {
		t.Errorf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestAnalyzeDirect(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.AnalyzeDirect(ctx, DirectInput{Texts: []string{"  "}}); !errors.Is(err, ErrNothingToAnalyze) {
		t.Fatalf("expected ErrNothingToAnalyze, got %v", err)
	}
	if env.model.calls() != 0 {
		t.Fatal("model must not be called when there is nothing to analyze")
	}

	out, err := env.svc.AnalyzeDirect(ctx, DirectInput{
		Texts:       []string{"Tension 12/8"},
		Images:      []string{"aGVsbG8="},
		PatientInfo: &PatientContext{FullName: "Karim"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "AVERTISSEMENT") {
		t.Error("direct analysis must not carry the disclaimer")
	}
	req := env.model.last()
	if !strings.Contains(req.User, "Patient: Karim") || !strings.Contains(req.User, "--- Document: Document 1 ---") {
		t.Errorf("unexpected prompt:\n%s", req.User)
	}
	if len(req.Images) != 1 || req.Images[0] != "data:image/jpeg;base64,aGVsbG8=" {
		t.Errorf("unexpected images %v", req.Images)
	}
}

func TestGenerateInvoice(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.newCase(t, records.PatientInput{PassportNumber: str("AB123"), Nationality: str("Marocaine")})

	if _, err := env.svc.GenerateInvoice(ctx, InvoiceInput{CaseID: c.ID}); !errors.Is(err, ErrAnalysisRequired) {
		t.Fatalf("expected ErrAnalysisRequired, got %v", err)
	}

	if _, err := env.records.SaveAnalysis(ctx, c.ID, "Analyse"); err != nil {
		t.Fatal(err)
	}
	env.model.answer = "FACTURE PROFORMA"
	res, err := env.svc.GenerateInvoice(ctx, InvoiceInput{CaseID: c.ID, StructureName: "Clinique Atlas", Currency: "mad"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Invoice != "FACTURE PROFORMA" {
		t.Errorf("unexpected invoice %q", res.Invoice)
	}
	if !strings.HasPrefix(res.InvoiceNumber, "INV-IN0001-") {
		t.Errorf("unexpected invoice number %q", res.InvoiceNumber)
	}
	req := env.model.last()
	for _, want := range []string{"Nom: Clinique Atlas", "Devise: MAD", "Date: 15/06/2025", "Passeport: AB123", "Nationalité: Marocaine", "Analyse"} {
		if !strings.Contains(req.User, want) {
			t.Errorf("invoice prompt missing %q", want)
		}
	}
	if !env.events.has(websocket.EventInvoiceGenerated) {
		t.Error("expected invoice.generated event")
	}
}

func TestReadPassport(t *testing.T) {
	env := newTestEnv()
	env.model.answer = "```json\n{\"fullName\":\"JOHN DOE\",\"passportNumber\":\"X1\",\"gender\":\"m\"}\n```"
	png := []byte("\x89PNG\r\n\x1a\n0000")

	data, raw, err := env.svc.ReadPassport(context.Background(), png, "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if data.FullName != "JOHN DOE" || data.PassportNumber != "X1" || data.Gender != "M" {
		t.Errorf("unexpected data %+v", data)
	}
	if raw != env.model.answer {
		t.Error("raw answer not returned")
	}
	if req := env.model.last(); len(req.Images) != 1 || !strings.HasPrefix(req.Images[0], "data:image/png;base64,") {
		t.Errorf("unexpected images %v", req.Images)
	}

	if _, _, err := env.svc.ReadPassport(context.Background(), []byte("%PDF-1.4"), "application/pdf"); err == nil {
		t.Error("expected unsupported type for a PDF")
	}
}
