package records

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inaya/casefile/internal/platform/auth"
	"github.com/inaya/casefile/internal/platform/blobstore"
	"github.com/inaya/casefile/internal/platform/ocr"
	"github.com/inaya/casefile/internal/platform/queue"
	"github.com/inaya/casefile/internal/platform/websocket"
)

// AutocompleteLimit caps the number of autocomplete suggestions.
const AutocompleteLimit = 5

// Default author synthesized for notes when no user exists yet.
const (
	defaultAuthorName  = "Admin"
	defaultAuthorEmail = "admin@inaya.health"
)

// PatientInput carries demographic fields for create and patch. A nil field
// is left unchanged on patch; an empty optional field is cleared.
type PatientInput struct {
	FullName       *string `json:"fullName"`
	Nationality    *string `json:"nationality"`
	PassportNumber *string `json:"passportNumber"`
	DateOfBirth    *string `json:"dateOfBirth"`
	Gender         *string `json:"gender"`
	Phone          *string `json:"phone"`
	Email          *string `json:"email"`
	Address        *string `json:"address"`
}

// CasePatch carries the mutable case fields.
type CasePatch struct {
	Status        *string `json:"status"`
	AIPreAnalysis *string `json:"aiPreAnalysis"`
}

// DocumentInput attaches a document to a case. FileData may be a data URI
// or bare base64.
type DocumentInput struct {
	FileName      string  `json:"fileName"`
	FileType      string  `json:"fileType"`
	StorageID     *string `json:"storageId"`
	StorageURL    *string `json:"storageUrl"`
	FileData      *string `json:"fileData"`
	ExtractedText *string `json:"extractedText"`
}

type ServiceConfig struct {
	// BlobRoot is the top-level folder for uploaded files.
	BlobRoot string
	// AutoAnalyze queues an analysis job whenever a document is attached.
	AutoAnalyze bool
}

type Service struct {
	store  *Store
	blobs  blobstore.Store
	events websocket.EventPublisher
	jobs   queue.Queue
	cfg    ServiceConfig
	now    func() time.Time
	log    zerolog.Logger
}

// NewService wires the records service. events and jobs may be nil.
func NewService(store *Store, blobs blobstore.Store, events websocket.EventPublisher, jobs queue.Queue, cfg ServiceConfig) *Service {
	if cfg.BlobRoot == "" {
		cfg.BlobRoot = "INAYA"
	}
	return &Service{
		store:  store,
		blobs:  blobs,
		events: events,
		jobs:   jobs,
		cfg:    cfg,
		now:    time.Now,
		log:    log.With().Str("component", "records").Logger(),
	}
}

func (s *Service) publish(ctx context.Context, eventType, caseID, patientID string, data any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, websocket.NewEvent(eventType, caseID, patientID, data)); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

// -- Patients --

func optional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

// apply copies the non-nil fields of in onto p and validates the result.
func (s *Service) apply(p *Patient, in PatientInput) error {
	if in.FullName != nil {
		p.FullName = strings.Join(strings.Fields(*in.FullName), " ")
	}
	if p.FullName == "" {
		return invalid("fullName is required")
	}
	if in.Nationality != nil {
		p.Nationality = optional(in.Nationality)
	}
	if in.PassportNumber != nil {
		p.PassportNumber = optional(in.PassportNumber)
	}
	if in.Gender != nil {
		p.Gender = optional(in.Gender)
	}
	if in.Phone != nil {
		p.Phone = optional(in.Phone)
	}
	if in.Address != nil {
		p.Address = optional(in.Address)
	}
	if in.Email != nil {
		p.Email = optional(in.Email)
		if p.Email != nil {
			if _, err := mail.ParseAddress(*p.Email); err != nil {
				return invalid("email %q is not a valid address", *p.Email)
			}
		}
	}
	if in.DateOfBirth != nil {
		p.DateOfBirth = nil
		if raw := optional(in.DateOfBirth); raw != nil {
			dob, err := ParseDate(*raw)
			if err != nil {
				return err
			}
			if dob.After(s.now()) {
				return invalid("dateOfBirth cannot be in the future")
			}
			p.DateOfBirth = &dob
		}
	}
	return nil
}

// findDuplicate returns an already registered patient with the same passport
// number, or the same name and no conflicting date of birth.
func (s *Service) findDuplicate(ctx context.Context, p *Patient) (*Patient, error) {
	passport := ""
	if p.PassportNumber != nil {
		passport = *p.PassportNumber
	}
	candidates, err := s.store.Patients.FindByIdentity(ctx, passport, p.FullName)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if passport != "" && c.PassportNumber != nil && strings.EqualFold(strings.TrimSpace(*c.PassportNumber), passport) {
			return c, nil
		}
		if normalizeName(c.FullName) != normalizeName(p.FullName) {
			continue
		}
		if c.DateOfBirth == nil || p.DateOfBirth == nil || sameDay(*c.DateOfBirth, *p.DateOfBirth) {
			return c, nil
		}
	}
	return nil, nil
}

// CreatePatient registers a patient and assigns the next patient code. Unless
// force is set, a matching existing patient yields *DuplicatePatientError.
func (s *Service) CreatePatient(ctx context.Context, in PatientInput, force bool) (*Patient, error) {
	p := &Patient{}
	if err := s.apply(p, in); err != nil {
		return nil, err
	}

	// Next holds the counter row lock until commit, so the duplicate check
	// below cannot race another create.
	err := s.store.Tx.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.store.Counters.Next(ctx, PatientCounterID)
		if err != nil {
			return err
		}
		if !force {
			existing, err := s.findDuplicate(ctx, p)
			if err != nil {
				return fmt.Errorf("duplicate check: %w", err)
			}
			if existing != nil {
				return &DuplicatePatientError{Existing: existing}
			}
		}
		p.PatientCode = FormatPatientCode(n)
		return s.store.Patients.Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("patient_id", p.ID.String()).Str("patient_code", p.PatientCode).Msg("patient registered")
	s.publish(ctx, websocket.EventPatientCreated, "", p.ID.String(), p)
	return p, nil
}

func (s *Service) ListPatients(ctx context.Context, search string, limit, offset int) ([]*PatientListItem, int, error) {
	return s.store.Patients.List(ctx, search, limit, offset)
}

// SearchPatients returns autocomplete suggestions. Queries shorter than two
// characters match nothing.
func (s *Service) SearchPatients(ctx context.Context, q string) ([]*PatientMatch, error) {
	if len([]rune(strings.TrimSpace(q))) < 2 {
		return []*PatientMatch{}, nil
	}
	matches, err := s.store.Patients.Autocomplete(ctx, q, AutocompleteLimit)
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []*PatientMatch{}
	}
	return matches, nil
}

// GetPatient returns the patient with every case, newest first, each
// carrying its documents and notes.
func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.store.Patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cases, err := s.store.Cases.ListByPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range cases {
		if err := s.loadCaseChildren(ctx, c); err != nil {
			return nil, err
		}
	}
	p.Cases = cases
	return p, nil
}

func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, in PatientInput) (*Patient, error) {
	p, err := s.store.Patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.apply(p, in); err != nil {
		return nil, err
	}
	if err := s.store.Patients.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// -- Cases --

func (s *Service) CreateCase(ctx context.Context, patientID uuid.UUID) (*Case, error) {
	p, err := s.store.Patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	c := &Case{PatientID: patientID, Status: StatusPending}
	if err := s.store.Cases.Create(ctx, c); err != nil {
		return nil, err
	}
	c.Patient = p
	c.Documents, c.Notes = []*Document{}, []*Note{}
	s.publish(ctx, websocket.EventCaseCreated, c.ID.String(), p.ID.String(), c)
	return c, nil
}

func (s *Service) ListCases(ctx context.Context, filter CaseFilter, limit, offset int) ([]*CaseListItem, int, error) {
	if filter.Status != "" && !ValidStatus(filter.Status) {
		return nil, 0, invalid("unknown status %q", filter.Status)
	}
	return s.store.Cases.List(ctx, filter, limit, offset)
}

func (s *Service) loadCaseChildren(ctx context.Context, c *Case) error {
	docs, err := s.store.Documents.ListByCase(ctx, c.ID)
	if err != nil {
		return err
	}
	notes, err := s.store.Notes.ListByCase(ctx, c.ID)
	if err != nil {
		return err
	}
	c.Documents = nonNil(docs)
	c.Notes = nonNil(notes)
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// GetCase returns the case with its patient, documents and notes.
func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (*Case, error) {
	c, err := s.store.Cases.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Patients.GetByID(ctx, c.PatientID)
	if err != nil {
		return nil, err
	}
	c.Patient = p
	if err := s.loadCaseChildren(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateCase applies a status change and/or a manual pre-analysis edit.
// Cases never move back to PENDING.
func (s *Service) UpdateCase(ctx context.Context, id uuid.UUID, patch CasePatch) (*Case, error) {
	c, err := s.store.Cases.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		next := strings.ToUpper(strings.TrimSpace(*patch.Status))
		if !ValidStatus(next) {
			return nil, invalid("unknown status %q", *patch.Status)
		}
		if next == StatusPending && c.Status != StatusPending {
			return nil, invalid("a %s case cannot return to %s", c.Status, StatusPending)
		}
		c.Status = next
	}
	if patch.AIPreAnalysis != nil {
		text := *patch.AIPreAnalysis
		c.AIPreAnalysis = &text
	}
	if err := s.store.Cases.Update(ctx, c); err != nil {
		return nil, err
	}
	s.publish(ctx, websocket.EventCaseUpdated, c.ID.String(), c.PatientID.String(), map[string]string{"status": c.Status})
	return s.GetCase(ctx, id)
}

// SaveAnalysis overwrites the case pre-analysis and marks it ANALYZED.
func (s *Service) SaveAnalysis(ctx context.Context, id uuid.UUID, text string) (*Case, error) {
	return s.store.Cases.SetAnalysis(ctx, id, text)
}

// -- Documents --

// stripDataURI removes a data:<mime>;base64, prefix.
func stripDataURI(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}

func (s *Service) AddDocument(ctx context.Context, caseID uuid.UUID, in DocumentInput) (*Document, error) {
	in.FileName = strings.TrimSpace(in.FileName)
	in.FileType = strings.TrimSpace(in.FileType)
	if in.FileName == "" || in.FileType == "" {
		return nil, invalid("fileName and fileType are required")
	}
	c, err := s.store.Cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}

	d := &Document{
		CaseID:        caseID,
		FileName:      in.FileName,
		FileType:      strings.ToLower(in.FileType),
		StorageID:     optional(in.StorageID),
		StorageURL:    optional(in.StorageURL),
		ExtractedText: in.ExtractedText,
	}
	if data := optional(in.FileData); data != nil {
		raw := stripDataURI(*data)
		d.FileData = &raw
	}
	if err := s.store.Documents.Create(ctx, d); err != nil {
		return nil, err
	}

	s.publish(ctx, websocket.EventDocumentCreated, caseID.String(), c.PatientID.String(),
		map[string]string{"id": d.ID.String(), "fileName": d.FileName, "fileType": d.FileType})
	if s.cfg.AutoAnalyze {
		s.enqueueAnalysis(ctx, caseID)
	}
	return d, nil
}

// enqueueAnalysis queues a background analysis. Failures are logged; the
// document is already stored.
func (s *Service) enqueueAnalysis(ctx context.Context, caseID uuid.UUID) {
	if s.jobs == nil {
		return
	}
	err := s.jobs.Enqueue(ctx, queue.NewAnalyzeJob(caseID.String(), auth.UserIDFromContext(ctx)))
	switch {
	case err == nil:
		s.log.Debug().Str("case_id", caseID.String()).Msg("analysis queued")
	case errors.Is(err, queue.ErrDuplicate):
	default:
		s.log.Warn().Err(err).Str("case_id", caseID.String()).Msg("failed to queue analysis")
	}
}

// UploadDocument stores content in the file store under the case folder and
// attaches a document referencing it.
func (s *Service) UploadDocument(ctx context.Context, caseID uuid.UUID, fileName, contentType string, content io.Reader) (*Document, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, blobstore.ErrMissingFileName
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = blobstore.ContentTypeForName(fileName)
	}
	c, err := s.store.Cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Patients.GetByID(ctx, c.PatientID)
	if err != nil {
		return nil, err
	}

	folder := blobstore.CaseFolder(s.cfg.BlobRoot, p.PatientCode, p.FullName, c.CreatedAt.Format("2006-01-02"))
	obj, err := s.blobs.Put(ctx, folder, fileName, contentType, content)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", fileName, err)
	}
	return s.AddDocument(ctx, caseID, DocumentInput{
		FileName:   fileName,
		FileType:   contentType,
		StorageID:  &obj.ID,
		StorageURL: &obj.URL,
	})
}

func (s *Service) ListDocuments(ctx context.Context, caseID uuid.UUID) ([]*Document, error) {
	if _, err := s.store.Cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	docs, err := s.store.Documents.ListByCase(ctx, caseID)
	return nonNil(docs), err
}

func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	return s.store.Documents.GetByID(ctx, id)
}

// DocumentPayload returns the raw bytes of a document from its inline data or
// the file store. fromStore reports whether the file store was read.
func (s *Service) DocumentPayload(ctx context.Context, d *Document) (data []byte, fromStore bool, err error) {
	if d.FileData != nil && strings.TrimSpace(*d.FileData) != "" {
		data, _, err := ocr.DecodeBase64(*d.FileData)
		if err != nil {
			return nil, false, fmt.Errorf("decode inline payload: %w", err)
		}
		return data, false, nil
	}
	if d.StorageID == nil || *d.StorageID == "" || s.blobs == nil {
		return nil, false, ErrNoContent
	}
	rc, err := s.blobs.Open(ctx, *d.StorageID)
	if err != nil {
		return nil, false, err
	}
	defer rc.Close()
	data, err = blobstore.ReadAll(rc)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// CacheFileData stores a fetched payload inline on the document.
func (s *Service) CacheFileData(ctx context.Context, id uuid.UUID, data []byte) error {
	return s.store.Documents.SetFileData(ctx, id, base64.StdEncoding.EncodeToString(data))
}

// CacheExtractedText stores extracted text on the document. The cache is
// never invalidated.
func (s *Service) CacheExtractedText(ctx context.Context, id uuid.UUID, text string) error {
	return s.store.Documents.SetExtractedText(ctx, id, text)
}

// -- Notes --

// defaultAuthor returns the oldest user, creating the Admin user when there
// is none.
func (s *Service) defaultAuthor(ctx context.Context) (*User, error) {
	var author *User
	err := s.store.Tx.WithTx(ctx, func(ctx context.Context) error {
		u, err := s.store.Users.First(ctx)
		if err == nil {
			author = u
			return nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return err
		}
		email := defaultAuthorEmail
		u = &User{Name: defaultAuthorName, Email: &email, Role: RoleAdmin}
		if err := s.store.Users.Create(ctx, u); err != nil {
			return err
		}
		s.log.Info().Str("user_id", u.ID.String()).Msg("created default note author")
		author = u
		return nil
	})
	return author, err
}

func (s *Service) AddNote(ctx context.Context, caseID uuid.UUID, content string, authorID *uuid.UUID) (*Note, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalid("content is required")
	}
	c, err := s.store.Cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}

	var author *User
	if authorID != nil && *authorID != uuid.Nil {
		author, err = s.store.Users.GetByID(ctx, *authorID)
		if errors.Is(err, ErrUserNotFound) {
			return nil, invalid("author %s does not exist", authorID.String())
		}
	} else {
		author, err = s.defaultAuthor(ctx)
	}
	if err != nil {
		return nil, err
	}

	n := &Note{CaseID: caseID, AuthorID: author.ID, Content: content}
	if err := s.store.Notes.Create(ctx, n); err != nil {
		return nil, err
	}
	n.Author = &NoteAuthor{Name: author.Name, Role: author.Role}
	s.publish(ctx, websocket.EventNoteCreated, caseID.String(), c.PatientID.String(), n)
	return n, nil
}

func (s *Service) ListNotes(ctx context.Context, caseID uuid.UUID) ([]*Note, error) {
	if _, err := s.store.Cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	notes, err := s.store.Notes.ListByCase(ctx, caseID)
	return nonNil(notes), err
}

// -- Maintenance --

func (s *Service) CountAll(ctx context.Context) (EntityCounts, error) {
	return s.store.Maintenance.CountAll(ctx)
}

// DeleteAll clears every record in one transaction and returns what was
// removed.
func (s *Service) DeleteAll(ctx context.Context) (EntityCounts, error) {
	var counts EntityCounts
	err := s.store.Tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		counts, err = s.store.Maintenance.DeleteAll(ctx)
		return err
	})
	return counts, err
}
