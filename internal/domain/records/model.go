package records

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Case statuses.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusAnalyzed   = "ANALYZED"
	StatusCompleted  = "COMPLETED"
)

// User roles.
const (
	RoleAdmin = "ADMIN"
	RoleStaff = "STAFF"
)

// PatientCounterID is the counters row that numbers patient codes.
const PatientCounterID = "patient_counter"

var (
	ErrPatientNotFound  = errors.New("patient not found")
	ErrCaseNotFound     = errors.New("case not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrNoContent        = errors.New("document has no stored content")
	ErrValidation       = errors.New("validation failed")
)

// ValidationError carries a client-facing message and matches ErrValidation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string        { return e.Msg }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// DuplicatePatientError is returned when a patient with the same passport,
// or the same name and a compatible date of birth, is already registered.
type DuplicatePatientError struct {
	Existing *Patient
}

func (e *DuplicatePatientError) Error() string {
	return fmt.Sprintf("a matching patient is already registered (%s)", e.Existing.PatientCode)
}

type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type Patient struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientCode    string     `db:"patient_code" json:"patientCode"`
	FullName       string     `db:"full_name" json:"fullName"`
	Nationality    *string    `db:"nationality" json:"nationality"`
	PassportNumber *string    `db:"passport_number" json:"passportNumber"`
	DateOfBirth    *time.Time `db:"date_of_birth" json:"dateOfBirth"`
	Gender         *string    `db:"gender" json:"gender"`
	Phone          *string    `db:"phone" json:"phone"`
	Email          *string    `db:"email" json:"email"`
	Address        *string    `db:"address" json:"address"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`

	Cases []*Case `json:"cases,omitzero"`
}

// Age returns the patient's age on today, or nil without a date of birth.
func (p *Patient) Age(today time.Time) *int {
	if p.DateOfBirth == nil {
		return nil
	}
	age := AgeAt(*p.DateOfBirth, today)
	return &age
}

// PatientListItem is a patient row in the paginated listing.
type PatientListItem struct {
	Patient
	LatestCase *Case `json:"latestCase"`
	CaseCount  int   `json:"caseCount"`
}

// PatientMatch is an autocomplete suggestion.
type PatientMatch struct {
	ID          uuid.UUID `json:"id"`
	PatientCode string    `json:"patientCode"`
	FullName    string    `json:"fullName"`
	Nationality *string   `json:"nationality"`
	CaseCount   int       `json:"caseCount"`
}

type Case struct {
	ID            uuid.UUID `db:"id" json:"id"`
	PatientID     uuid.UUID `db:"patient_id" json:"patientId"`
	Status        string    `db:"status" json:"status"`
	AIPreAnalysis *string   `db:"ai_pre_analysis" json:"aiPreAnalysis"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`

	Patient   *Patient    `json:"patient,omitempty"`
	Documents []*Document `json:"documents,omitzero"`
	Notes     []*Note     `json:"notes,omitzero"`
}

// HasAnalysis reports whether a non-blank pre-analysis is stored.
func (c *Case) HasAnalysis() bool {
	return c.AIPreAnalysis != nil && strings.TrimSpace(*c.AIPreAnalysis) != ""
}

// CaseListItem is a case row in the paginated listing. Patient carries only
// the id, code and name.
type CaseListItem struct {
	Case
	DocumentCount int `json:"documentCount"`
	NoteCount     int `json:"noteCount"`
}

// CaseFilter narrows the case listing. Zero values match everything.
type CaseFilter struct {
	PatientID *uuid.UUID
	Status    string
}

type Document struct {
	ID            uuid.UUID `db:"id" json:"id"`
	CaseID        uuid.UUID `db:"case_id" json:"caseId"`
	FileName      string    `db:"file_name" json:"fileName"`
	FileType      string    `db:"file_type" json:"fileType"`
	StorageID     *string   `db:"storage_id" json:"storageId"`
	StorageURL    *string   `db:"storage_url" json:"storageUrl"`
	FileData      *string   `db:"file_data" json:"fileData,omitempty"`
	ExtractedText *string   `db:"extracted_text" json:"extractedText"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// IsImage reports whether the document's declared type is an image.
func (d *Document) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(d.FileType), "image/")
}

// IsPDF reports whether the document's declared type is a PDF.
func (d *Document) IsPDF() bool {
	return strings.EqualFold(d.FileType, "application/pdf")
}

// HasText reports whether a non-blank extracted text is cached.
func (d *Document) HasText() bool {
	return d.ExtractedText != nil && strings.TrimSpace(*d.ExtractedText) != ""
}

type NoteAuthor struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type Note struct {
	ID        uuid.UUID   `db:"id" json:"id"`
	CaseID    uuid.UUID   `db:"case_id" json:"caseId"`
	AuthorID  uuid.UUID   `db:"author_id" json:"authorId"`
	Content   string      `db:"content" json:"content"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
	Author    *NoteAuthor `json:"author,omitempty"`
}

// EntityCounts reports row counts per table.
type EntityCounts struct {
	Notes     int64 `json:"notes"`
	Documents int64 `json:"documents"`
	Cases     int64 `json:"cases"`
	Patients  int64 `json:"patients"`
	Users     int64 `json:"users"`
}

// FormatPatientCode renders a counter value as a patient code (IN0042).
func FormatPatientCode(n int64) string {
	return fmt.Sprintf("IN%04d", n)
}

// AgeAt returns the age in whole years on today for someone born on dob.
func AgeAt(dob, today time.Time) int {
	age := today.Year() - dob.Year()
	if today.Month() < dob.Month() || (today.Month() == dob.Month() && today.Day() < dob.Day()) {
		age--
	}
	return age
}

// ValidStatus reports whether s is a known case status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusAnalyzed, StatusCompleted:
		return true
	}
	return false
}

// ParseDate accepts YYYY-MM-DD or RFC 3339 and returns the calendar date at
// UTC midnight.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, invalid("dateOfBirth must be YYYY-MM-DD, got %q", s)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

// normalizeName lowercases and collapses whitespace for identity comparisons.
func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
