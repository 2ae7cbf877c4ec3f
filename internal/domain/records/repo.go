package records

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	List(ctx context.Context, search string, limit, offset int) ([]*PatientListItem, int, error)
	Autocomplete(ctx context.Context, q string, limit int) ([]*PatientMatch, error)
	// FindByIdentity returns patients whose passport number or full name
	// matches, ignoring case and surrounding whitespace.
	FindByIdentity(ctx context.Context, passportNumber, fullName string) ([]*Patient, error)
}

// CounterRepository increments named counters atomically.
type CounterRepository interface {
	// Next increments the counter and returns the new value. A missing
	// counter starts at 1.
	Next(ctx context.Context, id string) (int64, error)
}

type CaseRepository interface {
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	List(ctx context.Context, filter CaseFilter, limit, offset int) ([]*CaseListItem, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Case, error)
	Update(ctx context.Context, c *Case) error
	// SetAnalysis stores the pre-analysis text and marks the case ANALYZED.
	SetAnalysis(ctx context.Context, id uuid.UUID, text string) (*Case, error)
}

type DocumentRepository interface {
	Create(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Document, error)
	SetFileData(ctx context.Context, id uuid.UUID, data string) error
	SetExtractedText(ctx context.Context, id uuid.UUID, text string) error
}

type NoteRepository interface {
	Create(ctx context.Context, n *Note) error
	ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Note, error)
}

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	// First returns the oldest user, or ErrUserNotFound.
	First(ctx context.Context) (*User, error)
}

// MaintenanceRepository backs the administrative bulk clear.
type MaintenanceRepository interface {
	CountAll(ctx context.Context) (EntityCounts, error)
	// DeleteAll removes every note, document, case, patient and user and
	// resets the patient counter.
	DeleteAll(ctx context.Context) (EntityCounts, error)
}

// Transactor runs fn so that repository calls made with the derived context
// commit or roll back together.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store groups the repositories behind one backend.
type Store struct {
	Patients    PatientRepository
	Counters    CounterRepository
	Cases       CaseRepository
	Documents   DocumentRepository
	Notes       NoteRepository
	Users       UserRepository
	Maintenance MaintenanceRepository
	Tx          Transactor
}
