package records

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps every record in process memory. It backs development
// runs without DATABASE_URL and the package tests.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	seq  int64

	patients  map[uuid.UUID]*Patient
	cases     map[uuid.UUID]*Case
	documents map[uuid.UUID]*Document
	notes     map[uuid.UUID]*Note
	users     map[uuid.UUID]*User
	counters  map[string]int64
	order     map[uuid.UUID]int64
}

// NewMemoryStore returns repositories sharing one MemoryStore.
func NewMemoryStore() *Store {
	m := &MemoryStore{
		patients:  make(map[uuid.UUID]*Patient),
		cases:     make(map[uuid.UUID]*Case),
		documents: make(map[uuid.UUID]*Document),
		notes:     make(map[uuid.UUID]*Note),
		users:     make(map[uuid.UUID]*User),
		counters:  make(map[string]int64),
		order:     make(map[uuid.UUID]int64),
	}
	return &Store{
		Patients:    memPatients{m},
		Counters:    memCounters{m},
		Cases:       memCases{m},
		Documents:   memDocuments{m},
		Notes:       memNotes{m},
		Users:       memUsers{m},
		Maintenance: memMaintenance{m},
		Tx:          m,
	}
}

// WithTx serializes fn against other transactions. Only counters are rolled
// back when fn fails.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	saved := maps.Clone(m.counters)
	m.mu.RUnlock()

	err := fn(ctx)
	if err != nil {
		m.mu.Lock()
		m.counters = saved
		m.mu.Unlock()
	}
	return err
}

// stamp records insertion order for id so that equal timestamps still sort
// deterministically. Callers hold mu.
func (m *MemoryStore) stamp(id uuid.UUID) time.Time {
	m.seq++
	m.order[id] = m.seq
	return time.Now().UTC()
}

// newerFirst reports whether a was inserted after b.
func (m *MemoryStore) newerFirst(a, b uuid.UUID) bool {
	return m.order[a] > m.order[b]
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func clonePatient(p *Patient) *Patient {
	cp := *p
	cp.Cases = nil
	return &cp
}

func cloneCase(c *Case) *Case {
	cp := *c
	cp.Patient, cp.Documents, cp.Notes = nil, nil, nil
	return &cp
}

// -- Patients --

type memPatients struct{ m *MemoryStore }

func (r memPatients) Create(_ context.Context, p *Patient) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = r.m.stamp(p.ID)
	p.UpdatedAt = p.CreatedAt
	r.m.patients[p.ID] = clonePatient(p)
	return nil
}

func (r memPatients) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return clonePatient(p), nil
}

func (r memPatients) Update(_ context.Context, p *Patient) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	existing, ok := r.m.patients[p.ID]
	if !ok {
		return ErrPatientNotFound
	}
	p.PatientCode = existing.PatientCode
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	r.m.patients[p.ID] = clonePatient(p)
	return nil
}

// casesOf returns a patient's cases newest first. Callers hold mu.
func (m *MemoryStore) casesOf(patientID uuid.UUID) []*Case {
	var cases []*Case
	for _, c := range m.cases {
		if c.PatientID == patientID {
			cases = append(cases, cloneCase(c))
		}
	}
	sort.Slice(cases, func(i, j int) bool { return m.newerFirst(cases[i].ID, cases[j].ID) })
	return cases
}

func (r memPatients) List(_ context.Context, search string, limit, offset int) ([]*PatientListItem, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	search = strings.TrimSpace(search)

	var matched []*Patient
	for _, p := range r.m.patients {
		if search == "" || containsFold(p.FullName, search) || containsFold(p.PatientCode, search) ||
			(p.PassportNumber != nil && containsFold(*p.PassportNumber, search)) {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return r.m.newerFirst(matched[i].ID, matched[j].ID) })

	total := len(matched)
	items := []*PatientListItem{}
	for i := offset; i < total && len(items) < limit; i++ {
		it := &PatientListItem{Patient: *clonePatient(matched[i])}
		cases := r.m.casesOf(it.ID)
		it.CaseCount = len(cases)
		if len(cases) > 0 {
			it.LatestCase = cases[0]
		}
		items = append(items, it)
	}
	return items, total, nil
}

func (r memPatients) Autocomplete(_ context.Context, q string, limit int) ([]*PatientMatch, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	q = strings.TrimSpace(q)

	var matches []*PatientMatch
	for _, p := range r.m.patients {
		if containsFold(p.FullName, q) || containsFold(p.PatientCode, q) {
			matches = append(matches, &PatientMatch{
				ID: p.ID, PatientCode: p.PatientCode, FullName: p.FullName,
				Nationality: p.Nationality, CaseCount: len(r.m.casesOf(p.ID)),
			})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].FullName < matches[j].FullName })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r memPatients) FindByIdentity(_ context.Context, passportNumber, fullName string) ([]*Patient, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	passport := strings.ToLower(strings.TrimSpace(passportNumber))
	name := normalizeName(fullName)

	var found []*Patient
	for _, p := range r.m.patients {
		samePassport := passport != "" && p.PassportNumber != nil && strings.ToLower(strings.TrimSpace(*p.PassportNumber)) == passport
		if samePassport || normalizeName(p.FullName) == name {
			found = append(found, clonePatient(p))
		}
	}
	sort.Slice(found, func(i, j int) bool { return r.m.newerFirst(found[j].ID, found[i].ID) })
	return found, nil
}

// -- Counters --

type memCounters struct{ m *MemoryStore }

func (r memCounters) Next(_ context.Context, id string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.counters[id]++
	return r.m.counters[id], nil
}

// -- Cases --

type memCases struct{ m *MemoryStore }

func (r memCases) Create(_ context.Context, c *Case) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.patients[c.PatientID]; !ok {
		return ErrPatientNotFound
	}
	c.ID = uuid.New()
	c.CreatedAt = r.m.stamp(c.ID)
	c.UpdatedAt = c.CreatedAt
	r.m.cases[c.ID] = cloneCase(c)
	return nil
}

func (r memCases) GetByID(_ context.Context, id uuid.UUID) (*Case, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return cloneCase(c), nil
}

func (r memCases) List(_ context.Context, filter CaseFilter, limit, offset int) ([]*CaseListItem, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	var matched []*Case
	for _, c := range r.m.cases {
		if filter.PatientID != nil && c.PatientID != *filter.PatientID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return r.m.newerFirst(matched[i].ID, matched[j].ID) })

	total := len(matched)
	items := []*CaseListItem{}
	for i := offset; i < total && len(items) < limit; i++ {
		it := &CaseListItem{Case: *cloneCase(matched[i])}
		if p, ok := r.m.patients[it.PatientID]; ok {
			it.Patient = &Patient{ID: p.ID, PatientCode: p.PatientCode, FullName: p.FullName}
		}
		for _, d := range r.m.documents {
			if d.CaseID == it.ID {
				it.DocumentCount++
			}
		}
		for _, n := range r.m.notes {
			if n.CaseID == it.ID {
				it.NoteCount++
			}
		}
		items = append(items, it)
	}
	return items, total, nil
}

func (r memCases) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Case, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return r.m.casesOf(patientID), nil
}

func (r memCases) Update(_ context.Context, c *Case) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	existing, ok := r.m.cases[c.ID]
	if !ok {
		return ErrCaseNotFound
	}
	existing.Status = c.Status
	existing.AIPreAnalysis = c.AIPreAnalysis
	existing.UpdatedAt = time.Now().UTC()
	c.UpdatedAt = existing.UpdatedAt
	return nil
}

func (r memCases) SetAnalysis(_ context.Context, id uuid.UUID, text string) (*Case, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	c.AIPreAnalysis = &text
	c.Status = StatusAnalyzed
	c.UpdatedAt = time.Now().UTC()
	return cloneCase(c), nil
}

// -- Documents --

type memDocuments struct{ m *MemoryStore }

func (r memDocuments) Create(_ context.Context, d *Document) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.cases[d.CaseID]; !ok {
		return ErrCaseNotFound
	}
	d.ID = uuid.New()
	d.CreatedAt = r.m.stamp(d.ID)
	cp := *d
	r.m.documents[d.ID] = &cp
	return nil
}

func (r memDocuments) GetByID(_ context.Context, id uuid.UUID) (*Document, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	d, ok := r.m.documents[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (r memDocuments) ListByCase(_ context.Context, caseID uuid.UUID) ([]*Document, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var docs []*Document
	for _, d := range r.m.documents {
		if d.CaseID == caseID {
			cp := *d
			docs = append(docs, &cp)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return r.m.newerFirst(docs[i].ID, docs[j].ID) })
	return docs, nil
}

func (r memDocuments) SetFileData(_ context.Context, id uuid.UUID, data string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.documents[id]
	if !ok {
		return ErrDocumentNotFound
	}
	d.FileData = &data
	return nil
}

func (r memDocuments) SetExtractedText(_ context.Context, id uuid.UUID, text string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.documents[id]
	if !ok {
		return ErrDocumentNotFound
	}
	d.ExtractedText = &text
	return nil
}

// -- Notes --

type memNotes struct{ m *MemoryStore }

func (r memNotes) Create(_ context.Context, n *Note) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.cases[n.CaseID]; !ok {
		return ErrCaseNotFound
	}
	if _, ok := r.m.users[n.AuthorID]; !ok {
		return ErrUserNotFound
	}
	n.ID = uuid.New()
	n.CreatedAt = r.m.stamp(n.ID)
	cp := *n
	cp.Author = nil
	r.m.notes[n.ID] = &cp
	return nil
}

func (r memNotes) ListByCase(_ context.Context, caseID uuid.UUID) ([]*Note, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var notes []*Note
	for _, n := range r.m.notes {
		if n.CaseID != caseID {
			continue
		}
		cp := *n
		if u, ok := r.m.users[n.AuthorID]; ok {
			cp.Author = &NoteAuthor{Name: u.Name, Role: u.Role}
		}
		notes = append(notes, &cp)
	}
	sort.Slice(notes, func(i, j int) bool { return r.m.newerFirst(notes[i].ID, notes[j].ID) })
	return notes, nil
}

// -- Users --

type memUsers struct{ m *MemoryStore }

func (r memUsers) Create(_ context.Context, u *User) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u.ID = uuid.New()
	u.CreatedAt = r.m.stamp(u.ID)
	cp := *u
	r.m.users[u.ID] = &cp
	return nil
}

func (r memUsers) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	u, ok := r.m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r memUsers) First(_ context.Context) (*User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var first *User
	for _, u := range r.m.users {
		if first == nil || r.m.order[u.ID] < r.m.order[first.ID] {
			first = u
		}
	}
	if first == nil {
		return nil, ErrUserNotFound
	}
	cp := *first
	return &cp, nil
}

// -- Maintenance --

type memMaintenance struct{ m *MemoryStore }

func (r memMaintenance) CountAll(_ context.Context) (EntityCounts, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return EntityCounts{
		Notes:     int64(len(r.m.notes)),
		Documents: int64(len(r.m.documents)),
		Cases:     int64(len(r.m.cases)),
		Patients:  int64(len(r.m.patients)),
		Users:     int64(len(r.m.users)),
	}, nil
}

func (r memMaintenance) DeleteAll(ctx context.Context) (EntityCounts, error) {
	counts, _ := r.CountAll(ctx)
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.patients = make(map[uuid.UUID]*Patient)
	r.m.cases = make(map[uuid.UUID]*Case)
	r.m.documents = make(map[uuid.UUID]*Document)
	r.m.notes = make(map[uuid.UUID]*Note)
	r.m.users = make(map[uuid.UUID]*User)
	r.m.order = make(map[uuid.UUID]int64)
	delete(r.m.counters, PatientCounterID)
	return counts, nil
}
