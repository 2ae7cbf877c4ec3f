package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaya/casefile/internal/platform/db"
)

// NewPGStore returns repositories backed by PostgreSQL.
func NewPGStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Patients:    &patientRepoPG{pool: pool},
		Counters:    &counterRepoPG{pool: pool},
		Cases:       &caseRepoPG{pool: pool},
		Documents:   &documentRepoPG{pool: pool},
		Notes:       &noteRepoPG{pool: pool},
		Users:       &userRepoPG{pool: pool},
		Maintenance: &maintenanceRepoPG{pool: pool},
		Tx:          pgTransactor{pool: pool},
	}
}

type pgTransactor struct {
	pool *pgxpool.Pool
}

func (t pgTransactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, t.pool, fn)
}

// likePattern escapes LIKE wildcards and wraps s for a substring match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// -- Patients --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

const patientCols = `id, patient_code, full_name, nationality, passport_number, date_of_birth,
	gender, phone, email, address, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.PatientCode, &p.FullName, &p.Nationality, &p.PassportNumber, &p.DateOfBirth,
		&p.Gender, &p.Phone, &p.Email, &p.Address, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patients (id, patient_code, full_name, nationality, passport_number, date_of_birth,
			gender, phone, email, address)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientCode, p.FullName, p.Nationality, p.PassportNumber, p.DateOfBirth,
		p.Gender, p.Phone, p.Email, p.Address,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	return p, err
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE patients SET
			full_name=$2, nationality=$3, passport_number=$4, date_of_birth=$5,
			gender=$6, phone=$7, email=$8, address=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.FullName, p.Nationality, p.PassportNumber, p.DateOfBirth,
		p.Gender, p.Phone, p.Email, p.Address,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPatientNotFound
	}
	return err
}

const patientSearchWhere = `($1 = '' OR p.full_name ILIKE $2 OR p.patient_code ILIKE $2 OR p.passport_number ILIKE $2)`

func (r *patientRepoPG) List(ctx context.Context, search string, limit, offset int) ([]*PatientListItem, int, error) {
	conn := db.Conn(ctx, r.pool)
	search = strings.TrimSpace(search)
	pattern := likePattern(search)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM patients p WHERE `+patientSearchWhere, search, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT p.id, p.patient_code, p.full_name, p.nationality, p.passport_number, p.date_of_birth,
			p.gender, p.phone, p.email, p.address, p.created_at, p.updated_at,
			(SELECT COUNT(*) FROM cases c WHERE c.patient_id = p.id),
			lc.id, lc.status, lc.ai_pre_analysis, lc.created_at, lc.updated_at
		FROM patients p
		LEFT JOIN LATERAL (
			SELECT id, status, ai_pre_analysis, created_at, updated_at
			FROM cases WHERE patient_id = p.id
			ORDER BY created_at DESC LIMIT 1
		) lc ON true
		WHERE `+patientSearchWhere+`
		ORDER BY p.created_at DESC
		LIMIT $3 OFFSET $4`, search, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var items []*PatientListItem
	for rows.Next() {
		var (
			it        PatientListItem
			caseID    *uuid.UUID
			status    *string
			analysis  *string
			caseAt    *time.Time
			caseUpdAt *time.Time
		)
		p := &it.Patient
		if err := rows.Scan(&p.ID, &p.PatientCode, &p.FullName, &p.Nationality, &p.PassportNumber, &p.DateOfBirth,
			&p.Gender, &p.Phone, &p.Email, &p.Address, &p.CreatedAt, &p.UpdatedAt,
			&it.CaseCount, &caseID, &status, &analysis, &caseAt, &caseUpdAt); err != nil {
			return nil, 0, err
		}
		if caseID != nil {
			it.LatestCase = &Case{ID: *caseID, PatientID: p.ID, Status: *status, AIPreAnalysis: analysis, CreatedAt: *caseAt, UpdatedAt: *caseUpdAt}
		}
		items = append(items, &it)
	}
	return items, total, rows.Err()
}

func (r *patientRepoPG) Autocomplete(ctx context.Context, q string, limit int) ([]*PatientMatch, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT p.id, p.patient_code, p.full_name, p.nationality,
			(SELECT COUNT(*) FROM cases c WHERE c.patient_id = p.id)
		FROM patients p
		WHERE p.full_name ILIKE $1 OR p.patient_code ILIKE $1
		ORDER BY p.full_name ASC
		LIMIT $2`, likePattern(strings.TrimSpace(q)), limit)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	var matches []*PatientMatch
	for rows.Next() {
		var m PatientMatch
		if err := rows.Scan(&m.ID, &m.PatientCode, &m.FullName, &m.Nationality, &m.CaseCount); err != nil {
			return nil, err
		}
		matches = append(matches, &m)
	}
	return matches, rows.Err()
}

func (r *patientRepoPG) FindByIdentity(ctx context.Context, passportNumber, fullName string) ([]*Patient, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+patientCols+` FROM patients
		WHERE ($1 <> '' AND LOWER(TRIM(passport_number)) = $1)
		   OR LOWER(REGEXP_REPLACE(TRIM(full_name), '\s+', ' ', 'g')) = $2
		ORDER BY created_at ASC`,
		strings.ToLower(strings.TrimSpace(passportNumber)), normalizeName(fullName))
	if err != nil {
		return nil, fmt.Errorf("find patients by identity: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// -- Counters --

type counterRepoPG struct {
	pool *pgxpool.Pool
}

func (r *counterRepoPG) Next(ctx context.Context, id string) (int64, error) {
	var value int64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO counters (id, value) VALUES ($1, 1)
		ON CONFLICT (id) DO UPDATE SET value = counters.value + 1
		RETURNING value`, id).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", id, err)
	}
	return value, nil
}

// -- Cases --

type caseRepoPG struct {
	pool *pgxpool.Pool
}

const caseCols = `id, patient_id, status, ai_pre_analysis, created_at, updated_at`

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	if err := row.Scan(&c.ID, &c.PatientID, &c.Status, &c.AIPreAnalysis, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case) error {
	c.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO cases (id, patient_id, status, ai_pre_analysis)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		c.ID, c.PatientID, c.Status, c.AIPreAnalysis,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	c, err := scanCase(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+caseCols+` FROM cases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (r *caseRepoPG) List(ctx context.Context, filter CaseFilter, limit, offset int) ([]*CaseListItem, int, error) {
	conn := db.Conn(ctx, r.pool)
	const where = `($1::uuid IS NULL OR c.patient_id = $1) AND ($2 = '' OR c.status = $2)`

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM cases c WHERE `+where, filter.PatientID, filter.Status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT c.id, c.patient_id, c.status, c.ai_pre_analysis, c.created_at, c.updated_at,
			p.patient_code, p.full_name,
			(SELECT COUNT(*) FROM documents d WHERE d.case_id = c.id),
			(SELECT COUNT(*) FROM notes n WHERE n.case_id = c.id)
		FROM cases c
		JOIN patients p ON p.id = c.patient_id
		WHERE `+where+`
		ORDER BY c.created_at DESC
		LIMIT $3 OFFSET $4`, filter.PatientID, filter.Status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var items []*CaseListItem
	for rows.Next() {
		var it CaseListItem
		p := &Patient{}
		if err := rows.Scan(&it.ID, &it.PatientID, &it.Status, &it.AIPreAnalysis, &it.CreatedAt, &it.UpdatedAt,
			&p.PatientCode, &p.FullName, &it.DocumentCount, &it.NoteCount); err != nil {
			return nil, 0, err
		}
		p.ID = it.PatientID
		it.Patient = p
		items = append(items, &it)
	}
	return items, total, rows.Err()
}

func (r *caseRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Case, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+caseCols+` FROM cases
		WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list patient cases: %w", err)
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func (r *caseRepoPG) Update(ctx context.Context, c *Case) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE cases SET status=$2, ai_pre_analysis=$3, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Status, c.AIPreAnalysis,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCaseNotFound
	}
	return err
}

func (r *caseRepoPG) SetAnalysis(ctx context.Context, id uuid.UUID, text string) (*Case, error) {
	c, err := scanCase(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE cases SET ai_pre_analysis=$2, status=$3, updated_at=NOW()
		WHERE id = $1
		RETURNING `+caseCols, id, text, StatusAnalyzed))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store analysis: %w", err)
	}
	return c, nil
}

// -- Documents --

type documentRepoPG struct {
	pool *pgxpool.Pool
}

const documentCols = `id, case_id, file_name, file_type, storage_id, storage_url, file_data, extracted_text, created_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.CaseID, &d.FileName, &d.FileType, &d.StorageID, &d.StorageURL,
		&d.FileData, &d.ExtractedText, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *documentRepoPG) Create(ctx context.Context, d *Document) error {
	d.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO documents (id, case_id, file_name, file_type, storage_id, storage_url, file_data, extracted_text)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		d.ID, d.CaseID, d.FileName, d.FileType, d.StorageID, d.StorageURL, d.FileData, d.ExtractedText,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *documentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := scanDocument(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+documentCols+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	return d, err
}

func (r *documentRepoPG) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Document, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+documentCols+` FROM documents
		WHERE case_id = $1 ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *documentRepoPG) SetFileData(ctx context.Context, id uuid.UUID, data string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE documents SET file_data = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("cache document payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (r *documentRepoPG) SetExtractedText(ctx context.Context, id uuid.UUID, text string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE documents SET extracted_text = $2 WHERE id = $1`, id, text)
	if err != nil {
		return fmt.Errorf("cache extracted text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// -- Notes --

type noteRepoPG struct {
	pool *pgxpool.Pool
}

func (r *noteRepoPG) Create(ctx context.Context, n *Note) error {
	n.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO notes (id, case_id, author_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		n.ID, n.CaseID, n.AuthorID, n.Content,
	).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (r *noteRepoPG) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Note, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT n.id, n.case_id, n.author_id, n.content, n.created_at, u.name, u.role
		FROM notes n
		JOIN users u ON u.id = n.author_id
		WHERE n.case_id = $1
		ORDER BY n.created_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		n := Note{Author: &NoteAuthor{}}
		if err := rows.Scan(&n.ID, &n.CaseID, &n.AuthorID, &n.Content, &n.CreatedAt, &n.Author.Name, &n.Author.Role); err != nil {
			return nil, err
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// -- Users --

type userRepoPG struct {
	pool *pgxpool.Pool
}

const userCols = `id, name, email, role, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO users (id, name, email, role) VALUES ($1, $2, $3, $4)
		RETURNING created_at`, u.ID, u.Name, u.Email, u.Role).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (r *userRepoPG) First(ctx context.Context) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users ORDER BY created_at ASC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// -- Maintenance --

type maintenanceRepoPG struct {
	pool *pgxpool.Pool
}

func (r *maintenanceRepoPG) CountAll(ctx context.Context) (EntityCounts, error) {
	var c EntityCounts
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM notes),
		       (SELECT COUNT(*) FROM documents),
		       (SELECT COUNT(*) FROM cases),
		       (SELECT COUNT(*) FROM patients),
		       (SELECT COUNT(*) FROM users)`,
	).Scan(&c.Notes, &c.Documents, &c.Cases, &c.Patients, &c.Users)
	if err != nil {
		return c, fmt.Errorf("count entities: %w", err)
	}
	return c, nil
}

func (r *maintenanceRepoPG) DeleteAll(ctx context.Context) (EntityCounts, error) {
	conn := db.Conn(ctx, r.pool)
	var c EntityCounts
	steps := []struct {
		table string
		n     *int64
	}{
		{"notes", &c.Notes},
		{"documents", &c.Documents},
		{"cases", &c.Cases},
		{"patients", &c.Patients},
		{"users", &c.Users},
	}
	for _, s := range steps {
		tag, err := conn.Exec(ctx, "DELETE FROM "+s.table)
		if err != nil {
			return EntityCounts{}, fmt.Errorf("delete %s: %w", s.table, err)
		}
		*s.n = tag.RowsAffected()
	}
	if _, err := conn.Exec(ctx, `DELETE FROM counters WHERE id = $1`, PatientCounterID); err != nil {
		return EntityCounts{}, fmt.Errorf("reset patient counter: %w", err)
	}
	return c, nil
}
