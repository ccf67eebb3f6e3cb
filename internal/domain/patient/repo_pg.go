package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore is the Postgres Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Pool exposes the underlying pool for health reporting and tests.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &StorageError{Op: "begin", Err: err}
	}
	return &pgTx{tx: tx}, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return getPatientPG(ctx, s.pool, id)
}

func (s *PGStore) LatestPatient(ctx context.Context) (*Patient, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM patient ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG("latest patient", "patient", "", err)
	}
	return getPatientPG(ctx, s.pool, id)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) FindReferences(ctx context.Context, kind Kind, value string) ([]*Reference, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown reference kind %q", kind.Name)
	}
	rows, err := t.tx.Query(ctx, fmt.Sprintf(
		`SELECT id, %s, created_at FROM %s WHERE %s = $1 ORDER BY created_at DESC, id DESC`,
		kind.Attribute, kind.Name, kind.Attribute), value)
	if err != nil {
		return nil, classifyPG("find "+kind.Name, kind.Name, value, err)
	}
	defer rows.Close()

	var refs []*Reference
	for rows.Next() {
		ref := &Reference{Kind: kind}
		if err := rows.Scan(&ref.ID, &ref.Value, &ref.CreatedAt); err != nil {
			return nil, classifyPG("find "+kind.Name, kind.Name, value, err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG("find "+kind.Name, kind.Name, value, err)
	}
	return refs, nil
}

func (t *pgTx) InsertReference(ctx context.Context, ref *Reference) error {
	if !ref.Kind.Valid() {
		return fmt.Errorf("unknown reference kind %q", ref.Kind.Name)
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, %s, created_at) VALUES ($1, $2, $3) ON CONFLICT (%s) DO NOTHING`,
		ref.Kind.Name, ref.Kind.Attribute, ref.Kind.Attribute),
		ref.ID, ref.Value, ref.CreatedAt)
	if err != nil {
		return classifyPG("insert "+ref.Kind.Name, ref.Kind.Name, ref.Value, err)
	}
	if tag.RowsAffected() == 0 {
		return &IntegrityError{Entity: ref.Kind.Name, Value: ref.Value, Err: errDuplicate}
	}
	return nil
}

func (t *pgTx) ReferenceExists(ctx context.Context, ref *Reference) (bool, error) {
	if !ref.Kind.Valid() {
		return false, fmt.Errorf("unknown reference kind %q", ref.Kind.Name)
	}
	var ok bool
	err := t.tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND %s = $2)`,
		ref.Kind.Name, ref.Kind.Attribute), ref.ID, ref.Value).Scan(&ok)
	if err != nil {
		return false, classifyPG("check "+ref.Kind.Name, ref.Kind.Name, ref.Value, err)
	}
	return ok, nil
}

func (t *pgTx) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, classifyPG("patient exists", "patient", "", err)
	}
	return ok, nil
}

func (t *pgTx) InsertPatient(ctx context.Context, p *Patient) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO patient (
			id, first_name, last_name, gender, date_of_birth, registration_date,
			referred_by, accompanied_by, family_diabetics, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.FirstName, p.LastName, p.Gender, p.DateOfBirth, p.RegistrationDate,
		p.ReferredBy, p.AccompaniedBy, p.FamilyDiabetics, p.CreatedAt,
	)
	return classifyPG("insert patient", "patient", "", err)
}

func (t *pgTx) InsertAddress(ctx context.Context, a *Address) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO address (
			id, patient_id, address, village_id, municipality_id, district_id, province_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.PatientID, a.Address, refID(a.Village), refID(a.Municipality), refID(a.District), refID(a.Province), a.CreatedAt,
	)
	return classifyPG("insert address", "address", "", err)
}

func (t *pgTx) InsertContactDetails(ctx context.Context, c *ContactDetails) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO contact_details (id, patient_id, phone_number, email, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		c.ID, c.PatientID, c.Phone, c.Email, c.CreatedAt,
	)
	return classifyPG("insert contact details", "contact_details", "", err)
}

func (t *pgTx) InsertOccupation(ctx context.Context, o *Occupation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO occupation (id, patient_id, description, occupation_title_id, company_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		o.ID, o.PatientID, o.Description, refID(o.Title), refID(o.Company), o.CreatedAt,
	)
	return classifyPG("insert occupation", "occupation", "", err)
}

func (t *pgTx) InsertDiagnosis(ctx context.Context, d *Diagnosis) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO diagnosis (id, patient_id, diagnosis, advent, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		d.ID, d.PatientID, d.Diagnosis, d.Advent, d.CreatedAt,
	)
	return classifyPG("insert diagnosis", "diagnosis", "", err)
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classifyPG("commit", "", "", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return &StorageError{Op: "rollback", Err: err}
}

// classifyPG maps constraint violations to *IntegrityError and everything
// else to *StorageError. A nil err stays nil.
func classifyPG(op, entity, value string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23514", "23502":
			if entity == "" {
				entity = pgErr.TableName
			}
			return &IntegrityError{Entity: entity, Value: value, Err: err}
		}
	}
	return &StorageError{Op: op, Err: err}
}

func getPatientPG(ctx context.Context, q querier, id uuid.UUID) (*Patient, error) {
	p := &Patient{}
	err := q.QueryRow(ctx, `
		SELECT id, first_name, last_name, gender, date_of_birth, registration_date,
			referred_by, accompanied_by, family_diabetics, created_at
		FROM patient WHERE id = $1`, id).Scan(
		&p.ID, &p.FirstName, &p.LastName, &p.Gender, &p.DateOfBirth, &p.RegistrationDate,
		&p.ReferredBy, &p.AccompaniedBy, &p.FamilyDiabetics, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPG("get patient", "patient", "", err)
	}

	if p.Addresses, err = listAddressesPG(ctx, q, id); err != nil {
		return nil, err
	}
	if p.ContactDetails, err = listContactDetailsPG(ctx, q, id); err != nil {
		return nil, err
	}
	if p.Occupations, err = listOccupationsPG(ctx, q, id); err != nil {
		return nil, err
	}
	if p.Diagnoses, err = listDiagnosesPG(ctx, q, id); err != nil {
		return nil, err
	}
	return p, nil
}

// nullableRef holds the columns of a LEFT JOINed reference table.
type nullableRef struct {
	id        *uuid.UUID
	value     *string
	createdAt *time.Time
}

func (n nullableRef) reference(kind Kind) *Reference {
	if n.id == nil {
		return nil
	}
	ref := &Reference{ID: *n.id, Kind: kind}
	if n.value != nil {
		ref.Value = *n.value
	}
	if n.createdAt != nil {
		ref.CreatedAt = *n.createdAt
	}
	return ref
}

func listAddressesPG(ctx context.Context, q querier, patientID uuid.UUID) ([]*Address, error) {
	rows, err := q.Query(ctx, `
		SELECT a.id, a.patient_id, a.address, a.created_at,
			v.id, v.village, v.created_at,
			m.id, m.municipality, m.created_at,
			d.id, d.district, d.created_at,
			p.id, p.province, p.created_at
		FROM address a
		LEFT JOIN village v ON v.id = a.village_id
		LEFT JOIN municipality m ON m.id = a.municipality_id
		LEFT JOIN district d ON d.id = a.district_id
		LEFT JOIN province p ON p.id = a.province_id
		WHERE a.patient_id = $1
		ORDER BY a.created_at, a.id`, patientID)
	if err != nil {
		return nil, classifyPG("list addresses", "address", "", err)
	}
	defer rows.Close()

	var out []*Address
	for rows.Next() {
		var a Address
		var v, m, d, p nullableRef
		if err := rows.Scan(&a.ID, &a.PatientID, &a.Address, &a.CreatedAt,
			&v.id, &v.value, &v.createdAt,
			&m.id, &m.value, &m.createdAt,
			&d.id, &d.value, &d.createdAt,
			&p.id, &p.value, &p.createdAt,
		); err != nil {
			return nil, classifyPG("list addresses", "address", "", err)
		}
		a.Village = v.reference(KindVillage)
		a.Municipality = m.reference(KindMunicipality)
		a.District = d.reference(KindDistrict)
		a.Province = p.reference(KindProvince)
		out = append(out, &a)
	}
	return out, classifyPG("list addresses", "address", "", rows.Err())
}

func listContactDetailsPG(ctx context.Context, q querier, patientID uuid.UUID) ([]*ContactDetails, error) {
	rows, err := q.Query(ctx, `
		SELECT id, patient_id, phone_number, email, created_at
		FROM contact_details WHERE patient_id = $1
		ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, classifyPG("list contact details", "contact_details", "", err)
	}
	defer rows.Close()

	var out []*ContactDetails
	for rows.Next() {
		var c ContactDetails
		if err := rows.Scan(&c.ID, &c.PatientID, &c.Phone, &c.Email, &c.CreatedAt); err != nil {
			return nil, classifyPG("list contact details", "contact_details", "", err)
		}
		out = append(out, &c)
	}
	return out, classifyPG("list contact details", "contact_details", "", rows.Err())
}

func listOccupationsPG(ctx context.Context, q querier, patientID uuid.UUID) ([]*Occupation, error) {
	rows, err := q.Query(ctx, `
		SELECT o.id, o.patient_id, o.description, o.created_at,
			t.id, t.occupation_title, t.created_at,
			c.id, c.company, c.created_at
		FROM occupation o
		LEFT JOIN occupation_title t ON t.id = o.occupation_title_id
		LEFT JOIN company c ON c.id = o.company_id
		WHERE o.patient_id = $1
		ORDER BY o.created_at, o.id`, patientID)
	if err != nil {
		return nil, classifyPG("list occupations", "occupation", "", err)
	}
	defer rows.Close()

	var out []*Occupation
	for rows.Next() {
		var o Occupation
		var t, c nullableRef
		if err := rows.Scan(&o.ID, &o.PatientID, &o.Description, &o.CreatedAt,
			&t.id, &t.value, &t.createdAt,
			&c.id, &c.value, &c.createdAt,
		); err != nil {
			return nil, classifyPG("list occupations", "occupation", "", err)
		}
		o.Title = t.reference(KindOccupationTitle)
		o.Company = c.reference(KindCompany)
		out = append(out, &o)
	}
	return out, classifyPG("list occupations", "occupation", "", rows.Err())
}

func listDiagnosesPG(ctx context.Context, q querier, patientID uuid.UUID) ([]*Diagnosis, error) {
	rows, err := q.Query(ctx, `
		SELECT id, patient_id, diagnosis, advent, created_at
		FROM diagnosis WHERE patient_id = $1
		ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, classifyPG("list diagnoses", "diagnosis", "", err)
	}
	defer rows.Close()

	var out []*Diagnosis
	for rows.Next() {
		var d Diagnosis
		if err := rows.Scan(&d.ID, &d.PatientID, &d.Diagnosis, &d.Advent, &d.CreatedAt); err != nil {
			return nil, classifyPG("list diagnoses", "diagnosis", "", err)
		}
		out = append(out, &d)
	}
	return out, classifyPG("list diagnoses", "diagnosis", "", rows.Err())
}
