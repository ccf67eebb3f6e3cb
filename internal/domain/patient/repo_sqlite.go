package patient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/zencdss/cdss/internal/platform/db"
)

const (
	sqliteDateLayout = "2006-01-02"
	// Fixed-width so that text ordering matches time ordering.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

	sqliteConstraint = 19
)

// SQLiteStore is the embedded Store, used for single-node deployments and
// for tests that need real constraints without a database server.
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema. The pool holds one connection, so units of work run one at a
// time.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := db.ApplySQLite(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

// DB exposes the underlying database for integration testing hooks.
func (s *SQLiteStore) DB() *sql.DB { return s.conn }

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "begin", Err: err}
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLiteStore) Close() { _ = s.conn.Close() }

func (s *SQLiteStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return getPatientSQLite(ctx, s.conn, id)
}

func (s *SQLiteStore) LatestPatient(ctx context.Context) (*Patient, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx, `SELECT id FROM patient ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifySQLite("latest patient", "patient", "", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, &StorageError{Op: "latest patient", Err: err}
	}
	return getPatientSQLite(ctx, s.conn, id)
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) FindReferences(ctx context.Context, kind Kind, value string) ([]*Reference, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown reference kind %q", kind.Name)
	}
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, %s, created_at FROM %s WHERE %s = ? ORDER BY created_at DESC, id DESC`,
		kind.Attribute, kind.Name, kind.Attribute), value)
	if err != nil {
		return nil, classifySQLite("find "+kind.Name, kind.Name, value, err)
	}
	defer rows.Close()

	var refs []*Reference
	for rows.Next() {
		var id, created string
		ref := &Reference{Kind: kind}
		if err := rows.Scan(&id, &ref.Value, &created); err != nil {
			return nil, classifySQLite("find "+kind.Name, kind.Name, value, err)
		}
		if ref.ID, err = uuid.Parse(id); err != nil {
			return nil, &StorageError{Op: "find " + kind.Name, Err: err}
		}
		if ref.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, &StorageError{Op: "find " + kind.Name, Err: err}
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("find "+kind.Name, kind.Name, value, err)
	}
	return refs, nil
}

func (t *sqliteTx) InsertReference(ctx context.Context, ref *Reference) error {
	if !ref.Kind.Valid() {
		return fmt.Errorf("unknown reference kind %q", ref.Kind.Name)
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, %s, created_at) VALUES (?, ?, ?) ON CONFLICT (%s) DO NOTHING`,
		ref.Kind.Name, ref.Kind.Attribute, ref.Kind.Attribute),
		ref.ID.String(), ref.Value, formatSQLiteTime(ref.CreatedAt))
	if err != nil {
		return classifySQLite("insert "+ref.Kind.Name, ref.Kind.Name, ref.Value, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "insert " + ref.Kind.Name, Err: err}
	}
	if n == 0 {
		return &IntegrityError{Entity: ref.Kind.Name, Value: ref.Value, Err: errDuplicate}
	}
	return nil
}

func (t *sqliteTx) ReferenceExists(ctx context.Context, ref *Reference) (bool, error) {
	if !ref.Kind.Valid() {
		return false, fmt.Errorf("unknown reference kind %q", ref.Kind.Name)
	}
	var ok bool
	err := t.tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE id = ? AND %s = ?)`,
		ref.Kind.Name, ref.Kind.Attribute), ref.ID.String(), ref.Value).Scan(&ok)
	if err != nil {
		return false, classifySQLite("check "+ref.Kind.Name, ref.Kind.Name, ref.Value, err)
	}
	return ok, nil
}

func (t *sqliteTx) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM patient WHERE id = ?)`, id.String()).Scan(&ok)
	if err != nil {
		return false, classifySQLite("patient exists", "patient", "", err)
	}
	return ok, nil
}

func (t *sqliteTx) InsertPatient(ctx context.Context, p *Patient) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO patient (
			id, first_name, last_name, gender, date_of_birth, registration_date,
			referred_by, accompanied_by, family_diabetics, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID.String(), p.FirstName, p.LastName, p.Gender,
		p.DateOfBirth.Format(sqliteDateLayout), p.RegistrationDate.Format(sqliteDateLayout),
		p.ReferredBy, p.AccompaniedBy, p.FamilyDiabetics, formatSQLiteTime(p.CreatedAt),
	)
	return classifySQLite("insert patient", "patient", "", err)
}

func (t *sqliteTx) InsertAddress(ctx context.Context, a *Address) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO address (
			id, patient_id, address, village_id, municipality_id, district_id, province_id, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID.String(), a.PatientID.String(), a.Address,
		sqliteRefID(a.Village), sqliteRefID(a.Municipality), sqliteRefID(a.District), sqliteRefID(a.Province),
		formatSQLiteTime(a.CreatedAt),
	)
	return classifySQLite("insert address", "address", "", err)
}

func (t *sqliteTx) InsertContactDetails(ctx context.Context, c *ContactDetails) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO contact_details (id, patient_id, phone_number, email, created_at)
		VALUES (?,?,?,?,?)`,
		c.ID.String(), c.PatientID.String(), c.Phone, c.Email, formatSQLiteTime(c.CreatedAt),
	)
	return classifySQLite("insert contact details", "contact_details", "", err)
}

func (t *sqliteTx) InsertOccupation(ctx context.Context, o *Occupation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO occupation (id, patient_id, description, occupation_title_id, company_id, created_at)
		VALUES (?,?,?,?,?,?)`,
		o.ID.String(), o.PatientID.String(), o.Description,
		sqliteRefID(o.Title), sqliteRefID(o.Company), formatSQLiteTime(o.CreatedAt),
	)
	return classifySQLite("insert occupation", "occupation", "", err)
}

func (t *sqliteTx) InsertDiagnosis(ctx context.Context, d *Diagnosis) error {
	var advent *string
	if d.Advent != nil {
		s := d.Advent.Format(sqliteDateLayout)
		advent = &s
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO diagnosis (id, patient_id, diagnosis, advent, created_at)
		VALUES (?,?,?,?,?)`,
		d.ID.String(), d.PatientID.String(), d.Diagnosis, advent, formatSQLiteTime(d.CreatedAt),
	)
	return classifySQLite("insert diagnosis", "diagnosis", "", err)
}

func (t *sqliteTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return classifySQLite("commit", "", "", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return &StorageError{Op: "rollback", Err: err}
}

// classifySQLite maps SQLITE_CONSTRAINT results to *IntegrityError and
// everything else to *StorageError. A nil err stays nil.
func classifySQLite(op, entity, value string, err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) && sqlErr.Code()&0xff == sqliteConstraint {
		return &IntegrityError{Entity: entity, Value: value, Err: err}
	}
	return &StorageError{Op: op, Err: err}
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

func sqliteRefID(r *Reference) *string {
	if r == nil {
		return nil
	}
	s := r.ID.String()
	return &s
}

func getPatientSQLite(ctx context.Context, q sqlQuerier, id uuid.UUID) (*Patient, error) {
	var (
		rawID, dob, registered, created string
		p                               Patient
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, gender, date_of_birth, registration_date,
			referred_by, accompanied_by, family_diabetics, created_at
		FROM patient WHERE id = ?`, id.String()).Scan(
		&rawID, &p.FirstName, &p.LastName, &p.Gender, &dob, &registered,
		&p.ReferredBy, &p.AccompaniedBy, &p.FamilyDiabetics, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifySQLite("get patient", "patient", "", err)
	}
	p.ID = id
	if p.DateOfBirth, err = time.Parse(sqliteDateLayout, dob); err != nil {
		return nil, &StorageError{Op: "get patient", Err: err}
	}
	if p.RegistrationDate, err = time.Parse(sqliteDateLayout, registered); err != nil {
		return nil, &StorageError{Op: "get patient", Err: err}
	}
	if p.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, &StorageError{Op: "get patient", Err: err}
	}

	if p.Addresses, err = listAddressesSQLite(ctx, q, id); err != nil {
		return nil, err
	}
	if p.ContactDetails, err = listContactDetailsSQLite(ctx, q, id); err != nil {
		return nil, err
	}
	if p.Occupations, err = listOccupationsSQLite(ctx, q, id); err != nil {
		return nil, err
	}
	if p.Diagnoses, err = listDiagnosesSQLite(ctx, q, id); err != nil {
		return nil, err
	}
	return &p, nil
}

// sqliteRow decodes the text columns shared by every owned row.
type sqliteRow struct {
	id, patientID, createdAt string
}

func (r sqliteRow) decode() (id, patientID uuid.UUID, createdAt time.Time, err error) {
	if id, err = uuid.Parse(r.id); err != nil {
		return
	}
	if patientID, err = uuid.Parse(r.patientID); err != nil {
		return
	}
	createdAt, err = parseSQLiteTime(r.createdAt)
	return
}

type sqliteNullableRef struct {
	id, value, createdAt sql.NullString
}

func (n sqliteNullableRef) reference(kind Kind) (*Reference, error) {
	if !n.id.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(n.id.String)
	if err != nil {
		return nil, err
	}
	ref := &Reference{ID: id, Kind: kind, Value: n.value.String}
	if n.createdAt.Valid {
		if ref.CreatedAt, err = parseSQLiteTime(n.createdAt.String); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

func listAddressesSQLite(ctx context.Context, q sqlQuerier, patientID uuid.UUID) ([]*Address, error) {
	rows, err := q.QueryContext(ctx, `
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
		WHERE a.patient_id = ?
		ORDER BY a.created_at, a.id`, patientID.String())
	if err != nil {
		return nil, classifySQLite("list addresses", "address", "", err)
	}
	defer rows.Close()

	var out []*Address
	for rows.Next() {
		var (
			row        sqliteRow
			a          Address
			v, m, d, p sqliteNullableRef
		)
		if err := rows.Scan(&row.id, &row.patientID, &a.Address, &row.createdAt,
			&v.id, &v.value, &v.createdAt,
			&m.id, &m.value, &m.createdAt,
			&d.id, &d.value, &d.createdAt,
			&p.id, &p.value, &p.createdAt,
		); err != nil {
			return nil, classifySQLite("list addresses", "address", "", err)
		}
		if a.ID, a.PatientID, a.CreatedAt, err = row.decode(); err != nil {
			return nil, &StorageError{Op: "list addresses", Err: err}
		}
		refs := []struct {
			dst  **Reference
			src  sqliteNullableRef
			kind Kind
		}{
			{&a.Village, v, KindVillage},
			{&a.Municipality, m, KindMunicipality},
			{&a.District, d, KindDistrict},
			{&a.Province, p, KindProvince},
		}
		for _, r := range refs {
			if *r.dst, err = r.src.reference(r.kind); err != nil {
				return nil, &StorageError{Op: "list addresses", Err: err}
			}
		}
		out = append(out, &a)
	}
	return out, classifySQLite("list addresses", "address", "", rows.Err())
}

func listContactDetailsSQLite(ctx context.Context, q sqlQuerier, patientID uuid.UUID) ([]*ContactDetails, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, patient_id, phone_number, email, created_at
		FROM contact_details WHERE patient_id = ?
		ORDER BY created_at, id`, patientID.String())
	if err != nil {
		return nil, classifySQLite("list contact details", "contact_details", "", err)
	}
	defer rows.Close()

	var out []*ContactDetails
	for rows.Next() {
		var (
			row sqliteRow
			c   ContactDetails
		)
		if err := rows.Scan(&row.id, &row.patientID, &c.Phone, &c.Email, &row.createdAt); err != nil {
			return nil, classifySQLite("list contact details", "contact_details", "", err)
		}
		if c.ID, c.PatientID, c.CreatedAt, err = row.decode(); err != nil {
			return nil, &StorageError{Op: "list contact details", Err: err}
		}
		out = append(out, &c)
	}
	return out, classifySQLite("list contact details", "contact_details", "", rows.Err())
}

func listOccupationsSQLite(ctx context.Context, q sqlQuerier, patientID uuid.UUID) ([]*Occupation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT o.id, o.patient_id, o.description, o.created_at,
			t.id, t.occupation_title, t.created_at,
			c.id, c.company, c.created_at
		FROM occupation o
		LEFT JOIN occupation_title t ON t.id = o.occupation_title_id
		LEFT JOIN company c ON c.id = o.company_id
		WHERE o.patient_id = ?
		ORDER BY o.created_at, o.id`, patientID.String())
	if err != nil {
		return nil, classifySQLite("list occupations", "occupation", "", err)
	}
	defer rows.Close()

	var out []*Occupation
	for rows.Next() {
		var (
			row  sqliteRow
			o    Occupation
			t, c sqliteNullableRef
		)
		if err := rows.Scan(&row.id, &row.patientID, &o.Description, &row.createdAt,
			&t.id, &t.value, &t.createdAt,
			&c.id, &c.value, &c.createdAt,
		); err != nil {
			return nil, classifySQLite("list occupations", "occupation", "", err)
		}
		if o.ID, o.PatientID, o.CreatedAt, err = row.decode(); err != nil {
			return nil, &StorageError{Op: "list occupations", Err: err}
		}
		if o.Title, err = t.reference(KindOccupationTitle); err != nil {
			return nil, &StorageError{Op: "list occupations", Err: err}
		}
		if o.Company, err = c.reference(KindCompany); err != nil {
			return nil, &StorageError{Op: "list occupations", Err: err}
		}
		out = append(out, &o)
	}
	return out, classifySQLite("list occupations", "occupation", "", rows.Err())
}

func listDiagnosesSQLite(ctx context.Context, q sqlQuerier, patientID uuid.UUID) ([]*Diagnosis, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, patient_id, diagnosis, advent, created_at
		FROM diagnosis WHERE patient_id = ?
		ORDER BY created_at, id`, patientID.String())
	if err != nil {
		return nil, classifySQLite("list diagnoses", "diagnosis", "", err)
	}
	defer rows.Close()

	var out []*Diagnosis
	for rows.Next() {
		var (
			row    sqliteRow
			d      Diagnosis
			advent sql.NullString
		)
		if err := rows.Scan(&row.id, &row.patientID, &d.Diagnosis, &advent, &row.createdAt); err != nil {
			return nil, classifySQLite("list diagnoses", "diagnosis", "", err)
		}
		if d.ID, d.PatientID, d.CreatedAt, err = row.decode(); err != nil {
			return nil, &StorageError{Op: "list diagnoses", Err: err}
		}
		if advent.Valid {
			t, err := time.Parse(sqliteDateLayout, strings.TrimSpace(advent.String))
			if err != nil {
				return nil, &StorageError{Op: "list diagnoses", Err: err}
			}
			d.Advent = &t
		}
		out = append(out, &d)
	}
	return out, classifySQLite("list diagnoses", "diagnosis", "", rows.Err())
}
