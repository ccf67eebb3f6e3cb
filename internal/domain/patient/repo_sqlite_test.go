package patient

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zencdss/cdss/internal/platform/metrics"
)

func newSQLiteService(t *testing.T) (*Service, *SQLiteStore) {
	t.Helper()
	return newSQLiteServiceWithCache(t, nil)
}

func newSQLiteServiceWithCache(t *testing.T, cache ReferenceCache) (*Service, *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "cdss.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	logger := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry())
	resolver := NewResolver(cache, logger, m)
	svc := NewService(store, NewUnitOfWork(store, logger, m), NewAssembler(resolver), logger, m)
	return svc, store
}

func countRows(t *testing.T, store *SQLiteStore, table string) int {
	t.Helper()
	var n int
	require.NoError(t, store.DB().QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n))
	return n
}

var allTables = []string{
	"patient", "address", "contact_details", "occupation", "diagnosis",
	"province", "district", "municipality", "village", "company", "occupation_title",
}

func totalRows(t *testing.T, store *SQLiteStore) int {
	t.Helper()
	n := 0
	for _, table := range allTables {
		n += countRows(t, store, table)
	}
	return n
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	created, err := svc.Intake(ctx, Payload{
		"first_name":    "J",
		"last_name":     "D",
		"gender":        "F",
		"date_of_birth": "05-05-2005",
		"email":         "a@b.com",
		"phone":         "555",
		"address":       "123 St",
		"province":      "P1",
	})
	require.NoError(t, err)

	got, err := svc.GetPatient(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, "J", got.FirstName)
	assert.Equal(t, "D", got.LastName)
	assert.Equal(t, "F", got.Gender)
	assert.True(t, got.DateOfBirth.Equal(time.Date(2005, 5, 5, 0, 0, 0, 0, time.UTC)))
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))

	require.Len(t, got.ContactDetails, 1)
	assert.Equal(t, "a@b.com", *got.ContactDetails[0].Email)
	assert.Equal(t, "555", *got.ContactDetails[0].Phone)

	require.Len(t, got.Addresses, 1)
	addr := got.Addresses[0]
	assert.Equal(t, "123 St", *addr.Address)
	require.NotNil(t, addr.Province)
	assert.Equal(t, "P1", addr.Province.Value)
	assert.Equal(t, created.Addresses[0].Province.ID, addr.Province.ID)
	assert.Nil(t, addr.District)
	assert.Nil(t, addr.Municipality)
	assert.Nil(t, addr.Village)

	assert.Empty(t, got.Occupations)
	assert.Empty(t, got.Diagnoses)
}

func TestSQLiteStore_NullPropagation(t *testing.T) {
	svc, store := newSQLiteService(t)
	ctx := context.Background()

	created, err := svc.Intake(ctx, withFields(validPayload(),
		FieldAddress, "1 Main St", FieldProvince, nil, FieldVillage, " ",
		FieldOccupationDescription, "Farmer", FieldCompany, nil))
	require.NoError(t, err)

	got, err := svc.GetPatient(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Addresses, 1)
	assert.Nil(t, got.Addresses[0].Province)
	assert.Nil(t, got.Addresses[0].Village)
	require.Len(t, got.Occupations, 1)
	assert.Nil(t, got.Occupations[0].Company)
	assert.Nil(t, got.Occupations[0].Title)

	for _, table := range []string{"province", "district", "municipality", "village", "company", "occupation_title"} {
		assert.Zero(t, countRows(t, store, table), "no %s row expected", table)
	}
}

func TestSQLiteStore_ReferenceSharing(t *testing.T) {
	svc, store := newSQLiteService(t)
	ctx := context.Background()

	a, err := svc.Intake(ctx, withFields(validPayload(), FieldAddress, "1 St", FieldProvince, "P1"))
	require.NoError(t, err)
	b, err := svc.Intake(ctx, withFields(validPayload(), FieldFirstName, "Other", FieldAddress, "2 St", FieldProvince, "P1"))
	require.NoError(t, err)

	assert.Equal(t, 1, countRows(t, store, "province"))
	assert.Equal(t, a.Addresses[0].Province.ID, b.Addresses[0].Province.ID)

	var distinct int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(DISTINCT province_id) FROM address`).Scan(&distinct))
	assert.Equal(t, 1, distinct)
}

func TestSQLiteStore_AtomicAssembly(t *testing.T) {
	svc, store := newSQLiteService(t)

	_, err := svc.Intake(context.Background(), withFields(validPayload(),
		FieldAddress, "123 St", FieldProvince, "P1", FieldEmail, "a@b.com",
		FieldDiagnosis, "T2D", FieldDiagnosisAdvent, "2005-13-45"))
	var de *DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, FieldDiagnosisAdvent, de.Field)

	assert.Zero(t, totalRows(t, store))
}

func TestSQLiteStore_DedupIdempotence(t *testing.T) {
	svc, store := newSQLiteService(t)
	ctx := context.Background()
	payload := withFields(validPayload(),
		FieldAddress, "123 St", FieldProvince, "P1", FieldDistrict, "D1",
		FieldOccupationTitle, "Nurse", FieldCompany, "School")

	_, err := svc.Intake(ctx, payload)
	require.NoError(t, err)
	before := map[string]int{}
	for _, table := range allTables {
		before[table] = countRows(t, store, table)
	}

	_, err = svc.Intake(ctx, payload)
	require.NoError(t, err)
	for _, kind := range Kinds {
		assert.Equal(t, before[kind.Name], countRows(t, store, kind.Name), "reference table %s grew", kind.Name)
	}
	assert.Equal(t, before["patient"]+1, countRows(t, store, "patient"))
	assert.Equal(t, before["address"]+1, countRows(t, store, "address"))
	assert.Equal(t, before["occupation"]+1, countRows(t, store, "occupation"))
}

func TestSQLiteStore_ConcurrentIntakes(t *testing.T) {
	svc, store := newSQLiteService(t)
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			_, err := svc.Intake(gctx, withFields(validPayload(),
				FieldFirstName, fmt.Sprintf("P%d", i), FieldAddress, "x", FieldProvince, "Shared"))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 8, countRows(t, store, "patient"))
	assert.Equal(t, 1, countRows(t, store, "province"))
}

func TestSQLiteStore_CascadeDelete(t *testing.T) {
	svc, store := newSQLiteService(t)
	ctx := context.Background()

	p, err := svc.Intake(ctx, withFields(validPayload(),
		FieldAddress, "123 St", FieldProvince, "P1", FieldPhone, "555",
		FieldOccupationDescription, "Nurse", FieldDiagnosis, "T2D"))
	require.NoError(t, err)

	_, err = store.DB().Exec(`DELETE FROM patient WHERE id = ?`, p.ID.String())
	require.NoError(t, err)

	for _, table := range []string{"address", "contact_details", "occupation", "diagnosis"} {
		assert.Zero(t, countRows(t, store, table), "%s rows should cascade", table)
	}
	assert.Equal(t, 1, countRows(t, store, "province"), "reference rows outlive patients")
}

func TestSQLiteStore_ReferenceDeleteRestricted(t *testing.T) {
	svc, store := newSQLiteService(t)
	p, err := svc.Intake(context.Background(), withFields(validPayload(), FieldAddress, "1 St", FieldProvince, "P1"))
	require.NoError(t, err)

	_, err = store.DB().Exec(`DELETE FROM province WHERE id = ?`, p.Addresses[0].Province.ID.String())
	assert.Error(t, err)
}

func TestSQLiteStore_DuplicateReferenceInsert(t *testing.T) {
	_, store := newSQLiteService(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	first := &Reference{ID: newID(), Kind: KindVillage, Value: "V1", CreatedAt: time.Now().UTC()}
	require.NoError(t, tx.InsertReference(ctx, first))

	dup := &Reference{ID: newID(), Kind: KindVillage, Value: "V1", CreatedAt: time.Now().UTC()}
	var ie *IntegrityError
	require.ErrorAs(t, tx.InsertReference(ctx, dup), &ie)

	// The transaction survives the skipped insert.
	found, err := tx.FindReferences(ctx, KindVillage, "V1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, first.ID, found[0].ID)
}

func TestSQLiteStore_IntegrityViolation(t *testing.T) {
	_, store := newSQLiteService(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	orphan := &Diagnosis{ID: newID(), PatientID: newID(), Diagnosis: "x", CreatedAt: time.Now().UTC()}
	var ie *IntegrityError
	assert.ErrorAs(t, tx.InsertDiagnosis(ctx, orphan), &ie)
}

func TestSQLiteStore_AppendAndLatest(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	_, err := svc.LatestPatient(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Intake(ctx, validPayload())
	require.NoError(t, err)
	second, err := svc.Intake(ctx, withFields(validPayload(), FieldFirstName, "Second"))
	require.NoError(t, err)

	latest, err := svc.LatestPatient(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = svc.Append(ctx, second.ID, Payload{FieldDiagnosis: "Hypertension", FieldDiagnosisAdvent: "2019-06-01"})
	require.NoError(t, err)

	got, err := svc.GetPatient(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, got.Diagnoses, 1)
	require.NotNil(t, got.Diagnoses[0].Advent)
	assert.True(t, got.Diagnoses[0].Advent.Equal(time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSQLiteStore_StaleCacheEntry(t *testing.T) {
	cache := newFakeCache()
	svc, store := newSQLiteServiceWithCache(t, cache)
	ctx := context.Background()
	// An id left over from another database.
	require.NoError(t, cache.Put(ctx, KindProvince, "P1", newID()))

	payload := Payload{
		"first_name":    "J",
		"last_name":     "D",
		"gender":        "F",
		"date_of_birth": "2005-05-05",
		"address":       "123 St",
		"province":      "P1",
	}
	first, err := svc.Intake(ctx, payload)
	require.NoError(t, err)
	second, err := svc.Intake(ctx, payload)
	require.NoError(t, err)

	assert.Equal(t, first.Addresses[0].Province.ID, second.Addresses[0].Province.ID)
	assert.Equal(t, 1, countRows(t, store, "province"))
	assert.Equal(t, 2, countRows(t, store, "address"))
}
