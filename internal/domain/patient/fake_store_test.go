package patient

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zencdss/cdss/internal/platform/metrics"
)

// fakeStore is an in-memory Store. Writes are buffered per transaction and
// applied on commit.
type fakeStore struct {
	mu sync.Mutex

	refs        map[Kind][]*Reference
	patients    []*Patient
	addresses   []*Address
	contacts    []*ContactDetails
	occupations []*Occupation
	diagnoses   []*Diagnosis

	begins, commits, rollbacks, finds, checks int

	beginErr error
	// failInsert makes the insert of the named table fail with the error.
	failInsert map[string]error
	// onInsertReference runs before every reference insert; a non-nil error
	// is returned from the insert.
	onInsertReference func(ref *Reference) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{refs: make(map[Kind][]*Reference), failInsert: make(map[string]error)}
}

// seed commits a reference row directly, as a concurrent writer would.
func (s *fakeStore) seed(kind Kind, value string) *Reference {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := &Reference{ID: newID(), Kind: kind, Value: value}
	s.refs[kind] = append(s.refs[kind], ref)
	return ref
}

func (s *fakeStore) refCount(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs[kind])
}

func (s *fakeStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.patients) + len(s.addresses) + len(s.contacts) + len(s.occupations) + len(s.diagnoses)
	for _, refs := range s.refs {
		n += len(refs)
	}
	return n
}

func (s *fakeStore) Begin(context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	s.begins++
	return &fakeTx{s: s}, nil
}

func (s *fakeStore) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) LatestPatient(context.Context) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.patients) == 0 {
		return nil, ErrNotFound
	}
	return s.patients[len(s.patients)-1], nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     {}

type fakeTx struct {
	s *fakeStore

	refs        []*Reference
	patients    []*Patient
	addresses   []*Address
	contacts    []*ContactDetails
	occupations []*Occupation
	diagnoses   []*Diagnosis
	done        bool
}

func (t *fakeTx) FindReferences(_ context.Context, kind Kind, value string) ([]*Reference, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.finds++
	var matches []*Reference
	all := append(append([]*Reference{}, t.s.refs[kind]...), t.refs...)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Kind == kind && all[i].Value == value {
			cp := *all[i]
			matches = append(matches, &cp)
		}
	}
	return matches, nil
}

func (t *fakeTx) InsertReference(_ context.Context, ref *Reference) error {
	if hook := t.s.onInsertReference; hook != nil {
		if err := hook(ref); err != nil {
			return err
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, r := range append(append([]*Reference{}, t.s.refs[ref.Kind]...), t.refs...) {
		if r.Kind == ref.Kind && r.Value == ref.Value {
			return &IntegrityError{Entity: ref.Kind.Name, Value: ref.Value, Err: errDuplicate}
		}
	}
	cp := *ref
	t.refs = append(t.refs, &cp)
	return nil
}

func (t *fakeTx) ReferenceExists(_ context.Context, ref *Reference) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.checks++
	for _, r := range append(append([]*Reference{}, t.s.refs[ref.Kind]...), t.refs...) {
		if r.ID == ref.ID && r.Value == ref.Value {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTx) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, p := range t.s.patients {
		if p.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTx) fail(table string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.failInsert[table]
}

func (t *fakeTx) InsertPatient(_ context.Context, p *Patient) error {
	if err := t.fail("patient"); err != nil {
		return err
	}
	t.patients = append(t.patients, p)
	return nil
}

func (t *fakeTx) InsertAddress(_ context.Context, a *Address) error {
	if err := t.fail("address"); err != nil {
		return err
	}
	t.addresses = append(t.addresses, a)
	return nil
}

func (t *fakeTx) InsertContactDetails(_ context.Context, c *ContactDetails) error {
	if err := t.fail("contact_details"); err != nil {
		return err
	}
	t.contacts = append(t.contacts, c)
	return nil
}

func (t *fakeTx) InsertOccupation(_ context.Context, o *Occupation) error {
	if err := t.fail("occupation"); err != nil {
		return err
	}
	t.occupations = append(t.occupations, o)
	return nil
}

func (t *fakeTx) InsertDiagnosis(_ context.Context, d *Diagnosis) error {
	if err := t.fail("diagnosis"); err != nil {
		return err
	}
	t.diagnoses = append(t.diagnoses, d)
	return nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return errors.New("tx already closed")
	}
	t.done = true
	t.s.commits++
	for _, r := range t.refs {
		t.s.refs[r.Kind] = append(t.s.refs[r.Kind], r)
	}
	t.s.patients = append(t.s.patients, t.patients...)
	t.s.addresses = append(t.s.addresses, t.addresses...)
	t.s.contacts = append(t.s.contacts, t.contacts...)
	t.s.occupations = append(t.s.occupations, t.occupations...)
	t.s.diagnoses = append(t.s.diagnoses, t.diagnoses...)
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.s.rollbacks++
	return nil
}

// fakeCache is an in-memory ReferenceCache.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]uuid.UUID
	getErr  error
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]uuid.UUID)}
}

func (c *fakeCache) Get(_ context.Context, kind Kind, value string) (uuid.UUID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return uuid.Nil, false, c.getErr
	}
	id, ok := c.entries[referenceKey(kind, value)]
	return id, ok, nil
}

func (c *fakeCache) Put(_ context.Context, kind Kind, value string, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.entries[referenceKey(kind, value)] = id
	return nil
}

type testEnv struct {
	store     *fakeStore
	metrics   *metrics.Intake
	uow       *UnitOfWork
	resolver  *Resolver
	assembler *Assembler
	svc       *Service
}

func newTestEnv(cache ReferenceCache, opts ...AssemblerOption) *testEnv {
	store := newFakeStore()
	m := metrics.New(prometheus.NewRegistry())
	logger := zerolog.Nop()
	env := &testEnv{store: store, metrics: m}
	env.uow = NewUnitOfWork(store, logger, m)
	env.resolver = NewResolver(cache, logger, m)
	env.assembler = NewAssembler(env.resolver, opts...)
	env.svc = NewService(store, env.uow, env.assembler, logger, m)
	return env
}

func strPtr(s string) *string { return &s }

func validPayload() Payload {
	return Payload{
		FieldFirstName:   "Jane",
		FieldLastName:    "Doe",
		FieldGender:      "female",
		FieldDateOfBirth: "2005-05-05",
	}
}

func withFields(p Payload, kv ...any) Payload {
	out := Payload{}
	for k, v := range p {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}
