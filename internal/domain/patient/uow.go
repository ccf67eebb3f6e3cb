package patient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zencdss/cdss/internal/platform/metrics"
)

// UnitOfWork runs a group of staged changes against one transaction.
type UnitOfWork struct {
	store   Store
	logger  zerolog.Logger
	metrics *metrics.Intake
	now     func() time.Time
}

func NewUnitOfWork(store Store, logger zerolog.Logger, m *metrics.Intake) *UnitOfWork {
	return &UnitOfWork{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithScope runs fn inside a scope. With a nil existing scope a transaction is
// opened, fn runs, staged changes are flushed and the transaction commits. Any
// error or panic rolls everything back; the panic is re-raised. With a
// non-nil existing scope fn joins it and the owner of that scope commits.
func (u *UnitOfWork) WithScope(ctx context.Context, existing *Scope, fn func(*Scope) error) error {
	if existing != nil {
		return fn(existing)
	}

	tx, err := u.store.Begin(ctx)
	if err != nil {
		return err
	}
	scope := newScope(tx)

	done := false
	defer func() {
		if done {
			return
		}
		u.rollback(ctx, tx)
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(scope); err != nil {
		return err
	}
	if err := u.flush(ctx, scope); err != nil {
		return err
	}
	// A failed commit ends the transaction in both drivers.
	done = true
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, hook := range scope.onCommit {
		hook(ctx)
	}
	return nil
}

func (u *UnitOfWork) rollback(ctx context.Context, tx Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		u.logger.Warn().Err(err).Msg("rollback failed")
	}
}

// Scope is the state of one open unit of work: its transaction, an identity
// map of references resolved so far and the changes staged for flush.
type Scope struct {
	tx         Tx
	refs       map[refKey]*Reference
	pending    []*Reference
	aggregates []*Patient
	onCommit   []func(context.Context)
}

type refKey struct {
	kind  Kind
	value string
}

func newScope(tx Tx) *Scope {
	return &Scope{tx: tx, refs: make(map[refKey]*Reference)}
}

// Tx returns the scope's transaction.
func (s *Scope) Tx() Tx { return s.tx }

// Add stages a patient aggregate. Rows of the aggregate with a zero ID are
// inserted at flush; rows already persisted are left alone.
func (s *Scope) Add(p *Patient) {
	for _, existing := range s.aggregates {
		if existing == p {
			return
		}
	}
	s.aggregates = append(s.aggregates, p)
}

// OnCommit registers fn to run after a successful commit.
func (s *Scope) OnCommit(fn func(context.Context)) {
	s.onCommit = append(s.onCommit, fn)
}

func (s *Scope) lookup(kind Kind, value string) *Reference {
	return s.refs[refKey{kind, value}]
}

func (s *Scope) remember(ref *Reference) {
	s.refs[refKey{ref.Kind, ref.Value}] = ref
}

func (s *Scope) stage(ref *Reference) {
	s.remember(ref)
	s.pending = append(s.pending, ref)
}

// flush writes staged references first, in the order they were resolved, then
// each aggregate root before its dependents.
func (u *UnitOfWork) flush(ctx context.Context, s *Scope) error {
	for _, ref := range s.pending {
		if err := u.persistReference(ctx, s, ref); err != nil {
			return err
		}
	}
	for _, p := range s.aggregates {
		if err := u.flushPatient(ctx, s, p); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) flushPatient(ctx context.Context, s *Scope, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = newID()
		p.CreatedAt = u.now()
		if err := s.tx.InsertPatient(ctx, p); err != nil {
			return err
		}
	}
	for _, a := range p.Addresses {
		if a.ID != uuid.Nil {
			continue
		}
		for _, ref := range []*Reference{a.Village, a.Municipality, a.District, a.Province} {
			if err := u.persistReference(ctx, s, ref); err != nil {
				return err
			}
		}
		a.ID, a.PatientID, a.CreatedAt = newID(), p.ID, u.now()
		if err := s.tx.InsertAddress(ctx, a); err != nil {
			return err
		}
	}
	for _, c := range p.ContactDetails {
		if c.ID != uuid.Nil {
			continue
		}
		c.ID, c.PatientID, c.CreatedAt = newID(), p.ID, u.now()
		if err := s.tx.InsertContactDetails(ctx, c); err != nil {
			return err
		}
	}
	for _, o := range p.Occupations {
		if o.ID != uuid.Nil {
			continue
		}
		for _, ref := range []*Reference{o.Title, o.Company} {
			if err := u.persistReference(ctx, s, ref); err != nil {
				return err
			}
		}
		o.ID, o.PatientID, o.CreatedAt = newID(), p.ID, u.now()
		if err := s.tx.InsertOccupation(ctx, o); err != nil {
			return err
		}
	}
	for _, d := range p.Diagnoses {
		if d.ID != uuid.Nil {
			continue
		}
		d.ID, d.PatientID, d.CreatedAt = newID(), p.ID, u.now()
		if err := s.tx.InsertDiagnosis(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// persistReference inserts a staged reference. When a concurrent unit of work
// committed the same value first, the winner's row is adopted in place so
// every dependent already pointing at ref gets the winner's id. If the winner
// cannot be found the insert is retried once before the conflict escalates.
func (u *UnitOfWork) persistReference(ctx context.Context, s *Scope, ref *Reference) error {
	if ref == nil || ref.Persisted() {
		return nil
	}
	for attempt := 0; ; attempt++ {
		ref.ID, ref.CreatedAt = newID(), u.now()
		err := s.tx.InsertReference(ctx, ref)
		if err == nil {
			return nil
		}
		ref.ID, ref.CreatedAt = uuid.Nil, time.Time{}

		var integrity *IntegrityError
		if !errors.As(err, &integrity) {
			return err
		}
		winners, findErr := s.tx.FindReferences(ctx, ref.Kind, ref.Value)
		if findErr != nil {
			return findErr
		}
		if len(winners) > 0 {
			ref.ID, ref.CreatedAt = winners[0].ID, winners[0].CreatedAt
			u.logger.Warn().
				Str("kind", ref.Kind.Name).
				Str("value", ref.Value).
				Str("id", ref.ID.String()).
				Msg("reference inserted concurrently; adopting existing row")
			u.metrics.ObserveConflict(ref.Kind.Name, metrics.ConflictAdopted)
			return nil
		}
		if attempt > 0 {
			u.metrics.ObserveConflict(ref.Kind.Name, metrics.ConflictEscalated)
			return err
		}
		u.metrics.ObserveConflict(ref.Kind.Name, metrics.ConflictRetried)
	}
}
