package patient

import (
	"context"

	"github.com/google/uuid"
)

// Store opens transactions and reads finished aggregates.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	LatestPatient(ctx context.Context) (*Patient, error)
	Ping(ctx context.Context) error
	Close()
}

// Tx is one open transaction. It holds a single connection until Commit or
// Rollback. Insert methods expect ID and CreatedAt to be set by the caller.
type Tx interface {
	// FindReferences returns rows of kind whose attribute equals value,
	// most recently inserted first.
	FindReferences(ctx context.Context, kind Kind, value string) ([]*Reference, error)
	// InsertReference returns *IntegrityError, without aborting the
	// transaction, when the value already exists.
	InsertReference(ctx context.Context, ref *Reference) error
	// ReferenceExists reports whether the row with ref's ID still holds
	// ref's value.
	ReferenceExists(ctx context.Context, ref *Reference) (bool, error)

	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	InsertPatient(ctx context.Context, p *Patient) error
	InsertAddress(ctx context.Context, a *Address) error
	InsertContactDetails(ctx context.Context, c *ContactDetails) error
	InsertOccupation(ctx context.Context, o *Occupation) error
	InsertDiagnosis(ctx context.Context, d *Diagnosis) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ReferenceCache remembers ids of committed reference rows. Reference rows are
// never deleted, so a cached id stays valid.
type ReferenceCache interface {
	Get(ctx context.Context, kind Kind, value string) (uuid.UUID, bool, error)
	Put(ctx context.Context, kind Kind, value string, id uuid.UUID) error
}
