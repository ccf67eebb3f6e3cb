package patient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zencdss/cdss/internal/platform/metrics"
)

// Intake outcomes recorded in metrics.
const (
	OutcomeCommitted  = "committed"
	OutcomeRejected   = "rejected"
	OutcomeRolledBack = "rolled_back"
)

type Service struct {
	store     Store
	uow       *UnitOfWork
	assembler *Assembler
	logger    zerolog.Logger
	metrics   *metrics.Intake
}

func NewService(store Store, uow *UnitOfWork, assembler *Assembler, logger zerolog.Logger, m *metrics.Intake) *Service {
	return &Service{store: store, uow: uow, assembler: assembler, logger: logger, metrics: m}
}

// Intake assembles and persists one patient in a single unit of work. Either
// every row derived from p is committed or none is.
func (s *Service) Intake(ctx context.Context, p Payload) (*Patient, error) {
	start := time.Now()
	if err := ValidatePayload(p); err != nil {
		s.metrics.ObserveIntake(OutcomeRejected, start)
		return nil, err
	}

	var patient *Patient
	err := s.uow.WithScope(ctx, nil, func(scope *Scope) error {
		var err error
		patient, err = s.assembler.Assemble(ctx, scope, p)
		return err
	})
	if err != nil {
		outcome := failureOutcome(err)
		s.metrics.ObserveIntake(outcome, start)
		s.logger.Warn().Err(err).Str("outcome", outcome).Msg("patient intake failed")
		return nil, err
	}

	s.metrics.ObserveIntake(OutcomeCommitted, start)
	s.logger.Info().
		Str("patient_id", patient.ID.String()).
		Dur("duration", time.Since(start)).
		Msg("patient intake committed")
	return patient, nil
}

// Append adds the sub-records carried by p to an existing patient. The
// returned patient holds only the rows added.
func (s *Service) Append(ctx context.Context, patientID uuid.UUID, p Payload) (*Patient, error) {
	if err := validateDependents(p); err != nil {
		return nil, err
	}
	patient := &Patient{ID: patientID}
	err := s.uow.WithScope(ctx, nil, func(scope *Scope) error {
		ok, err := scope.Tx().PatientExists(ctx, patientID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		added, err := s.assembler.AssembleRecords(ctx, scope, p, patient)
		if err != nil {
			return err
		}
		if added == 0 {
			return &ValidationError{Field: "address, email, phone, occupation or diagnosis"}
		}
		scope.Add(patient)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", patientID.String()).Msg("patient records appended")
	return patient, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.store.GetPatient(ctx, id)
}

// LatestPatient returns the most recently registered patient.
func (s *Service) LatestPatient(ctx context.Context) (*Patient, error) {
	return s.store.LatestPatient(ctx)
}

func failureOutcome(err error) string {
	var validation *ValidationError
	var domain *DomainError
	if errors.As(err, &validation) || errors.As(err, &domain) {
		return OutcomeRejected
	}
	return OutcomeRolledBack
}
