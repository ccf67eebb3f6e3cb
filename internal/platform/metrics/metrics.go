package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution outcomes recorded by ObserveResolution.
const (
	ResolutionFound     = "found"
	ResolutionCreated   = "created"
	ResolutionCached    = "cached"
	ResolutionAmbiguous = "ambiguous"
	ResolutionStale     = "stale"
)

// Conflict outcomes recorded by ObserveConflict.
const (
	ConflictAdopted   = "adopted"
	ConflictRetried   = "retried"
	ConflictEscalated = "escalated"
)

// Intake provides observability for patient intake.
// Tracks intake outcomes, reference resolution and dedup races.
// A nil *Intake is valid and records nothing.
type Intake struct {
	IntakeTotal         *prometheus.CounterVec
	IntakeDuration      prometheus.Histogram
	ReferenceResolution *prometheus.CounterVec
	ReferenceConflicts  *prometheus.CounterVec
}

// New registers the intake metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Intake {
	f := promauto.With(reg)
	return &Intake{
		IntakeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdss_patient_intake_total",
			Help: "Patient intake units of work by outcome",
		}, []string{"outcome"}),
		IntakeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdss_patient_intake_duration_seconds",
			Help:    "Duration of a patient intake unit of work",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ReferenceResolution: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdss_reference_resolution_total",
			Help: "Reference lookups by kind and result (found, created, cached, ambiguous, stale)",
		}, []string{"kind", "result"}),
		ReferenceConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdss_reference_conflicts_total",
			Help: "Reference inserts that lost a uniqueness race, by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

// ObserveIntake records the outcome and duration of one intake.
// Call with time.Now() at the start of the operation.
func (m *Intake) ObserveIntake(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.IntakeTotal.WithLabelValues(outcome).Inc()
	m.IntakeDuration.Observe(time.Since(start).Seconds())
}

func (m *Intake) ObserveResolution(kind, result string) {
	if m == nil {
		return
	}
	m.ReferenceResolution.WithLabelValues(kind, result).Inc()
}

func (m *Intake) ObserveConflict(kind, outcome string) {
	if m == nil {
		return
	}
	m.ReferenceConflicts.WithLabelValues(kind, outcome).Inc()
}
