package patient

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zencdss/cdss/internal/platform/metrics"
)

// Resolver maps a reference value to the shared row holding it, staging a new
// row when none exists.
type Resolver struct {
	cache   ReferenceCache
	logger  zerolog.Logger
	metrics *metrics.Intake
}

// NewResolver returns a resolver. cache may be nil.
func NewResolver(cache ReferenceCache, logger zerolog.Logger, m *metrics.Intake) *Resolver {
	return &Resolver{cache: cache, logger: logger, metrics: m}
}

// ResolveOrCreate returns the reference of kind holding value. A nil value
// yields nil without touching storage. Lookups go identity map, cache, then
// the scope's transaction. A cached id is used only once the transaction
// confirms the row still exists. When several rows match, the most recently
// inserted one wins and the duplication is logged. When none match, a new
// reference is staged in scope and inserted when the scope flushes.
func (r *Resolver) ResolveOrCreate(ctx context.Context, scope *Scope, kind Kind, value *string) (*Reference, error) {
	if value == nil {
		return nil, nil
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown reference kind %q", kind.Name)
	}
	if ref := scope.lookup(kind, *value); ref != nil {
		return ref, nil
	}
	if ref := r.cached(ctx, kind, *value); ref != nil {
		ok, err := scope.Tx().ReferenceExists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			scope.remember(ref)
			r.metrics.ObserveResolution(kind.Name, metrics.ResolutionCached)
			return ref, nil
		}
		r.logger.Warn().
			Str("kind", kind.Name).
			Str("value", *value).
			Str("id", ref.ID.String()).
			Msg("cached reference not in store; resolving again")
		r.metrics.ObserveResolution(kind.Name, metrics.ResolutionStale)
	}

	matches, err := scope.Tx().FindReferences(ctx, kind, *value)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		ref := &Reference{Kind: kind, Value: *value}
		scope.stage(ref)
		scope.OnCommit(func(ctx context.Context) { r.remember(ctx, ref) })
		r.metrics.ObserveResolution(kind.Name, metrics.ResolutionCreated)
		return ref, nil
	case 1:
		r.metrics.ObserveResolution(kind.Name, metrics.ResolutionFound)
	default:
		r.logger.Warn().
			Str("kind", kind.Name).
			Str("value", *value).
			Int("count", len(matches)).
			Msg("duplicate reference rows; using most recent")
		r.metrics.ObserveResolution(kind.Name, metrics.ResolutionAmbiguous)
	}
	ref := matches[0]
	ref.Kind = kind
	scope.remember(ref)
	r.remember(ctx, ref)
	return ref, nil
}

func (r *Resolver) cached(ctx context.Context, kind Kind, value string) *Reference {
	if r.cache == nil {
		return nil
	}
	id, ok, err := r.cache.Get(ctx, kind, value)
	if err != nil {
		r.logger.Warn().Err(err).Str("kind", kind.Name).Msg("reference cache get failed")
		return nil
	}
	if !ok {
		return nil
	}
	return &Reference{ID: id, Kind: kind, Value: value}
}

func (r *Resolver) remember(ctx context.Context, ref *Reference) {
	if r.cache == nil || !ref.Persisted() {
		return
	}
	if err := r.cache.Put(ctx, ref.Kind, ref.Value, ref.ID); err != nil {
		r.logger.Warn().Err(err).Str("kind", ref.Kind.Name).Msg("reference cache put failed")
	}
}
