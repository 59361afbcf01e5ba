// Package allocator assigns visitors to funnel variants by weighted random
// draw and manages the variant lifecycle around a test round.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/metrics"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

// Source yields uniform values in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

type Allocator struct {
	store   store.Store
	rand    Source
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Allocator)

// WithSource replaces the goroutine-safe global generator. Sources that are
// not safe for concurrent use must not be shared across requests.
func WithSource(src Source) Option {
	return func(a *Allocator) { a.rand = src }
}

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

func New(s store.Store, opts ...Option) *Allocator {
	a := &Allocator{
		store:  s,
		rand:   globalSource{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "allocator")
	return a
}

// Assign draws one active variant of the funnel, weighted by traffic
// percentage, and counts the visitor against it. Once a winner has been
// declared and no variant is active, every visitor gets the winner.
func (a *Allocator) Assign(ctx context.Context, tenantID, funnelID string) (*store.Variant, error) {
	variants, err := a.store.ListVariants(ctx, tenantID, funnelID)
	if err != nil {
		return nil, err
	}

	chosen := Pick(variants, a.rand)
	if chosen == nil {
		return nil, fmt.Errorf("funnel %s has no active variant: %w", funnelID, store.ErrNotFound)
	}

	if err := a.store.IncrementVariantVisitors(ctx, tenantID, chosen.ID); err != nil {
		return nil, err
	}
	chosen.Visitors++
	a.metrics.Allocated(tenantID, chosen.Key)
	a.logger.Debug("visitor allocated", "tenant", tenantID, "funnel", funnelID, "variant", chosen.Key)
	return chosen, nil
}

// Pick selects from variants, which must be in stable order. Active
// variants are drawn by weight; a draw that drifts past the last weight
// returns the last variant with a positive weight. When every weight is
// zero the draw is uniform. Without active variants the declared
// winner is returned, or nil.
func Pick(variants []*store.Variant, src Source) *store.Variant {
	var active []*store.Variant
	var winner *store.Variant
	total := 0.0
	for _, v := range variants {
		switch v.Status {
		case store.VariantActive:
			active = append(active, v)
			if v.TrafficPercentage > 0 {
				total += v.TrafficPercentage
			}
		case store.VariantWinner:
			winner = v
		}
	}

	if len(active) == 0 {
		return winner
	}
	if total <= 0 {
		// Every weight is zero: fall back to a uniform draw.
		return active[int(src.Float64()*float64(len(active)))%len(active)]
	}

	remainder := src.Float64() * total
	var last *store.Variant
	for _, v := range active {
		if v.TrafficPercentage <= 0 {
			continue
		}
		last = v
		remainder -= v.TrafficPercentage
		if remainder <= 0 {
			return v
		}
	}
	return last
}

// DeclareWinner ends the round: the variant becomes the winner and every
// other active variant is paused. Declaring the same winner again is a no-op.
func (a *Allocator) DeclareWinner(ctx context.Context, tenantID, funnelID, variantID string) (*store.Variant, error) {
	v, err := a.store.DeclareWinner(ctx, tenantID, funnelID, variantID, a.now())
	if err != nil {
		return nil, err
	}
	a.logger.Info("winner declared", "tenant", tenantID, "funnel", funnelID, "variant", v.Key)
	return v, nil
}

// DeleteVariant removes a challenger. The control cannot be deleted.
func (a *Allocator) DeleteVariant(ctx context.Context, tenantID, funnelID, variantID string) error {
	if err := a.store.DeleteVariant(ctx, tenantID, funnelID, variantID); err != nil {
		return err
	}
	a.logger.Info("variant deleted", "tenant", tenantID, "funnel", funnelID, "variant", variantID)
	return nil
}
