package session

import (
	"context"
	"errors"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

// Policy decides when an idle active session is closed.
type Policy struct {
	// BounceWindow applies to sessions with a single page view.
	BounceWindow time.Duration
	// AbandonTimeout applies to sessions with more than one page view.
	AbandonTimeout time.Duration
	// BatchSize caps the sessions examined per sweep.
	BatchSize int
}

func DefaultPolicy() Policy {
	return Policy{BounceWindow: 30 * time.Minute, AbandonTimeout: 30 * time.Minute, BatchSize: 1000}
}

type SweepResult struct {
	Examined  int `json:"examined"`
	Bounced   int `json:"bounced"`
	Abandoned int `json:"abandoned"`
}

// Sweep closes idle active sessions of every tenant: one page view and no
// activity within BounceWindow is a bounce, more than one page view and no
// activity within AbandonTimeout is an abandonment. Sessions that left the
// active state concurrently are skipped.
func (t *Tracker) Sweep(ctx context.Context, policy Policy) (SweepResult, error) {
	var res SweepResult
	if policy.BatchSize <= 0 {
		policy.BatchSize = DefaultPolicy().BatchSize
	}

	now := t.Now()
	idleFor := min(policy.BounceWindow, policy.AbandonTimeout)
	idle, err := t.store.ListIdleSessions(ctx, now.Add(-idleFor), policy.BatchSize)
	if err != nil {
		return res, err
	}

	for _, sess := range idle {
		res.Examined++
		quiet := now.Sub(sess.LastActivityAt)

		var err error
		switch {
		case sess.TotalPageViews <= 1 && quiet >= policy.BounceWindow:
			if err = t.MarkBounced(ctx, sess.TenantID, sess.ID); err == nil {
				res.Bounced++
			}
		case sess.TotalPageViews > 1 && quiet >= policy.AbandonTimeout:
			if err = t.MarkAbandoned(ctx, sess.TenantID, sess.ID); err == nil {
				res.Abandoned++
			}
		}
		if err != nil && !errors.Is(err, store.ErrInvalidState) {
			return res, err
		}
	}

	if res.Bounced+res.Abandoned > 0 {
		t.logger.Info("idle sessions closed", "bounced", res.Bounced, "abandoned", res.Abandoned)
	}
	return res, nil
}
