package lifecycle

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/observability"
)

// SweepAbandoned cancels purchases left pending longer than PendingTTL and
// releases their held units. It returns how many it cancelled; purchases
// settled concurrently are skipped.
func (m *Manager) SweepAbandoned(ctx context.Context, now time.Time) (int, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.SweepAbandoned")
	defer span.End()

	stale, err := m.purchases.ListStalePending(ctx, now.Add(-m.opts.PendingTTL), m.opts.SweepBatch)
	if err != nil {
		return 0, domain.Persistence(err, "list stale purchases")
	}

	var (
		swept int
		errs  error
	)
	for _, p := range stale {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		res, err := m.Cancel(ctx, p.ID)
		switch {
		case errors.Is(err, domain.ErrNotPending):
			continue
		case err != nil:
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if res.Transitioned {
			swept++
			observability.SweptPurchases.Inc()
		}
	}
	if swept > 0 {
		m.logger.WithField("count", swept).Info("abandoned purchases cancelled")
	}
	return swept, errs
}
