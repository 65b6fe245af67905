package reconcile

import (
	"context"
	"time"
)

// RunPoller reconciles every open charge each interval, so a charge is
// settled even when neither the webhook nor the client poll arrives.
func (e *Engine) RunPoller(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.log.WithField("interval", e.pollInterval).Info("charge poller started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info("charge poller stopped")
			return nil
		case <-ticker.C:
			if _, err := e.PollOpen(ctx); err != nil && ctx.Err() == nil {
				e.log.WithError(err).Error("poll open charges")
			}
		}
	}
}

// PollOpen reconciles one batch of open charges and reports how many it
// finalized. Errors on single charges are logged and skipped.
func (e *Engine) PollOpen(ctx context.Context) (int, error) {
	charges, err := e.store.ListOpenCharges(ctx, e.pollBatch)
	if err != nil {
		return 0, err
	}
	finalized := 0
	for _, charge := range charges {
		if ctx.Err() != nil {
			return finalized, ctx.Err()
		}
		res, err := e.settle(ctx, charge.ID, PathPoller)
		if err != nil {
			e.log.WithError(err).WithField("charge_id", charge.ID).Warn("reconcile charge")
			continue
		}
		if res.Applied != nil {
			finalized++
		}
	}
	return finalized, nil
}
