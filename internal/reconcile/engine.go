// Package reconcile applies provider-confirmed payment outcomes to the
// ledger. Webhook pushes, client polls, the background poller and explicit
// cancels all converge on ledger.Finalize, which applies each charge's
// outcome once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/events"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/metrics"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/farellandr/rifapix/internal/notify"
	"github.com/farellandr/rifapix/internal/payment"
	"github.com/sirupsen/logrus"
)

type Path string

const (
	PathWebhook Path = "webhook"
	PathPoll    Path = "poll"
	PathPoller  Path = "poller"
	PathCancel  Path = "cancel"
)

type Options struct {
	Store    ledger.Store
	Provider payment.Provider
	Feed     events.Feed
	Notifier notify.Notifier
	Clock    clock.Clock
	Log      logrus.FieldLogger
	Metrics  *metrics.Metrics
	// PollInterval and PollBatch drive the background poller.
	PollInterval time.Duration
	PollBatch    int
}

type Engine struct {
	store        ledger.Store
	provider     payment.Provider
	feed         events.Feed
	notifier     notify.Notifier
	clock        clock.Clock
	log          logrus.FieldLogger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	pollBatch    int
	// orphans holds charge IDs already reported through OrphanPayment.
	orphans sync.Map
}

func NewEngine(opts Options) *Engine {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Second
	}
	if opts.PollBatch == 0 {
		opts.PollBatch = 100
	}
	return &Engine{
		store:        opts.Store,
		provider:     opts.Provider,
		feed:         opts.Feed,
		notifier:     opts.Notifier,
		clock:        opts.Clock,
		log:          opts.Log,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		pollBatch:    opts.PollBatch,
	}
}

// Result is the state of a charge after reconciliation.
type Result struct {
	Charge *models.Charge
	// Provider is the status the provider reported, empty when it was not
	// asked because the charge was already settled.
	Provider payment.Status
	// Applied is set when this call finalized the charge.
	Applied *ledger.FinalizeResult
}

func (r *Result) Paid() bool {
	return r.Charge.Status == models.ChargeConfirmed
}

func (r *Result) Expired() bool {
	return r.Charge.Status == models.ChargeExpired
}

// HandleNotification processes a provider push. The pushed status is only
// logged; the provider is always asked for the authoritative one.
func (e *Engine) HandleNotification(ctx context.Context, chargeID, hinted string) (*Result, error) {
	e.log.WithFields(logrus.Fields{"charge_id": chargeID, "hinted_status": hinted}).Debug("payment notification received")
	return e.settle(ctx, chargeID, PathWebhook)
}

// Poll answers a client status check, finalizing the charge if the provider
// reports a terminal status.
func (e *Engine) Poll(ctx context.Context, chargeID string) (*Result, error) {
	return e.settle(ctx, chargeID, PathPoll)
}

// Cancel closes an open charge on the holder's request. A charge the
// provider already reports as paid is confirmed instead. Cancelling a charge
// whose window has elapsed returns ErrExpiredCharge alongside the result.
func (e *Engine) Cancel(ctx context.Context, chargeID, holder string) (*Result, error) {
	charge, err := e.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if charge.Holder != holder {
		return nil, ledger.ErrNotHolder
	}
	if charge.FinalizedAt != nil {
		return expiredResult(&Result{Charge: charge})
	}

	status, err := e.providerStatus(ctx, charge)
	if err != nil {
		return nil, err
	}
	outcome := ledger.OutcomeCancelled
	switch {
	case status == payment.StatusPaid:
		outcome = ledger.OutcomeConfirmed
	case status == payment.StatusExpired || charge.Expired(e.clock.Now()):
		outcome = ledger.OutcomeExpired
	}
	res, err := e.finalize(ctx, charge, status, outcome, PathCancel)
	if err != nil {
		return nil, err
	}
	return expiredResult(res)
}

func expiredResult(res *Result) (*Result, error) {
	if res.Charge.Status == models.ChargeExpired {
		return res, ledger.ErrExpiredCharge
	}
	return res, nil
}

func (e *Engine) settle(ctx context.Context, chargeID string, path Path) (*Result, error) {
	charge, err := e.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if charge.FinalizedAt != nil {
		if (path == PathWebhook || path == PathPoll) && charge.Status != models.ChargeConfirmed {
			e.checkOrphan(ctx, charge)
		}
		return &Result{Charge: charge}, nil
	}

	status, err := e.providerStatus(ctx, charge)
	if err != nil {
		return nil, err
	}
	outcome, terminal := outcomeFor(status)
	if !terminal && charge.Expired(e.clock.Now()) {
		outcome, terminal = ledger.OutcomeExpired, true
	}
	if !terminal {
		return &Result{Charge: charge, Provider: status}, nil
	}
	return e.finalize(ctx, charge, status, outcome, path)
}

// providerStatus asks the provider about charge. A charge the provider never
// saw is reported open so that it lapses with its own window.
func (e *Engine) providerStatus(ctx context.Context, charge *models.Charge) (payment.Status, error) {
	status, err := e.provider.GetStatus(ctx, charge.ID)
	if errors.Is(err, payment.ErrUnknownCharge) {
		e.log.WithField("charge_id", charge.ID).Warn("provider does not know charge")
		return payment.StatusOpen, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrProviderUnavailable, err)
	}
	return status, nil
}

func (e *Engine) finalize(ctx context.Context, charge *models.Charge, status payment.Status, outcome ledger.Outcome, path Path) (*Result, error) {
	res, err := e.store.Finalize(ctx, charge.ID, outcome)
	if err != nil {
		return nil, err
	}
	updated, err := e.store.GetCharge(ctx, charge.ID)
	if err != nil {
		return nil, err
	}

	log := e.log.WithFields(logrus.Fields{
		"charge_id": charge.ID,
		"raffle_id": charge.RaffleID,
		"outcome":   res.Outcome,
		"path":      path,
	})
	if res.Duplicate {
		log.Debug("charge already finalized")
		return &Result{Charge: updated, Provider: status}, nil
	}

	e.metrics.Finalized(string(res.Outcome), string(path))
	kind := events.NumberReleased
	if res.Outcome == ledger.OutcomeConfirmed {
		kind = events.NumberSold
	}
	e.publish(ctx, kind, res)
	log.WithField("numbers", res.Numbers).Info("charge finalized")

	if res.Outcome == ledger.OutcomeConfirmed {
		if len(res.Numbers) > 0 {
			e.notifier.Sold(ctx, updated, res.Numbers)
		}
		if len(res.Lost) > 0 {
			e.metrics.Lost(len(res.Lost))
			log.WithField("lost", res.Lost).Warn("late payment: numbers already taken, refund required")
			e.notifier.LatePayment(ctx, updated, res.Lost)
		}
	}
	return &Result{Charge: updated, Provider: status, Applied: res}, nil
}

// checkOrphan alerts the operator, once per charge, when a charge closed
// unpaid turns out to have been paid after all.
func (e *Engine) checkOrphan(ctx context.Context, charge *models.Charge) {
	if _, seen := e.orphans.Load(charge.ID); seen {
		return
	}
	status, err := e.provider.GetStatus(ctx, charge.ID)
	if err != nil || status != payment.StatusPaid {
		return
	}
	if _, seen := e.orphans.LoadOrStore(charge.ID, struct{}{}); seen {
		return
	}
	e.log.WithFields(logrus.Fields{
		"charge_id": charge.ID,
		"status":    charge.Status,
	}).Warn("payment received for closed charge, refund required")
	e.notifier.OrphanPayment(ctx, charge)
}

func (e *Engine) publish(ctx context.Context, kind events.Kind, res *ledger.FinalizeResult) {
	if len(res.Numbers) == 0 {
		return
	}
	now := e.clock.Now()
	evs := make([]events.Event, len(res.Numbers))
	for i, n := range res.Numbers {
		evs[i] = events.New(kind, res.RaffleID, n, now)
	}
	if err := e.feed.Publish(ctx, evs...); err != nil {
		e.log.WithError(err).Warn("publish events")
	}
}

func outcomeFor(status payment.Status) (ledger.Outcome, bool) {
	switch status {
	case payment.StatusPaid:
		return ledger.OutcomeConfirmed, true
	case payment.StatusExpired:
		return ledger.OutcomeExpired, true
	case payment.StatusFailed:
		return ledger.OutcomeFailed, true
	}
	return "", false
}
