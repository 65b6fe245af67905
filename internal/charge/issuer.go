// Package charge turns a held selection into a payable PIX charge.
package charge

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/events"
	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/metrics"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/farellandr/rifapix/internal/payment"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Store    ledger.Store
	Provider payment.Provider
	Feed     events.Feed
	Clock    clock.Clock
	Log      logrus.FieldLogger
	Metrics  *metrics.Metrics
	// PaymentTTL applies to raffles that do not set their own.
	PaymentTTL time.Duration
}

type Issuer struct {
	store      ledger.Store
	provider   payment.Provider
	feed       events.Feed
	clock      clock.Clock
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	paymentTTL time.Duration
}

func NewIssuer(opts Options) *Issuer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Issuer{
		store:      opts.Store,
		provider:   opts.Provider,
		feed:       opts.Feed,
		clock:      opts.Clock,
		log:        opts.Log,
		metrics:    opts.Metrics,
		paymentTTL: opts.PaymentTTL,
	}
}

type Request struct {
	RaffleID uuid.UUID
	Numbers  []string
	Holder   string
	Buyer    ledger.Buyer
}

// NewChargeID returns a 32 character alphanumeric id, valid as a PIX txid.
func NewChargeID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Issue binds the holder's selection to a new charge and opens it at the
// provider. If the provider cannot be reached the numbers are released
// before ErrProviderUnavailable is returned.
func (i *Issuer) Issue(ctx context.Context, req Request) (*models.Charge, error) {
	if len(req.Numbers) == 0 {
		return nil, fmt.Errorf("%w: no numbers selected", ledger.ErrInvalidNumber)
	}
	if !req.Buyer.Complete() {
		return nil, ledger.ErrIncompleteBuyer
	}

	raffle, err := i.store.GetRaffle(ctx, req.RaffleID)
	if err != nil {
		return nil, err
	}
	if raffle.Status != models.RaffleActive {
		return nil, ledger.ErrRaffleClosed
	}
	for _, n := range req.Numbers {
		if !raffle.ValidNumber(n) {
			return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidNumber, n)
		}
	}

	ttl := raffle.PaymentTTL(i.paymentTTL)
	log := i.log.WithFields(logrus.Fields{"raffle_id": raffle.ID, "holder": req.Holder})

	charge, err := i.store.BindToCharge(ctx, ledger.BindRequest{
		RaffleID: raffle.ID,
		Numbers:  req.Numbers,
		Holder:   req.Holder,
		ChargeID: NewChargeID(),
		Buyer:    req.Buyer,
		Price:    raffle.TicketPrice,
		TTL:      ttl,
	})
	if err != nil {
		if ledger.IsContention(err) {
			i.metrics.Issued("stale")
		} else {
			i.metrics.Issued("error")
		}
		return nil, err
	}
	log = log.WithField("charge_id", charge.ID)
	i.publish(ctx, events.NumberPending, raffle.ID, charge.Numbers)

	res, err := i.provider.CreateCharge(ctx, payment.CreateRequest{
		TxID:              charge.ID,
		Amount:            charge.Amount,
		Payer:             payment.Payer{Name: req.Buyer.Name, Phone: req.Buyer.Phone, Email: req.Buyer.Email},
		Description:       fmt.Sprintf("%s - %s", raffle.Name, strings.Join(charge.Numbers, ",")),
		ExpirationSeconds: int(ttl / time.Second),
	})
	if err != nil {
		i.metrics.Issued("provider_error")
		log.WithError(err).Error("payment provider rejected charge, releasing numbers")
		i.compensate(ctx, charge, log)
		return nil, fmt.Errorf("%w: %v", ledger.ErrProviderUnavailable, err)
	}

	qrImage := res.QRImage
	if qrImage == "" {
		if png, err := helpers.QRCodePNG(res.Payload); err == nil {
			qrImage = base64.StdEncoding.EncodeToString(png)
		} else {
			log.WithError(err).Warn("render qr code")
		}
	}

	// The provider charge is live from here on; a failed write leaves the
	// numbers bound until the reconciler or the sweeper settles them.
	if err := i.store.AttachPayload(ctx, charge.ID, res.ProviderRef, res.Payload, qrImage); err != nil {
		i.metrics.Issued("error")
		return nil, fmt.Errorf("store charge payload: %w", err)
	}
	charge.ProviderRef = res.ProviderRef
	charge.Payload = res.Payload
	charge.QRImage = qrImage

	i.metrics.Issued("ok")
	log.WithFields(logrus.Fields{
		"numbers": charge.Numbers,
		"amount":  charge.Amount,
	}).Info("charge issued")
	return charge, nil
}

func (i *Issuer) compensate(ctx context.Context, charge *models.Charge, log logrus.FieldLogger) {
	res, err := i.store.Finalize(context.WithoutCancel(ctx), charge.ID, ledger.OutcomeFailed)
	if err != nil {
		log.WithError(err).Error("release numbers of failed charge; they will lapse with the payment window")
		return
	}
	i.publish(ctx, events.NumberReleased, charge.RaffleID, res.Numbers)
}

func (i *Issuer) publish(ctx context.Context, kind events.Kind, raffleID uuid.UUID, numbers []string) {
	if len(numbers) == 0 {
		return
	}
	now := i.clock.Now()
	evs := make([]events.Event, len(numbers))
	for k, n := range numbers {
		evs[k] = events.New(kind, raffleID, n, now)
	}
	if err := i.feed.Publish(ctx, evs...); err != nil {
		i.log.WithError(err).Warn("publish events")
	}
}
