package payment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/farellandr/rifapix/internal/metrics"
	"github.com/sirupsen/logrus"
)

type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type retrying struct {
	next    Provider
	policy  RetryPolicy
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// WithRetry wraps p so that transport errors and 5xx/429 answers are retried
// with exponential backoff. Other provider answers are returned at once.
func WithRetry(p Provider, policy RetryPolicy, log logrus.FieldLogger, m *metrics.Metrics) Provider {
	if policy.MaxTries == 0 {
		policy.MaxTries = 3
	}
	if policy.InitialInterval == 0 {
		policy.InitialInterval = 200 * time.Millisecond
	}
	if policy.MaxInterval == 0 {
		policy.MaxInterval = 2 * time.Second
	}
	return &retrying{next: p, policy: policy, log: log, metrics: m}
}

func (r *retrying) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	return b
}

func (r *retrying) CreateCharge(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	log := r.log.WithField("charge_id", req.TxID)
	return backoff.Retry(ctx, func() (*CreateResponse, error) {
		started := time.Now()
		res, err := r.next.CreateCharge(ctx, req)
		r.metrics.ObserveProvider("create", err, started)
		return res, classify(err)
	}, r.options(log)...)
}

func (r *retrying) GetStatus(ctx context.Context, txID string) (Status, error) {
	log := r.log.WithField("charge_id", txID)
	return backoff.Retry(ctx, func() (Status, error) {
		started := time.Now()
		status, err := r.next.GetStatus(ctx, txID)
		r.metrics.ObserveProvider("status", err, started)
		return status, classify(err)
	}, r.options(log)...)
}

func (r *retrying) options(log logrus.FieldLogger) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(r.policy.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next).Warn("payment provider call failed, retrying")
		}),
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrUnknownCharge):
		return backoff.Permanent(err)
	case errors.As(err, &apiErr) && !apiErr.Temporary():
		return backoff.Permanent(err)
	}
	return err
}
