package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/events"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/metrics"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnceReleasesAndPublishes(t *testing.T) {
	log, _ := test.NewNullLogger()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore(clk)
	hub := events.NewHub(log)
	m := metrics.New(prometheus.NewRegistry())
	ctx := context.Background()

	raffle := &models.Raffle{Name: "Rifa", TotalNumbers: 10, FirstNumber: 1, TicketPrice: 100}
	require.NoError(t, store.CreateRaffle(ctx, raffle))
	for _, n := range []string{"01", "02"} {
		_, err := store.TryReserve(ctx, raffle.ID, n, "session-a", 5*time.Minute)
		require.NoError(t, err)
	}
	_, err := store.TryReserve(ctx, raffle.ID, "03", "session-b", 5*time.Minute)
	require.NoError(t, err)
	_, err = store.BindToCharge(ctx, ledger.BindRequest{
		RaffleID: raffle.ID, Numbers: []string{"03"}, Holder: "session-b",
		ChargeID: "chargeb", Buyer: ledger.Buyer{Name: "B", Phone: "1"},
		Price: 100, TTL: 15 * time.Minute,
	})
	require.NoError(t, err)

	feed, cancel, err := hub.Subscribe(ctx, raffle.ID)
	require.NoError(t, err)
	defer cancel()

	s := New(store, hub, clk, time.Second, log, m)

	clk.Advance(6 * time.Minute)
	released, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, released, 2)
	assert.Len(t, feed, 2)

	clk.Advance(10 * time.Minute)
	released, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, models.SlotCancelled, released[0].Status)
	assert.Equal(t, "chargeb", released[0].ChargeRef)

	// The charge itself is left open for the reconciler.
	charge, err := store.GetCharge(ctx, "chargeb")
	require.NoError(t, err)
	assert.Equal(t, models.ChargeCreated, charge.Status)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.NumbersExpired.WithLabelValues("available")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NumbersExpired.WithLabelValues("cancelled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Sweeps))
}

func TestRunStopsWithContext(t *testing.T) {
	log, _ := test.NewNullLogger()
	clk := clock.NewFake(time.Now().UTC())
	s := New(ledger.NewMemoryStore(clk), events.NewHub(log), clk, 10*time.Millisecond, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
