package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/events"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/farellandr/rifapix/internal/payment"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	sold   [][]string
	lost   [][]string
	orphan []string
}

func (n *recordingNotifier) Sold(_ context.Context, _ *models.Charge, numbers []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sold = append(n.sold, numbers)
}

func (n *recordingNotifier) LatePayment(_ context.Context, _ *models.Charge, lost []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lost = append(n.lost, lost)
}

func (n *recordingNotifier) OrphanPayment(_ context.Context, charge *models.Charge) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orphan = append(n.orphan, charge.ID)
}

type fixture struct {
	engine   *Engine
	store    *ledger.MemoryStore
	sandbox  *payment.Sandbox
	hub      *events.Hub
	notifier *recordingNotifier
	clock    *clock.Fake
	raffle   *models.Raffle
}

func newFixture(t *testing.T) *fixture {
	log, _ := test.NewNullLogger()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore(clk)
	sandbox := payment.NewSandbox("")
	hub := events.NewHub(log)
	notifier := &recordingNotifier{}

	raffle := &models.Raffle{Name: "Rifa", TotalNumbers: 10, FirstNumber: 1, TicketPrice: 1000}
	require.NoError(t, store.CreateRaffle(context.Background(), raffle))

	engine := NewEngine(Options{
		Store:    store,
		Provider: sandbox,
		Feed:     hub,
		Notifier: notifier,
		Clock:    clk,
		Log:      log,
	})
	return &fixture{engine: engine, store: store, sandbox: sandbox, hub: hub, notifier: notifier, clock: clk, raffle: raffle}
}

// open binds numbers for holder and opens the charge at the sandbox.
func (f *fixture) open(t *testing.T, chargeID, holder string, numbers ...string) *models.Charge {
	ctx := context.Background()
	for _, n := range numbers {
		_, err := f.store.TryReserve(ctx, f.raffle.ID, n, holder, 5*time.Minute)
		require.NoError(t, err)
	}
	charge, err := f.store.BindToCharge(ctx, ledger.BindRequest{
		RaffleID: f.raffle.ID, Numbers: numbers, Holder: holder, ChargeID: chargeID,
		Buyer: ledger.Buyer{Name: "Maria", Phone: "1"}, Price: f.raffle.TicketPrice, TTL: 15 * time.Minute,
	})
	require.NoError(t, err)
	_, err = f.sandbox.CreateCharge(ctx, payment.CreateRequest{TxID: chargeID, Amount: charge.Amount})
	require.NoError(t, err)
	return charge
}

func (f *fixture) status(t *testing.T, number string) models.SlotStatus {
	snapshot, err := f.store.Snapshot(context.Background(), f.raffle.ID)
	require.NoError(t, err)
	return snapshot[number]
}

func TestWebhookThenPollConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", "session-a", "01", "02")
	require.NoError(t, f.sandbox.Settle("c1", payment.StatusPaid))

	pushed, err := f.engine.HandleNotification(ctx, "c1", "paid")
	require.NoError(t, err)
	require.NotNil(t, pushed.Applied)
	assert.Equal(t, []string{"01", "02"}, pushed.Applied.Numbers)
	assert.True(t, pushed.Paid())

	polled, err := f.engine.Poll(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, polled.Applied)
	assert.True(t, polled.Paid())

	assert.Equal(t, models.SlotSold, f.status(t, "01"))
	assert.Equal(t, models.SlotSold, f.status(t, "02"))
	assert.Len(t, f.notifier.sold, 1)

	_, err = f.store.TryReserve(ctx, f.raffle.ID, "02", "session-c", 5*time.Minute)
	assert.ErrorIs(t, err, ledger.ErrAlreadyHeld)
}

func TestConcurrentPathsFinalizeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", "session-a", "03", "04")
	require.NoError(t, f.sandbox.Settle("c1", payment.StatusPaid))

	feed, cancel, err := f.hub.Subscribe(ctx, f.raffle.ID)
	require.NoError(t, err)
	defer cancel()

	var (
		wg      sync.WaitGroup
		applied int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var res *Result
			var err error
			if i%2 == 0 {
				res, err = f.engine.HandleNotification(ctx, "c1", "paid")
			} else {
				res, err = f.engine.Poll(ctx, "c1")
			}
			if assert.NoError(t, err) && res.Applied != nil {
				atomic.AddInt32(&applied, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied)
	assert.Len(t, feed, 2)
	assert.Len(t, f.notifier.sold, 1)
}

func TestPushedStatusIsNotTrusted(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1", "session-a", "05")

	res, err := f.engine.HandleNotification(context.Background(), "c1", "paid")
	require.NoError(t, err)
	assert.Nil(t, res.Applied)
	assert.Equal(t, payment.StatusOpen, res.Provider)
	assert.Equal(t, models.ChargeCreated, res.Charge.Status)
	assert.Equal(t, models.SlotPendingPayment, f.status(t, "05"))
}

func TestProviderFailureReleasesNumbers(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1", "session-a", "06")
	require.NoError(t, f.sandbox.Settle("c1", payment.StatusFailed))

	res, err := f.engine.Poll(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, res.Applied)
	assert.Equal(t, models.ChargeFailed, res.Charge.Status)
	assert.Equal(t, models.SlotAvailable, f.status(t, "06"))
}

func TestPollerExpiresLapsedCharges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", "session-a", "07")
	f.open(t, "c2", "session-b", "08")

	n, err := f.engine.PollOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(16 * time.Minute)
	n, err = f.engine.PollOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	charge, err := f.store.GetCharge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ChargeExpired, charge.Status)
	assert.Equal(t, models.SlotAvailable, f.status(t, "07"))

	open, err := f.store.ListOpenCharges(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPollSurfacesProviderOutage(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1", "session-a", "01")
	f.sandbox.FailNext(1)

	_, err := f.engine.Poll(context.Background(), "c1")
	assert.ErrorIs(t, err, ledger.ErrProviderUnavailable)
}

func TestUnknownChargeIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.HandleNotification(context.Background(), "nope", "paid")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", "session-a", "01", "02")

	_, err := f.engine.Cancel(ctx, "c1", "session-b")
	assert.ErrorIs(t, err, ledger.ErrNotHolder)

	res, err := f.engine.Cancel(ctx, "c1", "session-a")
	require.NoError(t, err)
	assert.Equal(t, models.ChargeCancelled, res.Charge.Status)
	assert.Equal(t, models.SlotAvailable, f.status(t, "01"))

	// Paying after the cancel is flagged for a refund.
	require.NoError(t, f.sandbox.Settle("c1", payment.StatusPaid))
	res, err = f.engine.HandleNotification(ctx, "c1", "paid")
	require.NoError(t, err)
	assert.Nil(t, res.Applied)
	assert.Equal(t, []string{"c1"}, f.notifier.orphan)
}

func TestCancelAfterWindowReportsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", "session-a", "05")

	f.clock.Advance(16 * time.Minute)
	res, err := f.engine.Cancel(ctx, "c1", "session-a")
	assert.ErrorIs(t, err, ledger.ErrExpiredCharge)
	require.NotNil(t, res)
	assert.Equal(t, models.ChargeExpired, res.Charge.Status)
	assert.Equal(t, models.SlotAvailable, f.status(t, "05"))

	// Already finalized by the sweep or an earlier call.
	res, err = f.engine.Cancel(ctx, "c1", "session-a")
	assert.ErrorIs(t, err, ledger.ErrExpiredCharge)
	assert.Nil(t, res.Applied)
}

func TestPollFlagsPaymentAfterCancelOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", "session-a", "07")

	_, err := f.engine.Cancel(ctx, "c1", "session-a")
	require.NoError(t, err)
	res, err := f.engine.Poll(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ChargeCancelled, res.Charge.Status)
	assert.Empty(t, f.notifier.orphan)

	// No webhook arrives; the client's polls still surface the payment.
	require.NoError(t, f.sandbox.Settle("c1", payment.StatusPaid))
	for i := 0; i < 3; i++ {
		_, err = f.engine.Poll(ctx, "c1")
		require.NoError(t, err)
	}
	_, err = f.engine.HandleNotification(ctx, "c1", "paid")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, f.notifier.orphan)
	assert.Equal(t, models.SlotAvailable, f.status(t, "07"))
}

func TestCancelOfPaidChargeConfirms(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1", "session-a", "09")
	require.NoError(t, f.sandbox.Settle("c1", payment.StatusPaid))

	res, err := f.engine.Cancel(context.Background(), "c1", "session-a")
	require.NoError(t, err)
	assert.True(t, res.Paid())
	assert.Equal(t, models.SlotSold, f.status(t, "09"))
}

func TestLatePaymentNotifiesOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", "session-a", "01", "02")

	f.clock.Advance(16 * time.Minute)
	_, err := f.store.ExpireDue(ctx, f.clock.Now())
	require.NoError(t, err)
	_, err = f.store.TryReserve(ctx, f.raffle.ID, "02", "session-b", 5*time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.sandbox.Settle("c1", payment.StatusPaid))
	res, err := f.engine.HandleNotification(ctx, "c1", "paid")
	require.NoError(t, err)
	require.NotNil(t, res.Applied)
	assert.Equal(t, []string{"01"}, res.Applied.Numbers)
	assert.Equal(t, []string{"02"}, res.Applied.Lost)
	assert.Equal(t, [][]string{{"02"}}, f.notifier.lost)
	assert.Equal(t, models.SlotSold, f.status(t, "01"))
	assert.Equal(t, models.SlotPendingSelection, f.status(t, "02"))
}

func TestRunPollerStops(t *testing.T) {
	f := newFixture(t)
	f.engine.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.RunPoller(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
