package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	selectionTTL = 5 * time.Minute
	paymentTTL   = 15 * time.Minute
)

type backend struct {
	name string
	open func(t *testing.T, clk clock.Clock) Store
}

var backends = []backend{
	{name: "memory", open: func(t *testing.T, clk clock.Clock) Store {
		return NewMemoryStore(clk)
	}},
	{name: "sqlite", open: func(t *testing.T, clk clock.Clock) Store {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		require.NoError(t, err)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { sqlDB.Close() })

		store := NewGormStore(db, clk)
		require.NoError(t, store.Migrate(context.Background()))
		return store
	}},
}

func eachBackend(t *testing.T, fn func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewFake(epoch)
			store := b.open(t, clk)
			raffle := &models.Raffle{
				Name:                "Rifa de teste",
				TotalNumbers:        10,
				FirstNumber:         1,
				TicketPrice:         1000,
				SelectionTTLMinutes: 5,
				PaymentTTLMinutes:   15,
			}
			require.NoError(t, store.CreateRaffle(context.Background(), raffle))
			fn(t, store, clk, raffle)
		})
	}
}

func bind(t *testing.T, store Store, raffle *models.Raffle, holder, chargeID string, numbers ...string) *models.Charge {
	t.Helper()
	ctx := context.Background()
	for _, n := range numbers {
		_, err := store.TryReserve(ctx, raffle.ID, n, holder, selectionTTL)
		require.NoError(t, err)
	}
	charge, err := store.BindToCharge(ctx, BindRequest{
		RaffleID: raffle.ID,
		Numbers:  numbers,
		Holder:   holder,
		ChargeID: chargeID,
		Buyer:    Buyer{Name: "Maria", Phone: "11999990000"},
		Price:    raffle.TicketPrice,
		TTL:      paymentTTL,
	})
	require.NoError(t, err)
	return charge
}

func TestCreateRaffleDefaults(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, _ *clock.Fake, raffle *models.Raffle) {
		got, err := store.GetRaffle(context.Background(), raffle.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.NumberWidth)
		assert.Equal(t, models.RaffleActive, got.Status)
		assert.Equal(t, "01", got.Numbers()[0])
		assert.Equal(t, "10", got.Numbers()[9])

		_, err = store.GetRaffle(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTryReserveMutualExclusion(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, _ *clock.Fake, raffle *models.Raffle) {
		const contenders = 16
		var (
			wg      sync.WaitGroup
			winners int32
			losers  int32
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.TryReserve(context.Background(), raffle.ID, "05", uuid.NewString(), selectionTTL)
				switch {
				case err == nil:
					atomic.AddInt32(&winners, 1)
				case errors.Is(err, ErrAlreadyHeld):
					atomic.AddInt32(&losers, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.EqualValues(t, 1, winners)
		assert.EqualValues(t, contenders-1, losers)
	})
}

func TestTryReserveSameHolderRefreshesTTL(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		_, err := store.TryReserve(ctx, raffle.ID, "02", "alice", selectionTTL)
		require.NoError(t, err)

		clk.Advance(4 * time.Minute)
		slot, err := store.TryReserve(ctx, raffle.ID, "02", "alice", selectionTTL)
		require.NoError(t, err)
		require.NotNil(t, slot.ExpiresAt)
		assert.True(t, slot.ExpiresAt.Equal(clk.Now().Add(selectionTTL)))

		clk.Advance(4 * time.Minute)
		_, err = store.TryReserve(ctx, raffle.ID, "02", "bob", selectionTTL)
		assert.ErrorIs(t, err, ErrAlreadyHeld)
	})
}

func TestTryReserveNeverTakesPaymentOrSold(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, _ *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		charge := bind(t, store, raffle, "alice", "chargeone", "03")

		_, err := store.TryReserve(ctx, raffle.ID, "03", "alice", selectionTTL)
		assert.ErrorIs(t, err, ErrAlreadyHeld)

		_, err = store.Finalize(ctx, charge.ID, OutcomeConfirmed)
		require.NoError(t, err)
		_, err = store.TryReserve(ctx, raffle.ID, "03", "bob", selectionTTL)
		assert.ErrorIs(t, err, ErrAlreadyHeld)
	})
}

func TestReleaseOnlyByHolder(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, _ *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		_, err := store.TryReserve(ctx, raffle.ID, "04", "alice", selectionTTL)
		require.NoError(t, err)

		freed, err := store.Release(ctx, raffle.ID, "04", "bob")
		require.NoError(t, err)
		assert.False(t, freed)

		freed, err = store.Release(ctx, raffle.ID, "04", "alice")
		require.NoError(t, err)
		assert.True(t, freed)

		freed, err = store.Release(ctx, raffle.ID, "09", "alice")
		require.NoError(t, err)
		assert.False(t, freed)

		_, err = store.TryReserve(ctx, raffle.ID, "04", "bob", selectionTTL)
		assert.NoError(t, err)
	})
}

func TestHoldingsSkipsLapsedRows(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		_, err := store.TryReserve(ctx, raffle.ID, "06", "alice", selectionTTL)
		require.NoError(t, err)
		clk.Advance(3 * time.Minute)
		_, err = store.TryReserve(ctx, raffle.ID, "01", "alice", selectionTTL)
		require.NoError(t, err)

		held, err := store.Holdings(ctx, raffle.ID, "alice")
		require.NoError(t, err)
		require.Len(t, held, 2)
		assert.Equal(t, "01", held[0].Number)

		clk.Advance(3 * time.Minute)
		held, err = store.Holdings(ctx, raffle.ID, "alice")
		require.NoError(t, err)
		require.Len(t, held, 1)
		assert.Equal(t, "01", held[0].Number)
	})
}

func TestBindToChargeStaleSelectionBindsNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, _ *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		for _, n := range []string{"01", "02"} {
			_, err := store.TryReserve(ctx, raffle.ID, n, "alice", selectionTTL)
			require.NoError(t, err)
		}
		_, err := store.TryReserve(ctx, raffle.ID, "03", "bob", selectionTTL)
		require.NoError(t, err)

		_, err = store.BindToCharge(ctx, BindRequest{
			RaffleID: raffle.ID,
			Numbers:  []string{"01", "02", "03", "07"},
			Holder:   "alice",
			ChargeID: "stalecharge",
			Buyer:    Buyer{Name: "Alice", Phone: "1"},
			Price:    raffle.TicketPrice,
			TTL:      paymentTTL,
		})
		require.ErrorIs(t, err, ErrStaleSelection)
		var stale *StaleSelectionError
		require.True(t, errors.As(err, &stale))
		assert.Equal(t, []string{"03", "07"}, stale.Numbers)

		held, err := store.Holdings(ctx, raffle.ID, "alice")
		require.NoError(t, err)
		assert.Len(t, held, 2)

		_, err = store.GetCharge(ctx, "stalecharge")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBindToChargeRecordsCharge(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		charge := bind(t, store, raffle, "alice", "boundcharge", "04", "03", "04")
		assert.Equal(t, []string{"03", "04"}, charge.Numbers)
		assert.EqualValues(t, 2000, charge.Amount)
		assert.Equal(t, models.ChargeCreated, charge.Status)
		assert.True(t, charge.ExpiresAt.Equal(clk.Now().Add(paymentTTL)))

		require.NoError(t, store.AttachPayload(ctx, charge.ID, "prov-1", "000201pix", ""))
		got, err := store.GetCharge(ctx, charge.ID)
		require.NoError(t, err)
		assert.Equal(t, "000201pix", got.Payload)
		assert.Equal(t, []string{"03", "04"}, got.Numbers)

		assert.ErrorIs(t, store.AttachPayload(ctx, "missing", "", "", ""), ErrNotFound)

		snapshot, err := store.Snapshot(ctx, raffle.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SlotPendingPayment, snapshot["03"])
		assert.Equal(t, models.SlotPendingPayment, snapshot["04"])

		held, err := store.Holdings(ctx, raffle.ID, "alice")
		require.NoError(t, err)
		assert.Empty(t, held)
	})
}

func TestFinalizeIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, _ *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		charge := bind(t, store, raffle, "alice", "idemcharge", "08", "09")

		var (
			wg      sync.WaitGroup
			applied int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := store.Finalize(ctx, charge.ID, OutcomeConfirmed)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, OutcomeConfirmed, res.Outcome)
				if !res.Duplicate {
					atomic.AddInt32(&applied, 1)
					assert.Equal(t, []string{"08", "09"}, res.Numbers)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, applied)

		res, err := store.Finalize(ctx, charge.ID, OutcomeFailed)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.Equal(t, OutcomeConfirmed, res.Outcome)
		assert.Empty(t, res.Numbers)

		got, err := store.GetCharge(ctx, charge.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ChargeConfirmed, got.Status)
		assert.NotNil(t, got.PaidAt)
		assert.NotNil(t, got.FinalizedAt)

		_, err = store.Finalize(ctx, "nosuchcharge", OutcomeConfirmed)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Finalize(ctx, charge.ID, Outcome("bogus"))
		assert.Error(t, err)
	})
}

func TestFinalizeRaceReportsWinningOutcome(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, _ *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		charge := bind(t, store, raffle, "alice", "racecharge", "04")

		outcomes := []Outcome{OutcomeConfirmed, OutcomeFailed, OutcomeConfirmed, OutcomeFailed}
		results := make([]*FinalizeResult, len(outcomes))
		var wg sync.WaitGroup
		for i, outcome := range outcomes {
			wg.Add(1)
			go func(i int, outcome Outcome) {
				defer wg.Done()
				res, err := store.Finalize(ctx, charge.ID, outcome)
				if assert.NoError(t, err) {
					results[i] = res
				}
			}(i, outcome)
		}
		wg.Wait()

		got, err := store.GetCharge(ctx, charge.ID)
		require.NoError(t, err)
		winner := outcomeOf(got.Status)
		applied := 0
		for _, res := range results {
			require.NotNil(t, res)
			assert.Equal(t, winner, res.Outcome)
			if !res.Duplicate {
				applied++
			}
		}
		assert.Equal(t, 1, applied)
	})
}

func TestFinalizeFailedReleasesRows(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, _ *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		charge := bind(t, store, raffle, "alice", "failcharge", "01", "02")

		res, err := store.Finalize(ctx, charge.ID, OutcomeFailed)
		require.NoError(t, err)
		assert.Equal(t, []string{"01", "02"}, res.Numbers)
		assert.Empty(t, res.Lost)

		snapshot, err := store.Snapshot(ctx, raffle.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SlotAvailable, snapshot["01"])
		assert.Equal(t, models.SlotAvailable, snapshot["02"])

		_, err = store.TryReserve(ctx, raffle.ID, "01", "bob", selectionTTL)
		assert.NoError(t, err)

		open, err := store.ListOpenCharges(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, open)
	})
}

func TestExpireDueLeavesNoOrphanedLocks(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		for _, n := range []string{"01", "02", "03"} {
			_, err := store.TryReserve(ctx, raffle.ID, n, "alice", selectionTTL)
			require.NoError(t, err)
		}
		charge := bind(t, store, raffle, "bob", "orphancharge", "09", "10")

		clk.Advance(paymentTTL + time.Second)

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			freed []Released
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				released, err := store.ExpireDue(ctx, clk.Now())
				assert.NoError(t, err)
				mu.Lock()
				freed = append(freed, released...)
				mu.Unlock()
			}()
		}
		wg.Wait()

		require.Len(t, freed, 5)
		byNumber := make(map[string]Released)
		for _, r := range freed {
			byNumber[r.Number] = r
		}
		assert.Len(t, byNumber, 5)
		assert.Equal(t, models.SlotAvailable, byNumber["01"].Status)
		assert.Equal(t, models.SlotCancelled, byNumber["09"].Status)
		assert.Equal(t, charge.ID, byNumber["09"].ChargeRef)

		again, err := store.ExpireDue(ctx, clk.Now())
		require.NoError(t, err)
		assert.Empty(t, again)

		snapshot, err := store.Snapshot(ctx, raffle.ID)
		require.NoError(t, err)
		for n, status := range snapshot {
			assert.Equal(t, models.SlotAvailable, status, n)
		}
	})
}

func TestSnapshotAppliesLazyExpiry(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		_, err := store.TryReserve(ctx, raffle.ID, "05", "alice", selectionTTL)
		require.NoError(t, err)

		snapshot, err := store.Snapshot(ctx, raffle.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SlotPendingSelection, snapshot["05"])

		clk.Advance(selectionTTL)
		snapshot, err = store.Snapshot(ctx, raffle.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SlotAvailable, snapshot["05"])

		_, err = store.TryReserve(ctx, raffle.ID, "05", "bob", selectionTTL)
		assert.NoError(t, err)
	})
}

// Two sessions race for one number; the loser gets it once the winner's
// selection lapses.
func TestScenarioSelectionTimeout(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		ttl := raffle.SelectionTTL(time.Hour)
		require.Equal(t, selectionTTL, ttl)

		_, err := store.TryReserve(ctx, raffle.ID, "07", "session-a", ttl)
		require.NoError(t, err)
		_, err = store.TryReserve(ctx, raffle.ID, "07", "session-b", ttl)
		require.ErrorIs(t, err, ErrAlreadyHeld)

		clk.Advance(6 * time.Minute)
		released, err := store.ExpireDue(ctx, clk.Now())
		require.NoError(t, err)
		require.Len(t, released, 1)
		assert.Equal(t, "07", released[0].Number)

		slot, err := store.TryReserve(ctx, raffle.ID, "07", "session-b", ttl)
		require.NoError(t, err)
		assert.Equal(t, "session-b", slot.Holder)
		assert.Equal(t, models.SlotPendingSelection, slot.Status)
	})
}

// Both confirmation channels deliver; the numbers are sold exactly once.
func TestScenarioDualPathConfirmation(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		charge := bind(t, store, raffle, "session-a", "dualcharge", "03", "04")
		assert.EqualValues(t, 2*raffle.TicketPrice, charge.Amount)

		clk.Advance(2 * time.Minute)
		webhook, err := store.Finalize(ctx, charge.ID, OutcomeConfirmed)
		require.NoError(t, err)
		poll, err := store.Finalize(ctx, charge.ID, OutcomeConfirmed)
		require.NoError(t, err)

		assert.False(t, webhook.Duplicate)
		assert.Equal(t, []string{"03", "04"}, webhook.Numbers)
		assert.True(t, poll.Duplicate)

		snapshot, err := store.Snapshot(ctx, raffle.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SlotSold, snapshot["03"])
		assert.Equal(t, models.SlotSold, snapshot["04"])

		clk.Advance(24 * time.Hour)
		released, err := store.ExpireDue(ctx, clk.Now())
		require.NoError(t, err)
		assert.Empty(t, released)
	})
}

func TestLatePaymentReportsLostNumbers(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		charge := bind(t, store, raffle, "session-a", "latecharge", "01", "02")

		clk.Advance(paymentTTL + time.Minute)
		released, err := store.ExpireDue(ctx, clk.Now())
		require.NoError(t, err)
		require.Len(t, released, 2)

		_, err = store.TryReserve(ctx, raffle.ID, "02", "session-b", selectionTTL)
		require.NoError(t, err)

		res, err := store.Finalize(ctx, charge.ID, OutcomeConfirmed)
		require.NoError(t, err)
		assert.Equal(t, []string{"01"}, res.Numbers)
		assert.Equal(t, []string{"02"}, res.Lost)

		snapshot, err := store.Snapshot(ctx, raffle.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SlotSold, snapshot["01"])
		assert.Equal(t, models.SlotPendingSelection, snapshot["02"])
	})
}

func TestListOpenCharges(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		first := bind(t, store, raffle, "alice", "openfirst", "01")
		clk.Advance(time.Second)
		second := bind(t, store, raffle, "bob", "opensecond", "02")
		clk.Advance(time.Second)
		done := bind(t, store, raffle, "carol", "opendone", "03")
		_, err := store.Finalize(ctx, done.ID, OutcomeCancelled)
		require.NoError(t, err)

		open, err := store.ListOpenCharges(ctx, 10)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, first.ID, open[0].ID)
		assert.Equal(t, second.ID, open[1].ID)

		open, err = store.ListOpenCharges(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}

func TestPurgeDeletesIdleFreeRows(t *testing.T) {
	eachBackend(t, func(t *testing.T, store Store, clk *clock.Fake, raffle *models.Raffle) {
		ctx := context.Background()
		_, err := store.TryReserve(ctx, raffle.ID, "01", "alice", selectionTTL)
		require.NoError(t, err)
		_, err = store.TryReserve(ctx, raffle.ID, "02", "alice", selectionTTL)
		require.NoError(t, err)
		_, err = store.Release(ctx, raffle.ID, "01", "alice")
		require.NoError(t, err)

		clk.Advance(time.Hour)
		purged, err := store.Purge(ctx, clk.Now())
		require.NoError(t, err)
		assert.EqualValues(t, 1, purged)

		snapshot, err := store.Snapshot(ctx, raffle.ID)
		require.NoError(t, err)
		_, present := snapshot["01"]
		assert.False(t, present)

		_, err = store.TryReserve(ctx, raffle.ID, "01", "bob", selectionTTL)
		assert.NoError(t, err)
	})
}
