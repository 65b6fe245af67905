// Package ledger is the single source of truth for raffle numbers. Every
// status change of a ticket slot goes through a Store, and every Store
// operation that changes a slot is a conditional write evaluated atomically
// per row.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/farellandr/rifapix/internal/models"
	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
)

func (o Outcome) ChargeStatus() models.ChargeStatus {
	switch o {
	case OutcomeConfirmed:
		return models.ChargeConfirmed
	case OutcomeExpired:
		return models.ChargeExpired
	case OutcomeCancelled:
		return models.ChargeCancelled
	}
	return models.ChargeFailed
}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeConfirmed, OutcomeFailed, OutcomeExpired, OutcomeCancelled:
		return true
	}
	return false
}

type Buyer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

func (b Buyer) Complete() bool {
	return b.Name != "" && b.Phone != ""
}

type BindRequest struct {
	RaffleID uuid.UUID
	Numbers  []string
	Holder   string
	ChargeID string
	Buyer    Buyer
	Price    int64
	TTL      time.Duration
}

type FinalizeResult struct {
	ChargeID string
	RaffleID uuid.UUID
	Outcome  Outcome
	// Duplicate is set when the charge had already been finalized; nothing
	// changed and Outcome is the one recorded first.
	Duplicate bool
	// Numbers moved by this call: sold on confirmation, freed otherwise.
	Numbers []string
	// Lost lists bound numbers that could not be sold because they were
	// re-reserved by someone else after the payment window elapsed.
	Lost []string
}

type Released struct {
	RaffleID  uuid.UUID
	Number    string
	Status    models.SlotStatus
	ChargeRef string
}

type Store interface {
	CreateRaffle(ctx context.Context, raffle *models.Raffle) error
	GetRaffle(ctx context.Context, raffleID uuid.UUID) (*models.Raffle, error)

	// TryReserve soft-locks a number for holder until now+ttl. It fails with
	// ErrAlreadyHeld when another holder owns an unexpired pending row, or
	// when the number is sold.
	TryReserve(ctx context.Context, raffleID uuid.UUID, number, holder string, ttl time.Duration) (*models.TicketSlot, error)
	// Release frees a pending-selection row owned by holder. It reports
	// whether a row was freed.
	Release(ctx context.Context, raffleID uuid.UUID, number, holder string) (bool, error)
	Holdings(ctx context.Context, raffleID uuid.UUID, holder string) ([]models.TicketSlot, error)

	// BindToCharge moves every number of the batch from pending-selection to
	// pending-payment and records the charge, or changes nothing and returns
	// a *StaleSelectionError.
	BindToCharge(ctx context.Context, req BindRequest) (*models.Charge, error)
	AttachPayload(ctx context.Context, chargeID, providerRef, payload, qrImage string) error
	GetCharge(ctx context.Context, chargeID string) (*models.Charge, error)
	ListOpenCharges(ctx context.Context, limit int) ([]models.Charge, error)

	// Finalize applies a terminal outcome to a charge and its slots exactly
	// once. Repeats are no-ops reported through FinalizeResult.Duplicate.
	Finalize(ctx context.Context, chargeID string, outcome Outcome) (*FinalizeResult, error)

	// ExpireDue frees pending rows whose TTL elapsed at now. Each freed row
	// is returned by exactly one caller even under concurrent invocation.
	ExpireDue(ctx context.Context, now time.Time) ([]Released, error)
	Snapshot(ctx context.Context, raffleID uuid.UUID) (map[string]models.SlotStatus, error)
	// Purge deletes free rows not touched since before.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

func normalizeNumbers(numbers []string) []string {
	seen := make(map[string]struct{}, len(numbers))
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func difference(all, moved []string) []string {
	done := make(map[string]struct{}, len(moved))
	for _, n := range moved {
		done[n] = struct{}{}
	}
	var lost []string
	for _, n := range all {
		if _, ok := done[n]; !ok {
			lost = append(lost, n)
		}
	}
	return lost
}
