package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps the ledger in a relational database. Exclusivity rests on
// the unique (raffle_id, number) index plus conditional UPDATEs whose WHERE
// clause encodes the allowed source states; RowsAffected tells the caller
// whether it won.
type GormStore struct {
	db    *gorm.DB
	clock clock.Clock
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB, clk clock.Clock) *GormStore {
	return &GormStore{db: db, clock: clk}
}

// Migrate creates or updates the ledger tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&models.Raffle{}, &models.TicketSlot{}, &models.Charge{})
}

func (s *GormStore) CreateRaffle(ctx context.Context, raffle *models.Raffle) error {
	if raffle.TotalNumbers <= 0 {
		return fmt.Errorf("%w: raffle needs at least one number", ErrInvalidNumber)
	}
	now := s.clock.Now()
	raffle.CreatedAt, raffle.UpdatedAt = now, now
	return s.db.WithContext(ctx).Create(raffle).Error
}

func (s *GormStore) GetRaffle(ctx context.Context, raffleID uuid.UUID) (*models.Raffle, error) {
	var raffle models.Raffle
	if err := s.db.WithContext(ctx).First(&raffle, "id = ?", raffleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &raffle, nil
}

func (s *GormStore) TryReserve(ctx context.Context, raffleID uuid.UUID, number, holder string, ttl time.Duration) (*models.TicketSlot, error) {
	now := s.clock.Now()
	expiresAt := now.Add(ttl)
	db := s.db.WithContext(ctx)

	slot := models.TicketSlot{
		RaffleID:  raffleID,
		Number:    number,
		Status:    models.SlotPendingSelection,
		Holder:    holder,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// MySQL reports a skipped duplicate as an affected row under
	// clientFoundRows, so the insert result alone does not say who won.
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&slot).Error; err != nil {
		return nil, fmt.Errorf("insert slot %s: %w", number, err)
	}

	// Take the row only if it is free, lapsed, or already ours in
	// pending-selection. A row this call just inserted is ours.
	updated := db.Model(&models.TicketSlot{}).
		Where("raffle_id = ? AND number = ?", raffleID, number).
		Where("(status IN ? OR (status IN ? AND expires_at <= ?) OR (status = ? AND holder = ?))",
			statuses(models.SlotAvailable, models.SlotCancelled),
			statuses(models.SlotPendingSelection, models.SlotPendingPayment), now,
			string(models.SlotPendingSelection), holder).
		Updates(reservedColumns(holder, expiresAt, now))
	if updated.Error != nil {
		return nil, fmt.Errorf("reserve slot %s: %w", number, updated.Error)
	}
	if updated.RowsAffected == 0 {
		return nil, ErrAlreadyHeld
	}

	var stored models.TicketSlot
	if err := db.Where("raffle_id = ? AND number = ?", raffleID, number).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *GormStore) Release(ctx context.Context, raffleID uuid.UUID, number, holder string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.TicketSlot{}).
		Where("raffle_id = ? AND number = ? AND holder = ? AND status = ?",
			raffleID, number, holder, string(models.SlotPendingSelection)).
		Updates(freedColumns(s.clock.Now()))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) Holdings(ctx context.Context, raffleID uuid.UUID, holder string) ([]models.TicketSlot, error) {
	var slots []models.TicketSlot
	err := s.db.WithContext(ctx).
		Where("raffle_id = ? AND holder = ? AND status = ? AND expires_at > ?",
			raffleID, holder, string(models.SlotPendingSelection), s.clock.Now()).
		Order("number").
		Find(&slots).Error
	return slots, err
}

func (s *GormStore) BindToCharge(ctx context.Context, req BindRequest) (*models.Charge, error) {
	numbers := normalizeNumbers(req.Numbers)
	if len(numbers) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidNumber)
	}
	now := s.clock.Now()
	expiresAt := now.Add(req.TTL)
	charge := &models.Charge{
		ID:        req.ChargeID,
		RaffleID:  req.RaffleID,
		Holder:    req.Holder,
		Numbers:   numbers,
		Amount:    req.Price * int64(len(numbers)),
		Status:    models.ChargeCreated,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []string
		for _, number := range numbers {
			result := tx.Model(&models.TicketSlot{}).
				Where("raffle_id = ? AND number = ? AND holder = ? AND status = ? AND expires_at > ?",
					req.RaffleID, number, req.Holder, string(models.SlotPendingSelection), now).
				Updates(map[string]interface{}{
					"status":      string(models.SlotPendingPayment),
					"charge_ref":  req.ChargeID,
					"buyer_name":  req.Buyer.Name,
					"buyer_phone": req.Buyer.Phone,
					"buyer_email": req.Buyer.Email,
					"amount":      req.Price,
					"expires_at":  expiresAt,
					"updated_at":  now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				stale = append(stale, number)
			}
		}
		if len(stale) > 0 {
			return &StaleSelectionError{Numbers: stale}
		}
		return tx.Create(charge).Error
	})
	if err != nil {
		return nil, err
	}
	return charge, nil
}

func (s *GormStore) AttachPayload(ctx context.Context, chargeID, providerRef, payload, qrImage string) error {
	result := s.db.WithContext(ctx).Model(&models.Charge{}).
		Where("id = ?", chargeID).
		Updates(map[string]interface{}{
			"provider_ref": providerRef,
			"payload":      payload,
			"qr_image":     qrImage,
			"updated_at":   s.clock.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetCharge(ctx context.Context, chargeID string) (*models.Charge, error) {
	var charge models.Charge
	if err := s.db.WithContext(ctx).First(&charge, "id = ?", chargeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &charge, nil
}

func (s *GormStore) ListOpenCharges(ctx context.Context, limit int) ([]models.Charge, error) {
	var charges []models.Charge
	err := s.db.WithContext(ctx).
		Where("status = ? AND finalized_at IS NULL", string(models.ChargeCreated)).
		Order("created_at").
		Limit(limit).
		Find(&charges).Error
	return charges, err
}

func (s *GormStore) Finalize(ctx context.Context, chargeID string, outcome Outcome) (*FinalizeResult, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("ledger: unknown outcome %q", outcome)
	}
	now := s.clock.Now()
	result := &FinalizeResult{ChargeID: chargeID, Outcome: outcome}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var charge models.Charge
		if err := tx.First(&charge, "id = ?", chargeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		result.RaffleID = charge.RaffleID

		marker := map[string]interface{}{
			"status":       string(outcome.ChargeStatus()),
			"finalized_at": now,
			"updated_at":   now,
		}
		if outcome == OutcomeConfirmed {
			marker["paid_at"] = now
		}
		claimed := tx.Model(&models.Charge{}).
			Where("id = ? AND finalized_at IS NULL", chargeID).
			Updates(marker)
		if claimed.Error != nil {
			return claimed.Error
		}
		if claimed.RowsAffected == 0 {
			result.Duplicate = true
			return nil
		}

		for _, number := range charge.Numbers {
			rows := tx.Model(&models.TicketSlot{}).
				Where("raffle_id = ? AND number = ? AND charge_ref = ?", charge.RaffleID, number, chargeID)
			var moved *gorm.DB
			if outcome == OutcomeConfirmed {
				// A cancelled row still bound to this charge was only lapsed by
				// the sweeper; nobody re-took it, so the late payment keeps it.
				moved = rows.Where("status IN ?", statuses(models.SlotPendingPayment, models.SlotCancelled)).
					Updates(map[string]interface{}{
						"status":     string(models.SlotSold),
						"expires_at": nil,
						"updated_at": now,
					})
			} else {
				moved = rows.Where("status IN ?", statuses(models.SlotPendingPayment, models.SlotCancelled)).
					Updates(freedColumns(now))
			}
			if moved.Error != nil {
				return moved.Error
			}
			if moved.RowsAffected == 1 {
				result.Numbers = append(result.Numbers, number)
			}
		}
		if outcome == OutcomeConfirmed {
			result.Lost = difference(charge.Numbers, result.Numbers)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		// Read after commit: inside the transaction a repeatable-read
		// snapshot may predate the winner's status.
		var charge models.Charge
		if err := s.db.WithContext(ctx).First(&charge, "id = ?", chargeID).Error; err != nil {
			return nil, err
		}
		result.Outcome = outcomeOf(charge.Status)
	}
	return result, nil
}

func (s *GormStore) ExpireDue(ctx context.Context, now time.Time) ([]Released, error) {
	db := s.db.WithContext(ctx)
	var due []models.TicketSlot
	err := db.Where("status IN ? AND expires_at <= ?",
		statuses(models.SlotPendingSelection, models.SlotPendingPayment), now).
		Find(&due).Error
	if err != nil {
		return nil, err
	}

	var released []Released
	for _, slot := range due {
		next := models.SlotAvailable
		columns := freedColumns(now)
		if slot.Status == models.SlotPendingPayment {
			// Keep holder, buyer and charge_ref so a late confirmation can
			// still sell the row if nobody takes it first.
			next = models.SlotCancelled
			columns = map[string]interface{}{
				"status":     string(models.SlotCancelled),
				"expires_at": nil,
				"updated_at": now,
			}
		}
		result := db.Model(&models.TicketSlot{}).
			Where("id = ? AND status = ? AND expires_at <= ?", slot.ID, string(slot.Status), now).
			Updates(columns)
		if result.Error != nil {
			return released, result.Error
		}
		if result.RowsAffected == 1 {
			released = append(released, Released{
				RaffleID:  slot.RaffleID,
				Number:    slot.Number,
				Status:    next,
				ChargeRef: slot.ChargeRef,
			})
		}
	}
	return released, nil
}

func (s *GormStore) Snapshot(ctx context.Context, raffleID uuid.UUID) (map[string]models.SlotStatus, error) {
	var slots []models.TicketSlot
	err := s.db.WithContext(ctx).
		Select("number", "status", "expires_at").
		Where("raffle_id = ?", raffleID).
		Find(&slots).Error
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	snapshot := make(map[string]models.SlotStatus, len(slots))
	for _, slot := range slots {
		snapshot[slot.Number] = slot.EffectiveStatus(now)
	}
	return snapshot, nil
}

func (s *GormStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses(models.SlotAvailable, models.SlotCancelled), before).
		Delete(&models.TicketSlot{})
	return result.RowsAffected, result.Error
}

func reservedColumns(holder string, expiresAt, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":      string(models.SlotPendingSelection),
		"holder":      holder,
		"expires_at":  expiresAt,
		"charge_ref":  "",
		"buyer_name":  "",
		"buyer_phone": "",
		"buyer_email": "",
		"amount":      0,
		"updated_at":  now,
	}
}

func freedColumns(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":      string(models.SlotAvailable),
		"holder":      "",
		"expires_at":  nil,
		"charge_ref":  "",
		"buyer_name":  "",
		"buyer_phone": "",
		"buyer_email": "",
		"amount":      0,
		"updated_at":  now,
	}
}

func statuses(list ...models.SlotStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func outcomeOf(status models.ChargeStatus) Outcome {
	switch status {
	case models.ChargeConfirmed:
		return OutcomeConfirmed
	case models.ChargeExpired:
		return OutcomeExpired
	case models.ChargeCancelled:
		return OutcomeCancelled
	}
	return OutcomeFailed
}
