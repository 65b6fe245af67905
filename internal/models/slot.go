package models

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable        SlotStatus = "available"
	SlotPendingSelection SlotStatus = "pending-selection"
	SlotPendingPayment   SlotStatus = "pending-payment"
	SlotSold             SlotStatus = "sold"
	SlotCancelled        SlotStatus = "cancelled"
)

// Pending reports whether the status carries a TTL.
func (s SlotStatus) Pending() bool {
	return s == SlotPendingSelection || s == SlotPendingPayment
}

// TicketSlot is one (raffle, number) row of the ledger. There is at most one
// row per key; a freed row is reused by the next reservation.
type TicketSlot struct {
	ID         uint       `gorm:"primaryKey" json:"-"`
	RaffleID   uuid.UUID  `gorm:"type:varchar(36);not null;uniqueIndex:ux_slot_key,priority:1" json:"raffle_id"`
	Number     string     `gorm:"size:8;not null;uniqueIndex:ux_slot_key,priority:2" json:"number"`
	Status     SlotStatus `gorm:"size:20;not null;index" json:"status"`
	Holder     string     `gorm:"size:64;index" json:"-"`
	BuyerName  string     `gorm:"size:120" json:"buyer_name,omitempty"`
	BuyerPhone string     `gorm:"size:32" json:"buyer_phone,omitempty"`
	BuyerEmail string     `gorm:"size:120" json:"buyer_email,omitempty"`
	ChargeRef  string     `gorm:"size:64;index" json:"charge_ref,omitempty"`
	Amount     int64      `gorm:"not null;default:0" json:"amount"`
	ExpiresAt  *time.Time `gorm:"index" json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// EffectiveStatus folds lazy expiry into the stored status: a pending row
// whose TTL has elapsed, and a cancelled row, both read as available.
func (slot TicketSlot) EffectiveStatus(now time.Time) SlotStatus {
	switch {
	case slot.Status == SlotCancelled:
		return SlotAvailable
	case slot.Status.Pending() && (slot.ExpiresAt == nil || !slot.ExpiresAt.After(now)):
		return SlotAvailable
	}
	return slot.Status
}
