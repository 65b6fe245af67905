package models

import (
	"time"

	"github.com/google/uuid"
)

type ChargeStatus string

const (
	ChargeCreated   ChargeStatus = "created"
	ChargeConfirmed ChargeStatus = "confirmed"
	ChargeFailed    ChargeStatus = "failed"
	ChargeExpired   ChargeStatus = "expired"
	ChargeCancelled ChargeStatus = "cancelled"
)

func (s ChargeStatus) Terminal() bool {
	return s != ChargeCreated && s != ""
}

// Charge is one payment attempt for a batch of numbers. ID doubles as the
// PIX txid sent to the provider, so it is alphanumeric only.
type Charge struct {
	ID          string       `gorm:"size:64;primaryKey" json:"id"`
	RaffleID    uuid.UUID    `gorm:"type:varchar(36);not null;index" json:"raffle_id"`
	Holder      string       `gorm:"size:64;not null;index" json:"-"`
	Numbers     []string     `gorm:"serializer:json;type:text" json:"numbers"`
	Amount      int64        `gorm:"not null" json:"amount"`
	Status      ChargeStatus `gorm:"size:20;not null;index" json:"status"`
	ProviderRef string       `gorm:"size:128" json:"provider_ref,omitempty"`
	Payload     string       `gorm:"type:text" json:"payload,omitempty"`
	QRImage     string       `gorm:"type:text" json:"-"`
	ExpiresAt   time.Time    `gorm:"not null" json:"expires_at"`
	PaidAt      *time.Time   `json:"paid_at,omitempty"`
	FinalizedAt *time.Time   `gorm:"index" json:"finalized_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (charge Charge) Expired(now time.Time) bool {
	return !charge.ExpiresAt.After(now)
}
