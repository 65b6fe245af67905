package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RaffleStatus string

const (
	RaffleActive RaffleStatus = "active"
	RaffleClosed RaffleStatus = "closed"
)

type Raffle struct {
	ID                  uuid.UUID    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name                string       `gorm:"size:120;not null" json:"name"`
	TotalNumbers        int          `gorm:"not null" json:"total_numbers"`
	FirstNumber         int          `gorm:"not null;default:0" json:"first_number"`
	NumberWidth         int          `gorm:"not null" json:"number_width"`
	TicketPrice         int64        `gorm:"not null" json:"ticket_price"`
	SelectionTTLMinutes int          `gorm:"not null;default:0" json:"selection_ttl_minutes"`
	PaymentTTLMinutes   int          `gorm:"not null;default:0" json:"payment_ttl_minutes"`
	Status              RaffleStatus `gorm:"size:16;not null;default:active" json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

func (raffle *Raffle) BeforeCreate(tx *gorm.DB) (err error) {
	raffle.ApplyDefaults()
	return
}

// ApplyDefaults fills the id, number width and status left unset by callers.
func (raffle *Raffle) ApplyDefaults() {
	if raffle.ID == uuid.Nil {
		raffle.ID = uuid.New()
	}
	if raffle.NumberWidth == 0 {
		raffle.NumberWidth = len(strconv.Itoa(raffle.lastNumber()))
	}
	if raffle.Status == "" {
		raffle.Status = RaffleActive
	}
}

// FormatNumber renders i zero-padded to the raffle's width, e.g. 7 -> "07".
func (raffle Raffle) FormatNumber(i int) string {
	return fmt.Sprintf("%0*d", raffle.NumberWidth, i)
}

// ValidNumber reports whether s is one of the raffle's numbers in its
// canonical zero-padded form.
func (raffle Raffle) ValidNumber(s string) bool {
	if len(s) != raffle.NumberWidth {
		return false
	}
	n, err := strconv.Atoi(s)
	if err != nil || raffle.FormatNumber(n) != s {
		return false
	}
	return n >= raffle.FirstNumber && n <= raffle.lastNumber()
}

func (raffle Raffle) lastNumber() int {
	return raffle.FirstNumber + raffle.TotalNumbers - 1
}

func (raffle Raffle) Numbers() []string {
	numbers := make([]string, raffle.TotalNumbers)
	for i := range numbers {
		numbers[i] = raffle.FormatNumber(raffle.FirstNumber + i)
	}
	return numbers
}

func (raffle Raffle) SelectionTTL(fallback time.Duration) time.Duration {
	if raffle.SelectionTTLMinutes > 0 {
		return time.Duration(raffle.SelectionTTLMinutes) * time.Minute
	}
	return fallback
}

func (raffle Raffle) PaymentTTL(fallback time.Duration) time.Duration {
	if raffle.PaymentTTLMinutes > 0 {
		return time.Duration(raffle.PaymentTTLMinutes) * time.Minute
	}
	return fallback
}
