package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Each slot and each charge carries its
// own mutex; the map lock is only held for lookups and inserts, never while
// waiting on a row. Batch operations lock rows in number order.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.RWMutex
	raffles map[uuid.UUID]models.Raffle
	rows    map[slotKey]*memRow
	charges map[string]*memCharge
	lastID  uint
}

var _ Store = (*MemoryStore)(nil)

type slotKey struct {
	raffleID uuid.UUID
	number   string
}

type memRow struct {
	mu      sync.Mutex
	slot    models.TicketSlot
	deleted bool
}

type memCharge struct {
	mu     sync.Mutex
	charge models.Charge
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clk,
		raffles: make(map[uuid.UUID]models.Raffle),
		rows:    make(map[slotKey]*memRow),
		charges: make(map[string]*memCharge),
	}
}

func (s *MemoryStore) CreateRaffle(_ context.Context, raffle *models.Raffle) error {
	if raffle.TotalNumbers <= 0 {
		return fmt.Errorf("%w: raffle needs at least one number", ErrInvalidNumber)
	}
	raffle.ApplyDefaults()
	now := s.clock.Now()
	raffle.CreatedAt, raffle.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.raffles[raffle.ID]; exists {
		return fmt.Errorf("ledger: raffle %s already exists", raffle.ID)
	}
	s.raffles[raffle.ID] = *raffle
	return nil
}

func (s *MemoryStore) GetRaffle(_ context.Context, raffleID uuid.UUID) (*models.Raffle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raffle, ok := s.raffles[raffleID]
	if !ok {
		return nil, ErrNotFound
	}
	return &raffle, nil
}

// lockRow returns the locked row for key, creating an empty one when create
// is set. It returns nil when the row does not exist and create is false.
func (s *MemoryStore) lockRow(key slotKey, create bool) *memRow {
	for {
		s.mu.RLock()
		row := s.rows[key]
		s.mu.RUnlock()

		if row == nil {
			if !create {
				return nil
			}
			s.mu.Lock()
			if row = s.rows[key]; row == nil {
				s.lastID++
				row = &memRow{slot: models.TicketSlot{
					ID:       s.lastID,
					RaffleID: key.raffleID,
					Number:   key.number,
					Status:   models.SlotAvailable,
				}}
				s.rows[key] = row
			}
			s.mu.Unlock()
		}

		row.mu.Lock()
		if !row.deleted {
			return row
		}
		row.mu.Unlock()
	}
}

func (s *MemoryStore) allRows() []*memRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]*memRow, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	return rows
}

func (s *MemoryStore) TryReserve(_ context.Context, raffleID uuid.UUID, number, holder string, ttl time.Duration) (*models.TicketSlot, error) {
	row := s.lockRow(slotKey{raffleID, number}, true)
	defer row.mu.Unlock()

	now := s.clock.Now()
	if !reservable(row.slot, holder, now) {
		return nil, ErrAlreadyHeld
	}
	expiresAt := now.Add(ttl)
	if row.slot.CreatedAt.IsZero() {
		row.slot.CreatedAt = now
	}
	row.slot.Status = models.SlotPendingSelection
	row.slot.Holder = holder
	row.slot.ExpiresAt = &expiresAt
	row.slot.ChargeRef = ""
	row.slot.BuyerName, row.slot.BuyerPhone, row.slot.BuyerEmail = "", "", ""
	row.slot.Amount = 0
	row.slot.UpdatedAt = now
	slot := cloneSlot(row.slot)
	return &slot, nil
}

func reservable(slot models.TicketSlot, holder string, now time.Time) bool {
	switch slot.Status {
	case models.SlotAvailable, models.SlotCancelled:
		return true
	case models.SlotPendingSelection, models.SlotPendingPayment:
		if slot.ExpiresAt == nil || !slot.ExpiresAt.After(now) {
			return true
		}
		return slot.Status == models.SlotPendingSelection && slot.Holder == holder
	}
	return false
}

func (s *MemoryStore) Release(_ context.Context, raffleID uuid.UUID, number, holder string) (bool, error) {
	row := s.lockRow(slotKey{raffleID, number}, false)
	if row == nil {
		return false, nil
	}
	defer row.mu.Unlock()

	if row.slot.Status != models.SlotPendingSelection || row.slot.Holder != holder {
		return false, nil
	}
	free(&row.slot, s.clock.Now())
	return true, nil
}

func (s *MemoryStore) Holdings(_ context.Context, raffleID uuid.UUID, holder string) ([]models.TicketSlot, error) {
	now := s.clock.Now()
	var held []models.TicketSlot
	for _, row := range s.allRows() {
		row.mu.Lock()
		slot := row.slot
		ok := !row.deleted && slot.RaffleID == raffleID && slot.Holder == holder &&
			slot.Status == models.SlotPendingSelection && slot.ExpiresAt != nil && slot.ExpiresAt.After(now)
		if ok {
			held = append(held, cloneSlot(slot))
		}
		row.mu.Unlock()
	}
	sort.Slice(held, func(i, j int) bool { return held[i].Number < held[j].Number })
	return held, nil
}

func (s *MemoryStore) BindToCharge(_ context.Context, req BindRequest) (*models.Charge, error) {
	numbers := normalizeNumbers(req.Numbers)
	if len(numbers) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidNumber)
	}
	now := s.clock.Now()
	expiresAt := now.Add(req.TTL)

	locked := make([]*memRow, 0, len(numbers))
	defer func() {
		for _, row := range locked {
			row.mu.Unlock()
		}
	}()

	var stale []string
	for _, number := range numbers {
		row := s.lockRow(slotKey{req.RaffleID, number}, false)
		if row == nil {
			stale = append(stale, number)
			continue
		}
		locked = append(locked, row)
		slot := row.slot
		if slot.Holder != req.Holder || slot.Status != models.SlotPendingSelection ||
			slot.ExpiresAt == nil || !slot.ExpiresAt.After(now) {
			stale = append(stale, number)
		}
	}
	if len(stale) > 0 {
		return nil, &StaleSelectionError{Numbers: stale}
	}

	charge := models.Charge{
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
	s.mu.Lock()
	if _, exists := s.charges[charge.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("ledger: charge %s already exists", charge.ID)
	}
	s.charges[charge.ID] = &memCharge{charge: charge}
	s.mu.Unlock()

	for _, row := range locked {
		exp := expiresAt
		row.slot.Status = models.SlotPendingPayment
		row.slot.ChargeRef = req.ChargeID
		row.slot.BuyerName = req.Buyer.Name
		row.slot.BuyerPhone = req.Buyer.Phone
		row.slot.BuyerEmail = req.Buyer.Email
		row.slot.Amount = req.Price
		row.slot.ExpiresAt = &exp
		row.slot.UpdatedAt = now
	}
	out := cloneCharge(charge)
	return &out, nil
}

func (s *MemoryStore) lookupCharge(chargeID string) *memCharge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.charges[chargeID]
}

func (s *MemoryStore) AttachPayload(_ context.Context, chargeID, providerRef, payload, qrImage string) error {
	c := s.lookupCharge(chargeID)
	if c == nil {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.charge.ProviderRef = providerRef
	c.charge.Payload = payload
	c.charge.QRImage = qrImage
	c.charge.UpdatedAt = s.clock.Now()
	return nil
}

func (s *MemoryStore) GetCharge(_ context.Context, chargeID string) (*models.Charge, error) {
	c := s.lookupCharge(chargeID)
	if c == nil {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := cloneCharge(c.charge)
	return &out, nil
}

func (s *MemoryStore) ListOpenCharges(_ context.Context, limit int) ([]models.Charge, error) {
	s.mu.RLock()
	all := make([]*memCharge, 0, len(s.charges))
	for _, c := range s.charges {
		all = append(all, c)
	}
	s.mu.RUnlock()

	var open []models.Charge
	for _, c := range all {
		c.mu.Lock()
		if c.charge.Status == models.ChargeCreated && c.charge.FinalizedAt == nil {
			open = append(open, cloneCharge(c.charge))
		}
		c.mu.Unlock()
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (s *MemoryStore) Finalize(_ context.Context, chargeID string, outcome Outcome) (*FinalizeResult, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("ledger: unknown outcome %q", outcome)
	}
	c := s.lookupCharge(chargeID)
	if c == nil {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &FinalizeResult{ChargeID: chargeID, RaffleID: c.charge.RaffleID, Outcome: outcome}
	if c.charge.FinalizedAt != nil {
		result.Duplicate = true
		result.Outcome = outcomeOf(c.charge.Status)
		return result, nil
	}

	now := s.clock.Now()
	c.charge.Status = outcome.ChargeStatus()
	c.charge.FinalizedAt = &now
	c.charge.UpdatedAt = now
	if outcome == OutcomeConfirmed {
		paidAt := now
		c.charge.PaidAt = &paidAt
	}

	for _, number := range c.charge.Numbers {
		row := s.lockRow(slotKey{c.charge.RaffleID, number}, false)
		if row == nil {
			continue
		}
		slot := &row.slot
		if slot.ChargeRef == chargeID &&
			(slot.Status == models.SlotPendingPayment || slot.Status == models.SlotCancelled) {
			if outcome == OutcomeConfirmed {
				slot.Status = models.SlotSold
				slot.ExpiresAt = nil
				slot.UpdatedAt = now
			} else {
				free(slot, now)
			}
			result.Numbers = append(result.Numbers, number)
		}
		row.mu.Unlock()
	}
	if outcome == OutcomeConfirmed {
		result.Lost = difference(c.charge.Numbers, result.Numbers)
	}
	return result, nil
}

func (s *MemoryStore) ExpireDue(_ context.Context, now time.Time) ([]Released, error) {
	var released []Released
	for _, row := range s.allRows() {
		row.mu.Lock()
		slot := &row.slot
		if !row.deleted && slot.Status.Pending() && slot.ExpiresAt != nil && !slot.ExpiresAt.After(now) {
			r := Released{RaffleID: slot.RaffleID, Number: slot.Number, ChargeRef: slot.ChargeRef}
			if slot.Status == models.SlotPendingPayment {
				slot.Status = models.SlotCancelled
				slot.ExpiresAt = nil
				slot.UpdatedAt = now
			} else {
				free(slot, now)
			}
			r.Status = slot.Status
			released = append(released, r)
		}
		row.mu.Unlock()
	}
	return released, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, raffleID uuid.UUID) (map[string]models.SlotStatus, error) {
	now := s.clock.Now()
	snapshot := make(map[string]models.SlotStatus)
	for _, row := range s.allRows() {
		row.mu.Lock()
		if !row.deleted && row.slot.RaffleID == raffleID {
			snapshot[row.slot.Number] = row.slot.EffectiveStatus(now)
		}
		row.mu.Unlock()
	}
	return snapshot, nil
}

// Purge skips rows that are busy; it is hygiene, not correctness.
func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, row := range s.rows {
		if !row.mu.TryLock() {
			continue
		}
		slot := row.slot
		if (slot.Status == models.SlotAvailable || slot.Status == models.SlotCancelled) && slot.UpdatedAt.Before(before) {
			row.deleted = true
			delete(s.rows, key)
			purged++
		}
		row.mu.Unlock()
	}
	return purged, nil
}

func free(slot *models.TicketSlot, now time.Time) {
	slot.Status = models.SlotAvailable
	slot.Holder = ""
	slot.ExpiresAt = nil
	slot.ChargeRef = ""
	slot.BuyerName, slot.BuyerPhone, slot.BuyerEmail = "", "", ""
	slot.Amount = 0
	slot.UpdatedAt = now
}

func cloneSlot(slot models.TicketSlot) models.TicketSlot {
	if slot.ExpiresAt != nil {
		exp := *slot.ExpiresAt
		slot.ExpiresAt = &exp
	}
	return slot
}

func cloneCharge(charge models.Charge) models.Charge {
	charge.Numbers = append([]string(nil), charge.Numbers...)
	if charge.PaidAt != nil {
		t := *charge.PaidAt
		charge.PaidAt = &t
	}
	if charge.FinalizedAt != nil {
		t := *charge.FinalizedAt
		charge.FinalizedAt = &t
	}
	return charge
}
