// Package balance tracks an account's quote balance between exchange
// refreshes and reserves funds for entries within a cycle.
package balance

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// Snapshot is the last known balance plus what the current cycle has
// reserved.
type Snapshot struct {
	Currency  string    `json:"currency"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	Reserved  float64   `json:"reserved"`
	SyncedAt  time.Time `json:"synced_at"`
}

// Tracker is the balance view of one account.
type Tracker struct {
	mu       sync.RWMutex
	log      *zap.Logger
	now      func() time.Time
	currency string
	total    float64
	avail    float64
	reserved float64
	syncedAt time.Time
}

func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{log: log, now: time.Now}
}

// Update replaces the balance with a fresh exchange read and drops any
// reservations.
func (t *Tracker) Update(b common.Balance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currency = b.Currency
	t.total = b.Total
	t.avail = b.Available
	t.reserved = 0
	t.syncedAt = t.now()
	t.log.Debug("balance synced", zap.String("currency", b.Currency),
		zap.Float64("total", b.Total), zap.Float64("available", b.Available))
}

// Available is what can still be committed to new entries.
func (t *Tracker) Available() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.avail - t.reserved
}

// Reserve sets amount aside for an entry.
func (t *Tracker) Reserve(amount float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if free := t.avail - t.reserved; amount > free {
		return fmt.Errorf("insufficient balance: need %.2f, have %.2f", amount, free)
	}
	t.reserved += amount
	return nil
}

// Settle releases a reservation, charging spent of it.
func (t *Tracker) Settle(reserved, spent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved -= reserved
	if t.reserved < 0 {
		t.reserved = 0
	}
	t.avail -= spent
	t.total -= spent
}

// Credit adds sale proceeds.
func (t *Tracker) Credit(amount float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.avail += amount
	t.total += amount
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Currency:  t.currency,
		Total:     t.total,
		Available: t.avail - t.reserved,
		Reserved:  t.reserved,
		SyncedAt:  t.syncedAt,
	}
}
