package retry

import (
	"sync"
	"time"
)

// AccountGuard records that an account has been permanently disabled for
// this run. Once disabled it never re-enables.
type AccountGuard struct {
	mu       sync.RWMutex
	disabled bool
	reason   string
	at       time.Time
}

// Disable marks the account failed. It returns true only for the first call.
func (g *AccountGuard) Disable(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disabled {
		return false
	}
	g.disabled = true
	g.reason = reason
	g.at = time.Now()
	return true
}

func (g *AccountGuard) Disabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.disabled
}

func (g *AccountGuard) Reason() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reason
}
