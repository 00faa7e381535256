package common

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WeightTracker follows the request weight a venue reports back in response
// headers so a connector can back off before it gets banned.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	log           *zap.Logger
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker.
// limit: maximum weight allowed (e.g., 1200 for spot, 2400 for futures)
// resetInterval: time window (e.g., 1 minute)
func NewWeightTracker(limit int, resetInterval time.Duration, log *zap.Logger) *WeightTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		log:           log,
	}
}

// UpdateFromHeader records the used weight from a response header value.
func (wt *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		wt.usedWeight = 0
		wt.lastReset = time.Now()
	}
	wt.usedWeight = weight

	pct := float64(wt.usedWeight) / float64(wt.limit) * 100
	switch {
	case pct >= 95:
		wt.log.Warn("request weight critical", zap.Int("used", wt.usedWeight), zap.Int("limit", wt.limit))
	case pct >= 80:
		wt.log.Info("request weight high", zap.Int("used", wt.usedWeight), zap.Int("limit", wt.limit))
	}
}

// Usage returns the current window usage.
func (wt *WeightTracker) Usage() (used int, limit int, percentage float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		return 0, wt.limit, 0
	}
	return wt.usedWeight, wt.limit, float64(wt.usedWeight) / float64(wt.limit) * 100
}

// ShouldDelay returns true once 90% of the window is used.
func (wt *WeightTracker) ShouldDelay() bool {
	_, _, pct := wt.Usage()
	return pct >= 90
}

// UntilReset is how long until the current window rolls over.
func (wt *WeightTracker) UntilReset() time.Duration {
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	d := wt.resetInterval - time.Since(wt.lastReset)
	if d < 0 {
		return 0
	}
	return d
}
