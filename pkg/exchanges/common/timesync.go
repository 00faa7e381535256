package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync keeps the offset between local and venue server time so signed
// requests stay inside the venue's receive window.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	stale         bool
	log           *zap.Logger
	mu            sync.RWMutex
}

func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), log *zap.Logger) *TimeSync {
	if log == nil {
		log = zap.NewNop()
	}
	return &TimeSync{getServerTime: getServerTime, log: log, stale: true}
}

// Sync measures the offset, assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	ts.stale = false
	ts.mu.Unlock()

	ts.log.Debug("time sync", zap.Int64("offset_ms", serverTime-localTime))
	return nil
}

// Invalidate forces a resync before the next signed request. Called after
// the venue rejects a request for being outside the receive window.
func (ts *TimeSync) Invalidate() {
	ts.mu.Lock()
	ts.stale = true
	ts.mu.Unlock()
}

// NeedsSync reports whether the offset is missing, invalidated or older
// than maxAge.
func (ts *TimeSync) NeedsSync(maxAge time.Duration) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.stale || time.Since(ts.lastSync) > maxAge
}

// Now returns current time adjusted for server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
