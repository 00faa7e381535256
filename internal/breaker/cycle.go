package breaker

import (
	"errors"

	"execution-core/pkg/exchanges/common"
)

// ErrCycleAborted marks work skipped because the cycle guard tripped.
var ErrCycleAborted = errors.New("scan cycle aborted")

// CycleGuard is the global breaker for one scan cycle: once more than
// threshold calls have failed, the rest of the cycle is skipped. A guard is
// used by a single loop goroutine and is not safe for concurrent use.
type CycleGuard struct {
	threshold int
	failures  int
}

func NewCycleGuard(threshold int) *CycleGuard {
	if threshold <= 0 {
		threshold = 5
	}
	return &CycleGuard{threshold: threshold}
}

// Record counts err if it is a transient venue failure. Business errors
// such as insufficient funds do not count.
func (g *CycleGuard) Record(err error) {
	if err == nil {
		return
	}
	if common.KindOf(err).Retryable() || errors.Is(err, ErrCircuitOpen) {
		g.failures++
	}
}

func (g *CycleGuard) Exceeded() bool { return g.failures > g.threshold }

func (g *CycleGuard) Failures() int { return g.failures }
