package trading

import (
	"time"

	"execution-core/internal/balance"
	"execution-core/internal/breaker"
	"execution-core/internal/management"
	"execution-core/internal/position"
)

// Status is a point-in-time view of one loop for dashboards and health
// checks.
type Status struct {
	AccountID        string                       `json:"account_id"`
	Role             string                       `json:"role"`
	Exchange         string                       `json:"exchange"`
	State            management.State             `json:"state"`
	PositionCount    int                          `json:"position_count"`
	PositionsOverCap int                          `json:"positions_over_cap"`
	Cap              int                          `json:"cap"`
	ForcedUnwind     bool                         `json:"forced_unwind"`
	Balance          balance.Snapshot             `json:"balance"`
	HealthScore      int                          `json:"health_score"`
	Circuit          breaker.CircuitState         `json:"circuit"`
	Positions        map[string]position.Position `json:"positions"`

	Running        bool   `json:"running"`
	Halted         bool   `json:"halted"`
	Disabled       bool   `json:"disabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	LastError      string `json:"last_error,omitempty"`

	Cycles            int64         `json:"cycles"`
	LastCycleAt       time.Time     `json:"last_cycle_at"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`
}

// Clone returns a deep copy.
func (s Status) Clone() Status {
	out := s
	if s.Positions != nil {
		out.Positions = make(map[string]position.Position, len(s.Positions))
		for k, v := range s.Positions {
			out.Positions[k] = v
		}
	}
	return out
}

// Status returns a copy of the loop's latest status.
func (l *Loop) Status() Status {
	l.mu.RLock()
	out := l.status.Clone()
	l.mu.RUnlock()
	out.ForcedUnwind = l.machine.ForcedUnwind()
	out.Disabled = l.exec.Guard().Disabled()
	out.DisabledReason = l.exec.Guard().Reason()
	return out
}

func (l *Loop) setRunning(on bool) {
	l.mu.Lock()
	l.status.Running = on
	l.mu.Unlock()
}

func (l *Loop) setHalted(err error) {
	l.mu.Lock()
	l.status.Halted = true
	l.status.LastError = err.Error()
	l.mu.Unlock()
}

func (l *Loop) setLastError(err error) {
	l.mu.Lock()
	l.status.LastError = err.Error()
	l.mu.Unlock()
}

func (l *Loop) setEvaluation(ev management.Evaluation) {
	l.mu.Lock()
	l.status.State = ev.State
	l.status.PositionsOverCap = ev.OverCap
	l.status.Cap = ev.Cap
	l.mu.Unlock()
}

func (l *Loop) finishCycle(start time.Time, took time.Duration) {
	positions := l.store.Positions()
	circuit := l.exec.Breaker().Snapshot()
	bal := l.balance.Snapshot()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Positions = positions
	l.status.PositionCount = len(positions)
	l.status.Circuit = circuit
	l.status.HealthScore = circuit.HealthScore
	l.status.Balance = bal
	l.status.Cycles++
	l.status.LastCycleAt = start
	l.status.LastCycleDuration = took
}
