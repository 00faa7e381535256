// Package management decides, once per cycle, whether an account may open
// positions, must drain down to its cap, or must unwind everything.
package management

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/pkg/db"
)

type State string

const (
	StateNormal       State = "NORMAL"
	StateDrain        State = "DRAIN"
	StateForcedUnwind State = "FORCED_UNWIND"
)

var allStates = []string{string(StateNormal), string(StateDrain), string(StateForcedUnwind)}

// EntriesAllowed reports whether new positions may be opened in s.
func (s State) EntriesAllowed() bool { return s == StateNormal }

// ExitReason says why a position was queued for exit.
type ExitReason string

const (
	ReasonDrain        ExitReason = "drain"
	ReasonForcedUnwind ExitReason = "forced_unwind"
)

// Exit is a position the loop must close this cycle.
type Exit struct {
	Symbol   string     `json:"symbol"`
	Quantity float64    `json:"quantity"`
	ValueUSD float64    `json:"value_usd"`
	Reason   ExitReason `json:"reason"`
}

// Evaluation is the outcome of one cycle's evaluation. OverCap is signed:
// negative values are free slots.
type Evaluation struct {
	State        State  `json:"state"`
	Previous     State  `json:"previous,omitempty"`
	Count        int    `json:"position_count"`
	Cap          int    `json:"cap"`
	OverCap      int    `json:"positions_over_cap"`
	ForcedUnwind bool   `json:"forced_unwind"`
	Exits        []Exit `json:"exits,omitempty"`
}

// Excess is the number of positions above the cap, never negative.
func (e Evaluation) Excess() int {
	if e.OverCap > 0 {
		return e.OverCap
	}
	return 0
}

// FreeSlots is how many entries fit under the cap.
func (e Evaluation) FreeSlots() int {
	if e.OverCap < 0 {
		return -e.OverCap
	}
	return 0
}

func (e Evaluation) Changed() bool { return e.Previous != e.State }

// InvariantViolation means the state model is inconsistent. It is a
// programming error; the account's loop must stop.
type InvariantViolation struct {
	Invariant  string
	Evaluation Evaluation
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("management invariant violated: %s (state=%s count=%d cap=%d over_cap=%d)",
		v.Invariant, v.Evaluation.State, v.Evaluation.Count, v.Evaluation.Cap, v.Evaluation.OverCap)
}

// TransitionRecorder persists state changes.
type TransitionRecorder interface {
	InsertTransition(ctx context.Context, t db.TransitionAudit) (int64, error)
}

// Machine is the management state of one account. State is recomputed from
// the positions and the forced-unwind flag on every Evaluate; only the
// previous state is kept, for transition logging.
type Machine struct {
	account  string
	exchange string
	cap      int
	log      *zap.Logger
	bus      *events.Bus
	recorder TransitionRecorder
	now      func() time.Time

	forced atomic.Bool

	mu   sync.RWMutex
	last Evaluation
}

type Option func(*Machine)

func WithLogger(l *zap.Logger) Option { return func(m *Machine) { m.log = l } }
func WithBus(b *events.Bus) Option { return func(m *Machine) { m.bus = b } }
func WithRecorder(r TransitionRecorder) Option { return func(m *Machine) { m.recorder = r } }
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func New(account, exchange string, maxPositions int, opts ...Option) *Machine {
	m := &Machine{
		account:  account,
		exchange: exchange,
		cap:      maxPositions,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine) Cap() int { return m.cap }

// SetForcedUnwind is the emergency control input for this account.
func (m *Machine) SetForcedUnwind(on bool) {
	if m.forced.Swap(on) != on {
		m.log.Warn("forced unwind flag changed", zap.Bool("forced_unwind", on))
	}
}

func (m *Machine) ForcedUnwind() bool { return m.forced.Load() }

// Last returns the most recent evaluation.
func (m *Machine) Last() Evaluation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.last
	out.Exits = append([]Exit(nil), m.last.Exits...)
	return out
}

// Evaluate computes the state for positions and queues forced exits. prices
// maps symbol to the latest price; symbols without one are valued at cost
// basis.
func (m *Machine) Evaluate(ctx context.Context, positions map[string]position.Position, prices map[string]float64) (Evaluation, error) {
	forced := m.forced.Load()
	count := len(positions)
	overCap := count - m.cap

	var st State
	switch {
	case forced:
		st = StateForcedUnwind
	case overCap > 0:
		st = StateDrain
	default:
		st = StateNormal
	}

	m.mu.RLock()
	prev := m.last.State
	m.mu.RUnlock()

	ev := Evaluation{
		State:        st,
		Previous:     prev,
		Count:        count,
		Cap:          m.cap,
		OverCap:      overCap,
		ForcedUnwind: forced,
	}
	if err := check(ev, count); err != nil {
		m.log.Error("management invariant violated, stopping account", zap.Error(err))
		m.bus.Emit(events.EventAccountAlert, m.account, m.exchange, map[string]any{
			"reason": "invariant_violation", "error": err.Error(),
		})
		return ev, err
	}

	switch st {
	case StateForcedUnwind:
		ev.Exits = rank(positions, prices, count, ReasonForcedUnwind)
	case StateDrain:
		ev.Exits = rank(positions, prices, ev.Excess(), ReasonDrain)
	}

	m.mu.Lock()
	m.last = ev
	m.mu.Unlock()

	monitor.SetState(m.account, m.exchange, string(st), allStates)
	monitor.Positions.WithLabelValues(m.account, m.exchange).Set(float64(count))
	monitor.PositionsOverCap.WithLabelValues(m.account, m.exchange).Set(float64(overCap))

	if ev.Changed() {
		m.transition(ctx, ev)
	}
	return ev, nil
}

// check enforces the state invariants on ev. count is the number of
// positions that ev was computed from.
func check(ev Evaluation, count int) error {
	fail := func(inv string) error { return &InvariantViolation{Invariant: inv, Evaluation: ev} }
	switch {
	case ev.Count < 0:
		return fail("position count must not be negative")
	case ev.Count != count:
		return fail("position count must match the store")
	case ev.OverCap != ev.Count-ev.Cap:
		return fail("positions_over_cap must equal count minus cap")
	case ev.State == StateDrain && ev.OverCap <= 0:
		return fail("DRAIN requires positions over cap")
	case ev.State == StateNormal && ev.OverCap > 0:
		return fail("NORMAL requires no positions over cap")
	case ev.State == StateForcedUnwind && !ev.ForcedUnwind:
		return fail("FORCED_UNWIND requires the forced unwind flag")
	}
	return nil
}

// rank returns the n smallest positions by USD value, symbol order breaking
// ties.
func rank(positions map[string]position.Position, prices map[string]float64, n int, reason ExitReason) []Exit {
	exits := make([]Exit, 0, len(positions))
	for sym, p := range positions {
		exits = append(exits, Exit{Symbol: sym, Quantity: p.Quantity, ValueUSD: p.Value(prices[sym]), Reason: reason})
	}
	sort.Slice(exits, func(i, j int) bool {
		if exits[i].ValueUSD != exits[j].ValueUSD {
			return exits[i].ValueUSD < exits[j].ValueUSD
		}
		return exits[i].Symbol < exits[j].Symbol
	})
	if n < len(exits) {
		exits = exits[:n]
	}
	return exits
}

func (m *Machine) transition(ctx context.Context, ev Evaluation) {
	from := string(ev.Previous)
	if from == "" {
		from = "NONE"
	}
	m.log.Info("management state transition",
		zap.String("from", from),
		zap.String("to", string(ev.State)),
		zap.Int("position_count", ev.Count),
		zap.Int("cap", ev.Cap),
		zap.Int("excess", ev.Excess()),
		zap.Bool("forced_unwind", ev.ForcedUnwind),
	)
	m.bus.Emit(events.EventStateTransition, m.account, m.exchange, map[string]any{
		"from": from, "to": ev.State, "position_count": ev.Count, "cap": ev.Cap, "excess": ev.Excess(),
	})
	if m.recorder == nil {
		return
	}
	_, err := m.recorder.InsertTransition(ctx, db.TransitionAudit{
		AccountID:     m.account,
		FromState:     from,
		ToState:       string(ev.State),
		PositionCount: ev.Count,
		Cap:           ev.Cap,
		OverCap:       ev.OverCap,
		ForcedUnwind:  ev.ForcedUnwind,
		CreatedAt:     m.now(),
	})
	if err != nil {
		m.log.Warn("record state transition", zap.Error(err))
	}
}
