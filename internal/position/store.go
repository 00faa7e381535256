// Package position keeps the durable per-account record of open positions.
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrCorrupted is logged when a position file could not be parsed and was
// moved aside.
var ErrCorrupted = errors.New("position file corrupted")

// Store is the position record of one account, persisted as a JSON object
// keyed by symbol. Every mutation is written to a temp file and renamed over
// the record before the in-memory view changes, so a crash at any point
// leaves either the old or the new record on disk.
//
// Exactly one trading loop writes to a Store; reads are safe from any
// goroutine.
type Store struct {
	path      string
	log       *zap.Logger
	now       func() time.Time
	mu        sync.RWMutex
	positions map[string]Position

	// beforeRename runs after the temp file is synced and before it
	// replaces the record. Tests use it to simulate a crash.
	beforeRename func(tmpPath string) error
}

// Open loads <dir>/<accountID>.json. A missing file is an empty store; a
// malformed one is renamed with a .corrupted suffix and the store starts
// empty.
func Open(dir, accountID string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create position dir: %w", err)
	}
	s := &Store{
		path:      filepath.Join(dir, accountID+".json"),
		log:       log.With(zap.String("account", accountID)),
		now:       time.Now,
		positions: make(map[string]Position),
	}
	s.removeStaleTemps()

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read position file: %w", err)
	}

	positions, perr := decode(data)
	if perr != nil {
		dest, qerr := s.quarantine()
		if qerr != nil {
			return nil, fmt.Errorf("quarantine %s: %w", s.path, qerr)
		}
		s.log.Warn("position file malformed, quarantined and starting empty",
			zap.String("path", s.path), zap.String("moved_to", dest), zap.Error(fmt.Errorf("%w: %w", ErrCorrupted, perr)))
		return s, nil
	}
	s.positions = positions
	s.log.Info("positions loaded", zap.Int("count", len(positions)), zap.String("path", s.path))
	return s, nil
}

func decode(data []byte) (map[string]Position, error) {
	raw := make(map[string]Position)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("null record")
	}
	out := make(map[string]Position, len(raw))
	for sym, p := range raw {
		if strings.TrimSpace(sym) == "" {
			return nil, errors.New("empty symbol")
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", sym, err)
		}
		p.Symbol = sym
		out[sym] = p
	}
	return out, nil
}

func (s *Store) quarantine() (string, error) {
	dest := s.path + ".corrupted"
	if _, err := os.Stat(dest); err == nil {
		dest = fmt.Sprintf("%s.%d.corrupted", s.path, s.now().UnixNano())
	}
	return dest, os.Rename(s.path, dest)
}

func (s *Store) removeStaleTemps() {
	matches, _ := filepath.Glob(s.path + ".tmp-*")
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			s.log.Info("removed stale temp file", zap.String("path", m))
		}
	}
}

func (s *Store) Path() string { return s.path }

// Positions returns a copy keyed by symbol.
func (s *Store) Positions() map[string]Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// Symbols returns held symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.positions))
	for k := range s.positions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Get(symbol string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// ApplyBuy records a filled buy, creating the position or folding the fill
// into the quantity-weighted average entry price.
func (s *Store) ApplyBuy(symbol string, qty, price float64, tag string, at time.Time) (Position, error) {
	if qty <= 0 || price <= 0 {
		return Position{}, fmt.Errorf("apply buy %s: quantity %v and price %v must be positive", symbol, qty, price)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.positions[symbol]
	q := decimal.NewFromFloat(qty)
	px := decimal.NewFromFloat(price)
	if !exists {
		p = Position{
			Symbol:         symbol,
			Quantity:       qty,
			EntryPrice:     price,
			USDCostBasis:   q.Mul(px).InexactFloat64(),
			FirstEntryTime: at,
			LastEntryTime:  at,
			NumAdds:        1,
			StrategyTag:    tag,
		}
	} else {
		oldQ := decimal.NewFromFloat(p.Quantity)
		oldP := decimal.NewFromFloat(p.EntryPrice)
		newQ := oldQ.Add(q)
		avg := px
		if p.EntryPrice > 0 {
			avg = oldQ.Mul(oldP).Add(q.Mul(px)).Div(newQ)
		}
		p.Quantity = newQ.InexactFloat64()
		p.EntryPrice = avg.InexactFloat64()
		p.USDCostBasis = decimal.NewFromFloat(p.USDCostBasis).Add(q.Mul(px)).InexactFloat64()
		p.LastEntryTime = at
		p.NumAdds++
		if p.StrategyTag == "" {
			p.StrategyTag = tag
		}
	}

	next := s.cloneLocked()
	next[symbol] = p
	if err := s.commitLocked(next); err != nil {
		return Position{}, err
	}
	return p, nil
}

// ApplySell reduces a position by a filled closing order and removes it once
// the remainder is (near) zero. qty is the unsigned fill: a sell for a long,
// a buy back for a short. Closing more than is tracked closes the position.
func (s *Store) ApplySell(symbol string, qty float64) (remaining Position, closed bool, err error) {
	if qty <= 0 {
		return Position{}, false, fmt.Errorf("apply sell %s: quantity %v must be positive", symbol, qty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return Position{}, false, fmt.Errorf("apply sell %s: no open position", symbol)
	}
	signed := decimal.NewFromFloat(p.Quantity)
	before := signed.Abs()
	left := before.Sub(decimal.NewFromFloat(qty))
	next := s.cloneLocked()

	if left.Sign() <= 0 || nearZero(left.InexactFloat64(), p.Quantity) {
		if left.Sign() < 0 {
			s.log.Warn("closed more than tracked, closing position",
				zap.String("symbol", symbol), zap.Float64("tracked", p.Quantity), zap.Float64("filled", qty))
		}
		delete(next, symbol)
		if err := s.commitLocked(next); err != nil {
			return Position{}, false, err
		}
		return Position{Symbol: symbol}, true, nil
	}

	p.USDCostBasis = decimal.NewFromFloat(p.USDCostBasis).Mul(left).Div(before).InexactFloat64()
	if signed.Sign() < 0 {
		left = left.Neg()
	}
	p.Quantity = left.InexactFloat64()
	next[symbol] = p
	if err := s.commitLocked(next); err != nil {
		return Position{}, false, err
	}
	return p, false, nil
}

func (s *Store) cloneLocked() map[string]Position {
	out := make(map[string]Position, len(s.positions)+1)
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// commitLocked persists next and then swaps it in.
func (s *Store) commitLocked(next map[string]Position) error {
	if err := s.write(next); err != nil {
		return err
	}
	s.positions = next
	return nil
}

func (s *Store) write(positions map[string]Position) error {
	data, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return fmt.Errorf("persist positions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
