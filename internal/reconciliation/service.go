// Package reconciliation aligns an account's position store with what the
// exchange reports, at startup and optionally on an interval.
package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/position"
	"execution-core/internal/retry"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Recorder persists reconciliation reports for audit.
type Recorder interface {
	InsertReconcileAudit(ctx context.Context, r db.ReconcileAudit) (int64, error)
}

// Service reconciles one account. It mutates the account's Store, so it
// must run on the goroutine that owns the Store.
type Service struct {
	account  string
	exchange string
	store    *position.Store
	exec     *retry.Executor
	conn     common.Connector
	prices   position.PriceFunc
	recorder Recorder
	bus      *events.Bus
	log      *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	last    position.ReconcileReport
}

type Option func(*Service)

func WithPrices(f position.PriceFunc) Option { return func(s *Service) { s.prices = f } }
func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }
func WithBus(b *events.Bus) Option { return func(s *Service) { s.bus = b } }
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// WithInterval enables periodic reconciliation through Due.
func WithInterval(d time.Duration) Option { return func(s *Service) { s.interval = d } }

func NewService(account, exchange string, store *position.Store, exec *retry.Executor, conn common.Connector, opts ...Option) *Service {
	s := &Service{
		account:  account,
		exchange: exchange,
		store:    store,
		exec:     exec,
		conn:     conn,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Reconcile fetches the exchange's holdings through the retry executor and
// applies them to the store.
func (s *Service) Reconcile(ctx context.Context) (position.ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	holdings, err := retry.Call(ctx, s.exec, "get_open_positions", s.conn.GetOpenPositions)
	if err != nil {
		return position.ReconcileReport{}, fmt.Errorf("fetch exchange positions: %w", err)
	}
	report, err := s.store.Reconcile(holdings, s.prices)
	if err != nil {
		return position.ReconcileReport{}, fmt.Errorf("apply reconciliation: %w", err)
	}
	s.lastRun = s.now()
	s.last = report
	s.handleReport(ctx, report)
	return report, nil
}

// Due reports whether a periodic run is owed.
func (s *Service) Due() bool {
	if s.interval <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastRun) >= s.interval
}

// Last returns the most recent report and when it ran.
func (s *Service) Last() (position.ReconcileReport, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastRun
}

func (s *Service) handleReport(ctx context.Context, report position.ReconcileReport) {
	if !report.Changed() {
		s.log.Info("reconciliation ok, positions match", zap.Int("positions", report.Unchanged))
		return
	}
	s.log.Warn("reconciliation changed positions",
		zap.Strings("adopted", report.Adopted),
		zap.Strings("dropped", report.Dropped),
		zap.Int("adjusted", len(report.Adjusted)),
	)
	s.bus.Emit(events.EventReconcileReport, s.account, s.exchange, report)

	if s.recorder == nil {
		return
	}
	detail, err := json.Marshal(report)
	if err != nil {
		s.log.Warn("encode reconciliation report", zap.Error(err))
		return
	}
	if _, err := s.recorder.InsertReconcileAudit(ctx, db.ReconcileAudit{
		AccountID: s.account,
		Exchange:  s.exchange,
		Adopted:   len(report.Adopted),
		Dropped:   len(report.Dropped),
		Adjusted:  len(report.Adjusted),
		Detail:    string(detail),
		CreatedAt: s.now(),
	}); err != nil {
		s.log.Warn("record reconciliation report", zap.Error(err))
	}
}
