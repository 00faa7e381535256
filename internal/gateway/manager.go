package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"execution-core/pkg/cache"
	"execution-core/pkg/config"
	"execution-core/pkg/credentials"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

// Manager hands out one connector per (account, exchange) and shares a
// single public market data client per venue between paper accounts.
type Manager struct {
	opts     Options
	provider credentials.Provider
	factory  Factory

	mu         sync.Mutex
	connectors map[string]common.Connector
	sources    map[string]paper.CandleSource
}

func NewManager(provider credentials.Provider, factory Factory, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if factory == nil {
		factory = DefaultFactory
	}
	return &Manager{
		opts:       opts,
		provider:   provider,
		factory:    factory,
		connectors: make(map[string]common.Connector),
		sources:    make(map[string]paper.CandleSource),
	}
}

// Connector returns the cached connector for acc or builds it. Paper
// accounts and dry runs never resolve credentials.
func (m *Manager) Connector(acc config.AccountConfig) (common.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connectors[acc.Key()]; ok {
		return c, nil
	}

	var (
		conn common.Connector
		err  error
	)
	if m.Simulated(acc) {
		var src paper.CandleSource
		src, err = m.sourceLocked(acc.Exchange)
		if err == nil {
			conn = newPaper(acc, src, m.opts)
		}
	} else {
		conn, err = m.live(acc)
	}
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", acc.Key(), err)
	}

	m.connectors[acc.Key()] = conn
	m.opts.Log.Info("connector ready",
		zap.String("account", acc.ID), zap.String("exchange", acc.Exchange), zap.String("venue", conn.Name()),
		zap.Bool("dry_run", m.Simulated(acc)))
	return conn, nil
}

func (m *Manager) live(acc config.AccountConfig) (common.Connector, error) {
	if m.provider == nil {
		return nil, fmt.Errorf("no credential provider for %s", acc.Exchange)
	}
	cred, err := m.provider.Resolve(acc.Credential)
	if err != nil {
		return nil, err
	}
	return m.factory(acc, cred, m.opts)
}

func (m *Manager) sourceLocked(exchange string) (paper.CandleSource, error) {
	if src, ok := m.sources[exchange]; ok {
		return src, nil
	}
	src, err := MarketData(exchange, m.opts)
	if err != nil {
		return nil, err
	}
	if m.opts.Candles != nil {
		if c := m.opts.Candles(exchange); c != nil {
			src = &cachedSource{cache: c, source: src}
		}
	}
	m.sources[exchange] = src
	return src, nil
}

// Simulated reports whether acc trades on a paper venue.
func (m *Manager) Simulated(acc config.AccountConfig) bool {
	return m.opts.DryRun || acc.Exchange == config.ExchangePaper
}

// cachedSource serves paper market data through a shared candle cache.
type cachedSource struct {
	cache  *cache.CandleCache
	source paper.CandleSource
}

func (s *cachedSource) GetCandles(ctx context.Context, symbol, interval string, count int) ([]common.Candle, error) {
	return s.cache.Get(ctx, s.source.GetCandles, symbol, interval, count)
}

// Keys lists the accounts with a built connector.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.connectors))
	for k := range m.connectors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
