// Package gateway builds exchange connectors for configured accounts.
package gateway

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"execution-core/pkg/cache"
	"execution-core/pkg/config"
	"execution-core/pkg/credentials"
	futusdt "execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/binance/spot"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

var ErrUnsupportedExchange = errors.New("unsupported exchange")

// Options are process-wide connector settings.
type Options struct {
	// DryRun swaps every live venue for a paper venue fed by that venue's
	// public market data.
	DryRun  bool
	Testnet bool
	Paper   config.Paper
	// Candles, when set, returns the candle cache of an exchange. Paper
	// venues then read market data through it, so accounts on one venue
	// share fetches while each venue still learns its own prices.
	Candles func(exchange string) *cache.CandleCache
	Log     *zap.Logger
}

// Factory builds a live connector for one account.
type Factory func(acc config.AccountConfig, cred credentials.Credential, opts Options) (common.Connector, error)

// DefaultFactory creates connectors based on the account's exchange.
func DefaultFactory(acc config.AccountConfig, cred credentials.Credential, opts Options) (common.Connector, error) {
	switch acc.Exchange {
	case config.ExchangeBinanceSpot:
		return spot.New(spot.Config{
			APIKey:     cred.APIKey(),
			APISecret:  cred.APISecret(),
			Testnet:    opts.Testnet,
			QuoteAsset: acc.QuoteAsset,
			Symbols:    acc.Symbols,
		}, opts.Log), nil

	case config.ExchangeBinanceUSDTM:
		return futusdt.NewClient(futusdt.Config{
			APIKey:     cred.APIKey(),
			APISecret:  cred.APISecret(),
			Testnet:    opts.Testnet,
			QuoteAsset: acc.QuoteAsset,
		}, opts.Log), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, acc.Exchange)
	}
}

// MarketData returns a keyless connector whose public klines feed paper
// venues. The paper exchange itself reads spot prices.
func MarketData(exchange string, opts Options) (paper.CandleSource, error) {
	switch exchange {
	case config.ExchangeBinanceSpot, config.ExchangePaper:
		return spot.New(spot.Config{Testnet: opts.Testnet}, opts.Log), nil
	case config.ExchangeBinanceUSDTM:
		return futusdt.NewClient(futusdt.Config{Testnet: opts.Testnet}, opts.Log), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, exchange)
}

func newPaper(acc config.AccountConfig, source paper.CandleSource, opts Options) *paper.Exchange {
	return paper.New(paper.Config{
		Name:           acc.Exchange,
		InitialBalance: opts.Paper.InitialBalance,
		Currency:       acc.QuoteAsset,
		FeeRate:        opts.Paper.FeeRate,
		SlippageBps:    opts.Paper.SlippageBps,
		FillRatio:      opts.Paper.FillRatio,
	}, source, opts.Log)
}
