package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"execution-core/internal/strategy"
)

type Role string

const (
	RolePlatform Role = "PLATFORM"
	RoleUser     Role = "USER"
)

const (
	ExchangeBinanceSpot  = "binance_spot"
	ExchangeBinanceUSDTM = "binance_usdtm"
	ExchangePaper        = "paper"
)

// AccountConfig is one (account, exchange) pair to trade. Credential is an
// opaque handle resolved by the credential provider, never the key itself.
type AccountConfig struct {
	ID                string          `yaml:"id" validate:"required"`
	Role              Role            `yaml:"role" validate:"required,oneof=PLATFORM USER"`
	Exchange          string          `yaml:"exchange" validate:"required,oneof=binance_spot binance_usdtm paper"`
	Credential        string          `yaml:"credential" validate:"required_unless=Exchange paper"`
	QuoteAsset        string          `yaml:"quote_asset"`
	Symbols           []string        `yaml:"symbols" validate:"required,min=1,dive,required"`
	MaxPositions      int             `yaml:"max_positions" validate:"required,gt=0"`
	EntrySizeUSD      float64         `yaml:"entry_size_usd" validate:"gt=0"`
	BatchSize         int             `yaml:"batch_size" validate:"gte=0"`
	RequestsPerMinute int             `yaml:"requests_per_minute" validate:"gte=0"`
	DustThresholdUSD  float64         `yaml:"dust_threshold_usd" validate:"gte=0"`
	DustAction        string          `yaml:"dust_action" validate:"omitempty,oneof=ignore close"`
	ForcedUnwind      bool            `yaml:"forced_unwind"`
	Strategy          strategy.Config `yaml:"strategy"`
}

// Key identifies the trading loop of this entry.
func (a AccountConfig) Key() string { return a.ID + "@" + a.Exchange }

type accountsFile struct {
	Accounts []AccountConfig `yaml:"accounts" validate:"required,min=1,dive"`
}

// LoadAccounts reads and validates the account roster.
func LoadAccounts(path string) ([]AccountConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParseAccounts(data)
}

func ParseAccounts(data []byte) ([]AccountConfig, error) {
	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	for i := range file.Accounts {
		applyDefaults(&file.Accounts[i])
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid accounts file: %w", err)
	}

	seen := make(map[string]bool, len(file.Accounts))
	for _, a := range file.Accounts {
		if seen[a.Key()] {
			return nil, fmt.Errorf("invalid accounts file: duplicate account %s", a.Key())
		}
		seen[a.Key()] = true
	}
	return file.Accounts, nil
}

func applyDefaults(a *AccountConfig) {
	if a.QuoteAsset == "" {
		a.QuoteAsset = "USDT"
	}
	a.QuoteAsset = strings.ToUpper(a.QuoteAsset)
	for i, s := range a.Symbols {
		a.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if a.BatchSize == 0 {
		a.BatchSize = len(a.Symbols)
	}
	if a.DustAction == "" {
		a.DustAction = "ignore"
	}
	if a.Strategy.Type == "" {
		a.Strategy.Type = "ma_cross"
	}
}
