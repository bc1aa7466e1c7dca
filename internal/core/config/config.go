package config

import (
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/worker"
	"github.com/vietddude/custody/internal/gateway"
	redisclient "github.com/vietddude/custody/internal/infra/redis"
	"github.com/vietddude/custody/internal/infra/storage/postgres"
	"github.com/vietddude/custody/internal/reconcile"
	"github.com/vietddude/custody/internal/withdrawal"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     gateway.ServerConfig       `yaml:"server"`
	Gateway    gateway.Config             `yaml:"gateway"`
	Chains     []ChainConfig              `yaml:"chains"`
	Risk       RiskConfig                 `yaml:"risk"`
	Withdrawal withdrawal.Config          `yaml:"withdrawal"`
	Signer     withdrawal.SignerConfig    `yaml:"signer"`
	FeeOracle  withdrawal.FeeOracleConfig `yaml:"fee_oracle"`
	Reconcile  reconcile.Config           `yaml:"reconcile"`
	Expirer    worker.ExpirerConfig       `yaml:"expirer"`
	Redis      redisclient.Config         `yaml:"redis"`
	Logging    LoggingConfig              `yaml:"logging"`
	Database   postgres.Config            `yaml:"database"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig holds settings for one supported blockchain.
type ChainConfig struct {
	ChainID    domain.ChainID   `yaml:"id"`
	Type       domain.ChainType `yaml:"type"` // evm, solana
	RPCURL     string           `yaml:"rpc_url"`
	RPCTimeout time.Duration    `yaml:"rpc_timeout"`
	Depths     reconcile.Depths `yaml:"depths"`
}

// RiskConfig holds the rule thresholds of the risk engine.
type RiskConfig struct {
	// LargeAmountThreshold is the minor-unit amount at which the large-amount
	// rule triggers.
	LargeAmountThreshold string        `yaml:"large_amount_threshold"`
	LargeAmountWeight    int           `yaml:"large_amount_weight"`
	FrequencyWindow      time.Duration `yaml:"frequency_window"`
	FrequencyMax         int           `yaml:"frequency_max"`
	FrequencyWeight      int           `yaml:"frequency_weight"`
	NovelDestWeight      int           `yaml:"novel_dest_weight"`
	AssessmentTTL        time.Duration `yaml:"assessment_ttl"`
}
