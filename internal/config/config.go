package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the swapmatch service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Matching   MatchingConfig   `mapstructure:"matching"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// FeedConfig describes one Chainlink price feed contract. Decimals, when set,
// skips the on-chain decimals() read for the feed.
type FeedConfig struct {
	Address  string `mapstructure:"address"`
	Inverse  bool   `mapstructure:"inverse"`
	Decimals int    `mapstructure:"decimals"`
}

// OracleConfig carries the aggregator thresholds and per-source settings.
// Feeds is keyed by "TOKENIN/TOKENOUT" token addresses; Symbols maps a token
// address to the market symbol used by the off-chain APIs.
type OracleConfig struct {
	RPCURL        string                `mapstructure:"rpc_url"`
	Staleness     time.Duration         `mapstructure:"staleness"`
	MinLiquidity  float64               `mapstructure:"min_liquidity"`
	MaxDeviation  float64               `mapstructure:"max_deviation"`
	SpreadWarn    float64               `mapstructure:"spread_warn"`
	MaxRetries    int                   `mapstructure:"max_retries"`
	RetryDelay    time.Duration         `mapstructure:"retry_delay"`
	FetchTimeout  time.Duration         `mapstructure:"fetch_timeout"`
	CacheTTL      time.Duration         `mapstructure:"cache_ttl"`
	CacheMaxItems int                   `mapstructure:"cache_max_items"`
	Feeds         map[string]FeedConfig `mapstructure:"feeds"`
	Symbols       map[string]string     `mapstructure:"symbols"`
	CoinGeckoIDs  map[string]string     `mapstructure:"coingecko_ids"`
}

type MatchingConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Workers       int           `mapstructure:"workers"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type SettlementConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	ChainID         int64         `mapstructure:"chain_id"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
}

// LoadConfig reads config.yaml from the working directory (or the path given
// via SWAPMATCH_CONFIG) and merges environment overrides.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	v.SetEnvPrefix("SWAPMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine: defaults plus env cover local runs
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("oracle.staleness", 5*time.Minute)
	v.SetDefault("oracle.min_liquidity", 100000.0)
	v.SetDefault("oracle.max_deviation", 0.01)
	v.SetDefault("oracle.spread_warn", 0.10)
	v.SetDefault("oracle.max_retries", 3)
	v.SetDefault("oracle.retry_delay", time.Second)
	v.SetDefault("oracle.fetch_timeout", 10*time.Second)
	v.SetDefault("oracle.cache_ttl", time.Minute)
	v.SetDefault("oracle.cache_max_items", 1024)

	v.SetDefault("matching.sweep_interval", 30*time.Second)
	v.SetDefault("matching.workers", 4)
	v.SetDefault("matching.max_retries", 3)
	v.SetDefault("matching.retry_delay", time.Second)

	v.SetDefault("settlement.chain_id", 42161)
	v.SetDefault("settlement.gas_limit", uint64(500000))
	v.SetDefault("settlement.max_retries", 3)
	v.SetDefault("settlement.retry_delay", time.Second)
	v.SetDefault("settlement.call_timeout", 15*time.Second)
}
