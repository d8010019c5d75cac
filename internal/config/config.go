package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultAppName          = "pbcex-settlement"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultIdempotencyLease = 30 * time.Second
	defaultIdempotencyWait  = 2 * time.Second
	defaultOracleTimeout    = 2 * time.Second
	defaultOracleMaxAge     = 30 * time.Second
	defaultQuoteTTL         = 5 * time.Second
	defaultHouseAccount     = "house:fees"
	defaultKafkaTopic       = "settlement.trades"
	defaultAuditInterval    = 5 * time.Minute
	defaultTradeRateLimit   = 60
	configFileEnvVar        = "CONFIG_FILE"
	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
)

// FeeConfig is the fee schedule of one real asset.
type FeeConfig struct {
	BasisPoints decimal.Decimal
	Floor       decimal.Decimal
}

// Config captures application runtime configuration loaded from the environment and an optional YAML file.
type Config struct {
	AppName          string
	AppEnv           string
	Port             string
	LogLevel         string
	DatabaseURL      string
	RedisURL         string
	JWTSecret        string
	ShutdownPeriod   time.Duration
	IdempotencyTTL   time.Duration
	IdempotencyLease time.Duration
	IdempotencyWait  time.Duration
	OracleURL        string
	OracleTimeout    time.Duration
	OracleMaxAge     time.Duration
	QuoteTTL         time.Duration
	Fees             map[string]FeeConfig
	Prices           map[string]decimal.Decimal
	HouseAccount     string
	KafkaBrokers     []string
	KafkaTopic       string
	AuditInterval    time.Duration
	TradeRateLimit   int
}

// Load reads configuration values. Environment variables win over the file named by CONFIG_FILE.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv(configFileEnvVar); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		AppName:          v.GetString("app_name"),
		AppEnv:           v.GetString("app_env"),
		Port:             v.GetString("port"),
		LogLevel:         strings.ToLower(v.GetString("log_level")),
		DatabaseURL:      v.GetString("database_url"),
		RedisURL:         v.GetString("redis_url"),
		JWTSecret:        v.GetString("jwt_secret"),
		ShutdownPeriod:   v.GetDuration("shutdown_timeout"),
		IdempotencyTTL:   v.GetDuration("idempotency_ttl"),
		IdempotencyLease: v.GetDuration("idempotency_lease"),
		IdempotencyWait:  v.GetDuration("idempotency_wait"),
		OracleURL:        v.GetString("oracle_url"),
		OracleTimeout:    v.GetDuration("oracle_timeout"),
		OracleMaxAge:     v.GetDuration("oracle_max_age"),
		QuoteTTL:         v.GetDuration("quote_ttl"),
		HouseAccount:     v.GetString("house_account"),
		KafkaBrokers:     splitList(v.Get("kafka_brokers")),
		KafkaTopic:       v.GetString("kafka_topic"),
		AuditInterval:    v.GetDuration("audit_interval"),
		TradeRateLimit:   v.GetInt("trade_rate_limit"),
	}

	// Legacy integer-seconds overrides.
	if v.IsSet(shutdownSecondsEnvVar) {
		cfg.ShutdownPeriod = time.Duration(v.GetInt(shutdownSecondsEnvVar)) * time.Second
	}
	if v.IsSet(idemTTLSecondsEnvVar) {
		cfg.IdempotencyTTL = time.Duration(v.GetInt(idemTTLSecondsEnvVar)) * time.Second
	}

	var err error
	if cfg.Fees, err = parseFees(v.Get("fees")); err != nil {
		return Config{}, err
	}
	if cfg.Prices, err = parsePrices(v.Get("prices")); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", defaultAppName)
	v.SetDefault("app_env", defaultAppEnv)
	v.SetDefault("port", defaultPort)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_timeout", defaultShutdownDelay)
	v.SetDefault("idempotency_ttl", defaultIdempotencyTTL)
	v.SetDefault("idempotency_lease", defaultIdempotencyLease)
	v.SetDefault("idempotency_wait", defaultIdempotencyWait)
	v.SetDefault("oracle_timeout", defaultOracleTimeout)
	v.SetDefault("oracle_max_age", defaultOracleMaxAge)
	v.SetDefault("quote_ttl", defaultQuoteTTL)
	v.SetDefault("house_account", defaultHouseAccount)
	v.SetDefault("kafka_topic", defaultKafkaTopic)
	v.SetDefault("audit_interval", defaultAuditInterval)
	v.SetDefault("trade_rate_limit", defaultTradeRateLimit)
	v.SetDefault("fees", "PAXG=50:0")
	// Keys read only through Get must be known to viper for AutomaticEnv to see them.
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("prices", "")
	for _, k := range []string{"database_url", "redis_url", "jwt_secret", "oracle_url"} {
		v.SetDefault(k, "")
	}
}

func (c Config) validate() error {
	if c.IsDevelopment() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.OracleURL == "" {
		return fmt.Errorf("ORACLE_URL must be set")
	}
	return nil
}

// IsDevelopment reports whether the service may fall back to in-memory backends.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "development", "dev", "local", "test":
		return true
	}
	return false
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// FeeAssets returns the configured fee asset symbols in sorted order.
func (c Config) FeeAssets() []string {
	out := make([]string, 0, len(c.Fees))
	for k := range c.Fees {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// parseFees accepts either the env form "PAXG=50:0.0001,USD=10:0.5" (basis points, floor) or a YAML map
// of asset -> {basis_points, floor}. Asset keys are upper-cased since viper lower-cases map keys.
func parseFees(raw any) (map[string]FeeConfig, error) {
	out := make(map[string]FeeConfig)
	switch val := raw.(type) {
	case nil:
		return out, nil
	case string:
		for _, item := range splitList(val) {
			sym, spec, ok := strings.Cut(item, "=")
			if !ok {
				return nil, fmt.Errorf("invalid FEES entry %q", item)
			}
			bps, floor, _ := strings.Cut(spec, ":")
			fee, err := newFee(bps, floor)
			if err != nil {
				return nil, fmt.Errorf("invalid FEES entry %q: %w", item, err)
			}
			out[strings.ToUpper(strings.TrimSpace(sym))] = fee
		}
	case map[string]any:
		for sym, entry := range val {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("invalid fees.%s: expected a map", sym)
			}
			fee, err := newFee(stringOf(m["basis_points"]), stringOf(m["floor"]))
			if err != nil {
				return nil, fmt.Errorf("invalid fees.%s: %w", sym, err)
			}
			out[strings.ToUpper(sym)] = fee
		}
	default:
		return nil, fmt.Errorf("invalid fees: unsupported type %T", raw)
	}
	return out, nil
}

func newFee(bps, floor string) (FeeConfig, error) {
	fee := FeeConfig{BasisPoints: decimal.Zero, Floor: decimal.Zero}
	var err error
	if s := strings.TrimSpace(bps); s != "" {
		if fee.BasisPoints, err = decimal.NewFromString(s); err != nil {
			return FeeConfig{}, fmt.Errorf("basis points: %w", err)
		}
	}
	if s := strings.TrimSpace(floor); s != "" {
		if fee.Floor, err = decimal.NewFromString(s); err != nil {
			return FeeConfig{}, fmt.Errorf("floor: %w", err)
		}
	}
	if fee.BasisPoints.IsNegative() || fee.Floor.IsNegative() {
		return FeeConfig{}, fmt.Errorf("negative fee")
	}
	return fee, nil
}

// parsePrices reads static development prices: "PAXG=2000,USD=1" or a YAML map.
func parsePrices(raw any) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	add := func(sym, price string) error {
		p, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil || !p.IsPositive() {
			return fmt.Errorf("invalid price for %s: %q", sym, price)
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = p
		return nil
	}
	switch val := raw.(type) {
	case nil:
	case string:
		for _, item := range splitList(val) {
			sym, price, ok := strings.Cut(item, "=")
			if !ok {
				return nil, fmt.Errorf("invalid PRICES entry %q", item)
			}
			if err := add(sym, price); err != nil {
				return nil, err
			}
		}
	case map[string]any:
		for sym, price := range val {
			if err := add(sym, stringOf(price)); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("invalid prices: unsupported type %T", raw)
	}
	return out, nil
}

func splitList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.Split(val, ",")
	case []any:
		for _, p := range val {
			parts = append(parts, stringOf(p))
		}
	case []string:
		parts = val
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
