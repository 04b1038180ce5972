package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/0gfoundation/0g-paygate/internal/guard"
	"github.com/0gfoundation/0g-paygate/internal/payment"
)

// Facilitator modes.
const (
	ModeRemote  = "remote"
	ModeLedger  = "ledger"
	ModeApprove = "approve"
)

type Config struct {
	Server      ServerConfig
	GRPC        GRPCConfig
	Payment     PaymentConfig
	Facilitator FacilitatorConfig
	Redis       RedisConfig
	Service     ServiceConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type GRPCConfig struct {
	Port int `mapstructure:"port"` // 0 disables the gRPC listener
}

type PaymentConfig struct {
	Network string `mapstructure:"network"`
	PayTo   string `mapstructure:"pay_to"`
	// PriceAtomic wins over PriceUSD. After Load it always holds the price.
	PriceAtomic         string `mapstructure:"price_atomic"`
	PriceUSD            string `mapstructure:"price_usd"`
	Asset               string `mapstructure:"asset"`
	AssetName           string `mapstructure:"asset_name"`
	AssetVersion        string `mapstructure:"asset_version"`
	AssetDecimals       int32  `mapstructure:"asset_decimals"`
	MaxTimeoutSec       int64  `mapstructure:"max_timeout_sec"`
	SettleFailureStatus int    `mapstructure:"settle_failure_status"`
}

type FacilitatorConfig struct {
	Mode       string `mapstructure:"mode"`
	URL        string `mapstructure:"url"`
	TimeoutSec int64  `mapstructure:"timeout_sec"`
	Retries    int    `mapstructure:"retries"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServiceConfig struct {
	Type string `mapstructure:"type"` // researcher | writer
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 3000)
	v.SetDefault("grpc.port", 0)
	v.SetDefault("payment.network", "base-sepolia")
	v.SetDefault("payment.asset_decimals", 6)
	v.SetDefault("payment.max_timeout_sec", 300)
	v.SetDefault("payment.settle_failure_status", 402)
	v.SetDefault("facilitator.mode", ModeRemote)
	v.SetDefault("facilitator.timeout_sec", 10)
	v.SetDefault("facilitator.retries", 1)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("service.type", "researcher")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                   "PORT",
		"grpc.port":                     "GRPC_PORT",
		"payment.network":               "NETWORK",
		"payment.pay_to":                "PAY_TO_ADDRESS",
		"payment.price_atomic":          "PRICE_ATOMIC",
		"payment.price_usd":             "PRICE",
		"payment.asset":                 "ASSET_ADDRESS",
		"payment.asset_name":            "ASSET_NAME",
		"payment.asset_version":         "ASSET_VERSION",
		"payment.asset_decimals":        "ASSET_DECIMALS",
		"payment.max_timeout_sec":       "PAYMENT_TIMEOUT_SEC",
		"payment.settle_failure_status": "SETTLE_FAILURE_STATUS",
		"facilitator.mode":              "FACILITATOR_MODE",
		"facilitator.url":               "FACILITATOR_URL",
		"facilitator.timeout_sec":       "FACILITATOR_TIMEOUT_SEC",
		"facilitator.retries":           "FACILITATOR_RETRIES",
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"service.type":                  "SERVICE_TYPE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	required := []req{
		{c.Payment.PayTo, "PAY_TO_ADDRESS"},
		{c.Payment.Network, "NETWORK"},
	}
	if c.Facilitator.Mode == ModeRemote {
		required = append(required, req{c.Facilitator.URL, "FACILITATOR_URL"})
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}

	if !common.IsHexAddress(c.Payment.PayTo) {
		return fmt.Errorf("PAY_TO_ADDRESS %q is not an address", c.Payment.PayTo)
	}
	if _, err := payment.LookupNetwork(c.Payment.Network); err != nil {
		return fmt.Errorf("NETWORK: %w", err)
	}

	switch c.Facilitator.Mode {
	case ModeRemote, ModeLedger, ModeApprove:
	default:
		return fmt.Errorf("FACILITATOR_MODE must be remote, ledger or approve, got %q", c.Facilitator.Mode)
	}
	switch c.Service.Type {
	case "researcher", "writer":
	default:
		return fmt.Errorf("SERVICE_TYPE must be researcher or writer, got %q", c.Service.Type)
	}
	if s := c.Payment.SettleFailureStatus; s != 400 && s != 402 {
		return fmt.Errorf("SETTLE_FAILURE_STATUS must be 400 or 402, got %d", s)
	}

	switch {
	case c.Payment.PriceAtomic != "":
		if _, err := payment.ParseAtomic(c.Payment.PriceAtomic); err != nil {
			return fmt.Errorf("PRICE_ATOMIC: %w", err)
		}
	case c.Payment.PriceUSD != "":
		atomic, err := ToAtomic(c.Payment.PriceUSD, c.Payment.AssetDecimals)
		if err != nil {
			return fmt.Errorf("PRICE: %w", err)
		}
		c.Payment.PriceAtomic = atomic
	default:
		return fmt.Errorf("required config missing: PRICE or PRICE_ATOMIC")
	}
	return nil
}

// ToAtomic converts a decimal token amount (e.g. "0.10") to atomic units at
// the given number of decimals. The result must be a whole number of units.
func ToAtomic(amount string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(amount), "$"))
	if err != nil {
		return "", fmt.Errorf("invalid decimal amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("amount %q is negative", amount)
	}
	if decimals < 0 {
		return "", fmt.Errorf("asset decimals must be non-negative, got %d", decimals)
	}
	atomic := d.Shift(decimals)
	if !atomic.IsInteger() {
		return "", fmt.Errorf("amount %q is finer than %d decimals", amount, decimals)
	}
	return atomic.String(), nil
}

// Guard returns the payment guard settings. The guard's bound on a
// facilitator call covers every retry attempt.
func (c *Config) Guard() guard.Config {
	return guard.Config{
		Network:             c.Payment.Network,
		PayTo:               c.Payment.PayTo,
		Amount:              c.Payment.PriceAtomic,
		Asset:               c.Payment.Asset,
		AssetName:           c.Payment.AssetName,
		AssetVersion:        c.Payment.AssetVersion,
		MaxTimeout:          time.Duration(c.Payment.MaxTimeoutSec) * time.Second,
		FacilitatorTimeout:  c.FacilitatorTimeout() * time.Duration(max(c.Facilitator.Retries, 0)+1),
		SettleFailureStatus: c.Payment.SettleFailureStatus,
	}
}

// FacilitatorTimeout is the per-attempt bound on facilitator calls.
func (c *Config) FacilitatorTimeout() time.Duration {
	return time.Duration(c.Facilitator.TimeoutSec) * time.Second
}
