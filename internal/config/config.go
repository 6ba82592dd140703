package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		Remittance string `json:"Remittance"`
	} `json:"contracts"`
}

// AppConfig groups everything the service reads at startup.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Cache      CacheConfig
	Broker     BrokerConfig
	Database   DatabaseConfig
	Telemetry  TelemetryConfig
}

type ServiceConfig struct {
	HTTPPort           int
	Environment        string
	LogLevel           string
	WalletAuthSkew     time.Duration
	WalletAuthRequired bool
	ShutdownTimeout    time.Duration
}

type ChainConfig struct {
	RPCURL                string
	PrivateKey            string
	Decimals              int32
	ReceiptPollInterval   time.Duration
	ReceiptTimeout        time.Duration
	PendingNotifyInterval time.Duration
	BreakerFailures       uint32
	BreakerTimeout        time.Duration
}

type CacheConfig struct {
	Driver   string // memory or redis
	RedisURL string
	Prefix   string
}

type BrokerConfig struct {
	URL      string
	Exchange string
}

type DatabaseConfig struct {
	JournalDriver string // memory, file or postgres
	JournalPath   string
	PostgresDSN   string
}

type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
}

// Load aggregates configuration from the environment, an optional .env file
// in the working directory and deployments.json.
func Load() (*AppConfig, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*AppConfig, error) {
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}

	deployCfg, err := loadDeployments(v.GetString("DEPLOYMENTS_PATH"))
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	if addr := v.GetString("CONTRACT_ADDRESS"); addr != "" {
		deployCfg.Contracts.Remittance = addr
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service: ServiceConfig{
			HTTPPort:           v.GetInt("API_HTTP_PORT"),
			Environment:        v.GetString("APP_ENV"),
			LogLevel:           v.GetString("LOG_LEVEL"),
			WalletAuthSkew:     seconds(v, "WALLET_AUTH_MAX_SKEW_SECONDS"),
			WalletAuthRequired: v.GetBool("WALLET_AUTH_REQUIRED"),
			ShutdownTimeout:    seconds(v, "SHUTDOWN_TIMEOUT_SECONDS"),
		},
		Chain: ChainConfig{
			RPCURL:                v.GetString("CHAIN_RPC_URL"),
			PrivateKey:            v.GetString("CHAIN_PRIVATE_KEY"),
			Decimals:              v.GetInt32("LEDGER_DECIMALS"),
			ReceiptPollInterval:   seconds(v, "RECEIPT_POLL_INTERVAL_SECONDS"),
			ReceiptTimeout:        seconds(v, "RECEIPT_TIMEOUT_SECONDS"),
			PendingNotifyInterval: seconds(v, "PENDING_NOTIFY_SECONDS"),
			BreakerFailures:       v.GetUint32("BREAKER_CONSECUTIVE_FAILURES"),
			BreakerTimeout:        seconds(v, "BREAKER_OPEN_SECONDS"),
		},
		Cache: CacheConfig{
			Driver:   strings.ToLower(v.GetString("CACHE_DRIVER")),
			RedisURL: v.GetString("REDIS_URL"),
			Prefix:   v.GetString("CACHE_PREFIX"),
		},
		Broker: BrokerConfig{
			URL:      v.GetString("RABBITMQ_URL"),
			Exchange: v.GetString("EVENTS_EXCHANGE"),
		},
		Database: DatabaseConfig{
			JournalDriver: strings.ToLower(v.GetString("JOURNAL_DRIVER")),
			JournalPath:   v.GetString("JOURNAL_PATH"),
			PostgresDSN:   v.GetString("POSTGRES_DSN"),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DEPLOYMENTS_PATH", "deployments.json")
	v.SetDefault("CONTRACT_ADDRESS", "")
	v.SetDefault("API_HTTP_PORT", 3000)
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("WALLET_AUTH_MAX_SKEW_SECONDS", 300)
	v.SetDefault("WALLET_AUTH_REQUIRED", false)
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 15)

	v.SetDefault("CHAIN_RPC_URL", "http://127.0.0.1:8545")
	v.SetDefault("CHAIN_PRIVATE_KEY", "")
	v.SetDefault("LEDGER_DECIMALS", 18)
	v.SetDefault("RECEIPT_POLL_INTERVAL_SECONDS", 2)
	v.SetDefault("RECEIPT_TIMEOUT_SECONDS", 0)
	v.SetDefault("PENDING_NOTIFY_SECONDS", 15)
	v.SetDefault("BREAKER_CONSECUTIVE_FAILURES", 5)
	v.SetDefault("BREAKER_OPEN_SECONDS", 30)

	v.SetDefault("CACHE_DRIVER", "memory")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("CACHE_PREFIX", "homeward:rm:")

	v.SetDefault("RABBITMQ_URL", "")
	v.SetDefault("EVENTS_EXCHANGE", "remittance_events")

	v.SetDefault("JOURNAL_DRIVER", "file")
	v.SetDefault("JOURNAL_PATH", filepath.Join(os.TempDir(), "homeward-journal.jsonl"))
	v.SetDefault("POSTGRES_DSN", "")

	v.SetDefault("OTEL_SERVICE_NAME", "homeward")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
}

func (c *AppConfig) validate() error {
	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return errors.New("CACHE_DRIVER=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown CACHE_DRIVER %q", c.Cache.Driver)
	}
	switch c.Database.JournalDriver {
	case "memory", "file":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return errors.New("JOURNAL_DRIVER=postgres requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown JOURNAL_DRIVER %q", c.Database.JournalDriver)
	}
	if c.Chain.Decimals <= 0 {
		return fmt.Errorf("LEDGER_DECIMALS must be positive, got %d", c.Chain.Decimals)
	}
	return nil
}

// loadDeployments tolerates a missing file; the contract address can come from
// CONTRACT_ADDRESS instead.
func loadDeployments(path string) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}
