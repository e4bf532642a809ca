package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"exchange-risk-ledger/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LedgerConfig selects and tunes the key/value ledger backend.
type LedgerConfig struct {
	Backend      string         `mapstructure:"backend"`
	ReadOnly     bool           `mapstructure:"read_only"`
	IndexKey     string         `mapstructure:"index_key"`
	RecordPrefix string         `mapstructure:"record_prefix"`
	IndexMode    string         `mapstructure:"index_mode"`
	CASRetries   int            `mapstructure:"cas_retries"`
	ProbeTTL     time.Duration  `mapstructure:"probe_ttl"`
	Breaker      BreakerConfig  `mapstructure:"breaker"`
	Ethereum     EthereumConfig `mapstructure:"ethereum"`
	LevelDB      LevelDBConfig  `mapstructure:"leveldb"`
	Fabric       FabricConfig   `mapstructure:"fabric"`
}

// BreakerConfig guards ledger calls with a circuit breaker.
type BreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// EthereumConfig covers the contract-backed ledger.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	ChainID         int64         `mapstructure:"chain_id"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
}

// LevelDBConfig locates the embedded ledger.
type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

// FabricConfig locates the gateway profile and signing identity.
type FabricConfig struct {
	ConfigPath string `mapstructure:"config_path"`
	WalletPath string `mapstructure:"wallet_path"`
	Identity   string `mapstructure:"identity"`
	MSPID      string `mapstructure:"msp_id"`
	CertPath   string `mapstructure:"cert_path"`
	KeyPath    string `mapstructure:"key_path"`
	Channel    string `mapstructure:"channel"`
	Contract   string `mapstructure:"contract"`
}

// WorkflowConfig tunes the status banner.
type WorkflowConfig struct {
	DismissAfter    time.Duration `mapstructure:"dismiss_after"`
	ProcessingDelay time.Duration `mapstructure:"processing_delay"`
}

// DatabaseConfig encapsulates the event journal connection.
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver"`
	DSN              string        `mapstructure:"dsn"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval"`
}

// Enabled reports whether a journal should be opened.
func (d DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.DSN) != ""
}

// KafkaConfig routes workflow events to a topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Acks         int           `mapstructure:"acks"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	MinRisk      int            `mapstructure:"min_risk"`
	NotifyErrors bool           `mapstructure:"notify_errors"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig configures the HTTP surface of serve.
type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTIssuer       string        `mapstructure:"jwt_issuer"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// SchedulerConfig governs the background refresh loop.
type SchedulerConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
	ChartWidth    int `mapstructure:"chart_width"`
	ChartHeight   int `mapstructure:"chart_height"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXRISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "exrisk")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("ledger.backend", "leveldb")
	v.SetDefault("ledger.read_only", false)
	v.SetDefault("ledger.index_key", "exchange_keys")
	v.SetDefault("ledger.record_prefix", "exchange:")
	v.SetDefault("ledger.index_mode", "blind")
	v.SetDefault("ledger.cas_retries", 5)
	v.SetDefault("ledger.probe_ttl", "5s")
	v.SetDefault("ledger.breaker.enabled", true)
	v.SetDefault("ledger.breaker.max_failures", 5)
	v.SetDefault("ledger.breaker.reset_timeout", "30s")
	v.SetDefault("ledger.ethereum.gas_limit", uint64(500000))
	v.SetDefault("ledger.ethereum.request_timeout", "10s")
	v.SetDefault("ledger.ethereum.confirm_timeout", "2m")
	v.SetDefault("ledger.leveldb.path", "data/ledger")
	v.SetDefault("ledger.fabric.wallet_path", "wallet")
	v.SetDefault("ledger.fabric.identity", "appUser")

	v.SetDefault("workflow.dismiss_after", "3s")
	v.SetDefault("workflow.processing_delay", "2s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x65787269))
	v.SetDefault("database.lock_poll_interval", "100ms")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "exrisk.events")
	v.SetDefault("kafka.acks", -1)
	v.SetDefault("kafka.write_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_risk", 7)
	v.SetDefault("alerting.notify_errors", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.rate_limit", 5.0)
	v.SetDefault("api.rate_burst", 10)
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "2m")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("scheduler.refresh_interval", "30s")
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.chart_width", 1024)
	v.SetDefault("export.chart_height", 512)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "memory", "leveldb", "ethereum", "fabric":
	default:
		return fmt.Errorf("ledger.backend %q is not one of memory, leveldb, ethereum, fabric", c.Ledger.Backend)
	}
	if strings.TrimSpace(c.Ledger.IndexKey) == "" || strings.TrimSpace(c.Ledger.RecordPrefix) == "" {
		return fmt.Errorf("ledger.index_key and ledger.record_prefix must be set")
	}
	if strings.HasPrefix(c.Ledger.IndexKey, c.Ledger.RecordPrefix) {
		return fmt.Errorf("ledger.index_key %q collides with ledger.record_prefix %q", c.Ledger.IndexKey, c.Ledger.RecordPrefix)
	}
	switch c.Ledger.IndexMode {
	case "", "blind", "cas", "lock":
	default:
		return fmt.Errorf("ledger.index_mode %q is not one of blind, cas, lock", c.Ledger.IndexMode)
	}
	if c.Ledger.IndexMode == "cas" && c.Ledger.CASRetries <= 0 {
		return fmt.Errorf("ledger.cas_retries must be greater than zero in cas mode")
	}
	if c.Ledger.IndexMode == "lock" && !c.Database.Enabled() {
		return fmt.Errorf("ledger.index_mode lock requires database.dsn")
	}
	if c.Ledger.IndexMode == "lock" && c.Database.Driver != "postgres" {
		return fmt.Errorf("ledger.index_mode lock requires the postgres driver")
	}
	if c.Ledger.Backend == "ethereum" {
		if c.Ledger.Ethereum.RPCURL == "" || c.Ledger.Ethereum.ContractAddress == "" {
			return fmt.Errorf("ledger.ethereum.rpc_url and contract_address are required")
		}
		if c.Ledger.Ethereum.PrivateKey != "" && c.Ledger.Ethereum.ChainID <= 0 {
			return fmt.Errorf("ledger.ethereum.chain_id is required with a private key")
		}
	}
	if c.Workflow.DismissAfter <= 0 {
		return fmt.Errorf("workflow.dismiss_after must be greater than zero")
	}
	if c.Workflow.ProcessingDelay < 0 {
		return fmt.Errorf("workflow.processing_delay cannot be negative")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not one of postgres, sqlite", c.Database.Driver)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Alerting.MinRisk < 1 || c.Alerting.MinRisk > 10 {
		return fmt.Errorf("alerting.min_risk must be between 1 and 10")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		return fmt.Errorf("api.rate_limit and api.rate_burst cannot be negative")
	}
	if c.Scheduler.RefreshInterval < 0 {
		return fmt.Errorf("scheduler.refresh_interval cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
