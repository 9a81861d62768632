package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const weightSumEpsilon = 1e-6

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
	Exec      ExecConfig      `yaml:"exec"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	History   HistoryConfig   `yaml:"history"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxPriceAge    time.Duration `yaml:"max_price_age"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type RebalanceConfig struct {
	Targets          map[string]float64 `yaml:"targets"`
	QuoteCurrency    string             `yaml:"quote_currency"`
	Threshold        float64            `yaml:"threshold"`
	MinOrderNotional float64            `yaml:"min_order_notional"`
	Stablecoins      []string           `yaml:"stablecoins"`
	DustAmount       float64            `yaml:"dust_amount"`
	Schedule         string             `yaml:"schedule"`
	LockWait         time.Duration      `yaml:"lock_wait"`
}

type ExecConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.gateio.ws/api/v4"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.gateio.ws/ws/v4/"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.WS.MaxPriceAge == 0 {
		cfg.WS.MaxPriceAge = 15 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/gate-rebalance-bot.db"
	}
	if cfg.Rebalance.QuoteCurrency == "" {
		cfg.Rebalance.QuoteCurrency = "USDT"
	}
	if cfg.Rebalance.Threshold == 0 {
		cfg.Rebalance.Threshold = 0.05
	}
	if cfg.Rebalance.MinOrderNotional == 0 {
		cfg.Rebalance.MinOrderNotional = 1.0
	}
	if len(cfg.Rebalance.Stablecoins) == 0 {
		cfg.Rebalance.Stablecoins = []string{"USDT", "USDC"}
	}
	if cfg.Rebalance.DustAmount == 0 {
		cfg.Rebalance.DustAmount = 5.0
	}
	if cfg.Rebalance.Schedule == "" {
		cfg.Rebalance.Schedule = "@every 5m"
	}
	if cfg.Rebalance.LockWait == 0 {
		cfg.Rebalance.LockWait = 10 * time.Second
	}
	if cfg.Exec.MaxAttempts == 0 {
		cfg.Exec.MaxAttempts = 5
	}
	if cfg.Exec.InitialBackoff == 0 {
		cfg.Exec.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.Exec.SubmitTimeout == 0 {
		cfg.Exec.SubmitTimeout = 10 * time.Second
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if len(cfg.Rebalance.Targets) == 0 {
		return errors.New("rebalance.targets is required")
	}
	sum := 0.0
	for symbol, weight := range cfg.Rebalance.Targets {
		if symbol == "" {
			return errors.New("rebalance.targets contains an empty symbol")
		}
		if weight < 0 || weight > 1 {
			return fmt.Errorf("rebalance.targets.%s must be in [0,1], got %v", symbol, weight)
		}
		sum += weight
	}
	if math.Abs(sum-1) > weightSumEpsilon {
		return fmt.Errorf("rebalance.targets must sum to 1, got %v", sum)
	}
	if cfg.Rebalance.Threshold <= 0 || cfg.Rebalance.Threshold >= 1 {
		return errors.New("rebalance.threshold must be in (0,1)")
	}
	if cfg.Rebalance.MinOrderNotional < 0 {
		return errors.New("rebalance.min_order_notional must be >= 0")
	}
	if cfg.Rebalance.DustAmount < 0 {
		return errors.New("rebalance.dust_amount must be >= 0")
	}
	if cfg.Exec.MaxAttempts < 1 {
		return errors.New("exec.max_attempts must be >= 1")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}
