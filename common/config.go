package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/web5fans/micro-pay/internal/ledger/ckb"
	"github.com/web5fans/micro-pay/storage"
)

const (
	ShannonsPerCKB = 100_000_000
	// A plain secp256k1 cell occupies 61 bytes; 65 CKB leaves room for the change it carries.
	DefaultReserve = 65 * ShannonsPerCKB
	DefaultFee     = 10_000
)

type ServerConfig struct {
	Host string `mapstructure:"host" json:"host,omitempty"`
	Port int64  `mapstructure:"port" json:"port,omitempty"`
}

type PlatformConfig struct {
	Mnemonic      string `mapstructure:"mnemonic" json:"-"`
	AddressCount  int    `mapstructure:"address_count" json:"address_count,omitempty"`
	Fee           uint64 `mapstructure:"fee" json:"fee,omitempty"`
	Reserve       uint64 `mapstructure:"reserve" json:"reserve,omitempty"`
	MinWithdrawal uint64 `mapstructure:"min_withdrawal" json:"min_withdrawal,omitempty"`
	MaxInputCells int    `mapstructure:"max_input_cells" json:"max_input_cells,omitempty"`
}

type JobsConfig struct {
	Cleanup struct {
		Interval time.Duration `mapstructure:"interval" json:"interval,omitempty"`
		Timeout  time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	} `mapstructure:"cleanup" json:"cleanup"`
	ChainCheck struct {
		Interval          time.Duration `mapstructure:"interval" json:"interval,omitempty"`
		MaxConcurrentJobs int           `mapstructure:"max_concurrent" json:"max_concurrent,omitempty"`
	} `mapstructure:"chain_check" json:"chain_check"`
	Accounting struct {
		Interval time.Duration `mapstructure:"interval" json:"interval,omitempty"`
	} `mapstructure:"accounting" json:"accounting"`
}

type CoreConfig struct {
	Server   ServerConfig `mapstructure:"server" json:"server"`
	Database struct {
		DSN string `mapstructure:"dsn" json:"dsn,omitempty"`
	} `mapstructure:"database" json:"database,omitempty"`
	Redis    storage.RedisConfig `mapstructure:"redis" json:"redis,omitempty"`
	CKB      ckb.Config          `mapstructure:"ckb" json:"ckb"`
	Platform PlatformConfig      `mapstructure:"platform" json:"platform"`
	Jobs     JobsConfig          `mapstructure:"jobs" json:"jobs"`
	Datadog  struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port string `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"datadog" json:"datadog"`
}

// ConfigName is the viper config file name, taken from MP_CONFIG_NAME.
func ConfigName() string {
	configName := os.Getenv("MP_CONFIG_NAME")
	if configName == "" {
		configName = "config"
	}
	return configName
}

func ReadConfig(configName string) (*CoreConfig, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to reading config file, %w", err)
	}
	var cfg CoreConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ckb.network", "testnet")
	v.SetDefault("platform.address_count", 2)
	v.SetDefault("platform.fee", DefaultFee)
	v.SetDefault("platform.reserve", DefaultReserve)
	v.SetDefault("platform.min_withdrawal", DefaultReserve)
	v.SetDefault("platform.max_input_cells", 64)
	v.SetDefault("jobs.cleanup.interval", time.Minute)
	v.SetDefault("jobs.cleanup.timeout", 5*time.Minute)
	v.SetDefault("jobs.chain_check.interval", 20*time.Second)
	v.SetDefault("jobs.chain_check.max_concurrent", 8)
	v.SetDefault("jobs.accounting.interval", 4*time.Hour)
}

func (c *CoreConfig) Validate() error {
	if c.Platform.AddressCount <= 0 {
		return fmt.Errorf("platform.address_count must be positive")
	}
	if c.Platform.MaxInputCells <= 0 {
		return fmt.Errorf("platform.max_input_cells must be positive")
	}
	if c.Jobs.Cleanup.Timeout <= 0 {
		return fmt.Errorf("jobs.cleanup.timeout must be positive")
	}
	return nil
}
