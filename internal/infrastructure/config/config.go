// Package config loads SDK configuration from an optional agentpay.yaml
// file and environment variables, and answers the dev-mode question the
// rest of the SDK keys off.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Environment variable names. The irregular casing is part of the public
// contract of the SDK and is bound explicitly rather than derived.
const (
	EnvInfuraProjectID = "INFURA_PROJECT_ID"
	EnvWalletAddress   = "WALLET_ADDRESS"
	EnvDevMode         = "AIAgentPayments_DevMode"
	EnvEnvironment     = "AIAgentPayments_Environment"
	EnvEnvironmentAlt  = "AIA_PAYMENTS_ENV"
	EnvLogLevel        = "AIAgentPayments_LogLevel"
	EnvLogFile         = "AIAgentPayments_LogFile"
	EnvLogColors       = "AIAgentPayments_LogColors"
	EnvLockFile        = "AIAgentPayments_LockFile"
)

// PaymentConfig holds the on-chain provider settings.
type PaymentConfig struct {
	InfuraProjectID string `mapstructure:"infura_project_id"`
	WalletAddress   string `mapstructure:"wallet_address"`
	Network         string `mapstructure:"network" validate:"omitempty,oneof=mainnet sepolia"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory file sql"`
	Path    string `mapstructure:"path"`
}

// LoggerConfig holds the logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File   string `mapstructure:"file"`
	Colors bool   `mapstructure:"colors"`
}

// Config is the loaded SDK configuration.
type Config struct {
	Payment     PaymentConfig `mapstructure:"payment"`
	Storage     StorageConfig `mapstructure:"storage"`
	Logger      LoggerConfig  `mapstructure:"logger"`
	DevMode     string        `mapstructure:"dev_mode"`
	Environment string        `mapstructure:"environment"`
	LockFile    string        `mapstructure:"lock_file"`
}

var (
	appConfig   *Config
	appConfigMu sync.RWMutex
)

// Load reads agentpay.yaml (optional) plus environment variables and caches
// the result for Get.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("agentpay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; env vars and defaults carry the config.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	appConfigMu.Lock()
	appConfig = &cfg
	appConfigMu.Unlock()

	return &cfg, nil
}

// Get returns the loaded configuration, nil before the first Load.
func Get() *Config {
	appConfigMu.RLock()
	defer appConfigMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("payment.network", "mainnet")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.path", "")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.colors", true)
	v.SetDefault("dev_mode", "")
	v.SetDefault("environment", "")
	v.SetDefault("lock_file", "")
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("payment.infura_project_id", EnvInfuraProjectID)
	v.BindEnv("payment.wallet_address", EnvWalletAddress)
	v.BindEnv("dev_mode", EnvDevMode)
	v.BindEnv("environment", EnvEnvironment, EnvEnvironmentAlt)
	v.BindEnv("logger.level", EnvLogLevel)
	v.BindEnv("logger.file", EnvLogFile)
	v.BindEnv("logger.colors", EnvLogColors)
	v.BindEnv("lock_file", EnvLockFile)
}

// devModeValues are the accepted truthy spellings of the dev-mode flag.
var devModeValues = map[string]bool{
	"1":    true,
	"true": true,
	"dev":  true,
	"test": true,
}

// devEnvironments are environment names that imply dev mode.
var devEnvironments = map[string]bool{
	"dev":         true,
	"development": true,
	"test":        true,
	"testing":     true,
}

// IsDevMode reports whether the configuration asks for development
// behavior: relaxed startup validation, degraded-path tolerance, synthetic
// price feeds. Production is the default.
func (c *Config) IsDevMode() bool {
	if c == nil {
		return false
	}
	if devModeValues[strings.ToLower(strings.TrimSpace(c.DevMode))] {
		return true
	}
	return devEnvironments[strings.ToLower(strings.TrimSpace(c.Environment))]
}
