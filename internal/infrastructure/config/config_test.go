package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "mainnet", cfg.Payment.Network)
	assert.False(t, cfg.IsDevMode(), "production is the default")

	assert.Same(t, cfg, Get())
}

func TestLoad_EnvironmentBindings(t *testing.T) {
	t.Setenv(EnvInfuraProjectID, "proj-123")
	t.Setenv(EnvWalletAddress, "0xdAC17F958D2ee523a2206206994597C13D831ec7")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLockFile, "/tmp/agentpay.lock")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "proj-123", cfg.Payment.InfuraProjectID)
	assert.Equal(t, "0xdAC17F958D2ee523a2206206994597C13D831ec7", cfg.Payment.WalletAddress)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "/tmp/agentpay.lock", cfg.LockFile)
}

func TestLoad_RejectsBadLogLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "loud")
	_, err := Load()
	require.Error(t, err)
}

func TestIsDevMode(t *testing.T) {
	tests := []struct {
		name        string
		devMode     string
		environment string
		want        bool
	}{
		{name: "unset", want: false},
		{name: "flag 1", devMode: "1", want: true},
		{name: "flag true", devMode: "true", want: true},
		{name: "flag TRUE mixed case", devMode: "TRUE", want: true},
		{name: "flag dev", devMode: "dev", want: true},
		{name: "flag test", devMode: "test", want: true},
		{name: "flag production-ish value", devMode: "0", want: false},
		{name: "environment development", environment: "development", want: true},
		{name: "environment testing", environment: "testing", want: true},
		{name: "environment production", environment: "production", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DevMode: tt.devMode, Environment: tt.environment}
			assert.Equal(t, tt.want, cfg.IsDevMode())
		})
	}

	t.Run("env var alias", func(t *testing.T) {
		t.Setenv(EnvEnvironmentAlt, "test")
		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.IsDevMode())
	})

	var nilCfg *Config
	assert.False(t, nilCfg.IsDevMode())
}
