package usdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "agentpay/internal/shared/errors"
)

func TestChecksumWallet(t *testing.T) {
	t.Run("lowercase is accepted and checksummed", func(t *testing.T) {
		addr, err := checksumWallet("0xdac17f958d2ee523a2206206994597c13d831ec7")
		require.NoError(t, err)
		assert.Equal(t, "0xdAC17F958D2ee523a2206206994597C13D831ec7", addr.Hex())
	})

	t.Run("valid checksum is accepted", func(t *testing.T) {
		_, err := checksumWallet("0xdAC17F958D2ee523a2206206994597C13D831ec7")
		require.NoError(t, err)
	})

	t.Run("broken checksum is rejected", func(t *testing.T) {
		// Same address with two letters' case swapped.
		_, err := checksumWallet("0xDac17f958D2ee523a2206206994597C13D831ec7")
		require.Error(t, err)
		assert.True(t, apperrors.IsConfigurationError(err))
	})

	t.Run("malformed hex is rejected", func(t *testing.T) {
		for _, bad := range []string{"", "0x123", "not-an-address", "0xzz017f958d2ee523a2206206994597c13d831ec7"} {
			_, err := checksumWallet(bad)
			assert.Error(t, err, "input %q", bad)
		}
	})
}

func TestResolveNetwork(t *testing.T) {
	mainnet, err := resolveNetwork(NetworkMainnet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mainnet.chainID)
	assert.Equal(t, "0xdAC17F958D2ee523a2206206994597C13D831ec7", mainnet.contractAddress.Hex())

	sepolia, err := resolveNetwork(NetworkSepolia)
	require.NoError(t, err)
	assert.Equal(t, int64(11155111), sepolia.chainID)

	t.Run("deprecated networks are rejected", func(t *testing.T) {
		for _, n := range []Network{"goerli", "ropsten", "rinkeby", "kovan"} {
			_, err := resolveNetwork(n)
			require.Error(t, err, "network %s", n)
			assert.True(t, apperrors.IsConfigurationError(err))
		}
	})

	t.Run("unknown network is rejected", func(t *testing.T) {
		_, err := resolveNetwork("polygon")
		require.Error(t, err)
	})
}

func TestConfig_RPCEndpoint(t *testing.T) {
	cfg := Config{Network: NetworkSepolia, ProjectID: "abc123"}
	assert.Equal(t, "https://sepolia.infura.io/v3/abc123", cfg.rpcEndpoint())

	cfg.RPCURL = "http://localhost:8545"
	assert.Equal(t, "http://localhost:8545", cfg.rpcEndpoint())
}

func TestConfig_ValidateProjectID(t *testing.T) {
	for _, dummy := range []string{"", "dummy", "test", "YOUR_PROJECT_ID"} {
		cfg := Config{ProjectID: dummy}
		assert.NoError(t, cfg.validateProjectID(true), "dev mode tolerates %q", dummy)
		assert.Error(t, cfg.validateProjectID(false), "production rejects %q", dummy)
	}

	cfg := Config{ProjectID: "1f9840a85d5af5bf1d1762f925bdaddc"}
	assert.NoError(t, cfg.validateProjectID(false))

	// An explicit RPC URL makes the project id irrelevant.
	cfg = Config{RPCURL: "http://localhost:8545"}
	assert.NoError(t, cfg.validateProjectID(false))
}
