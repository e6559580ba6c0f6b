// Package usdt implements the on-chain ERC-20 payment provider: payments
// are settled by watching for Transfer events to a receiving wallet on the
// canonical USDT contract and verified against confirmations, receipts,
// and the canonical chain.
package usdt

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	apperrors "agentpay/internal/shared/errors"
)

// Network is a supported Ethereum network.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkSepolia Network = "sepolia"
)

// networkConfig is the per-network operating profile.
type networkConfig struct {
	chainID              int64
	contractAddress      common.Address
	blockTimeSeconds     float64
	defaultConfirmations int
	defaultMaxGasGwei    float64
}

var networks = map[Network]networkConfig{
	NetworkMainnet: {
		chainID:              1,
		contractAddress:      common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"),
		blockTimeSeconds:     12,
		defaultConfirmations: 12,
		defaultMaxGasGwei:    100,
	},
	NetworkSepolia: {
		chainID:              11155111,
		contractAddress:      common.HexToAddress("0x7169D38820dfd117C3FA1f22a697dBA58d90BA06"),
		blockTimeSeconds:     12,
		defaultConfirmations: 3,
		defaultMaxGasGwei:    100,
	},
}

// deprecatedNetworks were shut down and must be rejected explicitly so a
// stale configuration fails loudly instead of hanging on a dead endpoint.
var deprecatedNetworks = map[Network]bool{
	"goerli":  true,
	"ropsten": true,
	"rinkeby": true,
	"kovan":   true,
}

// Config is the provider configuration. Zero values for the override
// fields fall back to the network defaults.
type Config struct {
	// WalletAddress receives the payments. Checksummed on startup.
	WalletAddress string
	// ProjectID is the Infura project id used to build the RPC endpoint
	// when RPCURL is not set.
	ProjectID string
	// RPCURL overrides the Infura endpoint entirely.
	RPCURL  string
	Network Network

	ConfirmationsRequired int
	MaxGasPriceGwei       float64
}

// dummyProjectIDs are placeholder values tolerated only in dev mode.
var dummyProjectIDs = map[string]bool{
	"":                true,
	"dummy":           true,
	"test":            true,
	"your_project_id": true,
	"changeme":        true,
}

func resolveNetwork(n Network) (networkConfig, error) {
	if deprecatedNetworks[n] {
		return networkConfig{}, apperrors.NewConfigurationError("network is deprecated",
			map[string]any{"network": string(n)})
	}
	cfg, ok := networks[n]
	if !ok {
		return networkConfig{}, apperrors.NewConfigurationError("unknown network",
			map[string]any{"network": string(n)})
	}
	return cfg, nil
}

// checksumWallet validates and normalizes an Ethereum address. All-lower
// and all-upper hex is accepted and checksummed; mixed case must already
// carry a valid EIP-55 checksum.
func checksumWallet(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, apperrors.NewConfigurationError("malformed wallet address",
			map[string]any{"field": "wallet_address"})
	}
	parsed := common.HexToAddress(addr)
	hex := strings.TrimPrefix(addr, "0x")
	hasUpper := strings.ContainsAny(hex, "ABCDEF")
	hasLower := strings.ContainsAny(hex, "abcdef")
	if hasUpper && hasLower && parsed.Hex() != addr {
		return common.Address{}, apperrors.NewConfigurationError("wallet address checksum mismatch",
			map[string]any{"field": "wallet_address"})
	}
	return parsed, nil
}

// rpcEndpoint builds the JSON-RPC endpoint URL.
func (c Config) rpcEndpoint() string {
	if c.RPCURL != "" {
		return c.RPCURL
	}
	return fmt.Sprintf("https://%s.infura.io/v3/%s", c.Network, c.ProjectID)
}

func (c Config) validateProjectID(devMode bool) error {
	if c.RPCURL != "" {
		return nil
	}
	if dummyProjectIDs[strings.ToLower(c.ProjectID)] {
		if devMode {
			return nil
		}
		return apperrors.NewConfigurationError("placeholder RPC project id is not allowed in production",
			map[string]any{"field": "project_id"})
	}
	return nil
}
