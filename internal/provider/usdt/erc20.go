package usdt

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	apperrors "agentpay/internal/shared/errors"
)

// erc20ABIJSON covers the read surface the provider uses plus the Transfer
// event whose topic drives the log filters.
const erc20ABIJSON = `[
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	erc20ABIOnce sync.Once
	erc20ABI     abi.ABI
)

func parsedERC20ABI() abi.ABI {
	erc20ABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
		if err != nil {
			panic("usdt: invalid embedded ERC-20 ABI: " + err.Error())
		}
		erc20ABI = parsed
	})
	return erc20ABI
}

// transferEventID is the Transfer(address,address,uint256) log topic.
func transferEventID() common.Hash {
	return parsedERC20ABI().Events["Transfer"].ID
}

// ERC20 reads token metadata and balances through a ChainClient.
type ERC20 struct {
	client   ChainClient
	contract common.Address
}

// NewERC20 binds the reader to a token contract.
func NewERC20(client ChainClient, contract common.Address) *ERC20 {
	return &ERC20{client: client, contract: contract}
}

func (e *ERC20) call(ctx context.Context, method string, out any, args ...any) error {
	a := parsedERC20ABI()
	data, err := a.Pack(method, args...)
	if err != nil {
		return apperrors.NewProviderError("cannot encode contract call",
			map[string]any{"method": method}).WithCause(err)
	}
	raw, err := e.client.CallContract(ctx, e.contract, data)
	if err != nil {
		return apperrors.NewProviderError("contract call failed",
			map[string]any{"method": method}).WithCause(err)
	}
	results, err := a.Unpack(method, raw)
	if err != nil || len(results) == 0 {
		return apperrors.NewProviderError("cannot decode contract response",
			map[string]any{"method": method}).WithCause(err)
	}
	switch v := out.(type) {
	case *uint8:
		*v = results[0].(uint8)
	case *string:
		*v = results[0].(string)
	case **big.Int:
		*v = results[0].(*big.Int)
	default:
		return apperrors.NewProviderError("unsupported contract result type",
			map[string]any{"method": method})
	}
	return nil
}

func (e *ERC20) Decimals(ctx context.Context) (uint8, error) {
	var d uint8
	err := e.call(ctx, "decimals", &d)
	return d, err
}

func (e *ERC20) Symbol(ctx context.Context) (string, error) {
	var s string
	err := e.call(ctx, "symbol", &s)
	return s, err
}

func (e *ERC20) Name(ctx context.Context) (string, error) {
	var n string
	err := e.call(ctx, "name", &n)
	return n, err
}

func (e *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	var b *big.Int
	err := e.call(ctx, "balanceOf", &b, owner)
	return b, err
}
