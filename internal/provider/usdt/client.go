package usdt

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	apperrors "agentpay/internal/shared/errors"
)

// BlockInfo is the slice of a block header the provider needs.
type BlockInfo struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
}

// TxInfo carries gas fields of an on-chain transaction.
type TxInfo struct {
	GasPrice *big.Int
	GasLimit uint64
}

// ReceiptInfo carries the execution outcome of an on-chain transaction.
type ReceiptInfo struct {
	Status  uint64
	GasUsed uint64
}

// TransferEvent is one decoded ERC-20 Transfer log.
type TransferEvent struct {
	TxHash      common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	From        common.Address
	To          common.Address
	Value       *big.Int
}

// ChainClient is the Ethereum access surface the provider depends on.
// Narrow on purpose so tests can substitute a scripted fake.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	BlockHeader(ctx context.Context, number uint64) (*BlockInfo, error)
	TransactionInfo(ctx context.Context, hash common.Hash) (*TxInfo, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ReceiptInfo, error)

	// CallContract performs a read-only contract call against the latest
	// block.
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// NewTransferFilter installs a server-side log filter for ERC-20
	// Transfer events from the contract to the given address over the
	// inclusive block range and returns the filter id.
	NewTransferFilter(ctx context.Context, contract, to common.Address, fromBlock, toBlock uint64) (string, error)
	// FilterLogs fetches all matching logs of an installed filter.
	FilterLogs(ctx context.Context, filterID string) ([]TransferEvent, error)
	// UninstallFilter removes a server-side filter.
	UninstallFilter(ctx context.Context, filterID string) (bool, error)

	Close()
}

// rpcChainClient is the production ChainClient on top of go-ethereum.
type rpcChainClient struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (ChainClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, apperrors.NewProviderError("cannot connect to RPC endpoint").WithCause(err)
	}
	return &rpcChainClient{rpc: c, eth: ethclient.NewClient(c)}, nil
}

func (c *rpcChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

func (c *rpcChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *rpcChainClient) GasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

func (c *rpcChainClient) BlockHeader(ctx context.Context, number uint64) (*BlockInfo, error) {
	h, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, err
	}
	return &BlockInfo{Number: h.Number.Uint64(), Hash: h.Hash(), Timestamp: h.Time}, nil
}

func (c *rpcChainClient) TransactionInfo(ctx context.Context, hash common.Hash) (*TxInfo, error) {
	tx, _, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &TxInfo{GasPrice: tx.GasPrice(), GasLimit: tx.Gas()}, nil
}

func (c *rpcChainClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*ReceiptInfo, error) {
	r, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &ReceiptInfo{Status: r.Status, GasUsed: r.GasUsed}, nil
}

func (c *rpcChainClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// filterQuery is the eth_newFilter parameter object.
type filterQuery struct {
	FromBlock string          `json:"fromBlock"`
	ToBlock   string          `json:"toBlock"`
	Address   common.Address  `json:"address"`
	Topics    [][]common.Hash `json:"topics"`
}

func (c *rpcChainClient) NewTransferFilter(ctx context.Context, contract, to common.Address, fromBlock, toBlock uint64) (string, error) {
	q := filterQuery{
		FromBlock: hexutil.EncodeUint64(fromBlock),
		ToBlock:   hexutil.EncodeUint64(toBlock),
		Address:   contract,
		Topics: [][]common.Hash{
			{transferEventID()},
			nil, // any sender
			{addressTopic(to)},
		},
	}
	var filterID string
	if err := c.rpc.CallContext(ctx, &filterID, "eth_newFilter", q); err != nil {
		return "", err
	}
	return filterID, nil
}

func (c *rpcChainClient) FilterLogs(ctx context.Context, filterID string) ([]TransferEvent, error) {
	var logs []types.Log
	if err := c.rpc.CallContext(ctx, &logs, "eth_getFilterLogs", filterID); err != nil {
		return nil, err
	}
	events := make([]TransferEvent, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 3 || l.Removed {
			continue
		}
		events = append(events, TransferEvent{
			TxHash:      l.TxHash,
			BlockNumber: l.BlockNumber,
			BlockHash:   l.BlockHash,
			From:        common.BytesToAddress(l.Topics[1].Bytes()),
			To:          common.BytesToAddress(l.Topics[2].Bytes()),
			Value:       new(big.Int).SetBytes(l.Data),
		})
	}
	return events, nil
}

func (c *rpcChainClient) UninstallFilter(ctx context.Context, filterID string) (bool, error) {
	var ok bool
	if err := c.rpc.CallContext(ctx, &ok, "eth_uninstallFilter", filterID); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *rpcChainClient) Close() {
	c.rpc.Close()
}

// addressTopic left-pads an address into a 32-byte log topic.
func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}
