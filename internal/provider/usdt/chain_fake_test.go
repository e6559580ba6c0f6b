package usdt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// fakeChain scripts the ChainClient surface for tests. Headers are
// synthesized deterministically: block n has hash blockHash(n) and a
// 12-second spacing, unless overridden for reorg scenarios.
type fakeChain struct {
	mu sync.Mutex

	chainID  int64
	head     uint64
	gasPrice *big.Int

	decimals  uint8
	symbol    string
	tokenName string
	balance   *big.Int

	headerOverrides map[uint64]common.Hash
	txInfos         map[common.Hash]*TxInfo
	receipts        map[common.Hash]*ReceiptInfo
	events          []TransferEvent

	filterSeq   int
	filters     map[string]fakeFilter
	uninstalled map[string]bool

	// failFilters makes the next N filter creations fail with failErr.
	// With failWithID the filter is still installed server-side and its
	// id returned alongside the error.
	failFilters int
	failErr     error
	failWithID  bool
}

type fakeFilter struct {
	from, to uint64
	dest     common.Address
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:         11155111,
		head:            300,
		gasPrice:        big.NewInt(20_000_000_000), // 20 gwei
		decimals:        6,
		symbol:          "USDT",
		tokenName:       "Tether USD",
		balance:         big.NewInt(500_000_000),
		headerOverrides: make(map[uint64]common.Hash),
		txInfos:         make(map[common.Hash]*TxInfo),
		receipts:        make(map[common.Hash]*ReceiptInfo),
		filters:         make(map[string]fakeFilter),
		uninstalled:     make(map[string]bool),
	}
}

func blockHash(n uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(n + 1_000_000))
}

// addTransfer registers an on-chain transfer with its gas info and receipt
// and returns the synthetic transaction hash.
func (f *fakeChain) addTransfer(from, to common.Address, value *big.Int, block uint64, receiptStatus uint64, gasPriceGwei int64) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := common.BigToHash(big.NewInt(int64(len(f.events)) + 7_000_000))
	f.events = append(f.events, TransferEvent{
		TxHash:      h,
		BlockNumber: block,
		BlockHash:   blockHash(block),
		From:        from,
		To:          to,
		Value:       new(big.Int).Set(value),
	})
	f.txInfos[h] = &TxInfo{
		GasPrice: new(big.Int).Mul(big.NewInt(gasPriceGwei), big.NewInt(1_000_000_000)),
		GasLimit: 60_000,
	}
	f.receipts[h] = &ReceiptInfo{Status: receiptStatus, GasUsed: 51_000}
	return h
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeChain) BlockHeader(ctx context.Context, number uint64) (*BlockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.headerOverrides[number]
	if !ok {
		hash = blockHash(number)
	}
	return &BlockInfo{
		Number:    number,
		Hash:      hash,
		Timestamp: 1_700_000_000 + number*12,
	}, nil
}

func (f *fakeChain) TransactionInfo(ctx context.Context, hash common.Hash) (*TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.txInfos[hash]; ok {
		return info, nil
	}
	return nil, errors.New("transaction not found")
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*ReceiptInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, errors.New("receipt not found")
}

func (f *fakeChain) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	a := parsedERC20ABI()
	switch {
	case bytes.HasPrefix(data, a.Methods["decimals"].ID):
		return a.Methods["decimals"].Outputs.Pack(f.decimals)
	case bytes.HasPrefix(data, a.Methods["symbol"].ID):
		return a.Methods["symbol"].Outputs.Pack(f.symbol)
	case bytes.HasPrefix(data, a.Methods["name"].ID):
		return a.Methods["name"].Outputs.Pack(f.tokenName)
	case bytes.HasPrefix(data, a.Methods["balanceOf"].ID):
		return a.Methods["balanceOf"].Outputs.Pack(f.balance)
	default:
		return nil, errors.New("unknown contract call")
	}
}

func (f *fakeChain) NewTransferFilter(ctx context.Context, contract, to common.Address, fromBlock, toBlock uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFilters > 0 {
		f.failFilters--
		if !f.failWithID {
			return "", f.failErr
		}
		f.filterSeq++
		id := fmt.Sprintf("filter-%d", f.filterSeq)
		f.filters[id] = fakeFilter{from: fromBlock, to: toBlock, dest: to}
		return id, f.failErr
	}
	f.filterSeq++
	id := fmt.Sprintf("filter-%d", f.filterSeq)
	f.filters[id] = fakeFilter{from: fromBlock, to: toBlock, dest: to}
	return id, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, filterID string) ([]TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flt, ok := f.filters[filterID]
	if !ok {
		return nil, errors.New("filter not found")
	}
	var out []TransferEvent
	for _, e := range f.events {
		if e.BlockNumber >= flt.from && e.BlockNumber <= flt.to && e.To == flt.dest {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeChain) UninstallFilter(ctx context.Context, filterID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalled[filterID] = true
	return true, nil
}

func (f *fakeChain) Close() {}

// leakedFilters reports installed filters never uninstalled.
func (f *fakeChain) leakedFilters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var leaked []string
	for id := range f.filters {
		if !f.uninstalled[id] {
			leaked = append(leaked, id)
		}
	}
	return leaked
}
