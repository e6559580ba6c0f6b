package usdt

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"agentpay/internal/domain/billing"
	"agentpay/internal/provider"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/biztime"
	"agentpay/internal/shared/logger"
	"agentpay/internal/shared/retry"
	"agentpay/internal/storage"
)

const (
	// ProviderName is the payment method recorded on transactions.
	ProviderName = "crypto_usdt"

	// paymentTimeout bounds how long a pending payment stays verifiable.
	paymentTimeout = 30 * time.Minute

	// lockTimeout caps waiting for the storage scope.
	lockTimeout = 10 * time.Second

	// contentionEscalation is the hourly lock-timeout count that triggers
	// an escalation log.
	contentionEscalation = 50
)

// PriceFeed quotes the USD price of one USDT.
type PriceFeed interface {
	USDTPrice(ctx context.Context) (decimal.Decimal, error)
}

// StaticPriceFeed quotes a constant price. The shipped configuration pins
// it to 1.0.
type StaticPriceFeed struct {
	price decimal.Decimal
}

// NewStaticPriceFeed builds a fixed-price feed.
func NewStaticPriceFeed(price float64) *StaticPriceFeed {
	return &StaticPriceFeed{price: decimal.NewFromFloat(price)}
}

func (f *StaticPriceFeed) USDTPrice(ctx context.Context) (decimal.Decimal, error) {
	if !f.price.IsPositive() {
		return decimal.Zero, apperrors.NewConfigurationError("price feed must quote a positive price")
	}
	return f.price, nil
}

// Provider settles payments by watching USDT Transfer events on-chain.
type Provider struct {
	*provider.Base

	cfg    Config
	netCfg networkConfig
	client ChainClient
	token  *ERC20
	feed   PriceFeed

	wallet    common.Address
	contract  common.Address
	decimals  uint8
	symbol    string
	tokenName string

	confirmations int
	maxGasGwei    float64

	// scopeCh serializes all storage mutation scopes.
	scopeCh chan struct{}

	statsMu         sync.Mutex
	lockContention  int
	rateLimitErrors int
	statsWindow     time.Time
}

// New runs the full startup sequence: wallet checksum, network resolution,
// RPC connectivity and chain-id verification, contract binding, and storage
// capability validation. A nil client dials the configured endpoint; a nil
// feed is allowed only in dev mode and pins the price to 1.0.
func New(ctx context.Context, cfg Config, store storage.Storage, client ChainClient, feed PriceFeed, log logger.Interface, devMode bool) (*Provider, error) {
	wallet, err := checksumWallet(cfg.WalletAddress)
	if err != nil {
		return nil, err
	}
	netCfg, err := resolveNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	if err := cfg.validateProjectID(devMode); err != nil {
		return nil, err
	}
	if feed == nil {
		if !devMode {
			return nil, apperrors.NewConfigurationError("a price feed is required in production mode")
		}
		feed = NewStaticPriceFeed(1.0)
	}

	if client == nil {
		client, err = Dial(ctx, cfg.rpcEndpoint())
		if err != nil {
			return nil, err
		}
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, apperrors.NewProviderError("cannot reach RPC endpoint").WithCause(err)
	}
	if chainID.Int64() != netCfg.chainID {
		return nil, apperrors.NewConfigurationError("chain id does not match the configured network",
			map[string]any{"network": string(cfg.Network), "expected": netCfg.chainID, "actual": chainID.Int64()})
	}

	caps := provider.Capabilities{
		SupportsRefunds:        true, // advisory only, see RefundPayment
		SupportsWebhooks:       false,
		SupportsPartialRefunds: false,
		SupportsSubscriptions:  true,
		SupportsMetadata:       true,
		SupportedCurrencies:    []string{"USD", "USDT"},
		MinAmount:              decimal.RequireFromString("0.000001"),
		MaxAmount:              decimal.RequireFromString("1000000"),
		ExpectedProcessingTime: "minutes",
	}
	base := provider.NewBase(ProviderName, caps, store, log, devMode)

	p := &Provider{
		Base:          base,
		cfg:           cfg,
		netCfg:        netCfg,
		client:        client,
		token:         NewERC20(client, netCfg.contractAddress),
		feed:          feed,
		wallet:        wallet,
		contract:      netCfg.contractAddress,
		confirmations: cfg.ConfirmationsRequired,
		maxGasGwei:    cfg.MaxGasPriceGwei,
		scopeCh:       make(chan struct{}, 1),
		statsWindow:   time.Now(),
	}
	if p.confirmations <= 0 {
		p.confirmations = netCfg.defaultConfirmations
	}
	if p.maxGasGwei <= 0 {
		p.maxGasGwei = netCfg.defaultMaxGasGwei
	}

	if err := p.bindContract(ctx); err != nil {
		return nil, err
	}
	if err := p.ValidateStorageCapabilities(); err != nil {
		return nil, err
	}

	p.Logger().Infow("usdt provider ready",
		"network", string(cfg.Network),
		"contract", p.contract.Hex(),
		"wallet", p.wallet.Hex(),
		"confirmations", p.confirmations,
		"max_gas_gwei", p.maxGasGwei,
	)
	return p, nil
}

// bindContract fetches the token metadata and sanity-checks it. The fetch
// retries with the SDK-wide backoff policy; a cold RPC endpoint at startup
// is transient, a wrong contract address is not.
func (p *Provider) bindContract(ctx context.Context) error {
	policy := retry.DefaultPolicy()
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.Logger().Warnw("token metadata fetch retry",
			"attempt", attempt, "delay", delay.String(), "error", err)
	}
	if err := retry.Do(ctx, policy, func(ctx context.Context) error {
		decimals, err := p.token.Decimals(ctx)
		if err != nil {
			return apperrors.NewProviderError("cannot read token decimals").WithCause(err)
		}
		symbol, err := p.token.Symbol(ctx)
		if err != nil {
			return apperrors.NewProviderError("cannot read token symbol").WithCause(err)
		}
		name, err := p.token.Name(ctx)
		if err != nil {
			return apperrors.NewProviderError("cannot read token name").WithCause(err)
		}
		p.decimals, p.symbol, p.tokenName = decimals, symbol, name
		return nil
	}); err != nil {
		return err
	}

	if p.decimals != 6 {
		p.Logger().Warnw("unexpected token decimals", "decimals", p.decimals)
	}
	upper := strings.ToUpper(p.symbol)
	if upper != "USDT" && upper != "TETHER" {
		p.Logger().Warnw("unexpected token symbol", "symbol", p.symbol)
	}
	return nil
}

// --- counters ---

// resetStatsLocked starts a fresh hourly window when the current one is
// stale. Caller holds statsMu.
func (p *Provider) resetStatsLocked() {
	if time.Since(p.statsWindow) > time.Hour {
		p.lockContention = 0
		p.rateLimitErrors = 0
		p.statsWindow = time.Now()
	}
}

func (p *Provider) bumpContention() int {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.resetStatsLocked()
	p.lockContention++
	return p.lockContention
}

func (p *Provider) bumpRateLimit() int {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.resetStatsLocked()
	p.rateLimitErrors++
	return p.rateLimitErrors
}

// LockStats reports the current hourly contention and rate-limit counters.
func (p *Provider) LockStats() (contention, rateLimit int) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.resetStatsLocked()
	return p.lockContention, p.rateLimitErrors
}

// --- amount conversion ---

// toWei converts a requested amount in the given currency to integer token
// wei, returning the intermediate USDT amount as well. The round trip back
// from wei must agree with the USDT amount to within 10^-6.
func (p *Provider) toWei(ctx context.Context, amount decimal.Decimal) (*big.Int, decimal.Decimal, error) {
	price, err := p.feed.USDTPrice(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}
	usdtAmount := amount.Div(price).Round(6)

	scale := int32(p.decimals)
	if scale == 0 {
		scale = 6
	}
	wei := usdtAmount.Mul(decimal.New(1, scale)).Floor().BigInt()
	if wei.Sign() <= 0 {
		return nil, decimal.Zero, apperrors.NewValidationError("amount converts to zero wei",
			map[string]any{"amount": amount.String(), "usdt_amount": usdtAmount.String()})
	}
	reconstructed := decimal.NewFromBigInt(wei, -scale)
	if reconstructed.Sub(usdtAmount).Abs().GreaterThanOrEqual(decimal.New(1, -6)) {
		return nil, decimal.Zero, apperrors.NewValidationError("wei conversion drift exceeds tolerance",
			map[string]any{"usdt_amount": usdtAmount.String(), "reconstructed": reconstructed.String()})
	}
	return wei, usdtAmount, nil
}

// --- PaymentProvider ---

// ProcessPayment opens a pending on-chain payment. The caller's metadata
// must carry sender_address, the checksummed address the transfer will come
// from.
func (p *Provider) ProcessPayment(ctx context.Context, userID string, amount decimal.Decimal, currency string, metadata map[string]any) (*billing.Transaction, error) {
	if err := p.ValidatePaymentRequest(userID, amount, currency, metadata); err != nil {
		return nil, err
	}
	senderRaw, _ := metadata["sender_address"].(string)
	if senderRaw == "" {
		return nil, apperrors.NewValidationError("sender_address metadata is required",
			map[string]any{"field": "sender_address"})
	}
	sender, err := checksumWallet(senderRaw)
	if err != nil {
		return nil, apperrors.NewValidationError("sender_address is not a valid address",
			map[string]any{"field": "sender_address"}).WithCause(err)
	}

	wei, usdtAmount, err := p.toWei(ctx, amount)
	if err != nil {
		return nil, err
	}
	price, err := p.feed.USDTPrice(ctx)
	if err != nil {
		return nil, err
	}

	createdBlock, err := p.client.BlockNumber(ctx)
	if err != nil {
		p.Logger().Warnw("cannot read head block at payment creation", "error", err)
	}
	var gasGwei float64
	if gasPrice, err := p.client.GasPrice(ctx); err != nil {
		p.Logger().Warnw("cannot read gas price at payment creation", "error", err)
	} else {
		gasGwei = weiToGwei(gasPrice)
	}

	txID, err := p.ReserveTransactionID(ctx)
	if err != nil {
		return nil, err
	}

	now := biztime.NowUTC()
	meta := billing.CloneMetadata(metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["crypto_type"] = "USDT"
	meta["network"] = string(p.cfg.Network)
	meta["wallet_address"] = p.wallet.Hex()
	meta["usdt_price"] = price.String()
	meta["usdt_amount"] = usdtAmount.String()
	meta["usdt_amount_wei"] = wei.String()
	meta["contract_address"] = p.contract.Hex()
	meta["contract_symbol"] = p.symbol
	meta["contract_name"] = p.tokenName
	meta["confirmations_required"] = p.confirmations
	meta["created_block"] = createdBlock
	meta["gas_price_at_creation_gwei"] = gasGwei
	meta["timeout_at"] = now.Add(paymentTimeout).Format(time.RFC3339)
	meta["timeout_minutes"] = int(paymentTimeout.Minutes())
	meta["timeout_validated"] = true
	meta["sender_address"] = sender.Hex()

	tx, err := billing.NewTransaction(billing.TransactionParams{
		ID:            txID,
		UserID:        userID,
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: ProviderName,
		CreatedAt:     now,
		Metadata:      meta,
	})
	if err != nil {
		p.ReleaseReservation(txID)
		return nil, err
	}
	p.StoreCached(tx)

	if err := p.saveWithVerification(ctx, tx); err != nil {
		if !p.IsDevMode() {
			p.RemoveCached(txID)
			return nil, apperrors.NewPaymentFailedError("cannot persist payment",
				map[string]any{"transaction_id": txID}).WithCause(err)
		}
		// Dev mode degrades to the cached record.
		tx.SetMetadata("storage_failed", true)
		p.Logger().Warnw("payment persisted to cache only", "transaction_id", txID, "error", err)
		return tx, nil
	}

	stored, err := p.Storage().GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, apperrors.NewStorageError("payment vanished after save",
			map[string]any{"transaction_id": txID})
	}
	p.Logger().Infow("payment opened",
		"transaction_id", txID, "user_id", userID,
		"amount", amount.String(), "currency", currency,
		"usdt_amount_wei", wei.String())
	return stored, nil
}

// saveWithVerification persists the transaction inside a scope and reads it
// back to confirm the write, retrying up to three times.
func (p *Provider) saveWithVerification(ctx context.Context, tx *billing.Transaction) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		err := p.withTransactionScope(ctx, func(ctx context.Context) error {
			existing, err := p.Storage().GetTransaction(ctx, tx.ID())
			if err != nil {
				return err
			}
			if existing == nil {
				if err := p.Storage().SaveTransaction(ctx, tx); err != nil {
					return err
				}
			} else if err := p.Storage().UpdateTransaction(ctx, tx); err != nil {
				return err
			}
			got, err := p.Storage().GetTransaction(ctx, tx.ID())
			if err != nil {
				return err
			}
			if got == nil || got.ID() != tx.ID() || got.UserID() != tx.UserID() ||
				!got.Amount().Equal(tx.Amount()) || got.Status() != tx.Status() {
				return apperrors.NewStorageError("write verification mismatch",
					map[string]any{"transaction_id": tx.ID(), "attempt": attempt})
			}
			return nil
		})
		if err == nil {
			return nil
		}
		lastErr = err
		p.Logger().Warnw("payment save attempt failed",
			"transaction_id", tx.ID(), "attempt", attempt, "error", err)
	}
	return lastErr
}

// RefundPayment is advisory: USDT transfers cannot be reversed, so a
// completed payment yields manual refund instructions instead of an
// on-chain action.
func (p *Provider) RefundPayment(ctx context.Context, transactionID string, amount *decimal.Decimal) (*provider.RefundInfo, error) {
	tx, err := p.Storage().GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, apperrors.NewPaymentFailedError("transaction not found",
			map[string]any{"transaction_id": transactionID})
	}
	if tx.Status() != billing.TransactionStatusCompleted {
		return nil, apperrors.NewPaymentFailedError("only completed payments can be refunded",
			map[string]any{"transaction_id": transactionID, "status": tx.Status().String()})
	}
	if amount != nil {
		return nil, apperrors.NewValidationError("partial refunds are not supported",
			map[string]any{"provider": ProviderName})
	}

	payer, _ := tx.MetadataString("sender_address")
	usdtAmount, _ := tx.MetadataString("usdt_amount")
	instructions := fmt.Sprintf(
		"MANUAL REFUND REQUIRED\n"+
			"Send %s USDT on %s from the receiving wallet %s back to the payer %s.\n"+
			"Reference transaction: %s",
		usdtAmount, p.cfg.Network, p.wallet.Hex(), payer, transactionID)

	return &provider.RefundInfo{
		TransactionID: transactionID,
		Amount:        tx.Amount(),
		Currency:      tx.Currency(),
		Status:        "manual_refund_required",
		Instructions:  instructions,
		Details: map[string]any{
			"payer_address":  payer,
			"wallet_address": p.wallet.Hex(),
			"network":        string(p.cfg.Network),
			"usdt_amount":    usdtAmount,
		},
	}, nil
}

// GetPaymentStatus reads the transaction status from storage.
func (p *Provider) GetPaymentStatus(ctx context.Context, transactionID string) (billing.TransactionStatus, error) {
	tx, err := p.Storage().GetTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	if tx == nil {
		return "", apperrors.NewPaymentFailedError("transaction not found",
			map[string]any{"transaction_id": transactionID})
	}
	return tx.Status(), nil
}

// VerifyWebhookSignature always rejects: settlement is observed on-chain,
// there are no webhooks.
func (p *Provider) VerifyWebhookSignature(payload []byte, headers map[string]string) (bool, error) {
	return false, nil
}

// CreateCheckoutSession is not supported; payers transfer directly to the
// wallet address returned by ProcessPayment metadata.
func (p *Provider) CreateCheckoutSession(ctx context.Context, userID, planID, successURL, cancelURL string) (*provider.CheckoutSession, error) {
	return nil, apperrors.NewProviderError("checkout sessions are not supported",
		map[string]any{"provider": ProviderName})
}

// HealthCheck probes the RPC endpoint, the contract, the wallet, current
// gas conditions, and finally the storage round trip.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ChainID(ctx); err != nil {
		return apperrors.NewProviderError("RPC endpoint unreachable").WithCause(err)
	}
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return apperrors.NewProviderError("cannot read head block").WithCause(err)
	}
	if head == 0 {
		return apperrors.NewProviderError("head block number is zero")
	}
	if _, err := p.token.Decimals(ctx); err != nil {
		return apperrors.NewProviderError("contract unreachable").WithCause(err)
	}
	balance, err := p.token.BalanceOf(ctx, p.wallet)
	if err != nil {
		return apperrors.NewProviderError("cannot read wallet balance").WithCause(err)
	}
	gasPrice, err := p.client.GasPrice(ctx)
	if err != nil {
		return apperrors.NewProviderError("cannot read gas price").WithCause(err)
	}
	if gwei := weiToGwei(gasPrice); gwei > p.maxGasGwei {
		p.Logger().Warnw("gas price above configured ceiling",
			"gas_gwei", gwei, "max_gas_gwei", p.maxGasGwei)
	}

	if !p.IsDevMode() {
		if err := p.cfg.validateProjectID(false); err != nil {
			return err
		}
		if !p.Storage().Capabilities().SupportsTransactions {
			return apperrors.NewConfigurationError("production storage must support transactions")
		}
	}

	contention, rateLimit := p.LockStats()
	secPerBlock := p.estimateSecondsPerBlock(ctx, head)
	p.Logger().Debugw("usdt provider health",
		"head_block", head,
		"wallet_balance", balance.String(),
		"lock_contention", contention,
		"rate_limit_errors", rateLimit,
		"seconds_per_block", secPerBlock,
	)
	if secPerBlock > 2*p.netCfg.blockTimeSeconds {
		p.Logger().Warnw("network congestion suspected", "seconds_per_block", secPerBlock)
	}

	if err := p.Storage().HealthCheck(ctx); err != nil {
		return apperrors.NewStorageError("storage round trip failed").WithCause(err)
	}
	return nil
}

// weiToGwei converts a wei gas price to gwei.
func weiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}

// Close releases the RPC connection.
func (p *Provider) Close() {
	p.SweepReservations()
	if p.client != nil {
		p.client.Close()
	}
}
