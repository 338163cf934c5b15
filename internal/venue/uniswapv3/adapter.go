// Package uniswapv3 executes swaps through the Uniswap V3 swap router and
// reads pool prices from slot0.
package uniswapv3

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/venue"
)

// VenueName is how plans and the risk gate refer to this adapter.
const VenueName = "uniswap_v3"

// Config wires the adapter to a chain.
type Config struct {
	RPCURL        string
	RouterAddress string
	PrivateKeyHex string
	ChainID       int64
	// DefaultFeeTier is the pool fee in hundredths of a bip (e.g. 3000).
	DefaultFeeTier int64
	// ReceiptPollInterval paces Await's receipt polling.
	ReceiptPollInterval time.Duration
	GasLimit            uint64
}

func (c Config) normalize() Config {
	if c.DefaultFeeTier <= 0 {
		c.DefaultFeeTier = 3000
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = 2 * time.Second
	}
	if c.GasLimit == 0 {
		c.GasLimit = 350_000
	}
	return c
}

// Adapter submits exactInputSingle swaps and awaits their receipts.
type Adapter struct {
	cfg    Config
	client *ethclient.Client
	key    *ecdsa.PrivateKey
	from   common.Address
	router common.Address
	signer types.Signer

	mu      sync.Mutex
	pending map[string]int32 // tx hash -> output token decimals
}

// Dial connects the adapter to its RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	cfg = cfg.normalize()
	if err := loadABIs(); err != nil {
		return nil, errs.New("uniswapv3/dial", errs.CodeInvalid, errs.WithCause(err))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, errs.New("uniswapv3/dial", errs.CodeInvalid,
			errs.WithMessage("bad signer key"), errs.WithCause(err))
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errs.New("uniswapv3/dial", errs.CodeUnavailable, errs.WithCause(err))
	}
	return &Adapter{
		cfg:     cfg,
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		router:  common.HexToAddress(cfg.RouterAddress),
		signer:  types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		pending: make(map[string]int32),
	}, nil
}

func (a *Adapter) Name() string { return VenueName }

// Submit builds, signs, and broadcasts one exactInputSingle swap. Every call
// fetches a fresh pending nonce, so a retry is always a new transaction.
func (a *Adapter) Submit(ctx context.Context, step schema.PlanStep, deadline time.Time) (string, error) {
	calldata, err := a.swapCalldata(step, deadline)
	if err != nil {
		return "", err
	}
	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return "", errs.New("uniswapv3/submit", errs.CodeVenueTransient,
			errs.WithMessage("fetch nonce"), errs.WithCause(err))
	}
	tipCap, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", errs.New("uniswapv3/submit", errs.CodeVenueTransient,
			errs.WithMessage("suggest gas tip"), errs.WithCause(err))
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", errs.New("uniswapv3/submit", errs.CodeVenueTransient,
			errs.WithMessage("fetch head"), errs.WithCause(err))
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(a.cfg.ChainID),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       a.cfg.GasLimit,
		To:        &a.router,
		Data:      calldata,
	})
	signed, err := types.SignTx(tx, a.signer, a.key)
	if err != nil {
		return "", errs.New("uniswapv3/submit", errs.CodeInvalid,
			errs.WithMessage("sign transaction"), errs.WithCause(err))
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", errs.New("uniswapv3/submit", errs.CodeVenueTransient,
			errs.WithMessage("broadcast"), errs.WithCause(err))
	}
	hash := signed.Hash().Hex()
	a.mu.Lock()
	a.pending[hash] = step.Base.Decimals
	a.mu.Unlock()
	observability.Log().Debug("swap submitted",
		observability.String("venue", VenueName),
		observability.String("tx_hash", hash))
	return hash, nil
}

// Await polls for the receipt. A revert consumed its nonce, so a fresh
// build-and-submit is safe and the failure is classified transient.
func (a *Adapter) Await(ctx context.Context, txHash string) (venue.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(a.cfg.ReceiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return venue.Receipt{}, errs.New("uniswapv3/await", errs.CodeVenueTransient,
					errs.WithReason(errs.ReasonReverted),
					errs.WithMessage("transaction "+txHash+" reverted"))
			}
			a.mu.Lock()
			decimals := a.pending[txHash]
			delete(a.pending, txHash)
			a.mu.Unlock()
			return venue.Receipt{
				TxHash:    txHash,
				AmountOut: a.amountOutFromLogs(receipt).Shift(-decimals),
				GasUsed:   receipt.GasUsed,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			observability.Log().Debug("receipt poll error",
				observability.String("tx_hash", txHash), observability.Err(err))
		}
		select {
		case <-ctx.Done():
			return venue.Receipt{}, errs.New("uniswapv3/await", errs.CodeVenueTransient,
				errs.WithMessage("receipt wait cancelled"), errs.WithCause(ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (a *Adapter) swapCalldata(step schema.PlanStep, deadline time.Time) ([]byte, error) {
	amountIn, ok := scaleToWei(step.AmountIn, step.Quote.Decimals)
	if !ok {
		return nil, errs.New("uniswapv3/submit", errs.CodeInvalid, errs.WithMessage("amount_in out of range"))
	}
	minOut, ok := scaleToWei(step.MinOut, step.Base.Decimals)
	if !ok {
		return nil, errs.New("uniswapv3/submit", errs.CodeInvalid, errs.WithMessage("min_out out of range"))
	}
	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           common.HexToAddress(step.Quote.Address),
		TokenOut:          common.HexToAddress(step.Base.Address),
		Fee:               big.NewInt(a.cfg.DefaultFeeTier),
		Recipient:         common.HexToAddress(step.Recipient),
		Deadline:          big.NewInt(deadline.Unix()),
		AmountIn:          amountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: big.NewInt(0),
	}
	data, err := routerABI.Pack("exactInputSingle", params)
	if err != nil {
		return nil, errs.New("uniswapv3/submit", errs.CodeInvalid,
			errs.WithMessage("pack calldata"), errs.WithCause(err))
	}
	return data, nil
}

// amountOutFromLogs reads the swap output from the router's return data when
// available. Receipts carry no return value, so this decodes the last
// Transfer to the recipient; absent that, the caller falls back to MinOut.
func (a *Adapter) amountOutFromLogs(receipt *types.Receipt) decimal.Decimal {
	transferTopic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	for i := len(receipt.Logs) - 1; i >= 0; i-- {
		log := receipt.Logs[i]
		if len(log.Topics) == 3 && log.Topics[0] == transferTopic && len(log.Data) == 32 {
			raw := new(big.Int).SetBytes(log.Data)
			return decimal.NewFromBigInt(raw, 0)
		}
	}
	return decimal.Zero
}

// Client exposes the underlying RPC connection so a PoolSource can share it.
func (a *Adapter) Client() *ethclient.Client {
	return a.client
}

// Close releases the RPC connection.
func (a *Adapter) Close() {
	a.client.Close()
}

func scaleToWei(amount decimal.Decimal, decimals int32) (*big.Int, bool) {
	scaled := amount.Shift(decimals)
	if scaled.Exponent() < 0 {
		scaled = scaled.RoundDown(0)
	}
	if scaled.IsNegative() {
		return nil, false
	}
	return scaled.BigInt(), true
}
