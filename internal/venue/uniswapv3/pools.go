package uniswapv3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/route"
	"github.com/helixtrade/intentd/internal/schema"
)

// PoolRef names one watched pool. Token0 and Token1 follow the pool's own
// token ordering.
type PoolRef struct {
	Address string
	Token0  schema.Asset
	Token1  schema.Asset
}

// PoolSource reads spot prices from watched pools' slot0, serving the route
// engine with a live snapshot.
type PoolSource struct {
	client *ethclient.Client
	refs   []PoolRef
}

// NewPoolSource watches the given pools over an established client.
func NewPoolSource(client *ethclient.Client, refs []PoolRef) *PoolSource {
	return &PoolSource{client: client, refs: refs}
}

var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// Pools snapshots every watched pool. One unreadable pool fails the whole
// snapshot: routing over a partial view could pick a stale price.
func (s *PoolSource) Pools(ctx context.Context) ([]route.Pool, error) {
	out := make([]route.Pool, 0, len(s.refs))
	for _, ref := range s.refs {
		pool, err := s.snapshot(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, pool)
	}
	return out, nil
}

func (s *PoolSource) snapshot(ctx context.Context, ref PoolRef) (route.Pool, error) {
	if err := loadABIs(); err != nil {
		return route.Pool{}, errs.New("uniswapv3/pools", errs.CodeInvalid, errs.WithCause(err))
	}
	addr := common.HexToAddress(ref.Address)

	slot0Data, err := s.call(ctx, addr, "slot0")
	if err != nil {
		return route.Pool{}, err
	}
	slot0, err := poolABI.Unpack("slot0", slot0Data)
	if err != nil {
		return route.Pool{}, errs.New("uniswapv3/pools", errs.CodeInfra,
			errs.WithMessage("unpack slot0"), errs.WithCause(err))
	}
	sqrtPriceX96, ok := slot0[0].(*big.Int)
	if !ok || sqrtPriceX96.Sign() == 0 {
		return route.Pool{}, errs.New("uniswapv3/pools", errs.CodeInfra,
			errs.WithMessage("pool "+ref.Address+" has no price"))
	}

	feeData, err := s.call(ctx, addr, "fee")
	if err != nil {
		return route.Pool{}, err
	}
	feeOut, err := poolABI.Unpack("fee", feeData)
	if err != nil {
		return route.Pool{}, errs.New("uniswapv3/pools", errs.CodeInfra,
			errs.WithMessage("unpack fee"), errs.WithCause(err))
	}
	feeHundredthsBip, _ := feeOut[0].(*big.Int)

	return route.Pool{
		Venue:  VenueName,
		Base:   ref.Token0,
		Quote:  ref.Token1,
		Price:  humanPrice(sqrtPriceX96, ref.Token0.Decimals, ref.Token1.Decimals),
		FeeBPS: feeHundredthsBip.Int64() / 100,
	}, nil
}

func (s *PoolSource) call(ctx context.Context, addr common.Address, method string) ([]byte, error) {
	input, err := poolABI.Pack(method)
	if err != nil {
		return nil, errs.New("uniswapv3/pools", errs.CodeInvalid, errs.WithCause(err))
	}
	data, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return nil, errs.New("uniswapv3/pools", errs.CodeUnavailable,
			errs.WithMessage("call "+method), errs.WithCause(err))
	}
	return data, nil
}

// humanPrice converts sqrtPriceX96 to token1-per-token0 in human units:
// (sqrtPriceX96 / 2^96)^2 scaled by the decimal difference.
func humanPrice(sqrtPriceX96 *big.Int, decimals0, decimals1 int32) decimal.Decimal {
	sqrt := decimal.NewFromBigInt(sqrtPriceX96, 0).DivRound(q96, 36)
	raw := sqrt.Mul(sqrt)
	return raw.Shift(decimals0 - decimals1)
}
