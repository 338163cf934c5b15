// Package route finds the best execution route for an intent across venue
// liquidity pools, maximizing expected output after fees.
package route

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/schema"
)

// Pool is one venue market quoted as Quote units per Base unit.
type Pool struct {
	Venue  string
	Base   schema.Asset
	Quote  schema.Asset
	Price  decimal.Decimal // quote per base
	FeeBPS int64
}

// Hop is one leg of a route.
type Hop struct {
	Venue     string
	From      schema.Asset
	To        schema.Asset
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
}

// Route is the best path found for an intent.
type Route struct {
	Hops      []Hop
	AmountOut decimal.Decimal
	// FeeCost is the fee haircut accumulated across hops.
	FeeCost decimal.Decimal
}

// Source supplies the current pool snapshot.
type Source interface {
	Pools(ctx context.Context) ([]Pool, error)
}

// Config tunes the engine.
type Config struct {
	MaxHops int
	Timeout time.Duration
}

func (c Config) normalize() Config {
	if c.MaxHops <= 0 {
		c.MaxHops = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

// Engine computes best-output routes over a pool snapshot.
type Engine struct {
	cfg    Config
	source Source
}

// NewEngine builds an engine over the given pool source.
func NewEngine(cfg Config, source Source) *Engine {
	return &Engine{cfg: cfg.normalize(), source: source}
}

type assetKey struct {
	chainID int64
	address string
}

func keyOf(a schema.Asset) assetKey {
	return assetKey{chainID: a.ChainID, address: a.Address}
}

type pathState struct {
	amount decimal.Decimal
	fee    decimal.Decimal
	hops   []Hop
}

// BestRoute finds the highest-output path from the intent's funding asset to
// its other leg, spending AmountIn. Venue eligibility follows the intent's
// allow list; an empty list admits every venue.
func (e *Engine) BestRoute(ctx context.Context, intent schema.Intent) (Route, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	pools, err := e.source.Pools(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Route{}, errs.New("route/engine", errs.CodeRoutingFailed,
				errs.WithReason(errs.ReasonRouteTimeout), errs.WithCause(err))
		}
		return Route{}, errs.New("route/engine", errs.CodeRoutingFailed,
			errs.WithReason(errs.ReasonRouteInternal), errs.WithCause(err))
	}
	pools = filterVenues(pools, intent.Constraints.AllowedVenues)

	from := intent.Funding()
	to := intent.Target()
	if from == intent.Target() {
		to = intent.Quote()
	}

	best := e.search(pools, from, to, intent.AmountIn)
	if best == nil {
		return Route{}, errs.New("route/engine", errs.CodeRoutingFailed,
			errs.WithReason(errs.ReasonNoRoute),
			errs.WithMessage("no path from "+from.Symbol+" to "+to.Symbol))
	}
	if err := ctx.Err(); err != nil {
		return Route{}, errs.New("route/engine", errs.CodeRoutingFailed,
			errs.WithReason(errs.ReasonRouteTimeout), errs.WithCause(err))
	}
	return Route{Hops: best.hops, AmountOut: best.amount, FeeCost: best.fee}, nil
}

// search relaxes routes hop by hop, keeping the best known output per asset.
// Hop-capped relaxation keeps price cycles from looping.
func (e *Engine) search(pools []Pool, from, to schema.Asset, amountIn decimal.Decimal) *pathState {
	states := map[assetKey]*pathState{
		keyOf(from): {amount: amountIn, fee: decimal.Zero},
	}
	for hop := 0; hop < e.cfg.MaxHops; hop++ {
		next := make(map[assetKey]*pathState, len(states))
		for k, s := range states {
			next[k] = s
		}
		improved := false
		for _, pool := range pools {
			for _, dir := range []struct {
				from, to schema.Asset
				price    decimal.Decimal
			}{
				{pool.Base, pool.Quote, pool.Price},
				{pool.Quote, pool.Base, invert(pool.Price)},
			} {
				if dir.price.IsZero() {
					continue
				}
				cur, ok := states[keyOf(dir.from)]
				if !ok || len(cur.hops) >= e.cfg.MaxHops {
					continue
				}
				gross := cur.amount.Mul(dir.price)
				feeCut := gross.Mul(decimal.New(pool.FeeBPS, -4))
				out := gross.Sub(feeCut)
				existing, seen := next[keyOf(dir.to)]
				if seen && existing.amount.GreaterThanOrEqual(out) {
					continue
				}
				hops := make([]Hop, len(cur.hops), len(cur.hops)+1)
				copy(hops, cur.hops)
				hops = append(hops, Hop{
					Venue:     pool.Venue,
					From:      dir.from,
					To:        dir.to,
					AmountIn:  cur.amount,
					AmountOut: out,
				})
				next[keyOf(dir.to)] = &pathState{amount: out, fee: cur.fee.Add(feeCut), hops: hops}
				improved = true
			}
		}
		states = next
		if !improved {
			break
		}
	}
	best, ok := states[keyOf(to)]
	if !ok || len(best.hops) == 0 {
		return nil
	}
	return best
}

func filterVenues(pools []Pool, allowed []string) []Pool {
	if len(allowed) == 0 {
		return pools
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, v := range allowed {
		allowedSet[v] = struct{}{}
	}
	out := pools[:0:0]
	for _, p := range pools {
		if _, ok := allowedSet[p.Venue]; ok {
			out = append(out, p)
		}
	}
	return out
}

func invert(price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).DivRound(price, 18)
}
