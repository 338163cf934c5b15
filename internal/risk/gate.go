// Package risk enforces pre-trade policy: notional and slippage ceilings,
// execution window bounds, venue support, and per-venue circuit breaking.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/schema"
)

// Limits bound what the gate lets through. Zero values take the defaults.
type Limits struct {
	MaxNotionalUSD decimal.Decimal
	MaxSlippage    decimal.Decimal
	MinWindow      time.Duration
	MaxWindow      time.Duration
}

func (l Limits) normalize() Limits {
	if l.MaxNotionalUSD.IsZero() {
		l.MaxNotionalUSD = decimal.NewFromInt(10_000)
	}
	if l.MaxSlippage.IsZero() {
		l.MaxSlippage = decimal.RequireFromString("0.05")
	}
	if l.MinWindow <= 0 {
		l.MinWindow = time.Second
	}
	if l.MaxWindow <= 0 {
		l.MaxWindow = time.Hour
	}
	return l
}

// Gate evaluates intents against policy. Evaluation is pure given the
// reference price; venue suspension state lives in the attached breaker.
type Gate struct {
	limits  Limits
	venues  map[string]struct{}
	breaker *Breaker
}

// NewGate builds a gate over the supported venue set. A nil breaker disables
// suspension checks.
func NewGate(limits Limits, supportedVenues []string, breaker *Breaker) *Gate {
	venues := make(map[string]struct{}, len(supportedVenues))
	for _, v := range supportedVenues {
		venues[v] = struct{}{}
	}
	return &Gate{limits: limits.normalize(), venues: venues, breaker: breaker}
}

// Evaluate applies every policy rule to the intent. The reference price is
// the current USD price of one unit of the asset amountIn is denominated in.
// The first violated rule decides the rejection reason.
func (g *Gate) Evaluate(intent schema.Intent, referencePriceUSD decimal.Decimal) error {
	notional := intent.AmountIn.Mul(referencePriceUSD)
	if notional.GreaterThan(g.limits.MaxNotionalUSD) {
		return errs.New("risk/gate", errs.CodeRiskRejected,
			errs.WithReason(errs.ReasonNotionalLimit),
			errs.WithMessage("notional "+notional.StringFixed(2)+" exceeds limit "+g.limits.MaxNotionalUSD.StringFixed(2)))
	}
	if intent.Constraints.MaxSlippage.GreaterThan(g.limits.MaxSlippage) {
		return errs.New("risk/gate", errs.CodeRiskRejected,
			errs.WithReason(errs.ReasonSlippageLimit),
			errs.WithMessage("max_slippage "+intent.Constraints.MaxSlippage.String()+" exceeds limit "+g.limits.MaxSlippage.String()))
	}
	window := time.Duration(intent.Constraints.TimeWindowMS) * time.Millisecond
	if window < g.limits.MinWindow || window > g.limits.MaxWindow {
		return errs.New("risk/gate", errs.CodeRiskRejected,
			errs.WithReason(errs.ReasonWindowOutOfRange),
			errs.WithMessage("time window "+window.String()+" outside allowed range"))
	}
	for _, venue := range intent.Constraints.AllowedVenues {
		if _, ok := g.venues[venue]; !ok {
			return errs.New("risk/gate", errs.CodeRiskRejected,
				errs.WithReason(errs.ReasonUnsupportedVenue),
				errs.WithMessage("venue "+venue+" not supported"))
		}
	}
	if g.breaker != nil {
		if !g.anyVenueAvailable(intent.Constraints.AllowedVenues) {
			return errs.New("risk/gate", errs.CodeRiskRejected,
				errs.WithReason(errs.ReasonVenueSuspended),
				errs.WithMessage("all eligible venues suspended"))
		}
	}
	return nil
}

// anyVenueAvailable reports whether at least one eligible venue is not
// suspended. An empty allow list means every supported venue is eligible.
func (g *Gate) anyVenueAvailable(allowed []string) bool {
	if len(allowed) == 0 {
		for venue := range g.venues {
			if !g.breaker.Suspended(venue) {
				return true
			}
		}
		return len(g.venues) == 0
	}
	for _, venue := range allowed {
		if !g.breaker.Suspended(venue) {
			return true
		}
	}
	return false
}
