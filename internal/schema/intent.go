package schema

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
)

// IntentType distinguishes the direction of a trading goal.
type IntentType string

const (
	// IntentTypeAcquire buys the target asset with the quote asset.
	IntentTypeAcquire IntentType = "acquire"
	// IntentTypeDispose sells the target asset into the quote asset.
	IntentTypeDispose IntentType = "dispose"
)

// ExecutionStyle hints how aggressively a plan should cross the market.
type ExecutionStyle string

const (
	ExecutionStyleAggressive ExecutionStyle = "aggressive"
	ExecutionStylePassive    ExecutionStyle = "passive"
	ExecutionStyleAdaptive   ExecutionStyle = "adaptive"
)

// Asset identifies an on-chain token.
type Asset struct {
	Symbol   string `json:"symbol"`
	ChainID  int64  `json:"chainId"`
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
}

// Constraints bound how an intent may be executed.
type Constraints struct {
	MaxSlippage    decimal.Decimal `json:"maxSlippage"`
	TimeWindowMS   int64           `json:"timeWindowMs"`
	ExecutionStyle ExecutionStyle  `json:"executionStyle"`
	AllowedVenues  []string        `json:"allowedVenues,omitempty"`
}

// Intent is a declarative trading goal: acquire or dispose of the target
// asset under constraints. It is the payload of intent.submitted.
type Intent struct {
	IntentID    string          `json:"intentId"`
	Type        IntentType      `json:"intentType"`
	Assets      [2]Asset        `json:"assets"` // [target, quote]
	AmountIn    decimal.Decimal `json:"amountIn"`
	Constraints Constraints     `json:"constraints"`
}

// Target returns the asset being acquired or disposed.
func (i Intent) Target() Asset { return i.Assets[0] }

// Quote returns the asset funding (acquire) or receiving (dispose) the trade.
func (i Intent) Quote() Asset { return i.Assets[1] }

// Funding returns the asset AmountIn is denominated in: the quote asset for
// acquire intents, the target asset for dispose intents.
func (i Intent) Funding() Asset {
	if i.Type == IntentTypeDispose {
		return i.Assets[0]
	}
	return i.Assets[1]
}

const (
	minTimeWindowMS = 1_000
	maxTimeWindowMS = 3_600_000
	maxAmountDigits = 30
)

var evmAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func validateAsset(which string, a Asset) error {
	if strings.TrimSpace(a.Symbol) == "" {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage(which+" symbol required"))
	}
	if a.ChainID <= 0 {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage(which+" chain id must be positive"))
	}
	if !evmAddressRe.MatchString(a.Address) {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage(which+" address must be a 0x-prefixed 20-byte hex string"))
	}
	if a.Decimals < 0 || a.Decimals > 36 {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage(which+" decimals out of range"))
	}
	return nil
}

// Validate checks schema and constraint bounds. Submission-time failures are
// surfaced synchronously; no event is emitted for an invalid intent.
func (i Intent) Validate() error {
	switch i.Type {
	case IntentTypeAcquire, IntentTypeDispose:
	default:
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("intent type must be acquire or dispose"))
	}
	if err := validateAsset("target", i.Assets[0]); err != nil {
		return err
	}
	if err := validateAsset("quote", i.Assets[1]); err != nil {
		return err
	}
	if strings.EqualFold(i.Assets[0].Address, i.Assets[1].Address) && i.Assets[0].ChainID == i.Assets[1].ChainID {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("target and quote must differ"))
	}
	if i.AmountIn.IsNegative() || i.AmountIn.IsZero() {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("amount_in must be positive"))
	}
	if len(i.AmountIn.Coefficient().String()) > maxAmountDigits {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("amount_in exceeds supported precision"))
	}
	one := decimal.NewFromInt(1)
	if !i.Constraints.MaxSlippage.IsPositive() || i.Constraints.MaxSlippage.GreaterThanOrEqual(one) {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("max_slippage must lie in (0,1)"))
	}
	if i.Constraints.TimeWindowMS <= 0 {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("time_window_ms must be positive"))
	}
	switch i.Constraints.ExecutionStyle {
	case ExecutionStyleAggressive, ExecutionStylePassive, ExecutionStyleAdaptive:
	default:
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("unknown execution style"))
	}
	for _, v := range i.Constraints.AllowedVenues {
		if strings.TrimSpace(v) == "" {
			return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("allowed_venues entries must be non-empty"))
		}
	}
	return nil
}
