package markup

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type selects how a rule converts cost into markup.
type Type string

const (
	// TypePercentage marks up by a percentage of the base amount.
	TypePercentage Type = "percentage"
	// TypeFixed adds a flat amount regardless of base, including zero base.
	TypeFixed Type = "fixed"
)

// Rule is one configured markup. A nil ClientID makes the rule global;
// empty Category/FeeType and nil ShippingOptionID widen it further. The most
// specific applicable rule wins.
type Rule struct {
	ID               int64
	ClientID         *int64
	Category         string
	FeeType          string
	ShippingOptionID *int64
	Type             Type
	Value            decimal.Decimal
	CreatedAt        time.Time
}

// Context describes the transaction a rule is being selected for.
type Context struct {
	ClientID         int64
	Category         string
	FeeType          string
	ShippingOptionID *int64
	Date             time.Time
}

// Result is one computed markup.
type Result struct {
	RuleID              int64           `json:"rule_id"`
	Base                decimal.Decimal `json:"base"`
	Markup              decimal.Decimal `json:"markup"`
	Billed              decimal.Decimal `json:"billed"`
	EffectivePercentage decimal.Decimal `json:"effective_percentage"`
}

// NoRuleMatchError reports a context no rule covers, including the global
// wildcard ladder. Transactions hitting it are excluded from invoicing, never
// billed at an implicit zero markup.
type NoRuleMatchError struct {
	Context Context
}

func (e *NoRuleMatchError) Error() string {
	return fmt.Sprintf("markup: no rule matches client=%d category=%q fee_type=%q",
		e.Context.ClientID, e.Context.Category, e.Context.FeeType)
}

// NoMatch records one excluded transaction in a batch result.
type NoMatch struct {
	TransactionID string `json:"transaction_id"`
	ClientID      int64  `json:"client_id"`
	Category      string `json:"category"`
	FeeType       string `json:"fee_type"`
}
