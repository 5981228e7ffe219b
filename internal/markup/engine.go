// Package markup selects the most specific configured markup rule for a
// transaction's billing context and computes the billed amount from it.
package markup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
)

var hundred = decimal.NewFromInt(100)

// specificity scores how narrowly a rule matches the context; lower wins.
// Client-scoped rules occupy levels 1-4, global/wildcard rules 5-8. Returns
// ok=false when the rule does not apply at all.
func specificity(r Rule, c Context) (int, bool) {
	if r.ClientID != nil && *r.ClientID != c.ClientID {
		return 0, false
	}
	if r.Category != "" && r.Category != c.Category {
		return 0, false
	}
	if r.FeeType != "" && r.FeeType != c.FeeType {
		return 0, false
	}
	if r.ShippingOptionID != nil {
		if c.ShippingOptionID == nil || *r.ShippingOptionID != *c.ShippingOptionID {
			return 0, false
		}
	}

	narrowed := 0
	if r.Category != "" {
		narrowed++
	}
	if r.FeeType != "" {
		narrowed++
	}
	if r.ShippingOptionID != nil {
		narrowed++
	}
	level := 4 - narrowed
	if r.ClientID == nil {
		level += 4
	}
	return level, true
}

// FindMatchingRule returns the single applicable rule for the context.
// Selection is deterministic regardless of input order: ties at equal
// specificity resolve to the most recently created rule, then highest id.
func FindMatchingRule(rules []Rule, c Context) (*Rule, error) {
	var best *Rule
	bestLevel := 0
	for i := range rules {
		level, ok := specificity(rules[i], c)
		if !ok {
			continue
		}
		switch {
		case best == nil, level < bestLevel:
		case level == bestLevel:
			if rules[i].CreatedAt.Before(best.CreatedAt) {
				continue
			}
			if rules[i].CreatedAt.Equal(best.CreatedAt) && rules[i].ID < best.ID {
				continue
			}
		default:
			continue
		}
		best = &rules[i]
		bestLevel = level
	}
	if best == nil {
		return nil, &NoRuleMatchError{Context: c}
	}
	return best, nil
}

// Calculate applies a rule to a base amount. Percentage markups round to the
// cent; fixed markups apply verbatim even on a zero base. The effective
// percentage is informational and guards against zero-base division.
func Calculate(base decimal.Decimal, rule Rule) Result {
	var markup decimal.Decimal
	switch rule.Type {
	case TypeFixed:
		markup = rule.Value
	default:
		markup = base.Mul(rule.Value).Div(hundred).Round(2)
	}
	billed := base.Add(markup).Round(2)

	effective := decimal.Zero
	if !base.IsZero() {
		effective = markup.Div(base).Mul(hundred).Round(2)
	}
	return Result{
		RuleID:              rule.ID,
		Base:                base,
		Markup:              markup,
		Billed:              billed,
		EffectivePercentage: effective,
	}
}

// RuleSource loads a client's rule set, including global wildcard rules.
type RuleSource interface {
	RulesForClient(ctx context.Context, clientID int64) ([]Rule, error)
}

// Engine computes markups for batches of ledger transactions.
type Engine struct {
	source RuleSource
	logger *slog.Logger
}

// NewEngine constructs an engine.
func NewEngine(source RuleSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, logger: logger}
}

// CalculateBatch computes markups for a batch. Each client's rule set is
// fetched exactly once and held as a snapshot for the whole batch, so
// concurrent rule edits are never observed mid-batch. Unmatched transactions
// are returned separately and excluded from the result map.
func (e *Engine) CalculateBatch(ctx context.Context, txns []ledger.Transaction) (map[string]Result, []NoMatch, error) {
	snapshots := make(map[int64][]Rule)
	results := make(map[string]Result, len(txns))
	var unmatched []NoMatch

	for _, t := range txns {
		if t.ClientID == nil {
			return nil, nil, fmt.Errorf("markup: transaction %s has no client", t.ID)
		}
		clientID := *t.ClientID
		rules, ok := snapshots[clientID]
		if !ok {
			var err error
			rules, err = e.source.RulesForClient(ctx, clientID)
			if err != nil {
				return nil, nil, fmt.Errorf("markup: load rules for client %d: %w", clientID, err)
			}
			snapshots[clientID] = rules
		}

		c := Context{
			ClientID: clientID,
			Category: BillingCategory(t.ReferenceType),
			FeeType:  t.FeeType,
			Date:     t.ChargeDate,
		}
		rule, err := FindMatchingRule(rules, c)
		if err != nil {
			unmatched = append(unmatched, NoMatch{
				TransactionID: t.ID,
				ClientID:      clientID,
				Category:      c.Category,
				FeeType:       c.FeeType,
			})
			continue
		}
		results[t.ID] = Calculate(t.Amount, *rule)
	}
	return results, unmatched, nil
}

// TotalBilled sums billed amounts across a batch result, for reporting.
func TotalBilled(results map[string]Result) decimal.Decimal {
	total := decimal.Zero
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		total = total.Add(results[k].Billed)
	}
	return total
}

// BillingCategory maps a reference type to the billing category used by
// markup rules.
func BillingCategory(rt ledger.ReferenceType) string {
	switch rt {
	case ledger.RefShipment:
		return "shipping"
	case ledger.RefStorage:
		return "storage"
	case ledger.RefWRO:
		return "receiving"
	case ledger.RefReturn:
		return "returns"
	case ledger.RefFCTransfer:
		return "transfers"
	default:
		return "other"
	}
}
