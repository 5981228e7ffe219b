package markup

import (
	"context"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
)

func ptr(v int64) *int64 { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func created(minutes int) time.Time {
	return time.Date(2026, 7, 1, 0, minutes, 0, 0, time.UTC)
}

func ruleSet() []Rule {
	return []Rule{
		{ID: 1, Type: TypePercentage, Value: dec("10"), CreatedAt: created(1)},                                                                    // global default
		{ID: 2, Category: "shipping", Type: TypePercentage, Value: dec("12"), CreatedAt: created(2)},                                             // global category
		{ID: 3, ClientID: ptr(1), Type: TypePercentage, Value: dec("15"), CreatedAt: created(3)},                                                 // client default
		{ID: 4, ClientID: ptr(1), Category: "shipping", Type: TypePercentage, Value: dec("18"), CreatedAt: created(4)},                           // client category
		{ID: 5, ClientID: ptr(1), Category: "shipping", FeeType: "Shipping", Type: TypePercentage, Value: dec("20"), CreatedAt: created(5)},      // client category+fee
		{ID: 6, ClientID: ptr(1), Category: "shipping", FeeType: "Shipping", ShippingOptionID: ptr(7), Type: TypeFixed, Value: dec("2.50"), CreatedAt: created(6)}, // most specific
	}
}

func TestFindMatchingRuleSpecificityLadder(t *testing.T) {
	rules := ruleSet()

	cases := []struct {
		name   string
		ctx    Context
		wantID int64
	}{
		{
			name:   "client category fee shipoption",
			ctx:    Context{ClientID: 1, Category: "shipping", FeeType: "Shipping", ShippingOptionID: ptr(7)},
			wantID: 6,
		},
		{
			name:   "client category fee",
			ctx:    Context{ClientID: 1, Category: "shipping", FeeType: "Shipping"},
			wantID: 5,
		},
		{
			name:   "client category",
			ctx:    Context{ClientID: 1, Category: "shipping", FeeType: "Pick Fee"},
			wantID: 4,
		},
		{
			name:   "client default",
			ctx:    Context{ClientID: 1, Category: "storage", FeeType: "Storage"},
			wantID: 3,
		},
		{
			name:   "global category for unknown client",
			ctx:    Context{ClientID: 2, Category: "shipping", FeeType: "Shipping"},
			wantID: 2,
		},
		{
			name:   "global default for unknown client",
			ctx:    Context{ClientID: 2, Category: "storage", FeeType: "Storage"},
			wantID: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule, err := FindMatchingRule(rules, tc.ctx)
			require.NoError(t, err)
			require.Equal(t, tc.wantID, rule.ID)
		})
	}
}

func TestFindMatchingRuleDeterministicAcrossOrderings(t *testing.T) {
	rules := ruleSet()
	ctx := Context{ClientID: 1, Category: "shipping", FeeType: "Shipping", ShippingOptionID: ptr(7)}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]Rule(nil), rules...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		rule, err := FindMatchingRule(shuffled, ctx)
		require.NoError(t, err)
		require.Equal(t, int64(6), rule.ID)
	}
}

func TestFindMatchingRuleTieBreaksOnMostRecent(t *testing.T) {
	rules := []Rule{
		{ID: 10, ClientID: ptr(1), Category: "shipping", Type: TypePercentage, Value: dec("15"), CreatedAt: created(1)},
		{ID: 11, ClientID: ptr(1), Category: "shipping", Type: TypePercentage, Value: dec("17"), CreatedAt: created(9)},
		{ID: 12, ClientID: ptr(1), Category: "shipping", Type: TypePercentage, Value: dec("16"), CreatedAt: created(5)},
	}
	rule, err := FindMatchingRule(rules, Context{ClientID: 1, Category: "shipping"})
	require.NoError(t, err)
	require.Equal(t, int64(11), rule.ID)

	// identical timestamps fall back to the highest id
	rules[1].CreatedAt = created(5)
	rule, err = FindMatchingRule(rules, Context{ClientID: 1, Category: "shipping"})
	require.NoError(t, err)
	require.Equal(t, int64(12), rule.ID)
}

func TestFindMatchingRuleNoMatch(t *testing.T) {
	rules := []Rule{
		{ID: 1, ClientID: ptr(1), Category: "shipping", Type: TypePercentage, Value: dec("18")},
	}
	_, err := FindMatchingRule(rules, Context{ClientID: 2, Category: "storage"})
	var noMatch *NoRuleMatchError
	require.ErrorAs(t, err, &noMatch)
	require.Equal(t, int64(2), noMatch.Context.ClientID)
}

func TestCalculateArithmetic(t *testing.T) {
	pct18 := Rule{ID: 1, Type: TypePercentage, Value: dec("18")}
	fixed4c := Rule{ID: 2, Type: TypeFixed, Value: dec("0.04")}

	r := Calculate(dec("10.00"), pct18)
	require.True(t, r.Markup.Equal(dec("1.80")), r.Markup.String())
	require.True(t, r.Billed.Equal(dec("11.80")), r.Billed.String())
	require.True(t, r.EffectivePercentage.Equal(dec("18")), r.EffectivePercentage.String())

	r = Calculate(dec("0.20"), fixed4c)
	require.True(t, r.Markup.Equal(dec("0.04")))
	require.True(t, r.Billed.Equal(dec("0.24")))
	require.True(t, r.EffectivePercentage.Equal(dec("20")))

	// zero base with a percentage rule: zero markup, no division fault
	r = Calculate(decimal.Zero, pct18)
	require.True(t, r.Markup.IsZero())
	require.True(t, r.Billed.IsZero())
	require.True(t, r.EffectivePercentage.IsZero())

	// fixed markup applies even on a zero base
	r = Calculate(decimal.Zero, fixed4c)
	require.True(t, r.Billed.Equal(dec("0.04")))
}

type countingSource struct {
	rules map[int64][]Rule
	calls map[int64]int
}

func (s *countingSource) RulesForClient(ctx context.Context, clientID int64) ([]Rule, error) {
	s.calls[clientID]++
	return s.rules[clientID], nil
}

func TestCalculateBatchSnapshotsRulesPerClient(t *testing.T) {
	source := &countingSource{
		rules: map[int64][]Rule{
			1: {{ID: 1, ClientID: ptr(1), Type: TypePercentage, Value: dec("18"), CreatedAt: created(1)}},
			2: {{ID: 2, ClientID: ptr(2), Type: TypeFixed, Value: dec("0.04"), CreatedAt: created(1)}},
		},
		calls: make(map[int64]int),
	}
	engine := NewEngine(source, slog.New(slog.DiscardHandler))

	var txns []ledger.Transaction
	for i := 0; i < 6; i++ {
		clientID := int64(1 + i%2)
		txns = append(txns, ledger.Transaction{
			ID:              string(rune('a' + i)),
			TransactionType: ledger.TxnCharge,
			ReferenceType:   ledger.RefShipment,
			FeeType:         "Shipping",
			Amount:          dec("10.00"),
			ClientID:        &clientID,
		})
	}

	results, unmatched, err := engine.CalculateBatch(context.Background(), txns)
	require.NoError(t, err)
	require.Empty(t, unmatched)
	require.Len(t, results, 6)
	require.Equal(t, 1, source.calls[1])
	require.Equal(t, 1, source.calls[2])
	require.True(t, results["a"].Billed.Equal(dec("11.80")))
	require.True(t, results["b"].Billed.Equal(dec("10.04")))
}

func TestCalculateBatchSurfacesUnmatched(t *testing.T) {
	source := &countingSource{rules: map[int64][]Rule{}, calls: make(map[int64]int)}
	engine := NewEngine(source, slog.New(slog.DiscardHandler))

	clientID := int64(9)
	results, unmatched, err := engine.CalculateBatch(context.Background(), []ledger.Transaction{{
		ID:              "t1",
		TransactionType: ledger.TxnCharge,
		ReferenceType:   ledger.RefStorage,
		FeeType:         "Storage",
		Amount:          dec("3.00"),
		ClientID:        &clientID,
	}})
	require.NoError(t, err)
	require.Empty(t, results)
	require.Len(t, unmatched, 1)
	require.Equal(t, "t1", unmatched[0].TransactionID)
	require.Equal(t, "storage", unmatched[0].Category)
}
