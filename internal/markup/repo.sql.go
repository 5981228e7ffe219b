package markup

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository loads markup rules from PostgreSQL. Rules are configuration
// maintained elsewhere; this is a read-only surface.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RulesForClient returns the client's rules plus the global wildcard rules.
func (r *Repository) RulesForClient(ctx context.Context, clientID int64) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, client_id, category, fee_type, shipping_option_id, markup_type, markup_value, created_at
		FROM markup_rules
		WHERE client_id = $1 OR client_id IS NULL
		ORDER BY created_at, id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("markup: query rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var rule Rule
		var markupType string
		if err := rows.Scan(&rule.ID, &rule.ClientID, &rule.Category, &rule.FeeType,
			&rule.ShippingOptionID, &markupType, &rule.Value, &rule.CreatedAt); err != nil {
			return nil, err
		}
		rule.Type = Type(markupType)
		out = append(out, rule)
	}
	return out, rows.Err()
}
