package attribution

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository answers owner lookups from the locally synced operational
// tables. Those tables are maintained by out-of-scope sync processes and are
// strictly read-only here.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) lookupString(ctx context.Context, query string, ids []string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64, len(ids))
	for rows.Next() {
		var id string
		var clientID int64
		if err := rows.Scan(&id, &clientID); err != nil {
			return nil, err
		}
		out[id] = clientID
	}
	return out, rows.Err()
}

// ShipmentClients maps shipment ids to owning client ids.
func (r *Repository) ShipmentClients(ctx context.Context, ids []string) (map[string]int64, error) {
	m, err := r.lookupString(ctx,
		`SELECT id, client_id FROM shipments WHERE id = ANY($1) AND client_id IS NOT NULL`, ids)
	if err != nil {
		return nil, fmt.Errorf("attribution: shipments: %w", err)
	}
	return m, nil
}

// ReturnClients maps return ids to owning client ids.
func (r *Repository) ReturnClients(ctx context.Context, ids []string) (map[string]int64, error) {
	m, err := r.lookupString(ctx,
		`SELECT id, client_id FROM returns WHERE id = ANY($1) AND client_id IS NOT NULL`, ids)
	if err != nil {
		return nil, fmt.Errorf("attribution: returns: %w", err)
	}
	return m, nil
}

// ReceivingOrderClients maps receiving order ids to owning client ids.
func (r *Repository) ReceivingOrderClients(ctx context.Context, ids []string) (map[string]int64, error) {
	m, err := r.lookupString(ctx,
		`SELECT id, client_id FROM receiving_orders WHERE id = ANY($1) AND client_id IS NOT NULL`, ids)
	if err != nil {
		return nil, fmt.Errorf("attribution: receiving orders: %w", err)
	}
	return m, nil
}

// InventoryClients maps inventory ids (from storage composite references) to
// owning client ids via the product variant table.
func (r *Repository) InventoryClients(ctx context.Context, inventoryIDs []int64) (map[int64]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT inventory_id, client_id FROM product_variants
		 WHERE inventory_id = ANY($1) AND client_id IS NOT NULL`, inventoryIDs)
	if err != nil {
		return nil, fmt.Errorf("attribution: product variants: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64, len(inventoryIDs))
	for rows.Next() {
		var invID, clientID int64
		if err := rows.Scan(&invID, &clientID); err != nil {
			return nil, err
		}
		out[invID] = clientID
	}
	return out, rows.Err()
}
