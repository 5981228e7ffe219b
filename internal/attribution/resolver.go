// Package attribution assigns owning clients to ledger transactions that
// arrived without one. A prioritized join chain resolves ownership from the
// synced operational tables; what it cannot prove stays unattributed.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
)

// ConfirmCorrection is the phrase an operator must supply to let the resolver
// overwrite already-settled attributions.
const ConfirmCorrection = "reattribute-settled"

// ErrConfirmationRequired rejects correction runs without the confirm phrase.
var ErrConfirmationRequired = errors.New("attribution: correction requires explicit confirmation")

// Owners provides batched client lookups against the synced join targets.
// A missing key in a result map means the owner has not synced yet.
type Owners interface {
	ShipmentClients(ctx context.Context, ids []string) (map[string]int64, error)
	ReturnClients(ctx context.Context, ids []string) (map[string]int64, error)
	ReceivingOrderClients(ctx context.Context, ids []string) (map[string]int64, error)
	InventoryClients(ctx context.Context, inventoryIDs []int64) (map[int64]int64, error)
}

// Store is the ledger surface the resolver writes to.
type Store interface {
	ListUnattributed(ctx context.Context, limit int) ([]ledger.Transaction, error)
	SetClient(ctx context.Context, id string, clientID int64, force bool) error
}

// Config tunes the resolver.
type Config struct {
	// HouseAccountID receives system-level fees that bill no client.
	HouseAccountID int64
	// SystemFeeTypes are fee types attributed to the house account.
	SystemFeeTypes []string
	BatchSize      int
	Workers        int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if len(c.SystemFeeTypes) == 0 {
		c.SystemFeeTypes = []string{"Processing Fee", "ACH Payment", "Wire Fee", "Account Fee"}
	}
	return c
}

// Resolver runs the attribution chain.
type Resolver struct {
	owners     Owners
	store      Store
	cfg        Config
	systemFees map[string]struct{}
	logger     *slog.Logger
}

// NewResolver constructs a resolver.
func NewResolver(owners Owners, store Store, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	fees := make(map[string]struct{}, len(cfg.SystemFeeTypes))
	for _, ft := range cfg.SystemFeeTypes {
		fees[strings.ToLower(ft)] = struct{}{}
	}
	return &Resolver{owners: owners, store: store, cfg: cfg, systemFees: fees, logger: logger}
}

// Resolve drains the unattributed backlog in batches. Re-running over already
// attributed rows is a no-op because the ledger only fills NULL client ids.
func (r *Resolver) Resolve(ctx context.Context) (*Report, error) {
	report := newReport()
	examined := make(map[string]bool)
	for {
		listed, err := r.store.ListUnattributed(ctx, r.cfg.BatchSize*r.cfg.Workers)
		if err != nil {
			return nil, fmt.Errorf("attribution: list unattributed: %w", err)
		}
		txns := listed[:0:0]
		for _, t := range listed {
			if !examined[t.ID] {
				examined[t.ID] = true
				txns = append(txns, t)
			}
		}
		if len(txns) == 0 {
			return report, nil
		}

		batchReports := make([]*Report, 0)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Workers)
		results := make(chan *Report, (len(txns)/r.cfg.BatchSize)+1)
		for start := 0; start < len(txns); start += r.cfg.BatchSize {
			end := start + r.cfg.BatchSize
			if end > len(txns) {
				end = len(txns)
			}
			batch := txns[start:end]
			g.Go(func() error {
				br, err := r.ResolveBatch(gctx, batch, false)
				if err != nil {
					return err
				}
				results <- br
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		close(results)
		for br := range results {
			batchReports = append(batchReports, br)
		}

		progressed := false
		for _, br := range batchReports {
			report.merge(br)
			if br.Attributed > 0 {
				progressed = true
			}
		}
		if !progressed {
			// everything left resolved to an exception; stop rather than spin
			return report, nil
		}
	}
}

// Correct re-runs the chain over specific transactions and overwrites settled
// client ids, for the case where a join target's own ownership was fixed
// after attribution. It mutates settled data, hence the confirm phrase.
func (r *Resolver) Correct(ctx context.Context, txns []ledger.Transaction, confirm string) (*Report, error) {
	if confirm != ConfirmCorrection {
		return nil, ErrConfirmationRequired
	}
	return r.ResolveBatch(ctx, txns, true)
}

// ResolveBatch runs the priority chain over one batch. Batches must not
// overlap by transaction id when run in parallel.
func (r *Resolver) ResolveBatch(ctx context.Context, txns []ledger.Transaction, force bool) (*Report, error) {
	report := newReport()
	report.Examined = len(txns)

	// step 1-3: direct joins, batched per reference type
	steps := []struct {
		refType ledger.ReferenceType
		source  Source
		lookup  func(context.Context, []string) (map[string]int64, error)
	}{
		{ledger.RefShipment, SourceShipment, r.owners.ShipmentClients},
		{ledger.RefReturn, SourceReturn, r.owners.ReturnClients},
		{ledger.RefWRO, SourceReceivingOrder, r.owners.ReceivingOrderClients},
	}

	assigned := make(map[string]bool, len(txns))
	for _, step := range steps {
		ids := make([]string, 0)
		for _, t := range txns {
			if !assigned[t.ID] && t.ReferenceType == step.refType && t.ReferenceID != "" {
				ids = append(ids, t.ReferenceID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		clients, err := step.lookup(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("attribution: %s lookup: %w", step.source, err)
		}
		for _, t := range txns {
			if assigned[t.ID] || t.ReferenceType != step.refType {
				continue
			}
			clientID, ok := clients[t.ReferenceID]
			if !ok {
				continue // owner not synced yet; stays in the backlog
			}
			if err := r.assign(ctx, t, clientID, force); err != nil {
				return nil, err
			}
			assigned[t.ID] = true
			report.Attributed++
			report.BySource[step.source]++
		}
	}

	// step 4: storage composite ids joined through the inventory table
	if err := r.resolveStorage(ctx, txns, assigned, force, report); err != nil {
		return nil, err
	}

	// step 5: system-level fees go to the house account
	for _, t := range txns {
		if assigned[t.ID] {
			continue
		}
		if _, ok := r.systemFees[strings.ToLower(t.FeeType)]; ok && r.cfg.HouseAccountID != 0 {
			if err := r.assign(ctx, t, r.cfg.HouseAccountID, force); err != nil {
				return nil, err
			}
			assigned[t.ID] = true
			report.Attributed++
			report.BySource[SourceHouseAccount]++
		}
	}

	// step 6: everything else is surfaced, never guessed
	for _, t := range txns {
		if assigned[t.ID] {
			continue
		}
		report.Unresolved = append(report.Unresolved, Unresolved{
			TransactionID: t.ID,
			ReferenceType: string(t.ReferenceType),
			ReferenceID:   t.ReferenceID,
			FeeType:       t.FeeType,
			Reason:        unresolvedReason(t),
			OccurredAt:    time.Now().UTC(),
		})
	}
	return report, nil
}

func (r *Resolver) resolveStorage(ctx context.Context, txns []ledger.Transaction, assigned map[string]bool, force bool, report *Report) error {
	inventoryIDs := make([]int64, 0)
	byInventory := make(map[int64][]ledger.Transaction)
	for _, t := range txns {
		if assigned[t.ID] || t.ReferenceType != ledger.RefStorage {
			continue
		}
		invID, err := parseStorageInventoryID(t.ReferenceID)
		if err != nil {
			continue // malformed composite id falls through to the exception bucket
		}
		if len(byInventory[invID]) == 0 {
			inventoryIDs = append(inventoryIDs, invID)
		}
		byInventory[invID] = append(byInventory[invID], t)
	}
	if len(inventoryIDs) == 0 {
		return nil
	}
	clients, err := r.owners.InventoryClients(ctx, inventoryIDs)
	if err != nil {
		return fmt.Errorf("attribution: inventory lookup: %w", err)
	}
	for invID, group := range byInventory {
		clientID, ok := clients[invID]
		if !ok {
			continue
		}
		for _, t := range group {
			if err := r.assign(ctx, t, clientID, force); err != nil {
				return err
			}
			assigned[t.ID] = true
			report.Attributed++
			report.BySource[SourceStorage]++
		}
	}
	return nil
}

func (r *Resolver) assign(ctx context.Context, t ledger.Transaction, clientID int64, force bool) error {
	if t.ClientID != nil && *t.ClientID == clientID {
		return nil // already correct; idempotent no-op
	}
	if err := r.store.SetClient(ctx, t.ID, clientID, force); err != nil {
		return fmt.Errorf("attribution: set client for %s: %w", t.ID, err)
	}
	return nil
}

func unresolvedReason(t ledger.Transaction) string {
	switch t.ReferenceType {
	case ledger.RefShipment, ledger.RefReturn, ledger.RefWRO:
		return "owner record not synced"
	case ledger.RefStorage:
		if _, err := parseStorageInventoryID(t.ReferenceID); err != nil {
			return "malformed storage reference id"
		}
		return "inventory record not synced"
	default:
		return "no attribution path for reference type"
	}
}

// parseStorageInventoryID extracts the inventory id from a storage composite
// reference id of the form {facility}-{inventory}-{location}.
func parseStorageInventoryID(referenceID string) (int64, error) {
	parts := strings.Split(referenceID, "-")
	if len(parts) != 3 {
		return 0, fmt.Errorf("attribution: storage reference %q is not facility-inventory-location", referenceID)
	}
	invID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribution: storage reference %q inventory segment: %w", referenceID, err)
	}
	return invID, nil
}
