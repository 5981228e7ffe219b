package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jetpackmatt/dashboard-sub004/internal/attribution"
	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

// TxLoader fetches ledger rows by upstream id.
type TxLoader interface {
	Get(ctx context.Context, id string) (*ledger.Transaction, error)
}

// Corrector re-runs attribution with force semantics behind a confirm phrase.
type Corrector interface {
	Correct(ctx context.Context, txns []ledger.Transaction, confirm string) (*attribution.Report, error)
}

// AuditRecorder persists operator actions.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CorrectionCLI re-attributes settled transactions after an ownership fix.
// Every correction is written to the audit log with the operator's name.
type CorrectionCLI struct {
	loader    TxLoader
	corrector Corrector
	audit     AuditRecorder
	out       io.Writer
	printer   *message.Printer
	logger    *slog.Logger
}

// NewCorrectionCLI constructs the helper.
func NewCorrectionCLI(loader TxLoader, corrector Corrector, audit AuditRecorder, out io.Writer, logger *slog.Logger) *CorrectionCLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CorrectionCLI{
		loader:    loader,
		corrector: corrector,
		audit:     audit,
		out:       out,
		printer:   message.NewPrinter(language.English),
		logger:    logger,
	}
}

// Reattribute loads the given transactions, re-runs the attribution chain
// overwriting settled client ids, and audits each touched row. confirm must
// be the exact correction phrase; anything else aborts before any write.
func (c *CorrectionCLI) Reattribute(ctx context.Context, ids []string, operator, confirm string) error {
	if operator == "" {
		return errors.New("correction: operator name required")
	}
	if len(ids) == 0 {
		return errors.New("correction: no transaction ids given")
	}

	txns := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		t, err := c.loader.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("correction: load %s: %w", id, err)
		}
		txns = append(txns, *t)
	}

	report, err := c.corrector.Correct(ctx, txns, confirm)
	if err != nil {
		return err
	}

	// only rows the corrector actually moved belong in the audit trail
	unresolved := make(map[string]bool, len(report.Unresolved))
	for _, u := range report.Unresolved {
		unresolved[u.TransactionID] = true
	}
	for _, t := range txns {
		if unresolved[t.ID] {
			continue
		}
		if err := c.audit.Record(ctx, shared.AuditLog{
			Operator: operator,
			Action:   "reattribute",
			Entity:   "billing_transaction",
			EntityID: t.ID,
			Meta: map[string]any{
				"reference_type": string(t.ReferenceType),
				"reference_id":   t.ReferenceID,
			},
		}); err != nil {
			return fmt.Errorf("correction: audit %s: %w", t.ID, err)
		}
	}

	c.printer.Fprintf(c.out, "examined %d transactions, attributed %d, %d unresolved\n",
		report.Examined, report.Attributed, len(report.Unresolved))
	for _, u := range report.Unresolved {
		c.printer.Fprintf(c.out, "  unresolved %s: %s\n", u.TransactionID, u.Reason)
	}
	return nil
}
