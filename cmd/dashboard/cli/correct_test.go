package cli

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jetpackmatt/dashboard-sub004/internal/attribution"
	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

type stubLoader struct {
	rows map[string]*ledger.Transaction
}

func (s *stubLoader) Get(ctx context.Context, id string) (*ledger.Transaction, error) {
	row, ok := s.rows[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return row, nil
}

type stubCorrector struct {
	gotConfirm string
	report     *attribution.Report
}

func (s *stubCorrector) Correct(ctx context.Context, txns []ledger.Transaction, confirm string) (*attribution.Report, error) {
	s.gotConfirm = confirm
	if confirm != attribution.ConfirmCorrection {
		return nil, attribution.ErrConfirmationRequired
	}
	if s.report == nil {
		s.report = &attribution.Report{Examined: len(txns), Attributed: len(txns)}
	}
	return s.report, nil
}

type stubAudit struct {
	logs []shared.AuditLog
}

func (s *stubAudit) Record(ctx context.Context, log shared.AuditLog) error {
	s.logs = append(s.logs, log)
	return nil
}

func newCorrectionFixture() (*CorrectionCLI, *stubCorrector, *stubAudit, *bytes.Buffer) {
	loader := &stubLoader{rows: map[string]*ledger.Transaction{
		"txn-1": {ID: "txn-1", ReferenceType: ledger.RefShipment, ReferenceID: "ship-9"},
		"txn-2": {ID: "txn-2", ReferenceType: ledger.RefReturn, ReferenceID: "ret-3"},
	}}
	corrector := &stubCorrector{}
	audit := &stubAudit{}
	out := &bytes.Buffer{}
	cli := NewCorrectionCLI(loader, corrector, audit, out, slog.New(slog.DiscardHandler))
	return cli, corrector, audit, out
}

func TestReattributeRequiresConfirmPhrase(t *testing.T) {
	cli, _, audit, _ := newCorrectionFixture()

	err := cli.Reattribute(context.Background(), []string{"txn-1"}, "ops@example.com", "yes please")
	require.ErrorIs(t, err, attribution.ErrConfirmationRequired)
	require.Empty(t, audit.logs, "nothing may be audited when the correction was refused")
}

func TestReattributeAuditsEveryTouchedRow(t *testing.T) {
	cli, corrector, audit, out := newCorrectionFixture()

	err := cli.Reattribute(context.Background(), []string{"txn-1", "txn-2"}, "ops@example.com", attribution.ConfirmCorrection)
	require.NoError(t, err)
	require.Equal(t, attribution.ConfirmCorrection, corrector.gotConfirm)

	require.Len(t, audit.logs, 2)
	require.Equal(t, "reattribute", audit.logs[0].Action)
	require.Equal(t, "billing_transaction", audit.logs[0].Entity)
	require.Equal(t, "txn-1", audit.logs[0].EntityID)
	require.Equal(t, "ops@example.com", audit.logs[0].Operator)

	require.Contains(t, out.String(), "examined 2 transactions, attributed 2")
}

func TestReattributeSkipsAuditForUnresolvedRows(t *testing.T) {
	cli, corrector, audit, out := newCorrectionFixture()
	corrector.report = &attribution.Report{
		Examined:   2,
		Attributed: 1,
		Unresolved: []attribution.Unresolved{{TransactionID: "txn-2", Reason: "owner not found"}},
	}

	err := cli.Reattribute(context.Background(), []string{"txn-1", "txn-2"}, "ops@example.com", attribution.ConfirmCorrection)
	require.NoError(t, err)

	// the audit trail claims only the mutation that happened
	require.Len(t, audit.logs, 1)
	require.Equal(t, "txn-1", audit.logs[0].EntityID)
	require.Contains(t, out.String(), "examined 2 transactions, attributed 1, 1 unresolved")
	require.Contains(t, out.String(), "unresolved txn-2: owner not found")
}

func TestReattributeRejectsUnknownTransaction(t *testing.T) {
	cli, _, audit, _ := newCorrectionFixture()

	err := cli.Reattribute(context.Background(), []string{"txn-missing"}, "ops@example.com", attribution.ConfirmCorrection)
	require.ErrorIs(t, err, ledger.ErrNotFound)
	require.Empty(t, audit.logs)
}

func TestReattributeRequiresOperator(t *testing.T) {
	cli, _, _, _ := newCorrectionFixture()
	err := cli.Reattribute(context.Background(), []string{"txn-1"}, "", attribution.ConfirmCorrection)
	require.Error(t, err)
}
