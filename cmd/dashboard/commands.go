package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jetpackmatt/dashboard-sub004/cmd/dashboard/cli"
	"github.com/jetpackmatt/dashboard-sub004/internal/app"
	"github.com/jetpackmatt/dashboard-sub004/internal/attribution"
	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

// runCommand dispatches the operational subcommands. The binary serves HTTP
// when invoked without arguments.
func runCommand(ctx context.Context, args []string, cfg *app.Config, logger *slog.Logger,
	pool *pgxpool.Pool, ledgerRepo *ledger.Repository, resolver *attribution.Resolver) error {
	switch args[0] {
	case "sync":
		fs := flag.NewFlagSet("sync", flag.ContinueOnError)
		from := fs.String("from", "", "window start, YYYY-MM-DD (default: previous billing week)")
		to := fs.String("to", "", "window end, YYYY-MM-DD")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		window, err := parseWindow(*from, *to)
		if err != nil {
			return err
		}
		jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		info, err := jobsCLI.TriggerSync(ctx, window.From, window.To)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s task %s for %s .. %s\n",
			info.Type, info.ID, window.From.Format("2006-01-02"), window.To.Format("2006-01-02"))
		return nil

	case "queue":
		jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue %s: pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		scheduled, err := jobsCLI.ListScheduled(ctx, 10)
		if err != nil {
			return err
		}
		for _, t := range scheduled {
			fmt.Printf("  scheduled %s %s\n", t.ID, t.Type)
		}
		return nil

	case "reattribute":
		fs := flag.NewFlagSet("reattribute", flag.ContinueOnError)
		operator := fs.String("operator", "", "operator name, recorded in the audit log")
		confirm := fs.String("confirm", "", "confirmation phrase gating forced attribution")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		correction := cli.NewCorrectionCLI(ledgerRepo, resolver, shared.NewAuditLogger(pool), os.Stdout, logger)
		return correction.Reattribute(ctx, fs.Args(), *operator, *confirm)

	default:
		return fmt.Errorf("unknown command %q (expected sync, queue or reattribute)", args[0])
	}
}

func parseWindow(from, to string) (shared.BillingWeek, error) {
	if from == "" && to == "" {
		return shared.PreviousBillingWeek(time.Now().UTC()), nil
	}
	if from == "" || to == "" {
		return shared.BillingWeek{}, fmt.Errorf("both -from and -to are required when either is set")
	}
	f, err := time.Parse("2006-01-02", from)
	if err != nil {
		return shared.BillingWeek{}, fmt.Errorf("parse -from: %w", err)
	}
	t, err := time.Parse("2006-01-02", to)
	if err != nil {
		return shared.BillingWeek{}, fmt.Errorf("parse -to: %w", err)
	}
	if !t.After(f) {
		return shared.BillingWeek{}, fmt.Errorf("-to must be after -from")
	}
	return shared.BillingWeek{From: f, To: t}, nil
}
