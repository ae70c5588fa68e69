// Command glctl runs operator actions against the general ledger.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-gl/cmd/glctl/cli"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-gl/internal/app"
	"github.com/odyssey-erp/odyssey-gl/internal/consol/ic"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/db"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
	"github.com/odyssey-erp/odyssey-gl/jobs"
)

const usage = `usage: glctl <command> [flags]

commands:
  migrate     apply schema migrations
  reverse     -entry ID [-reason TEXT] [-date YYYY-MM-DD] [-actor ID]
  pair        -source ID -target ID -module AR|AP|JE -amount N [-actor ID]
  eliminate   -id ID [-actor ID]
  verify      [-tenant ID] [-account ID] [-repair]
  trigger     -job gl:sweep|gl:integrity|gl:rebuild|gl:ic_eliminate [-tenant ID] [-account ID]
  queue       show ledger and maintenance queue stats
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("glctl", slog.String("command", os.Args[1]), slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	entryID := fs.Int64("entry", 0, "journal entry id")
	reason := fs.String("reason", "", "reversal reason")
	date := fs.String("date", "", "reversal date (YYYY-MM-DD)")
	actorID := fs.Int64("actor", 0, "acting user id")
	sourceID := fs.Int64("source", 0, "source journal entry id")
	targetID := fs.Int64("target", 0, "target journal entry id")
	module := fs.String("module", "", "intercompany module")
	amount := fs.String("amount", "", "intercompany amount")
	pairID := fs.Int64("id", 0, "intercompany transaction id")
	tenantID := fs.Int64("tenant", 0, "tenant id (0 = all)")
	accountID := fs.Int64("account", 0, "account id")
	repair := fs.Bool("repair", false, "rebuild accounts that fail verification")
	job := fs.String("job", "", "task type to enqueue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	scope := jobs.ScopePayload{TenantID: *tenantID, AccountID: *accountID, Repair: *repair}

	switch command {
	case "migrate":
		return db.Migrate(cfg.PGDSN, logger)
	case "trigger", "queue":
		jc, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer jc.Close()
		if command == "trigger" {
			info, err := jc.Trigger(ctx, *job, scope)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"id": info.ID, "queue": info.Queue, "type": info.Type})
		}
		stats := make([]cli.QueueStats, 0, 2)
		for _, q := range []string{jobs.QueueLedger, jobs.QueueMaintenance} {
			s, err := jc.InspectQueue(ctx, q)
			if err != nil {
				return fmt.Errorf("queue %s: %w", q, err)
			}
			stats = append(stats, s)
		}
		return printJSON(stats)
	}

	pool, err := db.New(ctx, cfg.PGDSN, 4)
	if err != nil {
		return err
	}
	defer pool.Close()
	lc := newLedgerCLI(pool, logger)

	switch command {
	case "reverse":
		entry, err := lc.Reverse(ctx, *entryID, *actorID, *reason, *date)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"reversal_id": entry.ID, "number": entry.Number, "status": entry.Status})
	case "pair":
		txn, err := lc.Pair(ctx, *sourceID, *targetID, *actorID, *module, *amount)
		if err != nil {
			return err
		}
		return printJSON(txn)
	case "eliminate":
		txn, err := lc.Eliminate(ctx, *pairID, *actorID)
		if err != nil {
			return err
		}
		return printJSON(txn)
	case "verify":
		report, err := lc.Verify(ctx, scope)
		if err != nil {
			return err
		}
		return printJSON(report)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func newLedgerCLI(pool *pgxpool.Pool, logger *slog.Logger) *cli.LedgerCLI {
	audit := shared.NewAuditLogger(pool)
	registry := accounts.NewService(accounts.NewRepository(pool), audit)
	repo := accounting.NewRepository(pool)
	store := accounting.NewService(repo, registry, audit, logger)
	balances := accounting.NewMaterializer(repo, logger)
	engine := accounting.NewEngine(repo, balances, audit, logger)
	pairing := ic.NewService(ic.NewRepository(pool), store, audit, logger)
	return cli.NewLedgerCLI(
		accounting.NewReverser(store, engine, audit, logger),
		pairing,
		jobs.NewIntegrityJob(balances, logger, nil),
	)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
