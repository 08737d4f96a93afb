package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/receivables-ledger/cmd/ledgerctl/cli"
	"github.com/odyssey-erp/receivables-ledger/internal/app"
	"github.com/odyssey-erp/receivables-ledger/internal/ledger"
	"github.com/odyssey-erp/receivables-ledger/internal/platform/cache"
	"github.com/odyssey-erp/receivables-ledger/internal/platform/db"
	"github.com/odyssey-erp/receivables-ledger/jobs"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  integrity  -tenant <ids> -lookback <dur> [-json]   scan recent transactions for violations
  balance    -tenant <id> -account <code> [-party <id>] [-json]
  entries    -tenant <id> -txn <txn_id> [-json]
  enqueue    settlement|compensation|integrity [-payload file|-]
  stats      [-json]                                   queue status
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	// Diagnostics go to stderr so stdout stays parseable.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "integrity":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		tenants := fs.String("tenant", "", "comma separated tenant ids (default INTEGRITY_TENANT_IDS)")
		lookback := fs.Duration("lookback", cfg.IntegrityLookback, "scan window")
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns, AppName: "ledgerctl"})
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "connect database: %v\n", err)
			return 1
		}
		defer pool.Close()
		job := jobs.NewLedgerIntegrityJob(ledger.NewRepository(pool), cfg.IntegrityTenants(), cfg.IntegrityLookback, logger, nil)
		return cli.NewIntegrityCLI(job, cfg.IntegrityTenants()).IntegrityCommand(ctx, cli.IntegrityOptions{
			TenantIDs:  *tenants,
			Lookback:   *lookback,
			JSONOutput: *asJSON,
		})

	case "balance", "entries":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		tenant := fs.String("tenant", "", "tenant id")
		account := fs.String("account", "", "account code")
		party := fs.String("party", "", "party id")
		txn := fs.String("txn", "", "transaction id")
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns, AppName: "ledgerctl"})
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "connect database: %v\n", err)
			return 1
		}
		defer pool.Close()
		repo := ledger.NewRepository(pool)
		if cmd == "entries" {
			return cli.NewLedgerCLI(nil, repo, cfg.LedgerCurrency).EntriesCommand(ctx, cli.EntriesOptions{
				TenantID:   *tenant,
				TxnID:      *txn,
				JSONOutput: *asJSON,
			})
		}
		redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Warn("balance cache unavailable, reading through", slog.Any("error", err))
			redisClient = nil
		} else {
			defer func() { _ = redisClient.Close() }()
		}
		balances := ledger.NewBalanceService(repo, ledger.DefaultChart(), redisClient, cfg.BalanceCacheTTL, logger)
		return cli.NewLedgerCLI(balances, repo, cfg.LedgerCurrency).BalanceCommand(ctx, cli.BalanceOptions{
			TenantID:    *tenant,
			AccountCode: *account,
			PartyID:     *party,
			JSONOutput:  *asJSON,
		})

	case "enqueue":
		if len(rest) == 0 {
			_, _ = fmt.Fprint(os.Stderr, usage)
			return 2
		}
		kind := rest[0]
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		payloadPath := fs.String("payload", "-", "task JSON file, - for stdin")
		if err := fs.Parse(rest[1:]); err != nil {
			return 2
		}
		var payload io.Reader = os.Stdin
		if *payloadPath != "-" {
			f, err := os.Open(*payloadPath)
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
				return 1
			}
			defer func() { _ = f.Close() }()
			payload = f
		}
		client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			return 1
		}
		defer func() { _ = client.Close() }()
		return cli.NewJobsCLI(client, nil).EnqueueCommand(ctx, cli.EnqueueOptions{Kind: kind, Payload: payload})

	case "stats":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer func() { _ = inspector.Close() }()
		return cli.NewJobsCLI(nil, inspector).StatsCommand(ctx, cli.StatsOptions{JSONOutput: *asJSON})

	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}
