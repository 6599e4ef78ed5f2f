package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/treasury/pkg/ballots"
	"github.com/malbeclabs/treasury/pkg/controller"
	"github.com/malbeclabs/treasury/pkg/engine"
	"github.com/malbeclabs/treasury/pkg/fundingcycle"
	"github.com/malbeclabs/treasury/pkg/metrics"
	"github.com/malbeclabs/treasury/pkg/oracle"
	"github.com/malbeclabs/treasury/pkg/postgres"
	"github.com/malbeclabs/treasury/pkg/server"
	"github.com/malbeclabs/treasury/pkg/splits"
	"github.com/malbeclabs/treasury/pkg/terminal"
	"github.com/malbeclabs/treasury/pkg/tokens"
	"github.com/malbeclabs/treasury/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:8080"
	defaultTerminalID = "primary"

	// Standard ballot identifiers registered at startup.
	ballotApprovalDelay3d = "approval-delay-3d"
	ballotApprovalDelay7d = "approval-delay-7d"
	ballotVeto            = "veto"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for HTTP (or set LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "Maximum time to wait for graceful shutdown")

	// Postgres configuration
	postgresConnStrFlag := flag.String("postgres-conn-str", "", "Postgres connection string; empty runs memory-only (or set POSTGRES_CONN_STR env var)")
	postgresMigrateFlag := flag.Bool("postgres-migrate", true, "Run database migrations on connect")

	// Terminal configuration
	terminalIDFlag := flag.String("terminal-id", defaultTerminalID, "Identifier this terminal records usage under (or set TERMINAL_ID env var)")
	terminalCurrencyFlag := flag.Uint32("terminal-currency", 1, "Currency code of the terminal's accounting unit (or set TERMINAL_CURRENCY env var)")
	feeRateFlag := flag.Uint64("fee-rate", 0, "Protocol fee rate out of 1e9; 0 uses the default")
	feeExemptFlag := flag.Bool("fee-exempt", false, "Disable protocol fees on this terminal")
	protocolProjectFlag := flag.Uint64("protocol-project", 1, "Project id that receives charged fees")

	// Price feed configuration
	priceFeedURLFlag := flag.String("price-feed-url", "", "Base URL of the price feed service; empty uses fixed 1:1 rates (or set PRICE_FEED_URL env var)")
	priceFeedTimeoutFlag := flag.Duration("price-feed-timeout", 10*time.Second, "Price feed request timeout")

	flag.Parse()

	// Load .env if present; flags and real env still win.
	_ = godotenv.Load()

	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("POSTGRES_CONN_STR"); env != "" {
		*postgresConnStrFlag = env
	}
	if env := os.Getenv("TERMINAL_ID"); env != "" {
		*terminalIDFlag = env
	}
	if env := os.Getenv("TERMINAL_CURRENCY"); env != "" {
		code, err := strconv.ParseUint(env, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid TERMINAL_CURRENCY: %w", err)
		}
		*terminalCurrencyFlag = uint32(code)
	}
	if env := os.Getenv("PRICE_FEED_URL"); env != "" {
		*priceFeedURLFlag = env
	}

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Archive is optional; without postgres everything stays in memory.
	var archive *postgres.Archive
	if *postgresConnStrFlag != "" {
		client, err := postgres.NewClient(ctx, postgres.Config{
			Logger:           log,
			ConnStr:          *postgresConnStrFlag,
			MigrateOnConnect: *postgresMigrateFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer client.Close()

		archive, err = postgres.NewArchive(postgres.ArchiveConfig{
			Logger: log,
			Client: client,
		})
		if err != nil {
			return fmt.Errorf("failed to create archive: %w", err)
		}
	} else {
		log.Warn("treasuryd: no postgres connection string, running memory-only")
	}

	clock := clockwork.NewRealClock()
	ballotRegistry := ballots.NewRegistry()
	ballotRegistry.Register(ballotApprovalDelay3d, &ballots.ApprovalDelay{Clock: clock, Delay: 3 * 24 * 60 * 60})
	ballotRegistry.Register(ballotApprovalDelay7d, &ballots.ApprovalDelay{Clock: clock, Delay: 7 * 24 * 60 * 60})
	ballotRegistry.Register(ballotVeto, ballots.Veto{})

	var cycleArchive fundingcycle.Archive
	var terminalArchive terminal.Archive
	var splitArchive splits.Archive
	if archive != nil {
		cycleArchive = archive
		terminalArchive = archive
		splitArchive = archive
	}

	cycleStore, err := fundingcycle.NewStore(fundingcycle.StoreConfig{
		Logger:  log,
		Ballots: ballotRegistry,
		Archive: cycleArchive,
	})
	if err != nil {
		return fmt.Errorf("failed to create cycle store: %w", err)
	}

	splitStore, err := splits.NewStore(splits.StoreConfig{
		Logger:  log,
		Archive: splitArchive,
	})
	if err != nil {
		return fmt.Errorf("failed to create split store: %w", err)
	}

	tokenLedger, err := tokens.NewLedger(tokens.LedgerConfig{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create token ledger: %w", err)
	}

	ctrl, err := controller.New(controller.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	var prices oracle.PriceOracle
	if *priceFeedURLFlag != "" {
		prices, err = oracle.NewHTTPClient(oracle.HTTPClientConfig{
			Logger:  log,
			BaseURL: *priceFeedURLFlag,
			Timeout: *priceFeedTimeoutFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create price feed client: %w", err)
		}
	} else {
		log.Warn("treasuryd: no price feed url, cross-currency conversions will fail")
		prices = oracle.NewFixed()
	}

	directory := engine.NewDirectory()

	ledger, err := terminal.NewLedger(terminal.LedgerConfig{
		Logger:     log,
		TerminalID: *terminalIDFlag,
		Currency:   oracle.Currency(*terminalCurrencyFlag),
		Cycles:     cycleStore,
		Controller: ctrl,
		Tokens:     tokenLedger,
		Prices:     prices,
		FeeRate:    *feeRateFlag,
		FeeExempt:  *feeExemptFlag,
		Directory:  directory,
		Archive:    terminalArchive,
	})
	if err != nil {
		return fmt.Errorf("failed to create terminal ledger: %w", err)
	}
	directory.Add(ledger)

	eng, err := engine.New(engine.Config{
		Logger:          log,
		Cycles:          cycleStore,
		Splits:          splitStore,
		Terminal:        ledger,
		Tokens:          tokenLedger,
		ProtocolProject: *protocolProjectFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(log, server.Config{
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		Engine: eng,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gCtx)
	})
	g.Go(func() error {
		if err := eng.Load(gCtx); err != nil {
			return fmt.Errorf("failed to load engine state: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("treasuryd: shut down")
	return nil
}
