package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/powersol/settlement/api/config"
	"github.com/powersol/settlement/api/metrics"
	"github.com/powersol/settlement/api/server"
	"github.com/powersol/settlement/engine/pkg/affiliate"
	"github.com/powersol/settlement/engine/pkg/ledger"
	"github.com/powersol/settlement/engine/pkg/sol"
	"github.com/powersol/settlement/engine/pkg/withdraw"
	"github.com/powersol/settlement/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
	defaultRPCEndpoint = "https://api.mainnet-beta.solana.com"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address for the settlement API (or set SETTLEMENT_LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address for prometheus metrics (or set METRICS_ADDR env var)")

	// Solana configuration
	rpcURLFlag := flag.String("solana-rpc-url", defaultRPCEndpoint, "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	programIDFlag := flag.String("program-id", "", "settlement program id, base58 (or set SETTLEMENT_PROGRAM_ID env var)")
	treasuryKeypairFlag := flag.String("treasury-keypair", "", "path to the treasury keypair file (or set TREASURY_KEYPAIR env var)")

	// Auth tokens
	adminTokenFlag := flag.String("admin-token", "", "bearer token for admin routes (or set ADMIN_TOKEN env var)")
	internalTokenFlag := flag.String("internal-token", "", "bearer token for internal sale intake (or set INTERNAL_TOKEN env var)")

	// Tunables
	publicRPMFlag := flag.Int("public-rpm", 100, "per-IP requests per minute on public routes")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins (or set ALLOWED_ORIGINS env var, comma-separated)")
	confirmTimeoutFlag := flag.Duration("confirm-timeout", 45*time.Second, "how long a submit call waits for on-chain confirmation")
	reconcileIntervalFlag := flag.Duration("reconcile-interval", 2*time.Minute, "how often to reconcile stale withdrawal requests")
	reconcileAfterFlag := flag.Duration("reconcile-after", 5*time.Minute, "minimum age before a pending withdrawal is reconciled")
	migrateFlag := flag.Bool("migrate", false, "run database migrations on startup")

	flag.Parse()

	// A .env file is optional; environment variables win either way.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("SETTLEMENT_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("METRICS_ADDR"); env != "" {
		*metricsAddrFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("SETTLEMENT_PROGRAM_ID"); env != "" {
		*programIDFlag = env
	}
	if env := os.Getenv("TREASURY_KEYPAIR"); env != "" {
		*treasuryKeypairFlag = env
	}
	if env := os.Getenv("ADMIN_TOKEN"); env != "" {
		*adminTokenFlag = env
	}
	if env := os.Getenv("INTERNAL_TOKEN"); env != "" {
		*internalTokenFlag = env
	}
	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" {
		*allowedOriginsFlag = strings.Split(env, ",")
	}

	if *programIDFlag == "" {
		return fmt.Errorf("--program-id is required")
	}
	if *treasuryKeypairFlag == "" {
		return fmt.Errorf("--treasury-keypair is required")
	}
	if *adminTokenFlag == "" || *internalTokenFlag == "" {
		return fmt.Errorf("--admin-token and --internal-token are required")
	}

	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid program id: %w", err)
	}
	treasury, err := solana.PrivateKeyFromSolanaKeygenFile(*treasuryKeypairFlag)
	if err != nil {
		return fmt.Errorf("failed to load treasury keypair: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start metrics server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	pgCfg, err := config.PgConfigFromEnv()
	if err != nil {
		return err
	}
	pgCfg.RunMigrations = *migrateFlag
	pool, err := config.LoadPostgres(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	network, err := sol.NewRPCNetwork(sol.RPCConfig{
		Logger:   log,
		Endpoint: *rpcURLFlag,
	})
	if err != nil {
		return err
	}

	// The settlement ledger mirror is rebuilt from scratch on every boot,
	// so its pools are initialized here.
	ldg, err := ledger.New(ledger.Config{
		Logger:    log,
		Clock:     clockwork.NewRealClock(),
		ProgramID: programID,
		Authority: treasury.PublicKey(),
	})
	if err != nil {
		return err
	}
	if _, err := ldg.InitializeAffiliatePool(treasury.PublicKey()); err != nil {
		return fmt.Errorf("failed to initialize affiliate pool: %w", err)
	}

	store, err := affiliate.NewStore(affiliate.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	processor, err := affiliate.NewProcessor(affiliate.ProcessorConfig{
		Logger:    log,
		Store:     store,
		Ledger:    ldg,
		Authority: treasury,
	})
	if err != nil {
		return err
	}

	withdrawStore, err := withdraw.NewPgStore(withdraw.PgStoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	orch, err := withdraw.New(withdraw.Config{
		Logger:         log,
		Store:          withdrawStore,
		Network:        network,
		Treasury:       treasury,
		ConfirmTimeout: *confirmTimeoutFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:                  log,
		Addr:                    *listenAddrFlag,
		Affiliates:              store,
		Sales:                   processor,
		Withdrawer:              orch,
		AdminToken:              *adminTokenFlag,
		InternalToken:           *internalTokenFlag,
		PublicRequestsPerMinute: *publicRPMFlag,
		AllowedOrigins:          *allowedOriginsFlag,
	})
	if err != nil {
		return err
	}

	log.Info("settlementd starting",
		"version", version,
		"listen_addr", *listenAddrFlag,
		"rpc_url", *rpcURLFlag,
		"program_id", programID.String(),
		"treasury", treasury.PublicKey().String(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		return runReconcileLoop(ctx, log, orch, *reconcileIntervalFlag, *reconcileAfterFlag)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("settlementd shut down")
	return nil
}

// runReconcileLoop periodically sweeps PENDING withdrawal requests whose
// confirmation outcome was never observed, settling or failing them from
// on-chain state.
func runReconcileLoop(ctx context.Context, log *slog.Logger, orch *withdraw.Orchestrator, interval, olderThan time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := orch.Reconcile(ctx, olderThan)
			metrics.RecordReconcileRun(err)
			if err != nil && ctx.Err() == nil {
				log.Error("reconcile: sweep failed", "error", err)
			}
		}
	}
}
