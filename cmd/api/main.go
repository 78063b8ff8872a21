package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/anushkasomani/agentrunner/anchor"
	"github.com/anushkasomani/agentrunner/auth"
	"github.com/anushkasomani/agentrunner/datalayer"
	"github.com/anushkasomani/agentrunner/db"
	"github.com/anushkasomani/agentrunner/guard"
	"github.com/anushkasomani/agentrunner/marketplace"
	"github.com/anushkasomani/agentrunner/payment"
	"github.com/anushkasomani/agentrunner/receipt"
	"github.com/anushkasomani/agentrunner/runner"
)

type config struct {
	databaseURL    string
	listenAddr     string
	solanaRPCURL   string
	hermesBase     string
	routerBase     string
	merchantOwner  string
	usdcMint       string
	runnerSeedHex  string
	agentIdentity  string
	adminJWTSecret string
	dataLayerURL   string
	anchorGateway  string
	refundDryRun   bool
	anchorInterval time.Duration
}

func loadConfig() config {
	return config{
		databaseURL:    os.Getenv("DATABASE_URL"),
		listenAddr:     envOr("LISTEN_ADDR", ":8080"),
		solanaRPCURL:   envOr("SOLANA_RPC_URL", "https://api.devnet.solana.com"),
		hermesBase:     envOr("PYTH_HERMES_BASE", "https://hermes.pyth.network"),
		routerBase:     envOr("SWAP_ROUTER_BASE", "https://transaction-v1.raydium.io"),
		merchantOwner:  os.Getenv("MERCHANT_TOKEN_ACCOUNT"),
		usdcMint:       envOr("USDC_MINT", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		runnerSeedHex:  os.Getenv("RUNNER_SECRET_KEY"),
		agentIdentity:  envOr("AGENT_IDENTITY", "agentrunner"),
		adminJWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
		dataLayerURL:   os.Getenv("DATA_LAYER_URL"),
		anchorGateway:  os.Getenv("ANCHOR_GATEWAY_URL"),
		refundDryRun:   os.Getenv("REFUND_DRY_RUN") == "true",
		anchorInterval: time.Hour,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// signingKey derives the runner's ed25519 key from a 32-byte hex seed.
func signingKey(seedHex string) (ed25519.PrivateKey, error) {
	if seedHex == "" {
		return nil, fmt.Errorf("RUNNER_SECRET_KEY is required")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode RUNNER_SECRET_KEY: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("RUNNER_SECRET_KEY must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := signingKey(cfg.runnerSeedHex)
	if err != nil {
		return err
	}
	if cfg.adminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required")
	}

	pool, err := db.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	receiptRepo := receipt.NewRepository(pool)
	marketRepo := marketplace.NewRepository(pool)
	invoiceRepo := payment.NewRepository(pool)

	var dl *datalayer.Client
	if cfg.dataLayerURL != "" {
		dl = datalayer.NewClient(cfg.dataLayerURL, 5*time.Second)
	}

	var bench marketplace.BenchmarkSource
	if dl != nil {
		bench = dl
	}
	market := marketplace.NewService(marketRepo, marketplace.NewVendorClient(2*time.Second), bench, logger)

	var payouts payment.ChainWriter
	if cfg.refundDryRun {
		payouts = payment.DryRunWriter{}
	}
	gateway := payment.NewGateway(invoiceRepo, payment.GatewayConfig{
		Prices: map[string]decimal.Decimal{
			"swap":      decimal.NewFromFloat(0.05),
			"rebalance": decimal.NewFromFloat(0.10),
		},
		PayTo:   cfg.merchantOwner,
		Mint:    cfg.usdcMint,
		Chain:   payment.NewSolanaReader(cfg.solanaRPCURL, 8*time.Second),
		Payouts: payouts,
		Logger:  logger,
	})

	engine := guard.NewEngine(
		guard.NewHermesOracle(cfg.hermesBase, 3*time.Second),
		guard.NewRouterQuoteSource(cfg.routerBase, 5*time.Second),
		logger,
	)

	registry := runner.NewRegistry()
	venue := runner.DryRunVenue{}
	registry.Register("swap", runner.NewSwapExecutor(venue))
	registry.Register("rebalance", runner.NewRebalanceExecutor(venue))

	var indexer runner.Indexer
	if dl != nil {
		indexer = dl
	}
	orchestrator := runner.NewService(runner.ServiceConfig{
		Registry: registry,
		Guard:    engine,
		Payments: gateway,
		Receipts: receiptRepo,
		Indexer:  indexer,
		SignKey:  key,
		Identity: cfg.agentIdentity,
		Logger:   logger,
	})

	var submitter anchor.Submitter = noopSubmitter{}
	if cfg.anchorGateway != "" {
		submitter = anchor.NewHTTPSubmitter(cfg.anchorGateway, 10*time.Second)
	}
	anchorer := anchor.NewService(pool, receiptRepo, submitter, cfg.agentIdentity, logger)

	tokens := auth.NewService(cfg.adminJWTSecret)

	server := &Server{
		marketplace: market,
		payments:    gateway,
		guard:       engine,
		runner:      orchestrator,
		receipts:    receiptRepo,
		anchors:     anchorer,
		tokens:      tokens,
		logger:      logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		anchorer.RunDaily(gctx, cfg.anchorInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutCtx)
	})

	return g.Wait()
}

// noopSubmitter records roots locally without an external ledger. Used
// when no anchor gateway is configured.
type noopSubmitter struct{}

func (noopSubmitter) SubmitRoot(_ context.Context, _ string, _ int, _ string) (string, error) {
	return "", nil
}
