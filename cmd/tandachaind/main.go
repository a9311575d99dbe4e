package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	xrate "golang.org/x/time/rate"

	"tandachain/cmd/internal/passphrase"
	"tandachain/config"
	"tandachain/crypto"
	"tandachain/ledger"
	"tandachain/native/circle"
	"tandachain/native/collateral"
	nativecommon "tandachain/native/common"
	"tandachain/native/credit"
	"tandachain/native/rate"
	"tandachain/observability/logging"
	"tandachain/services/ledgerd"
	"tandachain/storage"
)

const nodePassEnv = "TANDA_NODE_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TANDA_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("tandachaind", env, logging.Options{
		FilePath: filepath.Join(cfg.DataDir, "logs", "tandachaind.log"),
	})

	pass, err := passphrase.NewSource(nodePassEnv).Get()
	if err != nil {
		logger.Error("Failed to resolve keystore passphrase", slog.Any("error", err))
		os.Exit(1)
	}
	key, err := crypto.LoadFromKeystore(cfg.NodeKeystorePath, pass)
	if err != nil {
		logger.Error("Failed to unlock node keystore", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("node identity loaded", "address", key.PubKey().Address().String())

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	poolAddr, err := config.ModuleAddress(cfg.PoolAddress, "pool")
	if err != nil {
		logger.Error("Invalid pool address", slog.Any("error", err))
		os.Exit(1)
	}
	collateralAddr, err := config.ModuleAddress(cfg.CollateralAddr, "collateral")
	if err != nil {
		logger.Error("Invalid collateral address", slog.Any("error", err))
		os.Exit(1)
	}

	curve := cfg.RateCurve
	l := ledger.New(db, ledger.Config{
		PoolAddress:       poolAddr,
		CollateralAddress: collateralAddr,
		RateModel:         rate.NewModel(curve.BaseRateBPS, curve.Slope1BPS, curve.Slope2BPS, curve.KinkBPS, curve.ReserveFactorBPS),
		GovernancePolicy: circle.Policy{
			QuorumBps:           cfg.Governance.QuorumBPS,
			VotingPeriodSeconds: cfg.Governance.VotingPeriodSeconds,
		},
	})
	l.SetLogger(logger)

	source, err := buildScoreSource(cfg)
	if err != nil {
		logger.Error("Failed to configure score source", slog.Any("error", err))
		os.Exit(1)
	}
	adapter := credit.NewAdapter(source, cfg.CreditTiers(), time.Duration(cfg.Scoring.MaxAgeSeconds)*time.Second)
	l.SetCreditAdapter(adapter)
	l.SetScoreSource(source)

	oracle := collateral.NewFixedOracle()
	for _, asset := range cfg.Assets {
		// stable assets are pegged 1:1 until an external feed is wired
		oracle.SetQuote(asset.Symbol, big.NewRat(1, 1), time.Now())
	}
	l.SetOracle(oracle)
	if cfg.Collateral.MaxQuoteAgeSeconds > 0 {
		l.SetMaxQuoteAge(time.Duration(cfg.Collateral.MaxQuoteAgeSeconds) * time.Second)
	}
	l.SetCollateralRatioBounds(cfg.Collateral.MinRatioBPS, cfg.Collateral.MaxRatioBPS)

	for _, asset := range cfg.Assets {
		if err := l.InitPool(asset.Symbol, asset.Active); err != nil {
			logger.Error("Failed to initialise pool", "asset", asset.Symbol, slog.Any("error", err))
			os.Exit(1)
		}
	}
	if err := seedGenesis(cfg, l); err != nil {
		logger.Error("Failed to seed genesis balances", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	srv := ledgerd.New(ledgerd.Config{
		Ledger:  l,
		Metrics: ledgerd.NewMetrics(),
		Logger:  logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger service listening", "addr", cfg.ListenAddress, "network", cfg.NetworkName)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", slog.Any("error", err))
	}
	cancel()
	l.Close()
}

// buildScoreSource assembles the credit score boundary from config: a remote
// scoring service wrapped in the caching, rate-limited layer, or a static
// source when no service is configured.
func buildScoreSource(cfg *config.Config) (credit.Source, error) {
	scoring := cfg.Scoring
	if strings.TrimSpace(scoring.ServiceURL) == "" {
		return credit.NewStaticSource(), nil
	}
	signer, err := crypto.DecodeAddress(strings.TrimSpace(scoring.TrustedSigner))
	if err != nil {
		return nil, fmt.Errorf("trusted signer: %w", err)
	}
	timeout := time.Duration(scoring.TimeoutSeconds) * time.Second
	upstream := credit.NewServiceSource(scoring.ServiceURL, signer, timeout)

	perSec := scoring.UpstreamRatePerSec
	if perSec <= 0 {
		perSec = 10
	}
	burst := scoring.UpstreamBurst
	if burst <= 0 {
		burst = perSec
	}
	limiter := xrate.NewLimiter(xrate.Limit(perSec), burst)
	ttl := time.Duration(scoring.CacheTTLSeconds) * time.Second
	return credit.NewCachedSource(upstream, ttl, limiter, nativecommon.Quota{
		MaxRequestsPerWindow: scoring.RequestsPerWindow,
		WindowSeconds:        scoring.WindowSeconds,
	}), nil
}

// seedGenesis credits configured balances once, keyed on an existing account
// check so restarts do not double-credit.
func seedGenesis(cfg *config.Config, l *ledger.Ledger) error {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.StableDecimals())), nil)
	for _, entry := range cfg.Genesis {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(entry.Address))
		if err != nil {
			return fmt.Errorf("genesis address %q: %w", entry.Address, err)
		}
		account, err := l.GetAccount(addr)
		if err != nil {
			return err
		}
		if account != nil {
			continue
		}
		stable := new(big.Int).Mul(big.NewInt(entry.Stable), scale)
		collateralBal := new(big.Int).Mul(big.NewInt(entry.Collateral), scale)
		if err := l.CreditBalance(addr, stable, collateralBal); err != nil {
			return err
		}
	}
	return nil
}
