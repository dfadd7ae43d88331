package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"buyback/core/events"
	"buyback/core/state"
	"buyback/integrations/dutchx"
	"buyback/native/buyback"
	"buyback/observability"
	"buyback/observability/logging"
	telemetry "buyback/observability/otel"
	"buyback/services/buybackd/config"
	"buyback/services/buybackd/journal"
	"buyback/services/buybackd/server"
	"buyback/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/buybackd/config.yaml", "path to buybackd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "buybackd: load config: %v\n", err)
		os.Exit(1)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("BUYBACK_ENV"))
	}
	var logFile *logging.FileOptions
	if cfg.Log.File != "" {
		logFile = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger := logging.Setup("buybackd", env, cfg.Log.Level, logFile)

	if err := run(cfg, env, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("buybackd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, env string, logger *slog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	headers := cfg.Telemetry.Headers
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(rootCtx, telemetry.Config{
		ServiceName: "buybackd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Traces:      cfg.Telemetry.Traces && endpoint != "",
		Metrics:     cfg.Telemetry.Metrics && endpoint != "",
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	var db storage.Database
	if strings.TrimSpace(cfg.StatePath) == "" {
		logger.Warn("state path not configured, using in-memory state")
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("open state: %w", err)
		}
		db = ldb
	}
	defer db.Close()

	engineCfg, err := collaborators(rootCtx, cfg.Exchange, logger)
	if err != nil {
		return err
	}
	engine := buyback.NewEngine(engineCfg)
	engine.SetState(state.NewManager(db))
	engine.SetLogger(logger)
	metrics := observability.BuybackMetrics()
	engine.SetMetrics(metrics)

	var eventLog server.Journal
	emitters := events.MultiEmitter{}
	if cfg.JournalPath != "" {
		dsn, err := journal.FileDSN(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("resolve journal dsn: %w", err)
		}
		j, err := journal.Open(dsn, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		emitters = append(emitters, j)
		eventLog = j
	}
	engine.SetEmitter(emitters)
	metrics.SetPendingOrders(countPending(engine, logger))

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, engine, eventLog, logger)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return srv.Run(rootCtx)
}

// collaborators builds the exchange, token and coin backends for the
// configured mode.
func collaborators(ctx context.Context, cfg config.ExchangeConfig, logger *slog.Logger) (buyback.Config, error) {
	switch cfg.Mode {
	case config.ExchangeEVM:
		key, err := crypto.LoadECDSA(cfg.KeyFile)
		if err != nil {
			return buyback.Config{}, fmt.Errorf("load custody key: %w", err)
		}
		backend, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return buyback.Config{}, fmt.Errorf("dial rpc: %w", err)
		}
		client, err := dutchx.NewEVMClient(backend, dutchx.ClientConfig{
			Exchange:       common.HexToAddress(cfg.Address),
			WrappedNative:  common.HexToAddress(cfg.WrappedNative),
			ChainID:        big.NewInt(cfg.ChainID),
			Key:            key,
			PollInterval:   cfg.PollInterval.Duration,
			ReceiptTimeout: cfg.ReceiptTimeout.Duration,
		})
		if err != nil {
			return buyback.Config{}, err
		}
		logger.Info("using evm exchange", "exchange", cfg.Address, "custody", client.Custody().Hex())
		return buyback.Config{Exchange: client, Token: client, Coin: client, Custody: client.Custody()}, nil
	default:
		custody := common.HexToAddress(cfg.Custody)
		sim := dutchx.NewSimulator(custody)
		logger.Warn("using in-memory exchange simulator", "custody", custody.Hex())
		return buyback.Config{Exchange: sim, Token: sim, Coin: sim, Custody: custody}, nil
	}
}

func countPending(engine *buyback.Engine, logger *slog.Logger) int {
	owners, err := engine.ListOwners()
	if err != nil {
		logger.Warn("count pending orders", "error", err)
		return 0
	}
	pending := 0
	for _, owner := range owners {
		if b, err := engine.GetBuyBack(owner); err == nil && b.Pending != nil {
			pending++
		}
	}
	return pending
}
