package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"auctionchain/config"
	"auctionchain/core"
	"auctionchain/core/genesis"
	"auctionchain/native/common"
	"auctionchain/observability/logging"
	telemetry "auctionchain/observability/otel"
	"auctionchain/rpc"
	"auctionchain/storage"
	"auctionchain/storage/eventlog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file (TOML or YAML)")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides config GenesisFile)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile, *genesisFlag); err != nil {
		slog.Error("auctiond exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, genesisOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("auctiond", cfg.Environment, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "auctiond",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	minBid, err := cfg.MinimumBidAmount()
	if err != nil {
		return err
	}
	node, err := core.NewNode(db,
		core.WithLogger(logger.With("component", "node")),
		core.WithMinimumBid(minBid),
		core.WithPauses(common.NewPauses(cfg.PausedModules...)),
		core.WithEventBuffer(cfg.RPC.EventBufferSize),
	)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	genesisPath := strings.TrimSpace(genesisOverride)
	if genesisPath == "" {
		genesisPath = strings.TrimSpace(cfg.GenesisFile)
	}
	if genesisPath != "" {
		spec, err := genesis.LoadGenesisSpec(genesisPath)
		if err != nil {
			return fmt.Errorf("load genesis: %w", err)
		}
		if _, err := node.ApplyGenesis(spec); err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
	}

	var history rpc.EventQuery
	if cfg.EventLog.Driver != "" {
		log, err := eventlog.Open(cfg.EventLog.Driver, cfg.EventLog.DSN, logger)
		if err != nil {
			return err
		}
		defer log.Close()
		node.AddEventEmitter(log)
		history = log
	}

	server, err := rpc.NewServer(node, rpc.ServerConfig{
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     cfg.RPC.RateLimitBurst,
		SignatureSkew:      time.Duration(cfg.RPC.SignatureSkewSeconds) * time.Second,
		SignatureTTL:       time.Duration(cfg.RPC.SignatureTTLSeconds) * time.Second,
		AdminJWTSecret:     cfg.RPC.AdminJWTSecret,
		AdminJWTIssuer:     cfg.RPC.AdminJWTIssuer,
		ReadHeaderTimeout:  time.Duration(cfg.RPC.ReadHeaderTimeout) * time.Second,
		EventLog:           history,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.RPCAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.RPCAddress, err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()
	logger.Info("auctiond started",
		"network", cfg.NetworkName,
		"storage", cfg.StorageBackend,
		"minimumBid", minBid.String())

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("rpc shutdown: %w", err)
	}
	return nil
}
