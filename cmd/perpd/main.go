package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/api"
	"github.com/luxfi/perp/pkg/config"
	"github.com/luxfi/perp/pkg/perp"
)

// Node wires the risk engine to its storage, transport, and metrics.
type Node struct {
	config  *config.Config
	db      database.Database
	engine  *perp.Engine
	vault   *perp.CollateralVault
	metrics *perp.Metrics
	server  *api.Server
	pub     *api.Publisher
	logger  log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(cfg *config.Config) (*Node, error) {
	level, _ := log.ToLevel(cfg.Logging.Level)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing perpd node")

	dataPath := cfg.Storage.DataDir
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(os.Getenv("HOME"), dataPath)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB with an in-memory fallback, so the node still runs on
	// filesystems where badger cannot lock its directory.
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	baseReserve, err := config.ParseAmount(cfg.Market.BaseReserve)
	if err != nil {
		return nil, fmt.Errorf("invalid base reserve: %w", err)
	}
	quoteReserve, err := config.ParseAmount(cfg.Market.QuoteReserve)
	if err != nil {
		return nil, fmt.Errorf("invalid quote reserve: %w", err)
	}
	minMargin, err := config.ParseAmount(cfg.Risk.MinMargin)
	if err != nil {
		return nil, fmt.Errorf("invalid min margin: %w", err)
	}
	minPositionSize, err := config.ParseAmount(cfg.Risk.MinPositionSize)
	if err != nil {
		return nil, fmt.Errorf("invalid min position size: %w", err)
	}

	market, err := perp.NewVAMM(baseReserve, quoteReserve)
	if err != nil {
		return nil, fmt.Errorf("failed to create market: %w", err)
	}

	vault := perp.NewCollateralVault(perp.EngineIdentity, logger)

	params := perp.Params{
		MaxLeverage:            cfg.Risk.MaxLeverage,
		MinMargin:              minMargin,
		MinPositionSize:        minPositionSize,
		MaintenanceMarginRatio: cfg.Risk.MaintenanceMarginBps,
		LiquidationRewardRatio: cfg.Risk.LiquidationRewardBps,
	}

	engine, err := perp.NewEngine(cfg.Risk.Owner, market, vault, params, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	metrics, err := perp.NewMetrics("perpd")
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	engine.AttachMetrics(metrics)

	engine.AttachStore(perp.NewStore(db))
	if err := engine.Restore(); err != nil {
		logger.Warn("Failed to restore state", "error", err)
	}

	pub, err := api.NewPublisher(cfg.Nats.URL, logger)
	if err != nil {
		logger.Warn("NATS unavailable, events disabled", "error", err)
	}

	serverConfig := api.DefaultConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	server := api.NewServer(engine, vault, pub, logger, serverConfig)

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		config:  cfg,
		db:      db,
		engine:  engine,
		vault:   vault,
		metrics: metrics,
		server:  server,
		pub:     pub,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (n *Node) Start() error {
	n.logger.Info("Starting perpd node",
		"httpPort", n.config.Server.Port,
		"metricsPort", n.config.Server.MetricsPort,
		"owner", n.config.Risk.Owner)

	n.wg.Add(1)
	go n.runMetricsServer()

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}

	n.logger.Info("perpd node started")
	return nil
}

func (n *Node) runMetricsServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())

	addr := fmt.Sprintf("%s:%d", n.config.Server.Host, n.config.Server.MetricsPort)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-n.ctx.Done()
		server.Shutdown(context.Background())
	}()

	n.logger.Info("Metrics server starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("Metrics server error", "error", err)
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down perpd node")

	n.server.Stop()
	n.cancel()
	n.wg.Wait()

	n.pub.Close()

	if err := n.db.Close(); err != nil {
		n.logger.Error("Failed to close database", "error", err)
	}

	n.logger.Info("Shutdown complete")
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	httpPort := flag.Int("http-port", 0, "HTTP API port (overrides config)")
	metricsPort := flag.Int("metrics-port", 0, "Prometheus metrics port (overrides config)")
	natsURL := flag.String("nats", "", "NATS server URL (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perpd: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *httpPort != 0 {
		cfg.Server.Port = *httpPort
	}
	if *metricsPort != 0 {
		cfg.Server.MetricsPort = *metricsPort
	}
	if *natsURL != "" {
		cfg.Nats.URL = *natsURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	node, err := NewNode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perpd: %v\n", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "perpd: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	node.Shutdown()
}
