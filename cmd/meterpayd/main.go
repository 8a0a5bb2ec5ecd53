package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meterpay/config"
	"meterpay/core"
	"meterpay/observability/logging"
	gateway "meterpay/services/payment-gateway"
	"meterpay/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MPAY_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}

	logger := logging.SetupWithRotation("meterpayd", env, cfg.LogFile)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	nodeCfg, err := nodeConfig(cfg)
	if err != nil {
		logger.Error("Failed to resolve node config", slog.Any("error", err))
		os.Exit(1)
	}
	node, err := core.NewNode(db, nodeCfg)
	if err != nil {
		logger.Error("Failed to construct node", slog.Any("error", err))
		os.Exit(1)
	}
	node.SetLogger(logger)

	server := gateway.NewServer(node, logger, cfg.InstanceID)
	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Routes(),
	}

	go func() {
		logger.Info("payment gateway listening", "addr", cfg.ListenAddress, "instance", cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}

func nodeConfig(cfg *config.Config) (core.NodeConfig, error) {
	treasury, err := config.Address(cfg.Treasury)
	if err != nil {
		return core.NodeConfig{}, err
	}
	arbitrator, err := config.Address(cfg.Arbitrator)
	if err != nil {
		return core.NodeConfig{}, err
	}
	operator, err := config.Address(cfg.Operator)
	if err != nil {
		return core.NodeConfig{}, err
	}
	return core.NodeConfig{
		InstanceID:              cfg.InstanceID,
		ProtocolFeeBps:          cfg.ProtocolFeeBps,
		DeliveryDeadlineSeconds: cfg.DeliveryDeadlineSeconds,
		BondLockSeconds:         cfg.BondLockSeconds,
		Treasury:                treasury,
		Arbitrator:              arbitrator,
		Operator:                operator,
	}, nil
}
