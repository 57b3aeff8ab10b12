package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/api"
	"github.com/web5fans/micro-pay/internal/keyring"
	"github.com/web5fans/micro-pay/internal/keysign"
	"github.com/web5fans/micro-pay/internal/ledger/ckb"
	"github.com/web5fans/micro-pay/internal/pool"
	"github.com/web5fans/micro-pay/internal/txbuilder"
	"github.com/web5fans/micro-pay/service"
	"github.com/web5fans/micro-pay/storage/postgres"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := GetConfigure()
	if err != nil {
		panic(fmt.Errorf("failed to get config: %w", err))
	}
	logger := logrus.StandardLogger()

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		panic(err)
	}

	db, err := postgres.NewPostgresBackend(cfg.Database.DSN, logger)
	if err != nil {
		panic(fmt.Errorf("failed to create db conn: %w", err))
	}
	defer db.Close()

	ledgerClient, err := ckb.NewClient(ctx, cfg.CKB, logger)
	if err != nil {
		panic(fmt.Errorf("failed to create ckb client: %w", err))
	}
	defer ledgerClient.Close()

	kr, err := keyring.New(cfg.Platform.Mnemonic, cfg.Platform.AddressCount)
	if err != nil {
		panic(fmt.Errorf("failed to load platform keys: %w", err))
	}

	addressPool := pool.New(db, sdClient, logger)
	if _, err := addressPool.Provision(ctx, kr, ledgerClient); err != nil {
		panic(fmt.Errorf("failed to provision platform addresses: %w", err))
	}
	inUse, err := addressPool.InUse(ctx)
	if err != nil {
		panic(err)
	}
	// Leases left over from a previous run are released by the cleanup and chain-check jobs.
	logger.WithField("in_use", inUse).Info("platform address pool ready")

	builder, err := txbuilder.New(ledgerClient, keysign.NewSigner(logger, kr), txbuilder.Config{
		Fee:           cfg.Platform.Fee,
		Reserve:       cfg.Platform.Reserve,
		MaxInputCells: cfg.Platform.MaxInputCells,
	}, logger)
	if err != nil {
		panic(fmt.Errorf("failed to create tx builder: %w", err))
	}

	payments, err := service.NewPaymentService(db, addressPool, builder, ledgerClient, sdClient, cfg.Platform.Reserve, logger)
	if err != nil {
		logger.Fatalf("failed to create payment service,err: %s", err)
	}

	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, payments, logger)
	if err := server.Start(ctx); err != nil {
		logger.Fatalf("failed to start server: %s", err)
	}
	logger.Info("server stopped")
}
