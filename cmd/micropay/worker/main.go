package main

import (
	"context"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/keyring"
	"github.com/web5fans/micro-pay/internal/keysign"
	"github.com/web5fans/micro-pay/internal/ledger/ckb"
	"github.com/web5fans/micro-pay/internal/pool"
	"github.com/web5fans/micro-pay/internal/reconcile"
	"github.com/web5fans/micro-pay/internal/tasks"
	"github.com/web5fans/micro-pay/internal/txbuilder"
	"github.com/web5fans/micro-pay/storage/postgres"
)

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

	cfg, err := GetConfigure()
	if err != nil {
		panic(fmt.Errorf("failed to get config: %w", err))
	}
	logger := logrus.StandardLogger()

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		panic(err)
	}

	redisOptions := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	srv := asynq.NewServer(
		redisOptions,
		asynq.Config{
			Logger:      logger,
			Concurrency: 10,
			Queues: map[string]int{
				tasks.QUEUE_NAME: 10,
			},
		},
	)

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
	builder, err := txbuilder.New(ledgerClient, keysign.NewSigner(logger, kr), txbuilder.Config{
		Fee:           cfg.Platform.Fee,
		Reserve:       cfg.Platform.Reserve,
		MaxInputCells: cfg.Platform.MaxInputCells,
	}, logger)
	if err != nil {
		panic(fmt.Errorf("failed to create tx builder: %w", err))
	}

	addressPool := pool.New(db, sdClient, logger)
	inUse, err := addressPool.InUse(ctx)
	if err != nil {
		panic(err)
	}
	logger.WithField("in_use", inUse).Info("platform address pool loaded")

	reconciler, err := reconcile.New(db, addressPool, builder, ledgerClient, sdClient, reconcile.Config{
		CleanupTimeout:    cfg.Jobs.Cleanup.Timeout,
		MaxConcurrentJobs: cfg.Jobs.ChainCheck.MaxConcurrentJobs,
		MinWithdrawal:     cfg.Platform.MinWithdrawal,
		Fee:               cfg.Platform.Fee,
		Reserve:           cfg.Platform.Reserve,
	}, logger)
	if err != nil {
		logger.Fatalf("failed to create reconciler,err: %s", err)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypePaymentCleanup, reconciler.HandleCleanup)
	mux.HandleFunc(tasks.TypeChainCheck, reconciler.HandleChainCheck)
	mux.HandleFunc(tasks.TypeAccounting, reconciler.HandleAccounting)

	logger.Info("Starting asynq listener")
	if err := srv.Run(mux); err != nil {
		panic(fmt.Errorf("could not run server: %w", err))
	}
}
