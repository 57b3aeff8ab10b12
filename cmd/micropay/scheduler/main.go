package main

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/scheduler"
	"github.com/web5fans/micro-pay/internal/tasks"
)

func main() {
	_ = godotenv.Load()

	cfg, err := GetConfigure()
	if err != nil {
		panic(fmt.Errorf("failed to get config: %w", err))
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		_ = client.Close()
	}()

	worker, err := scheduler.NewWorker(
		logrus.New(),
		client,
		tasks.QUEUE_NAME,
		tasks.Job{TaskType: tasks.TypePaymentCleanup, Interval: cfg.Jobs.Cleanup.Interval},
		tasks.Job{TaskType: tasks.TypeChainCheck, Interval: cfg.Jobs.ChainCheck.Interval},
		tasks.Job{TaskType: tasks.TypeAccounting, Interval: cfg.Jobs.Accounting.Interval},
	)
	if err != nil {
		panic(fmt.Errorf("failed to create scheduler: %w", err))
	}

	err = worker.Run()
	if err != nil {
		panic(fmt.Errorf("failed to run worker: %w", err))
	}
}
