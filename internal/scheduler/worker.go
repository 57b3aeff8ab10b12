package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/tasks"
)

// epoch anchors every job schedule, so replicas agree on tick instants.
var epoch = time.Unix(0, 0).UTC()

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Worker enqueues the reconciliation tasks on their intervals. It does no work itself;
// the asynq worker picks the tasks up.
type Worker struct {
	client Enqueuer
	queue  string
	cron   *cron.Cron
	logger *logrus.Logger
}

func NewWorker(logger *logrus.Logger, client Enqueuer, queue string, jobs ...tasks.Job) (*Worker, error) {
	w := &Worker{
		client: client,
		queue:  queue,
		cron:   cron.New(cron.WithLogger(cron.PrintfLogger(logger))),
		logger: logger,
	}
	for _, job := range jobs {
		schedule, err := NewIntervalSchedule(epoch, job.Interval)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.TaskType, err)
		}
		j := job
		w.cron.Schedule(schedule, cron.FuncJob(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			w.Enqueue(ctx, j)
		}))
		prev, next := schedule.ToRangeFrom(time.Now())
		logger.WithFields(logrus.Fields{
			"task":     job.TaskType,
			"interval": job.Interval,
			"previous": prev,
			"next":     next,
		}).Info("job scheduled")
	}
	return w, nil
}

// Enqueue submits one run of job. Runs are unique per interval, so a tick that another
// replica already enqueued is dropped.
func (w *Worker) Enqueue(ctx context.Context, job tasks.Job) {
	_, err := w.client.EnqueueContext(ctx,
		asynq.NewTask(job.TaskType, nil),
		asynq.Queue(w.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(job.Interval),
		asynq.Unique(job.Interval),
		asynq.Retention(job.Interval),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		w.logger.WithField("task", job.TaskType).Debug("task already enqueued for this tick")
		return
	}
	if err != nil {
		w.logger.WithError(err).WithField("task", job.TaskType).Error("failed to enqueue task")
		return
	}
	w.logger.WithField("task", job.TaskType).Debug("task enqueued")
}

// Run blocks until SIGINT or SIGTERM.
func (w *Worker) Run() error {
	w.cron.Start()
	w.logger.Info("scheduler started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	<-w.cron.Stop().Done()
	w.logger.Info("scheduler stopped")
	return nil
}
