// Package tasks names the asynq tasks shared by the scheduler and the worker.
package tasks

import "time"

const QUEUE_NAME = "micropay_queue"

const (
	TypePaymentCleanup = "micropay:payment_cleanup"
	TypeChainCheck     = "micropay:chain_check"
	TypeAccounting     = "micropay:accounting"
)

// Job is a reconciliation task enqueued on a fixed interval.
type Job struct {
	TaskType string
	Interval time.Duration
}
