package scheduler

import (
	"fmt"
	"time"
)

// IntervalSchedule fires every Interval counted from StartTime. Anchoring to a fixed
// start keeps several scheduler replicas firing on the same instants, which lets the
// queue drop the duplicates.
type IntervalSchedule struct {
	StartTime time.Time
	Interval  time.Duration
}

func NewIntervalSchedule(startTime time.Time, interval time.Duration) (*IntervalSchedule, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("failed to create interval schedule: interval must be positive")
	}
	return &IntervalSchedule{
		StartTime: startTime,
		Interval:  interval,
	}, nil
}

// Next returns the first tick strictly after t. It satisfies cron.Schedule.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	if t.Before(s.StartTime) {
		return s.StartTime
	}
	elapsed := t.Sub(s.StartTime)
	return s.StartTime.Add((elapsed/s.Interval + 1) * s.Interval)
}

// ToRangeFrom returns the last tick at or before from and the next one after it.
func (s *IntervalSchedule) ToRangeFrom(from time.Time) (time.Time, time.Time) {
	next := s.Next(from)
	if next.Equal(s.StartTime) {
		return s.StartTime, next
	}
	return next.Add(-s.Interval), next
}
