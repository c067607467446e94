package event

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/maestro/internal/schedule"
)

// ErrTriggerDone is returned by Wait once a trigger will never fire again.
var ErrTriggerDone = errors.New("trigger done")

// Trigger blocks until the next firing.
type Trigger interface {
	Wait(ctx context.Context) (time.Time, error)
}

// CronTrigger fires on a cron expression or @every interval.
type CronTrigger struct {
	sched *schedule.Schedule
	now   func() time.Time
}

func NewCronTrigger(expr string) (*CronTrigger, error) {
	s, err := schedule.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &CronTrigger{sched: s, now: time.Now}, nil
}

func (t *CronTrigger) Wait(ctx context.Context) (time.Time, error) {
	next, err := t.sched.Next(t.now())
	if err != nil {
		return time.Time{}, err
	}

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-timer.C:
		return next, nil
	}
}

// ImmediateTrigger fires once, right away. Dry runs use it in place of the
// workflow's schedule.
type ImmediateTrigger struct {
	fired atomic.Bool
}

func (t *ImmediateTrigger) Wait(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if t.fired.Swap(true) {
		return time.Time{}, ErrTriggerDone
	}
	return time.Now(), nil
}
