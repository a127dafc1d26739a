// services/scheduler.go
package services

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// startIntervalJob runs task every interval on clock until the returned
// scheduler is shut down. A run that overlaps the next tick delays it.
func startIntervalJob(clock clockwork.Clock, interval time.Duration, name string, task func()) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("create %s scheduler: %w", name, err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule %s: %w", name, err)
	}
	sched.Start()
	return sched, nil
}
