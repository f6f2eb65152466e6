package task

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/kmoreau/homeflux/monitor"
	"github.com/kmoreau/homeflux/registry"
	"github.com/kmoreau/homeflux/watchdog"
)

// Runner drives the shared cycle of a task service: heartbeat the watchdog,
// refresh the registry bindings, self-test the device and register with (or
// unregister from) the scheduler accordingly, then run the task specific
// cycle hook.
type Runner struct {
	// Name is the task name in the registry.
	Name string
	// URI is the base URL the task remote interface is served at.
	URI string

	Registry  *registry.Client
	Watchdog  *watchdog.Client
	Scheduler *SchedulerClient
	Monitor   *monitor.Client

	// HealthFact, when set, names the monitor fact tracking the self-test.
	HealthFact string
	// SelfTest probes the underlying device. On failure the task is
	// unregistered from the scheduler until the next passing cycle.
	SelfTest func(ctx context.Context) error
	// OnCycle runs once per cycle after housekeeping (priority
	// adjustment, target time refresh, ...).
	OnCycle func(ctx context.Context)
	// Interval between cycles. Zero aligns cycles on minute boundaries.
	Interval time.Duration
}

// Run loops until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	log.Printf("%s: ready to run", r.Name)
	for {
		r.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.wait()):
		}
	}
}

// wait returns the time to sleep before the next cycle.
func (r *Runner) wait() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	now := time.Now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}

func (r *Runner) cycle(ctx context.Context) {
	pid := os.Getpid()
	r.Watchdog.Register(ctx, pid, r.Name)
	r.Watchdog.Kick(ctx, pid)

	if err := r.Registry.RegisterTask(ctx, r.Name, r.URI); err != nil {
		log.Printf("%s: registry registration failed: %v", r.Name, err)
	}

	if r.SelfTest != nil {
		if err := r.SelfTest(ctx); err != nil {
			log.Printf("%s: self-test failed, unregister from the scheduler: %v",
				r.Name, err)
			r.Scheduler.UnregisterTask(ctx, r.URI)
			if r.HealthFact != "" {
				r.Monitor.Track(r.HealthFact, false)
			}
		} else {
			r.Scheduler.RegisterTask(ctx, r.URI)
			if r.HealthFact != "" {
				r.Monitor.Track(r.HealthFact, true)
			}
		}
	} else {
		r.Scheduler.RegisterTask(ctx, r.URI)
	}

	if r.OnCycle != nil {
		r.OnCycle(ctx)
	}
}
