// Command schedulerd runs the task scheduler service.
//
// Every minute it reads a fresh power record (falling back on the
// production simulator, then on paused mode when even the simulator has
// nothing), feeds the power usage sliding window and runs the eviction and
// admission sweeps over the registered tasks.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmoreau/homeflux/config"
	"github.com/kmoreau/homeflux/monitor"
	"github.com/kmoreau/homeflux/observability"
	"github.com/kmoreau/homeflux/registry"
	"github.com/kmoreau/homeflux/scheduler"
	"github.com/kmoreau/homeflux/sensor"
	"github.com/kmoreau/homeflux/storage"
	"github.com/kmoreau/homeflux/task"
	"github.com/kmoreau/homeflux/watchdog"
	"github.com/kmoreau/homeflux/window"
)

const serviceName = "scheduler"

func main() {
	log.SetPrefix("scheduler: ")
	cfg := config.Init()
	section := cfg.Section(serviceName)

	windowSize := section.Key("window_size").MustInt(12)
	ignoreThreshold := section.Key("ignore_power_threshold").MustFloat64(0.1)
	maxRecordGap := time.Duration(section.Key("max_record_gap").MustInt(3)) * time.Minute
	listen := section.Key("listen").MustString(":7300")
	advertise := section.Key("advertise").MustString("http://localhost:7300")
	redisAddr := cfg.Section("registry").Key("addr").MustString("localhost:6379")
	redisPassword := cfg.Section("registry").Key("password").String()

	reg, err := registry.New(redisAddr, redisPassword, 0)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(config.ExitDataErr)
	}

	var history *storage.History
	if dsn := cfg.Section("history").Key("dsn").String(); dsn != "" {
		history, err = storage.NewHistory(context.Background(), dsn)
		if err != nil {
			log.Printf("power history unavailable: %v", err)
		} else {
			defer history.Close()
		}
	}

	stat := window.New(windowSize, ignoreThreshold)
	sched := scheduler.New(stat, func(uri string) scheduler.RemoteTask {
		return task.NewClient(uri)
	})

	mux := http.NewServeMux()
	newAPI(sched).Mount(mux)
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("remote interface listening on %s", listen)
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Printf("http server failed: %v", err)
			os.Exit(config.ExitFailure)
		}
	}()

	wd := watchdog.NewClient(reg)
	mon := monitor.New(reg)
	powerSensor := sensor.NewReader(reg, "power")
	simulator := sensor.NewReader(reg, "power_simulator")

	log.Printf("... is now ready to run")
	run(context.Background(), &cycleDeps{
		sched:        sched,
		stat:         stat,
		reg:          reg,
		watchdog:     wd,
		monitor:      mon,
		powerSensor:  powerSensor,
		simulator:    simulator,
		history:      history,
		advertise:    advertise,
		maxRecordGap: maxRecordGap,
	})
}

type cycleDeps struct {
	sched        *scheduler.Scheduler
	stat         *window.PowerUsageSlidingWindow
	reg          *registry.Client
	watchdog     *watchdog.Client
	monitor      *monitor.Client
	powerSensor  *sensor.Reader
	simulator    *sensor.Reader
	history      *storage.History
	advertise    string
	maxRecordGap time.Duration
}

// run drives the minute cycle. A cycle overrunning the minute boundary
// defers the next one; the skipped time is absorbed.
func run(ctx context.Context, deps *cycleDeps) {
	pausedLocally := false
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		start := time.Now()
		pausedLocally = cycle(ctx, deps, pausedLocally)
		observability.SchedulerCycles.Inc()
		observability.SchedulerCycleDuration.Observe(time.Since(start).Seconds())
	}
}

func cycle(ctx context.Context, deps *cycleDeps, pausedLocally bool) bool {
	pid := os.Getpid()
	deps.watchdog.Register(ctx, pid, serviceName)
	deps.watchdog.Kick(ctx, pid)

	if err := deps.reg.RegisterService(ctx, serviceName, deps.advertise); err != nil {
		log.Printf("failed to register the scheduler service: %v", err)
	}

	record := readRecord(ctx, deps)
	if record == nil {
		gap := deps.powerSensor.TimeSinceLatestRecord()
		observability.RecordGapSeconds.Set(gap.Seconds())
		if gap > deps.maxRecordGap &&
			deps.simulator.TimeSinceLatestRecord() > deps.maxRecordGap {
			// Even the simulator cannot deliver a record; stop every
			// task until data comes back.
			log.Printf("no power record for more than %s", deps.maxRecordGap)
			deps.monitor.Track("power records", false)
			if !deps.sched.IsOnPause() {
				deps.sched.Pause(ctx)
				return true
			}
		}
		return pausedLocally
	}
	observability.RecordGapSeconds.Set(0)
	deps.monitor.Track("power records", true)

	if deps.sched.IsOnPause() && pausedLocally {
		// Decisions must not be made on pre-outage data.
		deps.stat.Clear()
		deps.sched.Resume()
		pausedLocally = false
	}

	deps.stat.Update(record)
	if deps.history != nil {
		if err := deps.history.Append(ctx, time.Now(), record); err != nil {
			log.Printf("history append failed: %v", err)
		}
	}

	deps.sched.Sanitize(ctx)
	deps.sched.Schedule(ctx)
	return pausedLocally
}

// readRecord reads one minute scale record, falling back on the simulator
// once the live sensor has been silent for longer than the configured gap.
func readRecord(ctx context.Context, deps *cycleDeps) sensor.Record {
	record, err := deps.powerSensor.Read(ctx, sensor.ScaleMinute)
	if err == nil && len(record) > 0 {
		return record
	}
	gap := deps.powerSensor.TimeSinceLatestRecord()
	log.Printf("no new power sensor record for %s", gap)
	if gap <= deps.maxRecordGap {
		return nil
	}
	record, err = deps.simulator.Read(ctx, sensor.ScaleMinute)
	if err != nil || len(record) == 0 {
		return nil
	}
	log.Printf("using a record from the simulator")
	return record
}
