// Command poolpump runs the pool pump task.
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
	"github.com/kmoreau/homeflux/oracle"
	"github.com/kmoreau/homeflux/registry"
	"github.com/kmoreau/homeflux/storage"
	"github.com/kmoreau/homeflux/task"
	"github.com/kmoreau/homeflux/watchdog"
)

const serviceName = "pool_pump"

// runtimeForTemperature maps the overnight water temperature to the daily
// runtime budget: colder water needs less filtering.
func runtimeForTemperature(temperature float64) time.Duration {
	const (
		lowTemp, lowMinutes   = 52, 60
		highTemp, highMinutes = 75, 270
	)
	if temperature <= lowTemp {
		return lowMinutes * time.Minute
	}
	if temperature >= highTemp {
		return highMinutes * time.Minute
	}
	minutes := lowMinutes + (highMinutes-lowMinutes)*
		(temperature-lowTemp)/(highTemp-lowTemp)
	return time.Duration(minutes * float64(time.Minute))
}

// configureCycle computes the daily target time and runtime budget, taking
// into account the time the pump already ran today.
func configureCycle(ctx context.Context, pump *PoolPump,
	production *oracle.Production, weather *oracle.Weather,
	history *storage.History) {
	_, targetTime, err := production.NextPowerWindow(ctx, pump.Power())
	if err != nil {
		log.Printf("cycle configuration failed: %v", err)
		return
	}
	earlyMorning := time.Now().AddDate(0, 0, 1)
	earlyMorning = time.Date(earlyMorning.Year(), earlyMorning.Month(),
		earlyMorning.Day(), 5, 0, 0, 0, earlyMorning.Location())
	temperature, err := weather.TemperatureAt(ctx, earlyMorning)
	if err != nil {
		log.Printf("cycle configuration failed: %v", err)
		return
	}
	remaining := runtimeForTemperature(temperature)
	if history != nil && targetTime.YearDay() == time.Now().YearDay() {
		ran, err := history.RanTodayFor(ctx, pump.Keys()[0], pump.Power()/4)
		if err != nil {
			log.Printf("could not read today's runtime: %v", err)
		} else {
			remaining -= ran
			if remaining < 0 {
				remaining = 0
			}
		}
	}
	pump.SetCycle(targetTime, remaining)
}

func main() {
	log.SetPrefix("pool_pump: ")
	cfg := config.Init()
	section := cfg.Section("poolpump")
	s := poolSettings{
		powerSensorKey: section.Key("power_sensor_key").MustString("pool"),
		power:          section.Key("power").MustFloat64(2),
		minRunTime:     time.Duration(section.Key("min_run_time").MustInt(600)) * time.Second,
	}
	listen := section.Key("listen").MustString(":7313")
	advertise := section.Key("advertise").MustString("http://localhost:7313")
	redisAddr := cfg.Section("registry").Key("addr").MustString("localhost:6379")
	redisPassword := cfg.Section("registry").Key("password").String()

	reg, err := registry.New(redisAddr, redisPassword, 0)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(config.ExitDataErr)
	}

	ew := cfg.Section("ewelink")
	ewelink := NewEwelink(
		ew.Key("api_url").MustString("https://us-api.coolkit.cc:8080/api"),
		ew.Key("ws_url").MustString("wss://us-pconnect.coolkit.cc:8080/api/ws"),
		config.MustString(ew, "login"),
		config.MustString(ew, "password"))
	deviceID := config.MustString(ew, "device_id")
	if !ewelink.HasDevice(deviceID) {
		log.Printf("%s device does not exist", deviceID)
		os.Exit(config.ExitDataErr)
	}

	pump := NewPoolPump(deviceID, ewelink, s)

	var history *storage.History
	if dsn := cfg.Section("history").Key("dsn").String(); dsn != "" {
		history, err = storage.NewHistory(context.Background(), dsn)
		if err != nil {
			log.Printf("power history unavailable: %v", err)
		} else {
			defer history.Close()
		}
	}

	mux := http.NewServeMux()
	task.NewServer(pump).Mount(mux)
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("remote interface listening on %s", listen)
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Printf("http server failed: %v", err)
			os.Exit(config.ExitFailure)
		}
	}()

	production := oracle.NewProduction(reg)
	weather := oracle.NewWeather(reg)
	mon := monitor.New(reg)
	sched := task.NewSchedulerClient(reg)
	unhealthyReported := false

	runner := &task.Runner{
		Name:       serviceName,
		URI:        advertise,
		Registry:   reg,
		Watchdog:   watchdog.NewClient(reg),
		Scheduler:  sched,
		Monitor:    mon,
		HealthFact: "ewelink service",
		SelfTest: func(ctx context.Context) error {
			_, err := ewelink.Device(deviceID)
			return err
		},
		OnCycle: func(ctx context.Context) {
			if time.Now().After(pump.TargetTime()) {
				configureCycle(ctx, pump, production, weather, history)
				unhealthyReported = false
			}
			pump.UpdateRemainingRuntime()
			if pump.Unhealthy() && !unhealthyReported {
				// The switch claims on but the pump draws nothing:
				// stand down until the next daily cycle.
				pump.Stop()
				sched.UnregisterTask(ctx, advertise)
				mon.Track("pool pump health", false)
				unhealthyReported = true
			}
			_, sunset, err := production.DaytimeAt(ctx, time.Now())
			if err != nil {
				log.Printf("could not adjust priority: %v", err)
				return
			}
			pump.AdjustPriority(sunset)
		},
	}
	runner.Run(context.Background())
}
