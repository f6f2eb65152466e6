// Command waterheater runs the water heater task and sensor.
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
	"github.com/kmoreau/homeflux/sensor"
	"github.com/kmoreau/homeflux/task"
	"github.com/kmoreau/homeflux/watchdog"
)

const serviceName = "water_heater"

func main() {
	log.SetPrefix("water_heater: ")
	cfg := config.Init()
	section := cfg.Section("waterheater")
	s := settings{
		power:              section.Key("power").MustFloat64(4.65),
		minutesPerDegree:   section.Key("minutes_per_degree").MustFloat64(2),
		desiredTemperature: section.Key("desired_temperature").MustFloat64(125),
		minRunTime:         time.Duration(section.Key("min_run_time").MustInt(600)) * time.Second,
		noPowerDelay:       time.Duration(section.Key("no_power_delay").MustInt(1800)) * time.Second,
		powerSensorKey:     section.Key("power_sensor_key").MustString("water heater"),
	}
	listen := section.Key("listen").MustString(":7311")
	advertise := section.Key("advertise").MustString("http://localhost:7311")
	redisAddr := cfg.Section("registry").Key("addr").MustString("localhost:6379")
	redisPassword := cfg.Section("registry").Key("password").String()

	reg, err := registry.New(redisAddr, redisPassword, 0)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(config.ExitDataErr)
	}

	aq := cfg.Section("aquanta")
	aquanta := NewAquantaClient(
		aq.Key("api_url").MustString("https://portal.aquanta.io/portal"),
		config.MustString(aq, "api_key"),
		config.MustString(aq, "device_id"))
	if err := aquanta.DeviceExists(); err != nil {
		log.Printf("%v", err)
		os.Exit(config.ExitDataErr)
	}

	heater := NewWaterHeater(aquanta, oracle.NewProduction(reg), s)

	mux := http.NewServeMux()
	task.NewServer(heater).Mount(mux)
	sensor.Mount(mux, heater)
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("remote interface listening on %s", listen)
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Printf("http server failed: %v", err)
			os.Exit(config.ExitFailure)
		}
	}()

	sched := task.NewSchedulerClient(reg)
	runner := &task.Runner{
		Name:       serviceName,
		URI:        advertise,
		Registry:   reg,
		Watchdog:   watchdog.NewClient(reg),
		Scheduler:  sched,
		Monitor:    monitor.New(reg),
		HealthFact: "aquanta service",
		SelfTest: func(ctx context.Context) error {
			_, err := heater.temperature()
			return err
		},
		OnCycle: func(ctx context.Context) {
			if err := reg.RegisterSensor(ctx, serviceName, advertise); err != nil {
				log.Printf("failed to register the sensor: %v", err)
			}
			heater.AdjustPriority()
			if !sched.IsOnPause(ctx) {
				heater.PreventAutoStart()
			}
			heater.RefreshTargetTime(ctx)
		},
	}
	runner.Run(context.Background())
}
