// Command hvac runs the HVAC task and temperature sensor.
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
	"github.com/kmoreau/homeflux/storage"
	"github.com/kmoreau/homeflux/task"
	"github.com/kmoreau/homeflux/watchdog"
)

const serviceName = "hvac"

func main() {
	log.SetPrefix("hvac: ")
	cfg := config.Init()
	section := cfg.Section(serviceName)
	s := hvacSettings{
		minRunTime:        time.Duration(section.Key("min_run_time").MustInt(420)) * time.Second,
		minPause:          time.Duration(section.Key("min_pause").MustInt(300)) * time.Second,
		temperatureOffset: section.Key("temperature_offset").MustFloat64(2),
		comfortRange: [2]float64{
			section.Key("comfort_low").MustFloat64(71),
			section.Key("comfort_high").MustFloat64(78),
		},
		powerSensorKeys:   section.Key("power_sensor_keys").Strings(","),
		temperatureSensor: section.Key("temperature_sensor").MustString("Home"),
	}
	if len(s.powerSensorKeys) == 0 {
		s.powerSensorKeys = []string{"A/C", "air handler"}
	}
	goalTime := timeOfDay{
		hour:   section.Key("goal_hour").MustInt(22),
		minute: section.Key("goal_minute").MustInt(30),
	}
	goalTemp := section.Key("goal_temperature").MustFloat64(73)
	listen := section.Key("listen").MustString(":7312")
	advertise := section.Key("advertise").MustString("http://localhost:7312")
	redisAddr := cfg.Section("registry").Key("addr").MustString("localhost:6379")
	redisPassword := cfg.Section("registry").Key("password").String()

	reg, err := registry.New(redisAddr, redisPassword, 0)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(config.ExitDataErr)
	}
	kv, err := storage.NewKV(redisAddr, redisPassword, 0, serviceName)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(config.ExitDataErr)
	}

	eb := cfg.Section("ecobee")
	ecobee, err := NewEcobee(
		eb.Key("api_url").MustString("https://api.ecobee.com/1"),
		config.MustString(eb, "device_id"), kv)
	if err != nil {
		log.Printf("authentication error: %v", err)
		os.Exit(config.ExitDataErr)
	}

	ctx := context.Background()
	hvacModel := LoadHVACModel(ctx, kv)
	homeModel := LoadHomeModel(ctx, kv)
	param := NewParam(oracle.NewWeather(reg), oracle.NewProduction(reg),
		hvacModel, homeModel, goalTime, goalTemp)
	go param.Run(ctx)
	for !param.Ready() {
		log.Printf("waiting for planner parameters")
		time.Sleep(10 * time.Second)
	}

	hvac := NewHVACTask(ecobee, hvacModel, param, s)

	mux := http.NewServeMux()
	task.NewServer(hvac).Mount(mux)
	sensor.Mount(mux, hvac)
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("remote interface listening on %s", listen)
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Printf("http server failed: %v", err)
			os.Exit(config.ExitFailure)
		}
	}()

	runner := &task.Runner{
		Name:       serviceName,
		URI:        advertise,
		Registry:   reg,
		Watchdog:   watchdog.NewClient(reg),
		Scheduler:  task.NewSchedulerClient(reg),
		Monitor:    monitor.New(reg),
		HealthFact: "ecobee service",
		SelfTest: func(ctx context.Context) error {
			_, err := hvac.indoorTemp()
			return err
		},
		OnCycle: func(ctx context.Context) {
			if err := reg.RegisterSensor(ctx, serviceName, advertise); err != nil {
				log.Printf("failed to register the sensor: %v", err)
			}
			hvac.AdjustPriority()
			hvac.AdjustPower()
		},
	}
	runner.Run(ctx)
}
