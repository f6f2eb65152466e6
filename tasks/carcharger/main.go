// Command carcharger runs the car charger tasks. It manages the chargers
// connected to the same outlet: each charger is exposed as its own task and
// the running one has its charge rate adjusted to the production surplus
// every few seconds.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmoreau/homeflux/config"
	"github.com/kmoreau/homeflux/monitor"
	"github.com/kmoreau/homeflux/registry"
	"github.com/kmoreau/homeflux/sensor"
	"github.com/kmoreau/homeflux/storage"
	"github.com/kmoreau/homeflux/task"
	"github.com/kmoreau/homeflux/watchdog"
)

const serviceName = "car_charger"

// carSensor caches the car data sensor so that every charger query within a
// cycle reads the same snapshot.
type carSensor struct {
	reader *sensor.Reader
	cache  sensor.Record
}

func (s *carSensor) update(ctx context.Context) error {
	record, err := s.reader.Read(ctx, sensor.ScaleSecond)
	if err != nil {
		return err
	}
	s.cache = record
	return nil
}

func (s *carSensor) stateOfCharge() (float64, error) {
	soc, ok := s.cache["state of charge"]
	if !ok {
		return 0, fmt.Errorf("car sensor: no state of charge")
	}
	return soc, nil
}

func main() {
	log.SetPrefix("car_charger: ")
	cfg := config.Init()
	section := cfg.Section("carcharger")
	key := section.Key("power_sensor_key").MustString("EV")
	cycleLength := time.Duration(section.Key("cycle_length").MustInt(15)) * time.Second
	listen := section.Key("listen").MustString(":7310")
	advertise := section.Key("advertise").MustString("http://localhost:7310")
	redisAddr := cfg.Section("registry").Key("addr").MustString("localhost:6379")
	redisPassword := cfg.Section("registry").Key("password").String()

	reg, err := registry.New(redisAddr, redisPassword, 0)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(config.ExitDataErr)
	}

	car := &carSensor{reader: sensor.NewReader(reg, "car")}
	if err := car.update(context.Background()); err != nil {
		log.Printf("car data sensor unavailable: %v", err)
	}

	var tasks []*CarChargerTask
	if cfg.HasSection("wallbox") {
		wb := cfg.Section("wallbox")
		charger := NewWallboxCharger(
			wb.Key("name").MustString("Wallbox"),
			wb.Key("api_url").MustString("https://api.wall-box.com"),
			config.MustString(wb, "login"),
			config.MustString(wb, "password"),
			config.MustString(wb, "charger_id"),
			wb.Key("max_state_of_charge").MustFloat64(80),
			car.stateOfCharge)
		tasks = append(tasks, NewCarChargerTask(charger, key))
	}
	if cfg.HasSection("tesla") {
		ts := cfg.Section("tesla")
		kv, err := storage.NewKV(redisAddr, redisPassword, 0, serviceName)
		if err != nil {
			log.Printf("configuration error: %v", err)
			os.Exit(config.ExitDataErr)
		}
		charger, err := NewTeslaCharger(
			ts.Key("name").MustString("Tesla"),
			ts.Key("api_url").MustString("https://owner-api.teslamotors.com/api/1"),
			config.MustString(ts, "vin"),
			[2]float64{
				ts.Key("home_latitude").MustFloat64(0),
				ts.Key("home_longitude").MustFloat64(0),
			},
			ts.Key("home_distance_threshold_feet").MustFloat64(500),
			kv)
		if err != nil {
			log.Printf("authentication error: %v", err)
			os.Exit(config.ExitDataErr)
		}
		tasks = append(tasks, NewCarChargerTask(charger, key))
	}
	if len(tasks) == 0 {
		log.Printf("no charger configured")
		os.Exit(config.ExitDataErr)
	}

	mux := http.NewServeMux()
	uris := make([]string, len(tasks))
	for i, t := range tasks {
		prefix := fmt.Sprintf("/%d", i)
		taskMux := http.NewServeMux()
		task.NewServer(t).Mount(taskMux)
		mux.Handle(prefix+"/", http.StripPrefix(prefix, taskMux))
		uris[i] = advertise + prefix
	}
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
	sched := task.NewSchedulerClient(reg)
	powerSensor := sensor.NewReader(reg, "power")
	simulator := sensor.NewReader(reg, "power_simulator")

	ctx := context.Background()
	log.Printf("... is now ready to run")
	for {
		pid := os.Getpid()
		wd.Register(ctx, pid, serviceName)
		wd.Kick(ctx, pid)

		if err := car.update(ctx); err != nil {
			log.Printf("failed to update car data: %v", err)
		}

		for i, t := range tasks {
			name := fmt.Sprintf("%s_%d", serviceName, i)
			if err := reg.RegisterTask(ctx, name, uris[i]); err != nil {
				log.Printf("failed to register %s: %v", name, err)
			}
			// Self-test: unregister from the scheduler when the charger
			// API is not answering basic operations.
			if _, err := t.charger.IsCharging(); err != nil {
				log.Printf("self-test failed on %s, unregister from the scheduler", name)
				sched.UnregisterTask(ctx, uris[i])
				mon.Track(t.charger.Name()+" charger", false)
			} else {
				sched.RegisterTask(ctx, uris[i])
				mon.Track(t.charger.Name()+" charger", true)
			}
		}

		time.Sleep(cycleLength)

		running := findRunning(tasks)
		if running == nil {
			continue
		}
		record, err := powerSensor.Read(ctx, sensor.ScaleSecond)
		if err != nil || len(record) == 0 {
			log.Printf("no new power record, using the simulator")
			record, err = simulator.Read(ctx, sensor.ScaleSecond)
			if err != nil || len(record) == 0 {
				log.Printf("failed to get a record from the simulator")
				continue
			}
		}
		running.AdjustChargeRate(record)
	}
}

func findRunning(tasks []*CarChargerTask) *CarChargerTask {
	for _, t := range tasks {
		if t.IsRunning() {
			return t
		}
	}
	return nil
}
