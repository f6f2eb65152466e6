// Command watchdogd runs the process liveness watchdog. The scheduler and
// tasks register a heartbeat each cycle; a process missing its deadline is
// killed so that supervision restarts it.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmoreau/homeflux/config"
	"github.com/kmoreau/homeflux/monitor"
	"github.com/kmoreau/homeflux/registry"
	"github.com/kmoreau/homeflux/watchdog"
)

const serviceName = "watchdog"

func main() {
	log.SetPrefix("watchdog: ")
	cfg := config.Init()
	section := cfg.Section(serviceName)
	listen := section.Key("listen").MustString(":7301")
	advertise := section.Key("advertise").MustString("http://localhost:7301")
	redisAddr := cfg.Section("registry").Key("addr").MustString("localhost:6379")
	redisPassword := cfg.Section("registry").Key("password").String()

	reg, err := registry.New(redisAddr, redisPassword, 0)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(config.ExitDataErr)
	}

	wd := watchdog.New(monitor.New(reg))

	mux := http.NewServeMux()
	mount(mux, wd)
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("remote interface listening on %s", listen)
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Printf("http server failed: %v", err)
			os.Exit(config.ExitFailure)
		}
	}()

	ctx := context.Background()
	log.Printf("... is now ready to run")
	for {
		if err := reg.RegisterService(ctx, serviceName, advertise); err != nil {
			log.Printf("failed to register the watchdog service: %v", err)
		}
		wd.Monitor()
		wd.KillHungProcesses()
		time.Sleep(10 * time.Second)
	}
}

type pidRequest struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
	// TimeoutSeconds overrides the default three minute deadline.
	TimeoutSeconds int `json:"timeout_seconds"`
}

func mount(mux *http.ServeMux, wd *watchdog.Watchdog) {
	decode := func(w http.ResponseWriter, r *http.Request) (pidRequest, bool) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return pidRequest{}, false
		}
		var req pidRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PID == 0 {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return pidRequest{}, false
		}
		return req, true
	}
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		wd.Register(req.PID, req.Name, time.Duration(req.TimeoutSeconds)*time.Second)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/unregister", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		wd.Unregister(req.PID)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/kick", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		wd.Kick(req.PID)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/desc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wd.Desc())
	})
}
