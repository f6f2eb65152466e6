package main

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/kmoreau/homeflux/scheduler"
)

// api exposes the scheduler remote interface: task registration for the
// task services and pause/resume for the operator.
type api struct {
	sched *scheduler.Scheduler

	// operatorLimiter guards pause/resume against request storms.
	operatorLimiter *rate.Limiter
}

func newAPI(sched *scheduler.Scheduler) *api {
	return &api{
		sched:           sched,
		operatorLimiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (a *api) uriFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return "", false
	}
	return req.URI, true
}

// Mount registers the scheduler remote interface on mux.
func (a *api) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/register_task", func(w http.ResponseWriter, r *http.Request) {
		uri, ok := a.uriFromBody(w, r)
		if !ok {
			return
		}
		a.sched.RegisterTask(uri)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/unregister_task", func(w http.ResponseWriter, r *http.Request) {
		uri, ok := a.uriFromBody(w, r)
		if !ok {
			return
		}
		a.sched.UnregisterTask(uri)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/is_on_pause", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"result": a.sched.IsOnPause()})
	})
	mux.HandleFunc("/pause", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !a.operatorLimiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		a.sched.Pause(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !a.operatorLimiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		a.sched.Resume()
		w.WriteHeader(http.StatusOK)
	})
}
