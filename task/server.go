package task

import (
	"encoding/json"
	"log"
	"net/http"
)

// Server exposes a local Task over HTTP for the scheduler.
//
// Start and stop are one-way: the handler acknowledges with 202 Accepted and
// runs the operation on its own goroutine so that a slow cloud API cannot
// delay the scheduler cycle.
type Server struct {
	task Task
}

// NewServer wraps a local task.
func NewServer(t Task) *Server {
	return &Server{task: t}
}

type boolResult struct {
	Result bool `json:"result"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Mount registers the task remote interface on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/task/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		go s.task.Start()
	})
	mux.HandleFunc("/task/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		go s.task.Stop()
	})
	mux.HandleFunc("/task/is_running", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, boolResult{s.task.IsRunning()})
	})
	mux.HandleFunc("/task/is_runnable", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, boolResult{s.task.IsRunnable()})
	})
	mux.HandleFunc("/task/is_stoppable", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, boolResult{s.task.IsStoppable()})
	})
	mux.HandleFunc("/task/meet_running_criteria", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Ratio float64 `json:"ratio"`
			Power float64 `json:"power"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		writeJSON(w, boolResult{s.task.MeetRunningCriteria(req.Ratio, req.Power)})
	})
	mux.HandleFunc("/task/descriptor", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, Descriptor{
			Priority:   s.task.Priority(),
			Power:      s.task.Power(),
			Keys:       s.task.Keys(),
			AutoAdjust: s.task.AutoAdjust(),
		})
	})
	mux.HandleFunc("/task/desc", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"desc": s.task.Desc()})
	})
	log.Printf("task remote interface mounted")
}
