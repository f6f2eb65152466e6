package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"

	hftask "github.com/kmoreau/homeflux/task"
)

// ecobeeStub mimics the thermostat API surface the driver uses.
type ecobeeStub struct {
	mu              sync.Mutex
	hvacMode        string
	equipmentStatus string
	onHold          bool
	homeTemp        float64
	holds           int
	resumes         int
}

func (s *ecobeeStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/thermostat/dev", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		data := map[string]any{
			"settings":        map[string]string{"hvacMode": s.hvacMode},
			"equipmentStatus": s.equipmentStatus,
			"events": []map[string]any{
				{"type": "hold", "running": s.onHold},
			},
			"remoteSensors": []map[string]any{{
				"name": "Home",
				"capability": []map[string]string{
					{"type": "temperature", "value": jsonNumber(s.homeTemp * 10)},
				},
			}},
		}
		json.NewEncoder(w).Encode(data)
	})
	mux.HandleFunc("/thermostat/dev/hold", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.holds++
		s.onHold = true
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/thermostat/dev/resume", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.resumes++
		s.onHold = false
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func jsonNumber(v float64) string {
	data, _ := json.Marshal(int(v))
	return string(data)
}

// newTestParam returns a planner with a hand seeded snapshot.
func newTestParam(optimal float64, targetIn time.Duration, maxPower float64) *Param {
	model := LoadHVACModel(context.Background(), nil)
	home := LoadHomeModel(context.Background(), nil)
	p := NewParam(nil, nil, model, home, timeOfDay{hour: 22, minute: 30}, 73)
	minutes := make([]float64, 24*60)
	for i := range minutes {
		minutes[i] = optimal
	}
	p.mu.Lock()
	p.curve = &tempCurve{start: time.Now(), temps: minutes}
	p.targetTime = time.Now().Add(targetIn)
	p.outdoorTemp = 95
	p.maxAvailablePower = maxPower
	p.mu.Unlock()
	return p
}

func newTestHVAC(t *testing.T, stub *ecobeeStub, param *Param) (*HVACTask, func()) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	ecobee := &Ecobee{
		baseURL:  server.URL,
		deviceID: "dev",
		http:     &http.Client{Timeout: 2 * time.Second},
		cache:    gocache.New(3*time.Second, time.Minute),
	}
	task := NewHVACTask(ecobee, param.hvacModel, param, hvacSettings{
		minRunTime:        7 * time.Minute,
		minPause:          5 * time.Minute,
		temperatureOffset: 2,
		comfortRange:      [2]float64{71, 78},
		powerSensorKeys:   []string{"A/C", "air handler"},
		temperatureSensor: "Home",
	})
	return task, server.Close
}

func TestIsRunnableCoolMode(t *testing.T) {
	// Home at 80°F, plan at 75°F, cool mode: runnable.
	stub := &ecobeeStub{hvacMode: "cool", homeTemp: 80}
	task, done := newTestHVAC(t, stub, newTestParam(75, 4*time.Hour, 6))
	defer done()
	if !task.IsRunnable() {
		t.Error("a too-warm home in cool mode is runnable")
	}

	// Already below the plan: not runnable.
	stub.mu.Lock()
	stub.homeTemp = 72
	stub.mu.Unlock()
	task.ecobee.cache.Flush()
	if task.IsRunnable() {
		t.Error("a home below the plan in cool mode is not runnable")
	}
}

func TestIsRunnableMinPause(t *testing.T) {
	stub := &ecobeeStub{hvacMode: "cool", homeTemp: 80}
	task, done := newTestHVAC(t, stub, newTestParam(75, 4*time.Hour, 6))
	defer done()
	task.mu.Lock()
	task.stoppedAt = time.Now()
	task.mu.Unlock()
	if task.IsRunnable() {
		t.Error("the min pause window must block runnability")
	}
}

func TestIsStoppableCompressorWindow(t *testing.T) {
	stub := &ecobeeStub{hvacMode: "cool", homeTemp: 80,
		equipmentStatus: "compCool1", onHold: true}
	task, done := newTestHVAC(t, stub, newTestParam(75, 4*time.Hour, 6))
	defer done()

	task.mu.Lock()
	task.startedAt = time.Now().Add(-3 * time.Minute)
	task.mu.Unlock()
	if task.IsStoppable() {
		t.Error("must not be stoppable during the compressor window")
	}
	task.mu.Lock()
	task.startedAt = time.Now().Add(-10 * time.Minute)
	task.mu.Unlock()
	if !task.IsStoppable() {
		t.Error("must be stoppable after the compressor window")
	}
}

func TestStartPlacesHold(t *testing.T) {
	stub := &ecobeeStub{hvacMode: "cool", homeTemp: 80}
	task, done := newTestHVAC(t, stub, newTestParam(75, 4*time.Hour, 6))
	defer done()
	task.Start()
	if stub.holds != 1 {
		t.Errorf("expected one hold call, got %d", stub.holds)
	}
	task.Stop()
	if stub.resumes != 1 {
		t.Errorf("expected one resume call, got %d", stub.resumes)
	}
}

func TestMeetRunningCriteriaRelaxesNearDeadline(t *testing.T) {
	stub := &ecobeeStub{hvacMode: "cool", homeTemp: 80}
	// Maximum available power below the task power: the base requirement
	// is already under 1.
	param := newTestParam(75, time.Minute, 3)
	task, done := newTestHVAC(t, stub, param)
	defer done()

	// One minute to the deadline with a long estimated runtime: the
	// required ratio collapses quadratically.
	if !task.MeetRunningCriteria(0.05, 0) {
		t.Error("near the deadline almost any ratio must be accepted")
	}
}

func TestMeetRunningCriteriaStartingRule(t *testing.T) {
	stub := &ecobeeStub{hvacMode: "cool", homeTemp: 80}
	// Target far away: the starting rule applies.
	param := newTestParam(75, 48*time.Hour, 6)
	task, done := newTestHVAC(t, stub, param)
	defer done()

	// min ratio = min(1, 0.95 * 6 / task power).
	minRatio := 0.95 * 6 / task.Power()
	if minRatio > 1 {
		minRatio = 1
	}
	if task.MeetRunningCriteria(minRatio-0.01, 0) {
		t.Error("below the starting ratio must refuse")
	}
	if !task.MeetRunningCriteria(minRatio+0.01, 0) {
		t.Error("above the starting ratio must accept")
	}
}

func TestAdjustPriority(t *testing.T) {
	stub := &ecobeeStub{hvacMode: "cool", homeTemp: 75}
	param := newTestParam(70, 30*time.Minute, 6)
	task, done := newTestHVAC(t, stub, param)
	defer done()

	task.AdjustPriority()
	if got := task.Priority(); got < hftask.PriorityHigh {
		t.Errorf("short runway priority = %s, want at least HIGH", got)
	}

	// Past the target time the task loses its urgency.
	param.mu.Lock()
	param.targetTime = time.Now().Add(-time.Minute)
	param.mu.Unlock()
	task.AdjustPriority()
	if got := task.Priority(); got != hftask.PriorityLow {
		t.Errorf("past target priority = %s, want LOW", got)
	}
}

func TestAdjustPower(t *testing.T) {
	stub := &ecobeeStub{hvacMode: "cool", homeTemp: 75}
	param := newTestParam(70, 4*time.Hour, 6)
	task, done := newTestHVAC(t, stub, param)
	defer done()
	task.AdjustPower()
	want := param.hvacModel.Power(95)
	if got := task.Power(); got != want {
		t.Errorf("Power = %v, want %v", got, want)
	}
}
