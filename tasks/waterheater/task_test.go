package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	hftask "github.com/kmoreau/homeflux/task"
)

// aquantaStub mimics the vendor API surface the driver uses.
type aquantaStub struct {
	mu          sync.Mutex
	temperature float64 // °C
	available   float64 // 0..1
	mode        string
	awayCalls   int
	boostCalls  int
	schedules   []map[string]any
}

func (s *aquantaStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/devices/dev/water", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]float64{
			"temperature": s.temperature, "available": s.available,
		})
	})
	mux.HandleFunc("/devices/dev/infocenter", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"currentMode": map[string]string{"type": s.mode},
		})
	})
	mux.HandleFunc("/devices/dev/timer", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"schedules": s.schedules})
	})
	mux.HandleFunc("/devices/dev/", func(w http.ResponseWriter, r *http.Request) {
		mode := strings.TrimPrefix(r.URL.Path, "/devices/dev/")
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			s.mode = mode
			if mode == modeAway {
				s.awayCalls++
			}
			if mode == modeBoost {
				s.boostCalls++
			}
		case http.MethodDelete:
			s.mode = modeTimer
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestHeater(t *testing.T, stub *aquantaStub) (*WaterHeater, func()) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	client := NewAquantaClient(server.URL, "key", "dev")
	heater := &WaterHeater{
		aquanta: client,
		settings: settings{
			power:              4.65,
			minutesPerDegree:   2,
			desiredTemperature: 125,
			minRunTime:         10 * time.Minute,
			noPowerDelay:       30 * time.Minute,
			powerSensorKey:     "water heater",
		},
		priority: hftask.PriorityLow,
	}
	return heater, server.Close
}

func TestTankStateTrustsDownward(t *testing.T) {
	var state tankState
	state.update(120, 0.9, false)
	if state.temperature != 120 || state.level != 0.9 {
		t.Fatalf("initial update must apply, got %+v", state)
	}
	// Upward jumps are not trusted without force.
	state.update(130, 1.0, false)
	if state.temperature != 120 || state.level != 0.9 {
		t.Errorf("upward update must be ignored, got %+v", state)
	}
	// Downward readings are always trusted.
	state.update(110, 0.8, false)
	if state.temperature != 110 || state.level != 0.8 {
		t.Errorf("downward update must apply, got %+v", state)
	}
	state.update(130, 1.0, true)
	if state.temperature != 130 || state.level != 1.0 {
		t.Errorf("forced update must apply, got %+v", state)
	}
}

func TestEstimateRunTime(t *testing.T) {
	stub := &aquantaStub{mode: modeTimer}
	heater, done := newTestHeater(t, stub)
	defer done()

	// 50% tank at 105°F: blended temperature 82.5°F, 42.5°F short of the
	// 125°F goal, 85 minutes at 2 min/degree.
	heater.state.update(105, 0.5, true)
	if got := heater.estimateRunTime(); got != 85*time.Minute {
		t.Errorf("estimateRunTime = %s, want 85m", got)
	}

	// A full hot tank needs no run time.
	heater.state.update(130, 1.0, true)
	if got := heater.estimateRunTime(); got != 0 {
		t.Errorf("estimateRunTime = %s, want 0", got)
	}
}

func TestIsRunningModes(t *testing.T) {
	stub := &aquantaStub{mode: modeTimer}
	heater, done := newTestHeater(t, stub)
	defer done()
	if heater.IsRunning() {
		t.Error("timer mode is not running")
	}
	stub.mu.Lock()
	stub.mode = modeBoost
	stub.mu.Unlock()
	heater.aquanta.cache.Flush()
	if !heater.IsRunning() {
		t.Error("boost mode is running")
	}
}

func TestStartBoostsForAtLeastMinRunTime(t *testing.T) {
	stub := &aquantaStub{mode: modeTimer, temperature: 51, available: 1.0}
	heater, done := newTestHeater(t, stub)
	defer done()
	// 123.8°F nearly hot tank: estimate under the minimum run time.
	heater.state.update(fahrenheit(51), 1.0, true)

	heater.Start()
	if stub.boostCalls != 1 {
		t.Fatalf("expected one boost call, got %d", stub.boostCalls)
	}
	if heater.startedAt.IsZero() {
		t.Error("start must record the start time")
	}
}

func TestStopInsideScheduledWindowGoesAway(t *testing.T) {
	now := time.Now()
	stub := &aquantaStub{
		mode: modeBoost,
		schedules: []map[string]any{{
			"daysOfWeek": []int{int(now.Weekday())},
			"start": map[string]int{"hour": 0, "minute": 0},
			"end":   map[string]int{"hour": 23, "minute": 59},
		}},
	}
	heater, done := newTestHeater(t, stub)
	defer done()

	heater.Stop()
	if stub.awayCalls != 1 {
		t.Errorf("expected one away call, got %d", stub.awayCalls)
	}
}

func TestMeetRunningCriteriaNoPowerCooldown(t *testing.T) {
	stub := &aquantaStub{mode: modeBoost, temperature: 45, available: 0.8}
	heater, done := newTestHeater(t, stub)
	defer done()
	heater.state.update(fahrenheit(45), 0.8, true)
	heater.startedAt = time.Now().Add(-5 * time.Minute)

	// Running for five minutes yet drawing nothing: the tank is full, the
	// task goes in an extended cooldown.
	if heater.MeetRunningCriteria(2.0, 0) {
		t.Fatal("a heater drawing no power must refuse to run")
	}
	if heater.IsRunnable() {
		t.Error("the cooldown must make the task unrunnable")
	}
	until := time.Until(heater.notRunnableTill)
	if until < 100*time.Minute {
		t.Errorf("long runs quadruple the cooldown, got %s", until)
	}
}

func TestMeetRunningCriteriaUrgentNearTarget(t *testing.T) {
	stub := &aquantaStub{mode: modeTimer, temperature: 35, available: 0.4}
	heater, done := newTestHeater(t, stub)
	defer done()
	heater.state.update(fahrenheit(35), 0.4, true)
	heater.priority = hftask.PriorityUrgent
	heater.targetTime = time.Now().Add(10 * time.Minute)

	if !heater.MeetRunningCriteria(0.2, 0) {
		t.Error("urgent priority close to target accepts any ratio")
	}

	heater.priority = hftask.PriorityMedium
	if heater.MeetRunningCriteria(0.2, 0) {
		t.Error("medium priority still requires full coverage")
	}
	if !heater.MeetRunningCriteria(1.0, 0) {
		t.Error("full coverage must be accepted")
	}
}

func TestAdjustPriorityThresholds(t *testing.T) {
	cases := []struct {
		tempF     float64
		available float64
		want      hftask.Priority
	}{
		{100, 0.4, hftask.PriorityUrgent},
		{115, 0.6, hftask.PriorityHigh},
		{122, 0.8, hftask.PriorityMedium},
		{126, 0.95, hftask.PriorityLow},
	}
	for _, c := range cases {
		stub := &aquantaStub{mode: modeTimer}
		heater, done := newTestHeater(t, stub)
		heater.state.update(c.tempF, c.available, true)
		stub.mu.Lock()
		stub.temperature = (c.tempF - 32) * 5 / 9
		stub.available = c.available
		stub.mu.Unlock()
		heater.AdjustPriority()
		if got := heater.Priority(); got != c.want {
			t.Errorf("temp=%.0f available=%.0f%%: priority = %s, want %s",
				c.tempF, c.available*100, got, c.want)
		}
		done()
	}
}

func TestReachedTargetNotRunnable(t *testing.T) {
	stub := &aquantaStub{mode: modeTimer}
	heater, done := newTestHeater(t, stub)
	defer done()
	heater.state.update(130, 1.0, true)
	stub.mu.Lock()
	stub.temperature = (130 - 32) * 5 / 9
	stub.available = 1.0
	stub.mu.Unlock()
	heater.AdjustPriority()
	if !heater.hasReachedTarget {
		t.Fatal("a full hot tank reaches the target")
	}
	if heater.IsRunnable() {
		t.Error("a task at target is not runnable")
	}
}
