package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/kmoreau/homeflux/sensor"
	"github.com/kmoreau/homeflux/task"
	"github.com/kmoreau/homeflux/window"
)

// fakeTask is a scriptable remote task.
type fakeTask struct {
	mu        sync.Mutex
	uri       string
	desc      task.Descriptor
	runnable  bool
	running   bool
	stoppable bool
	fail      bool
	// criteria decides meet_running_criteria; defaults to ratio >= 1.
	criteria  func(ratio, power float64) bool
	started   int
	stopped   int
	lastRatio float64
}

var errComm = errors.New("communication error")

func (f *fakeTask) URI() string { return f.uri }

func (f *fakeTask) Descriptor(ctx context.Context) (task.Descriptor, error) {
	if f.fail {
		return task.Descriptor{}, errComm
	}
	return f.desc, nil
}

func (f *fakeTask) IsRunning(ctx context.Context) (bool, error) {
	if f.fail {
		return false, errComm
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeTask) IsRunnable(ctx context.Context) (bool, error) {
	if f.fail {
		return false, errComm
	}
	return f.runnable, nil
}

func (f *fakeTask) IsStoppable(ctx context.Context) (bool, error) {
	if f.fail {
		return false, errComm
	}
	return f.stoppable, nil
}

func (f *fakeTask) MeetRunningCriteria(ctx context.Context, ratio, power float64) (bool, error) {
	if f.fail {
		return false, errComm
	}
	f.mu.Lock()
	f.lastRatio = ratio
	f.mu.Unlock()
	if f.criteria != nil {
		return f.criteria(ratio, power), nil
	}
	return ratio >= 1, nil
}

func (f *fakeTask) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.running = true
	return nil
}

func (f *fakeTask) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.running = false
	return nil
}

func (f *fakeTask) Desc(ctx context.Context) (string, error) {
	return f.uri, nil
}

// newScheduler wires a scheduler over fakes and preloads the window.
func newScheduler(records []sensor.Record, tasks ...*fakeTask) *Scheduler {
	byURI := make(map[string]*fakeTask)
	for _, t := range tasks {
		byURI[t.uri] = t
	}
	stat := window.New(12, 0.1)
	for _, record := range records {
		stat.Update(record)
	}
	s := New(stat, func(uri string) RemoteTask { return byURI[uri] })
	for _, t := range tasks {
		s.RegisterTask(t.uri)
	}
	return s
}

func TestScheduleNoTask(t *testing.T) {
	s := newScheduler([]sensor.Record{{"net": -3}})
	s.Schedule(context.Background()) // must not panic nor act
}

func TestRegisterTaskIdempotent(t *testing.T) {
	s := newScheduler(nil)
	for i := 0; i < 5; i++ {
		s.RegisterTask("task://a")
	}
	if got := len(s.URIs()); got != 1 {
		t.Errorf("expected 1 URI, got %d", got)
	}
	s.UnregisterTask("task://a")
	if got := len(s.URIs()); got != 0 {
		t.Errorf("expected 0 URI, got %d", got)
	}
}

func TestSimpleStart(t *testing.T) {
	// One runnable task with a 1.5x surplus available: it is started.
	wh := &fakeTask{
		uri:      "task://wh",
		desc:     task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"wh"}},
		runnable: true,
	}
	s := newScheduler([]sensor.Record{
		{"net": -3.0, "solar": -5.0, "wh": 0, "other": 2.0},
	}, wh)

	s.Schedule(context.Background())
	if wh.started != 1 {
		t.Fatalf("expected 1 start, got %d", wh.started)
	}
	if math.Abs(wh.lastRatio-1.5) > 1e-9 {
		t.Errorf("admission ratio = %v, want 1.5", wh.lastRatio)
	}
}

func TestNeverStartsUnrunnable(t *testing.T) {
	wh := &fakeTask{
		uri:      "task://wh",
		desc:     task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"wh"}},
		runnable: false,
	}
	s := newScheduler([]sensor.Record{{"net": -5, "wh": 0}}, wh)
	s.Schedule(context.Background())
	if wh.started != 0 {
		t.Errorf("unrunnable task was started %d time(s)", wh.started)
	}
}

func TestKeyedExclusionEviction(t *testing.T) {
	// Two running tasks share the "ev" channel: the second is stopped.
	a := &fakeTask{
		uri:       "task://a",
		desc:      task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"ev"}},
		runnable:  true,
		running:   true,
		stoppable: true,
	}
	b := &fakeTask{
		uri:       "task://b",
		desc:      task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"ev"}},
		runnable:  true,
		running:   true,
		stoppable: true,
	}
	s := newScheduler([]sensor.Record{{"net": 2, "ev": 4}}, a, b)
	s.Schedule(context.Background())
	if a.stopped+b.stopped != 1 {
		t.Fatalf("expected exactly one victim, got a=%d b=%d", a.stopped, b.stopped)
	}
	if b.stopped != 1 {
		t.Errorf("expected the second task to be the victim")
	}
}

func TestKeyedExclusionRespectsStoppability(t *testing.T) {
	a := &fakeTask{
		uri:      "task://a",
		desc:     task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"ev"}},
		runnable: true, running: true, stoppable: true,
	}
	b := &fakeTask{
		uri:      "task://b",
		desc:     task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"ev"}},
		runnable: true, running: true, stoppable: false,
	}
	s := newScheduler([]sensor.Record{{"net": 2, "ev": 4}}, a, b)
	s.Schedule(context.Background())
	if a.stopped != 0 || b.stopped != 0 {
		t.Errorf("stop issued to a non stoppable victim (a=%d b=%d)", a.stopped, b.stopped)
	}
}

func TestHysteresisEviction(t *testing.T) {
	// The running task accepts >= 0.9 while running; a cloud layer drops
	// the coverage to 0.85 and the task is stopped.
	wh := &fakeTask{
		uri:       "task://wh",
		desc:      task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"wh"}},
		runnable:  true,
		running:   true,
		stoppable: true,
		criteria: func(ratio, power float64) bool {
			return ratio >= 0.9
		},
	}
	s := newScheduler([]sensor.Record{
		{"net": 0.3, "solar": -1.7, "wh": 2},
	}, wh)
	s.Schedule(context.Background())
	if wh.stopped != 1 {
		t.Fatalf("expected the task to be stopped, got %d stop(s)", wh.stopped)
	}
	if math.Abs(wh.lastRatio-0.85) > 1e-9 {
		t.Errorf("eviction ratio = %v, want 0.85", wh.lastRatio)
	}
}

func TestFailingCriteriaSkipsNonStoppable(t *testing.T) {
	wh := &fakeTask{
		uri:       "task://wh",
		desc:      task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"wh"}},
		runnable:  true,
		running:   true,
		stoppable: false,
		criteria:  func(ratio, power float64) bool { return false },
	}
	s := newScheduler([]sensor.Record{{"net": 2, "wh": 2}}, wh)
	s.Schedule(context.Background())
	if wh.stopped != 0 {
		t.Errorf("non stoppable task was stopped %d time(s)", wh.stopped)
	}
}

func TestDiminishingAdjustableEviction(t *testing.T) {
	// A LOW fixed heater runs next to a HIGH adjustable charger: the
	// heater is evicted so the charger can scale up.
	charger := &fakeTask{
		uri: "task://charger",
		desc: task.Descriptor{Priority: task.PriorityHigh, Power: 1.4,
			Keys: []string{"ev"}, AutoAdjust: true},
		runnable: true, running: true, stoppable: true,
		criteria: func(ratio, power float64) bool { return ratio >= 0.9 },
	}
	heater := &fakeTask{
		uri:  "task://heater",
		desc: task.Descriptor{Priority: task.PriorityLow, Power: 2, Keys: []string{"wh"}},
		runnable: true, running: true, stoppable: true,
		criteria: func(ratio, power float64) bool { return ratio >= 0.9 },
	}
	s := newScheduler([]sensor.Record{
		{"net": -1, "solar": -5, "ev": 1.4, "wh": 2},
	}, charger, heater)
	s.Schedule(context.Background())
	if heater.stopped != 1 {
		t.Errorf("expected the fixed heater to be evicted, got %d", heater.stopped)
	}
	if charger.stopped != 0 {
		t.Errorf("the adjustable charger must not be touched, got %d stop(s)", charger.stopped)
	}
}

func TestPreemption(t *testing.T) {
	// A HIGH stopped task would be fully covered if the LOW running task
	// were off: the LOW task is evicted, the HIGH one started.
	low := &fakeTask{
		uri:  "task://low",
		desc: task.Descriptor{Priority: task.PriorityLow, Power: 2, Keys: []string{"L"}},
		runnable: true, running: true, stoppable: true,
		criteria: func(ratio, power float64) bool { return ratio >= 0 },
	}
	high := &fakeTask{
		uri:      "task://high",
		desc:     task.Descriptor{Priority: task.PriorityHigh, Power: 1.5, Keys: []string{"H"}},
		runnable: true,
	}
	s := newScheduler([]sensor.Record{
		{"net": -0.4, "solar": -3, "L": 2, "other": 0.6},
	}, low, high)
	s.Schedule(context.Background())
	if low.stopped != 1 {
		t.Errorf("expected the LOW task to be preempted, got %d stop(s)", low.stopped)
	}
	if high.started != 1 {
		t.Errorf("expected the HIGH task to be started, got %d start(s)", high.started)
	}
	if low.started != 0 {
		t.Errorf("the preempted task must not restart in the same cycle")
	}
}

func TestPreemptionRefusesOnTie(t *testing.T) {
	running := &fakeTask{
		uri:  "task://running",
		desc: task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"a"}},
		runnable: true, running: true, stoppable: true,
		criteria: func(ratio, power float64) bool { return true },
	}
	challenger := &fakeTask{
		uri:      "task://challenger",
		desc:     task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"b"}},
		runnable: true,
		criteria: func(ratio, power float64) bool { return true },
	}
	s := newScheduler([]sensor.Record{{"net": 0, "a": 2}}, running, challenger)
	s.Schedule(context.Background())
	if running.stopped != 0 {
		t.Errorf("equal importance must not preempt, got %d stop(s)", running.stopped)
	}
}

func TestAdmissionMeanPriorityGate(t *testing.T) {
	// Plenty of surplus: the LOW fixed task is below the mean priority of
	// the running set and stays off; an adjustable LOW task is admitted.
	runningHigh := &fakeTask{
		uri:  "task://high",
		desc: task.Descriptor{Priority: task.PriorityHigh, Power: 1, Keys: []string{"a"}},
		runnable: true, running: true, stoppable: false,
		criteria: func(ratio, power float64) bool { return true },
	}
	lowFixed := &fakeTask{
		uri:      "task://lowfixed",
		desc:     task.Descriptor{Priority: task.PriorityLow, Power: 1, Keys: []string{"b"}},
		runnable: true,
		criteria: func(ratio, power float64) bool { return true },
	}
	s := newScheduler([]sensor.Record{
		{"net": -10, "solar": -12, "a": 1, "b": 0},
	}, runningHigh, lowFixed)
	s.Schedule(context.Background())
	if lowFixed.started != 0 {
		t.Errorf("below-mean-priority task must not start, got %d", lowFixed.started)
	}

	lowAdjust := &fakeTask{
		uri: "task://lowadjust",
		desc: task.Descriptor{Priority: task.PriorityLow, Power: 1,
			Keys: []string{"c"}, AutoAdjust: true},
		runnable: true,
		criteria: func(ratio, power float64) bool { return true },
	}
	s = newScheduler([]sensor.Record{
		{"net": -10, "solar": -12, "a": 1, "c": 0},
	}, runningHigh, lowAdjust)
	s.Schedule(context.Background())
	if lowAdjust.started != 1 {
		t.Errorf("auto adjust task bypasses the priority gate, got %d", lowAdjust.started)
	}
}

func TestAdmissionKeyedExclusion(t *testing.T) {
	running := &fakeTask{
		uri:  "task://running",
		desc: task.Descriptor{Priority: task.PriorityLow, Power: 1, Keys: []string{"ev"}},
		runnable: true, running: true, stoppable: false,
		criteria: func(ratio, power float64) bool { return true },
	}
	candidate := &fakeTask{
		uri:      "task://candidate",
		desc:     task.Descriptor{Priority: task.PriorityUrgent, Power: 1, Keys: []string{"ev"}},
		runnable: true,
		criteria: func(ratio, power float64) bool { return true },
	}
	s := newScheduler([]sensor.Record{{"net": -5, "ev": 1}}, running, candidate)
	s.Schedule(context.Background())
	if candidate.started != 0 {
		t.Errorf("tasks sharing a channel must not run concurrently, got %d", candidate.started)
	}
}

func TestPauseStopsAllExactlyOnce(t *testing.T) {
	a := &fakeTask{
		uri:  "task://a",
		desc: task.Descriptor{Priority: task.PriorityLow, Power: 1, Keys: []string{"a"}},
		runnable: true, running: true, stoppable: false,
	}
	b := &fakeTask{
		uri:  "task://b",
		desc: task.Descriptor{Priority: task.PriorityLow, Power: 1, Keys: []string{"b"}},
		runnable: true, running: true, stoppable: true,
	}
	s := newScheduler([]sensor.Record{{"net": 0, "a": 1, "b": 1}}, a, b)

	ctx := context.Background()
	s.Pause(ctx)
	if !s.IsOnPause() {
		t.Fatal("expected the scheduler to be on pause")
	}
	// Pause ignores stoppability: both tasks receive exactly one stop.
	if a.stopped != 1 || b.stopped != 1 {
		t.Errorf("expected one stop each, got a=%d b=%d", a.stopped, b.stopped)
	}
	// A second pause is a no-op.
	s.Pause(ctx)
	if a.stopped != 1 || b.stopped != 1 {
		t.Errorf("pause must be idempotent, got a=%d b=%d", a.stopped, b.stopped)
	}

	// While paused, scheduling is suspended.
	a.running = false
	s.Schedule(ctx)
	if a.started != 0 {
		t.Errorf("paused scheduler must not start tasks")
	}

	s.Resume()
	if s.IsOnPause() {
		t.Error("expected the scheduler to resume")
	}
}

func TestScheduleSkipsFailingTask(t *testing.T) {
	// A task failing all probes is skipped, the cycle proceeds.
	broken := &fakeTask{uri: "task://broken", fail: true}
	wh := &fakeTask{
		uri:      "task://wh",
		desc:     task.Descriptor{Priority: task.PriorityMedium, Power: 2, Keys: []string{"wh"}},
		runnable: true,
	}
	s := newScheduler([]sensor.Record{
		{"net": -3, "solar": -5, "wh": 0},
	}, broken, wh)
	s.Schedule(context.Background())
	if wh.started != 1 {
		t.Errorf("healthy task must still be scheduled, got %d start(s)", wh.started)
	}
}

func TestSanitizeRemovesUnreachable(t *testing.T) {
	broken := &fakeTask{uri: "task://broken", fail: true}
	ok := &fakeTask{
		uri:      "task://ok",
		desc:     task.Descriptor{Priority: task.PriorityLow, Power: 1, Keys: []string{"a"}},
		runnable: true,
	}
	s := newScheduler(nil, broken, ok)
	s.Sanitize(context.Background())
	uris := s.URIs()
	if len(uris) != 1 || uris[0] != "task://ok" {
		t.Errorf("expected only the healthy URI to remain, got %v", uris)
	}
}
