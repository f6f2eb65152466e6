package window

import (
	"math"
	"testing"

	"github.com/kmoreau/homeflux/sensor"
)

type fakeTask struct {
	keys  []string
	power float64
}

func (t *fakeTask) Keys() []string { return t.keys }

func (t *fakeTask) Power() float64 { return t.power }

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestUpdateSquashesNoise(t *testing.T) {
	w := New(12, 0.1)
	w.Update(sensor.Record{"net": 0.05, "wh": 0.09, "ev": 1.5, "solar": -2.0})

	task := &fakeTask{keys: []string{"wh"}, power: 2}
	if got := w.PowerUsedBy(task); got != 0 {
		t.Errorf("expected squashed usage 0, got %v", got)
	}
	ev := &fakeTask{keys: []string{"ev"}, power: 1.5}
	if got := w.PowerUsedBy(ev); got != 1.5 {
		t.Errorf("expected usage 1.5, got %v", got)
	}
	// Negative values are left alone by the squash.
	solar := &fakeTask{keys: []string{"solar"}, power: 1}
	if got := w.PowerUsedBy(solar); got != 0 {
		t.Errorf("negative usage must clamp to 0, got %v", got)
	}
}

func TestUpdateKeepsDefensiveCopy(t *testing.T) {
	w := New(12, 0.1)
	record := sensor.Record{"net": -1.0, "wh": 2.0}
	w.Update(record)
	record["wh"] = 99

	task := &fakeTask{keys: []string{"wh"}, power: 2}
	if got := w.PowerUsedBy(task); got != 2.0 {
		t.Errorf("window must store a copy, got %v", got)
	}
}

func TestCapacityEviction(t *testing.T) {
	w := New(3, 0)
	for i := 0; i < 4; i++ {
		w.Update(sensor.Record{"net": float64(i)})
	}
	if w.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", w.Len())
	}
	// The oldest record (net=0) is gone: three records remain and the
	// latest one is net=3.
	task := &fakeTask{keys: []string{"net"}, power: 1}
	if got := w.PowerUsedBy(task); got != 3 {
		t.Errorf("latest record should be net=3, got %v", got)
	}
}

func TestClear(t *testing.T) {
	w := New(3, 0)
	w.Update(sensor.Record{"net": -1})
	w.Clear()
	if w.Len() != 0 {
		t.Errorf("expected empty window after Clear, got %d", w.Len())
	}
}

func TestAvailableForSimpleStart(t *testing.T) {
	// Scenario: exporting 3 kW, task needs 2 kW and is not running.
	w := New(12, 0.1)
	w.Update(sensor.Record{"net": -3.0, "solar": -5.0, "wh": 0, "other": 2.0})

	task := &fakeTask{keys: []string{"wh"}, power: 2}
	got := w.AvailableFor(task, nil, []Task{task})
	if !almostEqual(got, 1.5) {
		t.Errorf("expected ratio 1.5, got %v", got)
	}
}

func TestAvailableForIgnoresRunningChallenger(t *testing.T) {
	// A low priority task L draws 2 kW; pretending it off frees its
	// usage for the candidate.
	w := New(12, 0.1)
	w.Update(sensor.Record{"net": -0.4, "solar": -3, "L": 2, "other": 0.6})

	l := &fakeTask{keys: []string{"L"}, power: 2}
	h := &fakeTask{keys: []string{"H"}, power: 1.5}
	got := w.AvailableFor(h, nil, []Task{l})
	if !almostEqual(got, 1.6) {
		t.Errorf("expected ratio 1.6, got %v", got)
	}
}

func TestAvailableForMinimum(t *testing.T) {
	// An adjustable task drawing 3 kW is pinned to its 1 kW minimum,
	// freeing 2 kW of surplus.
	w := New(12, 0.1)
	w.Update(sensor.Record{"net": 0, "solar": -4, "ev": 3, "other": 1})

	ev := &fakeTask{keys: []string{"ev"}, power: 1}
	candidate := &fakeTask{keys: []string{"wh"}, power: 2}
	got := w.AvailableFor(candidate, []Task{ev}, nil)
	if !almostEqual(got, 1.0) {
		t.Errorf("expected ratio 1.0, got %v", got)
	}
}

func TestAvailableForClampsToZero(t *testing.T) {
	w := New(12, 0.1)
	w.Update(sensor.Record{"net": 1.5, "solar": -1})

	task := &fakeTask{keys: []string{"wh"}, power: 2}
	if got := w.AvailableFor(task, nil, nil); got != 0 {
		t.Errorf("importing home must yield ratio 0, got %v", got)
	}
}

func TestAvailableForZeroPower(t *testing.T) {
	w := New(12, 0.1)
	w.Update(sensor.Record{"net": -1})

	task := &fakeTask{keys: []string{"x"}, power: 0}
	if got := w.AvailableFor(task, nil, nil); got != 1 {
		t.Errorf("zero denominator must yield 1, got %v", got)
	}
}

func TestCoveredByProductionFullCoverage(t *testing.T) {
	w := New(12, 0.1)
	// Task draws 2 kW fully covered: net stays negative.
	for i := 0; i < 3; i++ {
		w.Update(sensor.Record{"net": -1, "solar": -4, "wh": 2, "other": 1})
	}
	task := &fakeTask{keys: []string{"wh"}, power: 2}
	got := w.CoveredByProduction(task, nil, nil)
	// -(net - usage) / usage = -(-1 - 2)/2 = 1.5 per record.
	if !almostEqual(got, 1.5) {
		t.Errorf("expected ratio 1.5, got %v", got)
	}
}

func TestCoveredByProductionTailOnly(t *testing.T) {
	w := New(12, 0.1)
	// The task was off in the first record; only the tail where it draws
	// power counts.
	w.Update(sensor.Record{"net": 5, "wh": 0})
	w.Update(sensor.Record{"net": -1, "wh": 2})
	w.Update(sensor.Record{"net": -1, "wh": 2})

	task := &fakeTask{keys: []string{"wh"}, power: 2}
	got := w.CoveredByProduction(task, nil, nil)
	if !almostEqual(got, 1.5) {
		t.Errorf("expected tail-only ratio 1.5, got %v", got)
	}
}

func TestCoveredByProductionShortfall(t *testing.T) {
	// Cloud layer: the task draws 2 kW but 0.3 kW comes from the grid.
	w := New(12, 0.1)
	w.Update(sensor.Record{"net": 0.3, "solar": -1.7, "wh": 2})

	task := &fakeTask{keys: []string{"wh"}, power: 2}
	got := w.CoveredByProduction(task, nil, nil)
	if !almostEqual(got, 0.85) {
		t.Errorf("expected ratio 0.85, got %v", got)
	}
}

func TestCoveredByProductionNoUsage(t *testing.T) {
	w := New(12, 0.1)
	w.Update(sensor.Record{"net": 2, "wh": 0})

	task := &fakeTask{keys: []string{"wh"}, power: 2}
	if got := w.CoveredByProduction(task, nil, nil); got != 1 {
		t.Errorf("no usage must yield 1, got %v", got)
	}
}

func TestCoveredByProductionMinimizeOnlyWhenDrawing(t *testing.T) {
	w := New(12, 0.1)
	// The adjustable task draws only in the second record; the minimize
	// rewrite must not apply to the first.
	w.Update(sensor.Record{"net": -2, "wh": 1, "ev": 0})
	w.Update(sensor.Record{"net": 1, "wh": 1, "ev": 3})

	wh := &fakeTask{keys: []string{"wh"}, power: 1}
	ev := &fakeTask{keys: []string{"ev"}, power: 1}
	got := w.CoveredByProduction(wh, []Task{ev}, nil)
	// Record 2 rewritten: net = 1 - 3 + 1 = -1. Accumulated net = -3,
	// usage = 2, ratio = -(-3 - 2)/2 = 2.5.
	if !almostEqual(got, 2.5) {
		t.Errorf("expected ratio 2.5, got %v", got)
	}
}

func TestEmptyWindow(t *testing.T) {
	w := New(12, 0.1)
	task := &fakeTask{keys: []string{"wh"}, power: 2}
	if got := w.PowerUsedBy(task); got != 0 {
		t.Errorf("empty window usage must be 0, got %v", got)
	}
	if got := w.AvailableFor(task, nil, nil); got != 0 {
		t.Errorf("empty window availability must be 0, got %v", got)
	}
	if got := w.CoveredByProduction(task, nil, nil); got != 1 {
		t.Errorf("empty window coverage must be 1, got %v", got)
	}
}
