// Package window implements the power usage sliding window the scheduler
// consults to estimate how much of a task is, or would be, covered by the
// local production.
package window

import (
	"github.com/kmoreau/homeflux/sensor"
)

// Task is the window side view of a managed load: the channels that measure
// it and the minimum power it needs.
type Task interface {
	Keys() []string
	Power() float64
}

// PowerUsageSlidingWindow keeps the last N power records and answers
// coverage queries conditioned on hypothetical rewrites of a record.
//
// The window is owned by the scheduler cycle; it is not safe for concurrent
// use.
type PowerUsageSlidingWindow struct {
	size            int
	ignoreThreshold float64
	records         []sensor.Record
}

// New returns a window of the given capacity. Absolute power values in
// (0, ignoreThreshold) are coerced to zero on ingest to suppress sensor
// noise and trickle loads.
func New(size int, ignoreThreshold float64) *PowerUsageSlidingWindow {
	if size < 1 {
		size = 1
	}
	return &PowerUsageSlidingWindow{
		size:            size,
		ignoreThreshold: ignoreThreshold,
		records:         make([]sensor.Record, 0, size),
	}
}

// Update queues a new record, evicting the oldest one on overflow. The
// record is stored as a defensive copy.
func (w *PowerUsageSlidingWindow) Update(record sensor.Record) {
	copied := record.Copy()
	for key, value := range copied {
		if value > 0 && value < w.ignoreThreshold {
			copied[key] = 0
		}
	}
	if len(w.records) == w.size {
		copy(w.records, w.records[1:])
		w.records[len(w.records)-1] = copied
		return
	}
	w.records = append(w.records, copied)
}

// Clear empties the window. Called on resume from paused mode so that
// decisions are not made on pre-outage data.
func (w *PowerUsageSlidingWindow) Clear() {
	w.records = w.records[:0]
}

// Len returns the number of records currently held.
func (w *PowerUsageSlidingWindow) Len() int {
	return len(w.records)
}

func setUsage(record sensor.Record, keys []string, usage float64) {
	usage /= float64(len(keys))
	for _, key := range keys {
		record[key] = usage
	}
}

// minimizeUsage rewrites record as if task were drawing exactly its
// minimum power.
func minimizeUsage(record sensor.Record, task Task) {
	record[sensor.Net] -= record.Usage(task.Keys())
	setUsage(record, task.Keys(), task.Power())
	record[sensor.Net] += task.Power()
}

// suppressUsage rewrites record as if task were not running at all.
func suppressUsage(record sensor.Record, task Task) {
	record[sensor.Net] -= record.Usage(task.Keys())
	setUsage(record, task.Keys(), 0)
}

// PowerUsedBy returns the power used by task in the latest record.
func (w *PowerUsageSlidingWindow) PowerUsedBy(task Task) float64 {
	if len(w.records) == 0 {
		return 0
	}
	usage := w.records[len(w.records)-1].Usage(task.Keys())
	if usage < 0 {
		return 0
	}
	return usage
}

// AvailableFor estimates, on the latest record alone, the fraction of the
// power of task which would be covered by the production if it were
// running.
//
// Tasks in minimum have their actual consumption replaced by their declared
// minimum power; tasks in ignore have their consumption removed altogether.
func (w *PowerUsageSlidingWindow) AvailableFor(task Task, minimum, ignore []Task) float64 {
	if len(w.records) == 0 {
		return 0
	}
	record := w.records[len(w.records)-1].Copy()
	for _, t := range minimum {
		minimizeUsage(record, t)
	}
	for _, t := range ignore {
		suppressUsage(record, t)
	}
	if task.Power() == 0 {
		return 1
	}
	ratio := -record[sensor.Net] / task.Power()
	if ratio < 0 {
		return 0
	}
	return ratio
}

// CoveredByProduction estimates the fraction of the power consumed by task
// which has been covered by the production since it started drawing power,
// limited to the window time frame.
//
// The per-record rewrites of minimize and ignore only apply to tasks which
// were drawing power in that record.
func (w *PowerUsageSlidingWindow) CoveredByProduction(task Task, minimize, ignore []Task) float64 {
	if len(w.records) == 0 {
		return 1
	}
	latest := w.records[len(w.records)-1]
	if latest.Usage(task.Keys()) == 0 {
		return 1
	}
	accumulator := make(sensor.Record, len(latest))
	for i := len(w.records) - 1; i >= 0; i-- {
		record := w.records[i]
		if record.Usage(task.Keys()) == 0 {
			break
		}
		record = record.Copy()
		for _, t := range minimize {
			if record.Usage(t.Keys()) > 0 {
				minimizeUsage(record, t)
			}
		}
		for _, t := range ignore {
			if record.Usage(t.Keys()) > 0 {
				suppressUsage(record, t)
			}
		}
		for key, value := range record {
			accumulator[key] += value
		}
	}
	total := accumulator.Usage(task.Keys())
	if total == 0 {
		return 1
	}
	ratio := -(accumulator[sensor.Net] - total) / total
	if ratio < 0 {
		return 0
	}
	return ratio
}
