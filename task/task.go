// Package task defines the contract every managed load implements, the HTTP
// server exposing a local task to the scheduler and the remote client the
// scheduler drives tasks through.
package task

import (
	"github.com/kmoreau/homeflux/sensor"
)

// Task is the contract a managed load implements.
//
// A task is usually coupled to the appliance or device it controls. Start
// must be idempotent and must actually lead to the appliance starting; if
// the appliance cannot or should not be started anymore, IsRunnable must
// return false. Stop may have no physical effect while a minimum run safety
// window is active, in which case IsStoppable must already return false.
type Task interface {
	// Start starts the appliance. Invoked one-way by the scheduler.
	Start()
	// Stop stops the appliance. Invoked one-way by the scheduler.
	Stop()
	// IsRunnable reports whether a Start would cause the appliance to
	// actually begin drawing power. It must not consider power
	// availability.
	IsRunnable() bool
	// IsRunning reflects the actual device state with bounded staleness.
	IsRunning() bool
	// IsStoppable reports whether a Stop would take effect within one
	// scheduler cycle.
	IsStoppable() bool
	// MeetRunningCriteria is the task's own acceptance predicate. ratio
	// comes from the window coverage queries, power is the current
	// instantaneous usage.
	MeetRunningCriteria(ratio, power float64) bool
	// Desc is a one line human status.
	Desc() string

	Priority() Priority
	Power() float64
	Keys() []string
	AutoAdjust() bool
}

// Descriptor is the externally visible, slowly changing state of a task.
type Descriptor struct {
	Priority   Priority `json:"priority"`
	Power      float64  `json:"power"`
	Keys       []string `json:"keys"`
	AutoAdjust bool     `json:"auto_adjust"`
}

// Usage returns the power used by a task described by keys in record.
func Usage(record sensor.Record, keys []string) float64 {
	return record.Usage(keys)
}

// Compare orders two task descriptors by importance. It returns 1 if a is
// more important than b, -1 if less, 0 otherwise.
//
// Higher priority wins; at equal priority an auto adjusting task wins; then
// the larger declared power wins.
func Compare(a, b Descriptor) int {
	if a.Priority > b.Priority {
		return 1
	}
	if a.Priority < b.Priority {
		return -1
	}
	if a.AutoAdjust && !b.AutoAdjust {
		return 1
	}
	if !a.AutoAdjust && b.AutoAdjust {
		return -1
	}
	if a.Power > b.Power {
		return 1
	}
	if b.Power > a.Power {
		return -1
	}
	return 0
}
