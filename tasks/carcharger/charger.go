package main

import (
	"github.com/kmoreau/homeflux/task"
)

// Charger is an opaque EVSE driver. Implementations wrap a vendor cloud
// API; errors are transient communication failures the task copes with.
type Charger interface {
	Name() string
	// Start resumes charging.
	Start() error
	// Stop pauses charging.
	Stop() error
	IsCharging() (bool, error)
	IsPluggedIn() (bool, error)
	CanCharge() (bool, error)
	// MinChargingCurrent is the lowest current the charger sustains, in A.
	MinChargingCurrent() int
	// MaxChargingCurrent is device reported, in A.
	MaxChargingCurrent() (int, error)
	ChargingCurrent() (int, error)
	SetChargingCurrent(amps int) error
	// StateOfCharge is the car battery level in percent.
	StateOfCharge() (float64, error)
	MaxStateOfCharge() float64
}

// State of charge thresholds below which each priority level applies.
var priorityThresholds = []struct {
	priority task.Priority
	below    float64
}{
	{task.PriorityUrgent, 40},
	{task.PriorityHigh, 55},
	{task.PriorityMedium, 70},
}

// chargerPriority derives the task priority from the car state of charge.
func chargerPriority(charger Charger) task.Priority {
	plugged, err := charger.IsPluggedIn()
	if err != nil || !plugged {
		return task.PriorityLow
	}
	can, err := charger.CanCharge()
	if err != nil || !can {
		return task.PriorityLow
	}
	soc, err := charger.StateOfCharge()
	if err != nil {
		return task.PriorityLow
	}
	for _, threshold := range priorityThresholds {
		if soc < threshold.below {
			return threshold.priority
		}
	}
	return task.PriorityLow
}
