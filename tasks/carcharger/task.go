package main

import (
	"fmt"
	"log"
	"math"
	"sync"

	hftask "github.com/kmoreau/homeflux/task"

	"github.com/kmoreau/homeflux/sensor"
)

// kwPerAmp approximates the power drawn per ampere at 240 V.
const kwPerAmp = 0.24

// CarChargerTask schedules an adjustable EVSE. It declares its minimum
// sustainable power and auto adjusts its charge rate to the available
// surplus under an independent inner loop.
type CarChargerTask struct {
	charger Charger
	key     string

	mu          sync.Mutex
	lastRunning bool
}

// NewCarChargerTask wraps charger as a schedulable task metered by the
// given power record channel.
func NewCarChargerTask(charger Charger, powerSensorKey string) *CarChargerTask {
	return &CarChargerTask{charger: charger, key: powerSensorKey}
}

func (t *CarChargerTask) Start() {
	log.Printf("%s: starting", t.charger.Name())
	if err := t.charger.Start(); err != nil {
		log.Printf("%s: start failed: %v", t.charger.Name(), err)
	}
}

func (t *CarChargerTask) Stop() {
	log.Printf("%s: stopping", t.charger.Name())
	// Drop back to the minimum rate first so that a later resume does not
	// slam the full current onto the circuit.
	if err := t.charger.SetChargingCurrent(t.charger.MinChargingCurrent()); err != nil {
		log.Printf("%s: resetting current failed: %v", t.charger.Name(), err)
	}
	if err := t.charger.Stop(); err != nil {
		log.Printf("%s: stop failed: %v", t.charger.Name(), err)
	}
}

func (t *CarChargerTask) IsRunning() bool {
	charging, err := t.charger.IsCharging()
	if err != nil {
		// Conservative answer: last known state.
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.lastRunning
	}
	t.mu.Lock()
	t.lastRunning = charging
	t.mu.Unlock()
	return charging
}

func (t *CarChargerTask) IsRunnable() bool {
	plugged, err := t.charger.IsPluggedIn()
	if err != nil || !plugged {
		return false
	}
	can, err := t.charger.CanCharge()
	return err == nil && can
}

func (t *CarChargerTask) IsStoppable() bool {
	return true
}

func (t *CarChargerTask) MeetRunningCriteria(ratio, power float64) bool {
	if !t.IsRunnable() {
		return false
	}
	if t.IsRunning() {
		return ratio >= 0.9
	}
	return ratio >= 1
}

func (t *CarChargerTask) Priority() hftask.Priority {
	return chargerPriority(t.charger)
}

func (t *CarChargerTask) Power() float64 {
	return float64(t.charger.MinChargingCurrent()) * kwPerAmp
}

func (t *CarChargerTask) Keys() []string {
	return []string{t.key}
}

func (t *CarChargerTask) AutoAdjust() bool {
	return true
}

func (t *CarChargerTask) Desc() string {
	desc := fmt.Sprintf("CarCharger(%s, %s", t.Priority(), t.charger.Name())
	if soc, err := t.charger.StateOfCharge(); err == nil {
		desc += fmt.Sprintf(", %.1f%%", soc)
	}
	return desc + ")"
}

// currentRateFor returns the appropriate current for the available power,
// clipped to the charger limits.
func (t *CarChargerTask) currentRateFor(power float64) int {
	amps := int(math.Floor(power / kwPerAmp))
	if amps < t.charger.MinChargingCurrent() {
		amps = t.charger.MinChargingCurrent()
	}
	max, err := t.charger.MaxChargingCurrent()
	if err == nil && amps > max {
		amps = max
	}
	return amps
}

// AdjustChargeRate sets the charging current according to the surplus in
// the instantaneous power record.
func (t *CarChargerTask) AdjustChargeRate(record sensor.Record) {
	available := -(record[sensor.Net] - record.Usage(t.Keys()))
	amps := t.currentRateFor(available)
	current, err := t.charger.ChargingCurrent()
	if err != nil {
		log.Printf("%s: reading charging current failed: %v", t.charger.Name(), err)
		return
	}
	if current == amps {
		return
	}
	log.Printf("%s: adjusting to %dA (%.2f kW available)", t.charger.Name(), amps, available)
	if err := t.charger.SetChargingCurrent(amps); err != nil {
		log.Printf("%s: adjusting current failed: %v", t.charger.Name(), err)
	}
}
