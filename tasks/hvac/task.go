package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/kmoreau/homeflux/sensor"
	hftask "github.com/kmoreau/homeflux/task"
)

// hvacMode is the thermostat operating mode. The sign gives the direction
// the mode moves the indoor temperature.
type hvacMode int

const (
	modeCool hvacMode = -1
	modeAuto hvacMode = 0
	modeHeat hvacMode = 1
)

type hvacSettings struct {
	minRunTime        time.Duration
	minPause          time.Duration
	temperatureOffset float64
	comfortRange      [2]float64
	powerSensorKeys   []string
	temperatureSensor string
}

// HVACTask optimally heats or cools the home depending on power
// availability by placing temperature holds on the thermostat. It expects
// the thermostat program to be set to unreachable comfort temperatures
// while the production runs.
type HVACTask struct {
	ecobee   *Ecobee
	settings hvacSettings
	param    *Param
	model    *HVACModel

	mu        sync.Mutex
	power     float64
	priority  hftask.Priority
	startedAt time.Time
	stoppedAt time.Time
}

// NewHVACTask returns the HVAC task.
func NewHVACTask(ecobee *Ecobee, model *HVACModel, param *Param, s hvacSettings) *HVACTask {
	return &HVACTask{
		ecobee:   ecobee,
		settings: s,
		param:    param,
		model:    model,
		power:    5,
		priority: hftask.PriorityLow,
	}
}

func (t *HVACTask) indoorTemp() (float64, error) {
	temperatures, err := t.ecobee.Temperatures()
	if err != nil {
		return 0, err
	}
	temp, ok := temperatures[t.settings.temperatureSensor]
	if !ok {
		return 0, fmt.Errorf("%s temperature is not available",
			t.settings.temperatureSensor)
	}
	return temp, nil
}

func (t *HVACTask) mode() (hvacMode, bool) {
	mode, err := t.ecobee.Mode()
	if err != nil {
		return modeAuto, false
	}
	switch mode {
	case "heat":
		return modeHeat, true
	case "cool":
		return modeCool, true
	case "auto":
		return modeAuto, true
	}
	return modeAuto, false
}

// deviation returns how far the indoor temperature is from the planned one,
// positive when the home is warmer.
func (t *HVACTask) deviation(target, comfort bool) (float64, error) {
	var temp float64
	if target {
		temp = t.param.TargetTemp()
	} else {
		temp = t.param.OptimalTemp()
	}
	if comfort {
		temp = math.Max(temp, t.settings.comfortRange[0])
		temp = math.Min(temp, t.settings.comfortRange[1])
	}
	indoor, err := t.indoorTemp()
	if err != nil {
		return 0, err
	}
	return indoor - temp, nil
}

// nextHelpfulMode returns the mode that would move the temperature towards
// the plan, or auto when no move helps.
func (t *HVACTask) nextHelpfulMode(target, comfort bool) hvacMode {
	deviation, err := t.deviation(target, comfort)
	if err != nil || deviation == 0 {
		return modeAuto
	}
	current, ok := t.mode()
	if !ok {
		return modeAuto
	}
	for _, mode := range []hvacMode{modeHeat, modeCool} {
		if current != modeAuto && current != mode {
			continue
		}
		if deviation*float64(mode) < 0 {
			return mode
		}
	}
	return modeAuto
}

func (t *HVACTask) estimateRuntime(target, comfort bool) time.Duration {
	mode := t.nextHelpfulMode(target, comfort)
	if mode == modeAuto {
		return 0
	}
	deviation, err := t.deviation(target, comfort)
	if err != nil {
		return 0
	}
	rate := t.model.TimePerDegree(t.param.OutdoorTemp())
	return time.Duration(math.Abs(deviation) * float64(rate))
}

func (t *HVACTask) Start() {
	mode := t.nextHelpfulMode(false, true)
	if mode == modeAuto {
		log.Printf("no mode to change the temperature")
		return
	}
	duration := t.estimateRuntime(false, true)
	target := t.param.OptimalTemp() + float64(mode)*t.settings.temperatureOffset
	hours := int(math.Ceil(duration.Hours() * 2))
	if hours < 1 {
		hours = 1
	}
	log.Printf("starting for %s with thermostat set at %.1f°F", duration, target)
	err := t.ecobee.SetHold(target, target+float64(mode)*2, hours)
	if err != nil {
		log.Printf("failed to start the thermostat: %v", err)
		return
	}
	t.mu.Lock()
	t.startedAt = time.Now()
	t.mu.Unlock()
}

func (t *HVACTask) Stop() {
	if err := t.ecobee.ResumeProgram(); err != nil {
		log.Printf("failed to stop the thermostat: %v", err)
		return
	}
	t.mu.Lock()
	t.startedAt = time.Time{}
	t.stoppedAt = time.Now()
	t.mu.Unlock()
}

func (t *HVACTask) IsRunnable() bool {
	t.mu.Lock()
	runnableAt := t.stoppedAt.Add(t.settings.minPause)
	t.mu.Unlock()
	if time.Now().Before(runnableAt) {
		return false
	}
	mode, ok := t.mode()
	if !ok || mode == modeAuto {
		return false
	}
	deviation, err := t.deviation(false, false)
	if err != nil || deviation*float64(mode) > 0 {
		return false
	}
	indoor, err := t.indoorTemp()
	if err != nil {
		return false
	}
	if mode == modeHeat && indoor >= t.settings.comfortRange[1] {
		return false
	}
	if mode == modeCool && indoor <= t.settings.comfortRange[0] {
		return false
	}
	return true
}

func (t *HVACTask) IsRunning() bool {
	status, err := t.ecobee.EquipmentStatus()
	if err != nil {
		return false
	}
	if status != "" && status != "fan" {
		return true
	}
	hold, err := t.ecobee.IsOnHold()
	return err == nil && hold
}

func (t *HVACTask) hasBeenRunningFor() time.Duration {
	if !t.IsRunning() {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	return time.Since(t.startedAt)
}

// IsStoppable protects the compressor: the task cannot be stopped during
// its minimum run window, and only a hold of ours is worth resuming.
func (t *HVACTask) IsStoppable() bool {
	if t.hasBeenRunningFor() <= t.settings.minRunTime {
		return false
	}
	hold, err := t.ecobee.IsOnHold()
	return err == nil && hold
}

// MeetRunningCriteria relaxes the required ratio quadratically as the
// target time deadline approaches; otherwise it scales the requirement to
// what the production can deliver at best.
func (t *HVACTask) MeetRunningCriteria(ratio, power float64) bool {
	runTime := t.estimateRuntime(true, true)
	if runTime < time.Second {
		runTime = time.Second
	}
	maxPower := t.param.MaxAvailablePower()
	minRatio := math.Min(1, 0.95*maxPower/t.Power())
	untilTarget := time.Until(t.param.TargetTime())
	if untilTarget > 0 && untilTarget < runTime {
		coefficient := float64(untilTarget) / float64(runTime)
		return ratio >= minRatio*coefficient*coefficient
	}
	if t.IsRunning() {
		deviation, err := t.deviation(false, true)
		mode, _ := t.mode()
		if err == nil && deviation*float64(mode) > 0 {
			log.Printf("target has been reached")
			return false
		}
		if t.hasBeenRunningFor() > t.settings.minRunTime {
			return power > 0 &&
				ratio >= math.Min(1, 0.9*maxPower/power) &&
				power > t.Power()/3
		}
		return true
	}
	return ratio >= minRatio
}

func (t *HVACTask) Priority() hftask.Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *HVACTask) Power() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.power
}

func (t *HVACTask) Keys() []string { return t.settings.powerSensorKeys }

func (t *HVACTask) AutoAdjust() bool { return false }

func (t *HVACTask) Desc() string {
	desc := fmt.Sprintf("HVAC(%s", t.Priority())
	if indoor, err := t.indoorTemp(); err == nil {
		desc += fmt.Sprintf(", %.1f°F", indoor)
	}
	return desc + fmt.Sprintf(", %.1f kW)", t.Power())
}

func (t *HVACTask) isInComfortableRange() bool {
	indoor, err := t.indoorTemp()
	if err != nil {
		return true
	}
	return indoor >= t.settings.comfortRange[0] &&
		indoor <= t.settings.comfortRange[1]
}

// AdjustPriority derives the priority from the number of runs left before
// the target time, bumped one level outside the comfort band.
func (t *HVACTask) AdjustPriority() {
	targetTime := t.param.TargetTime()
	if time.Now().After(targetTime) {
		t.mu.Lock()
		t.priority = hftask.PriorityLow
		t.mu.Unlock()
		return
	}
	runTime := t.estimateRuntime(true, true)
	if runTime < time.Second {
		runTime = time.Second
	}
	count := float64(time.Until(targetTime)) / float64(runTime)
	levels := float64(hftask.PriorityUrgent - hftask.PriorityLow + 1)
	priority := hftask.PriorityLow
	if count >= 0 && count <= levels {
		priority = hftask.PriorityUrgent - hftask.Priority(math.Floor(count))
		if priority < hftask.PriorityLow {
			priority = hftask.PriorityLow
		}
	}
	if !t.isInComfortableRange() {
		priority = priority.Bump()
	}
	t.mu.Lock()
	t.priority = priority
	t.mu.Unlock()
}

// AdjustPower updates the power necessary to run the system at the current
// outdoor temperature.
func (t *HVACTask) AdjustPower() {
	power := t.model.Power(t.param.OutdoorTemp())
	t.mu.Lock()
	t.power = power
	t.mu.Unlock()
}

// Read implements the sensor interface with the remote sensor temperatures.
func (t *HVACTask) Read(ctx context.Context, scale sensor.Scale) (sensor.Record, error) {
	temperatures, err := t.ecobee.Temperatures()
	if err != nil {
		return nil, err
	}
	record := make(sensor.Record, len(temperatures))
	for name, temp := range temperatures {
		record[name] = temp
	}
	return record, nil
}

// Units implements the sensor interface.
func (t *HVACTask) Units(ctx context.Context) (map[string]string, error) {
	temperatures, err := t.ecobee.Temperatures()
	if err != nil {
		return nil, err
	}
	units := make(map[string]string, len(temperatures))
	for name := range temperatures {
		units[name] = "°F"
	}
	return units, nil
}
