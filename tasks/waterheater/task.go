package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kmoreau/homeflux/oracle"
	"github.com/kmoreau/homeflux/sensor"
	hftask "github.com/kmoreau/homeflux/task"
)

type settings struct {
	power              float64
	minutesPerDegree   float64
	desiredTemperature float64
	minRunTime         time.Duration
	noPowerDelay       time.Duration
	powerSensorKey     string
}

// tankState filters the raw tank readings. The level and temperature
// sensors are partially software driven and can report full and hot right
// after a short run; readings are only trusted downward unless forced.
type tankState struct {
	temperature float64
	level       float64
	valid       bool
}

func (s *tankState) update(temperature, level float64, force bool) {
	if force || !s.valid || temperature < s.temperature || level < s.level {
		s.temperature = temperature
		s.level = level
		s.valid = true
	}
}

// WaterHeater is the Aquanta controlled water heater task. It uses the
// boost and away device features around the device's own timer schedule and
// doubles as a sensor exposing the tank state.
type WaterHeater struct {
	aquanta    *AquantaClient
	settings   settings
	production *oracle.Production

	mu               sync.Mutex
	state            tankState
	priority         hftask.Priority
	targetTime       time.Time
	startedAt        time.Time
	notRunnableTill  time.Time
	hasReachedTarget bool
}

// NewWaterHeater returns the water heater task.
func NewWaterHeater(aquanta *AquantaClient, production *oracle.Production, s settings) *WaterHeater {
	w := &WaterHeater{
		aquanta:    aquanta,
		settings:   s,
		production: production,
		priority:   hftask.PriorityLow,
	}
	w.AdjustPriority()
	return w
}

// refreshState folds a fresh tank reading into the filtered state. A drop
// in tank level clears the no-power cooldown: hot water was drawn, the task
// is worth running again.
func (w *WaterHeater) refreshState() error {
	temperature, available, err := w.aquanta.Water()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.valid && w.state.level > available {
		log.Printf("tank level dropped (%.2f -> %.2f), making runnable",
			w.state.level, available)
		w.notRunnableTill = time.Time{}
	}
	force := time.Now().Before(w.notRunnableTill)
	w.state.update(temperature, available, force)
	return nil
}

// temperature returns the filtered tank temperature in °F.
func (w *WaterHeater) temperature() (float64, error) {
	if err := w.refreshState(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.temperature, nil
}

// available returns the filtered tank level in percent.
func (w *WaterHeater) available() (float64, error) {
	if err := w.refreshState(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.level * 100, nil
}

// estimateRunTime estimates the time required to reach the desired
// temperature for the whole tank.
func (w *WaterHeater) estimateRunTime() time.Duration {
	w.mu.Lock()
	available := w.state.level * 100
	temperature := w.state.temperature
	w.mu.Unlock()
	blended := 60*(100-available)/100 + temperature*available/100
	deviation := w.settings.desiredTemperature - blended
	if deviation < 0 {
		deviation = 0
	}
	return time.Duration(deviation*w.settings.minutesPerDegree) * time.Minute
}

func (w *WaterHeater) Start() {
	if w.IsRunning() {
		return
	}
	mode, err := w.aquanta.Mode()
	if err != nil {
		log.Printf("start failed: %v", err)
		return
	}
	if mode == modeAway {
		if err := w.aquanta.SetTimer(); err != nil {
			log.Printf("start failed: %v", err)
			return
		}
	}
	duration := w.estimateRunTime()
	if duration < w.settings.minRunTime {
		duration = w.settings.minRunTime
	}
	log.Printf("starting for %s", duration)
	if err := w.aquanta.SetBoost(duration); err != nil {
		log.Printf("start failed: %v", err)
		return
	}
	w.mu.Lock()
	w.startedAt = time.Now()
	w.mu.Unlock()
}

func (w *WaterHeater) Stop() {
	mode, err := w.aquanta.Mode()
	if err != nil {
		log.Printf("stop failed: %v", err)
		return
	}
	if mode == modeBoost {
		if err := w.aquanta.SetTimer(); err != nil {
			log.Printf("stop failed: %v", err)
			return
		}
	}
	// If a scheduled on window is active, go away for its remainder so the
	// device does not immediately turn back on.
	now := time.Now()
	if windows, err := w.aquanta.TodaySchedule(); err == nil {
		for _, window := range windows {
			if !now.Before(window.Start) && now.Before(window.End) {
				if err := w.aquanta.SetAway(window.End.Sub(now)); err != nil {
					log.Printf("stop: away failed: %v", err)
				}
				break
			}
		}
	}
	w.mu.Lock()
	w.startedAt = time.Time{}
	w.mu.Unlock()
}

func (w *WaterHeater) IsRunnable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Now().After(w.notRunnableTill) && !w.hasReachedTarget
}

func (w *WaterHeater) IsRunning() bool {
	mode, err := w.aquanta.Mode()
	if err != nil {
		return false
	}
	return mode == modeBoost || mode == "setpoint"
}

// hasBeenRunningFor returns for how long the heater has been running,
// adopting a start done behind our back (vendor application).
func (w *WaterHeater) hasBeenRunningFor() time.Duration {
	if !w.IsRunning() {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startedAt.IsZero() {
		w.startedAt = time.Now()
	}
	return time.Since(w.startedAt)
}

// IsStoppable reports whether the minimum run safety window has elapsed.
func (w *WaterHeater) IsStoppable() bool {
	if !w.IsRunnable() {
		return true
	}
	return w.hasBeenRunningFor() > w.settings.minRunTime
}

// MeetRunningCriteria detects, from the power draw, when the tank is
// actually full despite the sensors and puts the task in a cooldown; it
// otherwise requires full coverage unless the target time is pressing.
func (w *WaterHeater) MeetRunningCriteria(ratio, power float64) bool {
	duration := w.hasBeenRunningFor()
	if duration > 0 {
		available, err := w.available()
		if err != nil {
			available = 0
		}
		minTime := 90 * time.Second
		minPower := 0.0
		if available == 100 || duration >= 4*time.Minute {
			minTime = 30 * time.Second
			minPower = w.settings.power / 2
		}
		if duration > minTime && power <= minPower {
			delay := w.settings.noPowerDelay
			if duration > 3*time.Minute {
				delay *= 4
			}
			log.Printf("not using enough power, unrunnable for %s", delay)
			w.mu.Lock()
			w.notRunnableTill = time.Now().Add(delay)
			w.mu.Unlock()
			return false
		}
	}
	w.mu.Lock()
	priority := w.priority
	targetTime := w.targetTime
	w.mu.Unlock()
	if priority == hftask.PriorityUrgent &&
		time.Until(targetTime) < w.estimateRunTime() {
		return true
	}
	return ratio >= 1
}

func (w *WaterHeater) Priority() hftask.Priority {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.priority
}

func (w *WaterHeater) Power() float64 { return w.settings.power }

func (w *WaterHeater) Keys() []string {
	return []string{w.settings.powerSensorKey}
}

func (w *WaterHeater) AutoAdjust() bool { return false }

func (w *WaterHeater) Desc() string {
	desc := fmt.Sprintf("WaterHeater(%s", w.Priority())
	if available, err := w.available(); err == nil {
		w.mu.Lock()
		desc += fmt.Sprintf(", %d%%, %.1fF", int(available), w.state.temperature)
		w.mu.Unlock()
	}
	return desc + ")"
}

// Water availability and temperature thresholds below which each priority
// applies.
var priorityThresholds = []struct {
	priority    hftask.Priority
	available   float64
	temperature float64
}{
	{hftask.PriorityUrgent, 50, 110},
	{hftask.PriorityHigh, 70, 120},
	{hftask.PriorityMedium, 90, 0},
	{hftask.PriorityLow, 100, 0},
}

// AdjustPriority derives the priority from the tank state and bumps it one
// level when the target time is closer than the estimated run time.
func (w *WaterHeater) AdjustPriority() {
	available, err := w.available()
	if err != nil {
		log.Printf("could not adjust priority: %v", err)
		return
	}
	w.mu.Lock()
	temperature := w.state.temperature
	w.mu.Unlock()

	for _, threshold := range priorityThresholds {
		desired := threshold.temperature
		if desired == 0 {
			desired = w.settings.desiredTemperature
		}
		if available >= threshold.available && temperature >= desired {
			continue
		}
		w.mu.Lock()
		w.hasReachedTarget = false
		w.priority = threshold.priority
		targetTime := w.targetTime
		priority := w.priority
		w.mu.Unlock()
		if priority < hftask.PriorityUrgent && targetTime.After(time.Now()) &&
			time.Until(targetTime) < w.estimateRunTime() {
			log.Printf("close to the target time, increasing the priority")
			w.mu.Lock()
			w.priority = priority.Bump()
			w.mu.Unlock()
		}
		return
	}
	w.mu.Lock()
	w.hasReachedTarget = true
	w.mu.Unlock()
}

// PreventAutoStart puts the device in away mode when its own schedule is
// about to turn it on: while the scheduler is in charge, the device does
// not start on its own.
func (w *WaterHeater) PreventAutoStart() {
	if w.IsRunning() {
		return
	}
	mode, err := w.aquanta.Mode()
	if err != nil || mode != modeTimer {
		return
	}
	now := time.Now()
	soon := now.Add(3 * time.Minute)
	windows, err := w.aquanta.TodaySchedule()
	if err != nil {
		return
	}
	for _, window := range windows {
		if !soon.Before(window.Start) && soon.Before(window.End) {
			if err := w.aquanta.SetAway(window.End.Sub(now)); err != nil {
				log.Printf("prevent auto start failed: %v", err)
			}
			return
		}
	}
}

// RefreshTargetTime updates the target time to the end of the next window
// during which the production covers the heater power.
func (w *WaterHeater) RefreshTargetTime(ctx context.Context) {
	w.mu.Lock()
	stale := time.Now().After(w.targetTime)
	w.mu.Unlock()
	if !stale {
		return
	}
	_, end, err := w.production.NextPowerWindow(ctx, w.settings.power)
	if err != nil {
		log.Printf("target time update failed: %v", err)
		return
	}
	w.mu.Lock()
	w.targetTime = end
	w.mu.Unlock()
	log.Printf("target time updated to %s", end)
}

// Read implements the sensor interface with the filtered tank state.
func (w *WaterHeater) Read(ctx context.Context, scale sensor.Scale) (sensor.Record, error) {
	temperature, err := w.temperature()
	if err != nil {
		return nil, err
	}
	available, err := w.available()
	if err != nil {
		return nil, err
	}
	return sensor.Record{"temperature": temperature, "available": available}, nil
}

// Units implements the sensor interface.
func (w *WaterHeater) Units(ctx context.Context) (map[string]string, error) {
	return map[string]string{"temperature": "°F", "available": "%"}, nil
}
