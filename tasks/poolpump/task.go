package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	hftask "github.com/kmoreau/homeflux/task"
)

type poolSettings struct {
	powerSensorKey string
	power          float64
	minRunTime     time.Duration
}

// switchDriver is the view of the cloud relay the task needs.
type switchDriver interface {
	Device(id string) (ewelinkDevice, error)
	SetSwitch(id string, on bool) error
}

// PoolPump schedules the pool pump behind an eWeLink switch under a daily
// runtime budget derived from the water temperature.
type PoolPump struct {
	deviceID string
	ewelink  switchDriver
	settings poolSettings

	mu               sync.Mutex
	priority         hftask.Priority
	startedAt        time.Time
	targetTime       time.Time
	remainingRuntime time.Duration
	lastUpdate       time.Time
	unhealthy        bool
}

// NewPoolPump returns the pool pump task.
func NewPoolPump(deviceID string, ewelink switchDriver, s poolSettings) *PoolPump {
	return &PoolPump{
		deviceID:   deviceID,
		ewelink:    ewelink,
		settings:   s,
		priority:   hftask.PriorityLow,
		lastUpdate: time.Now(),
	}
}

// UpdateRemainingRuntime decrements the budget by the time the pump
// actually ran since the last update.
func (p *PoolPump) UpdateRemainingRuntime() {
	now := time.Now()
	running := p.IsRunning()
	p.mu.Lock()
	defer p.mu.Unlock()
	if running {
		if p.startedAt.IsZero() {
			p.startedAt = now
		}
		since := p.lastUpdate
		if p.startedAt.After(since) {
			since = p.startedAt
		}
		p.remainingRuntime -= now.Sub(since)
		if p.remainingRuntime < 0 {
			p.remainingRuntime = 0
		}
	}
	log.Printf("remaining runtime: %s", p.remainingRuntime)
	p.lastUpdate = now
}

func (p *PoolPump) Start() {
	log.Printf("starting")
	if err := p.ewelink.SetSwitch(p.deviceID, true); err != nil {
		log.Printf("start failed: %v", err)
		return
	}
	p.mu.Lock()
	p.startedAt = time.Now()
	p.mu.Unlock()
}

func (p *PoolPump) Stop() {
	log.Printf("stopping")
	if err := p.ewelink.SetSwitch(p.deviceID, false); err != nil {
		log.Printf("stop failed: %v", err)
		return
	}
	p.mu.Lock()
	p.startedAt = time.Time{}
	p.mu.Unlock()
}

func (p *PoolPump) IsRunning() bool {
	device, err := p.ewelink.Device(p.deviceID)
	if err != nil {
		return false
	}
	return device.Params.Switch == "on"
}

func (p *PoolPump) hasBeenRunningFor() time.Duration {
	if !p.IsRunning() {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = time.Now()
	}
	return time.Since(p.startedAt)
}

func (p *PoolPump) online() bool {
	device, err := p.ewelink.Device(p.deviceID)
	return err == nil && device.Online
}

func (p *PoolPump) IsStoppable() bool {
	return p.hasBeenRunningFor() > p.settings.minRunTime && p.online()
}

func (p *PoolPump) IsRunnable() bool {
	p.mu.Lock()
	remaining := p.remainingRuntime
	unhealthy := p.unhealthy
	p.mu.Unlock()
	return remaining > 0 && !unhealthy && p.online()
}

// MeetRunningCriteria verifies, once past a short grace period, that the
// pump actually draws power; a pump reported on but drawing nothing is
// marked unhealthy and refuses to run.
func (p *PoolPump) MeetRunningCriteria(ratio, power float64) bool {
	duration := p.hasBeenRunningFor()
	if duration > 90*time.Second && power < p.settings.power/4 {
		log.Printf("pump reported on but draws %.2f kW, marking unhealthy", power)
		p.mu.Lock()
		p.unhealthy = true
		p.mu.Unlock()
		return false
	}
	return p.IsRunnable() && ratio >= 0.9
}

func (p *PoolPump) Priority() hftask.Priority {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priority
}

func (p *PoolPump) Power() float64 { return p.settings.power }

func (p *PoolPump) Keys() []string {
	return []string{p.settings.powerSensorKey}
}

func (p *PoolPump) AutoAdjust() bool { return false }

func (p *PoolPump) Desc() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PoolPump(%s, %s)", p.priority, p.remainingRuntime)
}

// Unhealthy reports whether the pump failed its power draw check.
func (p *PoolPump) Unhealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unhealthy
}

// TargetTime returns the end of the current daily cycle.
func (p *PoolPump) TargetTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetTime
}

// SetCycle installs a new daily budget and target time, clearing the
// unhealthy flag for a fresh chance.
func (p *PoolPump) SetCycle(targetTime time.Time, remaining time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetTime = targetTime
	p.remainingRuntime = remaining
	p.lastUpdate = time.Now()
	p.unhealthy = false
	log.Printf("target time updated to %s, budget %s", targetTime, remaining)
}

// AdjustPriority ramps the priority up as the remaining budget approaches
// the time left with enough sun to cover the pump.
func (p *PoolPump) AdjustPriority(sunset time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remainingRuntime <= 0 {
		p.priority = hftask.PriorityLow
		return
	}
	margin := time.Until(sunset) - p.remainingRuntime
	switch {
	case margin < 0:
		p.priority = hftask.PriorityUrgent
	case margin < time.Hour:
		p.priority = hftask.PriorityHigh
	case margin < 2*time.Hour:
		p.priority = hftask.PriorityMedium
	default:
		p.priority = hftask.PriorityLow
	}
}
