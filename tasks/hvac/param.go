package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kmoreau/homeflux/oracle"
)

// tempCurve is a minute resolution temperature plan over a time span.
type tempCurve struct {
	start time.Time
	temps []float64
}

func (c *tempCurve) at(t time.Time) float64 {
	if c == nil || len(c.temps) == 0 {
		return 0
	}
	minutes := int(t.Sub(c.start) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	if minutes >= len(c.temps) {
		minutes = len(c.temps) - 1
	}
	return c.temps[minutes]
}

// Param computes, in the background, the planner inputs of the HVAC task:
// the maximum power the production can deliver, the outdoor temperature,
// the target time and the passive drift curve that, followed, reaches the
// goal temperature at goal time.
//
// Gathering these takes several seconds of oracle calls; the control thread
// only ever reads the latest snapshot under the lock.
type Param struct {
	weather    *oracle.Weather
	production *oracle.Production
	hvacModel  *HVACModel
	homeModel  *HomeModel
	goalTime   timeOfDay
	goalTemp   float64

	mu                sync.Mutex
	maxAvailablePower float64
	outdoorTemp       float64
	targetTime        time.Time
	curve             *tempCurve
}

// timeOfDay is a wall clock time of day.
type timeOfDay struct {
	hour   int
	minute int
}

func (t timeOfDay) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.hour, t.minute,
		0, 0, day.Location())
}

// NewParam returns an idle planner; call Run on its own goroutine.
func NewParam(weather *oracle.Weather, production *oracle.Production,
	hvacModel *HVACModel, homeModel *HomeModel,
	goalTime timeOfDay, goalTemp float64) *Param {
	return &Param{
		weather:    weather,
		production: production,
		hvacModel:  hvacModel,
		homeModel:  homeModel,
		goalTime:   goalTime,
		goalTemp:   goalTemp,
	}
}

// Ready reports whether a full snapshot has been computed.
func (p *Param) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curve != nil && !p.targetTime.IsZero()
}

// MaxAvailablePower is the peak power to expect from the production.
func (p *Param) MaxAvailablePower() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxAvailablePower
}

// OutdoorTemp is the latest outdoor temperature.
func (p *Param) OutdoorTemp() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outdoorTemp
}

// TargetTime is the last point in time when the production will deliver
// enough power for the HVAC to run.
func (p *Param) TargetTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetTime
}

// OptimalTemp is the temperature the home should be at right now to drift
// passively into the goal.
func (p *Param) OptimalTemp() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curve.at(time.Now())
}

// TargetTemp is the desired temperature at target time.
func (p *Param) TargetTemp() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curve.at(p.targetTime)
}

func (p *Param) updateMaxAvailablePower(ctx context.Context) error {
	tomorrow := time.Now().AddDate(0, 0, 1)
	available, err := p.production.MaxAvailablePowerAt(ctx, tomorrow)
	if err != nil {
		return err
	}
	available -= 0.0001
	p.mu.Lock()
	p.maxAvailablePower = available
	p.mu.Unlock()
	log.Printf("max available power updated to %.3f kW", available)
	return nil
}

// updateTargetTime finds the fixpoint between the production window and the
// HVAC power draw at the temperature of that window.
func (p *Param) updateTargetTime(ctx context.Context) error {
	power := p.MaxAvailablePower()
	for {
		_, end, err := p.production.NextPowerWindow(ctx, power)
		if err != nil {
			return err
		}
		tempAtTarget, err := p.weather.TemperatureAt(ctx, end)
		if err != nil {
			return err
		}
		hvacPower := p.hvacModel.Power(tempAtTarget)
		if hvacPower >= power {
			p.mu.Lock()
			p.targetTime = end
			p.mu.Unlock()
			log.Printf("target time updated to %s (%.2f kW there)", end, hvacPower)
			return nil
		}
		power = hvacPower
	}
}

// computePassiveCurve builds the minute resolution temperature plan which,
// followed passively, ends at endTemp at end. The start temperature is
// searched iteratively by integrating the home drift model forward.
func (p *Param) computePassiveCurve(ctx context.Context, start, end time.Time, endTemp float64) error {
	minutes := int(end.Sub(start) / time.Minute)
	if minutes < 2 {
		return fmt.Errorf("not enough time to estimate")
	}
	outdoor := make([]float64, minutes)
	for minute := range outdoor {
		at := start.Add(time.Duration(minute) * time.Minute)
		temp, err := p.weather.TemperatureAt(ctx, at)
		if err != nil {
			return err
		}
		outdoor[minute] = temp
	}

	const precision = 0.1
	startTemp := endTemp
	var temps []float64
	for iteration := 0; iteration < 50; iteration++ {
		temps = temps[:0]
		temp := startTemp
		for minute := 0; minute < minutes; minute++ {
			temps = append(temps, temp)
			temp += p.homeModel.DegreePerMinute(temp, outdoor[minute])
		}
		deviation := endTemp - temp
		if deviation < precision && deviation > -precision {
			break
		}
		startTemp += deviation * 2 / 3
	}

	p.mu.Lock()
	p.curve = &tempCurve{start: start, temps: append([]float64(nil), temps...)}
	p.mu.Unlock()
	return nil
}

// Run periodically refreshes the snapshot until the context is cancelled.
func (p *Param) Run(ctx context.Context) {
	for {
		p.refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Minute):
		}
	}
}

func (p *Param) refresh(ctx context.Context) {
	goal := p.goalTime.on(p.TargetTime())
	if time.Now().After(goal) {
		if err := p.updateMaxAvailablePower(ctx); err != nil {
			log.Printf("parameter update failed: %v", err)
			return
		}
		if err := p.updateTargetTime(ctx); err != nil {
			log.Printf("parameter update failed: %v", err)
			return
		}
	}
	temperature, err := p.weather.TemperatureAt(ctx, time.Now())
	if err != nil {
		log.Printf("temperature update failed: %v", err)
	} else {
		p.mu.Lock()
		p.outdoorTemp = temperature
		p.mu.Unlock()
	}
	goal = p.goalTime.on(p.TargetTime())
	if err := p.computePassiveCurve(ctx, time.Now(), goal, p.goalTemp); err != nil {
		log.Printf("passive curve update failed: %v", err)
	}
}
