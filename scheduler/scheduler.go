// Package scheduler elects, starts and stops the registered tasks depending
// on power availability, task priority and task specific running criteria.
package scheduler

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/kmoreau/homeflux/observability"
	"github.com/kmoreau/homeflux/task"
	"github.com/kmoreau/homeflux/window"
)

// RemoteTask is the scheduler side view of a registered task. All methods
// may fail; a failing task is skipped for the cycle, never aborting it.
type RemoteTask interface {
	URI() string
	Descriptor(ctx context.Context) (task.Descriptor, error)
	IsRunning(ctx context.Context) (bool, error)
	IsRunnable(ctx context.Context) (bool, error)
	IsStoppable(ctx context.Context) (bool, error)
	MeetRunningCriteria(ctx context.Context, ratio, power float64) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Desc(ctx context.Context) (string, error)
}

// Dialer materializes a remote task proxy from its URI.
type Dialer func(uri string) RemoteTask

// Scheduler owns the registered task URIs and the power usage sliding
// window, and runs the per-cycle eviction and admission sweeps.
type Scheduler struct {
	mu      sync.Mutex
	uris    []string
	clients map[string]RemoteTask
	dial    Dialer
	stat    *window.PowerUsageSlidingWindow
	paused  bool
}

// New returns a scheduler consulting stat and dialing tasks with dial.
func New(stat *window.PowerUsageSlidingWindow, dial Dialer) *Scheduler {
	return &Scheduler{
		clients: make(map[string]RemoteTask),
		dial:    dial,
		stat:    stat,
	}
}

// Window returns the power usage sliding window the scheduler consults.
// The window must only be touched from the cycle goroutine.
func (s *Scheduler) Window() *window.PowerUsageSlidingWindow {
	return s.stat
}

// RegisterTask adds a task URI. Idempotent.
func (s *Scheduler) RegisterTask(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, known := range s.uris {
		if known == uri {
			return
		}
	}
	s.uris = append(s.uris, uri)
	observability.TasksRegistered.Set(float64(len(s.uris)))
}

// UnregisterTask removes a task URI.
func (s *Scheduler) UnregisterTask(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(uri)
}

func (s *Scheduler) removeLocked(uri string) {
	for i, known := range s.uris {
		if known == uri {
			s.uris = append(s.uris[:i], s.uris[i+1:]...)
			break
		}
	}
	delete(s.clients, uri)
	observability.TasksRegistered.Set(float64(len(s.uris)))
}

// URIs returns a copy of the registered task URIs.
func (s *Scheduler) URIs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uris...)
}

func (s *Scheduler) client(uri string) RemoteTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[uri]
	if !ok {
		client = s.dial(uri)
		s.clients[uri] = client
	}
	return client
}

// IsOnPause reports whether the scheduler is on pause.
func (s *Scheduler) IsOnPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Pause prevents the scheduler from scheduling tasks and stops every
// running task. Stoppability is deliberately ignored: the task decides
// whether to honor the stop.
func (s *Scheduler) Pause(ctx context.Context) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.mu.Unlock()
	log.Printf("scheduler: putting the scheduler on pause")
	observability.SchedulerPaused.Set(1)
	s.StopAll(ctx)
}

// Resume allows the scheduler to schedule tasks again.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		log.Printf("scheduler: resuming the scheduler")
		s.paused = false
		observability.SchedulerPaused.Set(0)
	}
}

// StopAll sends stop to every running task, exactly once each.
func (s *Scheduler) StopAll(ctx context.Context) {
	for _, uri := range s.URIs() {
		client := s.client(uri)
		running, err := client.IsRunning(ctx)
		if err != nil || !running {
			continue
		}
		if err := client.Stop(ctx); err != nil {
			log.Printf("scheduler: stop %s failed: %v", uri, err)
		}
		observability.SchedulerDecisions.WithLabelValues("stop", "stop_all").Inc()
	}
}

// Sanitize removes the unreachable remote tasks. Each URI is probed for its
// descriptor and running state with up to three attempts, one second apart;
// a URI failing all of them is deregistered.
func (s *Scheduler) Sanitize(ctx context.Context) {
	for _, uri := range s.URIs() {
		var ok bool
		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 {
				time.Sleep(time.Second)
			}
			client := s.dial(uri)
			if _, err := client.Descriptor(ctx); err != nil {
				continue
			}
			if _, err := client.IsRunning(ctx); err != nil {
				continue
			}
			s.mu.Lock()
			s.clients[uri] = client
			s.mu.Unlock()
			ok = true
			break
		}
		if !ok {
			log.Printf("scheduler: communication error with %s, removing", uri)
			s.mu.Lock()
			s.removeLocked(uri)
			s.mu.Unlock()
		}
	}
}

// state is one task as seen during the current cycle. It implements
// window.Task through its memoized descriptor.
type state struct {
	handle   RemoteTask
	desc     task.Descriptor
	runnable bool
	running  bool
}

func (t *state) Keys() []string { return t.desc.Keys }

func (t *state) Power() float64 { return t.desc.Power }

func (t *state) name(ctx context.Context) string {
	desc, err := t.handle.Desc(ctx)
	if err != nil {
		return t.handle.URI()
	}
	return desc
}

// cycle holds the derived task lists memoized for one schedule pass.
type cycle struct {
	tasks   []*state
	running []*state // ascending order of importance
	stopped []*state // descending order of importance
}

func (c *cycle) adjustable() []*state {
	return lo.Filter(c.running, func(t *state, _ int) bool {
		return t.desc.AutoAdjust
	})
}

// evict moves a victim from the running list to the stopped list.
func (c *cycle) evict(victim *state) {
	c.running = lo.Without(c.running, victim)
	victim.running = false
	c.stopped = append(c.stopped, victim)
}

// admit moves an elected task from the stopped list to the running list.
func (c *cycle) admit(elected *state) {
	c.stopped = lo.Without(c.stopped, elected)
	elected.running = true
	c.running = append(c.running, elected)
}

// snapshot probes every registered task and builds the derived lists. A
// task failing any probe is left out for this cycle.
func (s *Scheduler) snapshot(ctx context.Context) *cycle {
	c := &cycle{}
	for _, uri := range s.URIs() {
		client := s.client(uri)
		desc, err := client.Descriptor(ctx)
		if err != nil {
			log.Printf("scheduler: skipping %s this cycle: %v", uri, err)
			continue
		}
		runnable, err := client.IsRunnable(ctx)
		if err != nil {
			log.Printf("scheduler: skipping %s this cycle: %v", uri, err)
			continue
		}
		running, err := client.IsRunning(ctx)
		if err != nil {
			log.Printf("scheduler: skipping %s this cycle: %v", uri, err)
			continue
		}
		c.tasks = append(c.tasks, &state{
			handle:   client,
			desc:     desc,
			runnable: runnable,
			running:  running,
		})
	}
	c.running = lo.Filter(c.tasks, func(t *state, _ int) bool { return t.running })
	sort.SliceStable(c.running, func(i, j int) bool {
		return task.Compare(c.running[i].desc, c.running[j].desc) < 0
	})
	c.stopped = lo.Filter(c.tasks, func(t *state, _ int) bool {
		return t.runnable && !t.running
	})
	sort.SliceStable(c.stopped, func(i, j int) bool {
		return task.Compare(c.stopped[i].desc, c.stopped[j].desc) > 0
	})
	return c
}

// stoppable asks the task whether a stop would take effect; a communication
// failure counts as not stoppable.
func stoppable(ctx context.Context, t *state) bool {
	ok, err := t.handle.IsStoppable(ctx)
	return err == nil && ok
}

// sharesChannel reports whether two key sets overlap.
func sharesChannel(a, b []string) bool {
	for _, key := range a {
		for _, other := range b {
			if key == other {
				return true
			}
		}
	}
	return false
}

// findConflictingPowerKeys returns the running tasks sharing a metering
// channel with an earlier running task. Their power consumption cannot be
// attributed, therefore they do not run simultaneously.
func (s *Scheduler) findConflictingPowerKeys(ctx context.Context, c *cycle) []*state {
	var victims []*state
	var claimed [][]string
	for _, t := range c.running {
		if lo.SomeBy(claimed, func(keys []string) bool {
			return sharesChannel(keys, t.desc.Keys)
		}) {
			victims = append(victims, t)
			continue
		}
		claimed = append(claimed, t.desc.Keys)
	}
	return victims
}

// findFailingCriteria returns the first running task, in ascending priority
// order, which no longer meets its own running criteria and is stoppable.
func (s *Scheduler) findFailingCriteria(ctx context.Context, c *cycle) []*state {
	adjustable := c.adjustable()
	byPriority := append([]*state(nil), c.running...)
	sort.SliceStable(byPriority, func(i, j int) bool {
		return byPriority[i].desc.Priority < byPriority[j].desc.Priority
	})
	for _, t := range byPriority {
		ratio := s.stat.CoveredByProduction(t, toWindowTasks(adjustable), nil)
		power := s.stat.PowerUsedBy(t)
		observability.TaskCoverageRatio.WithLabelValues(t.handle.URI()).Set(ratio)
		meet, err := t.handle.MeetRunningCriteria(ctx, ratio, power)
		if err != nil {
			log.Printf("scheduler: skipping %s this cycle: %v", t.handle.URI(), err)
			continue
		}
		if !meet && stoppable(ctx, t) {
			log.Printf("scheduler: %s does not meet its running criteria (ratio=%.2f, %.2f kW)",
				t.name(ctx), ratio, power)
			return []*state{t}
		}
	}
	return nil
}

// findDiminishingAdjustable returns the lowest priority fixed-power running
// task whose priority is below the highest priority adjustable task: a
// fixed load should not deprive an auto adjusting load of headroom.
func (s *Scheduler) findDiminishingAdjustable(ctx context.Context, c *cycle) []*state {
	adjustable := c.adjustable()
	if len(c.running) <= 1 || len(adjustable) == 0 {
		return nil
	}
	minPriority := lo.MaxBy(adjustable, func(a, b *state) bool {
		return a.desc.Priority > b.desc.Priority
	}).desc.Priority
	for _, t := range c.running {
		if t.desc.AutoAdjust || t.desc.Priority >= minPriority {
			continue
		}
		if !stoppable(ctx, t) {
			continue
		}
		log.Printf("scheduler: %s prevents adjustable tasks to run to their full potential",
			t.name(ctx))
		return []*state{t}
	}
	return nil
}

// findLowerPriorityTasks returns the running tasks preventing a more
// important stopped task from running.
func (s *Scheduler) findLowerPriorityTasks(ctx context.Context, c *cycle) []*state {
	adjustable := c.adjustable()
	for _, t := range c.stopped {
		challengers := lo.Filter(c.running, func(r *state, _ int) bool {
			return task.Compare(t.desc, r.desc) > 0 && stoppable(ctx, r)
		})
		if len(challengers) == 0 {
			continue
		}
		minimum := lo.Filter(adjustable, func(a *state, _ int) bool {
			return !lo.Contains(challengers, a)
		})
		ratio := s.stat.AvailableFor(t, toWindowTasks(minimum), toWindowTasks(challengers))
		meet, err := t.handle.MeetRunningCriteria(ctx, ratio, 0)
		if err != nil || !meet {
			continue
		}
		log.Printf("scheduler: %d running task(s) preventing %s to run",
			len(challengers), t.name(ctx))
		return challengers
	}
	return nil
}

// electTask returns the most suitable stopped task to start, or nil.
func (s *Scheduler) electTask(ctx context.Context, c *cycle) *state {
	// The power consumption of tasks sharing a metering channel cannot be
	// attributed, they do not run simultaneously.
	eligible := lo.Filter(c.stopped, func(t *state, _ int) bool {
		return !lo.SomeBy(c.running, func(r *state) bool {
			return sharesChannel(r.desc.Keys, t.desc.Keys)
		})
	})
	for _, t := range eligible {
		ratio := s.stat.AvailableFor(t, toWindowTasks(c.running), toWindowTasks(eligible))
		var meanPriority float64
		if len(c.running) > 0 {
			for _, r := range c.running {
				meanPriority += float64(r.desc.Priority)
			}
			meanPriority /= float64(len(c.running))
		}
		meet, err := t.handle.MeetRunningCriteria(ctx, ratio, 0)
		if err != nil || !meet {
			continue
		}
		runnable, err := t.handle.IsRunnable(ctx)
		if err != nil || !runnable {
			continue
		}
		if float64(t.desc.Priority) >= meanPriority || t.desc.AutoAdjust {
			return t
		}
	}
	return nil
}

func toWindowTasks(states []*state) []window.Task {
	return lo.Map(states, func(t *state, _ int) window.Task { return t })
}

// Schedule is the main function, called on every cycle. It runs the
// eviction sweep then the admission sweep: rules are tried in fixed order
// and the eviction sweep stops after the first rule that acts; admissions
// are issued one at a time with recomputation in between.
func (s *Scheduler) Schedule(ctx context.Context) {
	if s.IsOnPause() {
		log.Printf("scheduler: on pause, task scheduling aborted")
		return
	}
	c := s.snapshot(ctx)
	observability.TasksRunning.Set(float64(len(c.running)))
	if len(c.tasks) == 0 {
		log.Printf("scheduler: no registered task")
		return
	}

	if len(c.running) > 0 {
		finders := []struct {
			rule string
			find func(context.Context, *cycle) []*state
		}{
			{"conflicting_keys", s.findConflictingPowerKeys},
			{"failing_criteria", s.findFailingCriteria},
			{"diminishing_adjustable", s.findDiminishingAdjustable},
			{"preemption", s.findLowerPriorityTasks},
		}
		for _, finder := range finders {
			victims := finder.find(ctx, c)
			if len(victims) == 0 {
				continue
			}
			for _, victim := range victims {
				s.stop(ctx, victim, finder.rule)
				c.evict(victim)
			}
			break
		}
	}

	for {
		elected := s.electTask(ctx, c)
		if elected == nil {
			break
		}
		log.Printf("scheduler: starting %s", elected.name(ctx))
		if err := elected.handle.Start(ctx); err != nil {
			log.Printf("scheduler: start %s failed: %v", elected.handle.URI(), err)
		}
		observability.SchedulerDecisions.WithLabelValues("start", "admission").Inc()
		c.admit(elected)
	}
}

// stop issues the stop call to a victim, only if it declares itself
// stoppable.
func (s *Scheduler) stop(ctx context.Context, victim *state, rule string) {
	if !stoppable(ctx, victim) {
		return
	}
	log.Printf("scheduler: stopping %s", victim.name(ctx))
	if err := victim.handle.Stop(ctx); err != nil {
		log.Printf("scheduler: stop %s failed: %v", victim.handle.URI(), err)
	}
	observability.SchedulerDecisions.WithLabelValues("stop", rule).Inc()
}
