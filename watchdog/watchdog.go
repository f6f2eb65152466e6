// Package watchdog implements the liveness service the scheduler and tasks
// heartbeat each cycle, and the client proxy they do it through.
//
// Processes register themselves with a PID and a name. Once registered, a
// process that does not kick its timer within its timeout is killed so that
// supervision can restart it.
package watchdog

import (
	"fmt"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/kmoreau/homeflux/monitor"
	"github.com/kmoreau/homeflux/observability"
)

// DefaultTimeout is used when a process registers without a timeout.
const DefaultTimeout = 3 * time.Minute

// Process is one monitored process.
type Process struct {
	Name     string
	PID      int
	Timeout  time.Duration
	deadline time.Time
}

func (p *Process) String() string {
	return fmt.Sprintf("%s[%d]", p.Name, p.PID)
}

func (p *Process) expired() bool {
	return time.Now().After(p.deadline)
}

func (p *Process) alive() bool {
	// Signal 0 probes for existence without delivering anything.
	return syscall.Kill(p.PID, 0) == nil
}

// Watchdog tracks registered processes and kills the hung ones.
type Watchdog struct {
	mu        sync.Mutex
	processes map[int]*Process
	monitor   *monitor.Client
}

// New returns a watchdog reporting health facts to the monitor.
func New(mon *monitor.Client) *Watchdog {
	return &Watchdog{
		processes: make(map[int]*Process),
		monitor:   mon,
	}
}

// Register adds a process to the list of monitored processes. Registering
// an already known PID is a no-op.
func (w *Watchdog) Register(pid int, name string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.processes[pid]; ok {
		return
	}
	process := &Process{Name: name, PID: pid, Timeout: timeout,
		deadline: time.Now().Add(timeout)}
	w.processes[pid] = process
	observability.WatchdogProcesses.Set(float64(len(w.processes)))
	log.Printf("watchdog: start monitoring %s", process)
}

// Unregister removes a process.
func (w *Watchdog) Unregister(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if process, ok := w.processes[pid]; ok {
		log.Printf("watchdog: stop monitoring %s", process)
		delete(w.processes, pid)
		observability.WatchdogProcesses.Set(float64(len(w.processes)))
	}
}

// Kick resets the watchdog timer of a process.
func (w *Watchdog) Kick(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if process, ok := w.processes[pid]; ok {
		process.deadline = time.Now().Add(process.Timeout)
	}
}

// Desc lists the monitored processes.
func (w *Watchdog) Desc() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, process := range w.processes {
		out = append(out, process.String())
	}
	return out
}

// Monitor verifies the monitored processes and reports their liveness. A
// process that no longer exists is removed from the table.
func (w *Watchdog) Monitor() {
	w.mu.Lock()
	processes := make([]*Process, 0, len(w.processes))
	for _, process := range w.processes {
		processes = append(processes, process)
	}
	w.mu.Unlock()

	for _, process := range processes {
		alive := process.alive()
		w.monitor.Track("process "+process.Name, alive)
		if !alive {
			log.Printf("watchdog: process %s does not exist anymore", process)
			w.Unregister(process.PID)
		}
	}
}

// KillHungProcesses kills the processes which have not reset their timer in
// time, SIGTERM first, SIGKILL if they linger.
func (w *Watchdog) KillHungProcesses() {
	w.mu.Lock()
	var hung []*Process
	for _, process := range w.processes {
		if process.expired() {
			hung = append(hung, process)
		}
	}
	w.mu.Unlock()

	for _, process := range hung {
		log.Printf("watchdog: killing hung process %s", process)
		syscall.Kill(process.PID, syscall.SIGTERM)
		for i := 0; i < 3; i++ {
			if !process.alive() {
				break
			}
			time.Sleep(time.Second)
		}
		if process.alive() {
			syscall.Kill(process.PID, syscall.SIGKILL)
		}
		observability.WatchdogKills.Inc()
		w.Unregister(process.PID)
	}
}
