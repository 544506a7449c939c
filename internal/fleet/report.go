package fleet

import (
	"time"

	"github.com/ankittk/lanekeeper/internal/agent"
	"github.com/ankittk/lanekeeper/internal/traffic"
)

// Report is a fleet performance summary.
type Report struct {
	GeneratedAt   time.Time        `json:"generated_at"`
	Paused        bool             `json:"paused"`
	Agents        []agent.Snapshot `json:"agents"`
	Tasks         map[Status]int   `json:"tasks"`
	Distance      float64          `json:"distance"`
	WaitTime      time.Duration    `json:"wait_time"`
	Replans       int              `json:"replans"`
	ForcedReplans int              `json:"forced_replans"`
	Charges       int              `json:"charges"`
	Reservations  traffic.Stats    `json:"reservations"`
}

// Report aggregates per-agent counters, task outcomes and reservation stats.
func (c *Coordinator) Report() Report {
	c.mu.Lock()
	tasks := make(map[Status]int)
	for _, t := range c.tasks {
		tasks[t.Status]++
	}
	for _, t := range c.done {
		tasks[t.Status]++
	}
	paused := c.paused
	c.mu.Unlock()

	r := Report{
		GeneratedAt:  time.Now().UTC(),
		Paused:       paused,
		Tasks:        tasks,
		Reservations: c.traffic.Stats(),
	}
	for _, w := range c.workers() {
		snap := w.agent.Snapshot()
		r.Agents = append(r.Agents, snap)
		r.Distance += snap.Stats.Distance
		r.WaitTime += snap.Stats.WaitTime
		r.Replans += snap.Stats.Replans
		r.ForcedReplans += snap.Stats.ForcedReplans
		r.Charges += snap.Stats.Charges
	}
	return r
}

// Completed is the number of tasks that reached their destination.
func (r Report) Completed() int { return r.Tasks[StatusCompleted] }
