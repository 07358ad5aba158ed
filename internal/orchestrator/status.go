package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/progress"
)

// Status is a point-in-time view of a job for operators.
type Status struct {
	JobID           string                `json:"job_id"`
	Phase           crawler.Phase         `json:"phase"`
	Batch           int                   `json:"batch"`
	Running         bool                  `json:"running"`
	Paused          bool                  `json:"paused"`
	HistoricalRatio float64               `json:"historical_ratio"`
	Pending         int                   `json:"pending"`
	Held            int                   `json:"held"`
	Signatures      int                   `json:"signatures"`
	Stats           crawler.StatsSnapshot `json:"stats"`
	Hosts           []crawler.HostState   `json:"hosts,omitempty"`
	Filtered        map[string]int        `json:"filtered,omitempty"`
	NextHubRefresh  time.Time             `json:"next_hub_refresh"`
	LastBatch       *crawler.ExitSummary  `json:"last_batch,omitempty"`
	Exit            *crawler.ExitSummary  `json:"exit,omitempty"`
}

// Status reports the job's current state. Stats include the batch in
// progress.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		JobID:           o.cfg.JobID,
		Phase:           o.phase,
		Batch:           o.batch,
		Running:         o.running,
		HistoricalRatio: o.ratio,
		Signatures:      o.delta.len(),
		Stats:           o.totals,
		NextHubRefresh:  o.nextRefresh,
		LastBatch:       o.lastBatch,
		Exit:            o.exit,
	}
	current := o.current
	o.mu.Unlock()

	if current != nil {
		st.Stats = st.Stats.Add(current.Snapshot())
	}
	st.Paused = o.gate.Paused()
	st.Pending = o.cfg.Frontier.Len()
	st.Held = o.cfg.Frontier.Held()
	st.Filtered = o.cfg.Frontier.Filtered()
	var hosts []crawler.HostState
	if o.cfg.Throttle != nil {
		hosts = o.cfg.Throttle.Snapshot()
	}
	if o.cfg.Retry != nil {
		hosts = o.cfg.Retry.Annotate(hosts)
	}
	st.Hosts = hosts
	return st
}

// JobID returns the job identifier.
func (o *Orchestrator) JobID() string {
	return o.cfg.JobID
}

// Pause stops new dispatch after in-flight fetches finish and holds the
// phase loop. It reports whether the job was running unpaused.
func (o *Orchestrator) Pause() bool {
	if !o.gate.Pause() {
		return false
	}
	phase := o.currentPhase()
	o.cfg.Reporter.Info(progress.TypePause, map[string]any{progress.KeyPhase: string(phase)})
	o.logger.Info("job paused", zap.String("phase", string(phase)))
	return true
}

// Resume reopens the gate. It reports whether the job was paused.
func (o *Orchestrator) Resume() bool {
	if !o.gate.Resume() {
		return false
	}
	phase := o.currentPhase()
	o.cfg.Reporter.Info(progress.TypeResume, map[string]any{progress.KeyPhase: string(phase)})
	o.logger.Info("job resumed", zap.String("phase", string(phase)))
	return true
}

// Stop aborts the job. Started fetches still complete; Run then returns an
// abort-requested summary. Stop before Run makes Run abort immediately.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.logger.Info("stop requested", zap.String("job_id", o.cfg.JobID))
}

func (o *Orchestrator) currentPhase() crawler.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}
