package fleet

import (
	"github.com/rs/zerolog/log"

	"annopipe/internal/pipeline"
)

// The scheduler is event-driven rather than polling: admit runs
// synchronously whenever capacity may have freed up (a stage completed,
// a task was submitted or restarted, the fleet was started).

// admit starts eligible tasks until the running count reaches the cap.
func (f *Fleet) admit() {
	f.mu.Lock()
	effects := f.admitLocked()
	f.mu.Unlock()
	f.runEffects(effects)
}

func (f *Fleet) admitLocked() []effect {
	if !f.active {
		return nil
	}
	var effects []effect
	var last *pipeline.Task
	for f.runningCountLocked() < f.opts.MaxRunningTasks {
		next := f.nextEligibleLocked()
		if next == nil || next == last {
			// no candidate, or the last advance made no progress
			break
		}
		last = next
		log.Info().Int64("task_id", next.ID).Msg("task admitted")
		effects = append(effects, f.advanceLocked(next)...)
	}
	return effects
}

func (f *Fleet) runningCountLocked() int {
	count := 0
	for _, t := range f.tree.Tasks() {
		if t.Status().Running() {
			count++
		}
	}
	return count
}

// nextEligibleLocked scans the tree in traversal order and returns the
// first task that may start: pending or queued with usable input, or
// ready with a non-interactive next stage. No fairness beyond traversal
// order is guaranteed.
func (f *Fleet) nextEligibleLocked() *pipeline.Task {
	for _, t := range f.tree.Tasks() {
		if t.Invalid || t.Stop {
			continue
		}
		switch t.Status() {
		case pipeline.StatusPending, pipeline.StatusQueued:
			if hasUsableInput(t) {
				return t
			}
		case pipeline.StatusReady:
			if op := nextRunnable(t); op != nil && op.Kind != pipeline.KindTool {
				return t
			}
		}
	}
	return nil
}

func hasUsableInput(t *pipeline.Task) bool {
	if len(t.Files) == 0 {
		return false
	}
	primary := t.Files[0]
	return primary.Available || primary.URL != ""
}

// nextRunnable returns the first enabled operation that is neither
// finished nor skipped, mirroring the driver's scan without mutating.
func nextRunnable(t *pipeline.Task) *pipeline.Operation {
	for _, op := range t.Operations {
		if !op.Enabled {
			continue
		}
		switch op.Status() {
		case pipeline.StatusFinished, pipeline.StatusSkipped:
			continue
		default:
			return op
		}
	}
	return nil
}
