package fleet

import (
	"annopipe/internal/pipeline"
	"annopipe/internal/tree"
)

// Stats are the fleet-wide task counters shown in the overview table.
type Stats struct {
	Queued   int `json:"queued"`
	Waiting  int `json:"waiting"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Errors   int `json:"errors"`
}

// Recompute counts task statuses in one pass over the tree. It is
// invoked by the driver after every status-affecting mutation; it keeps
// no incremental state of its own.
func Recompute(t *tree.Tree) Stats {
	var s Stats
	for _, entry := range tree.FindAllWhere(t.Entries(), tree.IsTask) {
		switch entry.(*pipeline.Task).Status() {
		case pipeline.StatusQueued, pipeline.StatusInactive:
			s.Queued++
		case pipeline.StatusPending, pipeline.StatusReady:
			s.Waiting++
		case pipeline.StatusProcessing, pipeline.StatusUploading:
			s.Running++
		case pipeline.StatusFinished, pipeline.StatusSkipped:
			s.Finished++
		case pipeline.StatusError:
			s.Errors++
		}
	}
	return s
}

// Stats returns the counters computed after the last mutation.
func (f *Fleet) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
