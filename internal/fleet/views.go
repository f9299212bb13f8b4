package fleet

import (
	"annopipe/internal/pipeline"
	"annopipe/internal/tree"
)

// Read models exposed to the UI layer. They are plain snapshots built
// under the fleet mutex; handing them out never leaks mutable state.

type RoundView struct {
	Status     pipeline.TaskStatus   `json:"status"`
	Results    []pipeline.ResultFile `json:"results"`
	Protocol   string                `json:"protocol"`
	DurationMS int64                 `json:"duration_ms,omitempty"`
}

type OperationView struct {
	ID       int64                  `json:"id"`
	Name     string                 `json:"name"`
	Kind     pipeline.OperationKind `json:"kind"`
	Enabled  bool                   `json:"enabled"`
	Status   pipeline.TaskStatus    `json:"status"`
	Rounds   []RoundView            `json:"rounds"`
	Provider string                 `json:"provider,omitempty"`
}

type TaskView struct {
	ID         int64                `json:"id"`
	Status     pipeline.TaskStatus  `json:"status"`
	Selected   bool                 `json:"selected"`
	Invalid    bool                 `json:"invalid,omitempty"`
	Files      []pipeline.InputFile `json:"files"`
	Operations []OperationView      `json:"operations"`
}

type EntryView struct {
	Kind    string      `json:"kind"`
	Task    *TaskView   `json:"task,omitempty"`
	ID      int64       `json:"id,omitempty"`
	Path    string      `json:"path,omitempty"`
	Entries []EntryView `json:"entries,omitempty"`
}

// Snapshot renders the whole tree in traversal order.
func (f *Fleet) Snapshot() []EntryView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return viewEntries(f.tree.Entries())
}

// TaskSnapshot renders a single task, reporting whether it exists.
func (f *Fleet) TaskSnapshot(id int64) (TaskView, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tree.Task(id)
	if !ok {
		return TaskView{}, false
	}
	return viewTask(t), true
}

// CloneTask returns a deep copy of the task safe to read outside the
// fleet mutex, e.g. while assembling a download bundle.
func (f *Fleet) CloneTask(id int64) (*pipeline.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tree.Task(id)
	if !ok {
		return nil, false
	}
	operations := make([]*pipeline.Operation, 0, len(t.Operations))
	for _, op := range t.Operations {
		clone := *op
		clone.Rounds = make([]*pipeline.Round, 0, len(op.Rounds))
		for _, round := range op.Rounds {
			r := *round
			r.Results = append([]pipeline.ResultFile(nil), round.Results...)
			clone.Rounds = append(clone.Rounds, &r)
		}
		operations = append(operations, &clone)
	}
	copied := pipeline.NewTask(t.ID, append([]pipeline.InputFile(nil), t.Files...), operations, t.CreatedAt)
	copied.DirectoryID = t.DirectoryID
	copied.Selected = t.Selected
	copied.Invalid = t.Invalid
	return copied, true
}

func viewEntries(entries []tree.Entry) []EntryView {
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		switch node := entry.(type) {
		case *pipeline.Task:
			tv := viewTask(node)
			views = append(views, EntryView{Kind: "task", Task: &tv})
		case *tree.Folder:
			views = append(views, EntryView{
				Kind:    "folder",
				ID:      node.ID,
				Path:    node.Path,
				Entries: viewEntries(node.Entries),
			})
		}
	}
	return views
}

func viewTask(t *pipeline.Task) TaskView {
	operations := make([]OperationView, 0, len(t.Operations))
	for _, op := range t.Operations {
		rounds := make([]RoundView, 0, len(op.Rounds))
		for _, round := range op.Rounds {
			rounds = append(rounds, RoundView{
				Status:     round.Status,
				Results:    append([]pipeline.ResultFile(nil), round.Results...),
				Protocol:   round.Protocol,
				DurationMS: round.DurationMS,
			})
		}
		operations = append(operations, OperationView{
			ID:       op.ID,
			Name:     op.Name,
			Kind:     op.Kind,
			Enabled:  op.Enabled,
			Status:   op.Status(),
			Rounds:   rounds,
			Provider: op.Provider,
		})
	}
	return TaskView{
		ID:         t.ID,
		Status:     t.Status(),
		Selected:   t.Selected,
		Invalid:    t.Invalid,
		Files:      append([]pipeline.InputFile(nil), t.Files...),
		Operations: operations,
	}
}
