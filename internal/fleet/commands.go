package fleet

import (
	"errors"

	"github.com/rs/zerolog/log"

	"annopipe/internal/pipeline"
	"annopipe/internal/tree"
)

// markInvalidInput records why the task cannot run in the upload stage's
// protocol, so the rejection reason is visible next to the task.
func markInvalidInput(t *pipeline.Task, cause error) {
	upload := t.UploadOperation()
	if upload == nil {
		return
	}
	if round, err := upload.LatestRound(); err == nil {
		round.AppendProtocol(cause.Error())
	}
}

// Submit creates a task from the pipeline template and inserts it at the
// tree root (or under folderID). An unsupported input format does not
// reject the submission: the task enters the tree marked invalid, stays
// visible and is excluded from admission.
func (f *Fleet) Submit(folderID int64, files []pipeline.InputFile) (*pipeline.Task, error) {
	verr := f.validateFiles(files)
	if errors.Is(verr, ErrNoFiles) {
		return nil, verr
	}
	f.mu.Lock()
	counter := f.tree.Counter()
	t := pipeline.NewTask(counter.Next(), files, pipeline.Materialize(f.opts.Pipeline, counter), f.now())
	if verr != nil {
		t.Invalid = true
		markInvalidInput(t, verr)
	}
	if err := f.tree.Insert(folderID, t); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.stats = Recompute(f.tree)
	f.mu.Unlock()

	f.persist(t)
	f.admit()
	return t, nil
}

// SubmitFolder mirrors a dropped directory: one folder node containing a
// task per file group. Groups with unsupported input become invalid
// tasks inside the folder rather than failing the whole submission.
func (f *Fleet) SubmitFolder(path string, groups [][]pipeline.InputFile) (*tree.Folder, error) {
	for _, files := range groups {
		if len(files) == 0 {
			return nil, ErrNoFiles
		}
	}
	f.mu.Lock()
	counter := f.tree.Counter()
	folder := &tree.Folder{ID: counter.Next(), Path: path}
	for _, files := range groups {
		t := pipeline.NewTask(counter.Next(), files, pipeline.Materialize(f.opts.Pipeline, counter), f.now())
		if verr := f.validateFiles(files); verr != nil {
			t.Invalid = true
			markInvalidInput(t, verr)
		}
		t.DirectoryID = folder.ID
		folder.Entries = append(folder.Entries, t)
	}
	if err := f.tree.Insert(0, folder); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.stats = Recompute(f.tree)
	tasks := make([]*pipeline.Task, 0, len(folder.Entries))
	for _, entry := range folder.Entries {
		tasks = append(tasks, entry.(*pipeline.Task))
	}
	f.mu.Unlock()

	f.persistFolder(folder)
	for _, t := range tasks {
		f.persist(t)
	}
	f.admit()
	return folder, nil
}

// StartFleet enables admission, clears advisory stop flags and pulls in
// as many eligible tasks as the concurrency cap allows.
func (f *Fleet) StartFleet() {
	f.mu.Lock()
	f.active = true
	for _, t := range f.tree.Tasks() {
		t.Stop = false
	}
	f.mu.Unlock()
	log.Info().Msg("fleet started")
	f.admit()
}

// StopFleet disables admission and requests every unfinished task to
// stop. Stages already in flight run to completion; the stop flag is
// only honored between stages.
func (f *Fleet) StopFleet() {
	f.mu.Lock()
	f.active = false
	for _, t := range f.tree.Tasks() {
		if t.Status() != pipeline.StatusFinished {
			t.Stop = true
		}
	}
	f.stats = Recompute(f.tree)
	f.mu.Unlock()
	log.Info().Msg("fleet stopped")
}

// Active reports whether admission is running.
func (f *Fleet) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// RestartFailedOperation reopens the errored stage of a task: the closed
// round is forced to READY, a fresh round is appended (earlier rounds
// stay intact for audit) and the task re-enters admission as pending.
func (f *Fleet) RestartFailedOperation(taskID int64) error {
	f.mu.Lock()
	t, ok := f.tree.Task(taskID)
	if !ok {
		f.mu.Unlock()
		return ErrTaskNotFound
	}
	var failed *pipeline.Operation
	for _, op := range t.Operations {
		if op.Enabled && op.Status() == pipeline.StatusError {
			failed = op
			break
		}
	}
	if failed == nil {
		f.mu.Unlock()
		return ErrNotFailed
	}
	round, err := failed.LatestRound()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	round.Status = pipeline.StatusReady
	failed.OpenNewRound()
	f.stats = Recompute(f.tree)
	f.mu.Unlock()

	log.Info().Int64("task_id", taskID).Str("stage", failed.Name).Msg("failed stage restarted")
	f.persist(t)
	f.admit()
	return nil
}

// SetOperationEnabled toggles the named stage on every task of the
// fleet, applying the neighboring-stage rule table so no pipeline ends
// up without a runnable stage.
func (f *Fleet) SetOperationEnabled(name string, enabled bool) {
	f.mu.Lock()
	tree.ApplyWhere(f.tree.Entries(), tree.IsTask, func(e tree.Entry) tree.Entry {
		pipeline.SetOperationEnabled(e.(*pipeline.Task), f.opts.EnableRules, name, enabled)
		return e
	}, nil)
	f.stats = Recompute(f.tree)
	tasks := f.tree.Tasks()
	f.mu.Unlock()

	for _, t := range tasks {
		f.persist(t)
	}
	f.admit()
}

// RemoveItems deletes tasks and folders (whole subtrees) by id, applying
// the folder collapse invariant, and recomputes the counters.
func (f *Fleet) RemoveItems(ids ...int64) {
	f.mu.Lock()
	removed := f.tree.Remove(ids...)
	var removedIDs []int64
	for _, entry := range removed {
		for _, e := range tree.FindAllWhere([]tree.Entry{entry}, func(tree.Entry) bool { return true }) {
			removedIDs = append(removedIDs, e.EntryID())
			if t, ok := e.(*pipeline.Task); ok {
				for _, op := range t.Operations {
					delete(f.handoffs, op.ID)
				}
			}
		}
	}
	f.stats = Recompute(f.tree)
	f.mu.Unlock()

	if f.store != nil && len(removedIDs) > 0 {
		if err := f.store.DeleteEntries(f.baseCtx, removedIDs); err != nil {
			log.Warn().Ints64("ids", removedIDs).Err(err).Msg("delete entries failed")
		}
	}
	f.admit()
}

// SelectItems marks the given entries as selected; selecting a folder
// propagates to every task below it.
func (f *Fleet) SelectItems(selected bool, ids ...int64) {
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	f.mu.Lock()
	tree.ApplyWithIDs(f.tree.Entries(), idSet, func(e tree.Entry) tree.Entry {
		tree.ApplyWhere([]tree.Entry{e}, tree.IsTask, func(inner tree.Entry) tree.Entry {
			inner.(*pipeline.Task).Selected = selected
			return inner
		}, nil)
		return e
	}, nil)
	f.mu.Unlock()
}
