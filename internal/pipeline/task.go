package pipeline

import "time"

// Task is one input item flowing through the pipeline: its files plus a
// fixed, ordered list of operations created from the fleet's pipeline
// template. Task status is always derived from the operations' current
// rounds, never set independently.
type Task struct {
	ID          int64        `json:"id"`
	Files       []InputFile  `json:"files"`
	Operations  []*Operation `json:"operations"`
	DirectoryID int64        `json:"directory_id,omitempty"`
	Selected    bool         `json:"selected"`
	Stop        bool         `json:"stop_requested"`
	Invalid     bool         `json:"invalid"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewTask creates a task owning the given operations and wires their
// back-references.
func NewTask(id int64, files []InputFile, operations []*Operation, now time.Time) *Task {
	t := &Task{
		ID:         id,
		Files:      files,
		Operations: operations,
		CreatedAt:  now,
	}
	for _, op := range operations {
		op.task = t
	}
	return t
}

// EntryID implements the tree entry contract.
func (t *Task) EntryID() int64 { return t.ID }

// Operation returns the stage with the given name, or nil.
func (t *Task) Operation(name string) *Operation {
	for _, op := range t.Operations {
		if op.Name == name {
			return op
		}
	}
	return nil
}

// OperationByID returns the stage with the given id, or nil.
func (t *Task) OperationByID(id int64) *Operation {
	for _, op := range t.Operations {
		if op.ID == id {
			return op
		}
	}
	return nil
}

// OperationIndex returns the position of op in the pipeline, or -1.
func (t *Task) OperationIndex(op *Operation) int {
	for i, candidate := range t.Operations {
		if candidate == op {
			return i
		}
	}
	return -1
}

// UploadOperation returns the first stage, which is the upload stage by
// pipeline convention, or nil for a task without operations.
func (t *Task) UploadOperation() *Operation {
	if len(t.Operations) == 0 {
		return nil
	}
	return t.Operations[0]
}

// NeedsReupload reports whether the upload stage has fallen back to a
// pending round, meaning the task's input must be re-sent before any
// later stage can use it.
func (t *Task) NeedsReupload() bool {
	upload := t.UploadOperation()
	if upload == nil || !upload.Enabled {
		return false
	}
	return len(upload.Rounds) > 1 && upload.Status() == StatusPending
}

// Status derives the task status from its operations' current rounds.
// Priority order, first match wins: ERROR, READY, PENDING (a pending
// upload always forces PENDING, taking precedence over downstream
// completeness), then FINISHED when every enabled stage is finished or
// skipped. A task with no runnable evidence yet is QUEUED.
func (t *Task) Status() TaskStatus {
	if t.Invalid {
		return StatusError
	}
	if len(t.Operations) == 0 {
		return StatusInactive
	}

	allClosed := true
	anyActive := false
	anyPending := false
	for _, op := range t.Operations {
		if !op.Enabled {
			continue
		}
		switch op.Status() {
		case StatusError:
			return StatusError
		case StatusReady:
			return StatusReady
		case StatusProcessing, StatusUploading:
			anyActive = true
			allClosed = false
		case StatusPending:
			anyPending = true
			allClosed = false
		case StatusQueued, StatusInactive:
			allClosed = false
		}
	}

	if t.NeedsReupload() {
		return StatusPending
	}
	if anyActive {
		upload := t.UploadOperation()
		if upload != nil && upload.Status() == StatusUploading {
			return StatusUploading
		}
		return StatusProcessing
	}
	if allClosed {
		return StatusFinished
	}
	if anyPending {
		if !t.started() {
			return StatusQueued
		}
		return StatusPending
	}
	return StatusQueued
}

// started reports whether any round of any operation has left its
// initial pending state.
func (t *Task) started() bool {
	for _, op := range t.Operations {
		for _, round := range op.Rounds {
			if round.Status != StatusPending {
				return true
			}
		}
	}
	return false
}
