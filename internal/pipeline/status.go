package pipeline

// TaskStatus describes the lifecycle state of a task, an operation's
// current round, or the task fleet as a whole.
type TaskStatus string

const (
	StatusInactive   TaskStatus = "inactive"
	StatusQueued     TaskStatus = "queued"
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusUploading  TaskStatus = "uploading"
	StatusReady      TaskStatus = "ready"
	StatusSkipped    TaskStatus = "skipped"
	StatusFinished   TaskStatus = "finished"
	StatusError      TaskStatus = "error"
)

// Running reports whether the status counts against the concurrency cap.
func (s TaskStatus) Running() bool {
	return s == StatusProcessing || s == StatusUploading
}

// Closed reports whether a round with this status accepts no further
// activity; any retry must open a new round.
func (s TaskStatus) Closed() bool {
	switch s {
	case StatusFinished, StatusError, StatusReady:
		return true
	default:
		return false
	}
}
