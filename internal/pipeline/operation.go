package pipeline

// OperationKind distinguishes how a stage is driven.
type OperationKind string

const (
	// KindStandard stages run an automatic remote call and report back.
	KindStandard OperationKind = "standard"
	// KindUpload stages behave like standard ones but show UPLOADING
	// instead of PROCESSING while active.
	KindUpload OperationKind = "upload"
	// KindTool stages hand control to an external interactive
	// application and wait for its completion event.
	KindTool OperationKind = "tool"
)

// StageOptions carries stage-specific provider settings.
type StageOptions struct {
	Language    string `json:"language,omitempty" yaml:"language,omitempty"`
	Diarization bool   `json:"diarization,omitempty" yaml:"diarization,omitempty"`
	WordLimit   int    `json:"word_limit,omitempty" yaml:"word_limit,omitempty"`
	ToolURL     string `json:"tool_url,omitempty" yaml:"tool_url,omitempty"`
}

// Operation is one named stage of a task's pipeline. A task exclusively
// owns its operations; the back-reference to the task is only used to
// look up siblings and is never serialized.
type Operation struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Kind     OperationKind `json:"kind"`
	Enabled  bool          `json:"enabled"`
	Provider string        `json:"provider,omitempty"`
	Options  StageOptions  `json:"options"`
	Rounds   []*Round      `json:"rounds"`

	task *Task
}

// NewOperation creates an operation with a single pending round. The
// rounds ledger is never empty after construction.
func NewOperation(id int64, name string, kind OperationKind) *Operation {
	return &Operation{
		ID:      id,
		Name:    name,
		Kind:    kind,
		Enabled: true,
		Rounds:  []*Round{NewRound()},
	}
}

// Task returns the owning task, or nil for a detached operation.
func (o *Operation) Task() *Task { return o.task }

// LatestRound returns the current (last) round of the ledger. An empty
// ledger is a programming defect and reported as ErrEmptyLedger.
func (o *Operation) LatestRound() (*Round, error) {
	if len(o.Rounds) == 0 {
		return nil, ErrEmptyLedger
	}
	return o.Rounds[len(o.Rounds)-1], nil
}

// Status is the status of the current round, defaulting to PENDING when
// no round exists yet.
func (o *Operation) Status() TaskStatus {
	round, err := o.LatestRound()
	if err != nil {
		return StatusPending
	}
	return round.Status
}

// OpenNewRound appends a fresh pending round and returns it. Used when a
// finished stage is restarted or a tool hand-off invalidates downstream
// results.
func (o *Operation) OpenNewRound() *Round {
	round := NewRound()
	o.Rounds = append(o.Rounds, round)
	return round
}

// Skip closes the current round as SKIPPED. Called by the driver when it
// passes over a disabled stage.
func (o *Operation) Skip() {
	round, err := o.LatestRound()
	if err != nil || round.Status.Closed() || round.Status == StatusSkipped {
		return
	}
	round.Status = StatusSkipped
}
