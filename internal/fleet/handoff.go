package fleet

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"annopipe/internal/pipeline"
)

// Handoff is the published contract between a parked tool stage and the
// external interactive application. The tool reports back exactly once
// through CompleteHandoff.
type Handoff struct {
	Token       string `json:"token"`
	TaskID      int64  `json:"task_id"`
	OperationID int64  `json:"operation_id"`
	ToolURL     string `json:"tool_url"`
	AudioFile   string `json:"audio_file"`
	Language    string `json:"language"`
}

// publishHandoff records the hand-off for a tool stage that just went
// READY. The driver does not touch the operation again until the tool
// reports completion.
func (f *Fleet) publishHandoff(t *pipeline.Task, op *pipeline.Operation) {
	audio := ""
	if len(t.Files) > 0 {
		audio = t.Files[0].URL
		if audio == "" {
			audio = t.Files[0].Name
		}
	}
	record := &Handoff{
		Token:       uuid.NewString(),
		TaskID:      t.ID,
		OperationID: op.ID,
		ToolURL:     op.Options.ToolURL,
		AudioFile:   audio,
		Language:    op.Options.Language,
	}
	f.mu.Lock()
	f.handoffs[op.ID] = record
	f.mu.Unlock()
	log.Info().
		Int64("task_id", t.ID).
		Int64("operation_id", op.ID).
		Str("tool_url", record.ToolURL).
		Msg("tool hand-off published")
}

// PendingHandoffs returns the currently published hand-off records.
func (f *Fleet) PendingHandoffs() []Handoff {
	f.mu.Lock()
	defer f.mu.Unlock()
	records := make([]Handoff, 0, len(f.handoffs))
	for _, h := range f.handoffs {
		records = append(records, *h)
	}
	return records
}

// CompleteHandoff consumes the tool's single completion event. On
// success the parked round is closed with the produced results and every
// downstream enabled operation that already ran gets a fresh round, its
// prior output now being stale; the task then re-enters admission so
// resuming never bypasses the concurrency cap or a stopped fleet. A
// reported tool error closes the round as errored, halting the task like
// any other stage failure.
func (f *Fleet) CompleteHandoff(operationID int64, results []pipeline.ResultFile, errMsg string) error {
	f.mu.Lock()
	var task *pipeline.Task
	var op *pipeline.Operation
	for _, t := range f.tree.Tasks() {
		if candidate := t.OperationByID(operationID); candidate != nil {
			task, op = t, candidate
			break
		}
	}
	if op == nil {
		f.mu.Unlock()
		return ErrOperationNotFound
	}
	round, err := op.LatestRound()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if round.Status != pipeline.StatusReady {
		f.mu.Unlock()
		return ErrHandoffNotOpen
	}
	delete(f.handoffs, operationID)

	var effects []effect
	if errMsg != "" {
		round.AppendProtocol(errMsg)
		_ = round.Close(pipeline.StatusError, f.now())
		log.Warn().Int64("task_id", task.ID).Str("stage", op.Name).Str("reason", errMsg).Msg("tool reported failure")
		effects = []effect{{kind: effPersist, task: task}, {kind: effStats}, {kind: effAdmit}}
	} else {
		round.Results = append(round.Results, results...)
		_ = round.Close(pipeline.StatusFinished, f.now())
		log.Info().Int64("task_id", task.ID).Str("stage", op.Name).Msg("tool completed")
		f.invalidateDownstreamLocked(task, op)
		effects = []effect{{kind: effPersist, task: task}, {kind: effStats}, {kind: effAdmit}}
	}
	f.mu.Unlock()
	f.runEffects(effects)
	return nil
}

// invalidateDownstreamLocked opens a new round on every enabled
// downstream operation whose current round already holds output or is in
// flight.
func (f *Fleet) invalidateDownstreamLocked(t *pipeline.Task, after *pipeline.Operation) {
	idx := t.OperationIndex(after)
	if idx < 0 {
		return
	}
	for _, op := range t.Operations[idx+1:] {
		if !op.Enabled {
			continue
		}
		switch op.Status() {
		case pipeline.StatusFinished, pipeline.StatusError, pipeline.StatusProcessing, pipeline.StatusUploading:
			op.OpenNewRound()
		}
	}
}
