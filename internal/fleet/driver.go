package fleet

import (
	"github.com/rs/zerolog/log"

	"annopipe/internal/pipeline"
	"annopipe/internal/remote"
)

// The driver is written as explicit transition functions that mutate the
// model under the fleet mutex and return a list of effects. Effects with
// side effects (stage calls, persistence, admission) are performed by
// runEffects after the mutation settled, so the state machine itself is
// testable without any asynchronous runtime.

type effectKind int

const (
	effStartStage effectKind = iota
	effPublishHandoff
	effPersist
	effStats
	effAdmit
)

type effect struct {
	kind  effectKind
	task  *pipeline.Task
	op    *pipeline.Operation
	round *pipeline.Round
}

// advanceLocked moves the task to its next runnable operation. Disabled
// stages are skipped as they are passed over; a tool stage parks the
// task in READY; running out of stages finishes the task. Requires the
// fleet mutex.
func (f *Fleet) advanceLocked(t *pipeline.Task) []effect {
	if t.Invalid {
		return nil
	}
	if t.Stop {
		// advisory stop: halt before starting the next stage
		return []effect{{kind: effPersist, task: t}, {kind: effStats}, {kind: effAdmit}}
	}

	for _, op := range t.Operations {
		if !op.Enabled {
			op.Skip()
			continue
		}
		switch op.Status() {
		case pipeline.StatusFinished, pipeline.StatusSkipped:
			continue
		case pipeline.StatusError:
			// halted until externally restarted
			return []effect{{kind: effPersist, task: t}, {kind: effStats}, {kind: effAdmit}}
		case pipeline.StatusReady:
			// waiting on an external tool, nothing to drive
			return nil
		case pipeline.StatusProcessing, pipeline.StatusUploading:
			// stage already in flight
			return nil
		default:
			return f.beginStageLocked(t, op)
		}
	}

	log.Info().Int64("task_id", t.ID).Msg("task finished")
	return []effect{{kind: effPersist, task: t}, {kind: effStats}, {kind: effAdmit}}
}

// beginStageLocked starts one operation: tool stages flip to READY and
// publish a hand-off, automatic stages go active and schedule the remote
// call.
func (f *Fleet) beginStageLocked(t *pipeline.Task, op *pipeline.Operation) []effect {
	round, err := op.LatestRound()
	if err != nil {
		log.Error().Int64("operation_id", op.ID).Err(err).Msg("round ledger invariant violated")
		return nil
	}

	if op.Kind == pipeline.KindTool {
		if err := round.Begin(pipeline.StatusReady, f.now()); err != nil {
			return nil
		}
		log.Info().Int64("task_id", t.ID).Str("stage", op.Name).Msg("waiting for external tool")
		// the task just left the running set, a slot is free again
		return []effect{
			{kind: effPublishHandoff, task: t, op: op},
			{kind: effPersist, task: t},
			{kind: effStats},
			{kind: effAdmit},
		}
	}

	active := pipeline.StatusProcessing
	if op.Kind == pipeline.KindUpload {
		active = pipeline.StatusUploading
	}
	if err := round.Begin(active, f.now()); err != nil {
		return nil
	}
	log.Info().Int64("task_id", t.ID).Str("stage", op.Name).Msg("stage started")
	return []effect{
		{kind: effStartStage, task: t, op: op, round: round},
		{kind: effPersist, task: t},
		{kind: effStats},
	}
}

// runEffects performs the side effects produced by a transition. Must be
// called without the fleet mutex held.
func (f *Fleet) runEffects(effects []effect) {
	for _, eff := range effects {
		switch eff.kind {
		case effStartStage:
			f.startStage(eff.task, eff.op, eff.round)
		case effPublishHandoff:
			f.publishHandoff(eff.task, eff.op)
		case effPersist:
			f.persist(eff.task)
		case effStats:
			f.mu.Lock()
			f.stats = Recompute(f.tree)
			f.mu.Unlock()
		case effAdmit:
			f.admit()
		}
	}
}

// startStage launches the remote call in a tracked goroutine. Completion
// re-enters the driver through finishStage.
func (f *Fleet) startStage(t *pipeline.Task, op *pipeline.Operation, round *pipeline.Round) {
	req := remote.StageRequest{
		TaskID:       t.ID,
		Stage:        op.Name,
		Provider:     op.Provider,
		Options:      op.Options,
		Inputs:       t.Files,
		PriorResults: priorResults(t, op),
	}
	f.mu.Lock()
	ctx := f.baseCtx
	f.mu.Unlock()
	f.workers.Add(1)
	go func() {
		defer f.workers.Done()
		result, err := f.executor.Run(ctx, req)
		f.finishStage(t.ID, op.ID, round, result, err)
	}()
}

// priorResults collects the finished outputs of the stages before op, in
// pipeline order, so downstream providers see their predecessors' work.
func priorResults(t *pipeline.Task, op *pipeline.Operation) []pipeline.ResultFile {
	var prior []pipeline.ResultFile
	for _, candidate := range t.Operations {
		if candidate == op {
			break
		}
		if !candidate.Enabled {
			continue
		}
		round, err := candidate.LatestRound()
		if err != nil || round.Status != pipeline.StatusFinished {
			continue
		}
		prior = append(prior, round.Results...)
	}
	return prior
}

// finishStage records a stage outcome. If the started round was
// superseded meanwhile (a tool completion reopened the operation), the
// outcome is written to the old round without driving the task further.
func (f *Fleet) finishStage(taskID, opID int64, round *pipeline.Round, result remote.StageResult, err error) {
	f.mu.Lock()
	t, ok := f.tree.Task(taskID)
	if !ok {
		// task was removed while the stage was in flight
		f.mu.Unlock()
		return
	}
	op := t.OperationByID(opID)
	if op == nil {
		f.mu.Unlock()
		return
	}
	current, lerr := op.LatestRound()
	superseded := lerr == nil && current != round

	var effects []effect
	if err != nil {
		round.AppendProtocol(err.Error())
		_ = round.Close(pipeline.StatusError, f.now())
		log.Warn().Int64("task_id", taskID).Str("stage", op.Name).Err(err).Msg("stage failed")
		if superseded {
			effects = []effect{{kind: effPersist, task: t}}
		} else {
			effects = []effect{{kind: effPersist, task: t}, {kind: effStats}, {kind: effAdmit}}
		}
	} else {
		round.Results = append(round.Results, result.Results...)
		round.AppendProtocol(result.Protocol)
		_ = round.Close(pipeline.StatusFinished, f.now())
		log.Info().Int64("task_id", taskID).Str("stage", op.Name).Msg("stage finished")
		if superseded {
			effects = []effect{{kind: effPersist, task: t}}
		} else {
			effects = f.advanceLocked(t)
		}
	}
	f.mu.Unlock()
	f.runEffects(effects)
}
