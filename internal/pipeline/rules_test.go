package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ruleTask(t *testing.T) *Task {
	t.Helper()
	counter := NewCounter()
	return NewTask(counter.Next(), nil, Materialize(DefaultPipeline(), counter), time.Now())
}

func TestDisablingEditorReenablesRecognizer(t *testing.T) {
	task := ruleTask(t)
	rules := DefaultEnableRules()

	SetOperationEnabled(task, rules, StageASR, false)
	require.False(t, task.Operation(StageASR).Enabled)
	require.True(t, task.Operation(StageOCTRA).Enabled)

	SetOperationEnabled(task, rules, StageOCTRA, false)
	assert.False(t, task.Operation(StageOCTRA).Enabled)
	assert.True(t, task.Operation(StageASR).Enabled, "pipeline must keep a runnable stage")
}

func TestDisablingRecognizerReenablesEditor(t *testing.T) {
	task := ruleTask(t)
	rules := DefaultEnableRules()

	SetOperationEnabled(task, rules, StageOCTRA, false)
	require.False(t, task.Operation(StageOCTRA).Enabled)

	SetOperationEnabled(task, rules, StageASR, false)
	assert.False(t, task.Operation(StageASR).Enabled)
	assert.True(t, task.Operation(StageOCTRA).Enabled)
}

func TestEnablingTriggersNoRules(t *testing.T) {
	task := ruleTask(t)
	rules := DefaultEnableRules()

	task.Operation(StageASR).Enabled = false
	task.Operation(StageMAUS).Enabled = false
	SetOperationEnabled(task, rules, StageASR, true)
	assert.True(t, task.Operation(StageASR).Enabled)
	assert.False(t, task.Operation(StageMAUS).Enabled)
}

func TestUnknownStageIsIgnored(t *testing.T) {
	task := ruleTask(t)
	SetOperationEnabled(task, DefaultEnableRules(), "Transliteration", false)
	for _, op := range task.Operations {
		assert.True(t, op.Enabled)
	}
}
