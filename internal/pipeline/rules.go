package pipeline

// EnableRule describes a coupling between neighboring stages: when the
// named stage gets disabled and the neighbor at Offset is disabled too,
// the neighbor is switched back on. This keeps a pipeline from ending up
// with no runnable stage between upload and alignment.
type EnableRule struct {
	Stage  string
	Offset int
}

// DefaultEnableRules couples the manual-editing stages with their
// recognition counterparts: disabling the editor re-enables the
// preceding recognizer, disabling the recognizer re-enables the editor.
func DefaultEnableRules() []EnableRule {
	return []EnableRule{
		{Stage: StageOCTRA, Offset: -1},
		{Stage: StageASR, Offset: +1},
		{Stage: StageEmuWebApp, Offset: -1},
	}
}

// SetOperationEnabled toggles the named stage on the task and applies
// the rule table. Unknown stage names are ignored.
func SetOperationEnabled(t *Task, rules []EnableRule, name string, enabled bool) {
	op := t.Operation(name)
	if op == nil || op.Enabled == enabled {
		return
	}
	op.Enabled = enabled

	if enabled {
		return
	}
	for _, rule := range rules {
		if rule.Stage != name {
			continue
		}
		idx := t.OperationIndex(op) + rule.Offset
		if idx < 0 || idx >= len(t.Operations) {
			continue
		}
		neighbor := t.Operations[idx]
		if !neighbor.Enabled {
			neighbor.Enabled = true
		}
	}
}
