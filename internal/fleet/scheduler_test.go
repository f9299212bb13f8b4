package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annopipe/internal/pipeline"
)

func TestConcurrencyCapIsNeverExceeded(t *testing.T) {
	block := make(chan struct{})
	exec := &stubExecutor{block: block}
	f := newTestFleet(t, threeStagePipeline(), 2, exec)
	f.StartFleet()

	var ids []int64
	for i := 0; i < 5; i++ {
		task, err := f.Submit(0, wavInput())
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	// both slots fill up, the rest stays queued
	require.Eventually(t, func() bool {
		return f.Stats().Running == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, exec.maxInUse())

	close(block)
	exec.mu.Lock()
	exec.block = nil
	exec.mu.Unlock()

	for _, id := range ids {
		waitForStatus(t, f, id, pipeline.StatusFinished)
	}
	assert.LessOrEqual(t, exec.maxInUse(), 2, "running tasks exceeded the cap")
}

func TestNoAdmissionWhileFleetStopped(t *testing.T) {
	exec := &stubExecutor{}
	f := newTestFleet(t, threeStagePipeline(), 3, exec)

	task, err := f.Submit(0, wavInput())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, exec.stageCalls())
	view, _ := f.TaskSnapshot(task.ID)
	assert.Equal(t, pipeline.StatusQueued, view.Status)

	f.StartFleet()
	waitForStatus(t, f, task.ID, pipeline.StatusFinished)
}

func TestTasksWithoutUsableInputAreSkipped(t *testing.T) {
	exec := &stubExecutor{}
	f := newTestFleet(t, threeStagePipeline(), 3, exec)
	f.StartFleet()

	task, err := f.Submit(0, []pipeline.InputFile{{Name: "missing.wav", Available: false}})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, exec.stageCalls())
	view, _ := f.TaskSnapshot(task.ID)
	assert.Equal(t, pipeline.StatusQueued, view.Status)
}

func TestAdmissionResumesWhenSlotFrees(t *testing.T) {
	block := make(chan struct{})
	exec := &stubExecutor{block: block}
	f := newTestFleet(t, threeStagePipeline(), 1, exec)
	f.StartFleet()

	first, err := f.Submit(0, wavInput())
	require.NoError(t, err)
	second, err := f.Submit(0, wavInput())
	require.NoError(t, err)

	waitForStatus(t, f, first.ID, pipeline.StatusUploading)
	view, _ := f.TaskSnapshot(second.ID)
	assert.Equal(t, pipeline.StatusQueued, view.Status)

	close(block)
	exec.mu.Lock()
	exec.block = nil
	exec.mu.Unlock()

	waitForStatus(t, f, first.ID, pipeline.StatusFinished)
	waitForStatus(t, f, second.ID, pipeline.StatusFinished)
}

func TestHandoffResumeHonorsConcurrencyCap(t *testing.T) {
	exec := &stubExecutor{}
	f := newTestFleet(t, toolPipeline(), 1, exec)
	f.StartFleet()

	parked, err := f.Submit(0, wavInput())
	require.NoError(t, err)
	waitForStatus(t, f, parked.ID, pipeline.StatusReady)

	// a second task takes the only slot and holds it
	block := make(chan struct{})
	exec.mu.Lock()
	exec.block = block
	exec.mu.Unlock()
	occupant, err := f.Submit(0, wavInput())
	require.NoError(t, err)
	waitForStatus(t, f, occupant.ID, pipeline.StatusUploading)

	f.mu.Lock()
	octraID := parked.Operation(pipeline.StageOCTRA).ID
	f.mu.Unlock()
	require.NoError(t, f.CompleteHandoff(octraID, nil, ""))

	// the resumed task must wait for a slot instead of starting at once
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.Stats().Running)
	assert.NotContains(t, exec.stageCalls(), pipeline.StageMAUS)
	view, _ := f.TaskSnapshot(parked.ID)
	assert.Equal(t, pipeline.StatusPending, view.Status)

	close(block)
	exec.mu.Lock()
	exec.block = nil
	exec.mu.Unlock()

	waitForStatus(t, f, occupant.ID, pipeline.StatusReady)
	require.Eventually(t, func() bool {
		view, ok := f.TaskSnapshot(parked.ID)
		return ok && view.Operations[2].Status == pipeline.StatusFinished
	}, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, exec.maxInUse(), 1, "running tasks exceeded the cap")
}

func TestAdmissionContinuesWhenTaskParksReady(t *testing.T) {
	exec := &stubExecutor{}
	f := newTestFleet(t, toolPipeline(), 1, exec)
	f.StartFleet()

	first, err := f.Submit(0, wavInput())
	require.NoError(t, err)
	second, err := f.Submit(0, wavInput())
	require.NoError(t, err)

	// parking the first task frees its slot for the second immediately
	waitForStatus(t, f, first.ID, pipeline.StatusReady)
	waitForStatus(t, f, second.ID, pipeline.StatusReady)
	assert.Equal(t, []string{pipeline.StageUpload, pipeline.StageUpload}, exec.stageCalls())
}
