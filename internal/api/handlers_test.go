package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"annopipe/internal/bundle"
	"annopipe/internal/fleet"
	"annopipe/internal/pipeline"
	"annopipe/internal/remote"
)

type okExecutor struct{}

func (okExecutor) Run(ctx context.Context, req remote.StageRequest) (remote.StageResult, error) {
	return remote.StageResult{
		Results:  []pipeline.ResultFile{{Name: req.Stage + ".json", Content: "{}", Available: true}},
		Protocol: req.Stage + " done",
	}, nil
}

func setupRouter(t *testing.T, template []pipeline.StageSpec) (*gin.Engine, *fleet.Fleet) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	testRouter := gin.New()
	f := fleet.New(fleet.Options{
		MaxRunningTasks:   2,
		Pipeline:          template,
		AllowedExtensions: []string{".wav", ".flac"},
	}, okExecutor{}, nil)
	apiHandler := NewAPI(f, bundle.NewBuilder(nil, ""), t.TempDir())
	apiHandler.RegisterRoutes(testRouter)
	return testRouter, f
}

func twoStageTemplate() []pipeline.StageSpec {
	return []pipeline.StageSpec{
		{Name: pipeline.StageUpload, Kind: pipeline.KindUpload, Enabled: true},
		{Name: pipeline.StageASR, Kind: pipeline.KindStandard, Enabled: true},
	}
}

func postJSON(router *gin.Engine, url, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func submitTask(t *testing.T, router *gin.Engine) int64 {
	t.Helper()
	body := `{"files":[{"name":"session.wav","media_type":"audio/wave","size":2048,"available":true}]}`
	w := postJSON(router, "/api/v1/tasks", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return int64(resp["task_id"].(float64))
}

func TestSubmitTask(t *testing.T) {
	testRouter, _ := setupRouter(t, twoStageTemplate())

	id := submitTask(t, testRouter)
	if id == 0 {
		t.Fatalf("expected non-zero task_id")
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", id), nil)
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view["status"] != string(pipeline.StatusQueued) {
		t.Fatalf("expected %q, got %v", pipeline.StatusQueued, view["status"])
	}
}

func TestSubmitUnsupportedExtensionCreatesInvalidTask(t *testing.T) {
	testRouter, f := setupRouter(t, twoStageTemplate())

	body := `{"files":[{"name":"notes.exe","available":true}]}`
	w := postJSON(testRouter, "/api/v1/tasks", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != string(pipeline.StatusError) {
		t.Fatalf("expected invalid task to report %q, got %v", pipeline.StatusError, resp["status"])
	}
	view, ok := f.TaskSnapshot(int64(resp["task_id"].(float64)))
	if !ok || !view.Invalid {
		t.Fatalf("expected task to be marked invalid")
	}
}

func TestSubmitRejectsEmptyFileList(t *testing.T) {
	testRouter, _ := setupRouter(t, twoStageTemplate())

	w := postJSON(testRouter, "/api/v1/tasks", `{"files":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStartFleetRunsTaskToCompletion(t *testing.T) {
	testRouter, f := setupRouter(t, twoStageTemplate())
	id := submitTask(t, testRouter)

	w := postJSON(testRouter, "/api/v1/fleet/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if view, ok := f.TaskSnapshot(id); ok && view.Status == pipeline.StatusFinished {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/fleet/stats", nil)
			rec := httptest.NewRecorder()
			testRouter.ServeHTTP(rec, req)
			var stats fleet.Stats
			if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
				t.Fatalf("unmarshal stats: %v", err)
			}
			if stats.Finished != 1 {
				t.Fatalf("expected 1 finished, got %+v", stats)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for task to finish")
}

func TestHandoffRoundtrip(t *testing.T) {
	template := []pipeline.StageSpec{
		{Name: pipeline.StageUpload, Kind: pipeline.KindUpload, Enabled: true},
		{Name: pipeline.StageOCTRA, Kind: pipeline.KindTool, Enabled: true, Options: pipeline.StageOptions{ToolURL: "http://octra.local"}},
	}
	testRouter, f := setupRouter(t, template)
	id := submitTask(t, testRouter)
	postJSON(testRouter, "/api/v1/fleet/start", "")

	// wait for the tool stage to park the task and publish a hand-off
	var handoffs []fleet.Handoff
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/handoffs", nil)
		w := httptest.NewRecorder()
		testRouter.ServeHTTP(w, req)
		if err := json.Unmarshal(w.Body.Bytes(), &handoffs); err != nil {
			t.Fatalf("unmarshal handoffs: %v", err)
		}
		if len(handoffs) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(handoffs) != 1 {
		t.Fatalf("expected one pending hand-off, got %d", len(handoffs))
	}
	if handoffs[0].TaskID != id {
		t.Fatalf("hand-off points at task %d, want %d", handoffs[0].TaskID, id)
	}

	body := `{"results":[{"name":"transcript.json","content":"{}","available":true}]}`
	w := postJSON(testRouter, fmt.Sprintf("/api/v1/handoffs/%d/complete", handoffs[0].OperationID), body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if view, ok := f.TaskSnapshot(id); ok && view.Status == pipeline.StatusFinished {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for task to finish after hand-off")
}

func TestCompleteHandoffUnknownOperation(t *testing.T) {
	testRouter, _ := setupRouter(t, twoStageTemplate())

	w := postJSON(testRouter, "/api/v1/handoffs/999/complete", `{"results":[]}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRestartUnknownTask(t *testing.T) {
	testRouter, _ := setupRouter(t, twoStageTemplate())

	w := postJSON(testRouter, "/api/v1/tasks/999/restart", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRestartTaskWithoutFailureConflicts(t *testing.T) {
	testRouter, _ := setupRouter(t, twoStageTemplate())
	id := submitTask(t, testRouter)

	w := postJSON(testRouter, fmt.Sprintf("/api/v1/tasks/%d/restart", id), "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestRemoveItems(t *testing.T) {
	testRouter, f := setupRouter(t, twoStageTemplate())
	id := submitTask(t, testRouter)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/items", strings.NewReader(fmt.Sprintf(`{"ids":[%d]}`, id)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := f.TaskSnapshot(id); ok {
		t.Fatalf("task %d should be gone", id)
	}
}

func TestSetOperationEnabled(t *testing.T) {
	testRouter, f := setupRouter(t, twoStageTemplate())
	id := submitTask(t, testRouter)

	w := postJSON(testRouter, "/api/v1/fleet/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/operations/ASR/enabled", strings.NewReader(`{"enabled":false}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	view, ok := f.TaskSnapshot(id)
	if !ok {
		t.Fatalf("task %d missing", id)
	}
	for _, op := range view.Operations {
		if op.Name == pipeline.StageASR && op.Enabled {
			t.Fatalf("ASR should be disabled")
		}
	}
}

func TestDownloadBundleWithoutResults(t *testing.T) {
	testRouter, _ := setupRouter(t, twoStageTemplate())
	id := submitTask(t, testRouter)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d/bundle", id), nil)
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}
