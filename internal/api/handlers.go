package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"annopipe/internal/bundle"
	"annopipe/internal/fleet"
	"annopipe/internal/pipeline"
)

// API exposes the fleet commands and read models over HTTP.
type API struct {
	fleet   *fleet.Fleet
	bundles *bundle.Builder
	dataDir string
}

func NewAPI(f *fleet.Fleet, bundles *bundle.Builder, dataDir string) *API {
	return &API{fleet: f, bundles: bundles, dataDir: dataDir}
}

// RegisterRoutes registers API routes on the provided gin engine.
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/fleet/start", a.StartFleet)
		api.POST("/fleet/stop", a.StopFleet)
		api.GET("/fleet", a.GetFleet)
		api.GET("/fleet/stats", a.GetStats)
		api.POST("/tasks", a.SubmitTask)
		api.POST("/folders", a.SubmitFolder)
		api.GET("/tasks/:id", a.GetTask)
		api.POST("/tasks/:id/restart", a.RestartTask)
		api.GET("/tasks/:id/bundle", a.DownloadBundle)
		api.PATCH("/operations/:name/enabled", a.SetOperationEnabled)
		api.DELETE("/items", a.RemoveItems)
		api.POST("/items/select", a.SelectItems)
		api.GET("/handoffs", a.ListHandoffs)
		api.POST("/handoffs/:operationID/complete", a.CompleteHandoff)
	}
}

type submitTaskRequest struct {
	FolderID int64                `json:"folder_id"`
	Files    []pipeline.InputFile `json:"files"`
}

type submitFolderRequest struct {
	Path   string                 `json:"path"`
	Groups [][]pipeline.InputFile `json:"groups"`
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type idsRequest struct {
	IDs      []int64 `json:"ids"`
	Selected bool    `json:"selected"`
}

type completeHandoffRequest struct {
	Results []pipeline.ResultFile `json:"results"`
	Error   string                `json:"error"`
}

// StartFleet enables admission and pulls in eligible tasks.
func (a *API) StartFleet(c *gin.Context) {
	a.fleet.StartFleet()
	c.JSON(http.StatusOK, gin.H{"active": true})
}

// StopFleet disables admission; in-flight stages drain on their own.
func (a *API) StopFleet(c *gin.Context) {
	a.fleet.StopFleet()
	c.JSON(http.StatusOK, gin.H{"active": false})
}

// GetFleet returns the full tree snapshot for the progress table.
func (a *API) GetFleet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":  a.fleet.Active(),
		"entries": a.fleet.Snapshot(),
	})
}

// GetStats returns the fleet-wide counters.
func (a *API) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.fleet.Stats())
}

// SubmitTask creates one task from dropped files.
func (a *API) SubmitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	t, err := a.fleet.Submit(req.FolderID, req.Files)
	if err != nil {
		log.Warn().Err(err).Msg("task submission rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Info().Int64("task_id", t.ID).Int("files", len(t.Files)).Msg("task created")
	c.JSON(http.StatusCreated, gin.H{"task_id": t.ID, "status": t.Status()})
}

// SubmitFolder mirrors a dropped directory as a folder of tasks.
func (a *API) SubmitFolder(c *gin.Context) {
	var req submitFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	folder, err := a.fleet.SubmitFolder(req.Path, req.Groups)
	if err != nil {
		log.Warn().Err(err).Msg("folder submission rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"folder_id": folder.ID, "tasks": len(folder.Entries)})
}

// GetTask returns one task's read model.
func (a *API) GetTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	view, ok := a.fleet.TaskSnapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// RestartTask reopens the failed stage of an errored task.
func (a *API) RestartTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	switch err := a.fleet.RestartFailedOperation(id); {
	case errors.Is(err, fleet.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"task_id": id})
	}
}

// SetOperationEnabled toggles a stage fleet-wide.
func (a *API) SetOperationEnabled(c *gin.Context) {
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	name := c.Param("name")
	a.fleet.SetOperationEnabled(name, req.Enabled)
	c.JSON(http.StatusOK, gin.H{"name": name, "enabled": req.Enabled})
}

// RemoveItems deletes tasks/folders by id.
func (a *API) RemoveItems(c *gin.Context) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	a.fleet.RemoveItems(req.IDs...)
	c.JSON(http.StatusOK, gin.H{"removed": req.IDs})
}

// SelectItems marks entries as (de)selected, folders propagating to
// their tasks.
func (a *API) SelectItems(c *gin.Context) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	a.fleet.SelectItems(req.Selected, req.IDs...)
	c.JSON(http.StatusOK, gin.H{"selected": req.Selected, "ids": req.IDs})
}

// ListHandoffs returns the hand-off records of tool stages waiting for
// an external application.
func (a *API) ListHandoffs(c *gin.Context) {
	c.JSON(http.StatusOK, a.fleet.PendingHandoffs())
}

// CompleteHandoff consumes the external tool's completion message.
func (a *API) CompleteHandoff(c *gin.Context) {
	opID, err := strconv.ParseInt(c.Param("operationID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation id"})
		return
	}
	var req completeHandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	switch err := a.fleet.CompleteHandoff(opID, req.Results, req.Error); {
	case errors.Is(err, fleet.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"operation_id": opID})
	}
}

// DownloadBundle zips the task's available results and streams the file.
func (a *API) DownloadBundle(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	t, ok := a.fleet.CloneTask(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	dest := filepath.Join(a.dataDir, "bundles", fmt.Sprintf("task-%d.zip", id))
	if _, err := a.bundles.Build(c.Request.Context(), dest, t); err != nil {
		log.Warn().Int64("task_id", id).Err(err).Msg("bundle build failed")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.FileAttachment(dest, fmt.Sprintf("task-%d.zip", id))
}
