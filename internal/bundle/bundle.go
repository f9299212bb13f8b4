// Package bundle assembles downloadable zip bundles from a task's
// available result files.
package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"annopipe/internal/file"
	"annopipe/internal/pipeline"
)

// Converter rewrites a result file into a target format before it is
// packed. The pipeline state machine never converts; conversion only
// happens here while assembling bundles.
type Converter interface {
	Convert(sourceFormat, targetFormat string, content []byte) ([]byte, error)
}

// Result describes the outcome for a single packed file.
type Result struct {
	Filename string `json:"filename"`
	Err      string `json:"error,omitempty"`
}

// Manifest is written next to the zip for the download endpoint.
type Manifest struct {
	Bundle    string    `json:"bundle"`
	TaskID    int64     `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	Files     []Result  `json:"files"`
}

const fetchTimeout = 30 * time.Second

// Builder packs result files, downloading referenced content on demand.
type Builder struct {
	client       *resty.Client
	converter    Converter
	targetFormat string
}

// NewBuilder returns a builder; converter may be nil for pass-through
// packing.
func NewBuilder(converter Converter, targetFormat string) *Builder {
	return &Builder{
		client:       resty.New().SetTimeout(fetchTimeout),
		converter:    converter,
		targetFormat: targetFormat,
	}
}

// Build writes a zip with every available result of the task's finished
// rounds plus a manifest next to it. The results slice always covers
// every packed (or skipped) file.
func (b *Builder) Build(ctx context.Context, destZipPath string, t *pipeline.Task) ([]Result, error) {
	resultFiles := collectResults(t)
	if len(resultFiles) == 0 {
		return nil, fmt.Errorf("task %d has no available results", t.ID)
	}

	var buf bytes.Buffer
	zipWriter := zip.NewWriter(&buf)

	results := make([]Result, len(resultFiles))
	for i, rf := range resultFiles {
		results[i] = b.pack(ctx, zipWriter, rf, i)
	}
	if err := zipWriter.Close(); err != nil {
		return results, fmt.Errorf("close zip writer: %w", err)
	}
	if err := file.CopyAtomic(destZipPath, &buf); err != nil {
		return results, err
	}

	manifest := Manifest{
		Bundle:    uuid.NewString(),
		TaskID:    t.ID,
		CreatedAt: time.Now(),
		Files:     results,
	}
	if err := file.WriteJSONAtomic(destZipPath+".manifest.json", manifest); err != nil {
		log.Warn().Int64("task_id", t.ID).Err(err).Msg("write bundle manifest failed")
	}
	return results, nil
}

// collectResults gathers the latest finished round results of every
// enabled operation, available files only.
func collectResults(t *pipeline.Task) []pipeline.ResultFile {
	var collected []pipeline.ResultFile
	for _, op := range t.Operations {
		if !op.Enabled {
			continue
		}
		round, err := op.LatestRound()
		if err != nil || round.Status != pipeline.StatusFinished {
			continue
		}
		for _, rf := range round.Results {
			if rf.Available {
				collected = append(collected, rf)
			}
		}
	}
	return collected
}

// pack writes one result file into the zip, fetching referenced content
// and converting when a target format is configured.
func (b *Builder) pack(ctx context.Context, zipWriter *zip.Writer, rf pipeline.ResultFile, index int) Result {
	filename := safeFilename(rf, index)
	result := Result{Filename: filename}

	content := []byte(rf.Content)
	if len(content) == 0 && rf.URL != "" {
		resp, err := b.client.R().SetContext(ctx).Get(rf.URL)
		if err != nil {
			result.Err = err.Error()
			log.Warn().Str("url", rf.URL).Err(err).Msg("fetch result file failed")
			return result
		}
		if resp.IsError() {
			result.Err = fmt.Sprintf("http %d", resp.StatusCode())
			log.Warn().Str("url", rf.URL).Int("status", resp.StatusCode()).Msg("unexpected status code")
			return result
		}
		content = resp.Body()
	}

	if b.converter != nil && b.targetFormat != "" {
		converted, err := b.converter.Convert(rf.MediaType, b.targetFormat, content)
		if err != nil {
			result.Err = err.Error()
			return result
		}
		content = converted
	}

	entry, err := zipWriter.Create(filename)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	if _, err := entry.Write(content); err != nil {
		result.Err = err.Error()
	}
	return result
}

func safeFilename(rf pipeline.ResultFile, index int) string {
	name := strings.TrimSpace(rf.Name)
	if name == "" && rf.URL != "" {
		name = path.Base(rf.URL)
	}
	if name == "" || name == "/" || name == "." {
		name = fmt.Sprintf("result-%d", index+1)
	}
	return path.Base(name)
}
