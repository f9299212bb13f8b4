package bundle

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annopipe/internal/pipeline"
)

func finishedTask(t *testing.T, results ...pipeline.ResultFile) *pipeline.Task {
	t.Helper()
	op := pipeline.NewOperation(1, pipeline.StageASR, pipeline.KindStandard)
	round, err := op.LatestRound()
	require.NoError(t, err)
	require.NoError(t, round.Begin(pipeline.StatusProcessing, time.Now()))
	round.Results = append(round.Results, results...)
	require.NoError(t, round.Close(pipeline.StatusFinished, time.Now()))
	files := []pipeline.InputFile{{Name: "session.wav", Available: true}}
	return pipeline.NewTask(10, files, []*pipeline.Operation{op}, time.Now())
}

func TestBuildPacksInlineResults(t *testing.T) {
	task := finishedTask(t,
		pipeline.ResultFile{Name: "session.json", MediaType: "application/json", Content: `{"segments":[]}`, Available: true},
		pipeline.ResultFile{Name: "session.txt", MediaType: "text/plain", Content: "hello", Available: true},
		pipeline.ResultFile{Name: "offline.json", Available: false},
	)

	dest := filepath.Join(t.TempDir(), "task-10.zip")
	results, err := NewBuilder(nil, "").Build(context.Background(), dest, task)
	require.NoError(t, err)
	require.Len(t, results, 2, "unavailable results are not packed")
	for _, r := range results {
		assert.Empty(t, r.Err)
	}

	reader, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer reader.Close()
	names := make(map[string]string, len(reader.File))
	for _, f := range reader.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		names[f.Name] = string(content)
	}
	assert.Equal(t, `{"segments":[]}`, names["session.json"])
	assert.Equal(t, "hello", names["session.txt"])

	_, err = os.Stat(dest + ".manifest.json")
	assert.NoError(t, err, "manifest written next to the zip")
}

func TestBuildFetchesRemoteResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0\t1\tword"))
	}))
	defer srv.Close()

	task := finishedTask(t,
		pipeline.ResultFile{Name: "aligned.tsv", URL: srv.URL + "/aligned.tsv", Available: true},
	)

	dest := filepath.Join(t.TempDir(), "task-10.zip")
	results, err := NewBuilder(nil, "").Build(context.Background(), dest, task)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Err)
	assert.Equal(t, "aligned.tsv", results[0].Filename)
}

func TestBuildRecordsFetchFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	task := finishedTask(t,
		pipeline.ResultFile{Name: "gone.json", URL: srv.URL + "/gone.json", Available: true},
		pipeline.ResultFile{Name: "kept.txt", Content: "still here", Available: true},
	)

	dest := filepath.Join(t.TempDir(), "task-10.zip")
	results, err := NewBuilder(nil, "").Build(context.Background(), dest, task)
	require.NoError(t, err, "a single failed fetch does not fail the bundle")
	require.Len(t, results, 2)
	assert.Equal(t, "http 404", results[0].Err)
	assert.Empty(t, results[1].Err)
}

func TestBuildRejectsTaskWithoutResults(t *testing.T) {
	op := pipeline.NewOperation(1, pipeline.StageASR, pipeline.KindStandard)
	task := pipeline.NewTask(11, nil, []*pipeline.Operation{op}, time.Now())

	dest := filepath.Join(t.TempDir(), "task-11.zip")
	_, err := NewBuilder(nil, "").Build(context.Background(), dest, task)
	require.Error(t, err)
}

type upperConverter struct{}

func (upperConverter) Convert(_, _ string, content []byte) ([]byte, error) {
	out := make([]byte, len(content))
	for i, c := range content {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out, nil
}

func TestBuildAppliesConverter(t *testing.T) {
	task := finishedTask(t,
		pipeline.ResultFile{Name: "session.txt", MediaType: "text/plain", Content: "quiet", Available: true},
	)

	dest := filepath.Join(t.TempDir(), "task-10.zip")
	results, err := NewBuilder(upperConverter{}, "text/uppercase").Build(context.Background(), dest, task)
	require.NoError(t, err)
	require.Len(t, results, 1)

	reader, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer reader.Close()
	rc, err := reader.File[0].Open()
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "QUIET", string(content))
}
