// Package fleet drives every task of the tree through its pipeline:
// it owns the pipeline driver state machine, the concurrency scheduler
// and the fleet-wide statistics.
package fleet

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"annopipe/internal/pipeline"
	"annopipe/internal/remote"
	"annopipe/internal/tree"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrOperationNotFound = errors.New("operation not found")
	ErrNoFiles           = errors.New("no input files provided")
	ErrNotFailed         = errors.New("task has no failed operation")
	ErrHandoffNotOpen    = errors.New("operation is not waiting for a tool")
)

// Persister abstracts persistence for the task tree. The default
// implementation is SQLite-backed; the interface keeps the engine
// testable without a database.
type Persister interface {
	SaveTask(ctx context.Context, t *pipeline.Task) error
	SaveFolder(ctx context.Context, f *tree.Folder) error
	DeleteEntries(ctx context.Context, ids []int64) error
	Load(ctx context.Context) ([]tree.Entry, error)
}

const defaultMaxRunning = 3

// Options configures a fleet.
type Options struct {
	MaxRunningTasks   int
	Pipeline          []pipeline.StageSpec
	EnableRules       []pipeline.EnableRule
	AllowedExtensions []string
}

// Fleet is the single-writer owner of the task tree. Every mutation
// takes the fleet mutex; stage side effects run in tracked goroutines
// and re-enter through completion methods.
type Fleet struct {
	mu      sync.Mutex
	tree    *tree.Tree
	opts    Options
	allowed map[string]struct{}

	executor remote.Executor
	store    Persister

	active   bool
	stats    Stats
	handoffs map[int64]*Handoff

	workers sync.WaitGroup
	baseCtx context.Context
	now     func() time.Time
}

// New creates a fleet with an empty tree.
func New(opts Options, executor remote.Executor, store Persister) *Fleet {
	if opts.MaxRunningTasks <= 0 {
		opts.MaxRunningTasks = defaultMaxRunning
	}
	if len(opts.Pipeline) == 0 {
		opts.Pipeline = pipeline.DefaultPipeline()
	}
	if opts.EnableRules == nil {
		opts.EnableRules = pipeline.DefaultEnableRules()
	}
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return &Fleet{
		tree:     tree.New(pipeline.NewCounter()),
		opts:     opts,
		allowed:  allowed,
		executor: executor,
		store:    store,
		handoffs: make(map[int64]*Handoff),
		baseCtx:  context.Background(),
		now:      time.Now,
	}
}

// SetBaseContext installs the context governing in-flight stage calls.
// Cancelling it during shutdown aborts remote calls.
func (f *Fleet) SetBaseContext(ctx context.Context) {
	f.mu.Lock()
	f.baseCtx = ctx
	f.mu.Unlock()
}

// Tree exposes the underlying tree for read-model construction. Callers
// must not mutate it.
func (f *Fleet) Tree() *tree.Tree { return f.tree }

// LoadFromStore rebuilds the tree from persistence. Rounds left open by
// a previous run are closed as errored so their tasks can be restarted
// instead of looking forever busy.
func (f *Fleet) LoadFromStore(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	entries, err := f.store.Load(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range entries {
		if err := f.tree.Insert(0, entry); err != nil {
			return err
		}
	}
	for _, t := range f.tree.Tasks() {
		for _, op := range t.Operations {
			round, err := op.LatestRound()
			if err != nil {
				return err
			}
			if round.Status.Running() {
				round.AppendProtocol("interrupted by shutdown")
				_ = round.Close(pipeline.StatusError, f.now())
				f.persist(t)
			}
		}
	}
	f.stats = Recompute(f.tree)
	return nil
}

// validateFiles checks the primary input against the allow-list. An
// empty list is rejected outright; an unsupported format is reported so
// the caller can create the task marked invalid instead of dropping the
// submission.
func (f *Fleet) validateFiles(files []pipeline.InputFile) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	if len(f.allowed) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(files[0].Name))
	if _, ok := f.allowed[ext]; !ok {
		return pipeline.NewErrUnsupportedFormat(ext)
	}
	return nil
}

// persist saves a task, logging instead of failing the mutation. Only
// structural invariant violations may fail a fleet call.
func (f *Fleet) persist(t *pipeline.Task) {
	if f.store == nil {
		return
	}
	if err := f.store.SaveTask(f.baseCtx, t); err != nil {
		log.Warn().Int64("task_id", t.ID).Err(err).Msg("persist task failed")
	}
}

func (f *Fleet) persistFolder(folder *tree.Folder) {
	if f.store == nil {
		return
	}
	if err := f.store.SaveFolder(f.baseCtx, folder); err != nil {
		log.Warn().Int64("folder_id", folder.ID).Err(err).Msg("persist folder failed")
	}
}

// WaitAll blocks until all in-flight stage workers finish or the context
// is done. Returns true when everything drained.
func (f *Fleet) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		f.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
