// Package store provides SQLite-backed persistence for the task tree.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"annopipe/internal/pipeline"
	"annopipe/internal/tree"
)

// Store persists tasks, folders, operations and rounds in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS folders (
		id INTEGER PRIMARY KEY,
		parent_id INTEGER NOT NULL DEFAULT 0,
		path TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY,
		directory_id INTEGER NOT NULL DEFAULT 0,
		selected INTEGER NOT NULL DEFAULT 0,
		invalid INTEGER NOT NULL DEFAULT 0,
		stop_requested INTEGER NOT NULL DEFAULT 0,
		files TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY,
		task_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		provider TEXT,
		options TEXT NOT NULL,
		position INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS rounds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		status TEXT NOT NULL,
		protocol TEXT NOT NULL DEFAULT '',
		results TEXT NOT NULL DEFAULT '[]',
		started_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (operation_id) REFERENCES operations(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_directory ON tasks(directory_id);
	CREATE INDEX IF NOT EXISTS idx_operations_task ON operations(task_id);
	CREATE INDEX IF NOT EXISTS idx_rounds_operation ON rounds(operation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveFolder upserts a folder record. Children are saved through
// SaveTask / nested SaveFolder calls.
func (s *Store) SaveFolder(ctx context.Context, f *tree.Folder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO folders (id, parent_id, path) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET parent_id = excluded.parent_id, path = excluded.path`,
		f.ID, f.ParentID, f.Path)
	if err != nil {
		return fmt.Errorf("save folder: %w", err)
	}
	return nil
}

// SaveTask writes the task with all operations and rounds in one
// transaction, replacing the previous snapshot of the subtree.
func (s *Store) SaveTask(ctx context.Context, t *pipeline.Task) error {
	filesJSON, err := json.Marshal(t.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, directory_id, selected, invalid, stop_requested, files, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			directory_id = excluded.directory_id,
			selected = excluded.selected,
			invalid = excluded.invalid,
			stop_requested = excluded.stop_requested,
			files = excluded.files`,
		t.ID, t.DirectoryID, boolInt(t.Selected), boolInt(t.Invalid), boolInt(t.Stop), string(filesJSON), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rounds WHERE operation_id IN (SELECT id FROM operations WHERE task_id = ?)`, t.ID); err != nil {
		return fmt.Errorf("clear rounds: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE task_id = ?`, t.ID); err != nil {
		return fmt.Errorf("clear operations: %w", err)
	}

	for pos, op := range t.Operations {
		optionsJSON, err := json.Marshal(op.Options)
		if err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO operations (id, task_id, name, kind, enabled, provider, options, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, t.ID, op.Name, string(op.Kind), boolInt(op.Enabled), op.Provider, string(optionsJSON), pos); err != nil {
			return fmt.Errorf("save operation: %w", err)
		}
		for rpos, round := range op.Rounds {
			resultsJSON, err := json.Marshal(round.Results)
			if err != nil {
				return fmt.Errorf("marshal results: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rounds (operation_id, position, status, protocol, results, started_at, duration_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				op.ID, rpos, string(round.Status), round.Protocol, string(resultsJSON), round.StartedAt, round.DurationMS); err != nil {
				return fmt.Errorf("save round: %w", err)
			}
		}
	}
	return tx.Commit()
}

// DeleteEntries removes tasks and folders by id, including the tasks'
// operations and rounds.
func (s *Store) DeleteEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rounds WHERE operation_id IN (SELECT id FROM operations WHERE task_id = ?)`, id); err != nil {
			return fmt.Errorf("delete rounds: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("delete operations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete folder: %w", err)
		}
	}
	return tx.Commit()
}

// Load rebuilds the stored tree: folders nested by parent id, tasks
// attached to their directories, operations and rounds in position
// order.
func (s *Store) Load(ctx context.Context) ([]tree.Entry, error) {
	folders, err := s.loadFolders(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := s.loadTasks(ctx)
	if err != nil {
		return nil, err
	}

	var roots []tree.Entry
	for _, folder := range folders {
		if parent, ok := folders[folder.ParentID]; ok && folder.ParentID != 0 {
			parent.Entries = append(parent.Entries, folder)
		} else {
			roots = append(roots, folder)
		}
	}
	for _, t := range tasks {
		if parent, ok := folders[t.DirectoryID]; ok && t.DirectoryID != 0 {
			parent.Entries = append(parent.Entries, t)
		} else {
			roots = append(roots, t)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].EntryID() < roots[j].EntryID() })
	return roots, nil
}

func (s *Store) loadFolders(ctx context.Context) (map[int64]*tree.Folder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_id, path FROM folders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	folders := make(map[int64]*tree.Folder)
	for rows.Next() {
		folder := &tree.Folder{}
		if err := rows.Scan(&folder.ID, &folder.ParentID, &folder.Path); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders[folder.ID] = folder
	}
	return folders, rows.Err()
}

func (s *Store) loadTasks(ctx context.Context) ([]*pipeline.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, directory_id, selected, invalid, stop_requested, files, created_at FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*pipeline.Task
	for rows.Next() {
		var (
			t                       pipeline.Task
			selected, invalid, stop int
			filesJSON               string
		)
		if err := rows.Scan(&t.ID, &t.DirectoryID, &selected, &invalid, &stop, &filesJSON, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Selected = selected != 0
		t.Invalid = invalid != 0
		t.Stop = stop != 0
		if err := json.Unmarshal([]byte(filesJSON), &t.Files); err != nil {
			return nil, fmt.Errorf("unmarshal files: %w", err)
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, t := range tasks {
		operations, err := s.loadOperations(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		tasks[i] = pipeline.NewTask(t.ID, t.Files, operations, t.CreatedAt)
		tasks[i].DirectoryID = t.DirectoryID
		tasks[i].Selected = t.Selected
		tasks[i].Invalid = t.Invalid
		tasks[i].Stop = t.Stop
	}
	return tasks, nil
}

func (s *Store) loadOperations(ctx context.Context, taskID int64) ([]*pipeline.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, enabled, provider, options FROM operations WHERE task_id = ? ORDER BY position`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var operations []*pipeline.Operation
	for rows.Next() {
		var (
			op          pipeline.Operation
			enabled     int
			kind        string
			provider    sql.NullString
			optionsJSON string
		)
		if err := rows.Scan(&op.ID, &op.Name, &kind, &enabled, &provider, &optionsJSON); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = pipeline.OperationKind(kind)
		op.Enabled = enabled != 0
		op.Provider = provider.String
		if err := json.Unmarshal([]byte(optionsJSON), &op.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
		operations = append(operations, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, op := range operations {
		rounds, err := s.loadRounds(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		if len(rounds) == 0 {
			// the ledger is never empty; repair a truncated record
			rounds = []*pipeline.Round{pipeline.NewRound()}
		}
		op.Rounds = rounds
	}
	return operations, nil
}

func (s *Store) loadRounds(ctx context.Context, operationID int64) ([]*pipeline.Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, protocol, results, started_at, duration_ms FROM rounds WHERE operation_id = ? ORDER BY position`, operationID)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*pipeline.Round
	for rows.Next() {
		var (
			round       pipeline.Round
			status      string
			resultsJSON string
			startedAt   sql.NullTime
		)
		if err := rows.Scan(&status, &round.Protocol, &resultsJSON, &startedAt, &round.DurationMS); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		round.Status = pipeline.TaskStatus(status)
		round.StartedAt = startedAt.Time
		if err := json.Unmarshal([]byte(resultsJSON), &round.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
		rounds = append(rounds, &round)
	}
	return rounds, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
