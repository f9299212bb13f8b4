// Package tree holds the recursive task/folder container shared by the
// whole fleet and the traversal primitives every mutation goes through.
package tree

import (
	"errors"

	"annopipe/internal/pipeline"
)

// ErrNoParent reports an insert under an id that is missing or not a
// folder.
var ErrNoParent = errors.New("parent folder not found")

// Entry is a node of the task tree: either a *pipeline.Task leaf or a
// *Folder interior node.
type Entry interface {
	EntryID() int64
}

// Folder is an interior node mirroring a dropped directory. It owns its
// children exclusively.
type Folder struct {
	ID       int64   `json:"id"`
	Path     string  `json:"path"`
	ParentID int64   `json:"parent_id,omitempty"`
	Entries  []Entry `json:"entries"`
}

// EntryID implements Entry.
func (f *Folder) EntryID() int64 { return f.ID }

// IsTask reports whether the entry is a task leaf.
func IsTask(e Entry) bool {
	_, ok := e.(*pipeline.Task)
	return ok
}

// Tree is the fleet-wide container: insertion-ordered root entries plus
// an id index covering every nested entry. Ids are unique across tasks
// and folders and come from the counter owned by the tree. Callers must
// serialize mutations; the tree itself carries no lock.
type Tree struct {
	counter *pipeline.Counter
	entries []Entry
	index   map[int64]Entry
}

// New returns an empty tree owning the given counter.
func New(counter *pipeline.Counter) *Tree {
	if counter == nil {
		counter = pipeline.NewCounter()
	}
	return &Tree{
		counter: counter,
		index:   make(map[int64]Entry),
	}
}

// Counter exposes the id counter for task/operation creation.
func (t *Tree) Counter() *pipeline.Counter { return t.counter }

// Entries returns the root-level entries in insertion order.
func (t *Tree) Entries() []Entry { return t.entries }

// Get looks up any entry by id.
func (t *Tree) Get(id int64) (Entry, bool) {
	e, ok := t.index[id]
	return e, ok
}

// Task looks up a task leaf by id.
func (t *Tree) Task(id int64) (*pipeline.Task, bool) {
	e, ok := t.index[id]
	if !ok {
		return nil, false
	}
	taskEntry, ok := e.(*pipeline.Task)
	return taskEntry, ok
}

// Insert adds an entry under the folder with parentID, or at the root
// when parentID is zero. Id collisions abort the mutation.
func (t *Tree) Insert(parentID int64, entry Entry) error {
	if err := t.register(entry); err != nil {
		return err
	}
	if parentID == 0 {
		t.entries = append(t.entries, entry)
		setParent(entry, 0)
		return nil
	}
	parent, ok := t.index[parentID]
	if !ok {
		t.unregister(entry)
		return ErrNoParent
	}
	folder, ok := parent.(*Folder)
	if !ok {
		t.unregister(entry)
		return ErrNoParent
	}
	folder.Entries = append(folder.Entries, entry)
	setParent(entry, folder.ID)
	return nil
}

// register indexes the entry and all of its descendants, aborting on the
// first id collision without touching the index.
func (t *Tree) register(entry Entry) error {
	var collected []Entry
	collect(entry, &collected)
	for _, e := range collected {
		if _, exists := t.index[e.EntryID()]; exists {
			return pipeline.ErrIDCollision
		}
	}
	for _, e := range collected {
		t.index[e.EntryID()] = e
		t.counter.Observe(e.EntryID())
	}
	return nil
}

func (t *Tree) unregister(entry Entry) {
	var collected []Entry
	collect(entry, &collected)
	for _, e := range collected {
		delete(t.index, e.EntryID())
	}
}

func collect(entry Entry, out *[]Entry) {
	*out = append(*out, entry)
	if folder, ok := entry.(*Folder); ok {
		for _, child := range folder.Entries {
			collect(child, out)
		}
	}
}

func setParent(entry Entry, parentID int64) {
	switch node := entry.(type) {
	case *pipeline.Task:
		node.DirectoryID = parentID
	case *Folder:
		node.ParentID = parentID
	}
}

// Len returns the number of indexed entries, tasks and folders alike.
func (t *Tree) Len() int { return len(t.index) }

// Tasks returns every task leaf in traversal order.
func (t *Tree) Tasks() []*pipeline.Task {
	found := FindAllWhere(t.entries, IsTask)
	tasks := make([]*pipeline.Task, 0, len(found))
	for _, e := range found {
		tasks = append(tasks, e.(*pipeline.Task))
	}
	return tasks
}

// Remove deletes the entries with the given ids (whole subtrees for
// folders) and returns what was removed. Folders left with a single
// child are collapsed: the child is re-parented to the folder's parent
// and the folder disappears; emptied folders disappear outright.
func (t *Tree) Remove(ids ...int64) []Entry {
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	var removed []Entry
	t.entries = removeFrom(t.entries, 0, idSet, &removed)
	t.reindex()
	return removed
}

// removeFrom rewrites one entries slice, dropping matched ids and
// applying the folder collapse invariant bottom-up.
func removeFrom(entries []Entry, parentID int64, ids map[int64]struct{}, removed *[]Entry) []Entry {
	out := entries[:0]
	for _, entry := range entries {
		if _, hit := ids[entry.EntryID()]; hit {
			*removed = append(*removed, entry)
			continue
		}
		folder, ok := entry.(*Folder)
		if !ok {
			out = append(out, entry)
			continue
		}
		before := len(folder.Entries)
		folder.Entries = removeFrom(folder.Entries, folder.ID, ids, removed)
		switch {
		case len(folder.Entries) == 0 && before > 0:
			// last child gone, drop the wrapper
		case len(folder.Entries) == 1 && before > 1:
			sole := folder.Entries[0]
			setParent(sole, parentID)
			out = append(out, sole)
		default:
			out = append(out, folder)
		}
	}
	return out
}

func (t *Tree) reindex() {
	t.index = make(map[int64]Entry, len(t.index))
	var collected []Entry
	for _, entry := range t.entries {
		collect(entry, &collected)
	}
	for _, e := range collected {
		t.index[e.EntryID()] = e
	}
}
