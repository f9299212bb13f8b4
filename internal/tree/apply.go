package tree

// Predicate selects entries during traversal.
type Predicate func(Entry) bool

// Visit transforms a matched entry; returning the same pointer mutates
// in place, returning a different entry replaces the node.
type Visit func(Entry) Entry

// FolderHook is invoked after a folder's children were visited, with the
// folder holding its updated children. Selection propagation and other
// ancestor bookkeeping hang off this hook.
type FolderHook func(*Folder)

// ApplyWhere visits every entry; matches are replaced with fn(entry),
// folders that did not match are descended into. This is the single code
// path used by every tree mutation, so a change to a nested task always
// passes through each ancestor folder via the hook.
func ApplyWhere(entries []Entry, pred Predicate, fn Visit, hook FolderHook) []Entry {
	for i, entry := range entries {
		if pred(entry) {
			entries[i] = fn(entry)
			continue
		}
		if folder, ok := entry.(*Folder); ok {
			folder.Entries = ApplyWhere(folder.Entries, pred, fn, hook)
			if hook != nil {
				hook(folder)
			}
		}
	}
	return entries
}

// ApplyWithIDs behaves like ApplyWhere but matches a set of target ids,
// consuming each id as it is matched so every id is applied at most
// once. The traversal stops early once the set is drained.
func ApplyWithIDs(entries []Entry, ids map[int64]struct{}, fn Visit, hook FolderHook) []Entry {
	for i, entry := range entries {
		if len(ids) == 0 {
			break
		}
		if _, hit := ids[entry.EntryID()]; hit {
			delete(ids, entry.EntryID())
			entries[i] = fn(entry)
			continue
		}
		if folder, ok := entry.(*Folder); ok {
			folder.Entries = ApplyWithIDs(folder.Entries, ids, fn, hook)
			if hook != nil {
				hook(folder)
			}
		}
	}
	return entries
}

// FindAllWhere returns every entry matching the predicate in traversal
// order, descending into folders regardless of whether they matched.
func FindAllWhere(entries []Entry, pred Predicate) []Entry {
	var found []Entry
	for _, entry := range entries {
		if pred(entry) {
			found = append(found, entry)
		}
		if folder, ok := entry.(*Folder); ok {
			found = append(found, FindAllWhere(folder.Entries, pred)...)
		}
	}
	return found
}

// FindOneWhere returns the first match in depth-first traversal order,
// or nil.
func FindOneWhere(entries []Entry, pred Predicate) Entry {
	for _, entry := range entries {
		if pred(entry) {
			return entry
		}
		if folder, ok := entry.(*Folder); ok {
			if match := FindOneWhere(folder.Entries, pred); match != nil {
				return match
			}
		}
	}
	return nil
}
