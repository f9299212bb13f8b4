package pipeline

import "sync/atomic"

// Counter hands out fleet-unique ids for tasks, folders and operations.
// It is owned by the tree root rather than being a package-level global,
// so independent fleets in one process never share a namespace.
type Counter struct {
	last atomic.Int64
}

// NewCounter returns a counter whose first Next call yields 1.
func NewCounter() *Counter { return &Counter{} }

// Next returns the next unused id.
func (c *Counter) Next() int64 { return c.last.Add(1) }

// Observe raises the counter to at least id. Used when reloading a
// persisted fleet so new ids never collide with stored ones.
func (c *Counter) Observe(id int64) {
	for {
		cur := c.last.Load()
		if id <= cur || c.last.CompareAndSwap(cur, id) {
			return
		}
	}
}
