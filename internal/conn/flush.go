package conn

import "github.com/yuuki/xio-rdma-core/internal/task"

// Flush implements cq.Transport: invoked by the CompletionQueue when it
// is force-destroyed while this Connection is still attached, a
// protocol violation that must never silently drop tasks (spec.md §4.2).
func (c *Connection) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushAllTasksLocked()
}

// flushAllTasksLocked releases every task on the seven per-connection
// lists (spec.md §3) exactly once each, via Task.Release's refcount
// bookkeeping rather than Accelio's double-flush workaround
// (SPEC_FULL.md §5 open-question 2). Called with c.mu held.
func (c *Connection) flushAllTasksLocked() {
	drain := func(list *[]*task.Task) {
		for _, t := range *list {
			t.Release()
		}
		*list = nil
	}
	drain(&c.rxList)
	drain(&c.txReadyList)
	drain(&c.txCompList)
	drain(&c.inFlightList)
	drain(&c.rdmaRdList)
	drain(&c.rdmaRdInFlightList)
	drain(&c.ioList)
}
