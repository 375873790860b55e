package conn

import (
	"github.com/yuuki/xio-rdma-core/internal/task"
	"github.com/yuuki/xio-rdma-core/internal/verbs"
	"github.com/yuuki/xio-rdma-core/internal/xerr"
)

// setupQP implements spec.md §4.4's QP setup: acquire the shared CQ,
// size the queue pair from the device's limits, create it, query back
// what was actually granted, build the Initial, Primary and Phantom task
// pools, arm the handshake recv, and attach this Connection to the CQ's
// transport list.
func (c *Connection) setupQP() error {
	sharedCQ, err := c.deps.CQs.Acquire(c.dev, c.deps.Ctx, c.deps.OnlineCPUs, c.deps.Logger)
	if err != nil {
		return err
	}
	c.cq = sharedCQ

	if err := c.cq.AllocSlots(MaxCQEPerQP); err != nil {
		c.deps.CQs.Release(c.dev, c.deps.Ctx, c.cq)
		c.cq = nil
		return err
	}

	c.sqDepth = MaxSendWR
	c.rqDepth = MaxRecvWR
	c.actualRQDepth = c.rqDepth + ExtraRQE
	c.maxSGE = minInt(c.deps.MaxOutIovsz+1, c.dev.Attr.MaxSGE)

	attr := verbs.QPInitAttr{
		MaxSendWR:      c.sqDepth,
		MaxRecvWR:      c.actualRQDepth,
		MaxSendSGE:     c.maxSGE,
		MaxRecvSGE:     1,
		MaxInlineData:  MaxInlineData,
		SignalOnDemand: true,
	}
	qp, err := c.dev.Verbs().CreateQP(c.dev.PD, c.cq.Handle(), attr)
	if err != nil {
		c.cq.FreeSlots(MaxCQEPerQP)
		c.deps.CQs.Release(c.dev, c.deps.Ctx, c.cq)
		c.cq = nil
		return xerr.New(xerr.KindOutOfMemory, "setupQP", err)
	}
	c.qp = qp

	granted, err := c.dev.Verbs().QueryQP(qp)
	if err != nil {
		c.abortQPSetupLocked()
		return xerr.New(xerr.KindFatal, "setupQP", err)
	}
	c.maxInlineData = granted.MaxInlineData
	if granted.MaxSGE > 0 && granted.MaxSGE < c.maxSGE {
		c.maxSGE = granted.MaxSGE
	}
	c.sqeAvail = c.sqDepth

	if err := c.buildPools(); err != nil {
		c.abortQPSetupLocked()
		return err
	}

	if err := c.postCreateHandshake(); err != nil {
		c.abortQPSetupLocked()
		return err
	}

	c.cq.Attach(c)
	return nil
}

// abortQPSetupLocked unwinds whatever setupQP had already built by the
// point one of its later steps failed: any task pools, the QP, and the
// CQ slot reservation/reference, mirroring teardownQPLocked's order. The
// Device reference itself is left to the caller (onRouteResolved /
// onConnectRequest), which already tracks c.dev independently of QP
// setup. Assumes c.mu is held.
func (c *Connection) abortQPSetupLocked() {
	if c.phantomPool != nil {
		c.phantomPool.SlabDestroy()
		c.phantomPool = nil
	}
	if c.primaryPool != nil {
		c.primaryPool.SlabDestroy()
		c.primaryPool = nil
	}
	if c.initialPool != nil {
		c.initialPool.SlabDestroy()
		c.initialPool = nil
	}
	if c.qp != nil {
		c.dev.Verbs().DestroyQP(c.cmID, c.qp)
		c.qp = nil
	}
	if c.cq != nil {
		c.cq.FreeSlots(MaxCQEPerQP)
		c.deps.CQs.Release(c.dev, c.deps.Ctx, c.cq)
		c.cq = nil
	}
}

// postCreateHandshake implements spec.md §4.3's Initial-pool post-create
// step: post one recv from the Initial pool and seed both credit counters
// at 1.
func (c *Connection) postCreateHandshake() error {
	t, err := c.initialPool.Get(task.RoleRecv)
	if err != nil {
		return err
	}
	if err := c.dev.Verbs().PostRecv(c.qp, 0); err != nil {
		t.Release()
		return xerr.New(xerr.KindFatal, "postCreateHandshake", err)
	}
	c.rxList = append(c.rxList, t)
	c.peerCredits = 1
	c.simPeerCredits = 1
	return nil
}

// buildPools creates this Connection's Initial and Primary task pools
// (spec.md §4.3), plus an empty Phantom pool whose tasks are allocated
// lazily, one per Get, once its free-list is empty.
func (c *Connection) buildPools() error {
	initial, err := task.NewInitialPool(c.dev, c.deps.Logger)
	if err != nil {
		return xerr.New(xerr.KindOutOfMemory, "buildPools", err)
	}
	c.initialPool = initial

	params := task.Params{
		SQDepth:       c.sqDepth,
		RQDepth:       c.rqDepth,
		ActualRQDepth: c.actualRQDepth,
		MembufSz:      c.deps.MembufSz,
		MaxSGE:        c.maxSGE,
		MaxInIovsz:    c.deps.MaxInIovsz,
		MaxOutIovsz:   c.deps.MaxOutIovsz,
	}
	primary, err := task.NewPrimaryPool(c.dev, params, c.deps.Logger)
	if err != nil {
		return xerr.New(xerr.KindOutOfMemory, "buildPools", err)
	}
	c.primaryPool = primary

	phantom, err := task.NewPhantomPool(c.dev, params, c.deps.Logger)
	if err != nil {
		return xerr.New(xerr.KindOutOfMemory, "buildPools", err)
	}
	c.phantomPool = phantom
	return nil
}

// teardownQPLocked tears down everything setupQP built, in reverse
// order. Called with c.mu held, from Close and from requestDestroy.
func (c *Connection) teardownQPLocked() {
	c.flushAllTasksLocked()

	if c.phantomPool != nil {
		if err := c.phantomPool.SlabDestroy(); err != nil {
			c.deps.Logger.Warn("phantom pool destroy failed", "conn", c.key, "err", err)
		}
		c.phantomPool = nil
	}
	if c.primaryPool != nil {
		if err := c.primaryPool.SlabDestroy(); err != nil {
			c.deps.Logger.Warn("primary pool destroy failed", "conn", c.key, "err", err)
		}
		c.primaryPool = nil
	}
	if c.initialPool != nil {
		if err := c.initialPool.SlabDestroy(); err != nil {
			c.deps.Logger.Warn("initial pool destroy failed", "conn", c.key, "err", err)
		}
		c.initialPool = nil
	}

	if c.qp != nil {
		if err := c.dev.Verbs().DestroyQP(c.cmID, c.qp); err != nil {
			c.deps.Logger.Warn("destroy qp failed", "conn", c.key, "err", err)
		}
		c.qp = nil
	}

	if c.cq != nil {
		c.cq.FreeSlots(MaxCQEPerQP)
		c.cq.Detach(c)
		c.deps.CQs.Release(c.dev, c.deps.Ctx, c.cq)
		c.cq = nil
	}

	if c.dev != nil {
		c.dev.Release()
		c.dev = nil
	}
}
