package conn

import (
	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/task"
	"github.com/yuuki/xio-rdma-core/internal/xerr"
)

// Dup2 re-homes this Connection onto a different Device without tearing
// down the CM connection itself (spec.md §4.5): every outstanding task's
// descriptors are unmapped from the old device and remapped onto the
// new one, fast-registered buffers are re-registered for a fresh rkey,
// and the (old_rkey, new_rkey) pair is recorded in rkeyTbl so in-flight
// peer references can still be resolved.
//
// peerRkeyTbl is untouched here: it translates rkeys the *peer* granted
// us, which remain valid since the peer itself hasn't migrated: it only
// needs populating when the peer performs its own dup2 and tells us
// about it out of band (out of scope for this core, spec.md §1).
func (c *Connection) Dup2(newKey device.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return xerr.New(xerr.KindNoDevice, "Dup2", nil)
	}
	oldDev := c.dev
	newDev, err := c.deps.Devices.Lookup(newKey)
	if err != nil {
		return err
	}

	remapper, ok := taskRemapper(c.primaryPool)
	if !ok {
		newDev.Release()
		return xerr.New(xerr.KindNotSupported, "Dup2", nil)
	}

	lists := [][]*task.Task{
		c.rxList, c.txReadyList, c.txCompList,
		c.inFlightList, c.rdmaRdList, c.rdmaRdInFlightList, c.ioList,
	}
	for _, list := range lists {
		for _, t := range list {
			if err := remapper.SlabRemapTask(t, oldDev, newDev); err != nil {
				newDev.Release()
				return xerr.New(xerr.KindMapError, "Dup2", err)
			}
			if t.OldRkey != 0 {
				newRkey, newLkey, err := newDev.Verbs().FastReg(newDev.Key.Name, t.Buf)
				if err != nil {
					newDev.Release()
					return xerr.New(xerr.KindMapError, "Dup2", err)
				}
				c.rkeyTbl.Record(t.OldRkey, newRkey)
				t.OldRkey = newRkey
				t.NewRkey = newRkey
				for i := range t.WriteSide.SGL {
					t.WriteSide.SGL[i].Lkey = newLkey
				}
			}
		}
	}

	c.primaryPool.Rehome(newDev)
	c.initialPool.Rehome(newDev)
	c.phantomPool.Rehome(newDev)

	if c.cq != nil {
		c.cq.Detach(c)
		c.deps.CQs.Release(oldDev, c.deps.Ctx, c.cq)
	}
	newCQ, err := c.deps.CQs.Acquire(newDev, c.deps.Ctx, c.deps.OnlineCPUs, c.deps.Logger)
	if err != nil {
		newDev.Release()
		return err
	}
	c.cq = newCQ
	c.cq.Attach(c)

	oldDev.Release()
	c.dev = newDev
	return nil
}

// taskRemapper type-asserts a *task.Pool's Remapper capability without
// conn importing task's internal Ops wiring directly in more than this
// one spot.
func taskRemapper(p *task.Pool) (task.Remapper, bool) {
	r, ok := any(p).(task.Remapper)
	return r, ok
}

// TranslateRkey resolves a remote key the peer handed us against any
// dup2 migration we've performed locally (spec.md §4.5).
func (c *Connection) TranslateRkey(old uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rkeyTbl.Translate(old)
}

// TranslatePeerRkey resolves a remote key against the peer's own dup2
// migrations, as reported out of band (spec.md §4.5).
func (c *Connection) TranslatePeerRkey(old uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerRkeyTbl.Translate(old)
}

// RecordPeerRkey records a peer-reported (old, new) rkey translation
// pair into peerRkeyTbl.
func (c *Connection) RecordPeerRkey(old, new uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerRkeyTbl.Record(old, new)
}

// RkeyTableLen reports how many (old, new) pairs rkeyTbl has recorded,
// for metrics.
func (c *Connection) RkeyTableLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rkeyTbl.Len()
}
