package task

import (
	"log/slog"
	"sync"

	"github.com/yuuki/xio-rdma-core/internal/device"
	"github.com/yuuki/xio-rdma-core/internal/verbs"
	"github.com/yuuki/xio-rdma-core/internal/xerr"
)

// Kind distinguishes the three pools a Connection owns (spec.md §4.3).
type Kind int

const (
	// KindInitial is the small fixed-count handshake pool.
	KindInitial Kind = iota
	// KindPrimary is the data-path pool sized from negotiated queue depths.
	KindPrimary
	// KindPhantom is the lazily-grown, buffer-less RDMA-scatter-list pool.
	KindPhantom
)

// Tunable sizing constants (spec.md §4.3, §4.6).
const (
	// NumConnSetupTasks is the fixed Initial-pool task count.
	NumConnSetupTasks = 4
	// ConnSetupBufSize is the Initial-pool per-task buffer size.
	ConnSetupBufSize = 256

	// primaryPoolMultiplier is the 6x oversubscription factor from
	// spec.md §4.3/§4.6. SPEC_FULL.md §5 open-question 1: kept as an
	// empirical constant, not re-derived, per spec.md §9.
	primaryPoolMultiplier = 6
)

// Params are the negotiated sizes a pool needs to compute its own
// geometry (spec.md §4.6).
type Params struct {
	SQDepth       int
	RQDepth       int
	ActualRQDepth int
	MembufSz      int
	MaxSGE        int
	MaxInIovsz    int
	MaxOutIovsz   int
}

// MaxIovsz is max(MaxInIovsz, MaxOutIovsz) + 1 (spec.md §4.3).
func (p Params) MaxIovsz() int {
	m := p.MaxInIovsz
	if p.MaxOutIovsz > m {
		m = p.MaxOutIovsz
	}
	return m + 1
}

// NumTasks implements spec.md §4.6's num_tasks = 6 × (sq_depth + actual_rq_depth).
func (p Params) NumTasks() int {
	return primaryPoolMultiplier * (p.SQDepth + p.ActualRQDepth)
}

// MaxTxReadyTasksNum implements spec.md §4.6's max_tx_ready_tasks_num = sq_depth.
func (p Params) MaxTxReadyTasksNum() int { return p.SQDepth }

// Ops is the polymorphic task-pool-ops vtable from spec.md §9: Initial,
// Primary and Phantom pools share this capability set; SlabRemapTask is
// optional (only Primary implements device-migration remapping).
type Ops interface {
	GetParams() Params
	SlabPreCreate(count int) error
	SlabPostCreate() error
	SlabInitTask(t *Task) error
	SlabUninitTask(t *Task) error
	SlabDestroy() error
	TaskPrePut(t *Task)
}

// Remapper is implemented by pools that support dup2 device migration
// (only Primary, per spec.md §9).
type Remapper interface {
	SlabRemapTask(t *Task, oldDev, newDev *device.Device) error
}

// Pool is the concrete task pool: a slab-backed allocator plus free-list,
// parameterized by an Ops implementation for kind-specific behavior.
type Pool struct {
	Kind   Kind
	Params Params
	Dev    *device.Device

	vb     verbs.Verbs
	logger *slog.Logger

	mu       sync.Mutex
	slab     []byte
	tasks    []*Task
	freeList []*Task
}

// NewInitialPool builds the fixed-size handshake pool (spec.md §4.3).
func NewInitialPool(dev *device.Device, logger *slog.Logger) (*Pool, error) {
	params := Params{MaxSGE: 1, MaxInIovsz: 1, MaxOutIovsz: 1}
	return newPool(KindInitial, dev, params, NumConnSetupTasks, ConnSetupBufSize, logger)
}

// NewPrimaryPool builds the data-path pool sized from negotiated queue
// depths (spec.md §4.3, §4.6).
func NewPrimaryPool(dev *device.Device, params Params, logger *slog.Logger) (*Pool, error) {
	return newPool(KindPrimary, dev, params, params.NumTasks(), params.MembufSz, logger)
}

// NewPhantomPool builds an empty, lazily-grown buffer-less pool; tasks
// are appended on demand by Get when the free-list is empty (spec.md §4.3).
func NewPhantomPool(dev *device.Device, params Params, logger *slog.Logger) (*Pool, error) {
	return newPool(KindPhantom, dev, params, 0, 0, logger)
}

func newPool(kind Kind, dev *device.Device, params Params, count, bufSize int, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		Kind:   kind,
		Params: params,
		Dev:    dev,
		vb:     dev.Verbs(),
		logger: logger,
	}
	if count > 0 {
		if err := p.slabPreCreate(count, bufSize); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) slabPreCreate(count, bufSize int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bufSize > 0 {
		p.slab = make([]byte, count*bufSize)
	}
	maxIovsz := p.Params.MaxIovsz()
	p.tasks = make([]*Task, 0, count)
	for i := 0; i < count; i++ {
		t := &Task{pool: p}
		if bufSize > 0 {
			t.Buf = p.slab[i*bufSize : (i+1)*bufSize]
		}
		maxSGE := p.Params.MaxSGE
		if maxSGE <= 0 {
			maxSGE = 1
		}
		t.RXD = Descriptor{SGL: make([]SGEntry, maxSGE), Dir: verbs.FromDevice}
		t.TXD = Descriptor{SGL: make([]SGEntry, maxSGE), Dir: verbs.ToDevice}
		t.RDMAD = Descriptor{SGL: make([]SGEntry, maxSGE)}
		t.ReadSide = IOSide{SGL: make([]SGEntry, maxIovsz), PoolSlots: make([]int, 0, maxIovsz), RemoteSGE: make([]SGEntry, maxIovsz)}
		t.WriteSide = IOSide{SGL: make([]SGEntry, maxIovsz), PoolSlots: make([]int, 0, maxIovsz), RemoteSGE: make([]SGEntry, maxIovsz)}
		p.tasks = append(p.tasks, t)
		p.freeList = append(p.freeList, t)
	}
	return nil
}

// GetParams implements Ops.
func (p *Pool) GetParams() Params { return p.Params }

// SlabPreCreate implements Ops for callers that build a Pool directly.
func (p *Pool) SlabPreCreate(count int) error { return p.slabPreCreate(count, p.Params.MembufSz) }

// SlabPostCreate implements Ops; nothing further to do once slabPreCreate
// has built the free-list.
func (p *Pool) SlabPostCreate() error { return nil }

// SlabInitTask implements Ops: maps a task's descriptors to the device on
// first use, in the direction implied by its role (spec.md §4.3 DMA
// mapping discipline).
func (p *Pool) SlabInitTask(t *Task) error {
	mapDir := func(d *Descriptor, buf []byte, dir verbs.Direction) error {
		if d.Mapped || len(buf) == 0 {
			return nil
		}
		lkey, err := p.vb.MapBuffer(p.Dev.Key.Name, buf, dir)
		if err != nil {
			return xerr.New(xerr.KindMapError, "SlabInitTask", err)
		}
		for i := range d.SGL {
			d.SGL[i].Lkey = lkey
		}
		d.Mapped = true
		d.Dir = dir
		return nil
	}

	switch t.Role {
	case RoleRecv:
		return mapDir(&t.RXD, t.Buf, verbs.FromDevice)
	case RoleSend:
		return mapDir(&t.TXD, t.Buf, verbs.ToDevice)
	case RoleRDMARead:
		return mapDir(&t.RDMAD, t.Buf, verbs.FromDevice)
	case RoleRDMAWrite:
		return mapDir(&t.RDMAD, t.Buf, verbs.ToDevice)
	default:
		return nil
	}
}

// SlabUninitTask implements Ops: unmaps whichever descriptors are
// currently mapped, exactly once, in their original direction. Errors are
// logged and teardown continues (spec.md §7: best effort, never crash).
func (p *Pool) SlabUninitTask(t *Task) error {
	unmap := func(d *Descriptor, buf []byte) {
		if !d.Mapped {
			return
		}
		if err := p.vb.UnmapBuffer(p.Dev.Key.Name, buf, d.Dir); err != nil {
			p.logger.Warn("unmap failed during task teardown", "err", err)
		}
		d.Mapped = false
	}
	unmap(&t.RXD, t.Buf)
	unmap(&t.TXD, t.Buf)
	unmap(&t.RDMAD, t.Buf)
	return nil
}

// TaskPrePut implements Ops: frees read/write side mempool slots; mapped
// descriptors stay mapped for reuse (spec.md §4.3).
func (p *Pool) TaskPrePut(t *Task) {
	t.ReadSide.PoolSlots = t.ReadSide.PoolSlots[:0]
	t.WriteSide.PoolSlots = t.WriteSide.PoolSlots[:0]
	t.Role = 0
	t.refcount = 0
}

// SlabDestroy implements Ops: unmaps every still-mapped descriptor across
// every task the pool ever created, exactly once, in its original
// direction; logs a leak if tasks are still checked out.
func (p *Pool) SlabDestroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	leaked := len(p.tasks) - len(p.freeList)
	if leaked > 0 {
		p.logger.Error("task pool destroyed with tasks still checked out", "pool", p.Kind, "leaked", leaked)
	}
	for _, t := range p.tasks {
		if err := p.SlabUninitTask(t); err != nil {
			p.logger.Warn("slab uninit task failed at pool destroy", "err", err)
		}
	}
	p.slab = nil
	p.tasks = nil
	p.freeList = nil
	return nil
}

// Rehome repoints the pool at a new device after a dup2 migration
// (spec.md §4.5). Callers must have already remapped every outstanding
// task via SlabRemapTask before calling this, since subsequent
// SlabInitTask/SlabUninitTask calls address the new device.
func (p *Pool) Rehome(newDev *device.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Dev = newDev
	p.vb = newDev.Verbs()
}

// SlabRemapTask implements Remapper: only Primary pools support
// device-migration remapping (spec.md §9).
func (p *Pool) SlabRemapTask(t *Task, oldDev, newDev *device.Device) error {
	if p.Kind != KindPrimary {
		return xerr.New(xerr.KindNotSupported, "SlabRemapTask", nil)
	}
	remap := func(d *Descriptor, buf []byte) error {
		if !d.Mapped || len(buf) == 0 {
			return nil
		}
		if err := oldDev.Verbs().UnmapBuffer(oldDev.Key.Name, buf, d.Dir); err != nil {
			return xerr.New(xerr.KindMapError, "SlabRemapTask", err)
		}
		lkey, err := newDev.Verbs().MapBuffer(newDev.Key.Name, buf, d.Dir)
		if err != nil {
			return xerr.New(xerr.KindMapError, "SlabRemapTask", err)
		}
		for i := range d.SGL {
			d.SGL[i].Lkey = lkey
		}
		return nil
	}
	if err := remap(&t.RXD, t.Buf); err != nil {
		return err
	}
	if err := remap(&t.TXD, t.Buf); err != nil {
		return err
	}
	if err := remap(&t.RDMAD, t.Buf); err != nil {
		return err
	}
	return nil
}

// Get pops a free task, growing the pool by one for Phantom pools when
// the free-list is empty (spec.md §4.3 "lazily grown"). Initial/Primary
// pools return KindOutOfMemory on exhaustion rather than growing.
func (p *Pool) Get(role Role) (*Task, error) {
	p.mu.Lock()
	if len(p.freeList) == 0 {
		if p.Kind != KindPhantom {
			p.mu.Unlock()
			return nil, xerr.New(xerr.KindOutOfMemory, "Get", nil)
		}
		p.mu.Unlock()
		t := &Task{pool: p, Role: RolePhantom, RDMAD: Descriptor{SGL: make([]SGEntry, maxInt(p.Params.MaxSGE, 1))}}
		p.mu.Lock()
		p.tasks = append(p.tasks, t)
		p.mu.Unlock()
		t.AddRef()
		if err := p.SlabInitTask(t); err != nil {
			return nil, err
		}
		return t, nil
	}
	t := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	p.mu.Unlock()

	t.Role = role
	t.AddRef()
	if err := p.SlabInitTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// put implements poolHandle: called by Task.Release once a task's
// refcount reaches zero.
func (p *Pool) put(t *Task) {
	p.TaskPrePut(t)
	p.mu.Lock()
	p.freeList = append(p.freeList, t)
	p.mu.Unlock()
}

// InUse reports how many tasks are currently checked out, for metrics.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks) - len(p.freeList)
}

// Total reports the pool's current task count, for metrics.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
