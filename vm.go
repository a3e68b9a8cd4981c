package vmmem

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const (
	// p2mRingSize bounds the pending p2m invalidations. The execution
	// engine drains the ring on every action check, so overflow means
	// the engine stopped responding and the VM cannot continue safely.
	p2mRingSize = 256

	// hintBufSize bounds pending hint outcomes. Hint updates are
	// advisory; on overflow the update is dropped and a flag tells the
	// engine to revalidate all of its hints.
	hintBufSize = 64

	// remapLowMax bounds the queue of pages waiting to be remapped
	// into low memory.
	remapLowMax = 16

	// defaultMemWaitTimeout bounds how long a blocking fault waits for
	// free memory before giving up.
	defaultMemWaitTimeout = 30 * time.Second
)

// Config describes a VM's guest memory and the host services it runs
// against. Allocator, Mapper, Sharing, and Swap are shared across VMs;
// the VM never owns them.
type Config struct {
	// ID identifies this VM for cross-VM bookkeeping such as hints.
	ID VMID

	// Name is used in logs.
	Name string

	// NumPhysPages is the size of guest physical memory in pages.
	NumPhysPages uint32

	// BPNBase is the bus page number of guest physical page zero.
	BPNBase BPN

	Allocator FrameAllocator
	Mapper    PageMapper
	Sharing   PageSharing
	Swap      SwapEngine

	// Admission throttles allocation under memory pressure. Nil means
	// no throttling.
	Admission AdmissionControl

	// Actions receives doorbells for the execution engine. Nil means
	// no engine is attached and doorbells are discarded.
	Actions ActionSink

	// Peers resolves other VMs on the host so hint outcomes can be
	// routed to their owners. Nil means hints for other VMs are
	// dropped.
	Peers func(VMID) *VM

	// Logger receives structured logs. Nil means slog.Default.
	Logger *slog.Logger

	// MemWaitTimeout bounds blocking waits for free memory. Zero means
	// a built-in default.
	MemWaitTimeout time.Duration

	// OnFatal, if set, is called once when an unrecoverable error
	// kills the VM. Called without the VM lock held.
	OnFatal func(err error)
}

func (c *Config) validate() error {
	if c.NumPhysPages == 0 {
		return &VMError{Code: VM_BAD_PARAM, message: "vmmem: NumPhysPages must be nonzero"}
	}
	if uint64(c.BPNBase)+uint64(c.NumPhysPages) > uint64(InvalidBPN) {
		return &VMError{Code: VM_BAD_PARAM, message: "vmmem: BPN range overflows"}
	}
	if c.Allocator == nil {
		return &VMError{Code: VM_BAD_PARAM, message: "vmmem: Allocator is required"}
	}
	if c.Mapper == nil {
		return &VMError{Code: VM_BAD_PARAM, message: "vmmem: Mapper is required"}
	}
	if c.Sharing == nil {
		return &VMError{Code: VM_BAD_PARAM, message: "vmmem: Sharing is required"}
	}
	if c.Swap == nil {
		return &VMError{Code: VM_BAD_PARAM, message: "vmmem: Swap is required"}
	}
	return nil
}

// VM manages the guest physical memory of one virtual machine: the
// PPN to MPN mapping, page sharing, swapping, and checkpointing.
type VM struct {
	id   VMID
	name string
	cfg  Config
	log  *slog.Logger

	// mu protects everything below. swapDone is signaled whenever a
	// swap-in completes so blocked faulters can recheck their frame.
	mu       sync.Mutex
	swapDone *sync.Cond

	dir   *frameDir
	usage Usage

	// dead is set once by fatal; every entry point fails afterwards
	dead error

	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer

	// inflight counts asynchronous swap reads still owed a completion
	inflight sync.WaitGroup

	p2mBuf   [p2mRingSize]P2MUpdate
	p2mFill  uint32
	p2mDrain uint32
	p2mCount uint32
	p2mPeak  uint32

	hintBuf      []HintUpdate
	hintOverflow bool

	remapLow        []PPN
	remapLowDropped uint32

	cpt checkpointState

	// devTok is the single long-lived token for device faults; device
	// contexts cannot block so their swap-ins ride this token.
	devTok *faultToken

	pinWarned bool
}

// NewVM creates a guest memory manager for one VM.
func NewVM(cfg Config) (*VM, error) {
	if err := cfg.validate(); err != nil {
		recordResourceError()
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Admission == nil {
		cfg.Admission = NopAdmission{}
	}
	if cfg.Actions == nil {
		cfg.Actions = nopSink{}
	}
	if cfg.MemWaitTimeout == 0 {
		cfg.MemWaitTimeout = defaultMemWaitTimeout
	}

	vm := &VM{
		id:      cfg.ID,
		name:    cfg.Name,
		cfg:     cfg,
		log:     cfg.Logger.With("vm", cfg.Name, "vmid", uint32(cfg.ID)),
		dir:     newFrameDir(cfg.NumPhysPages),
		hintBuf: make([]HintUpdate, 0, hintBufSize),
		cpt:     checkpointState{dummy: InvalidMPN, bufStart: InvalidPPN},
	}
	vm.swapDone = sync.NewCond(&vm.mu)

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(vm, (*VM).finalize)

	return vm, nil
}

// ID returns the VM's identifier.
func (vm *VM) ID() VMID { return vm.id }

// NumPhysPages returns the size of guest physical memory in pages.
func (vm *VM) NumPhysPages() uint32 { return vm.dir.numPhysPages }

// PPNToBPN converts a guest physical page to its bus page number.
func (vm *VM) PPNToBPN(ppn PPN) (BPN, error) {
	if !vm.dir.contains(ppn) {
		return InvalidBPN, ErrPPNOutOfRange
	}
	return vm.cfg.BPNBase + BPN(ppn), nil
}

// BPNToPPN converts a bus page number back to the guest physical page
// it names. Returns ErrBadParam for BPNs outside guest main memory.
func (vm *VM) BPNToPPN(bpn BPN) (PPN, error) {
	if bpn < vm.cfg.BPNBase {
		return InvalidPPN, ErrBadParam
	}
	ppn := PPN(bpn - vm.cfg.BPNBase)
	if !vm.dir.contains(ppn) {
		return InvalidPPN, ErrBadParam
	}
	return ppn, nil
}

// IsMainMemBPN reports whether bpn falls inside guest main memory.
func (vm *VM) IsMainMemBPN(bpn BPN) bool {
	_, err := vm.BPNToPPN(bpn)
	return err == nil
}

// Usage returns a snapshot of the VM's page accounting.
func (vm *VM) Usage() Usage {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	u := vm.usage
	u.Overhead = vm.dir.pageCount() + vm.cpt.overheadPages()
	return u
}

// Dead returns the fatal error that killed the VM, or nil.
func (vm *VM) Dead() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.dead
}

// checkAliveLocked gates every entry point on VM health.
func (vm *VM) checkAliveLocked() error {
	if vm.closed {
		return ErrVMClosed
	}
	return vm.dead
}

// fatal marks the VM dead. The guest cannot make progress once its
// memory bookkeeping is inconsistent, so every later operation fails
// with ErrVMDead. Callers must hold vm.mu.
func (vm *VM) fatal(format string, args ...any) {
	if vm.dead != nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	vm.log.Error("fatal VM error", "err", msg)
	vm.dead = &VMError{Code: VM_DEAD, message: "vmmem: VM dead: " + msg}
	// unblock anyone waiting on swap-ins so they observe the death
	vm.swapDone.Broadcast()
	if vm.cfg.OnFatal != nil {
		err := vm.dead
		go vm.cfg.OnFatal(err)
	}
}

// memWait releases the VM lock and blocks until the host is above its
// low-memory watermark. Returns ErrTimeout if pressure persists.
// Callers must revalidate all frame state afterwards.
func (vm *VM) memWait() error {
	if !vm.cfg.Admission.LowOnPages() {
		return nil
	}
	vm.mu.Unlock()
	err := vm.cfg.Admission.BlockWhileLow(vm.cfg.MemWaitTimeout)
	vm.mu.Lock()
	if err != nil {
		return err
	}
	return vm.checkAliveLocked()
}

// allocPage reserves one page with admission control and allocates a
// machine page, charging the resource error counter on failure.
func (vm *VM) allocPage(p Placement) (MPN, error) {
	if err := vm.cfg.Admission.Reserve(1); err != nil {
		recordResourceError()
		return InvalidMPN, err
	}
	mpn, err := vm.cfg.Allocator.AllocPage(p)
	if err != nil {
		vm.cfg.Admission.Unreserve(1)
		recordResourceError()
		return InvalidMPN, err
	}
	return mpn, nil
}

// freePage returns a machine page to the allocator and its reservation
// to admission control. Every page the VM frees came through allocPage
// on some VM, so the host budget stays balanced.
func (vm *VM) freePage(mpn MPN) {
	vm.cfg.Allocator.FreePage(mpn)
	vm.cfg.Admission.Unreserve(1)
}

// zeroPage clears a machine page through the mapper.
func (vm *VM) zeroPage(mpn MPN) {
	data, release := vm.cfg.Mapper.Map(mpn)
	clear(data)
	release()
}

// copyPageContents copies one machine page onto another.
func (vm *VM) copyPageContents(dst, src MPN) {
	sdata, srel := vm.cfg.Mapper.Map(src)
	ddata, drel := vm.cfg.Mapper.Map(dst)
	copy(ddata, sdata)
	drel()
	srel()
}

// pageIsZero reports whether a machine page is all zeroes.
func (vm *VM) pageIsZero(mpn MPN) bool {
	data, release := vm.cfg.Mapper.Map(mpn)
	defer release()
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// pagesEqual compares the contents of two machine pages.
func (vm *VM) pagesEqual(a, b MPN) bool {
	adata, arel := vm.cfg.Mapper.Map(a)
	bdata, brel := vm.cfg.Mapper.Map(b)
	eq := string(adata) == string(bdata)
	brel()
	arel()
	return eq
}

// queueP2MUpdate buffers a p2m invalidation for the execution engine.
// Each queued entry holds one sharing reference on mpn; the reference
// is dropped when the engine acknowledges via P2MUpdateDone. Ring
// overflow is fatal: the engine has stopped draining and stale
// mappings would corrupt the guest. Callers must hold vm.mu.
func (vm *VM) queueP2MUpdate(bpn BPN, mpn MPN) {
	if vm.p2mCount == p2mRingSize {
		vm.fatal("p2m update ring overflow (fill=%d drain=%d)", vm.p2mFill, vm.p2mDrain)
		return
	}
	vm.p2mBuf[vm.p2mFill] = P2MUpdate{BPN: bpn, MPN: mpn}
	vm.p2mFill = (vm.p2mFill + 1) % p2mRingSize
	vm.p2mCount++
	if vm.p2mCount > vm.p2mPeak {
		vm.p2mPeak = vm.p2mCount
	}
	vm.cfg.Actions.Post(ActionP2MUpdate)
}

// P2MUpdateGet returns the oldest pending p2m invalidation without
// consuming it. The engine flushes the stale mapping, then calls
// P2MUpdateDone. The bool is false when the ring is empty.
func (vm *VM) P2MUpdateGet() (P2MUpdate, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.p2mCount == 0 {
		return P2MUpdate{}, false
	}
	return vm.p2mBuf[vm.p2mDrain], true
}

// P2MUpdateDone acknowledges the oldest pending invalidation. The
// queued sharing reference on the shared page is dropped here; if it
// was the last reference the page goes back to the allocator.
func (vm *VM) P2MUpdateDone(bpn BPN) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return err
	}
	if vm.p2mCount == 0 {
		return ErrNotFound
	}
	upd := vm.p2mBuf[vm.p2mDrain]
	if upd.BPN != bpn {
		return &VMError{Code: VM_BAD_PARAM,
			message: fmt.Sprintf("vmmem: p2m ack out of order (got bpn %#x, head %#x)", bpn, upd.BPN)}
	}
	vm.p2mDrain = (vm.p2mDrain + 1) % p2mRingSize
	vm.p2mCount--
	vm.releaseQueuedPage(upd.MPN)
	return nil
}

// releaseQueuedPage drops the reference a p2m ring entry held on its
// old machine page. Shared pages lose one table reference; private
// pages displaced by a remap go straight back to the allocator.
// Callers must hold vm.mu.
func (vm *VM) releaseQueuedPage(mpn MPN) {
	if _, _, err := vm.cfg.Sharing.LookupByMPN(mpn); err != nil {
		vm.freePage(mpn)
		return
	}
	vm.releaseSharedRef(mpn)
}

// releaseSharedRef drops one sharing reference on mpn, freeing the
// page when the count reaches zero. Callers must hold vm.mu.
func (vm *VM) releaseSharedRef(mpn MPN) {
	key, _, err := vm.cfg.Sharing.LookupByMPN(mpn)
	if err != nil {
		vm.log.Warn("shared page vanished before release", "mpn", mpn)
		return
	}
	count, err := vm.cfg.Sharing.Remove(key, mpn)
	if err != nil {
		vm.log.Warn("shared ref release failed", "mpn", mpn, "err", err)
		return
	}
	if count == 0 {
		vm.freePage(mpn)
	}
}

// queueHintUpdate buffers a hint outcome for this VM's engine. The
// buffer is bounded; overflow drops the update and sets a flag that
// tells the engine to revalidate everything. Callers must hold vm.mu.
func (vm *VM) queueHintUpdate(bpn BPN, status HintStatus) {
	if len(vm.hintBuf) == hintBufSize {
		vm.hintOverflow = true
		return
	}
	vm.hintBuf = append(vm.hintBuf, HintUpdate{BPN: bpn, Status: status})
	vm.cfg.Actions.Post(ActionHintUpdate)
}

// postHintUpdate routes a hint outcome to the VM owning the hint.
// Callers must not hold vm.mu: queueing takes the owner's lock, and
// two VMs sharing against each other's hints would otherwise acquire
// their locks in opposite orders and deadlock.
func (vm *VM) postHintUpdate(owner VMID, ppn PPN, status HintStatus) {
	target := vm
	if owner != vm.id {
		if vm.cfg.Peers == nil {
			vm.log.Debug("no peer lookup, dropping hint update", "owner", uint32(owner))
			return
		}
		target = vm.cfg.Peers(owner)
		if target == nil {
			vm.log.Debug("hint owner gone, dropping hint update", "owner", uint32(owner))
			return
		}
	}
	bpn, err := target.PPNToBPN(ppn)
	if err != nil {
		return
	}
	target.mu.Lock()
	if target.checkAliveLocked() == nil {
		target.queueHintUpdate(bpn, status)
	}
	target.mu.Unlock()
}

// HintUpdatesGet drains pending hint outcomes. The overflow flag is
// true if outcomes were dropped since the last drain; the engine must
// then revalidate all of its hints.
func (vm *VM) HintUpdatesGet(max int) ([]HintUpdate, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if max <= 0 || max > len(vm.hintBuf) {
		max = len(vm.hintBuf)
	}
	out := make([]HintUpdate, max)
	copy(out, vm.hintBuf[:max])
	vm.hintBuf = append(vm.hintBuf[:0], vm.hintBuf[max:]...)
	overflow := vm.hintOverflow
	if len(vm.hintBuf) == 0 {
		vm.hintOverflow = false
	}
	return out, overflow
}

// Close tears down the VM and releases every page it still owns back
// to the shared services. Idempotent.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil // Already closed
	}

	vm.mu.Lock()
	vm.closed = true
	// abandon in-flight swap reads; their completions revert the
	// frames to swapped and the reclaim pass below frees the slots
	vm.dir.forEach(func(ppn PPN, f *Frame) {
		if f.State() == FrameSwapIn {
			f.poisonSwapIn()
		}
	})
	vm.swapDone.Broadcast()
	vm.mu.Unlock()

	vm.inflight.Wait()

	vm.mu.Lock()
	vm.reclaimAllLocked()
	vm.cpt.releaseLocked(vm)
	vm.devTok = nil
	vm.mu.Unlock()

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(vm, nil)

	return nil
}

// reclaimAllLocked walks the frame directory and returns every backing
// resource. Pending p2m references are dropped first since they pin
// shared pages.
func (vm *VM) reclaimAllLocked() {
	for vm.p2mCount > 0 {
		upd := vm.p2mBuf[vm.p2mDrain]
		vm.p2mDrain = (vm.p2mDrain + 1) % p2mRingSize
		vm.p2mCount--
		vm.releaseQueuedPage(upd.MPN)
	}

	var pinned uint32
	vm.dir.forEach(func(ppn PPN, f *Frame) {
		if f.Pinned() {
			pinned++
		}
		switch f.State() {
		case FrameRegular, FrameSwapOut:
			vm.freePage(f.mpn)
		case FrameCOW:
			vm.releaseSharedRef(f.mpn)
		case FrameCOWHint:
			if err := vm.cfg.Sharing.RemoveHint(f.mpn, vm.id, ppn); err != nil {
				vm.log.Warn("hint removal failed during teardown", "ppn", ppn, "err", err)
			}
			vm.freePage(f.mpn)
		case FrameSwapped:
			vm.cfg.Swap.FreeSlot(f.slot)
		case FrameSwapIn:
			// only a poisoned synchronous swap-in can still be here;
			// the reader frees its destination page, the slot is ours
			vm.cfg.Swap.FreeSlot(f.slot)
		}
		f.reset()
		f.pinCount = 0
	})
	if pinned > 0 {
		vm.log.Warn("released pinned pages at teardown", "pages", pinned)
	}
	vm.usage = Usage{}
}

// finalize is called by the garbage collector as a safety net
func (vm *VM) finalize() {
	if vm == nil {
		return
	}
	if vm.closeMu.TryLock() {
		closed := vm.closed
		vm.closeMu.Unlock()
		if !closed {
			vm.Close() // Best effort cleanup
		}
	}
}
