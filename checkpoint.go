package vmmem

import (
	"fmt"
	"io"
)

const (
	// checkpointBufPages is the size of the checkpoint staging buffer.
	// Non-resident pages are materialized here one chunk at a time, so
	// a whole-memory save needs only this much extra machine memory.
	checkpointBufPages = 64

	checkpointChunkMask = checkpointBufPages - 1
)

// checkpointState is the per-VM checkpoint bookkeeping, guarded by the
// VM lock.
type checkpointState struct {
	starting bool
	active   bool

	// dummy absorbs stray writes while the image is being saved
	dummy MPN

	buf      []MPN
	bufStart PPN
	bufOut   uint32
}

func (c *checkpointState) overheadPages() uint32 {
	var n uint32
	if c.dummy != InvalidMPN {
		n++
	}
	n += uint32(len(c.buf))
	return n
}

func (c *checkpointState) releaseLocked(vm *VM) {
	if c.dummy != InvalidMPN {
		vm.freePage(c.dummy)
	}
	for _, mpn := range c.buf {
		vm.freePage(mpn)
	}
	*c = checkpointState{dummy: InvalidMPN, bufStart: InvalidPPN}
}

// dummyPageLocked returns the dummy page, allocating it on first use.
func (c *checkpointState) dummyPageLocked(vm *VM) (MPN, error) {
	if c.dummy != InvalidMPN {
		return c.dummy, nil
	}
	mpn, err := vm.allocPage(AnyPlacement)
	if err != nil {
		return InvalidMPN, err
	}
	vm.zeroPage(mpn)
	c.dummy = mpn
	return mpn, nil
}

// CheckpointStart freezes the guest memory image for saving. The
// guest must already be suspended; faults arriving afterwards are
// served from a dummy page so the image stays consistent. Sharing,
// swapping, ballooning, and remapping are refused until
// CheckpointStop.
func (vm *VM) CheckpointStart() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return err
	}
	if vm.cpt.active || vm.cpt.starting {
		return ErrExists
	}
	vm.cpt = checkpointState{starting: true, dummy: InvalidMPN, bufStart: InvalidPPN}

	// wait out in-flight swap-ins so every frame is stable
	for vm.anySwapInLocked() {
		vm.swapDone.Wait()
		if err := vm.checkAliveLocked(); err != nil {
			vm.cpt = checkpointState{dummy: InvalidMPN, bufStart: InvalidPPN}
			return err
		}
	}

	// the staging buffer lives for the whole checkpoint; faults and
	// the saver both materialize non-resident pages through it
	vm.cpt.buf = make([]MPN, 0, checkpointBufPages)
	for i := 0; i < checkpointBufPages; i++ {
		mpn, err := vm.allocPage(AnyPlacement)
		if err != nil {
			vm.cpt.releaseLocked(vm)
			return err
		}
		vm.cpt.buf = append(vm.cpt.buf, mpn)
	}

	vm.cpt.starting = false
	vm.cpt.active = true
	vm.log.Info("checkpoint started")
	return nil
}

func (vm *VM) anySwapInLocked() bool {
	found := false
	vm.dir.forEach(func(ppn PPN, f *Frame) {
		if f.State() == FrameSwapIn {
			found = true
		}
	})
	return found
}

// CheckpointStop releases the checkpoint buffers and resumes normal
// operation.
func (vm *VM) CheckpointStop() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.cpt.active && !vm.cpt.starting {
		return ErrNotFound
	}
	if vm.cpt.bufOut != 0 {
		return ErrCheckpointBusy
	}
	vm.cpt.releaseLocked(vm)
	vm.log.Info("checkpoint stopped")
	return nil
}

// CheckpointPage materializes the saved contents of ppn and returns a
// machine page to read them from, plus a release func. Resident pages
// are returned in place; swapped pages are staged through the
// checkpoint buffer; untouched pages read as zeroes.
//
// The buffer serves one aligned 64-page chunk at a time. Asking for a
// page in a different chunk while pages from the current one are still
// held returns ErrCheckpointBusy; release the old chunk first.
func (vm *VM) CheckpointPage(ppn PPN) (MPN, func(), error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return InvalidMPN, nil, err
	}
	if !vm.cpt.active {
		return InvalidMPN, nil, ErrNotFound
	}
	if !vm.dir.contains(ppn) {
		return InvalidMPN, nil, ErrPPNOutOfRange
	}

	if err := vm.checkpointChunkLocked(ppn); err != nil {
		return InvalidMPN, nil, err
	}

	release := func() {}
	f := vm.dir.frame(ppn)
	if f != nil && f.State().resident() {
		recordCheckpointPage()
		return f.mpn, release, nil
	}

	buf := vm.checkpointBufPageLocked(ppn)
	release = func() {
		vm.mu.Lock()
		vm.cpt.bufOut--
		vm.mu.Unlock()
	}

	if f == nil || f.State() == FrameInvalid {
		vm.zeroPage(buf)
		recordCheckpointPage()
		return buf, release, nil
	}

	// swapped: read the slot into the buffer page; the frame keeps
	// its slot and the guest image on disk stays authoritative
	slot, ok := f.Slot()
	if !ok {
		vm.cpt.bufOut--
		return InvalidMPN, nil, ErrBusy
	}
	vm.mu.Unlock()
	rerr := vm.cfg.Swap.ReadSlot(slot, buf, nil)
	vm.mu.Lock()
	if rerr != nil {
		vm.cpt.bufOut--
		return InvalidMPN, nil, fmt.Errorf("checkpoint read of slot %d failed: %w", slot, ErrIO)
	}
	recordCheckpointPage()
	return buf, release, nil
}

// checkpointChunkLocked moves the staging window to ppn's aligned
// chunk. The window follows the saver's cursor; it only moves once
// every page handed out from the previous chunk has been released.
func (vm *VM) checkpointChunkLocked(ppn PPN) error {
	chunk := ppn &^ PPN(checkpointChunkMask)
	if chunk != vm.cpt.bufStart {
		if vm.cpt.bufOut != 0 {
			recordBusyError()
			return ErrCheckpointBusy
		}
		vm.cpt.bufStart = chunk
	}
	return nil
}

// checkpointBufPageLocked hands out the staging page for ppn within
// the current chunk.
func (vm *VM) checkpointBufPageLocked(ppn PPN) MPN {
	vm.cpt.bufOut++
	return vm.cpt.buf[ppn&checkpointChunkMask]
}

// checkpointFaultLocked serves a fault that arrives while a checkpoint
// is saving. The image must stay frozen, so only host-side callers
// asking for pages inside the chunk the saver is currently writing are
// served: resident pages in place, COW pages as transient buffer
// copies, swapped pages staged from their slot, untouched pages from
// the shared dummy page. Everything else is refused with
// ErrCheckpointBusy rather than handed a wrong page.
func (vm *VM) checkpointFaultLocked(ppn PPN, src FaultSource) (MPN, error) {
	if src == SourceMonitor ||
		vm.cpt.bufStart == InvalidPPN ||
		ppn&^PPN(checkpointChunkMask) != vm.cpt.bufStart {
		recordBusyError()
		return InvalidMPN, ErrCheckpointBusy
	}

	f := vm.dir.frame(ppn)
	if f == nil || f.State() == FrameInvalid {
		return vm.cpt.dummyPageLocked(vm)
	}

	switch f.State() {
	case FrameRegular, FrameCOWHint:
		return f.mpn, nil

	case FrameSwapOut:
		f.setRegular(f.mpn)
		return f.mpn, nil

	case FrameCOW:
		// a transient copy keeps callers off the canonical page; the
		// shared zero page is served from the dummy instead
		if vm.cfg.Sharing.IsZeroMPN(f.mpn) {
			return vm.cpt.dummyPageLocked(vm)
		}
		buf := vm.cpt.buf[ppn&checkpointChunkMask]
		vm.copyPageContents(buf, f.mpn)
		return buf, nil

	case FrameSwapped:
		// stage the slot into the buffer without an explicit swap-in;
		// the on-disk copy stays authoritative for the image
		slot, _ := f.Slot()
		buf := vm.cpt.buf[ppn&checkpointChunkMask]
		vm.cpt.bufOut++
		vm.mu.Unlock()
		rerr := vm.cfg.Swap.ReadSlot(slot, buf, nil)
		vm.mu.Lock()
		vm.cpt.bufOut--
		if err := vm.checkAliveLocked(); err != nil {
			return InvalidMPN, err
		}
		if rerr != nil {
			return InvalidMPN, fmt.Errorf("checkpoint read of slot %d failed: %w", slot, ErrIO)
		}
		if !vm.cpt.active {
			return InvalidMPN, errRetryFault
		}
		return buf, nil

	default:
		// swap-ins were drained at CheckpointStart and none start
		// while the checkpoint is active
		recordBusyError()
		return InvalidMPN, ErrCheckpointBusy
	}
}

// CheckpointSave writes the full guest memory image to w, page zero
// first. The VM must be checkpoint-started.
func (vm *VM) CheckpointSave(w io.Writer) error {
	vm.mu.Lock()
	active := vm.cpt.active
	n := vm.dir.numPhysPages
	vm.mu.Unlock()
	if !active {
		return ErrNotFound
	}

	for ppn := PPN(0); uint32(ppn) < n; ppn++ {
		mpn, release, err := vm.CheckpointPage(ppn)
		if err != nil {
			return err
		}
		data, unmap := vm.cfg.Mapper.Map(mpn)
		_, werr := w.Write(data)
		unmap()
		release()
		if werr != nil {
			return fmt.Errorf("checkpoint write for ppn %#x: %w", ppn, werr)
		}
	}
	return nil
}

// CheckpointRestore populates a fresh VM's memory from a saved image.
// All-zero pages are left untouched so the restored guest keeps its
// sparse footprint.
func (vm *VM) CheckpointRestore(r io.Reader) error {
	n := vm.NumPhysPages()
	page := make([]byte, PageSize)
	for ppn := PPN(0); uint32(ppn) < n; ppn++ {
		if _, err := io.ReadFull(r, page); err != nil {
			if err == io.EOF {
				return nil // short image; the rest stays zero
			}
			return fmt.Errorf("checkpoint image read for ppn %#x: %w", ppn, err)
		}
		zero := true
		for _, b := range page {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			continue
		}
		mpn, err := vm.PPNToMPN(ppn, true, true)
		if err != nil {
			return err
		}
		data, unmap := vm.cfg.Mapper.Map(mpn)
		copy(data, page)
		unmap()
	}
	return nil
}
