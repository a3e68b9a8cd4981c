package vmmem

import "time"

const (
	// maxSwapReadRetries bounds how often a failed swap read is
	// retried before the VM is declared dead. The backoff grows with
	// each attempt.
	maxSwapReadRetries = 5

	swapRetryBaseDelay = 10 * time.Millisecond
)

// faultToken carries one asynchronous swap-in from issue to
// completion. Device contexts share a single long-lived token since
// they cannot block; everything else gets an ephemeral one.
type faultToken struct {
	ppn   PPN
	dst   MPN
	slot  SlotID
	ch    chan error
	inUse bool
}

// PageFault resolves a guest page fault and returns the machine page
// backing ppn. Kernel and monitor faults may block on swap-in and on
// memory pressure; device faults never block and return ErrWouldBlock
// while the page is being brought in, expecting a retry.
func (vm *VM) PageFault(ppn PPN, write bool, src FaultSource) (MPN, error) {
	start := time.Now()
	defer func() { recordFault(time.Since(start)) }()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	canBlock := src != SourceDevice
	return vm.pageFaultLocked(ppn, write, canBlock, src)
}

// PPNToMPN translates a guest physical page for kernel access, faulting
// the page in if needed. A writeable translation breaks copy-on-write
// backing first. With canBlock false the call never sleeps and returns
// ErrWouldBlock when it would have to.
func (vm *VM) PPNToMPN(ppn PPN, writeable, canBlock bool) (MPN, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if canBlock {
		if err := vm.memWait(); err != nil {
			return InvalidMPN, err
		}
	}
	return vm.pageFaultLocked(ppn, writeable, canBlock, SourceKernel)
}

// FrameInfo is a point-in-time view of one frame, for inspection only.
type FrameInfo struct {
	State    FrameState
	MPN      MPN
	Slot     SlotID
	PinCount uint16
}

// Query returns the current frame state for ppn without faulting.
func (vm *VM) Query(ppn PPN) (FrameInfo, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.dir.contains(ppn) {
		return FrameInfo{}, ErrPPNOutOfRange
	}
	f := vm.dir.frame(ppn)
	if f == nil {
		return FrameInfo{State: FrameInvalid, MPN: InvalidMPN, Slot: InvalidSlot}, nil
	}
	return FrameInfo{State: f.state, MPN: f.mpn, Slot: f.slot, PinCount: f.pinCount}, nil
}

// pageFaultLocked is the fault resolver core. It loops because every
// sleep releases the lock and invalidates everything it knew; each
// pass revalidates the frame from scratch.
func (vm *VM) pageFaultLocked(ppn PPN, write, canBlock bool, src FaultSource) (MPN, error) {
resolve:
	for {
		if err := vm.checkAliveLocked(); err != nil {
			return InvalidMPN, err
		}
		if !vm.dir.contains(ppn) {
			return InvalidMPN, ErrPPNOutOfRange
		}

		// while a checkpoint is saving, faults are served from the
		// frozen image inside the chunk the saver is writing and
		// refused everywhere else
		if vm.cpt.active {
			mpn, err := vm.checkpointFaultLocked(ppn, src)
			if err == errRetryFault {
				continue resolve
			}
			return mpn, err
		}

		f := vm.dir.ensureFrame(ppn)

		switch f.State() {
		case FrameRegular, FrameCOWHint:
			return f.mpn, nil

		case FrameCOW:
			if !write {
				return f.mpn, nil
			}
			mpn, err := vm.copyCOWPageLocked(ppn, f, src == SourceMonitor, canBlock)
			if err == errRetryFault {
				continue resolve
			}
			return mpn, err

		case FrameSwapOut:
			// contents are still resident; abort the swap-out by
			// reverting to regular, the swapper notices at completion
			f.setRegular(f.mpn)
			return f.mpn, nil

		case FrameSwapIn:
			if !canBlock {
				recordBusyError()
				return InvalidMPN, ErrWouldBlock
			}
			vm.swapDone.Wait()
			continue resolve

		case FrameSwapped:
			if !canBlock {
				if err := vm.startAsyncSwapIn(ppn, f, src); err != nil {
					return InvalidMPN, err
				}
				return InvalidMPN, ErrWouldBlock
			}
			mpn, err := vm.swapInSync(ppn, f)
			if err == errRetryFault {
				continue resolve
			}
			if err != nil {
				return InvalidMPN, err
			}
			// page came back private; a write needs nothing more
			return mpn, nil

		case FrameInvalid:
			if canBlock {
				if err := vm.memWait(); err != nil {
					return InvalidMPN, err
				}
				// frame may have changed while we waited
				if f.State() != FrameInvalid {
					continue resolve
				}
			}
			mpn, err := vm.allocPage(AnyPlacement)
			if err != nil {
				return InvalidMPN, err
			}
			vm.zeroPage(mpn)
			f.setRegular(mpn)
			vm.usage.Locked++
			recordZeroFill()
			return mpn, nil

		default:
			vm.fatal("frame for ppn %#x in impossible state %v", ppn, f.State())
			return InvalidMPN, vm.dead
		}
	}
}

// startAsyncSwapIn issues a nonblocking swap read. Device faults share
// the VM's one device token; a second device fault while it is busy
// just sees ErrWouldBlock again. Called with vm.mu held.
func (vm *VM) startAsyncSwapIn(ppn PPN, f *Frame, src FaultSource) error {
	var tok *faultToken
	if src == SourceDevice {
		if vm.devTok == nil {
			vm.devTok = &faultToken{ch: make(chan error, 1)}
		}
		if vm.devTok.inUse {
			recordBusyError()
			return ErrWouldBlock
		}
		tok = vm.devTok
	} else {
		tok = &faultToken{ch: make(chan error, 1)}
	}

	dst, err := vm.allocPage(AnyPlacement)
	if err != nil {
		return err
	}
	slot, _ := f.Slot()
	f.setSwapIn(dst, slot)
	tok.ppn, tok.dst, tok.slot, tok.inUse = ppn, dst, slot, true

	if err := vm.cfg.Swap.ReadSlot(slot, dst, tok.ch); err != nil {
		f.setSwapped(slot)
		tok.inUse = false
		vm.freePage(dst)
		return err
	}
	vm.inflight.Add(1)
	go vm.completeSwapIn(tok, time.Now())
	return nil
}

// completeSwapIn finishes an asynchronous swap read: it waits for the
// engine's completion, retries transient failures, and publishes the
// page under the VM lock.
func (vm *VM) completeSwapIn(tok *faultToken, start time.Time) {
	defer vm.inflight.Done()

	err := <-tok.ch
	for attempt := 1; err != nil && attempt <= maxSwapReadRetries; attempt++ {
		recordSwapRetry()
		time.Sleep(swapRetryBaseDelay << attempt)
		err = vm.cfg.Swap.ReadSlot(tok.slot, tok.dst, nil)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	defer func() { tok.inUse = false }()
	defer vm.swapDone.Broadcast()

	f := vm.dir.frame(tok.ppn)
	if f == nil || f.State() != FrameSwapIn {
		vm.log.Warn("swap-in completion found frame in unexpected state", "ppn", tok.ppn)
		vm.freePage(tok.dst)
		return
	}

	if err != nil {
		vm.freePage(tok.dst)
		f.setSwapped(tok.slot)
		vm.fatal("swap read for ppn %#x slot %d failed after retries: %v", tok.ppn, tok.slot, err)
		return
	}

	if dst, _ := f.SwapInMPN(); dst == InvalidMPN {
		// abandoned during teardown; keep the slot, drop the page
		vm.freePage(tok.dst)
		f.setSwapped(tok.slot)
		return
	}

	vm.cfg.Swap.FreeSlot(tok.slot)
	f.setRegular(tok.dst)
	vm.usage.Swapped--
	vm.usage.Locked++
	recordSwapIn(time.Since(start))
}

// swapInSync reads a swapped page back while the caller sleeps. The VM
// lock is dropped across the read; the frame sits in FrameSwapIn so
// concurrent faulters wait instead of issuing a second read.
func (vm *VM) swapInSync(ppn PPN, f *Frame) (MPN, error) {
	start := time.Now()
	if err := vm.memWait(); err != nil {
		return InvalidMPN, err
	}
	if f.State() != FrameSwapped {
		return InvalidMPN, errRetryFault
	}
	dst, err := vm.allocPage(AnyPlacement)
	if err != nil {
		return InvalidMPN, err
	}
	slot, _ := f.Slot()
	f.setSwapIn(dst, slot)

	vm.mu.Unlock()
	err = vm.cfg.Swap.ReadSlot(slot, dst, nil)
	for attempt := 1; err != nil && attempt <= maxSwapReadRetries; attempt++ {
		recordSwapRetry()
		time.Sleep(swapRetryBaseDelay << attempt)
		err = vm.cfg.Swap.ReadSlot(slot, dst, nil)
	}
	vm.mu.Lock()

	f = vm.dir.frame(ppn)
	if f == nil || f.State() != FrameSwapIn {
		vm.freePage(dst)
		vm.swapDone.Broadcast()
		if f == nil {
			return InvalidMPN, ErrNotFound
		}
		return InvalidMPN, errRetryFault
	}

	if err != nil {
		vm.freePage(dst)
		f.setSwapped(slot)
		vm.fatal("swap read for ppn %#x slot %d failed after retries: %v", ppn, slot, err)
		vm.swapDone.Broadcast()
		return InvalidMPN, vm.dead
	}

	if poisoned, _ := f.SwapInMPN(); poisoned == InvalidMPN {
		vm.freePage(dst)
		f.setSwapped(slot)
		vm.swapDone.Broadcast()
		return InvalidMPN, ErrVMClosed
	}

	vm.cfg.Swap.FreeSlot(slot)
	f.setRegular(dst)
	vm.usage.Swapped--
	vm.usage.Locked++
	recordSwapIn(time.Since(start))
	vm.swapDone.Broadcast()
	return dst, nil
}

// errRetryFault is an internal signal telling the resolver loop to
// revalidate; it never escapes to callers.
var errRetryFault = &VMError{Code: VM_FAILURE, message: "vmmem: internal fault retry"}

// TouchPages prefaults every page whose bit is set in the bitmap,
// where bit i covers PPN i. Returns how many pages were touched.
func (vm *VM) TouchPages(bitmap []byte) (uint32, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	var touched uint32
	for i, b := range bitmap {
		for bit := 0; bit < 8 && b != 0; bit++ {
			if b&(1<<bit) == 0 {
				continue
			}
			ppn := PPN(i*8 + bit)
			if !vm.dir.contains(ppn) {
				return touched, ErrPPNOutOfRange
			}
			if _, err := vm.pageFaultLocked(ppn, false, true, SourceKernel); err != nil {
				return touched, err
			}
			touched++
		}
	}
	return touched, nil
}

// GetPhysMemRange faults in a run of guest pages and pins them for
// host access, for device DMA and migration I/O. Release unpins.
func (vm *VM) GetPhysMemRange(start PPN, numPages uint32, writeable bool) (*PhysMemRange, error) {
	if numPages == 0 {
		return nil, ErrBadParam
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if uint64(start)+uint64(numPages) > uint64(vm.dir.numPhysPages) {
		return nil, ErrPPNOutOfRange
	}

	r := &PhysMemRange{StartPPN: start, MPNs: make([]MPN, 0, numPages), vm: vm}
	for i := uint32(0); i < numPages; i++ {
		ppn := start + PPN(i)
		mpn, err := vm.pageFaultLocked(ppn, writeable, true, SourceKernel)
		if err != nil {
			for j := uint32(0); j < uint32(len(r.MPNs)); j++ {
				vm.unpinLocked(start + PPN(j))
			}
			return nil, err
		}
		vm.pinLocked(ppn)
		r.MPNs = append(r.MPNs, mpn)
	}
	return r, nil
}

// Release unpins the range. The MPNs must not be touched afterwards.
func (r *PhysMemRange) Release() {
	if r == nil || r.vm == nil {
		return
	}
	r.vm.mu.Lock()
	for i := range r.MPNs {
		r.vm.unpinLocked(r.StartPPN + PPN(i))
	}
	r.vm.mu.Unlock()
	r.vm = nil
}
