package vmmem

// BeginSwapOut stages ppn for swapping and returns the machine page
// the swapper must write out. The frame moves to FrameSwapOut; the
// contents stay readable and a fault aborts the swap-out by reverting
// the frame, which CommitSwapOut detects.
//
// Only private, unpinned, resident pages can be swapped. Shared and
// hinted pages are cheaper to reclaim through the sharing table, so
// they are refused with ErrBusy.
func (vm *VM) BeginSwapOut(ppn PPN) (MPN, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return InvalidMPN, err
	}
	if vm.cpt.active || vm.cpt.starting {
		recordBusyError()
		return InvalidMPN, ErrBusy
	}
	if !vm.dir.contains(ppn) {
		return InvalidMPN, ErrPPNOutOfRange
	}
	f := vm.dir.frame(ppn)
	if f == nil || f.State() != FrameRegular {
		recordBusyError()
		return InvalidMPN, ErrBusy
	}
	if f.Pinned() {
		recordBusyError()
		return InvalidMPN, ErrPagePinned
	}
	f.setSwapOut(f.mpn)
	return f.mpn, nil
}

// CommitSwapOut finishes a swap-out started by BeginSwapOut. slot is
// where the swapper wrote the page; writeErr is the outcome of that
// write. On success the machine page is freed and the frame records
// the slot.
//
// If the page was faulted on while the write was in flight the
// swap-out is aborted: the slot is released and ErrBusy tells the
// swapper the page it wrote is already stale.
func (vm *VM) CommitSwapOut(ppn PPN, slot SlotID, writeErr error) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return err
	}
	if !vm.dir.contains(ppn) {
		return ErrPPNOutOfRange
	}
	f := vm.dir.frame(ppn)
	if f == nil || f.State() != FrameSwapOut {
		// a fault reverted the frame; the written slot is garbage
		vm.cfg.Swap.FreeSlot(slot)
		recordBusyError()
		return ErrBusy
	}
	if writeErr != nil {
		f.setRegular(f.mpn)
		vm.cfg.Swap.FreeSlot(slot)
		vm.log.Warn("swap write failed, keeping page resident", "ppn", ppn, "err", writeErr)
		return ErrIO
	}
	vm.freePage(f.mpn)
	f.setSwapped(slot)
	vm.usage.Locked--
	vm.usage.Swapped++
	recordSwapOut()
	return nil
}

// SwapOutPages walks guest memory and swaps out up to max eligible
// pages through the swap engine. It is the synchronous driver used by
// reclaim policies and tests; a production swapper paces itself and
// uses BeginSwapOut and CommitSwapOut directly.
func (vm *VM) SwapOutPages(max uint32) (uint32, error) {
	if max == 0 {
		return 0, nil
	}
	var done uint32
	n := vm.NumPhysPages()
	for ppn := PPN(0); uint32(ppn) < n && done < max; ppn++ {
		mpn, err := vm.BeginSwapOut(ppn)
		if err != nil {
			if err == ErrVMClosed || isDead(err) {
				return done, err
			}
			continue
		}
		slot, err := vm.cfg.Swap.AllocSlot()
		if err != nil {
			// undo the staging; out of slots ends the scan
			vm.revertSwapOut(ppn)
			return done, err
		}
		werr := vm.cfg.Swap.WriteSlot(slot, mpn)
		if err := vm.CommitSwapOut(ppn, slot, werr); err != nil {
			continue
		}
		done++
	}
	return done, nil
}

func (vm *VM) revertSwapOut(ppn PPN) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	f := vm.dir.frame(ppn)
	if f != nil && f.State() == FrameSwapOut {
		f.setRegular(f.mpn)
	}
}

func isDead(err error) bool {
	ve, ok := err.(*VMError)
	return ok && ve.Code == VM_DEAD
}
