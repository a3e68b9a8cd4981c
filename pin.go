package vmmem

// pinLocked raises the pin count on a resident frame. Callers must
// hold vm.mu and have faulted the page in.
func (vm *VM) pinLocked(ppn PPN) {
	f := vm.dir.frame(ppn)
	if f == nil || !f.State().resident() {
		vm.fatal("pin of non-resident ppn %#x", ppn)
		return
	}
	if !f.Pinned() {
		vm.usage.Pinned++
	}
	f.incPin()
	recordPinOperation()
}

// unpinLocked lowers the pin count. An unbalanced unpin is a caller
// bug; it is logged once and otherwise ignored.
func (vm *VM) unpinLocked(ppn PPN) {
	f := vm.dir.frame(ppn)
	if f == nil || !f.decPin() {
		if !vm.pinWarned {
			vm.pinWarned = true
			vm.log.Warn("unbalanced unpin", "ppn", ppn)
		}
		return
	}
	if !f.Pinned() {
		vm.usage.Pinned--
	}
	recordPinOperation()
}

// PinPage faults ppn in if needed and pins it resident, returning the
// backing machine page. Pinned pages are skipped by swap, sharing, and
// remap until unpinned. The pin count saturates; a saturated page
// stays pinned for the VM's lifetime.
func (vm *VM) PinPage(ppn PPN, writeable bool) (MPN, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return InvalidMPN, err
	}
	mpn, err := vm.pageFaultLocked(ppn, writeable, true, SourceKernel)
	if err != nil {
		return InvalidMPN, err
	}
	vm.pinLocked(ppn)
	return mpn, nil
}

// UnpinPage undoes one PinPage.
func (vm *VM) UnpinPage(ppn PPN) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return err
	}
	if !vm.dir.contains(ppn) {
		return ErrPPNOutOfRange
	}
	vm.unpinLocked(ppn)
	return nil
}

// CanBalloon reports whether ppn could be released right now. The
// balloon driver probes before surrendering a page; nil means a
// release would succeed, otherwise the error BalloonReleasePage would
// return.
func (vm *VM) CanBalloon(ppn PPN) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return err
	}
	if vm.cpt.active || vm.cpt.starting {
		return ErrBusy
	}
	if !vm.dir.contains(ppn) {
		return ErrPPNOutOfRange
	}
	f := vm.dir.frame(ppn)
	if f == nil || f.State() == FrameInvalid {
		return nil
	}
	if f.Pinned() {
		return ErrPagePinned
	}
	switch f.State() {
	case FrameSwapOut, FrameSwapIn:
		return ErrBusy
	}
	return nil
}

// BalloonReleasePage gives up the backing of a page the guest's
// balloon driver surrendered. The frame returns to invalid; a later
// touch sees a fresh zero page. Pages mid swap are refused with
// ErrBusy and the balloon driver retries another page.
func (vm *VM) BalloonReleasePage(ppn PPN) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return err
	}
	if vm.cpt.active || vm.cpt.starting {
		recordBusyError()
		return ErrBusy
	}
	if !vm.dir.contains(ppn) {
		return ErrPPNOutOfRange
	}
	f := vm.dir.frame(ppn)
	if f == nil || f.State() == FrameInvalid {
		return nil // never touched, nothing to give back
	}
	if f.Pinned() {
		recordBusyError()
		return ErrPagePinned
	}

	switch f.State() {
	case FrameRegular:
		vm.freePage(f.mpn)
		vm.usage.Locked--
	case FrameCOW:
		vm.releaseSharedRef(f.mpn)
		vm.usage.Shared--
	case FrameCOWHint:
		if err := vm.cfg.Sharing.RemoveHint(f.mpn, vm.id, ppn); err != nil {
			vm.log.Warn("hint removal on balloon release failed", "ppn", ppn, "err", err)
		}
		vm.freePage(f.mpn)
		vm.usage.Hinted--
	case FrameSwapped:
		vm.cfg.Swap.FreeSlot(f.slot)
		vm.usage.Swapped--
	case FrameSwapOut, FrameSwapIn:
		recordBusyError()
		return ErrBusy
	}
	f.reset()
	f.pinCount = 0
	recordBalloonRelease()
	return nil
}

// BalloonReleasePages releases a batch, stopping at the first page
// that cannot be released right now. Returns how many were released.
func (vm *VM) BalloonReleasePages(ppns []PPN) (uint32, error) {
	var done uint32
	for _, ppn := range ppns {
		if err := vm.BalloonReleasePage(ppn); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}
