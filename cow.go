package vmmem

// hintOutcome is a notification owed to a hint's owner after a share
// touched its candidate. Outcomes are collected under vm.mu and
// delivered only after it is released; posting to another VM while
// holding our own lock could deadlock two VMs sharing against each
// other's hints.
type hintOutcome struct {
	owner  VMID
	ppn    PPN
	status HintStatus
}

// SharePage tries to fold ppn into the content sharing table. On
// success the page is backed by the canonical shared machine page and
// the returned MPN replaces any mapping the caller cached. A content
// key collision leaves the page private and returns ErrNotFound.
func (vm *VM) SharePage(ppn PPN) (MPN, error) {
	var outcomes []hintOutcome
	mpn, err := vm.sharePage(ppn, &outcomes)
	for _, o := range outcomes {
		vm.postHintUpdate(o.owner, o.ppn, o.status)
	}
	return mpn, err
}

func (vm *VM) sharePage(ppn PPN, outcomes *[]hintOutcome) (MPN, error) {
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
	if f == nil || f.State() == FrameInvalid {
		return InvalidMPN, ErrNotFound
	}
	if f.Pinned() {
		recordBusyError()
		return InvalidMPN, ErrPagePinned
	}

	switch f.State() {
	case FrameCOW:
		vm.log.Warn("share requested for already shared page", "ppn", ppn)
		return InvalidMPN, ErrExists
	case FrameSwapped, FrameSwapOut, FrameSwapIn:
		recordBusyError()
		return InvalidMPN, ErrBusy
	case FrameCOWHint:
		// drop our own hint first; the page shares as a regular page
		if err := vm.cfg.Sharing.RemoveHint(f.mpn, vm.id, ppn); err != nil {
			vm.log.Warn("hint removal before share failed", "ppn", ppn, "err", err)
		}
		f.setRegular(f.mpn)
		vm.usage.Hinted--
		vm.usage.Locked++
	}

	return vm.sharePageLocked(ppn, f, outcomes)
}

// sharePageLocked folds a regular frame into the sharing table.
// Callers must hold vm.mu with f in FrameRegular. Hint outcomes are
// appended for the caller to deliver after the lock is released.
func (vm *VM) sharePageLocked(ppn PPN, f *Frame, outcomes *[]hintOutcome) (MPN, error) {
	mpnOrig := f.mpn
	key := vm.cfg.Sharing.HashMPN(mpnOrig)

	shared, _, hintMPN, err := vm.cfg.Sharing.AddIfShared(key, mpnOrig)
	if err != nil {
		if hintMPN != InvalidMPN {
			if o, ok := vm.hintCheckLocked(hintMPN, key); ok {
				*outcomes = append(*outcomes, o)
			}
		}
		shared, _, err = vm.cfg.Sharing.Add(key, mpnOrig)
		if err != nil {
			return InvalidMPN, err
		}
	}

	if shared != mpnOrig {
		// the key matched an existing entry; contents must too
		match := false
		if key == vm.cfg.Sharing.ZeroKey() {
			match = vm.pageIsZero(mpnOrig)
		} else {
			match = vm.pagesEqual(shared, mpnOrig)
		}
		if !match {
			if _, rerr := vm.cfg.Sharing.Remove(key, shared); rerr != nil {
				vm.log.Warn("collision backout failed", "ppn", ppn, "err", rerr)
			}
			recordCollision()
			vm.log.Debug("content key collision", "ppn", ppn, "key", key)
			return InvalidMPN, ErrNotFound
		}
	}

	f.setCOW(shared)
	vm.usage.Locked--
	vm.usage.Shared++
	recordCOWShare()
	if shared != mpnOrig {
		vm.freePage(mpnOrig)
	}
	return shared, nil
}

// hintCheckLocked decides whether a hint's candidate is still worth
// sharing. The owner revalidates and shares on its own; frames of
// other VMs are never touched from here.
func (vm *VM) hintCheckLocked(hintMPN MPN, key uint64) (hintOutcome, bool) {
	hkey, owner, hppn, err := vm.cfg.Sharing.LookupHint(hintMPN)
	if err != nil {
		return hintOutcome{}, false
	}
	cur := vm.cfg.Sharing.HashMPN(hintMPN)
	status := HintMatched
	if !HintKeyMatch(cur, hkey) || cur != key {
		status = HintStale
	}
	return hintOutcome{owner: owner, ppn: hppn, status: status}, true
}

// HintPage marks a private page as a sharing candidate. The page stays
// private and writable; a later SharePage of a page with identical
// contents notifies this VM so the hint can be promoted.
func (vm *VM) HintPage(ppn PPN) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return err
	}
	if !vm.dir.contains(ppn) {
		return ErrPPNOutOfRange
	}
	f := vm.dir.frame(ppn)
	if f == nil || f.State() != FrameRegular {
		if f != nil && f.State() == FrameCOWHint {
			return ErrExists
		}
		recordBusyError()
		return ErrBusy
	}
	if f.Pinned() {
		return ErrPagePinned
	}

	key := vm.cfg.Sharing.HashMPN(f.mpn)
	node := vm.cfg.Allocator.NodeOf(f.mpn)
	if err := vm.cfg.Sharing.AddHint(HashToNodeHash(key, node), f.mpn, vm.id, ppn); err != nil {
		return err
	}
	f.setCOWHint(f.mpn)
	vm.usage.Locked--
	vm.usage.Hinted++
	recordCOWHint()
	return nil
}

// UnhintPage withdraws a sharing hint, returning the page to regular.
func (vm *VM) UnhintPage(ppn PPN) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return err
	}
	f := vm.dir.frame(ppn)
	if f == nil || f.State() != FrameCOWHint {
		return ErrNotFound
	}
	if err := vm.cfg.Sharing.RemoveHint(f.mpn, vm.id, ppn); err != nil {
		vm.log.Warn("hint removal failed", "ppn", ppn, "err", err)
	}
	f.setRegular(f.mpn)
	vm.usage.Hinted--
	vm.usage.Locked++
	return nil
}

// SharePages tries to fold a batch of pages, skipping pages that are
// individually ineligible. Returns how many were folded.
func (vm *VM) SharePages(ppns []PPN) (uint32, error) {
	var done uint32
	for _, ppn := range ppns {
		if _, err := vm.SharePage(ppn); err != nil {
			switch err {
			case ErrExists, ErrNotFound, ErrBusy, ErrPagePinned, ErrPPNOutOfRange:
				continue
			}
			return done, err
		}
		done++
	}
	return done, nil
}

// CopyPage breaks copy-on-write sharing for ppn on behalf of the
// execution engine and returns the new private machine page. The
// engine already knows the new mapping, so no p2m invalidation is
// queued. Returns ErrNotShared for a page that is not COW.
func (vm *VM) CopyPage(ppn PPN) (MPN, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for {
		if err := vm.checkAliveLocked(); err != nil {
			return InvalidMPN, err
		}
		if !vm.dir.contains(ppn) {
			return InvalidMPN, ErrPPNOutOfRange
		}
		f := vm.dir.frame(ppn)
		if f == nil || f.State() != FrameCOW {
			return InvalidMPN, ErrNotShared
		}
		mpn, err := vm.copyCOWPageLocked(ppn, f, true, true)
		if err == errRetryFault {
			continue
		}
		return mpn, err
	}
}

// copyCOWPageLocked gives a COW frame a private copy. When the frame
// holds the last reference the shared page is reclaimed in place and
// no copy happens. fromMonitor means the caller learns the new MPN
// from the return value; otherwise a p2m invalidation is queued and
// the old shared reference rides the queue until acknowledged.
//
// May return errRetryFault after a memory wait; the caller loops and
// revalidates.
func (vm *VM) copyCOWPageLocked(ppn PPN, f *Frame, fromMonitor, canBlock bool) (MPN, error) {
	mpnShared := f.mpn
	key, _, err := vm.cfg.Sharing.LookupByMPN(mpnShared)
	if err != nil {
		vm.fatal("cow frame for ppn %#x not in sharing table (mpn %#x)", ppn, mpnShared)
		return InvalidMPN, vm.dead
	}

	if err := vm.cfg.Sharing.RemoveIfUnshared(key, mpnShared); err == nil {
		// last reference; the page is ours again
		f.setRegular(mpnShared)
		vm.usage.Shared--
		vm.usage.Locked++
		recordCOWCopy()
		return mpnShared, nil
	}

	mpn, err := vm.allocPage(AnyPlacement)
	if err != nil {
		if canBlock {
			if werr := vm.memWait(); werr != nil {
				return InvalidMPN, werr
			}
			return InvalidMPN, errRetryFault
		}
		return InvalidMPN, err
	}

	vm.copyPageContents(mpn, mpnShared)
	f.setRegular(mpn)
	vm.usage.Shared--
	vm.usage.Locked++
	recordCOWCopy()

	if fromMonitor {
		vm.releaseSharedRef(mpnShared)
	} else {
		bpn, _ := vm.PPNToBPN(ppn)
		vm.queueP2MUpdate(bpn, mpnShared)
	}
	return mpn, nil
}
