package vmmem

import "math/bits"

// RemapPage moves ppn onto a machine page satisfying the placement
// constraint, for low-memory devices and NUMA locality. The stale
// mapping is invalidated through the p2m ring; the old page is not
// freed until the execution engine acknowledges. A copy-on-write page
// cannot be moved this way and returns ErrShared; the caller reshares
// it on the destination node via RemapPageNode instead.
func (vm *VM) RemapPage(ppn PPN, p Placement) (MPN, error) {
	return vm.remapPage(ppn, p, false)
}

// RemapPageLow moves ppn below the low-memory boundary.
func (vm *VM) RemapPageLow(ppn PPN) (MPN, error) {
	return vm.remapPage(ppn, Placement{Low: true}, false)
}

// RemapPageNode moves ppn onto one of the nodes in nodeMask. Unlike
// RemapPage it handles copy-on-write pages, resharing them against the
// destination node's canonical copy.
func (vm *VM) RemapPageNode(ppn PPN, nodeMask uint32) (MPN, error) {
	if nodeMask == 0 {
		return InvalidMPN, ErrBadParam
	}
	return vm.remapPage(ppn, Placement{NodeMask: nodeMask}, true)
}

func (vm *VM) remapPage(ppn PPN, p Placement, reshareCOW bool) (MPN, error) {
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
	case FrameRegular, FrameCOWHint:
		if vm.placementSatisfied(f.mpn, p) {
			return f.mpn, nil
		}
		return vm.remapPrivateLocked(ppn, f, p)
	case FrameCOW:
		if vm.placementSatisfied(f.mpn, p) {
			return f.mpn, nil
		}
		if !reshareCOW {
			return InvalidMPN, ErrShared
		}
		return vm.reshareOnNodeLocked(ppn, f, p)
	default:
		recordBusyError()
		return InvalidMPN, ErrBusy
	}
}

func (vm *VM) placementSatisfied(mpn MPN, p Placement) bool {
	if p.Low && !vm.cfg.Allocator.IsLowPage(mpn) {
		return false
	}
	if p.NodeMask != 0 && p.NodeMask&(1<<vm.cfg.Allocator.NodeOf(mpn)) == 0 {
		return false
	}
	return true
}

// remapPrivateLocked copies a private page onto a new machine page. A
// hint follows its page: it is re-registered against the new MPN.
func (vm *VM) remapPrivateLocked(ppn PPN, f *Frame, p Placement) (MPN, error) {
	mpn, err := vm.allocPage(p)
	if err != nil {
		return InvalidMPN, err
	}
	old := f.mpn
	vm.copyPageContents(mpn, old)

	if f.State() == FrameCOWHint {
		if err := vm.cfg.Sharing.RemoveHint(old, vm.id, ppn); err != nil {
			vm.log.Warn("hint move failed, dropping hint", "ppn", ppn, "err", err)
			f.setRegular(mpn)
			vm.usage.Hinted--
			vm.usage.Locked++
		} else {
			key := vm.cfg.Sharing.HashMPN(mpn)
			node := vm.cfg.Allocator.NodeOf(mpn)
			if err := vm.cfg.Sharing.AddHint(HashToNodeHash(key, node), mpn, vm.id, ppn); err != nil {
				f.setRegular(mpn)
				vm.usage.Hinted--
				vm.usage.Locked++
			} else {
				f.setCOWHint(mpn)
			}
		}
	} else {
		f.setRegular(mpn)
	}

	bpn, _ := vm.PPNToBPN(ppn)
	vm.queueP2MUpdate(bpn, old)
	recordRemap()
	return mpn, nil
}

// reshareOnNodeLocked repoints a COW frame at a node-local canonical
// copy. Content keys carry the node in their low byte, so each node
// keeps its own canonical page; the lowest eligible node is tried
// first. The frame's old reference rides the p2m ring until the
// engine acknowledges the new mapping.
func (vm *VM) reshareOnNodeLocked(ppn PPN, f *Frame, p Placement) (MPN, error) {
	old := f.mpn
	key, _, err := vm.cfg.Sharing.LookupByMPN(old)
	if err != nil {
		vm.fatal("cow frame for ppn %#x not in sharing table (mpn %#x)", ppn, old)
		return InvalidMPN, vm.dead
	}

	node := uint32(0)
	if p.NodeMask != 0 {
		node = uint32(bits.TrailingZeros32(p.NodeMask))
	}
	nodeKey := HashToNodeHash(key, node)

	shared, _, _, aerr := vm.cfg.Sharing.AddIfShared(nodeKey, old)
	if aerr != nil {
		mpn, err := vm.allocPage(p)
		if err != nil {
			return InvalidMPN, err
		}
		vm.copyPageContents(mpn, old)
		shared, _, err = vm.cfg.Sharing.Add(nodeKey, mpn)
		if err != nil {
			vm.freePage(mpn)
			return InvalidMPN, err
		}
		if shared != mpn {
			// lost a race to create the node entry
			vm.freePage(mpn)
		}
	}

	f.setCOW(shared)
	bpn, _ := vm.PPNToBPN(ppn)
	vm.queueP2MUpdate(bpn, old)
	recordRemap()
	return shared, nil
}

// RequestRemapLow queues ppn for batched remap into low memory. The
// queue is small; when full the request is dropped and counted, and
// the device retries on its next fault.
func (vm *VM) RequestRemapLow(ppn PPN) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.checkAliveLocked(); err != nil {
		return err
	}
	if !vm.dir.contains(ppn) {
		return ErrPPNOutOfRange
	}
	for _, q := range vm.remapLow {
		if q == ppn {
			return nil
		}
	}
	if len(vm.remapLow) >= remapLowMax {
		vm.remapLowDropped++
		recordBusyError()
		return ErrNoResources
	}
	vm.remapLow = append(vm.remapLow, ppn)
	return nil
}

// RemapPickup drains up to max queued remap requests for a worker to
// apply. The worker calls RemapApply, or RemapPage itself.
func (vm *VM) RemapPickup(max int) []RemapRequest {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if max <= 0 || max > len(vm.remapLow) {
		max = len(vm.remapLow)
	}
	reqs := make([]RemapRequest, 0, max)
	for _, ppn := range vm.remapLow[:max] {
		reqs = append(reqs, RemapRequest{PPN: ppn, Low: true})
	}
	vm.remapLow = append(vm.remapLow[:0], vm.remapLow[max:]...)
	return reqs
}

// RemapApply executes a batch of remap requests, skipping pages that
// became ineligible since they were queued. Returns how many moved.
func (vm *VM) RemapApply(reqs []RemapRequest) (uint32, error) {
	var done uint32
	for _, req := range reqs {
		p := Placement{Low: req.Low, NodeMask: req.NodeMask}
		if _, err := vm.RemapPage(req.PPN, p); err != nil {
			if err == ErrBusy || err == ErrPagePinned || err == ErrNotFound || err == ErrShared {
				continue
			}
			return done, err
		}
		done++
	}
	return done, nil
}
