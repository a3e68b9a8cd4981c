package vmmem

import (
	"testing"
	"time"
)

func TestSharePageFoldsDuplicates(t *testing.T) {
	h := newTestHost(t, 256)
	vm := h.newVM(t, 1, 16)

	free := h.arena.FreePages()
	h.writePage(t, vm, 1, 0xCD)
	h.writePage(t, vm, 2, 0xCD)
	h.writePage(t, vm, 3, 0xCD)

	first, err := vm.SharePage(1)
	if err != nil {
		t.Fatalf("Failed to share first page: %v", err)
	}
	for _, ppn := range []PPN{2, 3} {
		mpn, err := vm.SharePage(ppn)
		if err != nil {
			t.Fatalf("Failed to share ppn %#x: %v", ppn, err)
		}
		if mpn != first {
			t.Errorf("Expected canonical page %#x for ppn %#x, got %#x", first, ppn, mpn)
		}
	}

	// three guest pages now cost one machine page
	if got := h.arena.FreePages(); got != free-1 {
		t.Errorf("Expected 1 machine page in use for 3 shared pages, free %d want %d", got, free-1)
	}
	if h.table.EntryCount() != 1 {
		t.Errorf("Expected 1 share entry, got %d", h.table.EntryCount())
	}

	u := vm.Usage()
	if u.Shared != 3 || u.Locked != 0 {
		t.Errorf("Unexpected usage: %+v", u)
	}
}

func TestShareRejectsIneligiblePages(t *testing.T) {
	h := newTestHost(t, 128)
	vm := h.newVM(t, 1, 16)

	t.Run("untouched", func(t *testing.T) {
		if _, err := vm.SharePage(0); err != ErrNotFound {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("pinned", func(t *testing.T) {
		if _, err := vm.PinPage(1, true); err != nil {
			t.Fatalf("Failed to pin: %v", err)
		}
		if _, err := vm.SharePage(1); err != ErrPagePinned {
			t.Errorf("Expected ErrPagePinned, got %v", err)
		}
	})

	t.Run("alreadyShared", func(t *testing.T) {
		h.writePage(t, vm, 2, 0x22)
		if _, err := vm.SharePage(2); err != nil {
			t.Fatalf("Failed to share: %v", err)
		}
		if _, err := vm.SharePage(2); err != ErrExists {
			t.Errorf("Expected ErrExists, got %v", err)
		}
	})

	t.Run("swapped", func(t *testing.T) {
		h.writePage(t, vm, 3, 0x33)
		h.swapOut(t, vm, 3)
		if _, err := vm.SharePage(3); err != ErrBusy {
			t.Errorf("Expected ErrBusy, got %v", err)
		}
	})
}

func TestSharePagesSkipsIneligible(t *testing.T) {
	h := newTestHost(t, 256)
	vm := h.newVM(t, 1, 16)

	h.writePage(t, vm, 0, 0x66)
	h.writePage(t, vm, 1, 0x66)
	h.writePage(t, vm, 2, 0x66)
	vm.PinPage(3, true)

	n, err := vm.SharePages([]PPN{0, 1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Failed to share batch: %v", err)
	}
	// 3 folds; the pinned and untouched pages are skipped
	if n != 3 {
		t.Errorf("Expected 3 pages shared, got %d", n)
	}
	if vm.Usage().Shared != 3 {
		t.Errorf("Expected 3 shared pages, got %d", vm.Usage().Shared)
	}
	mustState(t, vm, 3, FrameRegular)
	mustState(t, vm, 4, FrameInvalid)
}

func TestWriteFaultBreaksSharing(t *testing.T) {
	h := newTestHost(t, 256)
	vm := h.newVM(t, 1, 16)

	h.writePage(t, vm, 1, 0xEE)
	h.writePage(t, vm, 2, 0xEE)
	vm.SharePage(1)
	shared, _ := vm.SharePage(2)

	// read faults keep the sharing
	mpn, err := vm.PageFault(2, false, SourceMonitor)
	if err != nil || mpn != shared {
		t.Fatalf("Expected read fault to return shared page %#x, got %#x err=%v", shared, mpn, err)
	}
	mustState(t, vm, 2, FrameCOW)

	// write fault copies
	priv, err := vm.PageFault(2, true, SourceMonitor)
	if err != nil {
		t.Fatalf("Failed to break sharing: %v", err)
	}
	if priv == shared {
		t.Fatal("Expected a private copy, got the shared page")
	}
	mustState(t, vm, 2, FrameRegular)
	if got := h.readByte(t, vm, 2); got != 0xEE {
		t.Errorf("Expected copied contents 0xEE, got %#x", got)
	}

	// the other sharer is untouched
	mustState(t, vm, 1, FrameCOW)
}

func TestBreakLastReferenceReclaimsInPlace(t *testing.T) {
	h := newTestHost(t, 128)
	vm := h.newVM(t, 1, 8)

	h.writePage(t, vm, 1, 0x5A)
	shared, err := vm.SharePage(1)
	if err != nil {
		t.Fatalf("Failed to share: %v", err)
	}

	mpn, err := vm.CopyPage(1)
	if err != nil {
		t.Fatalf("Failed to copy: %v", err)
	}
	if mpn != shared {
		t.Errorf("Expected sole reference reclaimed in place (%#x), got %#x", shared, mpn)
	}
	mustState(t, vm, 1, FrameRegular)
	if h.table.EntryCount() != 0 {
		t.Errorf("Expected empty share table, got %d entries", h.table.EntryCount())
	}
}

func TestCopyPageNotShared(t *testing.T) {
	h := newTestHost(t, 64)
	vm := h.newVM(t, 1, 8)

	h.writePage(t, vm, 0, 0x01)
	if _, err := vm.CopyPage(0); err != ErrNotShared {
		t.Errorf("Expected ErrNotShared, got %v", err)
	}
}

// collidingTable forces every page onto one content key so key
// collisions with differing contents are reachable.
type collidingTable struct {
	*PageShareTable
}

func (c collidingTable) HashMPN(MPN) uint64 { return 0x1234567890ab00 }

func TestShareCollisionStaysPrivate(t *testing.T) {
	h := newTestHost(t, 128)
	table := collidingTable{NewPageShareTable(h.arena, 0)}
	vm, err := NewVM(Config{
		ID: 1, Name: "collide", NumPhysPages: 8,
		Allocator: h.arena, Mapper: h.arena, Sharing: table, Swap: h.swap,
	})
	if err != nil {
		t.Fatalf("Failed to create VM: %v", err)
	}
	defer vm.Close()

	h.writePage(t, vm, 0, 0x01)
	h.writePage(t, vm, 1, 0x02)

	base := GetMetrics().Collisions
	if _, err := vm.SharePage(0); err != nil {
		t.Fatalf("Failed to share first page: %v", err)
	}
	if _, err := vm.SharePage(1); err != ErrNotFound {
		t.Fatalf("Expected collision to return ErrNotFound, got %v", err)
	}
	mustState(t, vm, 1, FrameRegular)
	if got := h.readByte(t, vm, 1); got != 0x02 {
		t.Errorf("Expected private contents preserved, got %#x", got)
	}
	if GetMetrics().Collisions != base+1 {
		t.Error("Expected collision metric recorded")
	}
	if table.EntryCount() != 1 {
		t.Errorf("Expected only the first entry, got %d", table.EntryCount())
	}
}

func TestHintPromotionAcrossVMs(t *testing.T) {
	h := newTestHost(t, 256)
	vmA := h.newVM(t, 1, 16)
	vmB := h.newVM(t, 2, 16)

	h.writePage(t, vmA, 4, 0x99)
	if err := vmA.HintPage(4); err != nil {
		t.Fatalf("Failed to hint: %v", err)
	}
	mustState(t, vmA, 4, FrameCOWHint)
	if h.table.HintCount() != 1 {
		t.Fatalf("Expected 1 hint, got %d", h.table.HintCount())
	}

	// same contents on the other VM; sharing it should notify A
	h.writePage(t, vmB, 9, 0x99)
	if _, err := vmB.SharePage(9); err != nil {
		t.Fatalf("Failed to share matching page: %v", err)
	}

	updates, overflow := vmA.HintUpdatesGet(0)
	if overflow {
		t.Error("Unexpected hint buffer overflow")
	}
	if len(updates) != 1 {
		t.Fatalf("Expected 1 hint update, got %d", len(updates))
	}
	wantBPN, _ := vmA.PPNToBPN(4)
	if updates[0].BPN != wantBPN || updates[0].Status != HintMatched {
		t.Errorf("Expected matched hint for bpn %#x, got %+v", wantBPN, updates[0])
	}

	// A revalidates and joins the share
	shared, err := vmA.SharePage(4)
	if err != nil {
		t.Fatalf("Failed to promote hint: %v", err)
	}
	mustState(t, vmA, 4, FrameCOW)
	if info := mustState(t, vmB, 9, FrameCOW); info.MPN != shared {
		t.Errorf("Expected both VMs on canonical page %#x, got %#x", shared, info.MPN)
	}
	if h.table.HintCount() != 0 {
		t.Errorf("Expected hint consumed, got %d", h.table.HintCount())
	}
}

func TestHintGoesStaleOnWrite(t *testing.T) {
	h := newTestHost(t, 256)
	vmA := h.newVM(t, 1, 16)
	vmB := h.newVM(t, 2, 16)

	h.writePage(t, vmA, 4, 0x42)
	if err := vmA.HintPage(4); err != nil {
		t.Fatalf("Failed to hint: %v", err)
	}

	// hinted pages stay writable; dirty it behind the hint
	mpn, err := vmA.PageFault(4, true, SourceMonitor)
	if err != nil {
		t.Fatalf("Failed to write hinted page: %v", err)
	}
	data, release := h.arena.Map(mpn)
	data[0] = 0xFF
	release()

	h.writePage(t, vmB, 9, 0x42)
	if _, err := vmB.SharePage(9); err != nil {
		t.Fatalf("Failed to share: %v", err)
	}

	updates, _ := vmA.HintUpdatesGet(0)
	if len(updates) != 1 || updates[0].Status != HintStale {
		t.Fatalf("Expected stale hint update, got %+v", updates)
	}

	// A drops the stale hint
	if err := vmA.UnhintPage(4); err != nil {
		t.Fatalf("Failed to unhint: %v", err)
	}
	mustState(t, vmA, 4, FrameRegular)
}

// slowHintTable stretches the hint lookup window so two shares can
// overlap inside it.
type slowHintTable struct {
	*PageShareTable
	delay time.Duration
}

func (s slowHintTable) LookupHint(mpn MPN) (uint64, VMID, PPN, error) {
	time.Sleep(s.delay)
	return s.PageShareTable.LookupHint(mpn)
}

func TestConcurrentCrossHintShares(t *testing.T) {
	h := newTestHost(t, 256)
	table := slowHintTable{h.table, 50 * time.Millisecond}
	vms := make(map[VMID]*VM)
	for _, id := range []VMID{1, 2} {
		vm, err := NewVM(Config{
			ID: id, Name: "crosshint", NumPhysPages: 16,
			Allocator: h.arena, Mapper: h.arena, Sharing: table, Swap: h.swap,
			Peers: func(id VMID) *VM { return vms[id] },
		})
		if err != nil {
			t.Fatalf("Failed to create VM %d: %v", id, err)
		}
		vms[id] = vm
		defer vm.Close()
	}
	vmA, vmB := vms[1], vms[2]

	// each VM hints a page whose contents the other is about to share
	h.writePage(t, vmA, 4, 0xA1)
	if err := vmA.HintPage(4); err != nil {
		t.Fatalf("Failed to hint on A: %v", err)
	}
	h.writePage(t, vmB, 5, 0xB2)
	if err := vmB.HintPage(5); err != nil {
		t.Fatalf("Failed to hint on B: %v", err)
	}
	h.writePage(t, vmA, 6, 0xB2)
	h.writePage(t, vmB, 7, 0xA1)

	// both shares touch the peer's hint at the same time; each must
	// finish and notify the other without wedging
	errs := make(chan error, 2)
	go func() { _, err := vmA.SharePage(6); errs <- err }()
	go func() { _, err := vmB.SharePage(7); errs <- err }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("Failed to share: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for concurrent shares")
		}
	}

	for _, tc := range []struct {
		vm  *VM
		ppn PPN
	}{{vmA, 4}, {vmB, 5}} {
		updates, _ := tc.vm.HintUpdatesGet(0)
		if len(updates) != 1 || updates[0].Status != HintMatched {
			t.Errorf("Expected matched hint update for VM %d, got %+v", tc.vm.ID(), updates)
		}
		mustState(t, tc.vm, tc.ppn, FrameCOWHint)
	}
}

func TestZeroPageSharing(t *testing.T) {
	h := newTestHost(t, 256)
	vm := h.newVM(t, 1, 16)

	// touch two pages without dirtying them
	vm.PageFault(1, false, SourceMonitor)
	vm.PageFault(2, false, SourceMonitor)

	first, err := vm.SharePage(1)
	if err != nil {
		t.Fatalf("Failed to share zero page: %v", err)
	}
	second, err := vm.SharePage(2)
	if err != nil {
		t.Fatalf("Failed to share second zero page: %v", err)
	}
	if first != second {
		t.Errorf("Expected both zero pages on one canonical page, got %#x and %#x", first, second)
	}
	if !h.table.IsZeroMPN(first) {
		t.Error("Expected canonical page recognized as the zero page")
	}
}
