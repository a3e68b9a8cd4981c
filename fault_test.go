package vmmem

import (
	"testing"
)

func TestPageFaultZeroFill(t *testing.T) {
	h := newTestHost(t, 256)
	vm := h.newVM(t, 1, 16)

	mpn, err := vm.PageFault(5, false, SourceMonitor)
	if err != nil {
		t.Fatalf("Failed to fault: %v", err)
	}
	data, release := h.arena.Map(mpn)
	for i, b := range data {
		if b != 0 {
			release()
			t.Fatalf("Expected zero-filled page, byte %d is %#x", i, b)
		}
	}
	release()

	// refault returns the same mapping
	again, err := vm.PageFault(5, true, SourceMonitor)
	if err != nil {
		t.Fatalf("Failed to refault: %v", err)
	}
	if again != mpn {
		t.Errorf("Expected stable mapping %#x, got %#x", mpn, again)
	}

	u := vm.Usage()
	if u.Locked != 1 {
		t.Errorf("Expected 1 locked page, got %d", u.Locked)
	}
}

func TestPageFaultOutOfRange(t *testing.T) {
	h := newTestHost(t, 64)
	vm := h.newVM(t, 1, 4)

	if _, err := vm.PageFault(4, false, SourceMonitor); err != ErrPPNOutOfRange {
		t.Errorf("Expected ErrPPNOutOfRange, got %v", err)
	}
	if _, err := vm.PPNToMPN(InvalidPPN, false, true); err != ErrPPNOutOfRange {
		t.Errorf("Expected ErrPPNOutOfRange for InvalidPPN, got %v", err)
	}
}

// A four page guest exercises every state without a big host.
func TestTinyGuestLifecycle(t *testing.T) {
	h := newTestHost(t, 128)
	vm := h.newVM(t, 1, 4)

	h.writePage(t, vm, 0, 0x11)
	h.writePage(t, vm, 1, 0x22)
	h.writePage(t, vm, 2, 0x22)
	mustState(t, vm, 3, FrameInvalid)

	if _, err := vm.SharePage(1); err != nil {
		t.Fatalf("Failed to share: %v", err)
	}
	if _, err := vm.SharePage(2); err != nil {
		t.Fatalf("Failed to share duplicate: %v", err)
	}
	mustState(t, vm, 1, FrameCOW)
	mustState(t, vm, 2, FrameCOW)

	h.swapOut(t, vm, 0)
	mustState(t, vm, 0, FrameSwapped)

	if got := h.readByte(t, vm, 0); got != 0x11 {
		t.Errorf("Expected swapped-in contents 0x11, got %#x", got)
	}
	mustState(t, vm, 0, FrameRegular)

	if got := h.readByte(t, vm, 3); got != 0 {
		t.Errorf("Expected untouched page to read zero, got %#x", got)
	}

	u := vm.Usage()
	if u.Locked != 2 || u.Shared != 2 || u.Swapped != 0 {
		t.Errorf("Unexpected usage: %+v", u)
	}
}

func TestDeviceFaultNeverBlocks(t *testing.T) {
	h := newTestHost(t, 256)
	vm := h.newVM(t, 1, 16)

	h.writePage(t, vm, 7, 0x77)
	h.swapOut(t, vm, 7)

	// first device fault kicks off the async read
	if _, err := vm.PageFault(7, false, SourceDevice); err != ErrWouldBlock {
		t.Fatalf("Expected ErrWouldBlock, got %v", err)
	}

	waitForState(t, vm, 7, FrameRegular)

	mpn, err := vm.PageFault(7, false, SourceDevice)
	if err != nil {
		t.Fatalf("Failed to retry device fault: %v", err)
	}
	data, release := h.arena.Map(mpn)
	defer release()
	if data[0] != 0x77 {
		t.Errorf("Expected 0x77 after async swap-in, got %#x", data[0])
	}
}

func TestSwapInReleasesSlot(t *testing.T) {
	h := newTestHost(t, 128)
	vm := h.newVM(t, 1, 8)

	before := h.swap.FreeSlots()
	h.writePage(t, vm, 0, 0xAA)
	h.swapOut(t, vm, 0)
	if h.swap.FreeSlots() != before-1 {
		t.Fatalf("Expected one slot in use, free=%d", h.swap.FreeSlots())
	}

	if got := h.readByte(t, vm, 0); got != 0xAA {
		t.Fatalf("Expected 0xAA back from swap, got %#x", got)
	}
	if h.swap.FreeSlots() != before {
		t.Errorf("Expected slot released after swap-in, free=%d want %d", h.swap.FreeSlots(), before)
	}
}

func TestTouchPages(t *testing.T) {
	h := newTestHost(t, 128)
	vm := h.newVM(t, 1, 16)

	// bits 0, 3, 9
	bitmap := []byte{0b0000_1001, 0b0000_0010}
	n, err := vm.TouchPages(bitmap)
	if err != nil {
		t.Fatalf("Failed to touch pages: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 pages touched, got %d", n)
	}
	for _, ppn := range []PPN{0, 3, 9} {
		mustState(t, vm, ppn, FrameRegular)
	}
	mustState(t, vm, 1, FrameInvalid)
}

func TestGetPhysMemRange(t *testing.T) {
	h := newTestHost(t, 128)
	vm := h.newVM(t, 1, 16)

	r, err := vm.GetPhysMemRange(2, 3, true)
	if err != nil {
		t.Fatalf("Failed to get range: %v", err)
	}
	if len(r.MPNs) != 3 {
		t.Fatalf("Expected 3 mapped pages, got %d", len(r.MPNs))
	}
	for i := PPN(2); i < 5; i++ {
		if info := mustState(t, vm, i, FrameRegular); info.PinCount != 1 {
			t.Errorf("Expected ppn %#x pinned, count=%d", i, info.PinCount)
		}
	}

	// pinned pages refuse swap-out
	if _, err := vm.BeginSwapOut(3); err != ErrPagePinned {
		t.Errorf("Expected ErrPagePinned for mapped range, got %v", err)
	}

	r.Release()
	for i := PPN(2); i < 5; i++ {
		if info, _ := vm.Query(i); info.PinCount != 0 {
			t.Errorf("Expected ppn %#x unpinned after release, count=%d", i, info.PinCount)
		}
	}

	if _, err := vm.GetPhysMemRange(15, 2, false); err != ErrPPNOutOfRange {
		t.Errorf("Expected ErrPPNOutOfRange for range past the end, got %v", err)
	}
}

func TestFaultAfterCloseFails(t *testing.T) {
	h := newTestHost(t, 64)
	vm := h.newVM(t, 1, 8)

	h.writePage(t, vm, 0, 0x01)
	if err := vm.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("Expected idempotent close, got %v", err)
	}
	if _, err := vm.PageFault(0, false, SourceMonitor); err != ErrVMClosed {
		t.Errorf("Expected ErrVMClosed, got %v", err)
	}
}
