package vmmem

import "testing"

func TestFrameStateTransitions(t *testing.T) {
	var f Frame
	f.reset()

	if f.State() != FrameInvalid {
		t.Fatalf("Expected fresh frame invalid, got %v", f.State())
	}
	if mpn := f.ResidentMPN(); mpn != InvalidMPN {
		t.Errorf("Expected no resident MPN, got %#x", mpn)
	}

	f.setRegular(42)
	if f.State() != FrameRegular || f.ResidentMPN() != 42 {
		t.Errorf("Expected regular frame on mpn 42, got %v mpn %#x", f.State(), f.ResidentMPN())
	}
	if _, ok := f.Slot(); ok {
		t.Error("Regular frame should not expose a slot")
	}

	f.setCOW(7)
	if f.State() != FrameCOW || f.ResidentMPN() != 7 {
		t.Errorf("Expected cow frame on mpn 7, got %v mpn %#x", f.State(), f.ResidentMPN())
	}

	f.setSwapOut(7)
	if f.State() != FrameSwapOut || f.ResidentMPN() != 7 {
		t.Errorf("Expected swapOut frame still resident, got %v mpn %#x", f.State(), f.ResidentMPN())
	}

	f.setSwapped(13)
	if f.ResidentMPN() != InvalidMPN {
		t.Error("Swapped frame must not report a resident page")
	}
	slot, ok := f.Slot()
	if !ok || slot != 13 {
		t.Errorf("Expected slot 13, got %d ok=%v", slot, ok)
	}

	f.setSwapIn(99, 13)
	if _, ok := f.Slot(); ok {
		t.Error("SwapIn frame must not expose its slot as swapped")
	}
	dst, ok := f.SwapInMPN()
	if !ok || dst != 99 {
		t.Errorf("Expected swap-in destination 99, got %#x ok=%v", dst, ok)
	}
	if f.ResidentMPN() != InvalidMPN {
		t.Error("SwapIn destination must not count as resident")
	}

	f.poisonSwapIn()
	if dst, _ := f.SwapInMPN(); dst != InvalidMPN {
		t.Errorf("Expected poisoned destination, got %#x", dst)
	}
}

func TestFramePinSaturation(t *testing.T) {
	var f Frame
	f.reset()
	f.setRegular(1)

	f.incPin()
	if !f.Pinned() || f.PinCount() != 1 {
		t.Fatalf("Expected pin count 1, got %d", f.PinCount())
	}
	if !f.decPin() || f.Pinned() {
		t.Fatal("Expected balanced unpin to clear the pin")
	}
	if f.decPin() {
		t.Error("Expected unbalanced unpin to report false")
	}

	f.pinCount = maxPinCount - 1
	f.incPin()
	f.incPin() // saturates, must not wrap
	if f.PinCount() != maxPinCount {
		t.Fatalf("Expected saturated pin count, got %d", f.PinCount())
	}
	// a saturated pin is sticky
	for i := 0; i < 3; i++ {
		if !f.decPin() {
			t.Fatal("Sticky unpin should still report success")
		}
	}
	if f.PinCount() != maxPinCount {
		t.Errorf("Expected sticky pin to survive unpins, got %d", f.PinCount())
	}
}

func TestFrameDirLazyPages(t *testing.T) {
	d := newFrameDir(3 * dirPageFrames / 2)

	if d.pageCount() != 0 {
		t.Fatalf("Expected no directory pages before first touch, got %d", d.pageCount())
	}
	if f := d.frame(0); f != nil {
		t.Error("Untouched directory page should read as nil frame")
	}

	f := d.ensureFrame(0)
	if f == nil || f.State() != FrameInvalid {
		t.Fatal("Expected ensured frame to start invalid")
	}
	if d.pageCount() != 1 {
		t.Errorf("Expected one directory page, got %d", d.pageCount())
	}

	// same directory page, no new allocation
	d.ensureFrame(dirPageFrames - 1)
	if d.pageCount() != 1 {
		t.Errorf("Expected still one directory page, got %d", d.pageCount())
	}
	d.ensureFrame(dirPageFrames)
	if d.pageCount() != 2 {
		t.Errorf("Expected two directory pages, got %d", d.pageCount())
	}

	if f := d.ensureFrame(PPN(d.numPhysPages)); f != nil {
		t.Error("Expected nil frame beyond guest memory")
	}
	if d.contains(InvalidPPN) {
		t.Error("InvalidPPN must never be contained")
	}
}

func TestFrameDirForEachStopsAtEnd(t *testing.T) {
	// guest smaller than one directory page
	d := newFrameDir(4)
	d.ensureFrame(0)

	var seen []PPN
	d.forEach(func(ppn PPN, f *Frame) {
		seen = append(seen, ppn)
	})
	if len(seen) != 4 {
		t.Fatalf("Expected 4 frames visited, got %d", len(seen))
	}
}
