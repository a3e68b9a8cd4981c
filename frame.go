package vmmem

import "fmt"

// FrameState is the life-cycle state of a guest physical page frame.
type FrameState uint8

const (
	// FrameInvalid is an untouched frame with no backing at all.
	FrameInvalid FrameState = iota

	// FrameRegular is a private resident page.
	FrameRegular

	// FrameCOW is a resident page backed by a shared copy-on-write
	// machine page. A write must copy before it can proceed.
	FrameCOW

	// FrameCOWHint is a resident page marked as a sharing candidate.
	// The page is still private; a partner with identical contents may
	// turn it into a full COW mapping later.
	FrameCOWHint

	// FrameSwapped is a page whose contents live in a swap slot. No
	// machine page is attached.
	FrameSwapped

	// FrameSwapOut is a resident page whose contents are being written
	// to the swap file. The machine page is still valid for reads.
	FrameSwapOut

	// FrameSwapIn is a page being read back from the swap file into a
	// destination machine page. The destination is not yet valid.
	FrameSwapIn
)

func (s FrameState) String() string {
	switch s {
	case FrameInvalid:
		return "invalid"
	case FrameRegular:
		return "regular"
	case FrameCOW:
		return "cow"
	case FrameCOWHint:
		return "cowHint"
	case FrameSwapped:
		return "swapped"
	case FrameSwapOut:
		return "swapOut"
	case FrameSwapIn:
		return "swapIn"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// resident reports whether the frame has a machine page with valid
// contents attached.
func (s FrameState) resident() bool {
	switch s {
	case FrameRegular, FrameCOW, FrameCOWHint, FrameSwapOut:
		return true
	default:
		return false
	}
}

const (
	// maxPinCount is the saturation value for a frame's pin count.
	// Once reached, the frame is pinned for the lifetime of the VM.
	maxPinCount = 0xffff
)

// Frame is the per-page descriptor tracked by the frame directory.
// Exactly one backing field is meaningful at a time, selected by the
// state. All access goes through the VM lock.
type Frame struct {
	state FrameState

	// mpn is the attached machine page. Meaningful for all resident
	// states and for FrameSwapIn, where it is the read destination and
	// InvalidMPN means the swap-in was abandoned.
	mpn MPN

	// slot is the swap slot holding the page contents. Meaningful for
	// FrameSwapped and FrameSwapIn, where the slot is still owned until
	// the read completes.
	slot SlotID

	pinCount uint16
}

// State returns the frame's current life-cycle state.
func (f *Frame) State() FrameState { return f.state }

// ResidentMPN returns the machine page whose contents are valid, or
// InvalidMPN if the frame has none (invalid, swapped, or mid swap-in).
func (f *Frame) ResidentMPN() MPN {
	if f.state.resident() {
		return f.mpn
	}
	return InvalidMPN
}

// SwapInMPN returns the destination page of an in-flight swap-in.
// The bool is false if the frame is not in FrameSwapIn.
func (f *Frame) SwapInMPN() (MPN, bool) {
	if f.state != FrameSwapIn {
		return InvalidMPN, false
	}
	return f.mpn, true
}

// Slot returns the swap slot holding the page. The bool is false if
// the frame is not in FrameSwapped.
func (f *Frame) Slot() (SlotID, bool) {
	if f.state != FrameSwapped {
		return InvalidSlot, false
	}
	return f.slot, true
}

// PinCount returns the number of outstanding pins on the frame.
func (f *Frame) PinCount() uint16 { return f.pinCount }

// Pinned reports whether the frame must stay resident.
func (f *Frame) Pinned() bool { return f.pinCount > 0 }

// incPin raises the pin count. The count saturates; a saturated frame
// stays pinned forever rather than wrapping to zero.
func (f *Frame) incPin() {
	if f.pinCount < maxPinCount {
		f.pinCount++
	}
}

// decPin lowers the pin count. A saturated count is sticky and is not
// decremented. Returns false on an unbalanced unpin of an unpinned
// frame.
func (f *Frame) decPin() bool {
	if f.pinCount == 0 {
		return false
	}
	if f.pinCount < maxPinCount {
		f.pinCount--
	}
	return true
}

func (f *Frame) setRegular(mpn MPN) {
	f.state = FrameRegular
	f.mpn = mpn
	f.slot = InvalidSlot
}

func (f *Frame) setCOW(mpn MPN) {
	f.state = FrameCOW
	f.mpn = mpn
	f.slot = InvalidSlot
}

func (f *Frame) setCOWHint(mpn MPN) {
	f.state = FrameCOWHint
	f.mpn = mpn
	f.slot = InvalidSlot
}

func (f *Frame) setSwapOut(mpn MPN) {
	f.state = FrameSwapOut
	f.mpn = mpn
	f.slot = InvalidSlot
}

func (f *Frame) setSwapped(slot SlotID) {
	f.state = FrameSwapped
	f.mpn = InvalidMPN
	f.slot = slot
}

func (f *Frame) setSwapIn(dst MPN, slot SlotID) {
	f.state = FrameSwapIn
	f.mpn = dst
	f.slot = slot
}

// poisonSwapIn marks an in-flight swap-in as abandoned. The completion
// path frees the destination page and invalidates the frame instead of
// attaching it.
func (f *Frame) poisonSwapIn() {
	f.mpn = InvalidMPN
}

func (f *Frame) reset() {
	f.state = FrameInvalid
	f.mpn = InvalidMPN
	f.slot = InvalidSlot
	// pin count is preserved; pins outlive the backing
}
