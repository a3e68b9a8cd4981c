package vmmem

import "time"

// FrameAllocator hands out machine pages. Implementations must be safe
// for concurrent use; the VM calls it with its own lock held and the
// calls must not block on guest memory state.
type FrameAllocator interface {
	// AllocPage returns a free machine page honoring the placement
	// constraint. Returns ErrNoMemory when none is available.
	AllocPage(p Placement) (MPN, error)

	// FreePage returns a page to the allocator.
	FreePage(mpn MPN)

	// IsLowPage reports whether mpn sits below the low-memory boundary.
	IsLowPage(mpn MPN) bool

	// NodeOf returns the memory node mpn belongs to.
	NodeOf(mpn MPN) uint32
}

// PageMapper gives short-lived host access to a machine page. Map
// returns the page bytes and a release func that must be called when
// done. Mappings are cheap and never held across blocking calls.
type PageMapper interface {
	Map(mpn MPN) ([]byte, func())
}

// PageSharing is the content-based sharing table. One table is shared
// by all VMs on a host. Implementations must be safe for concurrent
// use; the VM calls it with its own lock held, so implementations must
// never call back into a VM.
type PageSharing interface {
	// HashMPN computes the content key of a machine page.
	HashMPN(mpn MPN) uint64

	// ZeroKey returns the key of an all-zero page.
	ZeroKey() uint64

	// AddIfShared attaches mpn to an existing entry for key. On a
	// match it returns the shared page and the new reference count.
	// On a miss it returns ErrNotFound along with any hint page
	// registered for the key, so the caller can try to promote it.
	AddIfShared(key uint64, mpn MPN) (shared MPN, count uint32, hint MPN, err error)

	// Add attaches mpn to the entry for key, creating the entry when
	// needed. Returns the canonical shared page and reference count.
	Add(key uint64, mpn MPN) (shared MPN, count uint32, err error)

	// Remove drops one reference from the entry for key, which must
	// name shared. Returns the remaining count; at zero the entry is
	// gone and the caller owns the page again.
	Remove(key uint64, shared MPN) (count uint32, err error)

	// RemoveIfUnshared removes the entry only if mpn is its sole
	// reference. Returns ErrBusy when other references remain.
	RemoveIfUnshared(key uint64, mpn MPN) error

	// LookupByMPN returns the key and reference count of the entry
	// backing a shared page.
	LookupByMPN(mpn MPN) (key uint64, count uint32, err error)

	// IsZeroMPN reports whether mpn is the canonical shared zero page.
	IsZeroMPN(mpn MPN) bool

	// AddHint registers a hint that owner's page ppn, currently on
	// mpn, had content key when last hashed.
	AddHint(key uint64, mpn MPN, owner VMID, ppn PPN) error

	// RemoveHint drops the hint on mpn, verifying it belongs to owner
	// and ppn.
	RemoveHint(mpn MPN, owner VMID, ppn PPN) error

	// LookupHint returns the recorded hint on mpn.
	LookupHint(mpn MPN) (key uint64, owner VMID, ppn PPN, err error)
}

// SwapEngine moves page contents between machine pages and swap slots.
// Reads may complete asynchronously: when done is non-nil ReadSlot
// queues the read and delivers exactly one error (nil on success) on
// done; when done is nil the read is synchronous.
type SwapEngine interface {
	ReadSlot(slot SlotID, dst MPN, done chan<- error) error

	// WriteSlot synchronously writes the contents of src into slot.
	WriteSlot(slot SlotID, src MPN) error

	// AllocSlot reserves a swap slot. Returns ErrNoResources when the
	// file is full.
	AllocSlot() (SlotID, error)

	// FreeSlot releases a slot reserved by AllocSlot.
	FreeSlot(slot SlotID)
}

// AdmissionControl throttles page allocation under memory pressure.
type AdmissionControl interface {
	// Reserve charges n pages against the host admission budget before
	// they are allocated. Returns ErrNoMemory when the budget cannot
	// cover them.
	Reserve(n uint32) error

	// Unreserve returns n previously reserved pages to the budget.
	Unreserve(n uint32)

	// BlockWhileLow blocks the caller until free memory is above the
	// low watermark or the timeout expires. Returns ErrTimeout on
	// expiry. Called without the VM lock held.
	BlockWhileLow(timeout time.Duration) error

	// LowOnPages reports whether the host is below its low watermark.
	LowOnPages() bool
}

// ActionSink receives doorbells for the execution engine. Post is
// called with the VM lock held and must not block or call back.
type ActionSink interface {
	Post(a Action)
}

// NopAdmission is an AdmissionControl that never throttles.
type NopAdmission struct{}

func (NopAdmission) Reserve(uint32) error              { return nil }
func (NopAdmission) Unreserve(uint32)                  {}
func (NopAdmission) BlockWhileLow(time.Duration) error { return nil }
func (NopAdmission) LowOnPages() bool                  { return false }

// nopSink discards actions; used when no engine is attached.
type nopSink struct{}

func (nopSink) Post(Action) {}
