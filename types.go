package vmmem

// PPN is a physical page number in the guest's physical address space.
type PPN uint32

// MPN is a machine page number backing a guest physical page.
type MPN uint32

// BPN is a bus page number, the address-space-neutral form the execution
// engine uses to name guest pages. Guest main memory BPNs are the guest
// PPN plus a per-VM base offset.
type BPN uint32

// SlotID names a slot in the swap file. Slot 0 is never a valid slot.
type SlotID uint32

// VMID identifies a VM instance for cross-VM bookkeeping such as
// copy-on-write hints.
type VMID uint32

const (
	// PageSize is the size of a guest physical page in bytes.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	InvalidPPN PPN = 0xffffffff
	InvalidMPN MPN = 0xffffffff
	InvalidBPN BPN = 0xffffffff

	// InvalidSlot is the zero slot; the swap bridge never hands it out.
	InvalidSlot SlotID = 0
)

// Placement constrains where a freshly allocated machine page may come
// from on a NUMA host.
type Placement struct {
	// NodeMask selects the memory nodes the page may be allocated on.
	// A zero mask means any node.
	NodeMask uint32

	// Low asks for a page below the low-memory boundary, for devices
	// that cannot address high machine pages.
	Low bool
}

// AnyPlacement places no constraint on the allocated page.
var AnyPlacement = Placement{}

// FaultSource identifies who is asking a page fault to be resolved.
// The source decides blocking behavior when the page is swapped out.
type FaultSource int

const (
	// SourceKernel faults come from kernel-internal accesses. They may
	// block on swap-in and memory pressure.
	SourceKernel FaultSource = iota

	// SourceMonitor faults come from the execution engine on behalf of
	// the running guest. They may block.
	SourceMonitor

	// SourceDevice faults come from device emulation contexts that must
	// not block. Swap-ins are issued asynchronously and the caller is
	// expected to retry.
	SourceDevice
)

func (s FaultSource) String() string {
	switch s {
	case SourceKernel:
		return "kernel"
	case SourceMonitor:
		return "monitor"
	case SourceDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Usage is a snapshot of a VM's page accounting, taken under the VM
// lock. Counts are in pages.
type Usage struct {
	// Locked counts resident private pages, including pages being
	// swapped out or pinned.
	Locked uint32 `json:"locked"`

	// Shared counts pages backed by a full copy-on-write mapping.
	Shared uint32 `json:"shared"`

	// Hinted counts pages marked as copy-on-write hints.
	Hinted uint32 `json:"hinted"`

	// Swapped counts pages whose contents live in the swap file.
	Swapped uint32 `json:"swapped"`

	// Pinned counts pages with a nonzero pin count.
	Pinned uint32 `json:"pinned"`

	// Overhead counts pages held for bookkeeping, such as the frame
	// directory and checkpoint buffers.
	Overhead uint32 `json:"overhead"`
}

// P2MUpdate tells the execution engine that its cached mapping for a
// bus page is stale and must be refetched.
type P2MUpdate struct {
	BPN BPN
	MPN MPN
}

// HintStatus reports the outcome of a copy-on-write hint placed earlier
// by the execution engine.
type HintStatus int

const (
	// HintMatched means another page with identical contents was found
	// and the hint page is now fully shared.
	HintMatched HintStatus = iota

	// HintStale means the hinted contents changed before a partner was
	// found; the hint was dropped.
	HintStale

	// HintRemoved means the hint was dropped for another reason, such
	// as the page being reclaimed.
	HintRemoved
)

func (s HintStatus) String() string {
	switch s {
	case HintMatched:
		return "matched"
	case HintStale:
		return "stale"
	case HintRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// HintUpdate reports a hint outcome to the execution engine that placed
// the hint.
type HintUpdate struct {
	BPN    BPN
	Status HintStatus
}

// RemapRequest asks the remap machinery to move a guest page onto a
// different machine page.
type RemapRequest struct {
	PPN PPN

	// Low requests a page below the low-memory boundary.
	Low bool

	// NodeMask restricts the destination node; zero means any node.
	NodeMask uint32
}

// Action identifies a doorbell posted to the execution engine.
type Action int

const (
	// ActionP2MUpdate signals that p2m invalidations are pending and
	// should be drained via P2MUpdateGet.
	ActionP2MUpdate Action = iota

	// ActionHintUpdate signals that hint outcomes are pending and
	// should be drained via HintUpdatesGet.
	ActionHintUpdate
)

// PhysMemRange is a run of guest physical pages mapped for host access.
// Pages in the range are pinned until Release is called.
type PhysMemRange struct {
	StartPPN PPN
	MPNs     []MPN

	vm *VM
}
