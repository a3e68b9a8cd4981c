package vmmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// HostArena is the default FrameAllocator and PageMapper. It carves
// machine pages out of one anonymous mmap region; an MPN is the page's
// index within the region. Intended for hosting guests in-process and
// for tests; a real deployment substitutes the platform allocator.
type HostArena struct {
	mu        sync.Mutex
	region    []byte
	numPages  uint32
	lowBound  uint32 // pages below this index count as low memory
	numNodes  uint32
	nodePages uint32
	free      []MPN
	allocated []bool
	inUse     uint32
}

// ArenaConfig sizes a HostArena.
type ArenaConfig struct {
	// NumPages is the number of machine pages in the arena.
	NumPages uint32

	// LowPages is how many pages at the bottom of the arena count as
	// low memory. Zero means a quarter of the arena.
	LowPages uint32

	// NumNodes splits the arena into equal fake NUMA nodes. Zero or
	// one means a single node.
	NumNodes uint32
}

// NewHostArena maps an anonymous region big enough for cfg.NumPages
// machine pages.
func NewHostArena(cfg ArenaConfig) (*HostArena, error) {
	if cfg.NumPages == 0 {
		return nil, &VMError{Code: VM_BAD_PARAM, message: "vmmem: arena needs at least one page"}
	}
	if cfg.NumNodes == 0 {
		cfg.NumNodes = 1
	}
	if cfg.LowPages == 0 || cfg.LowPages > cfg.NumPages {
		cfg.LowPages = cfg.NumPages / 4
		if cfg.LowPages == 0 {
			cfg.LowPages = 1
		}
	}

	region, err := unix.Mmap(-1, 0, int(cfg.NumPages)*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("vmmem: arena mmap failed: %w", err)
	}

	a := &HostArena{
		region:    region,
		numPages:  cfg.NumPages,
		lowBound:  cfg.LowPages,
		numNodes:  cfg.NumNodes,
		nodePages: (cfg.NumPages + cfg.NumNodes - 1) / cfg.NumNodes,
		free:      make([]MPN, 0, cfg.NumPages),
		allocated: make([]bool, cfg.NumPages),
	}
	// free list pops from the tail; low pages sit at the bottom so
	// unconstrained allocations drain high memory first
	for i := uint32(0); i < cfg.NumPages; i++ {
		a.free = append(a.free, MPN(i))
	}
	return a, nil
}

// Close unmaps the arena. Pages handed out become invalid.
func (a *HostArena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.region == nil {
		return nil
	}
	err := unix.Munmap(a.region)
	a.region = nil
	return err
}

// AllocPage pops a free page honoring the placement constraint.
func (a *HostArena) AllocPage(p Placement) (MPN, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.free) - 1; i >= 0; i-- {
		mpn := a.free[i]
		if !a.admits(mpn, p) {
			continue
		}
		a.free = append(a.free[:i], a.free[i+1:]...)
		a.allocated[mpn] = true
		a.inUse++
		return mpn, nil
	}
	return InvalidMPN, ErrNoMemory
}

func (a *HostArena) admits(mpn MPN, p Placement) bool {
	if p.Low && uint32(mpn) >= a.lowBound {
		return false
	}
	if p.NodeMask != 0 {
		node := a.nodeOf(mpn)
		if p.NodeMask&(1<<node) == 0 {
			return false
		}
	}
	return true
}

// FreePage pushes the page back on the free list. Freeing an
// unallocated page is ignored.
func (a *HostArena) FreePage(mpn MPN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint32(mpn) >= a.numPages || !a.allocated[mpn] {
		return
	}
	a.allocated[mpn] = false
	a.inUse--
	a.free = append(a.free, mpn)
}

func (a *HostArena) IsLowPage(mpn MPN) bool {
	return uint32(mpn) < a.lowBound
}

func (a *HostArena) NodeOf(mpn MPN) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeOf(mpn)
}

func (a *HostArena) nodeOf(mpn MPN) uint32 {
	if a.nodePages == 0 {
		return 0
	}
	n := uint32(mpn) / a.nodePages
	if n >= a.numNodes {
		n = a.numNodes - 1
	}
	return n
}

// Map returns the page's bytes. The arena region is long-lived so the
// release func is a no-op, but callers must still invoke it.
func (a *HostArena) Map(mpn MPN) ([]byte, func()) {
	off := int(mpn) * PageSize
	return a.region[off : off+PageSize : off+PageSize], func() {}
}

// FreePages returns how many pages are currently unallocated.
func (a *HostArena) FreePages() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numPages - a.inUse
}
