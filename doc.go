// Package vmmem manages the guest physical memory of virtual machines:
// the per-VM mapping from guest physical pages (PPNs) to machine pages
// (MPNs), demand paging, transparent content-based page sharing,
// swapping, ballooning, and checkpoint I/O.
//
// Each VM owns a sparse frame directory that tracks one descriptor per
// guest page. Host-wide services (the machine page allocator, the
// sharing table, and the swap engine) are injected through Config and
// shared by every VM on the host.
//
// # Basic Usage
//
// Build the shared services and a VM:
//
//	arena, err := vmmem.NewHostArena(vmmem.ArenaConfig{NumPages: 4096})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer arena.Close()
//
//	swap, err := vmmem.NewFileSwapEngine("guest.swp", 1024, arena)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer swap.Close()
//
//	vm, err := vmmem.NewVM(vmmem.Config{
//		Name:         "guest0",
//		NumPhysPages: 1024,
//		Allocator:    arena,
//		Mapper:       arena,
//		Sharing:      vmmem.NewPageShareTable(arena, 0),
//		Swap:         swap,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer vm.Close()
//
// Resolve guest faults:
//
//	mpn, err := vm.PageFault(0x42, true, vmmem.SourceMonitor)
//
// Guest pages are zero-filled on first touch. A read fault on a shared
// page returns the shared machine page; a write fault breaks the
// sharing and returns a private copy.
//
// # Page Sharing
//
//	shared, err := vm.SharePage(ppn)
//
// folds a page into the host-wide sharing table when another page with
// identical contents exists. HintPage marks cheap candidates without
// committing them.
//
// # Swapping
//
// An external policy picks victim pages and drives the two-phase
// swap-out (BeginSwapOut, CommitSwapOut). Faults on swapped pages read
// the slot back in; device faults get ErrWouldBlock while the read is
// in flight and retry.
//
// # Error Handling
//
// All errors implement the standard Go error interface. Memory manager
// errors are wrapped in VMError types carrying 32-bit status codes.
//
// # Resource Management
//
// VMs must be explicitly closed using Close(); teardown returns every
// machine page, swap slot, and sharing reference to the host services.
// Finalizers provide safety net cleanup.
package vmmem
