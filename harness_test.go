package vmmem

import (
	"path/filepath"
	"testing"
	"time"
)

// testHost bundles the shared services every VM test runs against.
type testHost struct {
	arena *HostArena
	swap  *FileSwapEngine
	table *PageShareTable
	vms   map[VMID]*VM
}

func newTestHost(t *testing.T, hostPages uint32) *testHost {
	t.Helper()
	arena, err := NewHostArena(ArenaConfig{NumPages: hostPages, NumNodes: 2})
	if err != nil {
		t.Fatalf("Failed to create arena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	swap, err := NewFileSwapEngine(filepath.Join(t.TempDir(), "test.swp"), hostPages, arena)
	if err != nil {
		t.Fatalf("Failed to create swap engine: %v", err)
	}
	t.Cleanup(func() { swap.Close() })

	return &testHost{
		arena: arena,
		swap:  swap,
		table: NewPageShareTable(arena, 0),
		vms:   make(map[VMID]*VM),
	}
}

func (h *testHost) newVM(t *testing.T, id VMID, guestPages uint32) *VM {
	t.Helper()
	vm, err := NewVM(Config{
		ID:           id,
		Name:         "test",
		NumPhysPages: guestPages,
		Allocator:    h.arena,
		Mapper:       h.arena,
		Sharing:      h.table,
		Swap:         h.swap,
		Peers:        func(id VMID) *VM { return h.vms[id] },
	})
	if err != nil {
		t.Fatalf("Failed to create VM: %v", err)
	}
	h.vms[id] = vm
	t.Cleanup(func() { vm.Close() })
	return vm
}

// writePage faults ppn writeable and fills it with pattern.
func (h *testHost) writePage(t *testing.T, vm *VM, ppn PPN, pattern byte) MPN {
	t.Helper()
	mpn, err := vm.PageFault(ppn, true, SourceMonitor)
	if err != nil {
		t.Fatalf("Failed to fault ppn %#x: %v", ppn, err)
	}
	data, release := h.arena.Map(mpn)
	for i := range data {
		data[i] = pattern
	}
	release()
	return mpn
}

// readByte faults ppn readable and returns its first byte.
func (h *testHost) readByte(t *testing.T, vm *VM, ppn PPN) byte {
	t.Helper()
	mpn, err := vm.PageFault(ppn, false, SourceMonitor)
	if err != nil {
		t.Fatalf("Failed to fault ppn %#x: %v", ppn, err)
	}
	data, release := h.arena.Map(mpn)
	defer release()
	return data[0]
}

// mustState asserts the current frame state of ppn.
func mustState(t *testing.T, vm *VM, ppn PPN, want FrameState) FrameInfo {
	t.Helper()
	info, err := vm.Query(ppn)
	if err != nil {
		t.Fatalf("Failed to query ppn %#x: %v", ppn, err)
	}
	if info.State != want {
		t.Fatalf("Expected ppn %#x in state %v, got %v", ppn, want, info.State)
	}
	return info
}

// actionRecorder captures doorbells posted to the execution engine.
type actionRecorder struct {
	ch chan Action
}

func newActionRecorder() *actionRecorder {
	return &actionRecorder{ch: make(chan Action, 64)}
}

func (r *actionRecorder) Post(a Action) {
	select {
	case r.ch <- a:
	default:
	}
}

// swapOut pushes one specific page through the two-phase swap-out.
func (h *testHost) swapOut(t *testing.T, vm *VM, ppn PPN) SlotID {
	t.Helper()
	mpn, err := vm.BeginSwapOut(ppn)
	if err != nil {
		t.Fatalf("Failed to begin swap-out of ppn %#x: %v", ppn, err)
	}
	slot, err := h.swap.AllocSlot()
	if err != nil {
		t.Fatalf("Failed to alloc swap slot: %v", err)
	}
	if err := vm.CommitSwapOut(ppn, slot, h.swap.WriteSlot(slot, mpn)); err != nil {
		t.Fatalf("Failed to commit swap-out of ppn %#x: %v", ppn, err)
	}
	return slot
}

// waitForState polls until ppn reaches the wanted state, for async
// swap-in completions.
func waitForState(t *testing.T, vm *VM, ppn PPN, want FrameState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := vm.Query(ppn)
		if err != nil {
			t.Fatalf("Failed to query ppn %#x: %v", ppn, err)
		}
		if info.State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for ppn %#x to reach %v", ppn, want)
}
