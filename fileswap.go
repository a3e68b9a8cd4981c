package vmmem

import (
	"fmt"
	"os"
	"sync"
)

// FileSwapEngine is the default SwapEngine: a flat file of page-sized
// slots. Slot numbers start at 1; slot 0 is reserved so a zero SlotID
// is always invalid.
type FileSwapEngine struct {
	mapper PageMapper

	mu        sync.Mutex
	file      *os.File
	numSlots  uint32
	free      []SlotID
	allocated []bool
	closed    bool
}

// NewFileSwapEngine creates (or truncates) a swap file with numSlots
// page slots.
func NewFileSwapEngine(path string, numSlots uint32, mapper PageMapper) (*FileSwapEngine, error) {
	if numSlots == 0 {
		return nil, &VMError{Code: VM_BAD_PARAM, message: "vmmem: swap file needs at least one slot"}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("vmmem: swap file open: %w", err)
	}
	if err := f.Truncate(int64(numSlots+1) * PageSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("vmmem: swap file truncate: %w", err)
	}
	e := &FileSwapEngine{
		mapper:    mapper,
		file:      f,
		numSlots:  numSlots,
		free:      make([]SlotID, 0, numSlots),
		allocated: make([]bool, numSlots+1),
	}
	for s := numSlots; s >= 1; s-- {
		e.free = append(e.free, SlotID(s))
	}
	return e, nil
}

// Close closes the swap file. Outstanding slots become unreadable.
func (e *FileSwapEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.file.Close()
}

func (e *FileSwapEngine) checkSlot(slot SlotID) error {
	if slot == InvalidSlot || uint32(slot) > e.numSlots {
		return ErrBadParam
	}
	if !e.allocated[slot] {
		return ErrNotFound
	}
	return nil
}

// AllocSlot reserves a free slot.
func (e *FileSwapEngine) AllocSlot() (SlotID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return InvalidSlot, ErrIO
	}
	if len(e.free) == 0 {
		recordResourceError()
		return InvalidSlot, ErrNoResources
	}
	slot := e.free[len(e.free)-1]
	e.free = e.free[:len(e.free)-1]
	e.allocated[slot] = true
	return slot, nil
}

// FreeSlot returns a slot to the free pool. Freeing an unallocated
// slot is ignored.
func (e *FileSwapEngine) FreeSlot(slot SlotID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot == InvalidSlot || uint32(slot) > e.numSlots || !e.allocated[slot] {
		return
	}
	e.allocated[slot] = false
	e.free = append(e.free, slot)
}

// FreeSlots returns how many slots are unallocated.
func (e *FileSwapEngine) FreeSlots() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint32(len(e.free))
}

// WriteSlot writes the contents of src into slot.
func (e *FileSwapEngine) WriteSlot(slot SlotID, src MPN) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrIO
	}
	if err := e.checkSlot(slot); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	data, release := e.mapper.Map(src)
	defer release()
	if _, err := e.file.WriteAt(data, int64(slot)*PageSize); err != nil {
		return fmt.Errorf("vmmem: swap write slot %d: %w", slot, err)
	}
	return nil
}

// ReadSlot reads slot into dst. With a nil done channel the read is
// synchronous; otherwise it is queued and exactly one error (nil on
// success) is delivered on done.
func (e *FileSwapEngine) ReadSlot(slot SlotID, dst MPN, done chan<- error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrIO
	}
	if err := e.checkSlot(slot); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if done == nil {
		return e.readSlot(slot, dst)
	}
	go func() { done <- e.readSlot(slot, dst) }()
	return nil
}

func (e *FileSwapEngine) readSlot(slot SlotID, dst MPN) error {
	data, release := e.mapper.Map(dst)
	defer release()
	if _, err := e.file.ReadAt(data, int64(slot)*PageSize); err != nil {
		return fmt.Errorf("vmmem: swap read slot %d: %w", slot, err)
	}
	return nil
}
