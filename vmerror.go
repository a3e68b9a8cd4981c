package vmmem

import (
	"fmt"
	"os"
	"strconv"
)

// Status codes returned by the guest memory manager.
const (
	VM_SUCCESS      uint32 = 0x00000000
	VM_FAILURE      uint32 = 0xBAD00001
	VM_BUSY         uint32 = 0xBAD00002
	VM_BAD_PARAM    uint32 = 0xBAD00003
	VM_NOT_FOUND    uint32 = 0xBAD00004
	VM_NO_MEMORY    uint32 = 0xBAD00005
	VM_NO_RESOURCES uint32 = 0xBAD00006
	VM_WOULD_BLOCK  uint32 = 0xBAD00007
	VM_NOT_SHARED   uint32 = 0xBAD00008
	VM_EXISTS       uint32 = 0xBAD00009
	VM_IO_ERROR     uint32 = 0xBAD0000A
	VM_TIMEOUT      uint32 = 0xBAD0000B
	VM_DEAD         uint32 = 0xBAD0000C
	VM_SHARED       uint32 = 0xBAD0000D
)

// VMError wraps a guest memory manager status code.
// Code stores the raw 32-bit status value (often 0xBAD000xx).
type VMError struct {
	Code    uint32
	message string // Optional custom message for specific errors
}

func (e VMError) Error() string {
	// Use custom message if available
	if e.message != "" {
		return e.message
	}

	// Security: Check if we should sanitize error messages
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e VMError) detailedError() string {
	switch e.Code {
	case VM_SUCCESS:
		return "vmmem: success"
	case VM_FAILURE:
		return "vmmem: general failure (VM_FAILURE) - check VM state and API usage"
	case VM_BUSY:
		return "vmmem: resource busy (VM_BUSY) - page is transitioning or a checkpoint is in progress"
	case VM_BAD_PARAM:
		return "vmmem: invalid parameter (VM_BAD_PARAM) - check page numbers and ranges"
	case VM_NOT_FOUND:
		return "vmmem: not found (VM_NOT_FOUND) - no such page, frame, or share entry"
	case VM_NO_MEMORY:
		return "vmmem: out of memory (VM_NO_MEMORY) - machine page allocation failed"
	case VM_NO_RESOURCES:
		return "vmmem: insufficient resources (VM_NO_RESOURCES) - swap slots or buffers exhausted"
	case VM_WOULD_BLOCK:
		return "vmmem: would block (VM_WOULD_BLOCK) - retry after the pending I/O completes"
	case VM_NOT_SHARED:
		return "vmmem: page not shared (VM_NOT_SHARED) - copy requested for a private page"
	case VM_EXISTS:
		return "vmmem: already exists (VM_EXISTS) - entry or hint already registered"
	case VM_IO_ERROR:
		return "vmmem: I/O error (VM_IO_ERROR) - swap or checkpoint file operation failed"
	case VM_TIMEOUT:
		return "vmmem: timed out (VM_TIMEOUT) - memory wait exceeded its deadline"
	case VM_DEAD:
		return "vmmem: VM dead (VM_DEAD) - an unrecoverable error terminated this VM"
	case VM_SHARED:
		return "vmmem: page shared (VM_SHARED) - remap refused, reshare on the target node instead"
	default:
		return fmt.Sprintf("vmmem: unknown error code 0x%08x", e.Code)
	}
}

// sanitizedError provides minimal error information for production
func (e VMError) sanitizedError() string {
	switch e.Code {
	case VM_SUCCESS:
		return "vmmem: success"
	case VM_FAILURE:
		return "vmmem: general failure"
	case VM_BUSY:
		return "vmmem: resource busy"
	case VM_BAD_PARAM:
		return "vmmem: invalid parameter"
	case VM_NOT_FOUND:
		return "vmmem: not found"
	case VM_NO_MEMORY:
		return "vmmem: out of memory"
	case VM_NO_RESOURCES:
		return "vmmem: insufficient resources"
	case VM_WOULD_BLOCK:
		return "vmmem: would block"
	case VM_NOT_SHARED:
		return "vmmem: page not shared"
	case VM_EXISTS:
		return "vmmem: already exists"
	case VM_IO_ERROR:
		return "vmmem: I/O error"
	case VM_TIMEOUT:
		return "vmmem: timed out"
	case VM_DEAD:
		return "vmmem: VM dead"
	case VM_SHARED:
		return "vmmem: page shared"
	default:
		return "vmmem: memory manager error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMMEM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("VMMEM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Common specific errors for API consumers
var (
	ErrVMClosed       = &VMError{Code: VM_FAILURE, message: "vmmem: VM is closed"}
	ErrVMDead         = &VMError{Code: VM_DEAD}
	ErrBusy           = &VMError{Code: VM_BUSY}
	ErrBadParam       = &VMError{Code: VM_BAD_PARAM}
	ErrNotFound       = &VMError{Code: VM_NOT_FOUND}
	ErrNoMemory       = &VMError{Code: VM_NO_MEMORY}
	ErrNoResources    = &VMError{Code: VM_NO_RESOURCES}
	ErrWouldBlock     = &VMError{Code: VM_WOULD_BLOCK}
	ErrNotShared      = &VMError{Code: VM_NOT_SHARED}
	ErrShared         = &VMError{Code: VM_SHARED}
	ErrExists         = &VMError{Code: VM_EXISTS}
	ErrIO             = &VMError{Code: VM_IO_ERROR}
	ErrTimeout        = &VMError{Code: VM_TIMEOUT}
	ErrPPNOutOfRange  = &VMError{Code: VM_BAD_PARAM, message: "vmmem: PPN beyond guest physical memory"}
	ErrPagePinned     = &VMError{Code: VM_BUSY, message: "vmmem: page is pinned"}
	ErrCheckpointBusy = &VMError{Code: VM_BUSY, message: "vmmem: checkpoint buffer busy"}
)
