package vmmem

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring memory manager operations
var (
	// Operation counters
	faultCount      uint64
	zeroFillCount   uint64
	swapInCount     uint64
	swapOutCount    uint64
	swapRetryCount  uint64
	cowShareCount   uint64
	cowHintCount    uint64
	cowCopyCount    uint64
	collisionCount  uint64
	remapCount      uint64
	balloonReleases uint64
	checkpointPages uint64
	pinOperations   uint64

	// Timing metrics (nanoseconds)
	totalFaultTime  uint64
	totalSwapInTime uint64

	// Error counters
	busyErrors     uint64
	resourceErrors uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	Faults          uint64 `json:"faults"`
	ZeroFills       uint64 `json:"zero_fills"`
	SwapIns         uint64 `json:"swap_ins"`
	SwapOuts        uint64 `json:"swap_outs"`
	SwapRetries     uint64 `json:"swap_retries"`
	COWShares       uint64 `json:"cow_shares"`
	COWHints        uint64 `json:"cow_hints"`
	COWCopies       uint64 `json:"cow_copies"`
	Collisions      uint64 `json:"collisions"`
	Remaps          uint64 `json:"remaps"`
	BalloonReleases uint64 `json:"balloon_releases"`
	CheckpointPages uint64 `json:"checkpoint_pages"`
	PinOperations   uint64 `json:"pin_operations"`
	AvgFaultTimeNs  uint64 `json:"avg_fault_time_ns"`
	AvgSwapInTimeNs uint64 `json:"avg_swap_in_time_ns"`
	BusyErrors      uint64 `json:"busy_errors"`
	ResourceErrors  uint64 `json:"resource_errors"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	faults := atomic.LoadUint64(&faultCount)
	swapIns := atomic.LoadUint64(&swapInCount)

	var avgFault, avgSwapIn uint64
	if faults > 0 {
		avgFault = atomic.LoadUint64(&totalFaultTime) / faults
	}
	if swapIns > 0 {
		avgSwapIn = atomic.LoadUint64(&totalSwapInTime) / swapIns
	}

	return Metrics{
		Faults:          faults,
		ZeroFills:       atomic.LoadUint64(&zeroFillCount),
		SwapIns:         swapIns,
		SwapOuts:        atomic.LoadUint64(&swapOutCount),
		SwapRetries:     atomic.LoadUint64(&swapRetryCount),
		COWShares:       atomic.LoadUint64(&cowShareCount),
		COWHints:        atomic.LoadUint64(&cowHintCount),
		COWCopies:       atomic.LoadUint64(&cowCopyCount),
		Collisions:      atomic.LoadUint64(&collisionCount),
		Remaps:          atomic.LoadUint64(&remapCount),
		BalloonReleases: atomic.LoadUint64(&balloonReleases),
		CheckpointPages: atomic.LoadUint64(&checkpointPages),
		PinOperations:   atomic.LoadUint64(&pinOperations),
		AvgFaultTimeNs:  avgFault,
		AvgSwapInTimeNs: avgSwapIn,
		BusyErrors:      atomic.LoadUint64(&busyErrors),
		ResourceErrors:  atomic.LoadUint64(&resourceErrors),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	atomic.StoreUint64(&faultCount, 0)
	atomic.StoreUint64(&zeroFillCount, 0)
	atomic.StoreUint64(&swapInCount, 0)
	atomic.StoreUint64(&swapOutCount, 0)
	atomic.StoreUint64(&swapRetryCount, 0)
	atomic.StoreUint64(&cowShareCount, 0)
	atomic.StoreUint64(&cowHintCount, 0)
	atomic.StoreUint64(&cowCopyCount, 0)
	atomic.StoreUint64(&collisionCount, 0)
	atomic.StoreUint64(&remapCount, 0)
	atomic.StoreUint64(&balloonReleases, 0)
	atomic.StoreUint64(&checkpointPages, 0)
	atomic.StoreUint64(&pinOperations, 0)
	atomic.StoreUint64(&totalFaultTime, 0)
	atomic.StoreUint64(&totalSwapInTime, 0)
	atomic.StoreUint64(&busyErrors, 0)
	atomic.StoreUint64(&resourceErrors, 0)
}

// Internal metric recording functions
func recordFault(duration time.Duration) {
	atomic.AddUint64(&faultCount, 1)
	atomic.AddUint64(&totalFaultTime, uint64(duration.Nanoseconds()))
}

func recordZeroFill() {
	atomic.AddUint64(&zeroFillCount, 1)
}

func recordSwapIn(duration time.Duration) {
	atomic.AddUint64(&swapInCount, 1)
	atomic.AddUint64(&totalSwapInTime, uint64(duration.Nanoseconds()))
}

func recordSwapOut() {
	atomic.AddUint64(&swapOutCount, 1)
}

func recordSwapRetry() {
	atomic.AddUint64(&swapRetryCount, 1)
}

func recordCOWShare() {
	atomic.AddUint64(&cowShareCount, 1)
}

func recordCOWHint() {
	atomic.AddUint64(&cowHintCount, 1)
}

func recordCOWCopy() {
	atomic.AddUint64(&cowCopyCount, 1)
}

func recordCollision() {
	atomic.AddUint64(&collisionCount, 1)
}

func recordRemap() {
	atomic.AddUint64(&remapCount, 1)
}

func recordBalloonRelease() {
	atomic.AddUint64(&balloonReleases, 1)
}

func recordCheckpointPage() {
	atomic.AddUint64(&checkpointPages, 1)
}

func recordPinOperation() {
	atomic.AddUint64(&pinOperations, 1)
}

func recordBusyError() {
	atomic.AddUint64(&busyErrors, 1)
}

func recordResourceError() {
	atomic.AddUint64(&resourceErrors, 1)
}
