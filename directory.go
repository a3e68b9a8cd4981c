package vmmem

const (
	// dirShift is log2 of the number of frames tracked per directory
	// page. 512 eight-byte descriptors fill one 4K page.
	dirShift = 9

	// dirPageFrames is the number of frames per directory page.
	dirPageFrames = 1 << dirShift

	dirPageMask = dirPageFrames - 1
)

// frameDir maps guest PPNs to page frames. Directory pages are
// allocated lazily on first touch so sparse guests stay cheap. All
// access goes through the owning VM's lock.
type frameDir struct {
	numPhysPages uint32
	pages        [][]Frame
}

func newFrameDir(numPhysPages uint32) *frameDir {
	n := (numPhysPages + dirPageMask) >> dirShift
	return &frameDir{
		numPhysPages: numPhysPages,
		pages:        make([][]Frame, n),
	}
}

// contains reports whether ppn is a valid guest physical page.
func (d *frameDir) contains(ppn PPN) bool {
	return uint32(ppn) < d.numPhysPages
}

// frame returns the frame for ppn, or nil if its directory page has
// never been touched. Callers that only inspect state treat nil as an
// invalid frame without paying for the page.
func (d *frameDir) frame(ppn PPN) *Frame {
	if !d.contains(ppn) {
		return nil
	}
	dp := d.pages[uint32(ppn)>>dirShift]
	if dp == nil {
		return nil
	}
	return &dp[uint32(ppn)&dirPageMask]
}

// ensureFrame returns the frame for ppn, allocating its directory page
// if needed. Returns nil only for an out-of-range ppn.
func (d *frameDir) ensureFrame(ppn PPN) *Frame {
	if !d.contains(ppn) {
		return nil
	}
	di := uint32(ppn) >> dirShift
	if d.pages[di] == nil {
		dp := make([]Frame, dirPageFrames)
		for i := range dp {
			dp[i].reset()
		}
		d.pages[di] = dp
	}
	return &d.pages[di][uint32(ppn)&dirPageMask]
}

// pageCount returns the number of allocated directory pages, for
// overhead accounting.
func (d *frameDir) pageCount() uint32 {
	var n uint32
	for _, dp := range d.pages {
		if dp != nil {
			n++
		}
	}
	return n
}

// forEach calls fn for every frame in every touched directory page.
// fn runs under the VM lock and must not call back into the directory.
func (d *frameDir) forEach(fn func(ppn PPN, f *Frame)) {
	for di, dp := range d.pages {
		if dp == nil {
			continue
		}
		base := uint32(di) << dirShift
		for i := range dp {
			ppn := PPN(base + uint32(i))
			if !d.contains(ppn) {
				return
			}
			fn(ppn, &dp[i])
		}
	}
}
