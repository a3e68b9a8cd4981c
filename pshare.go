package vmmem

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/benbjohnson/immutable"
	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// HashToNodeHash folds a memory node into a content key so identical
// pages on different nodes share only with local partners. The low key
// byte carries the node.
func HashToNodeHash(key uint64, node uint32) uint64 {
	return (key &^ 0xff) | uint64(node&0xff)
}

// HintKeyMatch compares two content keys ignoring the node byte.
func HintKeyMatch(a, b uint64) bool {
	return a>>8 == b>>8
}

// shareFrame is one entry in the sharing table: a canonical machine
// page and how many guest pages reference it.
type shareFrame struct {
	mpn   MPN
	count uint32
}

// hintFrame records a speculative sharing candidate placed by a VM.
type hintFrame struct {
	key   uint64
	owner VMID
	ppn   PPN
}

// uint64Hasher adapts content keys to the immutable map's hasher.
type uint64Hasher struct{}

func (uint64Hasher) Hash(key uint64) uint32 { return uint32(key ^ key>>32) }
func (uint64Hasher) Equal(a, b uint64) bool { return a == b }

// PageShareTable is the default PageSharing implementation. Entries
// live in a persistent map so readers racing a grow never see a torn
// bucket, and a cuckoo filter screens out the common no-match case
// before the map is consulted.
type PageShareTable struct {
	mapper PageMapper

	mu      sync.RWMutex
	byKey   *immutable.Map[uint64, shareFrame]
	byMPN   map[MPN]uint64
	hints   map[MPN]hintFrame
	hintKey map[uint64][]MPN // key>>8 to hinted pages
	filter  *cuckoo.Filter
	zeroKey uint64
}

// NewPageShareTable builds a sharing table sized for roughly capacity
// distinct page contents.
func NewPageShareTable(mapper PageMapper, capacity uint) *PageShareTable {
	if capacity == 0 {
		capacity = 1 << 16
	}
	t := &PageShareTable{
		mapper:  mapper,
		byKey:   immutable.NewMap[uint64, shareFrame](uint64Hasher{}),
		byMPN:   make(map[MPN]uint64),
		hints:   make(map[MPN]hintFrame),
		hintKey: make(map[uint64][]MPN),
		filter:  cuckoo.NewFilter(capacity),
	}
	t.zeroKey = hashBytes(make([]byte, PageSize))
	return t
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	key := h.Sum64()
	// zero is reserved as "no key"
	if key == 0 {
		key = 1
	}
	return key
}

func keyBytes(key uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return b[:]
}

// HashMPN hashes the current contents of a machine page.
func (t *PageShareTable) HashMPN(mpn MPN) uint64 {
	data, release := t.mapper.Map(mpn)
	defer release()
	return hashBytes(data)
}

// ZeroKey returns the content key of an all-zero page.
func (t *PageShareTable) ZeroKey() uint64 { return t.zeroKey }

// AddIfShared attaches mpn to an existing entry for key, if one
// exists. On a miss it returns ErrNotFound plus any hinted page whose
// key matches, so the caller can try promoting the hint.
func (t *PageShareTable) AddIfShared(key uint64, mpn MPN) (MPN, uint32, MPN, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filter.Lookup(keyBytes(key)) {
		if sf, ok := t.byKey.Get(key); ok {
			sf.count++
			t.byKey = t.byKey.Set(key, sf)
			return sf.mpn, sf.count, InvalidMPN, nil
		}
	}
	hint := InvalidMPN
	if cands := t.hintKey[key>>8]; len(cands) > 0 {
		// skip the page being shared; its own hint is no candidate
		for _, h := range cands {
			if h != mpn {
				hint = h
				break
			}
		}
	}
	return InvalidMPN, 0, hint, ErrNotFound
}

// Add attaches mpn to the entry for key, creating the entry when
// needed. When the entry already exists its canonical page wins and
// the caller is expected to verify contents and release its page.
func (t *PageShareTable) Add(key uint64, mpn MPN) (MPN, uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sf, ok := t.byKey.Get(key); ok {
		sf.count++
		t.byKey = t.byKey.Set(key, sf)
		return sf.mpn, sf.count, nil
	}
	sf := shareFrame{mpn: mpn, count: 1}
	t.byKey = t.byKey.Set(key, sf)
	t.byMPN[mpn] = key
	t.filter.Insert(keyBytes(key))
	return mpn, 1, nil
}

// Remove drops one reference from the entry for key.
func (t *PageShareTable) Remove(key uint64, shared MPN) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sf, ok := t.byKey.Get(key)
	if !ok || sf.mpn != shared {
		return 0, ErrNotFound
	}
	sf.count--
	if sf.count == 0 {
		t.byKey = t.byKey.Delete(key)
		delete(t.byMPN, shared)
		t.filter.Delete(keyBytes(key))
		return 0, nil
	}
	t.byKey = t.byKey.Set(key, sf)
	return sf.count, nil
}

// RemoveIfUnshared removes the entry for key only when mpn is its sole
// reference, letting a COW break reclaim the page in place.
func (t *PageShareTable) RemoveIfUnshared(key uint64, mpn MPN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sf, ok := t.byKey.Get(key)
	if !ok || sf.mpn != mpn {
		return ErrNotFound
	}
	if sf.count != 1 {
		return ErrBusy
	}
	t.byKey = t.byKey.Delete(key)
	delete(t.byMPN, mpn)
	t.filter.Delete(keyBytes(key))
	return nil
}

// LookupByMPN returns the key and reference count of a shared page.
func (t *PageShareTable) LookupByMPN(mpn MPN) (uint64, uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, ok := t.byMPN[mpn]
	if !ok {
		return 0, 0, ErrNotFound
	}
	sf, ok := t.byKey.Get(key)
	if !ok {
		return 0, 0, ErrNotFound
	}
	return key, sf.count, nil
}

// IsZeroMPN reports whether mpn is the canonical shared zero page.
func (t *PageShareTable) IsZeroMPN(mpn MPN) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, ok := t.byMPN[mpn]
	return ok && key == t.zeroKey
}

// AddHint registers a sharing candidate. A page can carry one hint.
func (t *PageShareTable) AddHint(key uint64, mpn MPN, owner VMID, ppn PPN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hints[mpn]; ok {
		return ErrExists
	}
	t.hints[mpn] = hintFrame{key: key, owner: owner, ppn: ppn}
	hk := key >> 8
	t.hintKey[hk] = append(t.hintKey[hk], mpn)
	return nil
}

// RemoveHint drops the hint on mpn, verifying ownership.
func (t *PageShareTable) RemoveHint(mpn MPN, owner VMID, ppn PPN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	hf, ok := t.hints[mpn]
	if !ok {
		return ErrNotFound
	}
	if hf.owner != owner || hf.ppn != ppn {
		return ErrBadParam
	}
	delete(t.hints, mpn)
	hk := hf.key >> 8
	cands := t.hintKey[hk]
	for i, h := range cands {
		if h == mpn {
			t.hintKey[hk] = append(cands[:i], cands[i+1:]...)
			break
		}
	}
	if len(t.hintKey[hk]) == 0 {
		delete(t.hintKey, hk)
	}
	return nil
}

// LookupHint returns the hint recorded on mpn.
func (t *PageShareTable) LookupHint(mpn MPN) (uint64, VMID, PPN, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hf, ok := t.hints[mpn]
	if !ok {
		return 0, 0, InvalidPPN, ErrNotFound
	}
	return hf.key, hf.owner, hf.ppn, nil
}

// EntryCount returns how many distinct contents are currently shared.
func (t *PageShareTable) EntryCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byKey.Len()
}

// HintCount returns how many hints are outstanding.
func (t *PageShareTable) HintCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hints)
}
