// Package swap implements Component B, the swap manager: a backing store
// for pages evicted from memory plus the swap cache that lets a page be
// resident in both RAM and the backing store at once. It is grounded on
// the swap-related call sites of original_source/mm/memory.c
// (swap_free, swap_duplicate, in_swap_cache, delete_from_swap_cache) and
// original_source/ipc/shm.c (get_swap_page, read_swap_page,
// write_swap_page), which the distilled spec omitted a concrete backing
// device for.
//
// Per SPEC_FULL.md's testability deviation there is no real disk: the
// backing store is a slab of in-process byte slices, addressed by an
// opaque SwapID instead of a disk block number.
package swap

import (
	"sync"

	"defs"
	"mem"
)

/// SwapID names one slot in the backing store. The zero value never
/// refers to a real slot, matching the teacher idiom of a zero PTE value
/// meaning "not present, not swapped" (original_source pte_none).
type SwapID uint32

const noSlot SwapID = 0

/// Device_t is the injectable backing store for Component B: a fixed
/// number of page-sized slots, each either free, held by exactly one
/// swapped-out mapping, or shared by several (after SwapDuplicate, the
/// fork case original_source/mm/memory.c's copy_one_pte handles).
type Device_t struct {
	mu sync.Mutex

	slots  [][]byte
	refcnt []int32
	free   []SwapID

	// cache maps a resident frame to the swap slot that still holds an
	// identical copy, so a page written back but not yet reused can be
	// dropped without a redundant write. Mirrors in_swap_cache /
	// delete_from_swap_cache in original_source/mm/memory.c.
	cache map[mem.Pa_t]SwapID
}

/// NewDevice allocates a backing store of nslots page-sized slots, slot 0
/// reserved as the permanent "no slot" sentinel.
func NewDevice(nslots int) *Device_t {
	d := &Device_t{
		slots:  make([][]byte, nslots+1),
		refcnt: make([]int32, nslots+1),
		cache:  make(map[mem.Pa_t]SwapID),
	}
	for i := 1; i <= nslots; i++ {
		d.slots[i] = make([]byte, mem.PGSIZE)
		d.free = append(d.free, SwapID(i))
	}
	return d
}

/// GetSwapPage reserves a fresh slot with refcnt 1, mirroring shm.c's
/// get_swap_page. It returns -defs.ENOSPC when the device is full.
func (d *Device_t) GetSwapPage() (SwapID, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.free) == 0 {
		return noSlot, -defs.ENOSPC
	}
	id := d.free[len(d.free)-1]
	d.free = d.free[:len(d.free)-1]
	d.refcnt[id] = 1
	return id, 0
}

/// SwapDuplicate increments a slot's reference count, used when fork
/// clones a PTE that is not present but still names a swap slot
/// (original_source/mm/memory.c's copy_one_pte: "swap_duplicate(pte_val(pte))").
func (d *Device_t) SwapDuplicate(id SwapID) {
	if id == noSlot {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refcnt[id] <= 0 {
		panic("swap_duplicate: dead slot")
	}
	d.refcnt[id]++
}

/// SwapFree drops one reference to a slot, releasing it to the free list
/// once nothing references it. Mirrors swap_free's call sites in
/// free_one_pte and shm.c's killseg.
func (d *Device_t) SwapFree(id SwapID) {
	if id == noSlot {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refcnt[id] <= 0 {
		panic("swap_free: double free")
	}
	d.refcnt[id]--
	if d.refcnt[id] == 0 {
		d.free = append(d.free, id)
	}
}

/// WriteSwapPage copies a full page out to slot id, mirroring shm.c's
/// write_swap_page.
func (d *Device_t) WriteSwapPage(id SwapID, src *mem.Pg_t) defs.Err_t {
	if id == noSlot {
		return -defs.EINVAL
	}
	bpg := mem.Pg2bytes(src)
	d.mu.Lock()
	copy(d.slots[id], bpg[:])
	d.mu.Unlock()
	return 0
}

/// ReadSwapPage copies slot id's contents into dst, mirroring shm.c's
/// read_swap_page.
func (d *Device_t) ReadSwapPage(id SwapID, dst *mem.Pg_t) defs.Err_t {
	if id == noSlot {
		return -defs.EINVAL
	}
	bpg := mem.Pg2bytes(dst)
	d.mu.Lock()
	copy(bpg[:], d.slots[id])
	d.mu.Unlock()
	return 0
}

/// CacheInsert records that frame p still holds the same contents as
/// swap slot id, so a subsequent eviction of p can skip the write.
func (d *Device_t) CacheInsert(p mem.Pa_t, id SwapID) {
	d.mu.Lock()
	d.cache[p] = id
	d.mu.Unlock()
}

/// CacheLookup reports the swap slot cached for frame p, if any. Mirrors
/// in_swap_cache.
func (d *Device_t) CacheLookup(p mem.Pa_t) (SwapID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.cache[p]
	return id, ok
}

/// CacheDelete removes any cache entry for frame p and reports whether
/// one was present, mirroring delete_from_swap_cache (whose result the
/// teacher uses to decide whether to mark a page dirty again).
func (d *Device_t) CacheDelete(p mem.Pa_t) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cache[p]
	delete(d.cache, p)
	return ok
}
