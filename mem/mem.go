// Package mem implements Component A (the page frame allocator) and the
// physical-address/page-table-entry encoding shared by every other
// component of the core. It is grounded on the teacher's biscuit/src/mem
// package (Pa_t, Pg_t, Pmap_t, Physmem_t, the PTE_* bit layout, Refup/
// Refdown reference counting) generalized from biscuit's single free list
// per pool into per-order buddy free lists, as spec.md §4.A requires.
//
// Per SPEC_FULL.md's testability deviation, Pa_t no longer names a real
// physical address: it names a frame index (shifted by PGSHIFT so the bit
// layout below still packs flags into the low 12 bits exactly as the
// teacher's machine-word PTE does). Dmap resolves a Pa_t to the Go-heap
// backing for that frame instead of dereferencing real memory.
package mem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"defs"
	"util"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// MaxOrder bounds the buddy allocator: the largest single allocation is
/// 2^MaxOrder pages.
const MaxOrder = 10

// PTE bit layout. Present/writable/user/global/cache-disable/large-page are
// teacher-identical (biscuit/src/mem/mem.go). Dirty, accessed, COW and
// was-COW are referenced by the teacher's vm/as.go fault handler but were
// not present in the retrieved mem.go slice; they are added here in the
// same low-bit style, placed in the bits the teacher's as.go leaves free.

/// PTE_P marks a page as present.
const PTE_P Pa_t = 1 << 0

/// PTE_W marks a page writable.
const PTE_W Pa_t = 1 << 1

/// PTE_U marks a page user-accessible.
const PTE_U Pa_t = 1 << 2

/// PTE_D marks a page dirty (written since last clean).
const PTE_D Pa_t = 1 << 3

/// PTE_PCD disables caching for the page.
const PTE_PCD Pa_t = 1 << 4

/// PTE_A marks a page accessed ("young") since last cleared.
const PTE_A Pa_t = 1 << 5

/// PTE_PS indicates a large page.
const PTE_PS Pa_t = 1 << 7

/// PTE_G marks a global page.
const PTE_G Pa_t = 1 << 8

/// PTE_COW marks a page copy-on-write: present and read-only (or
/// non-present, swapped) pending the next write fault.
const PTE_COW Pa_t = 1 << 9

/// PTE_WASCOW marks a page that was COW but has since been claimed
/// exclusively by this mapping (sole owner, now writable).
const PTE_WASCOW Pa_t = 1 << 10

/// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

/// BadPage is a sentinel PTE value after original_source/mm/memory.c's
/// do_wp_page/do_no_page BAD_PAGE convention: present bit set, address
/// bits zero. No fault path in this core installs it: an allocation
/// failure during a fault returns ENOMEM and leaves the PTE unchanged.
/// Its address bits name frame 0, which is an ordinary arena frame.
const BadPage Pa_t = PTE_P

/// Pa_t represents an opaque frame-space address: a frame index shifted
/// left by PGSHIFT, with PTE flag bits packed into the low order bits when
/// the value is stored in a Pmap_t slot.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [PGSIZE / 8]int

/// Pmap_t is a page table page: 512 entries of Pa_t, the same size as a
/// Pg_t so a page table can be carved from an ordinary frame.
type Pmap_t [PGSIZE / 8]Pa_t

/// PageFlag carries frame-level attributes that survive across alloc/free,
/// namely whether the frame may ever be freed.
type PageFlag uint32

/// PGF_RESERVED marks a frame that must never be freed (e.g. vm's
/// shared zero-fill page). free() on a
/// RESERVED frame is a silent no-op per spec.md §4.A.
const PGF_RESERVED PageFlag = 1 << 0

/// AllocFlag selects allocation context per spec.md §4.A.
type AllocFlag uint32

const (
	/// FlagAtomic: no sleep, usable from interrupt handlers.
	FlagAtomic AllocFlag = 1 << iota
	/// FlagKernel: may sleep (uninterruptibly) awaiting free pages.
	FlagKernel
	/// FlagUser: may sleep (interruptibly by signal) awaiting free pages,
	/// targeting a user allocation.
	FlagUser
	/// FlagDMA: must be satisfied from the bounded-address DMA region.
	FlagDMA
)

/// Physpg_t describes a single physical frame.
type Physpg_t struct {
	Refcnt int32
	// index into Pgs of next frame on its order's free list, or ^uint32(0)
	nexti uint32
	order int8
	flags PageFlag
}

/// Physmem_t manages all simulated physical memory for the system: the
/// mem_map reference-count table (Pgs) plus one buddy free list per order.
/// It is the injectable backing SPEC_FULL.md calls for — tests construct
/// their own instance instead of relying on a package-level singleton.
type Physmem_t struct {
	mu sync.Mutex

	Pgs     []Physpg_t
	backing []*Pg_t
	startn  uint32

	free    [MaxOrder + 1]uint32 // head index per order, ^uint32(0) = empty
	freelen [MaxOrder + 1]int32

	dmaframes uint32 // frames [0, dmaframes) are DMA-eligible

	waiters *waitlist

	Dmapinit bool
}

// waitlist is a minimal broadcast-on-free registry; it is defined in
// sleep.go alongside the rest of the concurrency-primitive glue.

/// NewPhysmem allocates a simulated physical memory pool of npages pages,
/// of which the first dmaframes are DMA-eligible, and marks it ready for
/// use. This stands in for the teacher's Phys_init, replacing the
/// hardware-probing boot sequence with explicit, test-injectable sizing.
func NewPhysmem(npages int, dmaframes int) *Physmem_t {
	phys := &Physmem_t{
		Pgs:       make([]Physpg_t, npages),
		backing:   make([]*Pg_t, npages),
		dmaframes: uint32(dmaframes),
		waiters:   newWaitlist(),
	}
	for i := range phys.free {
		phys.free[i] = ^uint32(0)
	}
	for i := range phys.Pgs {
		phys.Pgs[i].Refcnt = 0
		phys.backing[i] = &Pg_t{}
	}
	phys._seedfree(npages)
	phys.Dmapinit = true
	return phys
}

// _seedfree carves the full frame range into the largest aligned buddy
// blocks that fit and pushes each onto its order's free list.
func (phys *Physmem_t) _seedfree(npages int) {
	i := 0
	for i < npages {
		order := MaxOrder
		for order > 0 {
			span := 1 << uint(order)
			if i%span == 0 && i+span <= npages {
				break
			}
			order--
		}
		phys._pushfree(uint32(i), order)
		i += 1 << uint(order)
	}
}

func (phys *Physmem_t) _pushfree(idx uint32, order int) {
	phys.Pgs[idx].order = int8(order)
	phys.Pgs[idx].nexti = phys.free[order]
	phys.free[order] = idx
	phys.freelen[order]++
}

func (phys *Physmem_t) _popfree(order int) (uint32, bool) {
	idx := phys.free[order]
	if idx == ^uint32(0) {
		return 0, false
	}
	phys.free[order] = phys.Pgs[idx].nexti
	phys.freelen[order]--
	return idx, true
}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

/// Refaddr returns the refcount pointer for the given frame.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) *int32 {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Refcnt
}

/// Refcnt returns the current reference count of a frame.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	return int(atomic.LoadInt32(phys.Refaddr(p_pg)))
}

/// Refup increments the reference count of a frame.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	c := atomic.AddInt32(phys.Refaddr(p_pg), 1)
	if c <= 0 {
		panic("refup: non-positive refcount")
	}
}

/// Refdown decrements the reference count of a frame and returns true if it
/// reached zero (and thus was returned to its free list).
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	idx := _pg2pgn(p_pg) - phys.startn
	if phys.Pgs[idx].flags&PGF_RESERVED != 0 {
		// RESERVED frames are refused by free silently (spec.md §4.A).
		return false
	}
	c := atomic.AddInt32(&phys.Pgs[idx].Refcnt, -1)
	if c < 0 {
		panic("refdown: negative refcount")
	}
	if c != 0 {
		return false
	}
	order := int(phys.Pgs[idx].order)
	phys.mu.Lock()
	phys._buddyfree(idx, order)
	phys.mu.Unlock()
	phys.waiters.wakeAll()
	return true
}

func (phys *Physmem_t) _buddyidx(idx uint32, order int) uint32 {
	return idx ^ (1 << uint(order))
}

// _buddyfree returns a just-freed block to its free list, coalescing with
// its buddy while the buddy is itself free and of the same order, up to
// MaxOrder. This generalizes the teacher's single-order free list
// (Physmem_t._phys_insert) into the power-of-two buddy scheme spec.md §4.A
// requires.
func (phys *Physmem_t) _buddyfree(idx uint32, order int) {
	for order < MaxOrder {
		budidx := phys._buddyidx(idx, order)
		if int(budidx) >= len(phys.Pgs) {
			break
		}
		bud := &phys.Pgs[budidx]
		if atomic.LoadInt32(&bud.Refcnt) != 0 || int(bud.order) != order || !phys._unlink(budidx, order) {
			break
		}
		if budidx < idx {
			idx = budidx
		}
		order++
	}
	phys._pushfree(idx, order)
}

// _unlink removes idx from its order's free list if present, reporting
// whether it was found (and thus genuinely free).
func (phys *Physmem_t) _unlink(idx uint32, order int) bool {
	cur := phys.free[order]
	if cur == idx {
		phys.free[order] = phys.Pgs[idx].nexti
		phys.freelen[order]--
		return true
	}
	for cur != ^uint32(0) {
		next := phys.Pgs[cur].nexti
		if next == idx {
			phys.Pgs[cur].nexti = phys.Pgs[idx].nexti
			phys.freelen[order]--
			return true
		}
		cur = next
	}
	return false
}

// _split breaks the block at idx (of order cur) down to the requested
// order, pushing the spare halves onto their own free lists.
func (phys *Physmem_t) _split(idx uint32, cur, want int) uint32 {
	for cur > want {
		cur--
		buddy := idx + (1 << uint(cur))
		phys._pushfree(buddy, cur)
	}
	return idx
}

func (phys *Physmem_t) _allocOrder(order int, dma bool) (uint32, bool) {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	for o := order; o <= MaxOrder; o++ {
		idx, ok := phys._popfree(o)
		if !ok {
			continue
		}
		if dma && idx+uint32(1<<uint(order)) > phys.dmaframes {
			// not within the DMA-eligible range: put it back and keep
			// searching (a real allocator would scan the DMA-only list;
			// here the DMA frames are simply the low range of the arena).
			phys._pushfree(idx, o)
			continue
		}
		idx = phys._split(idx, o, order)
		phys.Pgs[idx].order = int8(order)
		return idx, true
	}
	return 0, false
}

/// Alloc hands out a run of 2^order frames per spec.md §4.A. The returned
/// frame's reference count is left at zero, matching the teacher's
/// Refpg_new contract ("the returned page's refcount is not incremented");
/// callers that install it into a page table must Refup it themselves.
/// Non-ATOMIC flags sleep (interruptibly for FlagUser) until frames become
/// available or a pending signal cancels the wait, in which case Alloc
/// returns the distinguished EINTR code spec.md §5 calls for.
func (phys *Physmem_t) Alloc(order int, flags AllocFlag) (Pa_t, defs.Err_t) {
	dma := flags&FlagDMA != 0
	for {
		idx, ok := phys._allocOrder(order, dma)
		if ok {
			return Pa_t(idx+phys.startn) << PGSHIFT, 0
		}
		if flags&FlagAtomic != 0 {
			return 0, -defs.ENOMEM
		}
		kind := sleepKindFor(flags)
		if err := phys.waiters.sleep(kind); err != 0 {
			return 0, err
		}
	}
}

func sleepKindFor(flags AllocFlag) sleepKind {
	if flags&FlagUser != 0 {
		return sleepInterruptible
	}
	return sleepUninterruptible
}

/// Free releases a run of 2^order frames unconditionally (refcount is
/// forced to zero first). Use Refdown for the common reference-counted
/// path; Free exists for callers (e.g. kalloc) that own the frame outright
/// and never installed it into a PTE.
func (phys *Physmem_t) Free(p_pg Pa_t, order int) {
	idx := _pg2pgn(p_pg) - phys.startn
	if phys.Pgs[idx].flags&PGF_RESERVED != 0 {
		return
	}
	atomic.StoreInt32(&phys.Pgs[idx].Refcnt, 0)
	phys.mu.Lock()
	phys._buddyfree(idx, order)
	phys.mu.Unlock()
	phys.waiters.wakeAll()
}

/// MarkReserved flags a frame as never-freeable, e.g. vm's shared
/// zero-fill page.
func (phys *Physmem_t) MarkReserved(p_pg Pa_t) {
	idx := _pg2pgn(p_pg) - phys.startn
	phys.Pgs[idx].flags |= PGF_RESERVED
}

/// IsReserved reports whether a frame was marked via MarkReserved.
func (phys *Physmem_t) IsReserved(p_pg Pa_t) bool {
	idx := _pg2pgn(p_pg) - phys.startn
	return phys.Pgs[idx].flags&PGF_RESERVED != 0
}

/// Dmap resolves a Pa_t to its Go-heap backing page. This replaces the
/// teacher's hardware direct-map (dmap.go's Dmap) with the injectable
/// arena lookup SPEC_FULL.md's testability deviation calls for.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	idx := _pg2pgn(p) - phys.startn
	return phys.backing[idx]
}

/// Dmap8 returns a byte slice view of the page containing p, starting at
/// p's offset within that page.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

/// Pgcount reports the number of free frames per order, for diagnostics
/// and tests.
func (phys *Physmem_t) Pgcount() []int {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	ret := make([]int, MaxOrder+1)
	for o := range ret {
		ret[o] = int(phys.freelen[o])
	}
	return ret
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

/// RoundToPage rounds n up to the next page-size multiple.
func RoundToPage(n int) int {
	return util.Roundup(n, PGSIZE)
}

/// TruncToPage rounds n down to the previous page-size multiple.
func TruncToPage(n int) int {
	return util.Rounddown(n, PGSIZE)
}

/// Pmap resolves a Pa_t naming a page-table frame to its Pmap_t view.
func (phys *Physmem_t) Pmap(p Pa_t) *Pmap_t {
	return pg2pmap(phys.Dmap(p))
}

/// PmapNew allocates and zeroes a fresh page-table-sized frame, mirroring
/// the teacher's Pmap_new. The caller owns the initial reference: unlike a
/// plain Alloc, PmapNew leaves the frame at refcount 1 because every
/// intermediate table in this design is reference-counted from the moment
/// it is linked into a parent table (spec.md §3: "its own reference count
/// so that multiple processes may share an intermediate level").
func (phys *Physmem_t) PmapNew(flags AllocFlag) (*Pmap_t, Pa_t, bool) {
	p_pg, err := phys.Alloc(0, flags)
	if err != 0 {
		return nil, 0, false
	}
	pg := phys.Dmap(p_pg)
	*pg = Pg_t{}
	phys.Refup(p_pg)
	return pg2pmap(pg), p_pg, true
}

