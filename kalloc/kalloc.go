// Package kalloc implements Component C, the small-object allocator that
// sits on top of mem's page-run allocator. It is grounded directly on
// original_source/mm/kmalloc.c's size-class table and bookkeeping
// algorithm (block_header/page_descriptor/size_descriptor, the
// MF_USED/MF_FREE sentinels, and the full-page<->one-free-block
// transitions), which the distilled spec referenced only as "small-object
// descriptors" without reproducing.
//
// Go cannot do the original's "ptr - 1" trick to recover a block's header
// from the pointer handed back to the caller, so Kalloc returns an opaque
// *Handle (the owning page descriptor plus a block index) instead of a
// raw pointer; the header/descriptor bookkeeping otherwise follows
// kmalloc.c block-for-block.
package kalloc

import (
	"fmt"
	"sync"

	"defs"
	"mem"
)

type blockFlag uint32

const (
	mfUsed blockFlag = 0xffaa0055
	mfFree blockFlag = 0x0055ffaa
)

const noBlock = -1

type blockHeader struct {
	flags  blockFlag
	length int
	next   int // index of next free block in the same page, noBlock if none
}

type pageDescriptor struct {
	next      *pageDescriptor
	firstfree int // index of first free block, noBlock if none
	order     int
	nfree     int
	dma       bool
	p_pg      mem.Pa_t
	blocks    []blockHeader
}

type sizeDescriptor struct {
	firstfree *pageDescriptor
	dmafree   *pageDescriptor

	size    int
	nblocks int
	gfporder int

	nmallocs       int
	nfrees         int
	nbytesmalloced int
	npages         int
}

// sizes mirrors kmalloc.c's sizes[] table exactly: usable block size,
// blocks per page-run, and page-run order (gfporder).
var sizesTemplate = []sizeDescriptor{
	{size: 32, nblocks: 127, gfporder: 0},
	{size: 64, nblocks: 63, gfporder: 0},
	{size: 128, nblocks: 31, gfporder: 0},
	{size: 252, nblocks: 16, gfporder: 0},
	{size: 508, nblocks: 8, gfporder: 0},
	{size: 1020, nblocks: 4, gfporder: 0},
	{size: 2040, nblocks: 2, gfporder: 0},
	{size: 4080, nblocks: 1, gfporder: 0},
	{size: 8176, nblocks: 1, gfporder: 1},
	{size: 16368, nblocks: 1, gfporder: 2},
	{size: 32752, nblocks: 1, gfporder: 3},
	{size: 65520, nblocks: 1, gfporder: 4},
	{size: 131056, nblocks: 1, gfporder: 5},
}

/// Handle is the opaque token Kalloc returns in place of a raw pointer:
/// the page descriptor that owns the block, plus the block's index
/// within it.
type Handle struct {
	pd  *pageDescriptor
	idx int
}

/// Allocator_t is the injectable small-object allocator (spec.md §9:
/// "global mutable state must be injectable, not a true global"). It owns
/// a mem.Physmem_t for backing page-runs.
type Allocator_t struct {
	mu    sync.Mutex
	phys  *mem.Physmem_t
	sizes []sizeDescriptor
}

/// NewAllocator returns a ready-to-use small-object allocator backed by
/// phys.
func NewAllocator(phys *mem.Physmem_t) *Allocator_t {
	sizes := make([]sizeDescriptor, len(sizesTemplate))
	copy(sizes, sizesTemplate)
	return &Allocator_t{phys: phys, sizes: sizes}
}

func getOrder(sizes []sizeDescriptor, size int) int {
	for order := range sizes {
		if size <= sizes[order].size {
			return order
		}
	}
	return -1
}

/// Kalloc returns a handle to a freshly allocated block of at least size
/// bytes, per kmalloc.c's kmalloc(). flags carries the same allocation
/// context mem.Alloc takes (FlagDMA routes to the DMA-eligible free list).
func (a *Allocator_t) Kalloc(size int, flags mem.AllocFlag) (*Handle, defs.Err_t) {
	order := getOrder(a.sizes, size)
	if order < 0 {
		return nil, -defs.EINVAL
	}
	dma := flags&mem.FlagDMA != 0

	a.mu.Lock()
	defer a.mu.Unlock()

	sd := &a.sizes[order]
	pd := sd.firstfree
	if dma {
		pd = sd.dmafree
	}
	if pd == nil || pd.firstfree == noBlock {
		var err defs.Err_t
		pd, err = a.growOrder(order, dma)
		if err != 0 {
			return nil, err
		}
	}

	idx := pd.firstfree
	blk := &pd.blocks[idx]
	if blk.flags != mfFree {
		panic("kalloc: block on freelist isn't free")
	}
	pd.firstfree = blk.next
	pd.nfree--
	if pd.nfree == 0 {
		if dma {
			sd.dmafree = pd.next
		} else {
			sd.firstfree = pd.next
		}
		pd.next = nil
	}
	blk.flags = mfUsed
	blk.length = size
	sd.nmallocs++
	sd.nbytesmalloced += size
	return &Handle{pd: pd, idx: idx}, 0
}

// growOrder allocates a fresh page-run for sizes[order], chains its
// blocks into a free list, and links the page descriptor onto the front
// of the size class's free list (mirroring kmalloc.c's page-grow path).
func (a *Allocator_t) growOrder(order int, dma bool) (*pageDescriptor, defs.Err_t) {
	sd := &a.sizes[order]
	flags := mem.FlagKernel
	if dma {
		flags |= mem.FlagDMA
	}
	p_pg, err := a.phys.Alloc(sd.gfporder, flags)
	if err != 0 {
		return nil, err
	}
	pd := &pageDescriptor{
		order:  order,
		dma:    dma,
		p_pg:   p_pg,
		nfree:  sd.nblocks,
		blocks: make([]blockHeader, sd.nblocks),
	}
	for i := range pd.blocks {
		pd.blocks[i].flags = mfFree
		if i+1 < len(pd.blocks) {
			pd.blocks[i].next = i + 1
		} else {
			pd.blocks[i].next = noBlock
		}
	}
	pd.firstfree = 0
	sd.npages++
	if dma {
		pd.next = sd.dmafree
		sd.dmafree = pd
	} else {
		pd.next = sd.firstfree
		sd.firstfree = pd
	}
	return pd, 0
}

/// Kfree returns a block to its page descriptor's free list, releasing
/// the whole page-run back to mem once every block in it is free.
/// expectedSize, if nonzero, must match the size passed to the Kalloc
/// call that produced h (kmalloc.c's sanity check in kfree_s);
/// a mismatch is reported but not fatal.
func (a *Allocator_t) Kfree(h *Handle, expectedSize int) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()

	pd := h.pd
	blk := &pd.blocks[h.idx]
	if blk.flags != mfUsed {
		fmt.Printf("kfree of non-kalloced block: order=%d idx=%d\n", pd.order, h.idx)
		return -defs.EINVAL
	}
	if expectedSize != 0 && expectedSize != blk.length {
		fmt.Printf("kfree: wrong size %d instead of %d\n", expectedSize, blk.length)
	}

	order := pd.order
	sd := &a.sizes[order]
	size := blk.length
	blk.flags = mfFree
	blk.next = pd.firstfree
	pd.firstfree = h.idx
	pd.nfree++

	if pd.nfree == 1 {
		if pd.dma {
			pd.next = sd.dmafree
			sd.dmafree = pd
		} else {
			pd.next = sd.firstfree
			sd.firstfree = pd
		}
	}

	if pd.nfree == sd.nblocks {
		a.unlink(sd, pd)
		a.phys.Free(pd.p_pg, sd.gfporder)
	}

	sd.nfrees++
	sd.nbytesmalloced -= size
	return 0
}

func (a *Allocator_t) unlink(sd *sizeDescriptor, pd *pageDescriptor) {
	if sd.firstfree == pd {
		sd.firstfree = pd.next
		return
	}
	if sd.dmafree == pd {
		sd.dmafree = pd.next
		return
	}
	for cur := sd.firstfree; cur != nil; cur = cur.next {
		if cur.next == pd {
			cur.next = pd.next
			return
		}
	}
	for cur := sd.dmafree; cur != nil; cur = cur.next {
		if cur.next == pd {
			cur.next = pd.next
			return
		}
	}
}

/// Stats reports the nmallocs/nfrees/nbytesmalloced/npages counters for
/// every size class, grounded on kmalloc.c's size_descriptor fields.
type Stats struct {
	Size           int
	Nmallocs       int
	Nfrees         int
	Nbytesmalloced int
	Npages         int
}

/// Stats returns a snapshot of every size class's bookkeeping counters.
func (a *Allocator_t) Stats() []Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	ret := make([]Stats, len(a.sizes))
	for i := range a.sizes {
		sd := &a.sizes[i]
		ret[i] = Stats{
			Size:           sd.size,
			Nmallocs:       sd.nmallocs,
			Nfrees:         sd.nfrees,
			Nbytesmalloced: sd.nbytesmalloced,
			Npages:         sd.npages,
		}
	}
	return ret
}
