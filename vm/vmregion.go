// Vminfo_t and Vmregion_t fill in the one piece the teacher's retrieved
// vm/as.go calls into but never defines in this pack: the per-VMA
// metadata type and the region registry that owns it (Vmregion_t.Lookup,
// .insert, .empty, .Clear are all called from as.go without a visible
// implementation). They are defined here from those call-site contracts,
// generalized into VMA split machinery (regions are split but never
// merged back together) and grounded on original_source/mm/mprotect.c's mprotect_fixup_all/
// _start/_end/_middle (the FULL/HEAD/TAIL/MIDDLE split cases) and
// original_source/mm/memory.c's copy_one_pte/try_to_share (COW duplication
// and sharing-discovery rules consumed by as.go's Sys_pgfault/_mkvmi).
package vm

import (
	"sort"

	"defs"
	"mem"
)

/// Mtype_t distinguishes the three region kinds original_source's
/// vm_area_struct conflates into vm_flags/vm_ops: private anonymous,
/// file-backed (private or shared), and shared anonymous.
type Mtype_t int

const (
	VANON Mtype_t = iota
	VFILE
	VSANON
)

/// FileBacker_i is the minimal file-mapping hook spec.md's explicit
/// exclusion of filesystem semantics allows: it stands in for
/// vm_operations_struct.nopage from original_source/mm/memory.c without
/// pulling in a filesystem layer.
type FileBacker_i interface {
	// Nopage returns the page backing the page-aligned file offset off,
	// populating it from the backing file if it is not yet resident.
	Nopage(off int) (*mem.Pg_t, mem.Pa_t, defs.Err_t)
}

/// Mfile_t groups the file-mapping state a VFILE Vminfo_t carries,
/// mirroring vm_area_struct's vm_inode/vm_ops/vm_pte fields.
type Mfile_t struct {
	mfops    FileBacker_i
	mapcount int
}

/// Vminfo_t is the per-VMA descriptor, grounded on every field as.go
/// reads off a *Vminfo_t: Mtype, Pgn, Pglen, Perms, file.foff,
/// file.mfile, file.shared, plus the ring links spec.md §9 calls for
/// ("a circular list of attachers must use stable arena indices, not raw
/// pointers") added for shm's attach ring.
type Vminfo_t struct {
	Mtype Mtype_t
	Pgn   uintptr
	Pglen int
	Perms uint

	file struct {
		foff   int
		mfile  *Mfile_t
		shared bool
	}

	// RingNext/RingPrev link this Vminfo_t into a shared segment's
	// circular attach list by index into shm's attacher table, never by
	// pointer (spec.md §9). -1 means "not attached to a ring".
	RingNext, RingPrev int

	// Owner is the address space this Vminfo_t belongs to, so a shared
	// segment's directory can reach every attacher's page table directly
	// (original_source/ipc/shm.c's killseg/shm_swap walk vma->vm_mm).
	Owner *Vm_t
}

/// IsSharedFile reports whether vmi is a shared file-backed mapping (the
/// kind shm.Attach installs).
func (vmi *Vminfo_t) IsSharedFile() bool {
	return vmi.Mtype == VFILE && vmi.file.shared
}

/// Backer returns the FileBacker_i behind a VFILE mapping, or nil.
func (vmi *Vminfo_t) Backer() FileBacker_i {
	if vmi.file.mfile == nil {
		return nil
	}
	return vmi.file.mfile.mfops
}

/// Filepage resolves the Vminfo_t's backing file page for a fault at va,
/// mirroring do_no_page/do_wp_page's calls into vm_ops->nopage.
func (vmi *Vminfo_t) Filepage(va uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	if vmi.Mtype != VFILE || vmi.file.mfile == nil {
		panic("Filepage on non-file vminfo")
	}
	pgn := (va >> PGSHIFT) - vmi.Pgn
	off := vmi.file.foff + int(pgn)<<PGSHIFT
	return vmi.file.mfile.mfops.Nopage(off)
}

/// Ptefor walks (and, if necessary, extends) pmap down to the PTE slot
/// for va, mirroring as.go's use of pmap_walk for every VMA kind.
func (vmi *Vminfo_t) Ptefor(phys *mem.Physmem_t, pmap *mem.Pmap_t, va uintptr) (*mem.Pa_t, bool) {
	pte, err := pmap_walk(phys, pmap, va, mem.PTE_U|mem.PTE_W, true)
	if err != 0 {
		return nil, false
	}
	return pte, true
}

/// Vmregion_t is the per-address-space registry of Vminfo_t, kept sorted
/// by starting page number. The teacher's real registry is an AVL tree
/// (not present in the retrieved slice); a sorted slice gives the same
/// Lookup/insert contract with less machinery (there is no merge), appropriate for the
/// simulated, single-address-space-at-a-time test environment
/// SPEC_FULL.md's testability deviation targets.
type Vmregion_t struct {
	regions []*Vminfo_t
}

func (vr *Vmregion_t) indexOf(pgn uintptr) int {
	return sort.Search(len(vr.regions), func(i int) bool {
		return vr.regions[i].Pgn+uintptr(vr.regions[i].Pglen) > pgn
	})
}

/// Lookup returns the Vminfo_t covering virtual address va, if any.
func (vr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	pgn := va >> PGSHIFT
	i := vr.indexOf(pgn)
	if i >= len(vr.regions) {
		return nil, false
	}
	vmi := vr.regions[i]
	if pgn < vmi.Pgn || pgn >= vmi.Pgn+uintptr(vmi.Pglen) {
		return nil, false
	}
	return vmi, true
}

// insert adds vmi to the registry in page-number order. Overlap with an
// existing region is a caller bug (as.go never inserts overlapping VMAs).
func (vr *Vmregion_t) insert(vmi *Vminfo_t) {
	i := vr.indexOf(vmi.Pgn)
	vr.regions = append(vr.regions, nil)
	copy(vr.regions[i+1:], vr.regions[i:])
	vr.regions[i] = vmi
}

/// empty finds an unused virtual address range of length len starting at
/// or after startva, mirroring as.go's Unusedva_inner contract.
func (vr *Vmregion_t) empty(startva, length uintptr) (uintptr, uintptr) {
	want := int((length + uintptr(mem.PGSIZE) - 1) / uintptr(mem.PGSIZE))
	cur := startva >> PGSHIFT
	for _, vmi := range vr.regions {
		if vmi.Pgn >= cur+uintptr(want) {
			break
		}
		if vmi.Pgn+uintptr(vmi.Pglen) > cur {
			cur = vmi.Pgn + uintptr(vmi.Pglen)
		}
	}
	return cur << PGSHIFT, uintptr(want) << PGSHIFT
}

/// Clear empties the registry, releasing every Vminfo_t (used by
/// Uvmfree).
func (vr *Vmregion_t) Clear() {
	vr.regions = nil
}

/// Remove deletes vmi from the registry by identity, used when unmapping
/// a single region (shm.Detach, munmap) rather than the whole address
/// space.
func (vr *Vmregion_t) Remove(vmi *Vminfo_t) {
	for i, v := range vr.regions {
		if v == vmi {
			vr.regions = append(vr.regions[:i], vr.regions[i+1:]...)
			return
		}
	}
}

// splitCase names which of mprotect.c's four mprotect_fixup_* cases
// applies to changing the protection of [start, end) within vmi.
type splitCase int

const (
	splitFull splitCase = iota
	splitHead
	splitTail
	splitMiddle
)

func classify(vmi *Vminfo_t, startpg, endpg uintptr) splitCase {
	switch {
	case startpg == vmi.Pgn && endpg == vmi.Pgn+uintptr(vmi.Pglen):
		return splitFull
	case startpg == vmi.Pgn:
		return splitHead
	case endpg == vmi.Pgn+uintptr(vmi.Pglen):
		return splitTail
	default:
		return splitMiddle
	}
}

func clone(vmi *Vminfo_t) *Vminfo_t {
	cp := *vmi
	return &cp
}

/// ChangeProtection adjusts the permission bits of [start, start+length)
/// to newperms, splitting the covering Vminfo_t as needed. This
/// generalizes mprotect.c's sys_mprotect/mprotect_fixup family (the FULL/
/// HEAD/TAIL/MIDDLE cases) from a single VMA to a range that may span
/// several, matching as.go's _mkvmi invariant that Perms only ever
/// carries PTE_U/PTE_W (the fault handler derives COW/present itself).
func (vr *Vmregion_t) ChangeProtection(start, length uintptr, newperms uint) defs.Err_t {
	if mem.Pa_t(start|length)&mem.PGOFFSET != 0 {
		return -defs.EINVAL
	}
	if length == 0 {
		return 0
	}
	startpg := start >> PGSHIFT
	endpg := (start + length) >> PGSHIFT

	for {
		i := vr.indexOf(startpg)
		if i >= len(vr.regions) {
			return -defs.EFAULT
		}
		vmi := vr.regions[i]
		if vmi.Pgn > startpg {
			return -defs.EFAULT
		}
		segend := vmi.Pgn + uintptr(vmi.Pglen)
		thisend := endpg
		if segend < thisend {
			thisend = segend
		}

		switch classify(vmi, startpg, thisend) {
		case splitFull:
			vmi.Perms = newperms
		case splitHead:
			tail := clone(vmi)
			tail.Pgn = thisend
			tail.Pglen = int(segend - thisend)
			if tail.Mtype == VFILE {
				tail.file.foff += int(thisend-vmi.Pgn) << PGSHIFT
			}
			vmi.Pglen = int(thisend - vmi.Pgn)
			vmi.Perms = newperms
			vr.insert(tail)
		case splitTail:
			head := clone(vmi)
			head.Pglen = int(startpg - vmi.Pgn)
			vmi.Pgn = startpg
			vmi.Pglen = int(segend - startpg)
			if vmi.Mtype == VFILE {
				vmi.file.foff += int(startpg-head.Pgn) << PGSHIFT
			}
			vmi.Perms = newperms
			vr.insert(head)
		case splitMiddle:
			left := clone(vmi)
			left.Pglen = int(startpg - vmi.Pgn)
			right := clone(vmi)
			right.Pgn = thisend
			right.Pglen = int(segend - thisend)
			if right.Mtype == VFILE {
				right.file.foff += int(thisend-vmi.Pgn) << PGSHIFT
			}
			vmi.Pgn = startpg
			vmi.Pglen = int(thisend - startpg)
			if vmi.Mtype == VFILE {
				vmi.file.foff += int(startpg-left.Pgn) << PGSHIFT
			}
			vmi.Perms = newperms
			vr.insert(left)
			vr.insert(right)
		}

		if thisend >= endpg {
			return 0
		}
		startpg = thisend
	}
}
