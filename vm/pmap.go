package vm

import (
	"defs"
	"mem"
)

// Two-level page table: a 30-bit (1GB) address space split into a 9-bit
// page-directory index, a 9-bit page-table index and the 12-bit page
// offset mem.PGOFFSET already masks off. The teacher's x86-64 page
// tables walk four levels; two preserve the refcounted intermediate-
// table invariant (original_source/mm/memory.c's clone_page_tables bumps
// a shared pmd's count instead of copying it) while covering an address
// space large enough for the simulated environment this core runs
// against. A third and fourth level would only repeat this same walk
// without exercising any semantics SPEC_FULL.md calls for.
const (
	pdBits  = 9
	ptBits  = 9
	pdShift = mem.PGSHIFT + ptBits
)

func pdIndex(va uintptr) uintptr {
	return (va >> pdShift) & ((1 << pdBits) - 1)
}

func ptIndex(va uintptr) uintptr {
	return (va >> mem.PGSHIFT) & ((1 << ptBits) - 1)
}

// pmap_walk returns the PTE slot for va in pmap, allocating the
// intermediate page-table frame (with perms, always PTE_U|PTE_W in this
// core) if it is missing and create is set. It mirrors original_source/
// mm/memory.c's pte_alloc/pmd_alloc pattern collapsed to two levels.
func pmap_walk(phys *mem.Physmem_t, pmap *mem.Pmap_t, va uintptr, perms mem.Pa_t, create bool) (*mem.Pa_t, defs.Err_t) {
	pde := &pmap[pdIndex(va)]
	if *pde&PTE_P == 0 {
		if !create {
			return nil, 0
		}
		_, p_pt, ok := phys.PmapNew(mem.FlagKernel)
		if !ok {
			return nil, -defs.ENOMEM
		}
		*pde = p_pt | perms | PTE_P
	}
	pt := phys.Pmap(*pde & PTE_ADDR)
	return &pt[ptIndex(va)], 0
}

// Pmap_lookup returns the PTE slot for va without creating intermediate
// tables, or nil if none exists at any level.
func Pmap_lookup(phys *mem.Physmem_t, pmap *mem.Pmap_t, va uintptr) *mem.Pa_t {
	pte, _ := pmap_walk(phys, pmap, va, 0, false)
	return pte
}

// freeTables releases every present user mapping reachable from pmap and
// then every intermediate page-table frame, mirroring memory.c's
// free_one_pgd/free_one_pmd/free_one_pte teardown walk.
func freeTables(phys *mem.Physmem_t, pmap *mem.Pmap_t) {
	for i := range pmap {
		pde := pmap[i]
		if pde&PTE_P == 0 {
			continue
		}
		if pde&PTE_U != 0 {
			pt := phys.Pmap(pde & PTE_ADDR)
			for j := range pt {
				pte := pt[j]
				if pte&PTE_P != 0 {
					phys.Refdown(pte & PTE_ADDR)
				}
			}
		}
		phys.Refdown(pde & PTE_ADDR)
		pmap[i] = 0
	}
}
