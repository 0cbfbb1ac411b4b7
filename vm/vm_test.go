package vm

import (
	"testing"

	"defs"
	"mem"
	"swap"
)

func newtest(t *testing.T, npages int) (*Vm_t, *mem.Physmem_t) {
	t.Helper()
	phys := mem.NewPhysmem(npages, 0)
	swp := swap.NewDevice(4)
	as, err := NewVm_t(phys, swp)
	if err != 0 {
		t.Fatalf("NewVm_t: %v", err)
	}
	return as, phys
}

func TestAnonNoPageFaultInstallsZeroPage(t *testing.T) {
	as, _ := newtest(t, 64)
	as.Vmadd_anon(0x1000, mem.PGSIZE, uint(PTE_U|PTE_W))

	data, err := as.Userdmap8r(0x1000)
	if err != 0 {
		t.Fatalf("Userdmap8r: %v", err)
	}
	for _, b := range data {
		if b != 0 {
			t.Fatalf("fresh anon page not zero-filled")
		}
	}
}

func TestWriteFaultCOWDuplicatesSharedPage(t *testing.T) {
	as1, phys := newtest(t, 64)
	as1.Vmadd_anon(0x1000, mem.PGSIZE, uint(PTE_U|PTE_W))

	// fault in the shared zero page with a read, which installs it as a
	// COW mapping in as1.
	if _, err := as1.Userdmap8r(0x1000); err != 0 {
		t.Fatalf("Userdmap8r: %v", err)
	}
	pte := Pmap_lookup(phys, as1.Pmap, 0x1000)
	if pte == nil || *pte&PTE_P == 0 {
		t.Fatalf("expected a present pte after no-page fault")
	}

	// artificially bump the refcount to simulate a second mapping sharing
	// this frame, forcing the write fault down the duplicate-and-copy path
	// rather than the sole-owner in-place claim.
	shared := *pte & PTE_ADDR
	phys.Refup(shared)

	if _, err := as1._userdmap8(0x1000, true); err != 0 {
		t.Fatalf("write-fault Userdmap8: %v", err)
	}
	pte2 := Pmap_lookup(phys, as1.Pmap, 0x1000)
	if pte2 == nil || *pte2&PTE_W == 0 {
		t.Fatalf("expected page writable after COW fault")
	}
	if *pte2&PTE_ADDR == shared {
		t.Fatalf("COW fault did not duplicate the shared frame")
	}
}

func TestWriteFaultSoleOwnerClaimsInPlace(t *testing.T) {
	// A COW page with refcount 1 (one mapping had it, a second went away
	// without the owning mapping ever writing to it) must be claimed in
	// place rather than duplicated, mirroring do_wp_page's fast path when
	// the VMA is the page's only remaining owner.
	as, phys := newtest(t, 64)
	as.Vmadd_anon(0x2000, mem.PGSIZE, uint(PTE_U|PTE_W))

	frame, err := phys.Alloc(0, mem.FlagKernel)
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	phys.Refup(frame) // simulate a second, now-departed COW mapping
	as.Lock_pmap()
	_, ok := as.Page_insert(0x2000, frame, PTE_U|PTE_COW, true, nil)
	as.Unlock_pmap()
	if !ok {
		t.Fatalf("Page_insert failed")
	}
	phys.Refdown(frame) // the other mapping is torn down; as is now sole owner

	if _, err := as._userdmap8(0x2000, true); err != 0 {
		t.Fatalf("write fault: %v", err)
	}
	after := Pmap_lookup(phys, as.Pmap, 0x2000)
	if *after&PTE_ADDR != frame {
		t.Fatalf("sole-owner write fault should claim the existing frame in place")
	}
	if *after&PTE_W == 0 {
		t.Fatalf("expected page writable after claiming")
	}
	if *after&PTE_COW != 0 {
		t.Fatalf("COW bit should be cleared after claiming")
	}
}

func TestFaultOnGuardRegionFails(t *testing.T) {
	as, _ := newtest(t, 64)
	as.Vmadd_anon(0x3000, mem.PGSIZE, 0) // no perms: guard page
	if _, err := as.Userdmap8r(0x3000); err != -defs.EFAULT {
		t.Fatalf("expected EFAULT on guard page, got %v", err)
	}
}

func TestWriteFaultOnReadOnlyRegionFails(t *testing.T) {
	as, _ := newtest(t, 64)
	as.Vmadd_anon(0x4000, mem.PGSIZE, uint(PTE_U))
	if _, err := as._userdmap8(0x4000, true); err != -defs.EFAULT {
		t.Fatalf("expected EFAULT writing a read-only region, got %v", err)
	}
}

func TestUnmappedAddressFaultsEFAULT(t *testing.T) {
	as, _ := newtest(t, 64)
	if _, err := as.Userdmap8r(0x9000); err != -defs.EFAULT {
		t.Fatalf("expected EFAULT for unmapped va, got %v", err)
	}
}

func TestUvmfreeReleasesFrames(t *testing.T) {
	as, phys := newtest(t, 64)
	before := phys.Pgcount()
	as.Vmadd_anon(0x1000, mem.PGSIZE, uint(PTE_U|PTE_W))
	if _, err := as._userdmap8(0x1000, true); err != 0 {
		t.Fatalf("fault: %v", err)
	}
	as.Uvmfree()
	after := phys.Pgcount()
	for o := range before {
		if before[o] != after[o] {
			t.Fatalf("frames not fully reclaimed by Uvmfree: order %d before=%d after=%d", o, before[o], after[o])
		}
	}
}

func TestChangeProtectionSplitsRegionHead(t *testing.T) {
	as, _ := newtest(t, 64)
	as.Vmadd_anon(0x1000, 4*mem.PGSIZE, uint(PTE_U|PTE_W))

	err := as.Vmregion.ChangeProtection(0x1000, 2*uintptr(mem.PGSIZE), uint(PTE_U))
	if err != 0 {
		t.Fatalf("ChangeProtection: %v", err)
	}

	vmi, ok := as.Vmregion.Lookup(0x1000)
	if !ok || vmi.Perms&uint(PTE_W) != 0 {
		t.Fatalf("head region should have lost write permission")
	}
	tail, ok := as.Vmregion.Lookup(0x3000)
	if !ok || tail.Perms&uint(PTE_W) == 0 {
		t.Fatalf("tail region should still be writable")
	}
}

func TestRoundTripReadWriteUserMemory(t *testing.T) {
	as, _ := newtest(t, 64)
	as.Vmadd_anon(0x5000, mem.PGSIZE, uint(PTE_U|PTE_W))

	if err := as.Userwriten(0x5000, 4, 0xcafebabe&0x7fffffff); err != 0 {
		t.Fatalf("Userwriten: %v", err)
	}
	v, err := as.Userreadn(0x5000, 4)
	if err != 0 {
		t.Fatalf("Userreadn: %v", err)
	}
	if v != 0xcafebabe&0x7fffffff {
		t.Fatalf("round-trip mismatch: got %#x", v)
	}
}

func TestMprotectUpdatesLivePTE(t *testing.T) {
	as, phys := newtest(t, 64)
	as.Vmadd_anon(0x6000, mem.PGSIZE, uint(PTE_U|PTE_W))
	if err := as.Userwriten(0x6000, 4, 1); err != 0 {
		t.Fatalf("prime write: %v", err)
	}

	before := as.Shootdowns()
	if err := as.Mprotect(0x6000, mem.PGSIZE, uint(PTE_U)); err != 0 {
		t.Fatalf("Mprotect: %v", err)
	}
	if as.Shootdowns() != before+1 {
		t.Fatalf("expected a TLB shootdown after Mprotect")
	}

	pte := Pmap_lookup(phys, as.Pmap, 0x6000)
	if pte == nil || *pte&PTE_W != 0 {
		t.Fatalf("expected live PTE to lose write permission after Mprotect")
	}
	if _, err := as._userdmap8(0x6000, true); err != -defs.EFAULT {
		t.Fatalf("expected EFAULT writing a now read-only page, got %v", err)
	}
}

func TestChangeProtectionZeroLengthIsNoop(t *testing.T) {
	as, _ := newtest(t, 64)
	as.Vmadd_anon(0x7000, 4*mem.PGSIZE, uint(PTE_U|PTE_W))

	before := len(as.Vmregion.regions)
	if err := as.Vmregion.ChangeProtection(0x7000+uintptr(mem.PGSIZE), 0, uint(PTE_U)); err != 0 {
		t.Fatalf("ChangeProtection: %v", err)
	}
	if len(as.Vmregion.regions) != before {
		t.Fatalf("zero-length ChangeProtection split the region: got %d regions, want %d",
			len(as.Vmregion.regions), before)
	}
	vmi, ok := as.Vmregion.Lookup(0x7000)
	if !ok || vmi.Perms&uint(PTE_W) == 0 {
		t.Fatalf("zero-length ChangeProtection altered permissions")
	}

	if err := as.Mprotect(0x7000+mem.PGSIZE, 0, uint(PTE_U)); err != 0 {
		t.Fatalf("Mprotect with length 0: %v", err)
	}
	if len(as.Vmregion.regions) != before {
		t.Fatalf("zero-length Mprotect split the region: got %d regions, want %d",
			len(as.Vmregion.regions), before)
	}
}

func TestCopyTablesCOWFork(t *testing.T) {
	parent, phys := newtest(t, 64)
	parent.Vmadd_anon(0x8000, mem.PGSIZE, uint(PTE_U|PTE_W))
	if err := parent.Userwriten(0x8000, 4, 0x11111111&0x7fffffff); err != 0 {
		t.Fatalf("prime write: %v", err)
	}

	child, err := parent.CopyTables()
	if err != 0 {
		t.Fatalf("CopyTables: %v", err)
	}

	ppte := Pmap_lookup(phys, parent.Pmap, 0x8000)
	if ppte == nil || *ppte&PTE_P == 0 {
		t.Fatalf("parent pte missing after fork")
	}
	if *ppte&PTE_W != 0 {
		t.Fatalf("parent pte should be write-protected after fork")
	}
	frame := *ppte & PTE_ADDR
	if phys.Refcnt(frame) != 2 {
		t.Fatalf("expected shared frame refcount 2 after fork, got %d", phys.Refcnt(frame))
	}

	childBefore := child.Shootdowns()
	if err := child.Userwriten(0x8000, 4, 0x22222222&0x7fffffff); err != 0 {
		t.Fatalf("child write fault: %v", err)
	}
	if child.Shootdowns() != childBefore+1 {
		t.Fatalf("expected a TLB shootdown in the child after its own COW fault")
	}

	cpte := Pmap_lookup(phys, child.Pmap, 0x8000)
	if cpte == nil || *cpte&PTE_W == 0 {
		t.Fatalf("child pte should be writable after its COW fault")
	}
	if *cpte&PTE_ADDR == frame {
		t.Fatalf("child's COW fault should have duplicated the shared frame")
	}
	if phys.Refcnt(frame) != 1 {
		t.Fatalf("expected parent's frame refcount 1 after child's duplicate, got %d", phys.Refcnt(frame))
	}
	if phys.Refcnt(*cpte&PTE_ADDR) != 1 {
		t.Fatalf("expected child's new frame refcount 1, got %d", phys.Refcnt(*cpte&PTE_ADDR))
	}

	v, err := parent.Userreadn(0x8000, 4)
	if err != 0 {
		t.Fatalf("Userreadn: %v", err)
	}
	if v != 0x11111111&0x7fffffff {
		t.Fatalf("child's write altered parent's contents: got %#x", v)
	}
}

func TestPageOutThenReadFaultSwapsBackIn(t *testing.T) {
	as, phys := newtest(t, 64)
	as.Vmadd_anon(0x9000, mem.PGSIZE, uint(PTE_U|PTE_W))
	if err := as.Userwriten(0x9000, 4, 0xabcdef&0x7fffffff); err != 0 {
		t.Fatalf("prime write: %v", err)
	}

	before := as.Shootdowns()
	if err := as.PageOut(0x9000); err != 0 {
		t.Fatalf("PageOut: %v", err)
	}
	if as.Shootdowns() != before+1 {
		t.Fatalf("expected a TLB shootdown after PageOut")
	}
	pte := Pmap_lookup(phys, as.Pmap, 0x9000)
	if pte == nil || *pte&PTE_P != 0 || *pte == 0 {
		t.Fatalf("expected a non-present, non-zero pte after PageOut")
	}

	v, err := as.Userreadn(0x9000, 4)
	if err != 0 {
		t.Fatalf("Userreadn after swap-in: %v", err)
	}
	if v != 0xabcdef&0x7fffffff {
		t.Fatalf("swap round trip mismatch: got %#x", v)
	}
	after := Pmap_lookup(phys, as.Pmap, 0x9000)
	if after == nil || *after&PTE_P == 0 {
		t.Fatalf("expected a present pte after swap-in")
	}
}

func TestPageOutThenWriteFaultSwapsBackIn(t *testing.T) {
	as, phys := newtest(t, 64)
	as.Vmadd_anon(0xa000, mem.PGSIZE, uint(PTE_U|PTE_W))
	if err := as.Userwriten(0xa000, 4, 0x5a5a5a&0x7fffffff); err != 0 {
		t.Fatalf("prime write: %v", err)
	}
	if err := as.PageOut(0xa000); err != 0 {
		t.Fatalf("PageOut: %v", err)
	}

	if err := as.Userwriten(0xa000, 4, 0x7b7b7b&0x7fffffff); err != 0 {
		t.Fatalf("write fault after swap-out: %v", err)
	}
	v, err := as.Userreadn(0xa000, 4)
	if err != 0 {
		t.Fatalf("Userreadn: %v", err)
	}
	if v != 0x7b7b7b&0x7fffffff {
		t.Fatalf("swap round trip mismatch after write fault: got %#x", v)
	}
	pte := Pmap_lookup(phys, as.Pmap, 0xa000)
	if pte == nil || *pte&PTE_W == 0 {
		t.Fatalf("expected a writable pte after the write-fault swap-in")
	}
}
