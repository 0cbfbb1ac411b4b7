package mem

import (
	"testing"

	"defs"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	phys := NewPhysmem(64, 8)
	before := phys.Pgcount()

	p, err := phys.Alloc(2, FlagAtomic)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	phys.Refup(p)
	if phys.Refcnt(p) != 1 {
		t.Fatalf("Refcnt = %d, want 1", phys.Refcnt(p))
	}
	if !phys.Refdown(p) {
		t.Fatalf("Refdown did not report frame freed")
	}

	after := phys.Pgcount()
	for o := range before {
		if before[o] != after[o] {
			t.Fatalf("order %d free count mismatch: before=%d after=%d", o, before[o], after[o])
		}
	}
}

func TestAllocZeroRefcount(t *testing.T) {
	phys := NewPhysmem(8, 0)
	p, err := phys.Alloc(0, FlagAtomic)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	if phys.Refcnt(p) != 0 {
		t.Fatalf("freshly allocated frame has refcnt %d, want 0", phys.Refcnt(p))
	}
}

func TestAllocAtomicExhaustion(t *testing.T) {
	phys := NewPhysmem(4, 0)
	if _, err := phys.Alloc(2, FlagAtomic); err != 0 {
		t.Fatalf("first alloc of the whole pool failed: %v", err)
	}
	if _, err := phys.Alloc(0, FlagAtomic); err != -defs.ENOMEM {
		t.Fatalf("exhausted atomic alloc returned %v, want ENOMEM", err)
	}
}

func TestDMAEligibility(t *testing.T) {
	phys := NewPhysmem(16, 4)
	p, err := phys.Alloc(0, FlagAtomic|FlagDMA)
	if err != 0 {
		t.Fatalf("DMA alloc failed: %v", err)
	}
	if p>>PGSHIFT >= 4 {
		t.Fatalf("DMA allocation landed outside the DMA-eligible range: frame %d", p>>PGSHIFT)
	}
}

func TestReservedFrameSurvivesFreeAndRefdown(t *testing.T) {
	phys := NewPhysmem(8, 0)
	p, err := phys.Alloc(0, FlagAtomic)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	phys.Refup(p)
	phys.MarkReserved(p)
	if !phys.IsReserved(p) {
		t.Fatalf("IsReserved false after MarkReserved")
	}
	if phys.Refdown(p) {
		t.Fatalf("Refdown freed a RESERVED frame")
	}
	if phys.Refcnt(p) != 1 {
		t.Fatalf("Refcnt changed on a refused Refdown: got %d, want 1", phys.Refcnt(p))
	}
}

func TestBuddyCoalesceOnFree(t *testing.T) {
	phys := NewPhysmem(4, 0)
	p, err := phys.Alloc(2, FlagAtomic)
	if err != 0 {
		t.Fatalf("Alloc order 2 failed: %v", err)
	}
	phys.Free(p, 2)
	counts := phys.Pgcount()
	if counts[2] != 1 {
		t.Fatalf("order-2 free list has %d entries after release, want 1 (full coalesce)", counts[2])
	}
	for o := 0; o < 2; o++ {
		if counts[o] != 0 {
			t.Fatalf("order-%d free list has %d entries, want 0", o, counts[o])
		}
	}
}

func TestPmapNewStartsAtRefcountOne(t *testing.T) {
	phys := NewPhysmem(8, 0)
	_, p, ok := phys.PmapNew(FlagAtomic)
	if !ok {
		t.Fatalf("PmapNew failed")
	}
	if phys.Refcnt(p) != 1 {
		t.Fatalf("PmapNew left refcnt %d, want 1", phys.Refcnt(p))
	}
}
