package vm

import (
	"testing"

	"mem"
	"swap"
)

func TestUserbufRoundTrip(t *testing.T) {
	phys := mem.NewPhysmem(64, 0)
	as, err := NewVm_t(phys, swap.NewDevice(4))
	if err != 0 {
		t.Fatalf("NewVm_t: %v", err)
	}
	as.Vmadd_anon(0x1000, mem.PGSIZE, uint(PTE_U|PTE_W))

	ub := as.Mkuserbuf(0x1000, 5)
	if n, err := ub.Uiowrite([]byte("hello")); n != 5 || err != 0 {
		t.Fatalf("Uiowrite: n=%d err=%v", n, err)
	}
	if ub.Remain() != 0 {
		t.Fatalf("expected buffer exhausted, remain=%d", ub.Remain())
	}

	ub2 := as.Mkuserbuf(0x1000, 5)
	got := make([]byte, 5)
	if n, err := ub2.Uioread(got); n != 5 || err != 0 {
		t.Fatalf("Uioread: n=%d err=%v", n, err)
	}
	if string(got) != "hello" {
		t.Fatalf("round-trip mismatch: got %q", got)
	}
}

func TestFakeubufRoundTrip(t *testing.T) {
	backing := make([]byte, 8)
	var fb Fakeubuf_t
	fb.Fake_init(backing)
	if n, err := fb.Uiowrite([]byte("abcd")); n != 4 || err != 0 {
		t.Fatalf("Uiowrite: n=%d err=%v", n, err)
	}
	var fb2 Fakeubuf_t
	fb2.Fake_init(backing)
	got := make([]byte, 4)
	if n, err := fb2.Uioread(got); n != 4 || err != 0 {
		t.Fatalf("Uioread: n=%d err=%v", n, err)
	}
	if string(got) != "abcd" {
		t.Fatalf("mismatch: %q", got)
	}
}
