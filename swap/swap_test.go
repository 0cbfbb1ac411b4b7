package swap

import (
	"testing"

	"defs"
	"mem"
)

func TestWriteReadRoundTrip(t *testing.T) {
	d := NewDevice(4)
	id, err := d.GetSwapPage()
	if err != 0 {
		t.Fatalf("GetSwapPage failed: %v", err)
	}
	var src mem.Pg_t
	src[0] = 0xdeadbeef
	if err := d.WriteSwapPage(id, &src); err != 0 {
		t.Fatalf("WriteSwapPage failed: %v", err)
	}
	var dst mem.Pg_t
	if err := d.ReadSwapPage(id, &dst); err != 0 {
		t.Fatalf("ReadSwapPage failed: %v", err)
	}
	if dst != src {
		t.Fatalf("read back different contents than written")
	}
	d.SwapFree(id)
}

func TestDuplicateKeepsSlotAliveUntilAllFreed(t *testing.T) {
	d := NewDevice(1)
	id, err := d.GetSwapPage()
	if err != 0 {
		t.Fatalf("GetSwapPage failed: %v", err)
	}
	d.SwapDuplicate(id)
	d.SwapFree(id)
	if _, err := d.GetSwapPage(); err != -defs.ENOSPC {
		t.Fatalf("slot released after only one of two frees")
	}
	d.SwapFree(id)
	if _, err := d.GetSwapPage(); err != 0 {
		t.Fatalf("slot not released after matching frees: %v", err)
	}
}

func TestExhaustion(t *testing.T) {
	d := NewDevice(1)
	if _, err := d.GetSwapPage(); err != 0 {
		t.Fatalf("first GetSwapPage failed: %v", err)
	}
	if _, err := d.GetSwapPage(); err != -defs.ENOSPC {
		t.Fatalf("GetSwapPage on exhausted device returned %v, want ENOSPC", err)
	}
}

func TestCacheInsertLookupDelete(t *testing.T) {
	d := NewDevice(2)
	id, _ := d.GetSwapPage()
	p := mem.Pa_t(0x1000)
	d.CacheInsert(p, id)
	got, ok := d.CacheLookup(p)
	if !ok || got != id {
		t.Fatalf("CacheLookup = (%v, %v), want (%v, true)", got, ok, id)
	}
	if !d.CacheDelete(p) {
		t.Fatalf("CacheDelete reported no entry present")
	}
	if _, ok := d.CacheLookup(p); ok {
		t.Fatalf("cache entry survived CacheDelete")
	}
}
