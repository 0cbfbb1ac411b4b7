package vm

import (
	"defs"
	"util"
)

/// Uio_i is the common contract every user/kernel copy source in this
/// package satisfies, grounded on the teacher's userbuf.go where
/// Userbuf_t, Useriovec_t and Fakeubuf_t are used interchangeably by
/// callers that neither know nor care which one they hold.
type Uio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

/// Userbuf_t streams bytes to or from a single contiguous user virtual
/// address range, one page-sized chunk at a time via the owning address
/// space's K2user/User2k.
type Userbuf_t struct {
	userva int
	len    int
	off    int
	as     *Vm_t
}

func (ub *Userbuf_t) ub_init(as *Vm_t, userva, length int) {
	if length < 0 {
		panic("negative userbuf length")
	}
	ub.as = as
	ub.userva = userva
	ub.len = length
	ub.off = 0
}

/// Mkuserbuf wraps [userva, userva+len) in this address space as a Uio_i.
func (as *Vm_t) Mkuserbuf(userva, len int) *Userbuf_t {
	ub := &Userbuf_t{}
	ub.ub_init(as, userva, len)
	return ub
}

/// Remain reports how many bytes are left to transfer.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

/// Totalsz reports the buffer's original length.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

func (ub *Userbuf_t) _tx(buf []uint8, write bool) (int, defs.Err_t) {
	if ub.Remain() == 0 {
		return 0, 0
	}
	sz := util.Min(len(buf), ub.Remain())
	ua := ub.userva + ub.off
	var err defs.Err_t
	if write {
		err = ub.as.K2user(buf[:sz], ua)
	} else {
		err = ub.as.User2k(buf[:sz], ua)
	}
	if err != 0 {
		return 0, err
	}
	ub.off += sz
	return sz, 0
}

/// Uioread copies up to len(dst) bytes from user memory into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return ub._tx(dst, false) }

/// Uiowrite copies up to len(src) bytes from src into user memory.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return ub._tx(src, true) }

type _iove_t struct {
	userva int
	sz     int
}

/// Useriovec_t is the scatter/gather analogue of Userbuf_t: a sequence of
/// disjoint user ranges consumed in order, as readv/writev need.
type Useriovec_t struct {
	iovs []_iove_t
	tsz  int
	as   *Vm_t
}

/// Iov_init builds a Useriovec_t over the given (address, length) pairs.
func (as *Vm_t) Iov_init(iovs [][2]int) *Useriovec_t {
	uio := &Useriovec_t{as: as}
	for _, iv := range iovs {
		if iv[1] < 0 {
			panic("negative iovec length")
		}
		uio.iovs = append(uio.iovs, _iove_t{userva: iv[0], sz: iv[1]})
		uio.tsz += iv[1]
	}
	return uio
}

/// Remain reports how many bytes remain across all iovecs.
func (uio *Useriovec_t) Remain() int {
	r := 0
	for _, iv := range uio.iovs {
		r += iv.sz
	}
	return r
}

/// Totalsz reports the iovec's original combined length.
func (uio *Useriovec_t) Totalsz() int { return uio.tsz }

func (uio *Useriovec_t) _tx(buf []uint8, write bool) (int, defs.Err_t) {
	did := 0
	for len(buf) > 0 && len(uio.iovs) > 0 {
		iv := &uio.iovs[0]
		sz := util.Min(len(buf), iv.sz)
		var err defs.Err_t
		if write {
			err = uio.as.K2user(buf[:sz], iv.userva)
		} else {
			err = uio.as.User2k(buf[:sz], iv.userva)
		}
		if err != 0 {
			return did, err
		}
		iv.userva += sz
		iv.sz -= sz
		buf = buf[sz:]
		did += sz
		if iv.sz == 0 {
			uio.iovs = uio.iovs[1:]
		}
	}
	return did, 0
}

/// Uioread copies up to len(dst) bytes from the iovec's user ranges.
func (uio *Useriovec_t) Uioread(dst []uint8) (int, defs.Err_t) { return uio._tx(dst, false) }

/// Uiowrite copies up to len(src) bytes into the iovec's user ranges.
func (uio *Useriovec_t) Uiowrite(src []uint8) (int, defs.Err_t) { return uio._tx(src, true) }

/// Fakeubuf_t satisfies Uio_i over a plain in-kernel byte slice, letting
/// callers that want the Uio_i contract operate without any user address
/// space at all (e.g. building a page's contents in a kernel-only test).
type Fakeubuf_t struct {
	fbuf []uint8
	off  int
}

/// Fake_init points the Fakeubuf_t at buf.
func (fb *Fakeubuf_t) Fake_init(buf []uint8) {
	fb.fbuf = buf
	fb.off = 0
}

/// Remain reports how many bytes are left in the backing slice.
func (fb *Fakeubuf_t) Remain() int { return len(fb.fbuf) - fb.off }

/// Totalsz reports the backing slice's length.
func (fb *Fakeubuf_t) Totalsz() int { return len(fb.fbuf) }

func (fb *Fakeubuf_t) _tx(buf []uint8, write bool) (int, defs.Err_t) {
	sz := util.Min(len(buf), fb.Remain())
	if write {
		copy(fb.fbuf[fb.off:fb.off+sz], buf[:sz])
	} else {
		copy(buf[:sz], fb.fbuf[fb.off:fb.off+sz])
	}
	fb.off += sz
	return sz, 0
}

/// Uioread copies up to len(dst) bytes out of the backing slice.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return fb._tx(dst, false) }

/// Uiowrite copies up to len(src) bytes into the backing slice.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return fb._tx(src, true) }
