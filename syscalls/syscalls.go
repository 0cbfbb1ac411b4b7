// Package syscalls is the external interface layer spec.md §6 implies
// but does not name: thin argument-translating wrappers over vm and shm,
// grounded on the teacher's convention (see biscuit/src/kernel's
// Sys_mmap/Sys_shmget family) of keeping syscall entry points as plain
// argument plumbing with no policy of their own. Every wrapper here
// normalizes straight to a defs.Err_t; none carries logic beyond
// translating a flat argument list into the vm/shm call it stands for.
package syscalls

import (
	"defs"
	"shm"
	"vm"
)

/// Mprotect implements the mprotect syscall: change the protection of
/// [addr, addr+length) within as to prot (PTE_U/PTE_W bits).
func Mprotect(as *vm.Vm_t, addr, length int, prot uint) defs.Err_t {
	return as.Mprotect(addr, length, prot)
}

/// Fork implements the fork syscall's address-space half: copy_tables(as)
/// -> child, a COW-shared duplicate as returns its own distinct Vm_t.
func Fork(as *vm.Vm_t) (*vm.Vm_t, defs.Err_t) {
	return as.CopyTables()
}

/// CopyIn implements read(2)'s user-memory half: copy up to len(dst)
/// bytes out of as's single contiguous range [uva, uva+length).
func CopyIn(as *vm.Vm_t, uva, length int, dst []byte) (int, defs.Err_t) {
	return as.Mkuserbuf(uva, length).Uioread(dst)
}

/// CopyOut implements write(2)'s user-memory half: copy up to len(src)
/// bytes into as's single contiguous range [uva, uva+length).
func CopyOut(as *vm.Vm_t, uva, length int, src []byte) (int, defs.Err_t) {
	return as.Mkuserbuf(uva, length).Uiowrite(src)
}

/// CopyInv implements readv(2): copy up to len(dst) bytes out of as's
/// disjoint (address, length) ranges in iovs, in order.
func CopyInv(as *vm.Vm_t, iovs [][2]int, dst []byte) (int, defs.Err_t) {
	return as.Iov_init(iovs).Uioread(dst)
}

/// CopyOutv implements writev(2): copy up to len(src) bytes into as's
/// disjoint (address, length) ranges in iovs, in order.
func CopyOutv(as *vm.Vm_t, iovs [][2]int, src []byte) (int, defs.Err_t) {
	return as.Iov_init(iovs).Uiowrite(src)
}

/// ShmGet implements shmget: find or create a segment of npages pages
/// named by key, returning its id.
func ShmGet(d *shm.Device_t, key, npages int, flags uint, perm uint) (shm.ID, defs.Err_t) {
	return d.Get(key, npages, flags, perm)
}

/// ShmAttach implements shmat: map the segment named by id into as,
/// returning the address it was mapped at.
func ShmAttach(d *shm.Device_t, as *vm.Vm_t, id shm.ID, addr int, flags uint) (int, defs.Err_t) {
	return d.Attach(as, id, addr, flags)
}

/// ShmDetach implements shmdt: unmap whatever segment is attached at
/// addr within as.
func ShmDetach(d *shm.Device_t, as *vm.Vm_t, addr int) defs.Err_t {
	return d.Detach(as, addr)
}

/// ShmCtl implements shmctl: dispatch cmd (IPC_STAT/IPC_SET/IPC_RMID/
/// SHM_LOCK/SHM_UNLOCK/IPC_INFO/SHM_STAT) against the segment named by
/// id.
func ShmCtl(d *shm.Device_t, id shm.ID, cmd shm.CtlCmd, newperm uint) (shm.Info_t, defs.Err_t) {
	return d.Ctl(id, cmd, newperm)
}
