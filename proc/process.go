// Package proc is the process/thread core (§4.7): a fixed-size process
// table, per-process address space and descriptor table, and the
// exec/fork/exit mechanics that hand a loaded ELF image off to the
// simulated hart and reclaim everything when it's done. Grounded on
// original_source/src/kern/process.c, with accounting in the shape of
// the teacher's accnt package.
package proc

import (
	"sync"

	"github.com/mkoseli2523/custom-kernel/config"
	"github.com/mkoseli2523/custom-kernel/elfload"
	"github.com/mkoseli2523/custom-kernel/errno"
	"github.com/mkoseli2523/custom-kernel/iostream"
	"github.com/mkoseli2523/custom-kernel/rv64cpu"
	"github.com/mkoseli2523/custom-kernel/vmm"
)

// Process is one entry of the process table: an address space, an open
// descriptor table, and (once exec'd) a simulated hart ready to run.
type Process struct {
	mu sync.Mutex

	ID    int
	vmgr  *vmm.Manager
	AS    *vmm.AddressSpace
	IOTab [config.PROCESSIOMax]iostream.Stream

	CPU *rv64cpu.CPU

	exited   bool
	exitCode int
	waiters  []chan int
}

// newProcess allocates a fresh, empty address space for slot id.
func newProcess(id int, vmgr *vmm.Manager) (*Process, error) {
	as, err := vmgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	return &Process{ID: id, vmgr: vmgr, AS: as}, nil
}

// Exec loads src as this process's new image, replacing whatever was
// running before (process_exec's steps (a)/(c)/(d), minus the jump to
// user mode itself, which the syscall dispatcher's run loop performs so
// this package never has to know about traps).
func (p *Process) Exec(src iostream.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.vmgr.UnmapAndFreeUser(p.AS)

	entry, err := elfload.Load(src, p.vmgr, p.AS)
	if err != nil {
		return err
	}
	if entry < config.USERStartVMA || entry >= config.USEREndVMA {
		return errno.EINVAL
	}

	stackPage := uint64(config.USERStackVMA) - config.PageSize
	if err := p.vmgr.AllocAndMapPage(p.AS, stackPage, vmm.FlagR|vmm.FlagW|vmm.FlagU); err != nil {
		return err
	}

	p.CPU = rv64cpu.New(entry, config.USERStackVMA)
	return nil
}

// Memory adapts this process's address space to the interpreter's narrow
// Memory interface, routing every access through page-table validation
// and demand-paging an unmapped-but-in-region fault exactly once before
// giving up — the same recovery HandlePageFault offers a real trap.
func (p *Process) Memory() rv64cpu.Memory {
	return &procMemory{vmgr: p.vmgr, as: p.AS}
}

// Exit reclaims the process's address space and closes every open
// descriptor, then wakes anyone blocked in Wait (process_exit).
func (p *Process) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.exitCode = code

	p.vmgr.ReclaimUserSpace(p.AS)
	for i := range p.IOTab {
		if p.IOTab[i] != nil {
			p.IOTab[i].Close()
			p.IOTab[i] = nil
		}
	}
	for _, w := range p.waiters {
		w <- code
		close(w)
	}
	p.waiters = nil
}

// Wait blocks until the process exits, returning its exit code. Calling
// Wait on an already-exited process returns immediately.
func (p *Process) Wait() int {
	p.mu.Lock()
	if p.exited {
		code := p.exitCode
		p.mu.Unlock()
		return code
	}
	ch := make(chan int, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	return <-ch
}

// Exited reports whether Exit has run.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// VMM returns the memory manager this process's address space belongs
// to, so the syscall dispatcher can validate user pointers.
func (p *Process) VMM() *vmm.Manager { return p.vmgr }

// Space returns the process's address space.
func (p *Process) Space() *vmm.AddressSpace { return p.AS }

// GetIO returns descriptor slot fd, or nil/EBADFD if it's out of range or
// unused.
func (p *Process) GetIO(fd int) (iostream.Stream, errno.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.IOTab) || p.IOTab[fd] == nil {
		return nil, errno.EBADFD
	}
	return p.IOTab[fd], 0
}

// SetIO installs s in descriptor slot fd, which must be empty.
func (p *Process) SetIO(fd int, s iostream.Stream) errno.Errno {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.IOTab) {
		return errno.EMFILE
	}
	p.IOTab[fd] = s
	return 0
}

// ClearIO empties descriptor slot fd without closing its stream (used
// when handing a descriptor's stream off to Exec).
func (p *Process) ClearIO(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd >= 0 && fd < len(p.IOTab) {
		p.IOTab[fd] = nil
	}
}

type procMemory struct {
	vmgr *vmm.Manager
	as   *vmm.AddressSpace
}

func (m *procMemory) Load(addr uint64, size int) (uint64, error) {
	if !m.vmgr.ValidateUserPtr(m.as, addr, uint64(size), vmm.FlagR) {
		if err := m.vmgr.HandlePageFault(m.as, addr); err != nil {
			return 0, errno.EFAULT
		}
		if !m.vmgr.ValidateUserPtr(m.as, addr, uint64(size), vmm.FlagR) {
			return 0, errno.EFAULT
		}
	}
	buf, err := m.vmgr.ReadUser(m.as, addr, uint64(size))
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v, nil
}

func (m *procMemory) Store(addr uint64, size int, val uint64) error {
	if !m.vmgr.ValidateUserPtr(m.as, addr, uint64(size), vmm.FlagW) {
		if err := m.vmgr.HandlePageFault(m.as, addr); err != nil {
			return errno.EFAULT
		}
		if !m.vmgr.ValidateUserPtr(m.as, addr, uint64(size), vmm.FlagW) {
			return errno.EFAULT
		}
	}
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(val >> (8 * i))
	}
	return m.vmgr.WriteUser(m.as, addr, buf)
}
