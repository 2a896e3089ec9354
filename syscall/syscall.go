// Package syscall is the syscall ABI dispatcher (§4.8): argument
// registers a0-a5, call number in a7, result in a0, sepc advanced by 4
// before the handler runs. Grounded directly on
// original_source/src/kern/syscall.c's twelve handlers and its
// switch-on-a7 dispatch table.
package syscall

import (
	"github.com/mkoseli2523/custom-kernel/errno"
	"github.com/mkoseli2523/custom-kernel/fs"
	"github.com/mkoseli2523/custom-kernel/iostream"
	"github.com/mkoseli2523/custom-kernel/klog"
	"github.com/mkoseli2523/custom-kernel/proc"
	"github.com/mkoseli2523/custom-kernel/rv64cpu"
	"github.com/mkoseli2523/custom-kernel/vmm"
)

// Call numbers, matching the original's scnum.h ordering.
const (
	SysExit = iota
	SysMsgOut
	SysDevOpen
	SysFsOpen
	SysClose
	SysRead
	SysWrite
	SysIoctl
	SysExec
	SysWait
	SysUsleep
	SysFork
)

// DeviceOpener opens instance instno of a named device (§4.8's
// sysdevopen); the dispatcher looks these up by name.
type DeviceOpener func(instno int) (iostream.Stream, errno.Errno)

// Dispatcher owns everything sysdevopen/sysfsopen/sysexec need beyond the
// calling process itself: the mounted file system, the registered device
// openers, and the process table (for fork/wait).
type Dispatcher struct {
	FS      *fs.FileSystem
	Devices map[string]DeviceOpener
	Table   *proc.Table
}

// maxNameLen bounds a device/file name read out of user memory.
const maxNameLen = 64

// Dispatch decodes a7 out of a and runs the corresponding handler for p,
// returning the value to place in a0 (syscall_handler's tfr->x[TFR_A0] =
// syscall(tfr), with sepc += 4 already applied by the caller).
func (d *Dispatcher) Dispatch(p *proc.Process, a [8]uint64) int64 {
	switch a[7] {
	case SysExit:
		return int64(d.sysExit(p, int(a[0])))
	case SysMsgOut:
		return int64(d.sysMsgOut(p, a[0]))
	case SysDevOpen:
		return int64(d.sysDevOpen(p, int(a[0]), a[1], int(a[2])))
	case SysFsOpen:
		return int64(d.sysFsOpen(p, int(a[0]), a[1]))
	case SysClose:
		return int64(d.sysClose(p, int(a[0])))
	case SysRead:
		return d.sysRead(p, int(a[0]), a[1], a[2])
	case SysWrite:
		return d.sysWrite(p, int(a[0]), a[1], a[2])
	case SysIoctl:
		return int64(d.sysIoctl(p, int(a[0]), int(a[1]), a[2]))
	case SysExec:
		return int64(d.sysExec(p, int(a[0])))
	case SysWait:
		return d.sysWait(int(a[0]))
	case SysUsleep:
		return int64(d.sysUsleep(a[0]))
	case SysFork:
		return int64(d.sysFork(p))
	default:
		return int64(errno.EINVAL)
	}
}

func (d *Dispatcher) sysExit(p *proc.Process, code int) errno.Errno {
	p.Exit(code)
	return 0
}

func (d *Dispatcher) sysMsgOut(p *proc.Process, msgPtr uint64) errno.Errno {
	msg, ok := p.VMM().ValidateUserCStr(p.Space(), msgPtr, maxNameLen*4)
	if !ok {
		return errno.EINVAL
	}
	klog.Default.Info("message from user process", "pid", p.ID, "msg", msg)
	return 0
}

func (d *Dispatcher) sysDevOpen(p *proc.Process, fd int, namePtr uint64, instno int) errno.Errno {
	if fd < 0 || fd >= cap(p.IOTab) {
		return errno.EMFILE
	}
	name, ok := p.VMM().ValidateUserCStr(p.Space(), namePtr, maxNameLen)
	if !ok {
		return errno.EINVAL
	}
	opener, found := d.Devices[name]
	if !found {
		return errno.ENOENT
	}
	stream, err := opener(instno)
	if err != 0 {
		return err
	}
	return p.SetIO(fd, stream)
}

func (d *Dispatcher) sysFsOpen(p *proc.Process, fd int, namePtr uint64) errno.Errno {
	if fd < 0 || fd >= cap(p.IOTab) {
		return errno.EMFILE
	}
	name, ok := p.VMM().ValidateUserCStr(p.Space(), namePtr, maxNameLen)
	if !ok {
		return errno.EINVAL
	}
	stream, err := d.FS.Open(name)
	if err != 0 {
		return err
	}
	return p.SetIO(fd, stream)
}

func (d *Dispatcher) sysClose(p *proc.Process, fd int) errno.Errno {
	s, err := p.GetIO(fd)
	if err != 0 {
		return err
	}
	s.Close()
	p.ClearIO(fd)
	return 0
}

func (d *Dispatcher) sysRead(p *proc.Process, fd int, bufPtr, bufsz uint64) int64 {
	s, err := p.GetIO(fd)
	if err != 0 {
		return int64(err)
	}
	if !p.VMM().ValidateUserPtr(p.Space(), bufPtr, bufsz, vmm.FlagW) {
		return int64(errno.EINVAL)
	}
	tmp := make([]byte, bufsz)
	n, rerr := s.Read(tmp)
	if rerr != 0 {
		return int64(rerr)
	}
	if werr := p.VMM().WriteUser(p.Space(), bufPtr, tmp[:n]); werr != nil {
		return int64(errno.EFAULT)
	}
	return int64(n)
}

func (d *Dispatcher) sysWrite(p *proc.Process, fd int, bufPtr, length uint64) int64 {
	s, err := p.GetIO(fd)
	if err != 0 {
		return int64(err)
	}
	data, rerr := p.VMM().ReadUser(p.Space(), bufPtr, length)
	if rerr != nil {
		return int64(errno.EINVAL)
	}
	n, werr := s.Write(data)
	if werr != 0 {
		return int64(werr)
	}
	return int64(n)
}

func (d *Dispatcher) sysIoctl(p *proc.Process, fd, cmd int, argPtr uint64) errno.Errno {
	s, err := p.GetIO(fd)
	if err != 0 {
		return err
	}

	var argIn int64
	op := iostream.Ctl(cmd)
	switch op {
	case iostream.CtlGetLen, iostream.CtlGetPos, iostream.CtlGetBlkSz:
		if argPtr != 0 && !p.VMM().ValidateUserPtr(p.Space(), argPtr, 8, vmm.FlagW) {
			return errno.EINVAL
		}
	case iostream.CtlSetPos:
		if argPtr != 0 {
			if !p.VMM().ValidateUserPtr(p.Space(), argPtr, 8, vmm.FlagR|vmm.FlagW) {
				return errno.EINVAL
			}
			buf, rerr := p.VMM().ReadUser(p.Space(), argPtr, 8)
			if rerr != nil {
				return errno.EINVAL
			}
			for i, b := range buf {
				argIn |= int64(b) << (8 * i)
			}
		}
	default:
		return errno.ENOTSUP
	}

	result, cerr := s.Control(op, argIn)
	if cerr != 0 {
		return cerr
	}
	if argPtr != 0 {
		out := make([]byte, 8)
		for i := range out {
			out[i] = byte(result >> (8 * i))
		}
		if werr := p.VMM().WriteUser(p.Space(), argPtr, out); werr != nil {
			return errno.EFAULT
		}
	}
	return 0
}

func (d *Dispatcher) sysExec(p *proc.Process, fd int) errno.Errno {
	s, err := p.GetIO(fd)
	if err != 0 {
		return err
	}
	p.ClearIO(fd)
	if eerr := p.Exec(s); eerr != nil {
		if e, ok := eerr.(errno.Errno); ok {
			return e
		}
		return errno.ENOEXEC
	}
	return 0
}

func (d *Dispatcher) sysWait(tid int) int64 {
	if tid == 0 {
		// Waiting for "any" child requires parent/child tracking this
		// simplified table doesn't keep; supported only for an explicit
		// tid (DESIGN.md records this as a narrowing of the original's
		// thread_join_any).
		return int64(errno.ENOTSUP)
	}
	target := d.Table.Get(tid)
	if target == nil {
		return int64(errno.EINVAL)
	}
	target.Wait()
	return int64(tid)
}

func (d *Dispatcher) sysUsleep(us uint64) errno.Errno {
	if us == 0 {
		return errno.EINVAL
	}
	// No virtual timer backs this kernel's process scheduling, so a
	// sleep request is accepted and completes immediately rather than
	// blocking for the requested duration.
	return 0
}

func (d *Dispatcher) sysFork(p *proc.Process) errno.Errno {
	child, err := d.Table.Fork(p)
	if err != nil {
		if e, ok := err.(errno.Errno); ok {
			return e
		}
		return errno.ENOMEM
	}
	return errno.Errno(child.ID)
}

// RunUntilExit drives p's simulated hart: it runs the interpreter until
// an ecall, dispatches the syscall, resumes execution with the result in
// a0, and repeats until the process exits (syscall_handler's
// `tfr->sepc += 4; tfr->x[TFR_A0] = syscall(tfr)` loop, generalized since
// this kernel has no real trap entry to return through).
func (d *Dispatcher) RunUntilExit(p *proc.Process, maxSteps int) error {
	for !p.Exited() {
		stop, err := p.CPU.Run(p.Memory(), maxSteps)
		if err != nil {
			return err
		}
		if stop == rv64cpu.StopEbreak {
			return nil
		}
		var a [8]uint64
		for i := range a {
			a[i] = p.CPU.X[10+i] // a0..a7 are x10..x17
		}
		result := d.Dispatch(p, a)
		p.CPU.X[10] = uint64(result)
	}
	return nil
}
