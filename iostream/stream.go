// Package iostream is the uniform I/O vtable (§4.3): a small interface
// that block devices, the file system, and in-memory buffers all
// implement identically, the way fd.Fd_t wraps an fdops.Fdops_i so every
// open descriptor is driven through the same four operations regardless
// of what backs it.
package iostream

import "github.com/mkoseli2523/custom-kernel/errno"

// Ctl is a control opcode understood by every Stream's Control method.
type Ctl int

const (
	CtlGetLen   Ctl = iota // total size in bytes
	CtlGetPos              // current read/write offset
	CtlSetPos              // set current offset (arg is the new offset)
	CtlGetBlkSz            // underlying block size, 0 if not block-addressed
)

// Stream is the I/O vtable every descriptor in the system is driven
// through: device files, the file system's open files, and literal
// in-memory buffers all implement it the same way, so syscalls never need
// to know which kind of object a descriptor names.
type Stream interface {
	// Close releases the caller's hold on the stream. Close is called once
	// per descriptor slot holding the stream, so a stream shared across a
	// fork may see more than one Close; calling any other method after
	// the last Close is a caller bug.
	Close() errno.Errno

	// Read copies up to len(p) bytes into p, returning the number of
	// bytes actually read. Reading at or past end-of-stream returns
	// (0, 0).
	Read(p []byte) (int, errno.Errno)

	// Write copies up to len(p) bytes from p into the stream, returning
	// the number of bytes actually written.
	Write(p []byte) (int, errno.Errno)

	// Control performs an out-of-band operation named by op. arg is
	// opcode-specific (ignored for CtlGetLen/CtlGetPos/CtlGetBlkSz, the
	// new offset for CtlSetPos); the return value is the opcode's result,
	// or an error if op is unrecognized or arg is invalid.
	Control(op Ctl, arg int64) (int64, errno.Errno)
}

// Reopen is implemented by streams that support being duplicated onto a
// second descriptor slot (mirrors Fdops_i.Reopen / Copyfd) — most commonly
// to bump a reference count shared with the original. Streams that cannot
// be meaningfully duplicated simply don't implement it; callers type-
// assert for it.
type Reopener interface {
	Reopen() errno.Errno
}
