// Package rv64cpu is a straight-line interpreter for a pragmatic RV64IM
// subset. It has no teacher analogue — biscuit runs on a patched Go
// runtime that is itself the "hart" — so its shape is grounded instead in
// the reference-only CPU-stepping files surfaced alongside the examples
// (an instruction-fetch/decode/execute loop operating on a register file
// and a memory interface, the same shape rcornwell-S370, awesomeVM, and
// gokvm each show for a different architecture). It exists to give
// "jump to user mode" and the ecall-based syscall ABI real, steppable
// semantics in a portable test binary.
package rv64cpu

import (
	"fmt"

	"github.com/mkoseli2523/custom-kernel/errno"
)

// Memory is the narrow interface the interpreter needs from an address
// space: byte-granular load/store validated against the page tables, so
// an out-of-range or unmapped access fails exactly the way a real page
// fault would.
type Memory interface {
	Load(addr uint64, size int) (uint64, error)
	Store(addr uint64, size int, val uint64) error
}

// Stop is why Run returned control to the caller.
type Stop int

const (
	StopEcall Stop = iota
	StopEbreak
)

// CPU holds the 32 general-purpose registers (x0 is hardwired to zero)
// and the program counter of one simulated hart.
type CPU struct {
	X  [32]uint64
	PC uint64
}

// New returns a CPU with its stack pointer (x2) and program counter set
// up to begin executing at entry with the given stack top.
func New(entry, sp uint64) *CPU {
	c := &CPU{PC: entry}
	c.X[2] = sp
	return c
}

// reg reads register i, always returning 0 for x0.
func (c *CPU) reg(i uint32) uint64 {
	if i == 0 {
		return 0
	}
	return c.X[i]
}

func (c *CPU) setReg(i uint32, v uint64) {
	if i != 0 {
		c.X[i] = v
	}
}

// Run executes instructions against mem until an ecall or ebreak, or
// until an error occurs (an access the Memory rejects, an illegal
// opcode, or exceeding maxSteps — a guard against a runaway program
// looping forever with no syscall in a test harness).
func (c *CPU) Run(mem Memory, maxSteps int) (Stop, error) {
	for step := 0; step < maxSteps; step++ {
		raw, err := mem.Load(c.PC, 4)
		if err != nil {
			return 0, fmt.Errorf("rv64cpu: instruction fetch at %#x: %w", c.PC, err)
		}
		inst := uint32(raw)

		stop, advance, err := c.execute(inst, mem)
		if err != nil {
			return 0, err
		}
		if advance {
			c.PC += 4
		}
		if stop != nil {
			return *stop, nil
		}
	}
	return 0, errno.ENOTSUP
}

func signExtend(v uint64, bits int) uint64 {
	shift := 64 - bits
	return uint64(int64(v<<shift) >> shift)
}
