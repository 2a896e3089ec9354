package rv64cpu

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/mkoseli2523/custom-kernel/errno"
)

// flatMemory is a plain byte-slice Memory used only to exercise the
// interpreter in isolation from the VMM.
type flatMemory struct {
	base uint64
	data []byte
}

func (m *flatMemory) Load(addr uint64, size int) (uint64, error) {
	off := addr - m.base
	if off+uint64(size) > uint64(len(m.data)) {
		return 0, errno.EFAULT
	}
	switch size {
	case 1:
		return uint64(m.data[off]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(m.data[off:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(m.data[off:])), nil
	case 8:
		return binary.LittleEndian.Uint64(m.data[off:]), nil
	}
	return 0, fmt.Errorf("bad size %d", size)
}

func (m *flatMemory) Store(addr uint64, size int, val uint64) error {
	off := addr - m.base
	if off+uint64(size) > uint64(len(m.data)) {
		return errno.EFAULT
	}
	switch size {
	case 1:
		m.data[off] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(m.data[off:], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(m.data[off:], uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(m.data[off:], val)
	default:
		return fmt.Errorf("bad size %d", size)
	}
	return nil
}

func program(words ...uint32) *flatMemory {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return &flatMemory{base: 0x1000, data: buf}
}

func TestAddiAndAddStopsOnEcall(t *testing.T) {
	mem := program(
		0x00500093, // addi x1, x0, 5
		0x00700113, // addi x2, x0, 7
		0x002081b3, // add x3, x1, x2
		0x00000073, // ecall
	)
	c := New(mem.base, 0)
	stop, err := c.Run(mem, 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stop != StopEcall {
		t.Fatalf("stop = %v, want StopEcall", stop)
	}
	if c.X[3] != 12 {
		t.Fatalf("x3 = %d, want 12", c.X[3])
	}
	if c.PC != mem.base+16 {
		t.Fatalf("PC = %#x, want %#x (just past ecall)", c.PC, mem.base+16)
	}
}

func TestBranchNotTakenFallsThrough(t *testing.T) {
	mem := program(
		0x00100093, // addi x1, x0, 1
		0x00200113, // addi x2, x0, 2
		0x00208463, // beq x1, x2, +8 (not taken)
		0x00000073, // ecall
	)
	c := New(mem.base, 0)
	stop, err := c.Run(mem, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stop != StopEcall {
		t.Fatalf("stop = %v, want StopEcall", stop)
	}
}

func TestLoadStoreRoundTrip(t *testing.T) {
	// x1 must end up holding an address flatMemory can actually serve
	// (addr - mem.base within [0, len(data))), not a bare small literal:
	// lui+addi builds base+24, just past this program's own 6
	// instructions, with the buffer padded so the halfword fits.
	words := []uint32{
		0x000010b7, // lui x1, 1          (x1 = 0x1000 == mem.base)
		0x01808093, // addi x1, x1, 24    (x1 = base + 24, past the code)
		0x2a000113, // addi x2, x0, 672   (value, arbitrary)
		0x00209023, // sh x2, 0(x1)
		0x00009183, // lh x3, 0(x1)
		0x00000073, // ecall
	}
	mem := program(words...)
	mem.data = append(mem.data, make([]byte, 8)...)
	c := New(mem.base, 0)
	stop, err := c.Run(mem, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stop != StopEcall {
		t.Fatalf("stop = %v, want StopEcall", stop)
	}
	if c.X[3] != 672 {
		t.Fatalf("x3 = %d, want 672 (load/store round trip)", c.X[3])
	}
}

func TestIllegalOpcodeErrors(t *testing.T) {
	mem := program(0xFFFFFFFF)
	c := New(mem.base, 0)
	if _, err := c.Run(mem, 10); err == nil {
		t.Fatal("Run accepted an illegal opcode")
	}
}

func TestFetchOutOfRangeErrors(t *testing.T) {
	mem := program(0x00000073)
	c := New(mem.base+4096, 0) // well past the one-instruction program
	if _, err := c.Run(mem, 10); err == nil {
		t.Fatal("Run accepted an out-of-range fetch")
	}
}
