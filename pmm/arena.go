// Package pmm is the page allocator (§4.1): a free-list of physical frames
// carved out of a byte arena standing in for RAM. The arena is obtained via
// an anonymous golang.org/x/sys/unix mmap rather than a plain make([]byte,
// …) slice — the same reach for raw OS memory primitives that
// smoynes-elsie's tty package and the go-ublk driver make when they need a
// page-aligned, demand-zero region instead of ordinary heap memory.
package pmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mkoseli2523/custom-kernel/config"
)

// Frame is a physical frame number: a physical address divided by
// config.PageSize.
type Frame uint64

// Arena is the byte-addressable backing store for all of simulated RAM,
// indexed by physical address (not frame number) relative to
// config.RAMStart.
type Arena struct {
	mem []byte
}

// NewArena allocates an anonymous, page-aligned mapping of config.RAMSize
// bytes to stand in for the machine's RAM.
func NewArena() (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, config.RAMSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pmm: mmap arena: %w", err)
	}
	return &Arena{mem: mem}, nil
}

// Close releases the backing mapping. Not part of the kernel ABI; it exists
// so tests and host tooling can tear an Arena down cleanly.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Bytes returns a slice of length n addressing physical address pa. It
// panics if the range is not entirely within the arena, since a caller
// presenting an out-of-range physical address indicates a kernel bug, not a
// recoverable condition.
func (a *Arena) Bytes(pa uint64, n int) []byte {
	off, end := a.offset(pa, n)
	return a.mem[off:end]
}

func (a *Arena) offset(pa uint64, n int) (int, int) {
	if pa < config.RAMStart || pa+uint64(n) > config.RAMEnd {
		panic(fmt.Sprintf("pmm: address range [%#x,%#x) outside RAM", pa, pa+uint64(n)))
	}
	off := int(pa - config.RAMStart)
	return off, off + n
}

// PA returns the physical address of the start of frame f.
func (f Frame) PA() uint64 { return uint64(f) * config.PageSize }

// FrameOf returns the frame containing physical address pa.
func FrameOf(pa uint64) Frame { return Frame(pa / config.PageSize) }
