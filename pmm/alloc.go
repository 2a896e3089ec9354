package pmm

import (
	"encoding/binary"
	"sync"

	"github.com/mkoseli2523/custom-kernel/config"
)

// Allocator is a free-list of physical frames threaded through the first
// 8 bytes of each free frame (§3, §4.1). Invariant: a frame is on the
// free-list iff it is not referenced by any live PTE and not held by any
// kernel allocation; accesses are serialized by mu, standing in for the
// "disable interrupts" serialization §5 requires on real hardware.
type Allocator struct {
	mu    sync.Mutex
	arena *Arena
	head  Frame
	// count is the number of frames on the free-list. The end-of-list
	// sentinel is noFrame (below); AllocPage reports exhaustion through
	// its boolean ok result rather than a reserved frame number.
	count int
}

// NewAllocator builds an allocator over every page-aligned frame in
// [poolStart, config.RAMEnd), pushed onto the free-list once, the way
// memory_init walks the free pool after paging is enabled (§4.1).
func NewAllocator(arena *Arena, poolStart uint64) *Allocator {
	a := &Allocator{arena: arena}
	a.head = Frame(0)
	first := true
	for pa := roundUp(poolStart, config.PageSize); pa < config.RAMEnd; pa += config.PageSize {
		f := FrameOf(pa)
		if first {
			a.head = f
			a.setNext(f, noFrame)
			first = false
		} else {
			a.setNext(f, a.head)
			a.head = f
		}
		a.count++
	}
	if first {
		// empty pool
		a.head = noFrame
	}
	return a
}

// noFrame is stored as a frame's "next" link when it is the list tail.
// No pooled frame can equal it: frame numbers are physical addresses
// divided by PageSize, and RAM ends far below ^Frame(0).
const noFrame Frame = ^Frame(0)

func (a *Allocator) nextOf(f Frame) Frame {
	b := a.arena.Bytes(f.PA(), 8)
	return Frame(binary.LittleEndian.Uint64(b))
}

func (a *Allocator) setNext(f, next Frame) {
	b := a.arena.Bytes(f.PA(), 8)
	binary.LittleEndian.PutUint64(b, uint64(next))
}

// AllocPage pops a frame off the free-list. It returns ok=false when the
// pool is exhausted; §4.2/§7 make this fatal for in-kernel callers such as
// page-table walks, but the allocator itself only reports the condition.
func (a *Allocator) AllocPage() (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.head == noFrame {
		return 0, false
	}
	f := a.head
	a.head = a.nextOf(f)
	a.count--

	// zero the frame: every freshly allocated page starts zeroed, whether
	// it backs a page table (walk_pt's "zero it" step) or a user page.
	clear(a.arena.Bytes(f.PA(), config.PageSize))

	return f, true
}

// FreePage pushes f back onto the free-list head. O(1), matching §4.1.
func (a *Allocator) FreePage(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setNext(f, a.head)
	a.head = f
	a.count++
}

// Count reports the number of frames currently on the free-list. Useful for
// the page-allocator duality test in §8 and for diagnostics.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func roundUp(n, to uint64) uint64 {
	return (n + to - 1) / to * to
}
