// Package vmm is the three-level Sv39 virtual-memory manager (§4.2):
// address spaces, page-table walks, per-page allocation/mapping,
// user-pointer validation, and reclamation.
//
// Simplification: kernel Go code never itself executes under simulated address
// translation — only the rv64cpu interpreter standing in for a user hart
// does. So an AddressSpace here models exactly the per-process "user mtag"
// of §3; the kernel's own "main_mtag" with its MMIO/kernel-image/heap
// identity mappings has no Go-side representation because nothing in this
// repository ever needs to translate a kernel-side address through it.
package vmm

import (
	"encoding/binary"

	"github.com/mkoseli2523/custom-kernel/config"
)

// PTE is a page-table entry. Bits 0-7 are the flag byte (V, R, W, X, U, G,
// A, D, matching the real Sv39 encoding bit-for-bit); bits 10-53 hold the
// 44-bit physical page number, as in the disk's source bit-field layout
// `flags:8, rsw:2, ppn:44, reserved:7, pbmt:2, n:1`.
type PTE uint64

// Flag bits, in the order spec.md's data model lists them.
const (
	FlagV PTE = 1 << 0 // valid
	FlagR PTE = 1 << 1 // readable
	FlagW PTE = 1 << 2 // writable
	FlagX PTE = 1 << 3 // executable
	FlagU PTE = 1 << 4 // user-accessible
	FlagG PTE = 1 << 5 // global
	FlagA PTE = 1 << 6 // accessed
	FlagD PTE = 1 << 7 // dirty

	flagMask = 0xFF
	ppnShift = 10
	ppnMask  = (uint64(1)<<44 - 1) << ppnShift
)

// MakePTE builds a leaf or non-leaf PTE from a frame physical address and a
// flag byte.
func MakePTE(framePA uint64, flags PTE) PTE {
	ppn := (framePA / config.PageSize) << ppnShift
	return PTE(ppn&ppnMask) | (flags & flagMask)
}

// Valid reports whether the V bit is set.
func (p PTE) Valid() bool { return p&FlagV != 0 }

// IsLeaf reports whether any of R/W/X is set — a leaf per §3's invariant
// that non-leaf PTEs have none of those bits.
func (p PTE) IsLeaf() bool { return p&(FlagR|FlagW|FlagX) != 0 }

// Flags returns the low flag byte.
func (p PTE) Flags() PTE { return p & flagMask }

// Has reports whether every bit in want is set in the PTE's flags.
func (p PTE) Has(want PTE) bool { return p&want == want }

// FramePA returns the physical address the PTE's PPN field encodes.
func (p PTE) FramePA() uint64 {
	return (uint64(p) & ppnMask) >> ppnShift * config.PageSize
}

// vpn returns the three 9-bit virtual page number fields indexed by level:
// [0] is VPN0 (the leaf-table index) and [2] is VPN2 (the root-table index).
func vpn(vma uint64) [3]uint64 {
	return [3]uint64{
		(vma >> 12) & 0x1FF,
		(vma >> 21) & 0x1FF,
		(vma >> 30) & 0x1FF,
	}
}

func readPTE(b []byte) PTE  { return PTE(binary.LittleEndian.Uint64(b)) }
func writePTE(b []byte, p PTE) { binary.LittleEndian.PutUint64(b, uint64(p)) }
