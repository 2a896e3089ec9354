// Package config collects the kernel's physical and virtual memory map
// constants in one place, the way the teacher isolates architecture
// constants from logic in per-arch constants files.
package config

const (
	// PageSize is the hardware page size (Sv39 uses 4 KiB leaf pages).
	PageSize = 4096
	// PageShift is log2(PageSize).
	PageShift = 12
	// MegaSize is the size of a Sv39 megapage (level-1 leaf).
	MegaSize = 2 << 20
	// GigaSize is the size of a Sv39 gigapage (level-2 leaf).
	GigaSize = 1 << 30

	// RAMStart is the physical base address of RAM (§6).
	RAMStart = 0x80000000
	// RAMSize is the total amount of RAM modeled (§6: 8 MiB).
	RAMSize = 8 << 20
	// RAMEnd is the address one past the last byte of RAM.
	RAMEnd = RAMStart + RAMSize

	// KernelHeapEnd bounds the kernel image + heap + page-table pool
	// region; the free physical pool starts at RAMStart+MegaSize (§3).
	KernelHeapEnd = RAMStart + MegaSize

	// USERStartVMA and USEREndVMA bound the region an ELF image's PT_LOAD
	// segments may occupy (§6).
	USERStartVMA = 0x80100000
	USEREndVMA   = 0x81000000

	// USERStackVMA is the fixed top of the user stack, strictly above the
	// loadable range (§6) so the single stack page it bounds —
	// [USERStackVMA-PageSize, USERStackVMA) — can never be covered by a
	// PT_LOAD segment, which must end at or before USEREndVMA.
	USERStackVMA = USEREndVMA + PageSize

	// NPROC and NTHR bound the process and thread tables (§3).
	NPROC = 16
	NTHR  = 64

	// PROCESSIOMax is the number of descriptor slots per process (§3).
	PROCESSIOMax = 16

	// TimerFreqHz is the tick frequency used to convert usleep
	// microseconds to ticks (§5: 10 MHz).
	TimerFreqHz = 10_000_000
)
