// Package elfload is the ELF64 RV64 executable loader (§4.6), grounded on
// original_source/src/kern/elf.c: it validates the header, maps each
// PT_LOAD segment's pages, copies in the segment payload, zero-fills any
// tail past the file size, and rejects a segment that would overlap the
// user stack page.
package elfload

import (
	"bytes"
	"encoding/binary"

	"github.com/mkoseli2523/custom-kernel/config"
	"github.com/mkoseli2523/custom-kernel/errno"
	"github.com/mkoseli2523/custom-kernel/iostream"
	"github.com/mkoseli2523/custom-kernel/vmm"
)

const (
	etExec     = 2
	elfClass64 = 2
	elfData2LSB = 1
	ptLoad     = 1

	// machineRV64 is ELF's EM_RISCV constant.
	machineRV64 = 243

	ehdrSize = 64
	phdrSize = 56
)

var magic = [4]byte{0x7f, 'E', 'L', 'F'}

// ehdr is the ELF64 file header, laid out exactly as the on-disk format
// (e_ident's 16 bytes followed by the fixed-width fields).
type ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// phdr is one ELF64 program header.
type phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Load reads an ELF image from src (any I/O vtable stream — a file, a
// block device, or an in-memory literal), maps its PT_LOAD segments into
// as via m, and returns the entry point on success.
func Load(src iostream.Stream, m *vmm.Manager, as *vmm.AddressSpace) (uint64, error) {
	hdrBuf := make([]byte, ehdrSize)
	if n, err := readFull(src, hdrBuf); err != 0 || n != ehdrSize {
		return 0, errno.EHdrRead
	}
	var h ehdr
	if err := decode(hdrBuf, &h); err != nil {
		return 0, errno.EHdrRead
	}

	if h.Ident[0] != magic[0] || h.Ident[1] != magic[1] || h.Ident[2] != magic[2] || h.Ident[3] != magic[3] {
		return 0, errno.EBadMagic
	}
	if h.Ident[4] != elfClass64 {
		return 0, errno.EBadMagic
	}
	if h.Type != etExec || h.Machine != machineRV64 {
		return 0, errno.EBadType
	}
	if h.Ident[5] != elfData2LSB {
		return 0, errno.EBadEndian
	}

	for i := uint16(0); i < h.Phnum; i++ {
		off := h.Phoff + uint64(i)*uint64(h.Phentsize)
		if _, err := src.Control(iostream.CtlSetPos, int64(off)); err != 0 {
			return 0, errno.ESeek
		}
		phBuf := make([]byte, phdrSize)
		if n, err := readFull(src, phBuf); err != 0 || n != phdrSize {
			return 0, errno.EPhdrRead
		}
		var ph phdr
		if err := decode(phBuf, &ph); err != nil {
			return 0, errno.EPhdrRead
		}

		if ph.Type != ptLoad {
			continue
		}

		if ph.Vaddr+ph.Memsz > config.USERStackVMA {
			return 0, errno.EStackOvlap
		}
		if ph.Vaddr < config.USERStartVMA || ph.Vaddr+ph.Memsz > config.USEREndVMA {
			return 0, errno.ESegBounds
		}

		flags := vmm.FlagR | vmm.FlagW | vmm.FlagX | vmm.FlagU
		if err := m.AllocAndMapRange(as, ph.Vaddr, ph.Memsz, flags); err != nil {
			return 0, errno.EMapFail
		}

		if _, err := src.Control(iostream.CtlSetPos, int64(ph.Offset)); err != 0 {
			return 0, errno.ESeek
		}
		payload := make([]byte, ph.Filesz)
		if n, err := readFull(src, payload); err != 0 || uint64(n) != ph.Filesz {
			return 0, errno.ESegRead
		}
		if err := m.WriteUser(as, ph.Vaddr, payload); err != nil {
			return 0, errno.EMapFail
		}

		if ph.Memsz > ph.Filesz {
			zeros := make([]byte, ph.Memsz-ph.Filesz)
			if err := m.WriteUser(as, ph.Vaddr+ph.Filesz, zeros); err != nil {
				return 0, errno.EMapFail
			}
		}
	}

	return h.Entry, nil
}

// readFull reads exactly len(buf) bytes from src, short-circuiting on the
// first error or a zero-length read (end of stream).
func readFull(src iostream.Stream, buf []byte) (int, errno.Errno) {
	total := 0
	for total < len(buf) {
		n, err := src.Read(buf[total:])
		if err != 0 {
			return total, err
		}
		if n == 0 {
			return total, 0
		}
		total += n
	}
	return total, 0
}

func decode(buf []byte, v any) error {
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}
