package vmm

import (
	"fmt"

	"github.com/mkoseli2523/custom-kernel/config"
	"github.com/mkoseli2523/custom-kernel/errno"
	"github.com/mkoseli2523/custom-kernel/pmm"
)

// AddressSpace is a per-process user mtag: the root frame of a three-level
// Sv39 page table covering [config.USERStartVMA, config.USERStackVMA).
type AddressSpace struct {
	Root pmm.Frame
}

// Manager ties the page-table walker to the physical frame allocator and
// arena it operates over (§4.2).
type Manager struct {
	alloc *pmm.Allocator
	arena *pmm.Arena
}

// NewManager builds a Manager over the given allocator/arena pair.
func NewManager(alloc *pmm.Allocator, arena *pmm.Arena) *Manager {
	return &Manager{alloc: alloc, arena: arena}
}

// NewAddressSpace allocates a fresh, empty root page table.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	root, ok := m.alloc.AllocPage()
	if !ok {
		return nil, errno.ENOMEM
	}
	return &AddressSpace{Root: root}, nil
}

// wellformed reports whether vma falls in the user-mappable region and is
// page-aligned, mirroring wellformed_vma/aligned_addr in memory.c.
func wellformed(vma uint64) bool {
	return vma >= config.USERStartVMA && vma < config.USERStackVMA
}

func aligned(vma uint64) bool {
	return vma%config.PageSize == 0
}

// tableBytes returns the 4096-byte table rooted at frame f.
func (m *Manager) tableBytes(f pmm.Frame) []byte {
	return m.arena.Bytes(f.PA(), config.PageSize)
}

// entryBytes returns the 8-byte slot for virtual index idx within the
// table rooted at frame f.
func (m *Manager) entryBytes(f pmm.Frame, idx uint64) []byte {
	t := m.tableBytes(f)
	return t[idx*8 : idx*8+8]
}

// walk descends the three levels of root's page table for vma, allocating
// intermediate tables along the way when create is true (walk_pt, §4.2).
// It returns the 8-byte slice of the level-0 PTE slot.
func (m *Manager) walk(root pmm.Frame, vma uint64, create bool) ([]byte, error) {
	idx := vpn(vma)
	cur := root
	for level := 2; level > 0; level-- {
		slot := m.entryBytes(cur, idx[level])
		pte := readPTE(slot)

		if pte.Valid() {
			if pte.IsLeaf() {
				return nil, fmt.Errorf("vmm: walk: non-leaf level %d entry is a leaf", level)
			}
			cur = pmm.FrameOf(pte.FramePA())
			continue
		}

		if !create {
			return nil, errno.EFAULT
		}

		next, ok := m.alloc.AllocPage()
		if !ok {
			return nil, errno.ENOMEM
		}
		writePTE(slot, MakePTE(next.PA(), FlagV))
		cur = next
	}
	return m.entryBytes(cur, idx[0]), nil
}

// AllocAndMapPage allocates one physical frame and installs a leaf PTE for
// vma with the given flags (§4.2). It is an error to map over an
// already-valid leaf.
func (m *Manager) AllocAndMapPage(as *AddressSpace, vma uint64, flags PTE) error {
	if !wellformed(vma) || !aligned(vma) {
		return errno.EFAULT
	}
	slot, err := m.walk(as.Root, vma, true)
	if err != nil {
		return err
	}
	if readPTE(slot).Valid() {
		return errno.EEXIST
	}
	frame, ok := m.alloc.AllocPage()
	if !ok {
		return errno.ENOMEM
	}
	writePTE(slot, MakePTE(frame.PA(), flags|FlagV|FlagA|FlagD))
	return nil
}

// AllocAndMapRange maps every page in [vma, vma+size) (§4.2). On failure
// partway through, every page this call installed is unmapped and freed
// before the error is returned, leaving the address space unchanged.
func (m *Manager) AllocAndMapRange(as *AddressSpace, vma, size uint64, flags PTE) error {
	if size == 0 {
		return nil
	}
	start := vma - vma%config.PageSize
	end := roundUp(vma+size, config.PageSize)

	var installed []uint64
	for p := start; p < end; p += config.PageSize {
		if err := m.AllocAndMapPage(as, p, flags); err != nil {
			for _, u := range installed {
				m.unmapOne(as, u)
			}
			return err
		}
		installed = append(installed, p)
	}
	return nil
}

// SetRangeFlags rewrites the flag byte of every already-mapped leaf in
// [vma, vma+size), preserving each leaf's physical frame.
func (m *Manager) SetRangeFlags(as *AddressSpace, vma, size uint64, flags PTE) error {
	start := vma - vma%config.PageSize
	end := roundUp(vma+size, config.PageSize)
	for p := start; p < end; p += config.PageSize {
		slot, err := m.walk(as.Root, p, false)
		if err != nil {
			return err
		}
		pte := readPTE(slot)
		if !pte.Valid() || !pte.IsLeaf() {
			return errno.EFAULT
		}
		writePTE(slot, MakePTE(pte.FramePA(), flags|FlagV))
	}
	return nil
}

// unmapOne invalidates and frees the leaf page mapping vma, if any.
func (m *Manager) unmapOne(as *AddressSpace, vma uint64) {
	slot, err := m.walk(as.Root, vma, false)
	if err != nil {
		return
	}
	pte := readPTE(slot)
	if !pte.Valid() || !pte.IsLeaf() {
		return
	}
	m.alloc.FreePage(pmm.FrameOf(pte.FramePA()))
	writePTE(slot, 0)
}

// ValidateUserPtr reports whether every byte in [ptr, ptr+length) is
// mapped with at least the required flags (always including V and U) —
// the check every syscall argument pointer must pass before the kernel
// dereferences it (§4.2, §7).
func (m *Manager) ValidateUserPtr(as *AddressSpace, ptr, length uint64, required PTE) bool {
	if length == 0 {
		return wellformed(ptr)
	}
	required |= FlagV | FlagU
	start := ptr - ptr%config.PageSize
	end := roundUp(ptr+length, config.PageSize)
	for p := start; p < end; p += config.PageSize {
		if !wellformed(p) {
			return false
		}
		slot, err := m.walk(as.Root, p, false)
		if err != nil {
			return false
		}
		pte := readPTE(slot)
		if !pte.Valid() || !pte.IsLeaf() || !pte.Has(required) {
			return false
		}
	}
	return true
}

// ValidateUserCStr validates and copies out a NUL-terminated string
// starting at ptr, refusing to read past the user region or an unmapped
// page (Userstr's role in as.go, generalized to our vtable model). maxLen
// bounds the scan so a missing terminator can't run unbounded.
func (m *Manager) ValidateUserCStr(as *AddressSpace, ptr uint64, maxLen int) (string, bool) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		p := ptr + uint64(i)
		if !m.ValidateUserPtr(as, p, 1, FlagR) {
			return "", false
		}
		b := m.byteAt(as, p)
		if b == 0 {
			return string(buf), true
		}
		buf = append(buf, b)
	}
	return "", false
}

func (m *Manager) byteAt(as *AddressSpace, vma uint64) byte {
	page := vma - vma%config.PageSize
	slot, _ := m.walk(as.Root, page, false)
	pte := readPTE(slot)
	b := m.arena.Bytes(pte.FramePA(), config.PageSize)
	return b[vma%config.PageSize]
}

// ReadUser copies length bytes starting at ptr out of the address space,
// failing if any touched page is not readable.
func (m *Manager) ReadUser(as *AddressSpace, ptr, length uint64) ([]byte, error) {
	if !m.ValidateUserPtr(as, ptr, length, FlagR) {
		return nil, errno.EFAULT
	}
	out := make([]byte, length)
	for i := uint64(0); i < length; {
		page := (ptr + i) - (ptr+i)%config.PageSize
		slot, _ := m.walk(as.Root, page, false)
		pte := readPTE(slot)
		src := m.arena.Bytes(pte.FramePA(), config.PageSize)
		off := (ptr + i) % config.PageSize
		n := copy(out[i:], src[off:])
		i += uint64(n)
	}
	return out, nil
}

// WriteUser copies data into the address space starting at ptr, failing
// if any touched page is not writable.
func (m *Manager) WriteUser(as *AddressSpace, ptr uint64, data []byte) error {
	if !m.ValidateUserPtr(as, ptr, uint64(len(data)), FlagW) {
		return errno.EFAULT
	}
	for i := 0; i < len(data); {
		page := (ptr + uint64(i)) - (ptr+uint64(i))%config.PageSize
		slot, _ := m.walk(as.Root, page, false)
		pte := readPTE(slot)
		dst := m.arena.Bytes(pte.FramePA(), config.PageSize)
		off := (ptr + uint64(i)) % config.PageSize
		n := copy(dst[off:], data[i:])
		i += n
	}
	return nil
}

// HandlePageFault services a fault at vma by demand-mapping a single RWU
// page, the only fault this kernel ever resolves (§4.2, §7). Any vma
// outside the user region is not recoverable and is reported as an error
// for the caller to turn into a process-ending panic.
func (m *Manager) HandlePageFault(as *AddressSpace, vma uint64) error {
	if !wellformed(vma) {
		return errno.EFAULT
	}
	page := vma - vma%config.PageSize
	return m.AllocAndMapPage(as, page, FlagR|FlagW|FlagU)
}

// UnmapAndFreeUser frees every mapped leaf in the user region of as,
// invalidating each PTE but leaving the table structure itself in place
// so the address space can be reused by a subsequent exec (process.c's
// process_exec unmaps the old image before loading the new one).
func (m *Manager) UnmapAndFreeUser(as *AddressSpace) {
	for p := uint64(config.USERStartVMA); p < config.USERStackVMA; p += config.PageSize {
		m.unmapOne(as, p)
	}
}

// ReclaimUserSpace tears an address space down completely: every mapped
// leaf is freed, every page-table frame the walk allocated is freed, and
// finally the root itself is freed (process_exit's reclamation of the
// dying process's space).
func (m *Manager) ReclaimUserSpace(as *AddressSpace) {
	m.UnmapAndFreeUser(as)
	m.freeSubtree(as.Root, 2)
}

// freeSubtree recursively frees non-leaf page-table frames below level,
// then the frame at this level itself.
func (m *Manager) freeSubtree(f pmm.Frame, level int) {
	if level > 0 {
		t := m.tableBytes(f)
		for i := 0; i < 512; i++ {
			pte := readPTE(t[i*8 : i*8+8])
			if pte.Valid() && !pte.IsLeaf() {
				m.freeSubtree(pmm.FrameOf(pte.FramePA()), level-1)
			}
		}
	}
	m.alloc.FreePage(f)
}

func roundUp(n, to uint64) uint64 {
	return (n + to - 1) / to * to
}

// CloneAddressSpace builds a fresh address space whose mapped pages are
// independent copies of src's (an eager analogue of fork's address-space
// duplication; this kernel has no copy-on-write, so fork pays the copy
// cost up front instead of deferring it to the first write).
func (m *Manager) CloneAddressSpace(src *AddressSpace) (*AddressSpace, error) {
	dst, err := m.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	for p := uint64(config.USERStartVMA); p < config.USERStackVMA; p += config.PageSize {
		slot, werr := m.walk(src.Root, p, false)
		if werr != nil {
			continue
		}
		pte := readPTE(slot)
		if !pte.Valid() || !pte.IsLeaf() {
			continue
		}
		if merr := m.AllocAndMapPage(dst, p, pte.Flags()&^FlagV); merr != nil {
			m.ReclaimUserSpace(dst)
			return nil, merr
		}
		dstSlot, _ := m.walk(dst.Root, p, false)
		dstPTE := readPTE(dstSlot)
		copy(m.arena.Bytes(dstPTE.FramePA(), config.PageSize), m.arena.Bytes(pte.FramePA(), config.PageSize))
	}
	return dst, nil
}
