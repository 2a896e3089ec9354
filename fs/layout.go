// Package fs is the on-disk file system (§4.5): a boot block of directory
// entries, a flat inode table, and raw data blocks, all in fixed
// 4096-byte blocks — the layout original_source/src/kern/kfs.c reads and
// writes directly as C structs, reproduced here as fixed-size Go structs
// marshaled with encoding/binary so the wire format matches exactly.
package fs

const (
	// BlockSize is the file system's block size, matching the block
	// device's block size (§4.5).
	BlockSize = 4096
	// NameLen is the maximum directory-entry name length, including any
	// trailing NUL padding.
	NameLen = 32
	// MaxDentries is the number of directory entries the boot block can
	// hold (kfs.c: 63, chosen so the boot block is exactly one block).
	MaxDentries = 63
	// MaxOpen is the number of file system descriptors that may be open
	// at once (kfs.c: FS_MAXOPEN).
	MaxOpen = 32
	// MaxDataBlocks is the number of data-block indices an inode holds
	// (kfs.c: 1023, chosen so an inode is exactly one block).
	MaxDataBlocks = 1023

	// File types a dentry may name.
	TypeRTC    = 0
	TypeDir    = 1
	TypeRegular = 2
)

// Dentry is one boot-block directory entry: a 32-byte name, a file type,
// and the inode it names. 64 bytes total with reserved padding, so 63 of
// them plus the 64-byte header below exactly fill one block.
type Dentry struct {
	Name     [NameLen]byte
	Type     uint32
	Inode    uint32
	_        [24]byte
}

// NameString returns the entry's name as a Go string, stopping at the
// first NUL.
func (d *Dentry) NameString() string {
	for i, b := range d.Name {
		if b == 0 {
			return string(d.Name[:i])
		}
	}
	return string(d.Name[:])
}

// SetName copies name into the entry, NUL-padded, and reports whether it
// fit. A name of NameLen bytes or more is rejected and the entry is left
// unchanged, so a stored name always has at least one NUL terminator.
func (d *Dentry) SetName(name string) bool {
	if len(name) >= NameLen {
		return false
	}
	var buf [NameLen]byte
	copy(buf[:], name)
	d.Name = buf
	return true
}

// BootBlock is block 0 of the disk image: entry counts followed by the
// directory entries themselves.
type BootBlock struct {
	DirCount     uint32
	InodeCount   uint32
	DataCount    uint32
	_            [52]byte
	Dentries     [MaxDentries]Dentry
}

// Inode is one entry of the inode table, immediately following the boot
// block on disk: a byte length and the data-block numbers backing it.
type Inode struct {
	Length uint32
	Blocks [MaxDataBlocks]uint32
}
