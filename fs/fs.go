package fs

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/mkoseli2523/custom-kernel/blockdev"
	"github.com/mkoseli2523/custom-kernel/errno"
	"github.com/mkoseli2523/custom-kernel/iostream"
	"github.com/mkoseli2523/custom-kernel/klog"
)

// bootBlockNum is the disk block number of the boot block; the inode table
// immediately follows it, one inode per block, and the data blocks follow
// the inode table (kfs.c's layout).
const bootBlockNum = 0

// FileSystem is a mounted instance of the on-disk layout, driven through
// a blockdev.Device (§4.5).
type FileSystem struct {
	mu       sync.Mutex
	dev      *blockdev.Device
	boot     BootBlock
	mounted  bool
	openSlot int // count of currently open files, bounded by MaxOpen
}

// Mount reads the boot block off dev and validates it. Mounting twice, or
// mounting an image whose header reports zero inodes or zero data
// blocks, fails (kfs.c's fs_mount).
func (f *FileSystem) Mount(dev *blockdev.Device) errno.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mounted {
		return errno.EBUSY
	}

	raw, err := dev.ReadBlock(bootBlockNum)
	if err != 0 {
		return err
	}
	var bb BootBlock
	if e := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &bb); e != nil {
		return errno.EIO
	}
	if bb.InodeCount == 0 || bb.DataCount == 0 {
		return errno.EINVAL
	}

	f.dev = dev
	f.boot = bb
	f.mounted = true
	klog.Default.Debug("fs mounted", "dirs", bb.DirCount, "inodes", bb.InodeCount, "data_blocks", bb.DataCount)
	return 0
}

func (f *FileSystem) readInode(n uint32) (Inode, errno.Errno) {
	raw, err := f.dev.ReadBlock(int64(1 + n))
	if err != 0 {
		return Inode{}, err
	}
	var ino Inode
	if e := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ino); e != nil {
		return Inode{}, errno.EIO
	}
	return ino, 0
}

// dataBlockNum returns the disk block number backing data block index idx
// within inode n's file, starting after the inode table.
func (f *FileSystem) dataBlockNum(ino Inode, idx int) int64 {
	return int64(1) + int64(f.boot.InodeCount) + int64(ino.Blocks[idx])
}

// Open returns a Stream reading and writing the named file (kfs.c's
// fs_open: a linear scan of the directory entries).
func (f *FileSystem) Open(name string) (iostream.Stream, errno.Errno) {
	f.mu.Lock()
	if !f.mounted {
		f.mu.Unlock()
		return nil, errno.EINVAL
	}
	if f.openSlot >= MaxOpen {
		f.mu.Unlock()
		return nil, errno.EMFILE
	}

	var found *Dentry
	for i := range f.boot.Dentries {
		d := &f.boot.Dentries[i]
		if uint32(i) >= f.boot.DirCount {
			break
		}
		if d.NameString() == name {
			found = d
			break
		}
	}
	if found == nil {
		f.mu.Unlock()
		return nil, errno.ENOENT
	}
	f.openSlot++
	f.mu.Unlock()

	ino, err := f.readInode(found.Inode)
	if err != 0 {
		f.mu.Lock()
		f.openSlot--
		f.mu.Unlock()
		return nil, err
	}

	return &openFile{fs: f, inode: found.Inode, meta: ino}, 0
}

func (f *FileSystem) releaseOpenSlot() {
	f.mu.Lock()
	f.openSlot--
	f.mu.Unlock()
}

// openFile is the Stream implementation fs.Open hands back.
type openFile struct {
	mu    sync.Mutex
	fs    *FileSystem
	inode uint32
	meta  Inode
	pos   int64
	closed bool
}

// Close releases the file's open slot. A forked descriptor shares the same
// openFile, so only the first Close releases the slot; later calls do nothing.
func (of *openFile) Close() errno.Errno {
	of.mu.Lock()
	defer of.mu.Unlock()
	if !of.closed {
		of.closed = true
		of.fs.releaseOpenSlot()
	}
	return 0
}

// Read copies bytes starting at the current position, never crossing the
// file's recorded length, walking the inode's block list one block at a
// time (kfs.c's fs_read).
func (of *openFile) Read(p []byte) (int, errno.Errno) {
	of.mu.Lock()
	defer of.mu.Unlock()

	length := int64(of.meta.Length)
	if of.pos >= length {
		return 0, 0
	}
	want := int64(len(p))
	if of.pos+want > length {
		want = length - of.pos
	}

	var total int64
	for total < want {
		blkIdx := int((of.pos + total) / BlockSize)
		if blkIdx >= MaxDataBlocks {
			break
		}
		blkOff := (of.pos + total) % BlockSize
		raw, err := of.fs.dev.ReadBlock(of.fs.dataBlockNum(of.meta, blkIdx))
		if err != 0 {
			return int(total), err
		}
		n := int64(copy(p[total:want], raw[blkOff:]))
		total += n
	}
	of.pos += total
	return int(total), 0
}

// Write copies bytes starting at the current position, never growing the
// file past the length recorded at open time (§4.5: "the file size is
// fixed at open time; writes past end truncate").
func (of *openFile) Write(p []byte) (int, errno.Errno) {
	of.mu.Lock()
	defer of.mu.Unlock()

	maxLen := int64(of.meta.Length)
	if of.pos >= maxLen {
		return 0, 0
	}
	want := int64(len(p))
	if of.pos+want > maxLen {
		want = maxLen - of.pos
	}

	var total int64
	for total < want {
		blkIdx := int((of.pos + total) / BlockSize)
		blkOff := (of.pos + total) % BlockSize
		if blkIdx >= len(of.meta.Blocks) {
			break
		}
		raw, err := of.fs.dev.ReadBlock(of.fs.dataBlockNum(of.meta, blkIdx))
		if err != 0 {
			raw = make([]byte, BlockSize)
		}
		n := int64(copy(raw[blkOff:], p[total:want]))
		if werr := of.fs.dev.WriteBlock(of.fs.dataBlockNum(of.meta, blkIdx), raw); werr != 0 {
			return int(total), werr
		}
		total += n
	}
	of.pos += total
	return int(total), 0
}

func (of *openFile) Control(op iostream.Ctl, arg int64) (int64, errno.Errno) {
	of.mu.Lock()
	defer of.mu.Unlock()

	switch op {
	case iostream.CtlGetLen:
		return int64(of.meta.Length), 0
	case iostream.CtlGetPos:
		return of.pos, 0
	case iostream.CtlSetPos:
		if arg < 0 || arg > int64(of.meta.Length) {
			return 0, errno.EINVAL
		}
		of.pos = arg
		return of.pos, 0
	case iostream.CtlGetBlkSz:
		return BlockSize, 0
	default:
		return 0, errno.ENOTSUP
	}
}
