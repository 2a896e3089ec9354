// Package integration exercises the whole stack together — boot, mount,
// exec, syscall dispatch — the way no single package's own tests do on
// their own. Grounded on ehrlich-b-go-ublk's dependency neighborhood,
// which reaches for testify/require for exactly this kind of higher-level
// assertion once a test stops being about one package in isolation.
package integration

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoseli2523/custom-kernel/blockdev"
	"github.com/mkoseli2523/custom-kernel/config"
	"github.com/mkoseli2523/custom-kernel/fs"
	"github.com/mkoseli2523/custom-kernel/pmm"
	"github.com/mkoseli2523/custom-kernel/proc"
	"github.com/mkoseli2523/custom-kernel/syscall"
	"github.com/mkoseli2523/custom-kernel/vmm"
)

// The ELF64/RV64 constants below mirror elfload's unexported ones exactly
// (same field layout, same magic values) so a test image built here reads
// back identically through the real loader.
const (
	etExec      = 2
	elfClass64  = 2
	elfData2LSB = 1
	ptLoad      = 1
	machineRV64 = 243
	ehdrSize    = 64
	phdrSize    = 56
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

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

// iType assembles an RV64 I-type instruction word (addi and friends).
func iType(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
	return uint32(imm&0xFFF)<<20 | (rs1&0x1F)<<15 | (funct3&0x7)<<12 | (rd&0x1F)<<7 | (opcode & 0x7F)
}

const ecallWord = 0x00000073

// buildExitProgram assembles a 3-instruction image that loads exitCode
// into a0, SysExit into a7, and ecalls — the minimal program a real
// process table entry can run to completion.
func buildExitProgram(exitCode int32) []byte {
	words := []uint32{
		iType(exitCode, 0, 0, 10, 0x13), // addi a0, x0, exitCode
		iType(int32(syscall.SysExit), 0, 0, 17, 0x13), // addi a7, x0, SysExit
		ecallWord,
	}
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

// buildELFImage wraps code in a one-segment ET_EXEC image entering at the
// segment's base address.
func buildELFImage(t *testing.T, code []byte) []byte {
	t.Helper()
	vaddr := uint64(config.USERStartVMA)

	var buf bytes.Buffer
	h := ehdr{
		Type:      etExec,
		Machine:   machineRV64,
		Version:   1,
		Entry:     vaddr,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     1,
	}
	h.Ident[0], h.Ident[1], h.Ident[2], h.Ident[3] = elfMagic[0], elfMagic[1], elfMagic[2], elfMagic[3]
	h.Ident[4] = elfClass64
	h.Ident[5] = elfData2LSB

	ph := phdr{
		Type:   ptLoad,
		Offset: ehdrSize + phdrSize,
		Vaddr:  vaddr,
		Filesz: uint64(len(code)),
		Memsz:  uint64(len(code)),
	}

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &h))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &ph))
	buf.Write(code)
	return buf.Bytes()
}

// buildDiskImage lays out a one-file disk image the way cmd/mkfs does,
// using fs's own exported on-disk types directly rather than going
// through the host tool.
func buildDiskImage(t *testing.T, name string, content []byte) string {
	t.Helper()

	var bb fs.BootBlock
	bb.DirCount = 1
	bb.InodeCount = 1
	bb.DataCount = 1
	require.True(t, bb.Dentries[0].SetName(name))
	bb.Dentries[0].Type = fs.TypeRegular
	bb.Dentries[0].Inode = 0

	var ino fs.Inode
	ino.Length = uint32(len(content))
	ino.Blocks[0] = 0

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &bb))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &ino))
	data := make([]byte, fs.BlockSize)
	copy(data, content)
	buf.Write(data)

	path := filepath.Join(t.TempDir(), name+".img")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

// bootKernel assembles the bare subsystems a monitor or init program needs
// before anything can be mounted or exec'd: an arena, a VMM over it, and
// an empty process table.
func bootKernel(t *testing.T) (*vmm.Manager, *proc.Table) {
	t.Helper()
	arena, err := pmm.NewArena()
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })
	alloc := pmm.NewAllocator(arena, config.KernelHeapEnd)
	vmgr := vmm.NewManager(alloc, arena)
	return vmgr, proc.NewTable(vmgr)
}

// TestBootMountExecSyscallRoundTrip drives the full chain spec.md §8
// describes end to end: boot the subsystems, mount a disk image, spawn a
// process, exec a file straight off the mounted file system, run it
// through the syscall dispatcher until it exits via SysExit, and read
// back its exit code through Wait.
func TestBootMountExecSyscallRoundTrip(t *testing.T) {
	_, table := bootKernel(t)

	image := buildELFImage(t, buildExitProgram(7))
	path := buildDiskImage(t, "init", image)

	dev, err := blockdev.Open(path, fs.BlockSize, false)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	var fsys fs.FileSystem
	require.Zero(t, int(fsys.Mount(dev)))

	p, err := table.Spawn()
	require.NoError(t, err)

	stream, ferr := fsys.Open("init")
	require.Zero(t, int(ferr))

	require.NoError(t, p.Exec(stream))

	disp := &syscall.Dispatcher{FS: &fsys, Devices: map[string]syscall.DeviceOpener{}, Table: table}
	require.NoError(t, disp.RunUntilExit(p, 1000))

	require.True(t, p.Exited())
	require.Equal(t, 7, p.Wait())
}

// TestConcurrentProcessesExitIndependently mounts two files and runs two
// table slots through the same dispatcher on separate goroutines, the way
// a monitor driving several processes in parallel would: one process's
// image or exit code must never bleed into the other's.
func TestConcurrentProcessesExitIndependently(t *testing.T) {
	_, table := bootKernel(t)

	var bb fs.BootBlock
	bb.DirCount = 2
	bb.InodeCount = 2
	bb.DataCount = 2
	require.True(t, bb.Dentries[0].SetName("a"))
	bb.Dentries[0].Type = fs.TypeRegular
	bb.Dentries[0].Inode = 0
	require.True(t, bb.Dentries[1].SetName("b"))
	bb.Dentries[1].Type = fs.TypeRegular
	bb.Dentries[1].Inode = 1

	imageA := buildELFImage(t, buildExitProgram(11))
	imageB := buildELFImage(t, buildExitProgram(22))

	var inoA, inoB fs.Inode
	inoA.Length = uint32(len(imageA))
	inoA.Blocks[0] = 0
	inoB.Length = uint32(len(imageB))
	inoB.Blocks[0] = 1

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &bb))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &inoA))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &inoB))
	blockA := make([]byte, fs.BlockSize)
	copy(blockA, imageA)
	blockB := make([]byte, fs.BlockSize)
	copy(blockB, imageB)
	buf.Write(blockA)
	buf.Write(blockB)

	path := filepath.Join(t.TempDir(), "two.img")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	dev, err := blockdev.Open(path, fs.BlockSize, false)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	var fsys fs.FileSystem
	require.Zero(t, int(fsys.Mount(dev)))

	disp := &syscall.Dispatcher{FS: &fsys, Devices: map[string]syscall.DeviceOpener{}, Table: table}

	run := func(name string, want int) {
		p, err := table.Spawn()
		require.NoError(t, err)
		stream, ferr := fsys.Open(name)
		require.Zero(t, int(ferr))
		require.NoError(t, p.Exec(stream))
		require.NoError(t, disp.RunUntilExit(p, 1000))
		require.Equal(t, want, p.Wait())
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); run("a", 11) }()
	go func() { defer wg.Done(); run("b", 22) }()
	wg.Wait()
}
