// Command mkfs builds a disk image in the on-disk layout §4.5/§3
// describes: a boot block of directory entries, a flat inode table, and
// raw data blocks. Grounded on the teacher's mkfs.go (a host tool that
// walks a skeleton directory and writes files into a fresh image), but
// producing this kernel's flat, non-nested directory format instead of
// biscuit's logged, nested one.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mkoseli2523/custom-kernel/fs"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: mkfs -out IMAGE -skel DIR\n")
		flag.PrintDefaults()
	}
	out := flag.String("out", "", "path to the disk image to create")
	skel := flag.String("skel", "", "directory of flat files to copy into the image")
	flag.Parse()

	if *out == "" || *skel == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := build(*out, *skel); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}

// build reads every regular file directly inside skel (no subdirectories:
// this file system has no nesting, §3) and lays them out as a boot block
// of dentries, a matching inode table, and their data blocks.
func build(outPath, skelDir string) error {
	entries, err := os.ReadDir(skelDir)
	if err != nil {
		return fmt.Errorf("read skel dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) > fs.MaxDentries {
		return fmt.Errorf("%d files exceed the %d-dentry boot block capacity", len(names), fs.MaxDentries)
	}

	var boot fs.BootBlock
	var inodes []fs.Inode
	var dataBlocks [][]byte

	for i, name := range names {
		content, err := os.ReadFile(filepath.Join(skelDir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}

		var ino fs.Inode
		ino.Length = uint32(len(content))
		nblocks := (len(content) + fs.BlockSize - 1) / fs.BlockSize
		if nblocks > fs.MaxDataBlocks {
			return fmt.Errorf("%s: %d blocks exceed the %d-block inode capacity", name, nblocks, fs.MaxDataBlocks)
		}
		for b := 0; b < nblocks; b++ {
			ino.Blocks[b] = uint32(len(dataBlocks))
			chunk := make([]byte, fs.BlockSize)
			start := b * fs.BlockSize
			end := start + fs.BlockSize
			if end > len(content) {
				end = len(content)
			}
			copy(chunk, content[start:end])
			dataBlocks = append(dataBlocks, chunk)
		}

		if !boot.Dentries[i].SetName(name) {
			return fmt.Errorf("%s: name too long", name)
		}
		boot.Dentries[i].Type = fs.TypeRegular
		boot.Dentries[i].Inode = uint32(i)
		inodes = append(inodes, ino)
	}

	boot.DirCount = uint32(len(names))
	boot.InodeCount = uint32(len(inodes))
	boot.DataCount = uint32(len(dataBlocks))

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &boot); err != nil {
		return fmt.Errorf("encode boot block: %w", err)
	}
	for _, ino := range inodes {
		if err := binary.Write(&buf, binary.LittleEndian, &ino); err != nil {
			return fmt.Errorf("encode inode: %w", err)
		}
	}
	for _, blk := range dataBlocks {
		buf.Write(blk)
	}

	if err := os.WriteFile(outPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	fmt.Printf("mkfs: wrote %s (%d files, %d inodes, %d data blocks)\n", outPath, len(names), len(inodes), len(dataBlocks))
	return nil
}
