package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mkoseli2523/custom-kernel/errno"
)

func makeImage(t *testing.T, blocks int, blockSize int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, blocks*blockSize), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestWriteThenReadBlock(t *testing.T) {
	path := makeImage(t, 4, 512)
	d, err := Open(path, 512, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	if errc := d.WriteBlock(2, data); errc != 0 {
		t.Fatalf("WriteBlock: %v", errc)
	}
	got, errc := d.ReadBlock(2)
	if errc != 0 {
		t.Fatalf("ReadBlock: %v", errc)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], data[i])
		}
	}
}

func TestReadBlockCacheReloadsOnBlockChange(t *testing.T) {
	path := makeImage(t, 4, 512)
	d, err := Open(path, 512, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	d.WriteBlock(0, append([]byte{1, 2, 3}, make([]byte, 509)...))
	d.WriteBlock(1, append([]byte{9, 9, 9}, make([]byte, 509)...))

	b0, _ := d.ReadBlock(0)
	b1, _ := d.ReadBlock(1)
	if b0[0] != 1 || b1[0] != 9 {
		t.Fatalf("cache reload produced stale data: b0[0]=%d b1[0]=%d", b0[0], b1[0])
	}
}

func TestWriteRejectedOnReadOnlyDevice(t *testing.T) {
	path := makeImage(t, 2, 512)
	d, err := Open(path, 512, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if errc := d.WriteBlock(0, make([]byte, 512)); errc != errno.EINVAL {
		t.Fatalf("WriteBlock on read-only device = %v, want EINVAL", errc)
	}
}

func TestReadPastDeviceEndFails(t *testing.T) {
	path := makeImage(t, 2, 512)
	d, err := Open(path, 512, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, errc := d.ReadBlock(5); errc != errno.EIO {
		t.Fatalf("ReadBlock past end = %v, want EIO", errc)
	}
}

func TestReadWriteBlocksMultiBlock(t *testing.T) {
	path := makeImage(t, 4, 512)
	d, err := Open(path, 512, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	payload := make([]byte, 512*2+100)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if errc := d.WriteBlocks(0, payload); errc != 0 {
		t.Fatalf("WriteBlocks: %v", errc)
	}
	got, errc := d.ReadBlocks(0, 3)
	if errc != 0 {
		t.Fatalf("ReadBlocks: %v", errc)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], payload[i])
		}
	}
}
