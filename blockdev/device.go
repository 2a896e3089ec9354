// Package blockdev is the block device driver (§4.4): a virtqueue-style
// request/completion protocol — indirect descriptor chain, avail/used
// rings, condition-variable-gated completion — simulated over an
// *os.File, the way ufs/driver.go's ahci_disk_t simulates AHCI over a
// plain file rather than real hardware registers.
package blockdev

import (
	"os"
	"sync"

	"github.com/mkoseli2523/custom-kernel/errno"
)

type cmd int

const (
	cmdRead cmd = iota
	cmdWrite
	cmdFlush
)

// request is one descriptor chain: header (cmd, block number), data
// buffer, and a completion channel standing in for the status byte the
// real vioblk_device writes back and the used-ring index bump that
// follows it.
type request struct {
	cmd  cmd
	blk  int64
	data []byte
	errc chan errno.Errno
}

// Device is a block device backed by a file: blocks are addressed
// [0, BlockCount), each BlockSize bytes (§4.4).
type Device struct {
	mu         sync.Mutex
	cond       *sync.Cond // signaled when the used ring advances
	f          *os.File
	blockSize  int
	blockCount int64
	readOnly   bool

	cacheBlk   int64
	cacheValid bool
	cache      []byte

	queue  chan *request
	closed chan struct{}
	wg     sync.WaitGroup
}

// Open opens path as a block device with the given geometry. readOnly
// rejects every Write.
func Open(path string, blockSize int, readOnly bool) (*Device, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	d := &Device{
		f:          f,
		blockSize:  blockSize,
		blockCount: fi.Size() / int64(blockSize),
		readOnly:   readOnly,
		cache:      make([]byte, blockSize),
		queue:      make(chan *request, 32),
		closed:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(1)
	go d.serviceLoop()
	return d, nil
}

// BlockSize reports the device's fixed block size.
func (d *Device) BlockSize() int { return d.blockSize }

// BlockCount reports the number of addressable blocks.
func (d *Device) BlockCount() int64 { return d.blockCount }

// Close stops the service loop and closes the backing file. Requests
// still waiting in the queue are not serviced.
func (d *Device) Close() error {
	close(d.closed)
	d.wg.Wait()
	return d.f.Close()
}

// serviceLoop is the simulated ISR: it drains submitted descriptor
// chains in order and signals each one's completion, matching vioblk's
// avail-ring-to-used-ring flow.
func (d *Device) serviceLoop() {
	defer d.wg.Done()
	for {
		select {
		case r := <-d.queue:
			err := d.perform(r)
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
			r.errc <- err
		case <-d.closed:
			return
		}
	}
}

func (d *Device) submit(r *request) errno.Errno {
	r.errc = make(chan errno.Errno, 1)
	d.queue <- r
	return <-r.errc
}

func (d *Device) perform(r *request) errno.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch r.cmd {
	case cmdRead:
		if r.blk < 0 || r.blk >= d.blockCount {
			return errno.EIO
		}
		if !d.cacheValid || d.cacheBlk != r.blk {
			if _, err := d.f.Seek(r.blk*int64(d.blockSize), 0); err != nil {
				return errno.EIO
			}
			if _, err := readFull(d.f, d.cache); err != nil {
				return errno.EIO
			}
			d.cacheBlk = r.blk
			d.cacheValid = true
		}
		copy(r.data, d.cache)
		return 0

	case cmdWrite:
		if d.readOnly {
			return errno.EINVAL
		}
		if r.blk < 0 || r.blk >= d.blockCount {
			// A block past the device's end is rejected with EIO rather
			// than growing the backing file; Stream.Write truncates a
			// byte range to the device size before it gets here.
			return errno.EIO
		}
		if _, err := d.f.Seek(r.blk*int64(d.blockSize), 0); err != nil {
			return errno.EIO
		}
		buf := r.data
		if len(buf) > d.blockSize {
			buf = buf[:d.blockSize]
		}
		if _, err := d.f.Write(buf); err != nil {
			return errno.EIO
		}
		if d.cacheValid && d.cacheBlk == r.blk {
			copy(d.cache, buf)
		}
		return 0

	case cmdFlush:
		if err := d.f.Sync(); err != nil {
			return errno.EIO
		}
		return 0
	}
	return errno.ENOTSUP
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// ReadBlock reads exactly one block.
func (d *Device) ReadBlock(blk int64) ([]byte, errno.Errno) {
	buf := make([]byte, d.blockSize)
	if err := d.submit(&request{cmd: cmdRead, blk: blk, data: buf}); err != 0 {
		return nil, err
	}
	return buf, 0
}

// WriteBlock writes exactly one block.
func (d *Device) WriteBlock(blk int64, data []byte) errno.Errno {
	return d.submit(&request{cmd: cmdWrite, blk: blk, data: data})
}

// ReadBlocks reads n consecutive blocks starting at startBlk, iterating
// one descriptor chain per block the way the driver services a
// multi-block request (§4.4).
func (d *Device) ReadBlocks(startBlk int64, n int) ([]byte, errno.Errno) {
	out := make([]byte, 0, n*d.blockSize)
	for i := 0; i < n; i++ {
		b, err := d.ReadBlock(startBlk + int64(i))
		if err != 0 {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, 0
}

// WriteBlocks writes data across consecutive blocks starting at
// startBlk. If data does not fill a whole number of blocks, the final
// partial block is zero-padded before being written.
func (d *Device) WriteBlocks(startBlk int64, data []byte) errno.Errno {
	for off := 0; off < len(data); off += d.blockSize {
		end := off + d.blockSize
		var chunk []byte
		if end <= len(data) {
			chunk = data[off:end]
		} else {
			chunk = make([]byte, d.blockSize)
			copy(chunk, data[off:])
		}
		if err := d.WriteBlock(startBlk+int64(off/d.blockSize), chunk); err != 0 {
			return err
		}
	}
	return 0
}

// Flush issues a cache-flush request.
func (d *Device) Flush() errno.Errno {
	return d.submit(&request{cmd: cmdFlush})
}
