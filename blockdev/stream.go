package blockdev

import (
	"sync"

	"github.com/mkoseli2523/custom-kernel/errno"
	"github.com/mkoseli2523/custom-kernel/iostream"
)

// Stream adapts a Device to the uniform I/O vtable (§3's "block-device
// stream" variant, §4.4's read/write semantics): a byte-granular cursor
// is layered over the device's block-granular ReadBlock/WriteBlock,
// iterating (block = pos/blksz, offset = pos%blksz) and reloading the
// device's single cached block whenever the iteration crosses into a new
// one, exactly as vioblk_read/vioblk_write do.
type Stream struct {
	mu   sync.Mutex
	dev  *Device
	pos  int64
	refs int
}

// NewStream wraps dev as an iostream.Stream for handing out through
// sys_devopen.
func NewStream(dev *Device) *Stream {
	return &Stream{dev: dev, refs: 1}
}

func (s *Stream) Close() errno.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	if s.refs == 0 {
		s.dev.Close()
	}
	return 0
}

func (s *Stream) Reopen() errno.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return 0
}

// Read copies bytes starting at the stream's cursor, stopping at the
// device's reported size (§4.4: "returns 0 at end of device").
func (s *Stream) Read(p []byte) (int, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devSize := s.dev.BlockCount() * int64(s.dev.BlockSize())
	if s.pos >= devSize {
		return 0, 0
	}
	want := int64(len(p))
	if s.pos+want > devSize {
		want = devSize - s.pos
	}

	var total int64
	for total < want {
		blksz := int64(s.dev.BlockSize())
		blk := (s.pos + total) / blksz
		off := (s.pos + total) % blksz
		raw, err := s.dev.ReadBlock(blk)
		if err != 0 {
			if total > 0 {
				break
			}
			return 0, err
		}
		n := int64(copy(p[total:want], raw[off:]))
		if n == 0 {
			break
		}
		total += n
	}
	s.pos += total
	return int(total), 0
}

// Write copies bytes starting at the stream's cursor, never growing the
// device past its reported size (§4.4: "writes past end are truncated").
// Read-modify-write is used for any write that doesn't fill a whole
// block, so a partial-block write never clobbers the rest of the block.
func (s *Stream) Write(p []byte) (int, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devSize := s.dev.BlockCount() * int64(s.dev.BlockSize())
	if s.pos >= devSize {
		return 0, 0
	}
	want := int64(len(p))
	if s.pos+want > devSize {
		want = devSize - s.pos
	}

	var total int64
	for total < want {
		blksz := int64(s.dev.BlockSize())
		blk := (s.pos + total) / blksz
		off := (s.pos + total) % blksz
		var raw []byte
		if off != 0 || want-total < blksz {
			cur, err := s.dev.ReadBlock(blk)
			if err != 0 {
				return int(total), err
			}
			raw = cur
		} else {
			raw = make([]byte, blksz)
		}
		n := int64(copy(raw[off:], p[total:want]))
		if werr := s.dev.WriteBlock(blk, raw); werr != 0 {
			return int(total), werr
		}
		total += n
	}
	s.pos += total
	return int(total), 0
}

func (s *Stream) Control(op iostream.Ctl, arg int64) (int64, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op {
	case iostream.CtlGetLen:
		return s.dev.BlockCount() * int64(s.dev.BlockSize()), 0
	case iostream.CtlGetPos:
		return s.pos, 0
	case iostream.CtlSetPos:
		max := s.dev.BlockCount() * int64(s.dev.BlockSize())
		if arg < 0 || arg > max {
			return 0, errno.EINVAL
		}
		s.pos = arg
		return s.pos, 0
	case iostream.CtlGetBlkSz:
		return int64(s.dev.BlockSize()), 0
	default:
		return 0, errno.ENOTSUP
	}
}
