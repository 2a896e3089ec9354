package blockdev

import "testing"

func TestStreamReadWriteRoundTrip(t *testing.T) {
	path := makeImage(t, 2, 512)
	dev, err := Open(path, 512, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := NewStream(dev)
	defer s.Close()

	payload := []byte("hello block stream")
	n, e := s.Write(payload)
	if e != 0 || n != len(payload) {
		t.Fatalf("Write = %d, %v", n, e)
	}

	if _, e := s.Control(2 /* CtlSetPos */, 0); e != 0 {
		t.Fatalf("SetPos: %v", e)
	}
	got := make([]byte, len(payload))
	n, e = s.Read(got)
	if e != 0 || n != len(payload) {
		t.Fatalf("Read = %d, %v", n, e)
	}
	if string(got) != string(payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
}

func TestStreamReadReturnsZeroAtDeviceEnd(t *testing.T) {
	path := makeImage(t, 1, 512)
	dev, err := Open(path, 512, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := NewStream(dev)
	defer s.Close()

	if _, e := s.Control(2 /* CtlSetPos */, 512); e != 0 {
		t.Fatalf("SetPos: %v", e)
	}
	n, e := s.Read(make([]byte, 16))
	if e != 0 || n != 0 {
		t.Fatalf("Read at end = %d, %v, want 0, 0", n, e)
	}
}

func TestStreamWriteTruncatesPastDeviceEnd(t *testing.T) {
	path := makeImage(t, 1, 512)
	dev, err := Open(path, 512, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := NewStream(dev)
	defer s.Close()

	n, e := s.Write(make([]byte, 600))
	if e != 0 {
		t.Fatalf("Write: %v", e)
	}
	if n != 512 {
		t.Fatalf("Write truncated length = %d, want 512", n)
	}
}

func TestStreamSetPosRejectsOutOfRange(t *testing.T) {
	path := makeImage(t, 1, 512)
	dev, err := Open(path, 512, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := NewStream(dev)
	defer s.Close()

	if _, e := s.Control(2 /* CtlSetPos */, 1000); e == 0 {
		t.Fatalf("SetPos past device end should fail")
	}
}
