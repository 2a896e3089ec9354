package iostream

import "testing"

func TestLiteralReadWriteRoundTrip(t *testing.T) {
	l := NewLiteral(nil)
	n, err := l.Write([]byte("abcdef"))
	if err != 0 || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if _, errc := l.Control(CtlSetPos, 0); errc != 0 {
		t.Fatalf("Control SetPos: %v", errc)
	}
	got := make([]byte, 6)
	n, err = l.Read(got)
	if err != 0 || n != 6 || string(got) != "abcdef" {
		t.Fatalf("Read = %q, %d, %v", got, n, err)
	}
}

func TestLiteralReadPastEndReturnsZero(t *testing.T) {
	l := NewLiteral([]byte("x"))
	l.Read(make([]byte, 1))
	n, err := l.Read(make([]byte, 1))
	if n != 0 || err != 0 {
		t.Fatalf("Read past end = %d, %v, want 0, 0", n, err)
	}
}

func TestLiteralControlGetLenGetPos(t *testing.T) {
	l := NewLiteral([]byte("hello"))
	length, err := l.Control(CtlGetLen, 0)
	if err != 0 || length != 5 {
		t.Fatalf("GetLen = %d, %v", length, err)
	}
	l.Read(make([]byte, 2))
	pos, err := l.Control(CtlGetPos, 0)
	if err != 0 || pos != 2 {
		t.Fatalf("GetPos = %d, %v", pos, err)
	}
}

func TestLiteralSetPosRejectsOutOfRange(t *testing.T) {
	l := NewLiteral([]byte("hi"))
	if _, err := l.Control(CtlSetPos, -1); err == 0 {
		t.Fatal("SetPos(-1) accepted")
	}
	if _, err := l.Control(CtlSetPos, 99); err == 0 {
		t.Fatal("SetPos(99) accepted past end of buffer")
	}
}

func TestLiteralUnknownControlOp(t *testing.T) {
	l := NewLiteral(nil)
	if _, err := l.Control(Ctl(99), 0); err == 0 {
		t.Fatal("unknown control opcode accepted")
	}
}
