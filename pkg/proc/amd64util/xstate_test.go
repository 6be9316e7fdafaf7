package amd64util

import "testing"

func TestReadWriteNamedRegion(t *testing.T) {
	x := NewAMD64Xstate(make([]byte, 512))
	mxcsr := []byte{0x80, 0x1f, 0, 0}
	if err := x.Write("mxcsr", mxcsr); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !x.Dirty() {
		t.Fatal("expected Write to mark the buffer dirty")
	}
	got, ok := x.Read("mxcsr")
	if !ok || got[0] != 0x80 {
		t.Fatalf("Read(mxcsr) = %v, %v", got, ok)
	}
}

func TestReadUnknownRegionFails(t *testing.T) {
	x := NewAMD64Xstate(make([]byte, 512))
	if _, ok := x.Read("ymm0"); ok {
		t.Fatal("expected Read of an unnamed region to fail")
	}
}

func TestWriteWrongWidthFails(t *testing.T) {
	x := NewAMD64Xstate(make([]byte, 512))
	if err := x.Write("xmm0", []byte{1, 2}); err == nil {
		t.Fatal("expected an error writing the wrong width")
	}
}

func TestReadPastBufferFails(t *testing.T) {
	x := NewAMD64Xstate(make([]byte, 10))
	if _, ok := x.Read("xmm0"); ok {
		t.Fatal("expected Read to fail when the region falls past a short buffer")
	}
}

func TestClearDirty(t *testing.T) {
	x := NewAMD64Xstate(make([]byte, 512))
	x.Write("mxcsr", []byte{0, 0, 0, 0})
	x.ClearDirty()
	if x.Dirty() {
		t.Fatal("expected ClearDirty to reset the dirty bit")
	}
}

func TestBytesReturnsUnderlyingBuffer(t *testing.T) {
	buf := make([]byte, 512)
	x := NewAMD64Xstate(buf)
	if &x.Bytes()[0] != &buf[0] {
		t.Fatal("expected Bytes() to return the same backing array passed to NewAMD64Xstate")
	}
}
