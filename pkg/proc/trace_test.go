package proc

import (
	"bytes"
	"testing"

	"github.com/cgjones/rr/pkg/proc/syscallbuf"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		GlobalTime: 100,
		ThreadTime: 7,
		Tid:        1234,
		Event:      EvSyscallExit,
		RBC:        99999,
		Regs:       []byte{1, 2, 3, 4, 5, 6, 7, 8},
		ExtraRegs:  []byte{9, 9},
	}
	got, err := DecodeFrame(f.Encode())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if got.GlobalTime != f.GlobalTime || got.ThreadTime != f.ThreadTime || got.Tid != f.Tid || got.Event != f.Event || got.RBC != f.RBC {
		t.Fatalf("decoded fixed fields = %+v, want %+v", got, f)
	}
	if !bytes.Equal(got.Regs, f.Regs) {
		t.Fatalf("decoded Regs = %v, want %v", got.Regs, f.Regs)
	}
	if !bytes.Equal(got.ExtraRegs, f.ExtraRegs) {
		t.Fatalf("decoded ExtraRegs = %v, want %v", got.ExtraRegs, f.ExtraRegs)
	}
}

func TestFrameEncodeDecodeNoExtraRegs(t *testing.T) {
	f := Frame{GlobalTime: 1, Tid: 1, Event: EvSyscallEntry, Regs: []byte{1, 2, 3, 4}}
	got, err := DecodeFrame(f.Encode())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if got.ExtraRegs != nil {
		t.Fatalf("ExtraRegs = %v, want nil", got.ExtraRegs)
	}
}

func TestDecodeFrameRejectsTruncatedHeader(t *testing.T) {
	if _, err := DecodeFrame([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestDecodeFrameRejectsTruncatedBody(t *testing.T) {
	f := Frame{Regs: []byte{1, 2, 3, 4}}
	buf := f.Encode()
	if _, err := DecodeFrame(buf[:len(buf)-2]); err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestRecordEventWithoutExtraRegs(t *testing.T) {
	c := NewController()
	backend := newFakeBackend(42)
	task := c.SpawnRoot(backend)

	f, flush, err := c.RecordEvent(task, 5, 1, EvSyscallEntry, false, false)
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if f.GlobalTime != 5 || f.Tid != 42 || f.Event != EvSyscallEntry {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f.ExtraRegs != nil {
		t.Fatalf("ExtraRegs = %v, want nil", f.ExtraRegs)
	}
	if f.RBC != 0 {
		t.Fatalf("RBC = %d, want 0 with no perf counter attached", f.RBC)
	}
	if flush != nil {
		t.Fatalf("flush = %+v, want nil with no syscall buffer attached", flush)
	}
}

func TestRecordEventFetchesExtraRegsOnSignalHandlerEntry(t *testing.T) {
	c := NewController()
	backend := newFakeBackend(42)
	task := c.SpawnRoot(backend)

	f, _, err := c.RecordEvent(task, 1, 1, EvSignalHandler, true, false)
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if f.ExtraRegs == nil {
		t.Fatal("expected ExtraRegs to be populated on signal-handler entry")
	}
}

func TestMaybeFlushSyscallBufWithNoBuffer(t *testing.T) {
	c := NewController()
	task := c.SpawnRoot(newFakeBackend(42))

	result, ok, err := c.MaybeFlushSyscallBuf(task, 1, 1)
	if err != nil {
		t.Fatalf("MaybeFlushSyscallBuf: %v", err)
	}
	if ok {
		t.Fatalf("ok = true, want false with no syscall buffer attached: %+v", result)
	}
}

func TestMaybeFlushSyscallBufWithEmptyBuffer(t *testing.T) {
	c := NewController()
	task := c.SpawnRoot(newFakeBackend(42))

	buf, err := syscallbuf.Setup(fakeRemoteSyscaller{}, 0, false, -1)
	if err != nil {
		t.Fatalf("syscallbuf.Setup: %v", err)
	}
	defer buf.Close()
	task.SetSyscallBuffer(buf)

	result, ok, err := c.MaybeFlushSyscallBuf(task, 1, 1)
	if err != nil {
		t.Fatalf("MaybeFlushSyscallBuf: %v", err)
	}
	if ok {
		t.Fatalf("ok = true, want false with nothing pending: %+v", result)
	}
}

func TestRecordEventWithNothingPendingInSyscallBuf(t *testing.T) {
	c := NewController()
	task := c.SpawnRoot(newFakeBackend(42))

	buf, err := syscallbuf.Setup(fakeRemoteSyscaller{}, 0, false, -1)
	if err != nil {
		t.Fatalf("syscallbuf.Setup: %v", err)
	}
	defer buf.Close()
	task.SetSyscallBuffer(buf)

	if buf.NumRecBytes() != 0 {
		t.Fatalf("NumRecBytes() = %d, want 0 on a freshly set up buffer", buf.NumRecBytes())
	}

	f, flush, err := c.RecordEvent(task, 9, 3, EvSyscallExit, false, false)
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if f.Event != EvSyscallExit {
		t.Fatalf("frame event = %v, want syscall-exit", f.Event)
	}
	if flush != nil {
		t.Fatalf("flush = %+v, want nil when nothing was pending in the buffer", flush)
	}
}

func TestCarriesExtraRegs(t *testing.T) {
	cases := []struct {
		sigHandlerEntry, sigreturnExit, want bool
	}{
		{false, false, false},
		{true, false, true},
		{false, true, true},
		{true, true, true},
	}
	for _, c := range cases {
		if got := carriesExtraRegs(c.sigHandlerEntry, c.sigreturnExit); got != c.want {
			t.Fatalf("carriesExtraRegs(%v, %v) = %v, want %v", c.sigHandlerEntry, c.sigreturnExit, got, c.want)
		}
	}
}
