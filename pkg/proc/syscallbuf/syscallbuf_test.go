package syscallbuf

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func TestHeaderRoundTrip(t *testing.T) {
	want := Header{NumRecBytes: 42, AbortCommit: 1, Locked: 1, DeschedMayBeRelevant: 1}
	buf := make([]byte, headerSize)
	encodeHeader(buf, want)
	got := decodeHeader(buf)
	if got != want {
		t.Fatalf("decodeHeader(encodeHeader(%+v)) = %+v", want, got)
	}
}

func appendRecord(buf []byte, rec Record) []byte {
	size := uint32(RecordHeaderSize + len(rec.Extra))
	header := make([]byte, RecordHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], size)
	binary.LittleEndian.PutUint32(header[4:8], uint32(rec.SyscallNo))
	binary.LittleEndian.PutUint64(header[8:16], uint64(rec.Ret))
	binary.LittleEndian.PutUint32(header[16:20], rec.Flags)
	buf = append(buf, header...)
	buf = append(buf, rec.Extra...)
	return buf
}

func TestDecodeRecordsRoundTrip(t *testing.T) {
	var buf []byte
	buf = appendRecord(buf, Record{SyscallNo: 1, Ret: 13, Flags: 0, Extra: []byte("hello")})
	buf = appendRecord(buf, Record{SyscallNo: 2, Ret: -1, Flags: 7})

	recs, err := decodeRecords(buf)
	if err != nil {
		t.Fatalf("decodeRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if recs[0].SyscallNo != 1 || recs[0].Ret != 13 || string(recs[0].Extra) != "hello" {
		t.Fatalf("recs[0] = %+v", recs[0])
	}
	if recs[1].SyscallNo != 2 || recs[1].Ret != -1 || recs[1].Flags != 7 {
		t.Fatalf("recs[1] = %+v", recs[1])
	}
}

func TestDecodeRecordsRejectsTruncatedHeader(t *testing.T) {
	if _, err := decodeRecords([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated record header")
	}
}

func TestDecodeRecordsRejectsOversizedRecord(t *testing.T) {
	buf := make([]byte, RecordHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], 1<<20)
	if _, err := decodeRecords(buf); err == nil {
		t.Fatal("expected error for oversized record")
	}
}

func newTestBuffer(t *testing.T, body []byte) *Buffer {
	t.Helper()
	local := make([]byte, headerSize+len(body))
	copy(local[headerSize:], body)
	h := Header{NumRecBytes: uint32(len(body))}
	encodeHeader(local[:headerSize], h)
	return &Buffer{local: local, deschedFD: -1, deschedChildFD: -1}
}

func TestBufferFlush(t *testing.T) {
	var body []byte
	body = appendRecord(body, Record{SyscallNo: 5, Ret: 0})
	b := newTestBuffer(t, body)

	blob, recs, err := b.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(blob) != headerSize+len(body) {
		t.Fatalf("len(blob) = %d, want %d", len(blob), headerSize+len(body))
	}
	if len(recs) != 1 || recs[0].SyscallNo != 5 {
		t.Fatalf("recs = %+v", recs)
	}
	if b.NumRecBytes() != 0 {
		t.Fatalf("NumRecBytes() after flush = %d, want 0", b.NumRecBytes())
	}
}

func TestBufferFlushRejectsCorruptHeader(t *testing.T) {
	b := newTestBuffer(t, nil)
	h := decodeHeader(b.local[:headerSize])
	h.NumRecBytes = uint32(len(b.local)) // exceeds the buffer
	encodeHeader(b.local[:headerSize], h)

	if _, _, err := b.Flush(); err == nil {
		t.Fatal("expected error for corrupt num_rec_bytes")
	}
}

func TestBufferSetLocked(t *testing.T) {
	b := newTestBuffer(t, nil)
	b.SetLocked(true)
	if decodeHeader(b.local[:headerSize]).Locked != 1 {
		t.Fatal("expected locked=1")
	}
	b.SetLocked(false)
	if decodeHeader(b.local[:headerSize]).Locked != 0 {
		t.Fatal("expected locked=0")
	}
}

func TestIsDeschedCtl(t *testing.T) {
	b := &Buffer{deschedChildFD: 7}

	arm, disarm, match := b.IsDeschedCtl(16, 7, unix.PERF_EVENT_IOC_ENABLE)
	if !match || !arm || disarm {
		t.Fatalf("enable: arm=%v disarm=%v match=%v", arm, disarm, match)
	}

	arm, disarm, match = b.IsDeschedCtl(16, 7, unix.PERF_EVENT_IOC_DISABLE)
	if !match || arm || !disarm {
		t.Fatalf("disable: arm=%v disarm=%v match=%v", arm, disarm, match)
	}

	_, _, match = b.IsDeschedCtl(16, 9, unix.PERF_EVENT_IOC_ENABLE)
	if match {
		t.Fatal("expected no match for a different fd")
	}

	_, _, match = b.IsDeschedCtl(3, 7, unix.PERF_EVENT_IOC_ENABLE)
	if match {
		t.Fatal("expected no match for a different syscall number")
	}
}

type fakeRemoteSyscaller struct {
	mmapAddr uintptr
}

func (f *fakeRemoteSyscaller) RemoteSyscall(no int64, args ...uint64) (int64, error) { return 0, nil }
func (f *fakeRemoteSyscaller) WriteMemory(addr uintptr, data []byte) (int, error)    { return len(data), nil }
func (f *fakeRemoteSyscaller) ReadMemory(addr uintptr, out []byte) (int, error)      { return len(out), nil }
func (f *fakeRemoteSyscaller) Mmap(addr uintptr, length int, prot, flags, fd int, offset int64) (uintptr, error) {
	return f.mmapAddr, nil
}

func TestSetup(t *testing.T) {
	rs := &fakeRemoteSyscaller{mmapAddr: 0x7f0000000000}
	b, err := Setup(rs, 0, false, -1)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Close()

	if b.RemoteAddr() != rs.mmapAddr {
		t.Fatalf("RemoteAddr() = %#x, want %#x", b.RemoteAddr(), rs.mmapAddr)
	}
	if b.DeschedFD() != -1 {
		t.Fatalf("DeschedFD() = %d, want -1 when not shared", b.DeschedFD())
	}
	if b.NumRecBytes() != 0 {
		t.Fatalf("NumRecBytes() = %d, want 0 on a fresh buffer", b.NumRecBytes())
	}
}

func TestSetupSharesDeschedFD(t *testing.T) {
	rs := &fakeRemoteSyscaller{mmapAddr: 0x7f0000000000}
	b, err := Setup(rs, 0, true, 42)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Close()

	if b.DeschedFD() != 42 {
		t.Fatalf("DeschedFD() = %d, want 42", b.DeschedFD())
	}

	b.SetDeschedFD(42, 9)
	if b.DeschedChildFD() != 9 {
		t.Fatalf("DeschedChildFD() = %d, want 9", b.DeschedChildFD())
	}
}
