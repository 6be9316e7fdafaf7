// Package syscallbuf implements the shared-memory syscall-buffer and
// desched protocol (spec.md §4.E): a ring the tracee writes "boring"
// syscalls into without a ptrace round-trip, plus a desched perf-event
// that interposes when a buffered syscall would have blocked.
package syscallbuf

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cgjones/rr/pkg/logflags"
)

// BufferSize is the fixed size of the shared segment allocated per task.
const BufferSize = 1 << 20 // 1 MiB, matches the original's SYSCALLBUF_BUFFER_SIZE order of magnitude

// headerSize is sizeof(struct syscallbuf_hdr): num_rec_bytes (u32),
// abort_commit (u32), locked (u32), desched_signal_may_be_relevant (u32).
const headerSize = 16

// RecordHeaderSize is the fixed portion of each record preceding its
// variable-length extra data: size (u32), syscallNo (i32), ret (i64),
// flags (u32).
const RecordHeaderSize = 20

// Header is a decoded view of the buffer's fixed-size header, which lives
// at offset 0 of the shared page.
type Header struct {
	NumRecBytes uint32
	AbortCommit uint32
	Locked      uint32
	DeschedMayBeRelevant uint32
}

func decodeHeader(buf []byte) Header {
	return Header{
		NumRecBytes:          binary.LittleEndian.Uint32(buf[0:4]),
		AbortCommit:          binary.LittleEndian.Uint32(buf[4:8]),
		Locked:               binary.LittleEndian.Uint32(buf[8:12]),
		DeschedMayBeRelevant: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

func encodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.NumRecBytes)
	binary.LittleEndian.PutUint32(buf[4:8], h.AbortCommit)
	binary.LittleEndian.PutUint32(buf[8:12], h.Locked)
	binary.LittleEndian.PutUint32(buf[12:16], h.DeschedMayBeRelevant)
}

// Record is one decoded syscallbuf entry.
type Record struct {
	SyscallNo int32
	Ret       int64
	Flags     uint32
	Extra     []byte
}

// RemoteSyscaller is the narrow slice of Task Controller capability the
// setup sequence needs: injecting syscalls into the tracee and reading its
// memory, kept as an interface so this package never imports proc or
// native and stays independently testable.
type RemoteSyscaller interface {
	RemoteSyscall(no int64, args ...uint64) (int64, error)
	WriteMemory(addr uintptr, data []byte) (int, error)
	ReadMemory(addr uintptr, out []byte) (int, error)
	Mmap(addr uintptr, length int, prot, flags, fd int, offset int64) (uintptr, error)
}

// Buffer is the tracer-side half of one task's syscall buffer: the local
// mapping of the shared segment plus the tracee-side address it was
// installed at.
type Buffer struct {
	local       []byte // the tracer's own MAP_SHARED mapping
	remoteAddr  uintptr
	deschedFD   int // valid in the tracer's fd space, -1 if not shared
	deschedChildFD int // fd number as seen inside the tracee
}

// Setup runs the tracer-driven installation sequence (spec.md §4.E
// "Setup sequence"): allocate a shared segment and map it in both address
// spaces. It writes nothing into the tracee's init-params and performs no
// SCM_RIGHTS handoff; with shareDeschedFD it only records deschedFD as the
// tracer-side desched perf-event fd.
func Setup(rs RemoteSyscaller, mapHint uintptr, shareDeschedFD bool, deschedFD int) (*Buffer, error) {
	local, err := unix.Mmap(-1, 0, BufferSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("syscallbuf: mmap local segment: %w", err)
	}

	remoteAddr, err := rs.Mmap(mapHint, BufferSize, int(unix.PROT_READ|unix.PROT_WRITE), int(unix.MAP_SHARED), -1, 0)
	if err != nil {
		unix.Munmap(local)
		return nil, fmt.Errorf("syscallbuf: mmap remote segment: %w", err)
	}

	b := &Buffer{local: local, remoteAddr: remoteAddr, deschedFD: -1, deschedChildFD: -1}

	if shareDeschedFD {
		// The actual SCM_RIGHTS handoff (bind/listen/accept/connect in
		// the tracee, sendmsg/recvmsg across the pair) is driven by the
		// caller's rrcall machinery; this package records the result
		// once the caller has retrieved it.
		b.deschedFD = deschedFD
	}

	zero := make([]byte, headerSize)
	copy(b.local[:headerSize], zero)

	logflags.SyscallBufLogger().WithField("remote_addr", fmt.Sprintf("%#x", remoteAddr)).Debug("syscall buffer installed")
	return b, nil
}

// SetDeschedFD records the tracee-side fd number once the SCM_RIGHTS
// handoff (driven externally) has completed.
func (b *Buffer) SetDeschedFD(tracerFD, childFD int) {
	b.deschedFD = tracerFD
	b.deschedChildFD = childFD
}

// DeschedFD returns the tracer-side desched perf-event fd, or -1 if not
// shared with this task.
func (b *Buffer) DeschedFD() int { return b.deschedFD }

// DeschedChildFD returns the fd number as seen inside the tracee, used to
// recognize arm/disarm ioctls on syscall entry/exit.
func (b *Buffer) DeschedChildFD() int { return b.deschedChildFD }

// RemoteAddr is the address this buffer was mapped at in the tracee.
func (b *Buffer) RemoteAddr() uintptr { return b.remoteAddr }

// SetLocked sets the header's locked bit, to be called any time the
// blocked-signal mask changes (SPEC_FULL.md supplemented feature 6): the
// invariant is that locked must be 1 whenever the desched signal is
// blocked in the tracee, or a buffered syscall could deadlock the tracer
// out of interposing.
func (b *Buffer) SetLocked(locked bool) {
	h := decodeHeader(b.local[:headerSize])
	if locked {
		h.Locked = 1
	} else {
		h.Locked = 0
	}
	encodeHeader(b.local[:headerSize], h)
}

// NumRecBytes returns the header's current record byte count.
func (b *Buffer) NumRecBytes() uint32 {
	return decodeHeader(b.local[:headerSize]).NumRecBytes
}

// Flush drains every pending record as one contiguous blob (header plus
// records), for emission as a single EV_SYSCALLBUF_FLUSH event, then
// resets the header's record counter to 0 (spec.md §4.E "Flush").
func (b *Buffer) Flush() (blob []byte, records []Record, err error) {
	h := decodeHeader(b.local[:headerSize])
	n := int(h.NumRecBytes)
	if n > len(b.local)-headerSize {
		return nil, nil, fmt.Errorf("syscallbuf: corrupt num_rec_bytes=%d exceeds buffer", n)
	}
	blob = make([]byte, headerSize+n)
	copy(blob, b.local[:headerSize+n])

	records, err = decodeRecords(b.local[headerSize : headerSize+n])
	if err != nil {
		return nil, nil, err
	}

	h.NumRecBytes = 0
	encodeHeader(b.local[:headerSize], h)

	logflags.SyscallBufLogger().WithField("bytes", n).WithField("records", len(records)).Debug("flushed syscall buffer")
	return blob, records, nil
}

func decodeRecords(buf []byte) ([]Record, error) {
	var out []Record
	off := 0
	for off < len(buf) {
		if off+RecordHeaderSize > len(buf) {
			return nil, fmt.Errorf("syscallbuf: truncated record header at offset %d", off)
		}
		size := binary.LittleEndian.Uint32(buf[off : off+4])
		if size < RecordHeaderSize || off+int(size) > len(buf) {
			return nil, fmt.Errorf("syscallbuf: invalid record size %d at offset %d", size, off)
		}
		rec := Record{
			SyscallNo: int32(binary.LittleEndian.Uint32(buf[off+4 : off+8])),
			Ret:       int64(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
			Flags:     binary.LittleEndian.Uint32(buf[off+16 : off+20]),
		}
		extra := buf[off+RecordHeaderSize : off+int(size)]
		rec.Extra = append([]byte(nil), extra...)
		out = append(out, rec)
		off += int(size)
	}
	return out, nil
}

// IsDeschedCtl reports whether a syscall entry is the tracee's own
// arm/disarm of its desched counter (SPEC_FULL.md supplemented feature
// 5): matched by SYS_ioctl against the known desched fd with
// PERF_EVENT_IOC_ENABLE/DISABLE as the request, not a dedicated channel.
func (b *Buffer) IsDeschedCtl(syscallNo int64, fd int, ioctlReq uint) (arm bool, disarm bool, match bool) {
	const sysIoctl = 16 // SYS_ioctl on linux/amd64
	if syscallNo != sysIoctl || fd != b.deschedChildFD {
		return false, false, false
	}
	switch ioctlReq {
	case unix.PERF_EVENT_IOC_ENABLE:
		return true, false, true
	case unix.PERF_EVENT_IOC_DISABLE:
		return false, true, true
	default:
		return false, false, false
	}
}

// Close unmaps the tracer-side local mapping. The tracee-side mapping is
// torn down by the controller's teardown sequence.
func (b *Buffer) Close() error {
	if b.local == nil {
		return nil
	}
	err := unix.Munmap(b.local)
	b.local = nil
	return err
}
