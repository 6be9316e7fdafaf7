package proc

import (
	"encoding/binary"
	"fmt"
)

// Frame is the canonical per-event trace record (spec.md §4.H): global and
// per-task time, the owning tid, the encoded event, the counter readings
// at the event boundary, and register snapshots. ExtraRegs is only
// populated for events where spec.md calls it out (sigreturn-exit,
// signal-handler entry); it is nil otherwise.
type Frame struct {
	GlobalTime uint64
	ThreadTime uint32
	Tid        int32
	Event      EventType
	RBC        int64

	Regs      []byte // little-endian-per-register wire form of the GPR file
	ExtraRegs []byte // nil unless this event carries extended registers
}

// RawDataRecord is an out-of-band memory-snapshot record associated with a
// Frame by GlobalTime (spec.md §6 "Event-record format").
type RawDataRecord struct {
	Addr       uintptr
	Event      EventType
	GlobalTime uint64
	Bytes      []byte
}

// frameHeaderSize is the fixed portion of an encoded Frame preceding the
// variable-length register blobs.
const frameHeaderSize = 8 + 4 + 4 + 4 + 8 + 4 + 4 // global,thread,tid,event,rbc,regsLen,extraLen

// Encode serializes f to its on-stream form: a fixed header followed by the
// GPR blob and, if present, the extended-register blob.
func (f Frame) Encode() []byte {
	buf := make([]byte, frameHeaderSize+len(f.Regs)+len(f.ExtraRegs))
	binary.LittleEndian.PutUint64(buf[0:8], f.GlobalTime)
	binary.LittleEndian.PutUint32(buf[8:12], f.ThreadTime)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.Tid))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(f.Event))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(f.RBC))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(f.Regs)))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(f.ExtraRegs)))
	off := frameHeaderSize
	off += copy(buf[off:], f.Regs)
	copy(buf[off:], f.ExtraRegs)
	return buf
}

// DecodeFrame parses the bytes Encode produced.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < frameHeaderSize {
		return Frame{}, fmt.Errorf("proc: truncated frame header: %d bytes", len(buf))
	}
	f := Frame{
		GlobalTime: binary.LittleEndian.Uint64(buf[0:8]),
		ThreadTime: binary.LittleEndian.Uint32(buf[8:12]),
		Tid:        int32(binary.LittleEndian.Uint32(buf[12:16])),
		Event:      EventType(binary.LittleEndian.Uint32(buf[16:20])),
		RBC:        int64(binary.LittleEndian.Uint64(buf[20:28])),
	}
	regsLen := binary.LittleEndian.Uint32(buf[28:32])
	extraLen := binary.LittleEndian.Uint32(buf[32:36])
	rest := buf[frameHeaderSize:]
	if uint32(len(rest)) < regsLen+extraLen {
		return Frame{}, fmt.Errorf("proc: truncated frame body: want %d got %d", regsLen+extraLen, len(rest))
	}
	if regsLen > 0 {
		f.Regs = append([]byte(nil), rest[:regsLen]...)
	}
	if extraLen > 0 {
		f.ExtraRegs = append([]byte(nil), rest[regsLen:regsLen+extraLen]...)
	}
	return f, nil
}

// carriesExtraRegs reports whether an event variant is one of the two
// spec.md §4.H calls out as always carrying extended registers.
func carriesExtraRegs(sigHandlerEntry, sigreturnExit bool) bool {
	return sigHandlerEntry || sigreturnExit
}

// FlushResult pairs the EV_SYSCALLBUF_FLUSH Frame MaybeFlushSyscallBuf
// produces with the raw blob a trace writer must persist alongside it
// (spec.md §4.E "Flush", §4.H "Event record").
type FlushResult struct {
	Frame Frame
	Raw   RawDataRecord
}

// MaybeFlushSyscallBuf drains t's syscall buffer, if it has one and it has
// pending records, into a single EV_SYSCALLBUF_FLUSH frame plus the raw
// blob backing it (spec.md §4.E's maybe_flush_syscallbuf). It reports
// ok=false when there is nothing to flush, including tasks with no buffer
// at all.
func (c *Controller) MaybeFlushSyscallBuf(t *Task, globalTime uint64, threadTime uint32) (FlushResult, bool, error) {
	buf := t.SyscallBuffer()
	if buf == nil || buf.NumRecBytes() == 0 {
		return FlushResult{}, false, nil
	}

	blob, _, err := buf.Flush()
	if err != nil {
		return FlushResult{}, false, fmt.Errorf("proc: flushing syscall buffer for tid=%d: %w", t.tid, err)
	}

	f := Frame{
		GlobalTime: globalTime,
		ThreadTime: threadTime,
		Tid:        int32(t.tid),
		Event:      EvSyscallbufFlush,
	}
	raw := RawDataRecord{
		Event:      EvSyscallbufFlush,
		GlobalTime: globalTime,
		Bytes:      blob,
	}
	return FlushResult{Frame: f, Raw: raw}, true, nil
}

// RecordEvent builds the Frame for one Task stop. Any pending syscall
// buffer for t is drained first via MaybeFlushSyscallBuf, whose result, if
// any, must be written to the trace before the returned Frame (spec.md
// §4.H "before writing, the buffer is flushed"). sigHandlerEntry/
// sigreturnExit select whether ExtraRegs is populated.
func (c *Controller) RecordEvent(t *Task, globalTime uint64, threadTime uint32, ev EventType, sigHandlerEntry, sigreturnExit bool) (Frame, *FlushResult, error) {
	var flush *FlushResult
	if fr, ok, err := c.MaybeFlushSyscallBuf(t, globalTime, threadTime); err != nil {
		return Frame{}, nil, err
	} else if ok {
		flush = &fr
	}

	regs, err := t.backend.GetRegs()
	if err != nil {
		return Frame{}, nil, err
	}
	t.setRegisters(regs)

	var rbc int64
	if t.perf != nil {
		rbc, err = t.perf.Read()
		if err != nil {
			return Frame{}, nil, fmt.Errorf("proc: reading rbc for tid=%d: %w", t.tid, err)
		}
	}

	f := Frame{
		GlobalTime: globalTime,
		ThreadTime: threadTime,
		Tid:        int32(t.tid),
		Event:      ev,
		RBC:        rbc,
		Regs:       regs.Bytes(),
	}

	if carriesExtraRegs(sigHandlerEntry, sigreturnExit) {
		extra, err := t.backend.GetExtraRegs()
		if err != nil {
			return Frame{}, nil, err
		}
		t.setExtraRegisters(extra)
		f.ExtraRegs = append([]byte(nil), extra.Bytes()...)
	}

	return f, flush, nil
}
