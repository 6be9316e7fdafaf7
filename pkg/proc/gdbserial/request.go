package gdbserial

import "fmt"

// FatalError marks a protocol condition spec.md §7 classifies as
// "Protocol fatal": the server cannot continue serving this client (an
// all-stop resume request, or an unsupported QNonStop value).
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "gdbserial: " + e.Reason }

// RequestKind enumerates every request the server can surface to the
// driver (spec.md §4.G). Requests the server answers itself — qSupported,
// qAttached, qTStatus, qSymbol, qThreadExtraInfo, QStartNoAckMode,
// QNonStop, vCont?, vStopped, H, and the memory-write variants G/M/X/P —
// never produce a Request value. qC, qfThreadInfo/qsThreadInfo, and
// qOffsets are registry-backed and always surface a Request.
type RequestKind int

const (
	ReqContinue RequestKind = iota
	ReqStep
	ReqInterrupt
	ReqGetCurrentThread
	ReqGetThreadList
	ReqIsThreadAlive
	ReqGetRegs
	ReqGetReg
	ReqGetMem
	ReqSetBreak
	ReqRemoveBreak
	ReqGetStopReason
	ReqGetOffsets
	ReqSetContinueThread
	ReqSetQueryThread
)

func (k RequestKind) String() string {
	switch k {
	case ReqContinue:
		return "continue"
	case ReqStep:
		return "step"
	case ReqInterrupt:
		return "interrupt"
	case ReqGetCurrentThread:
		return "get_current_thread"
	case ReqGetThreadList:
		return "get_thread_list"
	case ReqIsThreadAlive:
		return "is_thread_alive"
	case ReqGetRegs:
		return "get_regs"
	case ReqGetReg:
		return "get_reg"
	case ReqGetMem:
		return "get_mem"
	case ReqSetBreak:
		return "set_break"
	case ReqRemoveBreak:
		return "remove_break"
	case ReqGetStopReason:
		return "get_stop_reason"
	case ReqGetOffsets:
		return "get_offsets"
	case ReqSetContinueThread:
		return "set_continue_thread"
	case ReqSetQueryThread:
		return "set_query_thread"
	default:
		return fmt.Sprintf("request(%d)", int(k))
	}
}

// BreakKind names the five set/remove break variants spec.md §4.G calls
// out: software breakpoint, hardware breakpoint, and the three watchpoint
// access modes.
type BreakKind int

const (
	BreakSoftware BreakKind = iota
	BreakHardware
	BreakWatchWrite
	BreakWatchRead
	BreakWatchAccess
)

// Request is the thin structure the server hands to a replay driver
// (spec.md §4.G "Contract with the rest of the core").
type Request struct {
	Kind RequestKind

	Thread int // target thread id, for kinds that need one

	RegNum int    // ReqGetReg
	Addr   uintptr // ReqGetMem, ReqSetBreak, ReqRemoveBreak
	Len    int     // ReqGetMem, ReqSetBreak, ReqRemoveBreak

	Break BreakKind // ReqSetBreak, ReqRemoveBreak
}

// IsResume reports whether r is one of the resume-family requests that,
// once answered OK, hands control back to the driver until a notify_* call
// produces the eventual stop reply (spec.md §4.G).
func (r Request) IsResume() bool {
	switch r.Kind {
	case ReqContinue, ReqStep, ReqInterrupt:
		return true
	default:
		return false
	}
}
