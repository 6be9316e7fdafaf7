// Package native implements the Task Controller's OS-facing half
// (spec.md §4.D) for Linux/amd64: a proc.Backend built directly on ptrace.
package native

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cgjones/rr/pkg/proc"
	"github.com/cgjones/rr/pkg/proc/amd64util"
	"github.com/cgjones/rr/pkg/proc/linutil"
)

// ptraceOptions is the fixed option mask the tracer installs on every task
// at attach/clone time (spec.md §6 "Environment contract").
const ptraceOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEVFORKDONE |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACESECCOMP |
	unix.PTRACE_O_EXITKILL

// Backend is the ptrace-backed proc.Backend for one OS task.
type Backend struct {
	tid     int
	running bool

	// inSyscall tracks whether the last SIGTRAP|0x80 stop classified was a
	// syscall-entry; PTRACE_SYSCALL delivers that same stop signal at both
	// entry and exit, so classify toggles this to tell them apart
	// (spec.md §4.D state machine).
	inSyscall bool
}

// New returns a Backend for an already-stopped tid (attached or freshly
// cloned with PTRACE_TRACEME already in effect).
func New(tid int) *Backend {
	return &Backend{tid: tid}
}

func (b *Backend) Tid() int { return b.tid }

// SetOptions installs the fixed ptrace option mask. Called once, right
// after attach/seize.
func (b *Backend) SetOptions() error {
	return unix.PtraceSetOptions(b.tid, ptraceOptions)
}

func (b *Backend) Resume(mode proc.ResumeMode, wait proc.WaitMode, sig int) error {
	var err error
	switch mode {
	case proc.ResumeCont:
		err = unix.PtraceCont(b.tid, sig)
	case proc.ResumeSingleStep:
		err = ptraceSingleStepSig(b.tid, sig)
	case proc.ResumeSyscall:
		err = unix.PtraceSyscall(b.tid, sig)
	case proc.ResumeSyscallEmulate:
		err = ptraceSysemu(b.tid, sig)
	case proc.ResumeSyscallEmulateSingleStep:
		err = ptraceSysemuSingleStep(b.tid, sig)
	default:
		return fmt.Errorf("native: unknown resume mode %v", mode)
	}
	if err != nil {
		return fmt.Errorf("native: resume tid=%d mode=%v: %w", b.tid, mode, err)
	}
	b.running = true
	if wait == proc.WaitBlocking {
		_, ok, werr := b.Wait()
		if werr != nil {
			return werr
		}
		if !ok {
			return nil
		}
	}
	return nil
}

func (b *Backend) Wait() (proc.WaitStatus, bool, error) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(b.tid, &ws, 0, nil)
	if err == unix.EINTR {
		return proc.WaitStatus{}, false, nil
	}
	if err != nil {
		return proc.WaitStatus{}, false, err
	}
	b.running = false
	return b.classify(ws), true, nil
}

func (b *Backend) TryWait() (proc.WaitStatus, bool, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(b.tid, &ws, unix.WNOHANG, nil)
	if err == unix.EINTR {
		return proc.WaitStatus{}, false, nil
	}
	if err != nil {
		return proc.WaitStatus{}, false, err
	}
	if wpid == 0 {
		return proc.WaitStatus{}, false, nil
	}
	b.running = false
	return b.classify(ws), true, nil
}

// ResetSyscallPhase clears the entry/exit toggle classify maintains. Exec
// replaces the task image without ever delivering the matching
// syscall-exit stop for the execve that triggered it (the kernel reports
// exec's completion as PTRACE_EVENT_EXEC instead), so the toggle must be
// rearmed or the next real syscall after exec is misclassified
// (spec.md §4.D "Exec").
func (b *Backend) ResetSyscallPhase() {
	b.inSyscall = false
}

// classify turns a raw wait(2) status into the controller-normalized
// proc.WaitStatus (spec.md §4.D state machine). PTRACE_SYSCALL stops
// (SIGTRAP|0x80) carry no entry/exit bit of their own, so classify tracks
// the phase itself: the first such stop after a resume is entry, the next
// is exit.
func (b *Backend) classify(ws unix.WaitStatus) proc.WaitStatus {
	raw := int(ws)
	switch {
	case ws.Exited():
		return proc.WaitStatus{Kind: proc.StopExited, ExitStatus: ws.ExitStatus(), Raw: raw}
	case ws.Signaled():
		return proc.WaitStatus{Kind: proc.StopKilledBySignal, Signal: int(ws.Signal()), Raw: raw}
	case ws.Stopped():
		sig := ws.StopSignal()
		if sig == unix.SIGTRAP|0x80 {
			b.inSyscall = !b.inSyscall
			if b.inSyscall {
				return proc.WaitStatus{Kind: proc.StopSyscallEntry, Raw: raw}
			}
			return proc.WaitStatus{Kind: proc.StopSyscallExit, Raw: raw}
		}
		if trapCause := ws.TrapCause(); sig == unix.SIGTRAP && trapCause > 0 {
			return proc.WaitStatus{Kind: proc.StopPtraceEvent, PtraceEvent: trapCause, Raw: raw}
		}
		return proc.WaitStatus{Kind: proc.StopSignal, Signal: int(sig), Raw: raw}
	default:
		return proc.WaitStatus{Kind: proc.StopUnknown, Raw: raw}
	}
}

func (b *Backend) GetSiginfo() (proc.Siginfo, error) {
	var raw unix.Siginfo
	if err := ptraceGetSiginfo(b.tid, &raw); err != nil {
		return proc.Siginfo{}, err
	}
	return decodeSiginfo(raw), nil
}

func (b *Backend) SetSiginfo(si proc.Siginfo) error {
	raw := encodeSiginfo(si)
	return ptraceSetSiginfo(b.tid, &raw)
}

func (b *Backend) GetEventMsg() (uint64, error) {
	msg, err := unix.PtraceGetEventMsg(b.tid)
	return uint64(msg), err
}

func (b *Backend) GetRegs() (proc.Registers, error) {
	var raw unix.PtraceRegsAmd64
	if err := unix.PtraceGetRegsAmd64(b.tid, &raw); err != nil {
		return nil, fmt.Errorf("native: PTRACE_GETREGS tid=%d: %w", b.tid, err)
	}
	regs := *(*linutil.AMD64PtraceRegs)(unsafe.Pointer(&raw))
	return linutil.NewAMD64Registers(regs), nil
}

func (b *Backend) SetRegs(r proc.Registers) error {
	ar, ok := r.(*linutil.AMD64Registers)
	if !ok {
		return fmt.Errorf("native: SetRegs given non-amd64 Registers %T", r)
	}
	raw := ar.Raw()
	if err := unix.PtraceSetRegsAmd64(b.tid, (*unix.PtraceRegsAmd64)(unsafe.Pointer(&raw))); err != nil {
		return fmt.Errorf("native: PTRACE_SETREGS tid=%d: %w", b.tid, err)
	}
	ar.ClearDirty()
	return nil
}

const nt_X86_XSTATE = 0x202

func (b *Backend) GetExtraRegs() (proc.ExtraRegisters, error) {
	size := amd64util.DiscoverSize()
	buf := make([]byte, size)
	n, err := ptraceGetRegset(b.tid, nt_X86_XSTATE, buf)
	if err != nil {
		return nil, fmt.Errorf("native: PTRACE_GETREGSET(NT_X86_XSTATE) tid=%d: %w", b.tid, err)
	}
	return amd64util.NewAMD64Xstate(buf[:n]), nil
}

func (b *Backend) SetExtraRegs(r proc.ExtraRegisters) error {
	xs, ok := r.(*amd64util.AMD64Xstate)
	if !ok {
		return fmt.Errorf("native: SetExtraRegs given non-amd64 ExtraRegisters %T", r)
	}
	if err := ptraceSetRegset(b.tid, nt_X86_XSTATE, xs.Bytes()); err != nil {
		return fmt.Errorf("native: PTRACE_SETREGSET(NT_X86_XSTATE) tid=%d: %w", b.tid, err)
	}
	xs.ClearDirty()
	return nil
}

func (b *Backend) ReadMemory(addr uintptr, out []byte) (int, error) {
	n, err := unix.PtracePeekData(b.tid, addr, out)
	if err != nil {
		return n, fmt.Errorf("native: PTRACE_PEEKDATA tid=%d addr=%#x: %w", b.tid, addr, err)
	}
	return n, nil
}

func (b *Backend) WriteMemory(addr uintptr, data []byte) (int, error) {
	n, err := unix.PtracePokeData(b.tid, addr, data)
	if err != nil {
		return n, fmt.Errorf("native: PTRACE_POKEDATA tid=%d addr=%#x: %w", b.tid, addr, err)
	}
	return n, nil
}

func (b *Backend) SetDebugRegs(regs []proc.WatchConfig) error {
	if len(regs) > 4 {
		pokeDebugReg(b.tid, 7, 0)
		return fmt.Errorf("native: at most 4 watchpoints, got %d", len(regs))
	}
	var dr7 uint64
	addrs := [4]uint64{}
	for i, r := range regs {
		addrs[i] = uint64(r.Addr)
		var rw uint64
		switch r.Kind {
		case proc.WatchExec:
			rw = 0
		case proc.WatchWrite:
			rw = 1
		case proc.WatchReadWrite:
			rw = 3
		}
		var lenBits uint64
		switch r.Len {
		case 1:
			lenBits = 0
		case 2:
			lenBits = 1
		case 8:
			lenBits = 2
		case 4:
			lenBits = 3
		default:
			pokeDebugReg(b.tid, 7, 0)
			return fmt.Errorf("native: unsupported watchpoint length %d", r.Len)
		}
		dr7 |= 1 << uint(i*2)                      // local enable
		dr7 |= (rw | lenBits<<2) << uint(16+i*4)    // R/W and LEN fields
	}
	// Write all address registers first, DR7 last and only if every write
	// so far succeeded, so a mid-sequence failure leaves no watchpoint
	// armed (spec.md §4.D SetDebugRegs contract).
	for i, a := range addrs {
		if i >= len(regs) {
			a = 0
		}
		if err := pokeDebugReg(b.tid, i, a); err != nil {
			pokeDebugReg(b.tid, 7, 0)
			return fmt.Errorf("native: writing DR%d: %w", i, err)
		}
	}
	if err := pokeDebugReg(b.tid, 7, dr7); err != nil {
		pokeDebugReg(b.tid, 7, 0)
		return fmt.Errorf("native: writing DR7: %w", err)
	}
	return nil
}

func (b *Backend) Detach(leaveStopped bool) error {
	sig := 0
	if !leaveStopped {
		sig = int(unix.SIGCONT)
	}
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(b.tid), 1, uintptr(sig), 0, 0)
	if e != 0 {
		return e
	}
	return nil
}

// Kill always sends SIGKILL, matching the original tracer's Task::kill,
// regardless of what a general signal-delivery helper might otherwise take
// as an argument.
func (b *Backend) Kill() error {
	return unix.Tgkill(b.tid, b.tid, unix.SIGKILL)
}

func (b *Backend) Interrupt() error {
	return unix.PtraceInterrupt(b.tid)
}

func ptraceSingleStepSig(tid, sig int) error {
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(tid), 0, uintptr(sig), 0, 0)
	if e != 0 {
		return e
	}
	return nil
}

// PTRACE_SYSEMU and PTRACE_SYSEMU_SINGLESTEP are Linux/x86-only ptrace
// requests not exposed by golang.org/x/sys/unix; issued directly.
const (
	ptraceSysemuReq            = 31
	ptraceSysemuSingleStepReq  = 32
)

func ptraceSysemu(tid, sig int) error {
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, ptraceSysemuReq, uintptr(tid), 0, uintptr(sig), 0, 0)
	if e != 0 {
		return e
	}
	return nil
}

func ptraceSysemuSingleStep(tid, sig int) error {
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, ptraceSysemuSingleStepReq, uintptr(tid), 0, uintptr(sig), 0, 0)
	if e != 0 {
		return e
	}
	return nil
}

func ptraceGetSiginfo(tid int, out *unix.Siginfo) error {
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(out)), 0, 0)
	if e != 0 {
		return e
	}
	return nil
}

func ptraceSetSiginfo(tid int, in *unix.Siginfo) error {
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(in)), 0, 0)
	if e != 0 {
		return e
	}
	return nil
}

// siPollFdOffset is the offset of si_fd within the POLL-specific union
// member of siginfo_t on linux/amd64: si_band is a long at offset 16,
// si_fd the int that follows it at offset 24.
const siPollFdOffset = 24

func decodeSiginfo(raw unix.Siginfo) proc.Siginfo {
	si := proc.Siginfo{Signo: int(raw.Signo), Code: int(raw.Code)}
	if si.Code == proc.SigCodePollIn {
		si.FD = int(*(*int32)(unsafe.Pointer(uintptr(unsafe.Pointer(&raw)) + siPollFdOffset)))
	}
	return si
}

func encodeSiginfo(si proc.Siginfo) unix.Siginfo {
	raw := unix.Siginfo{Signo: int32(si.Signo), Code: int32(si.Code)}
	if si.Code == proc.SigCodePollIn {
		*(*int32)(unsafe.Pointer(uintptr(unsafe.Pointer(&raw)) + siPollFdOffset)) = int32(si.FD)
	}
	return raw
}

type iovec struct {
	base uintptr
	len  uint64
}

func ptraceGetRegset(tid, typ int, buf []byte) (int, error) {
	iov := iovec{base: uintptr(unsafe.Pointer(&buf[0])), len: uint64(len(buf))}
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET, uintptr(tid), uintptr(typ), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if e != 0 {
		return 0, e
	}
	return int(iov.len), nil
}

func ptraceSetRegset(tid, typ int, buf []byte) error {
	iov := iovec{base: uintptr(unsafe.Pointer(&buf[0])), len: uint64(len(buf))}
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SETREGSET, uintptr(tid), uintptr(typ), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if e != 0 {
		return e
	}
	return nil
}

func pokeDebugReg(tid, i int, v uint64) error {
	const debugRegUserOffset = 848
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_POKEUSR, uintptr(tid), uintptr(debugRegUserOffset+i*8), uintptr(v), 0, 0)
	if e != 0 {
		return e
	}
	return nil
}
