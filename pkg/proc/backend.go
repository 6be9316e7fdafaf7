package proc

import "time"

// ResumeMode selects how a Backend resumes a stopped task, mirroring the
// ptrace resume requests the original tracer issues.
type ResumeMode int

const (
	ResumeCont ResumeMode = iota
	ResumeSingleStep
	ResumeSyscall             // stop at the next syscall boundary (PTRACE_SYSCALL)
	ResumeSyscallEmulate      // sysemu: stop before the syscall executes
	ResumeSyscallEmulateSingleStep
)

func (m ResumeMode) String() string {
	switch m {
	case ResumeCont:
		return "cont"
	case ResumeSingleStep:
		return "single-step"
	case ResumeSyscall:
		return "syscall-boundary"
	case ResumeSyscallEmulate:
		return "syscall-emulate"
	case ResumeSyscallEmulateSingleStep:
		return "syscall-emulate-single-step"
	default:
		return "resume-mode(?)"
	}
}

// WaitMode picks whether Resume blocks for the subsequent status change.
type WaitMode int

const (
	WaitBlocking WaitMode = iota
	WaitNonBlocking
)

// StopKind classifies a WaitStatus the way the controller's state machine
// needs to: every ptrace-stop is exactly one of these.
type StopKind int

const (
	StopUnknown StopKind = iota
	StopExited
	StopKilledBySignal
	StopSyscallEntry
	StopSyscallExit
	StopSignal
	StopPtraceEvent
	StopSeccompEvent
)

// WaitStatus is a Backend-normalized view of a raw OS wait status: enough
// for the controller's state machine to classify the stop without knowing
// the host's exact wait(2) encoding.
type WaitStatus struct {
	Kind        StopKind
	Signal      int   // valid for StopSignal, StopSyscallEntry/Exit carrying a pending signal
	ExitStatus  int   // valid for StopExited
	PtraceEvent int   // valid for StopPtraceEvent (PTRACE_EVENT_* code)
	Raw         int   // raw status word, for stashing/replaying verbatim
}

// Siginfo is the subset of siginfo_t the controller and stash/pop machinery
// need: enough to tell an rbc-overflow delivery from a desched delivery from
// a genuine external signal.
type Siginfo struct {
	Signo int
	Code  int
	FD    int // si_fd, valid when Code == PollIn and the signal came from a perf-event fd
}

const SigCodePollIn = 2 // POLL_IN, matches <asm-generic/siginfo.h>

// Backend is the OS-facing single-task control surface the Task Controller
// drives. One implementation exists per OS/arch (this module ships Linux on
// amd64); it owns exactly the ptrace-shaped primitives the controller needs
// and nothing about trace semantics.
type Backend interface {
	Tid() int

	// Resume issues the requested resume and, if wait is WaitBlocking,
	// blocks for the status change. sig, if nonzero, is injected as the
	// pending signal delivered to the task on resume.
	Resume(mode ResumeMode, wait WaitMode, sig int) error

	// Wait blocks for a status change already in flight (used after a
	// non-blocking Resume, or to collect an asynchronously-delivered
	// signal). It returns false, nil if interrupted by EINTR.
	Wait() (WaitStatus, bool, error)

	// TryWait is Wait's non-blocking counterpart.
	TryWait() (WaitStatus, bool, error)

	GetSiginfo() (Siginfo, error)
	SetSiginfo(Siginfo) error
	GetEventMsg() (uint64, error)

	GetRegs() (Registers, error)
	SetRegs(Registers) error
	GetExtraRegs() (ExtraRegisters, error)
	SetExtraRegs(ExtraRegisters) error

	ReadMemory(addr uintptr, out []byte) (int, error)
	WriteMemory(addr uintptr, data []byte) (int, error)

	// SetDebugRegs programs up to four hardware watchpoints atomically:
	// on any failure the debug register file is left with none enabled.
	SetDebugRegs(regs []WatchConfig) error

	Detach(leaveStopped bool) error
	Kill() error

	Interrupt() error // PTRACE_INTERRUPT, used by the runaway-tracee escape hatch

	// ResetSyscallPhase clears any in-progress syscall-entry/exit tracking.
	// Called after exec, whose completion is reported as a ptrace event
	// rather than the matching syscall-exit stop (spec.md §4.D "Exec").
	ResetSyscallPhase()
}

// WatchConfig describes one hardware watchpoint slot.
type WatchConfig struct {
	Addr   uintptr
	Len    int
	Kind   WatchKind
}

type WatchKind int

const (
	WatchExec WatchKind = iota
	WatchWrite
	WatchReadWrite
)

// RunawayAlarm is the process-wide "who is currently wait()-ing" cell the
// SIGALRM-driven runaway-tracee recovery needs (design note §9: the alarm
// handler runs outside any call context, so it can only reach the waiter
// through a process-wide slot). Only one Task is ever waiting at a time;
// that invariant is enforced by callers of Arm/Disarm, not by this type.
type RunawayAlarm struct {
	mu          chan struct{} // 1-capacity semaphore standing in for a spinlock
	interrupted bool
	waiter      Backend
}

// NewRunawayAlarm returns an unarmed alarm cell.
func NewRunawayAlarm() *RunawayAlarm {
	a := &RunawayAlarm{mu: make(chan struct{}, 1)}
	a.mu <- struct{}{}
	return a
}

// Arm records b as the task currently blocked in Wait, for the duration the
// caller is actually inside a blocking wait.
func (a *RunawayAlarm) Arm(b Backend) {
	<-a.mu
	a.waiter = b
	a.interrupted = false
	a.mu <- struct{}{}
}

// Disarm clears the waiter. It returns whether the alarm fired and forced a
// PTRACE_INTERRUPT while armed, so the caller can decide how to reconcile
// the resulting wait status.
func (a *RunawayAlarm) Disarm() bool {
	<-a.mu
	a.waiter = nil
	fired := a.interrupted
	a.interrupted = false
	a.mu <- struct{}{}
	return fired
}

// Fire is invoked from the SIGALRM handler path. It does the minimum
// possible: issue one PTRACE_INTERRUPT to the current waiter and record
// that it did, resolving the race described in spec.md §4.D in favor of the
// genuine event whenever one is already in flight.
func (a *RunawayAlarm) Fire() {
	<-a.mu
	w := a.waiter
	a.mu <- struct{}{}
	if w == nil {
		return
	}
	if err := w.Interrupt(); err == nil {
		<-a.mu
		a.interrupted = true
		a.mu <- struct{}{}
	}
}

// RunawayAlarmDuration is the wall-clock budget spec.md §4.D grants a task
// between resume and the ptrace-interrupt escape hatch during recording.
const RunawayAlarmDuration = 3 * time.Second
