package proc

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cgjones/rr/pkg/logflags"
	"github.com/cgjones/rr/pkg/proc/hwcounter"
	"github.com/cgjones/rr/pkg/proc/sighandlers"
)

// breakpointOpcode is the trap instruction FinishEmulatedSyscall inserts at
// the current ip when the following instruction is not known idempotent.
// On amd64 this is a single-byte INT3.
var breakpointOpcode = []byte{0xCC}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithRecording toggles the 3-second runaway-tracee alarm escape hatch
// (spec.md §4.D "wait()"): armed during recording, not during replay where
// the counter budget already bounds every resume.
func WithRecording(recording bool) Option {
	return func(c *Controller) { c.recording = recording }
}

// WithAlarmDuration overrides the runaway-tracee alarm's wall-clock budget,
// mainly for tests.
func WithAlarmDuration(d time.Duration) Option {
	return func(c *Controller) { c.alarmDuration = d }
}

// Controller is the Task Controller (spec.md §4.D): the single-threaded
// cooperative driver for every live Task. All tracee state mutation goes
// through one Controller at a time (spec.md §5).
type Controller struct {
	reg           *Registry
	alarm         *RunawayAlarm
	recording     bool
	alarmDuration time.Duration
	bp            *breakpointCache
}

// NewController returns a Controller with an empty registry.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		reg:           NewRegistry(),
		alarm:         NewRunawayAlarm(),
		recording:     true,
		alarmDuration: RunawayAlarmDuration,
		bp:            newBreakpointCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the Task/AddressSpace registry for callers that need to
// enumerate or look up tasks (e.g. the debug server's get_thread_list).
func (c *Controller) Registry() *Registry { return c.reg }

// SpawnRoot registers the root Task of a new process tree: a fresh
// TaskGroup and AddressSpace, a signal table initialized from the host
// process's own dispositions (spec.md §4.F), and the given backend, already
// attached and stopped.
func (c *Controller) SpawnRoot(backend Backend) *Task {
	tid := backend.Tid()
	group := NewTaskGroup(tid, tid)
	group.addMember(tid)
	as := c.reg.NewAddressSpace(tid)
	t := newTask(tid, tid, backend, group, as, sighandlers.NewFromHost())
	c.reg.AddTask(t)
	return t
}

// Resume issues the requested resume (spec.md §4.D "resume"). If
// rbcBudget != 0 the counter is reset to that period first. The register
// cache is invalidated unconditionally, since the kernel may change
// registers underneath any resume mode.
func (c *Controller) Resume(t *Task, mode ResumeMode, wait WaitMode, sig int, rbcBudget int64) (bool, error) {
	if rbcBudget != 0 {
		if t.perf == nil {
			return false, fmt.Errorf("proc: resume with rbc budget but tid=%d has no counter", t.tid)
		}
		if err := t.perf.Reset(rbcBudget); err != nil {
			return false, fmt.Errorf("proc: resetting counter for tid=%d: %w", t.tid, err)
		}
	}

	logflags.ControllerLogger().WithField("tid", t.tid).Debugf("resuming mode=%s wait=%v sig=%d", mode, wait, sig)

	t.invalidateRegisters()
	if err := t.backend.Resume(mode, WaitNonBlocking, sig); err != nil {
		return false, err
	}
	if wait == WaitNonBlocking {
		return true, nil
	}
	return c.Wait(t)
}

// Wait blocks until the OS reports a status change for t (spec.md §4.D
// "wait()"). During recording it arms the 3-second runaway-tracee alarm;
// on expiry the alarm issues one PTRACE_INTERRUPT, and if that interrupt
// (rather than a genuine event) is what actually woke the wait, Wait
// synthesizes the rbc-interrupt stop supplemented feature 3 describes
// instead of trusting the raw group-stop classification.
func (c *Controller) Wait(t *Task) (bool, error) {
	var timer *time.Timer
	if c.recording {
		timer = time.AfterFunc(c.alarmDuration, c.alarm.Fire)
		c.alarm.Arm(t.backend)
	}

	ws, ok, err := t.backend.Wait()

	var fired bool
	if c.recording {
		timer.Stop()
		fired = c.alarm.Disarm()
	}

	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if fired && ws.Kind == StopPtraceEvent {
		ws = c.synthesizeRunawayStop(t)
	}

	t.setWaitStatus(ws)
	return true, nil
}

// runawayStarvePeriod is the rbc sample period synthesizeRunawayStop
// reprograms a recovered task's counter to: large enough that the task
// can't overflow it again for a very long time, discouraging the alarm
// from repeatedly firing on the same offender (supplemented feature 3).
const runawayStarvePeriod = int64(1) << 40

// synthesizeRunawayStop builds the stashed wait status the original
// encodes as (time-slice-signal<<8)|0x7f with si_code=POLL_IN and si_fd set
// to the rbc perf-event fd, invalidates the task's cached registers so the
// next inspection re-fetches rather than trusts state that predates the
// forced interrupt, and starves the task's rbc counter with a huge sample
// period (supplemented feature 3).
func (c *Controller) synthesizeRunawayStop(t *Task) WaitStatus {
	const sigShift = 8
	const stoppedMask = 0x7f
	raw := (int(hwcounter.TimeSliceSignal) << sigShift) | stoppedMask

	fd := -1
	if t.perf != nil {
		fd = t.perf.FD()
		if err := t.perf.Reset(runawayStarvePeriod); err != nil {
			logflags.ControllerLogger().WithField("tid", t.tid).Warnf("starving runaway rbc counter: %v", err)
		}
	}
	si := Siginfo{Signo: int(hwcounter.TimeSliceSignal), Code: SigCodePollIn, FD: fd}
	_ = t.backend.SetSiginfo(si)

	t.invalidateRegisters()

	logflags.ControllerLogger().WithField("tid", t.tid).Warn("runaway tracee recovered via ptrace-interrupt")
	return WaitStatus{Kind: StopSignal, Signal: int(hwcounter.TimeSliceSignal), Raw: raw}
}

// TryWait is Wait's non-blocking counterpart (spec.md §4.D "try_wait()").
func (c *Controller) TryWait(t *Task) (bool, error) {
	ws, ok, err := t.backend.TryWait()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	t.setWaitStatus(ws)
	return true, nil
}

// StashSig saves the task's currently pending signal and its siginfo aside
// for later delivery (spec.md §4.D). Only one signal may be stashed at a
// time; calling it again while one is stashed is a programming error.
func (c *Controller) StashSig(t *Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stashedStatus != nil {
		return fmt.Errorf("proc: tid=%d already has a stashed signal", t.tid)
	}
	si, err := t.backend.GetSiginfo()
	if err != nil {
		return err
	}
	ws := t.waitStatus
	t.stashedStatus = &ws
	t.stashedSiginfo = &si
	return nil
}

// PopStash restores a previously stashed signal as the task's current wait
// status and siginfo, leaving HasStashedSig false afterward.
func (c *Controller) PopStash(t *Task) error {
	t.mu.Lock()
	if t.stashedStatus == nil {
		t.mu.Unlock()
		return fmt.Errorf("proc: tid=%d has no stashed signal", t.tid)
	}
	ws := *t.stashedStatus
	si := *t.stashedSiginfo
	t.stashedStatus = nil
	t.stashedSiginfo = nil
	t.mu.Unlock()

	t.setWaitStatus(ws)
	return t.backend.SetSiginfo(si)
}

// FinishEmulatedSyscall exits an emulated-syscall stop without letting the
// kernel re-execute the instruction after the syscall trap (spec.md §4.D).
// If that instruction is not known idempotent — i.e. the current ip does
// not lie inside the syscallbuf library's traced/untraced code range
// (supplemented feature 4) — it inserts a breakpoint, single-steps over the
// real instruction, removes the breakpoint, restores the saved registers,
// and clears the task's wait status.
func (c *Controller) FinishEmulatedSyscall(t *Task) error {
	regs, err := t.backend.GetRegs()
	if err != nil {
		return err
	}
	saved := regs.Copy()
	pc := regs.PC()

	if t.inSyscallbufLib(uintptr(pc)) {
		return nil
	}

	key := bpKey{tid: t.tid, addr: uintptr(pc)}
	orig, ok := c.bp.c.Get(key)
	if !ok {
		orig = make([]byte, len(breakpointOpcode))
		if _, err := t.backend.ReadMemory(uintptr(pc), orig); err != nil {
			return fmt.Errorf("proc: saving bytes under breakpoint at %#x: %w", pc, err)
		}
		c.bp.c.Add(key, orig)
	}

	if _, err := t.backend.WriteMemory(uintptr(pc), breakpointOpcode); err != nil {
		return fmt.Errorf("proc: inserting breakpoint at %#x: %w", pc, err)
	}

	removeBp := func() error {
		_, err := t.backend.WriteMemory(uintptr(pc), orig)
		return err
	}

	if err := t.backend.Resume(ResumeSingleStep, WaitNonBlocking, 0); err != nil {
		removeBp()
		return err
	}
	if _, _, err := t.backend.Wait(); err != nil {
		removeBp()
		return err
	}

	if err := removeBp(); err != nil {
		return fmt.Errorf("proc: removing breakpoint at %#x: %w", pc, err)
	}

	if err := t.backend.SetRegs(saved); err != nil {
		return fmt.Errorf("proc: restoring registers after emulated syscall: %w", err)
	}
	t.setRegisters(saved)
	t.setWaitStatus(WaitStatus{})
	return nil
}

// MoveIPBeforeBreakpoint decrements the cached ip by the breakpoint
// instruction's length and pushes the change to the kernel (spec.md §4.D).
func (c *Controller) MoveIPBeforeBreakpoint(t *Task) error {
	regs, err := t.backend.GetRegs()
	if err != nil {
		return err
	}
	regs.SetPC(regs.PC() - uint64(len(breakpointOpcode)))
	if err := t.backend.SetRegs(regs); err != nil {
		return err
	}
	t.setRegisters(regs)
	return nil
}

// SetDebugRegs programs up to four hardware watchpoints (spec.md §4.D);
// the backend itself guarantees that any failure leaves no watchpoint
// enabled.
func (c *Controller) SetDebugRegs(t *Task, regs []WatchConfig) error {
	return t.backend.SetDebugRegs(regs)
}

// UpdateSigmask applies a new blocked-signal mask observed at an
// rt_sigprocmask syscall's exit, and re-evaluates the syscall buffer's
// locked bit against whether the desched signal is now blocked
// (supplemented feature 6, spec.md §3 invariant).
func (t *Task) UpdateSigmask(mask uint64, deschedSignal int) {
	t.mu.Lock()
	t.blockedMask = mask
	buf := t.syscallBuf
	t.mu.Unlock()

	if buf == nil {
		return
	}
	blocked := mask&(1<<(uint(deschedSignal)-1)) != 0
	buf.SetLocked(blocked)
}

// HandleExec applies exec's effects to a Task (spec.md §4.D "Exec"): clones
// the signal table and resets user handlers to default, replaces the
// address space, and rederives the process name.
func (c *Controller) HandleExec(t *Task, path string, share bool) {
	t.mu.Lock()
	t.execPath = path
	t.name = truncatedBasename(path)
	t.sigTable = t.sigTable.Clone(share)
	t.mu.Unlock()

	t.sigTable.ResetUserHandlers()

	newAS := c.reg.NewAddressSpace(t.tid)
	t.mu.Lock()
	t.as = newAS
	t.syscallBuf = nil
	t.mu.Unlock()

	t.backend.ResetSyscallPhase()
}

// Clone creates a new Task sharing or copying the parent's address space,
// task group, and signal table according to flags (spec.md §4.D "Clone").
// The new Task inherits the parent's syscallbuf library range and blocked
// mask. cleartid is the address of the CLONE_CHILD_CLEARTID futex the kernel
// installed for the child, or 0 if CloneChildCleartid wasn't requested; TLS
// installation itself remains the caller's responsibility once it has
// injected the corresponding remote syscalls.
func (c *Controller) Clone(parent *Task, flags CloneFlags, backend Backend, newTid int, cleartid uintptr) *Task {
	parent.mu.Lock()
	var group *TaskGroup
	if flags&CloneShareFD != 0 {
		group = parent.group
	} else {
		group = NewTaskGroup(newTid, newTid)
	}

	var as *AddressSpace
	if flags&CloneShareVM != 0 {
		as = parent.as
	} else {
		as = c.reg.NewAddressSpace(newTid)
	}

	sigTable := parent.sigTable.Clone(flags&CloneShareSighandlers != 0)
	blockedMask := parent.blockedMask
	libStart, libEnd := parent.syscallbufLibStart, parent.syscallbufLibEnd
	name := parent.name
	parent.mu.Unlock()

	group.addMember(newTid)

	child := newTask(newTid, newTid, backend, group, as, sigTable)
	child.blockedMask = blockedMask
	child.syscallbufLibStart, child.syscallbufLibEnd = libStart, libEnd
	child.name = name
	if flags&CloneChildCleartid != 0 {
		child.cleartidAddr = cleartid
	}
	c.reg.AddTask(child)
	return child
}

// cleartidPollInterval paces the busy-wait Teardown performs for a
// CLONE_CHILD_CLEARTID futex; short enough not to delay teardown noticeably,
// long enough not to hammer the memory fd.
const cleartidPollInterval = 500 * time.Microsecond

// Teardown destroys a Task's performance counter, unmaps its local
// syscall-buffer copy, detaches from ptrace, waits out any still-shared
// cleartid futex, then reaps the OS task (spec.md §4.D "Teardown"). If the
// task's group is destabilized, reaping is skipped entirely and left to the
// kernel, since another member's wait4 may already be in flight for this
// tid and a second one here could block forever.
func (c *Controller) Teardown(t *Task, leaveStopped bool) error {
	t.mu.Lock()
	perf := t.perf
	buf := t.syscallBuf
	group := t.group
	as := t.as
	cleartid := t.cleartidAddr
	t.mu.Unlock()

	if perf != nil {
		perf.Destroy()
	}
	if buf != nil {
		buf.Close()
	}

	if err := t.backend.Detach(leaveStopped); err != nil {
		return fmt.Errorf("proc: detaching tid=%d: %w", t.tid, err)
	}

	group.removeMember(t.tid)
	c.reg.RemoveTask(t.tid)

	if group.Destabilized() {
		return nil
	}

	if cleartid != 0 && c.reg.AddressSpaceShared(as, t.tid) {
		c.waitCleartid(as, cleartid)
	}

	if _, _, err := t.backend.Wait(); err != nil {
		return fmt.Errorf("proc: reaping tid=%d: %w", t.tid, err)
	}
	return nil
}

// waitCleartid busy-waits until the kernel zeroes the CLONE_CHILD_CLEARTID
// futex word at addr in as, mirroring the original tracer's handling of a
// task whose tid slot is still visible to other threads sharing its address
// space. Any error reading the memory fd ends the wait; there is nothing
// further to recover.
func (c *Controller) waitCleartid(as *AddressSpace, addr uintptr) {
	f, err := as.MemFd()
	if err != nil {
		return
	}
	word := make([]byte, 4)
	for {
		n, err := f.ReadAt(word, int64(addr))
		if err != nil || n < len(word) {
			return
		}
		if binary.LittleEndian.Uint32(word) == 0 {
			return
		}
		time.Sleep(cleartidPollInterval)
	}
}

// RecordSyscallEffects inspects a completed syscall's number, entry
// arguments, and return value to maintain the address-space mapping cache
// for brk, mmap, mprotect, mremap, and munmap (spec.md §4.D "Recording
// side effects"). It must be called at syscall exit, since mmap's mapping
// address is only known once the kernel has chosen it and returned it.
func (c *Controller) RecordSyscallEffects(t *Task, sysno int64, args [6]uint64, ret int64) {
	const (
		sysBrk      = 12
		sysMmap     = 9
		sysMprotect = 10
		sysMunmap   = 11
		sysMremap   = 25
	)
	m := t.as.Mapping()
	switch sysno {
	case sysBrk:
		if ret > 0 {
			m.SetBrk(uintptr(ret))
		}
	case sysMmap:
		if ret > 0 {
			length := uintptr(args[1])
			m.Insert(Mapping{Start: uintptr(ret), End: uintptr(ret) + length, Prot: uint32(args[2])})
		}
	case sysMprotect:
		m.SetProt(uintptr(args[0]), uintptr(args[0])+uintptr(args[1]), uint32(args[2]))
	case sysMunmap:
		m.Remove(uintptr(args[0]), uintptr(args[0])+uintptr(args[1]))
	case sysMremap:
		if ret > 0 {
			m.Remove(uintptr(args[0]), uintptr(args[0])+uintptr(args[1]))
			m.Insert(Mapping{Start: uintptr(ret), End: uintptr(ret) + uintptr(args[2])})
		}
	}
}
