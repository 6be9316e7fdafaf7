package proc

import (
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cgjones/rr/pkg/proc/hwcounter"
	"github.com/cgjones/rr/pkg/proc/sighandlers"
	"github.com/cgjones/rr/pkg/proc/syscallbuf"
)

// breakpointCacheSize bounds the saved-original-bytes cache FinishEmulatedSyscall
// uses for its internal software breakpoint: one entry per (tid, addr) pair
// actually in flight at once is the steady-state size, this just caps the
// pathological case of a task hammering many distinct addresses.
const breakpointCacheSize = 256

type bpKey struct {
	tid  int
	addr uintptr
}

// Task is a single traced kernel-scheduled execution context (spec.md §3).
// It is looked up from a Controller's registry by tid; callers never hold a
// *Task across a resume/wait pair they didn't themselves drive.
type Task struct {
	mu sync.Mutex

	tid    int
	recTid int

	group *TaskGroup
	as    *AddressSpace

	backend Backend

	perf *hwcounter.Counter

	regs      Registers
	extraRegs ExtraRegisters

	syscallBuf *syscallbuf.Buffer
	sigTable   *sighandlers.Table

	events *EventStack

	blockedMask uint64

	waitStatus WaitStatus

	stashedStatus  *WaitStatus
	stashedSiginfo *Siginfo

	execPath string
	name     string

	syscallbufLibStart, syscallbufLibEnd uintptr // traced/untraced syscallbuf code range, for the idempotence test

	cleartidAddr uintptr // CLONE_CHILD_CLEARTID futex the kernel zeroes at task exit, 0 if unset
}

// newTask wires up the fixed per-Task state; it does not touch the OS. recTid
// equals tid during recording; replay assigns it from the trace.
func newTask(tid, recTid int, backend Backend, group *TaskGroup, as *AddressSpace, sigTable *sighandlers.Table) *Task {
	return &Task{
		tid:      tid,
		recTid:   recTid,
		backend:  backend,
		group:    group,
		as:       as,
		sigTable: sigTable,
		events:   NewEventStack(),
	}
}

func (t *Task) Tid() int    { return t.tid }
func (t *Task) RecTid() int { return t.recTid }

func (t *Task) Group() *TaskGroup       { return t.group }
func (t *Task) AddressSpace() *AddressSpace { return t.as }
func (t *Task) Backend() Backend        { return t.backend }
func (t *Task) SigTable() *sighandlers.Table { return t.sigTable }
func (t *Task) Events() *EventStack     { return t.events }
func (t *Task) SyscallBuffer() *syscallbuf.Buffer { return t.syscallBuf }

// SetSyscallBuffer attaches (or clears, with nil) the syscall buffer this
// task shares with the tracer.
func (t *Task) SetSyscallBuffer(b *syscallbuf.Buffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syscallBuf = b
}

// SetPerfCounter attaches this task's rbc counter, created separately since
// its construction can fail loudly on an unrecognized CPU (spec.md §4.C).
func (t *Task) SetPerfCounter(c *hwcounter.Counter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perf = c
}

func (t *Task) PerfCounter() *hwcounter.Counter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perf
}

// SetSyscallbufLibRange records the address range of the preloaded
// syscallbuf helper's traced/untraced syscall trampolines, used by
// FinishEmulatedSyscall's idempotence test (supplemented feature 4).
func (t *Task) SetSyscallbufLibRange(start, end uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syscallbufLibStart, t.syscallbufLibEnd = start, end
}

// SetCleartidAddr records the address of the CLONE_CHILD_CLEARTID futex
// installed for this task, so Teardown knows where to busy-wait for the
// kernel to clear it (spec.md §4.D "Clone"/"Teardown").
func (t *Task) SetCleartidAddr(addr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleartidAddr = addr
}

func (t *Task) CleartidAddr() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleartidAddr
}

func (t *Task) inSyscallbufLib(pc uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syscallbufLibStart != 0 && pc >= t.syscallbufLibStart && pc < t.syscallbufLibEnd
}

// Registers returns the cached register view, valid only between a
// ptrace-stop and the next resume (spec.md §3 invariant).
func (t *Task) Registers() Registers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs
}

func (t *Task) setRegisters(r Registers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs = r
}

func (t *Task) ExtraRegisters() ExtraRegisters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extraRegs
}

func (t *Task) setExtraRegisters(r ExtraRegisters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extraRegs = r
}

// invalidateRegisters drops the cached views after a resume; the next
// inspection must re-fetch from the kernel.
func (t *Task) invalidateRegisters() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs = nil
	t.extraRegs = nil
}

func (t *Task) WaitStatus() WaitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitStatus
}

func (t *Task) setWaitStatus(ws WaitStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitStatus = ws
}

// HasStashedSig reports whether a signal is currently stashed for later
// delivery (spec.md §3 invariant: present iff stashed_wait_status != 0).
func (t *Task) HasStashedSig() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stashedStatus != nil
}

// BlockedMask returns the task's current blocked-signal mask.
func (t *Task) BlockedMask() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedMask
}

// Name returns the recorded process name (basename of exe, truncated to 15
// bytes, spec.md §4.D "Exec").
func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Task) ExecPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execPath
}

func truncatedBasename(exe string) string {
	name := filepath.Base(exe)
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// CloneFlags is the subset of clone(2) flags the controller interprets
// (spec.md §4.D "Clone"); bit values match the kernel's.
type CloneFlags uint64

const (
	CloneShareVM          CloneFlags = 0x00000100
	CloneShareFD          CloneFlags = 0x00000400
	CloneShareSighandlers CloneFlags = 0x00000800
	CloneSetTLS           CloneFlags = 0x00080000
	CloneChildCleartid    CloneFlags = 0x00200000
)

// Registry owns every live Task and AddressSpace by id, breaking the
// Task<->AddressSpace cyclic-ownership problem per design note §9: a Task
// holds a pointer to its AddressSpace, but an AddressSpace holds no
// reference back to its Tasks; which Tasks share one is answered by
// scanning this registry (AddressSpaceShared).
type Registry struct {
	mu        sync.Mutex
	tasks     map[int]*Task
	spaces    map[int]*AddressSpace
	nextASID  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[int]*Task),
		spaces: make(map[int]*AddressSpace),
	}
}

// NewAddressSpace allocates and registers a fresh AddressSpace for leaderTid.
func (r *Registry) NewAddressSpace(leaderTid int) *AddressSpace {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextASID++
	as := NewAddressSpace(r.nextASID, leaderTid)
	r.spaces[as.ID()] = as
	return as
}

// AddTask registers a fully constructed Task.
func (r *Registry) AddTask(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.tid] = t
}

// RemoveTask drops a Task from the registry, e.g. after reaping.
func (r *Registry) RemoveTask(tid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, tid)
}

// Task looks up a live Task by tid.
func (r *Registry) Task(tid int) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[tid]
	return t, ok
}

// Tasks returns every currently registered Task. Order is unspecified.
func (r *Registry) Tasks() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// AddressSpaceShared reports whether any registered task other than
// excludeTid still references as, used by Teardown to decide whether a
// cleartid futex can possibly still be touched by the kernel on this task's
// behalf (spec.md §4.D "Teardown").
func (r *Registry) AddressSpaceShared(as *AddressSpace, excludeTid int) bool {
	if as == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for tid, t := range r.tasks {
		if tid == excludeTid {
			continue
		}
		if other := t.AddressSpace(); other != nil && other.ID() == as.ID() {
			return true
		}
	}
	return false
}

// breakpointCache is the bounded (tid, addr) -> saved-original-bytes cache
// FinishEmulatedSyscall uses, so repeated software-breakpoint insertion at
// the same address doesn't re-read tracee memory it already knows.
type breakpointCache struct {
	c *lru.Cache[bpKey, []byte]
}

func newBreakpointCache() *breakpointCache {
	c, err := lru.New[bpKey, []byte](breakpointCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// breakpointCacheSize never is.
		panic(fmt.Sprintf("proc: breakpoint cache: %v", err))
	}
	return &breakpointCache{c: c}
}
