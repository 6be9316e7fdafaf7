// Package hwcounter programs a hardware performance counter that delivers a
// precisely timed asynchronous signal after N retired conditional branches
// ("rbc") — the measure spec.md uses to make replay deterministic between
// syscall events (spec.md §4.C).
package hwcounter

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sys/unix"

	"github.com/cgjones/rr/pkg/logflags"
)

// TimeSliceSignal is the fixed realtime/low-priority signal the rbc counter
// is configured to deliver on overflow. SIGSTKFLT is chosen, matching the
// original tracer, specifically because ordinary Linux programs essentially
// never install a handler for it (spec.md §6).
const TimeSliceSignal = unix.SIGSTKFLT

// The following perf_event_open constants are not exposed by
// golang.org/x/sys/unix (its generator only picks up errno-shaped macros,
// not the perf_event.h type/config enums), so they're named here directly
// from <linux/perf_event.h>.
const (
	perfTypeHardware = 0
	perfTypeSoftware = 1
	perfTypeRaw      = 4

	perfCountSWPageFaults       = 2
	perfCountSWContextSwitches = 3

	attrBitDisabled      = 1 << 0
	attrBitExcludeKernel = 1 << 5
	attrBitExcludeHv     = 1 << 6

	fOwnerTID = 1 // F_OWNER_TID, <linux/fcntl.h>
)

// fOwnerEx mirrors struct f_owner_ex from <linux/fcntl.h> for F_SETOWN_EX.
type fOwnerEx struct {
	Type int32
	PID  int32
}

// rbcEventConfig selects the raw perf_event_open encoding for "retired
// conditional branches, user mode, not precise" by CPU family/model,
// mirroring hpc.cc's get_cpu_type/init_hpc table. Unknown CPUs are a fatal
// configuration error (spec.md §4.C, §7) rather than a silent miscount.
type rbcEventConfig struct {
	eventType   uint32
	eventConfig uint64
}

// selectRBCEvent maps the host CPU, identified via cpuid.CPU (backed by
// github.com/klauspost/cpuid/v2), to the raw perf event encoding for
// retired conditional branches. Family signatures below correspond to the
// Intel microarchitectures the original tracer recognized; anything else is
// a FatalError naming the raw signature so the failure is diagnosable.
func selectRBCEvent() (rbcEventConfig, error) {
	if cpuid.CPU.VendorID != cpuid.Intel {
		return rbcEventConfig{}, &FatalError{Reason: fmt.Sprintf("unsupported CPU vendor %v", cpuid.CPU.VendorID)}
	}
	// Mirrors the raw CPUID.1:EAX signature masked to family/model/extended
	// model bits the original tracer switches on, expressed in terms of the
	// display family/model cpuid.CPU already decodes: extended model in
	// bits 12-15, family in bits 4-7, base model in bits 0-3.
	family := uint32(cpuid.CPU.Family)
	model := uint32(cpuid.CPU.Model)
	sig := ((model >> 4) << 12) | (family << 4) | (model & 0xF)
	switch sig {
	case 0x006f, 0x1066, // Merom
		0x1067, 0x106d: // Penryn
		return rbcEventConfig{}, &FatalError{Reason: fmt.Sprintf("CPU family/model %#x currently unsupported", sig)}
	case 0x106a, 0x106e, 0x206e, // Nehalem
		0x2065, 0x206c, 0x206f, // Westmere
		0x206a, 0x206d, // Sandy Bridge
		0x306a,        // Ivy Bridge
		0x306c, 0x4066: // Haswell
		// BR_INST_RETIRED.CONDITIONAL, raw event select 0xc4 with the
		// CMASK/umask the original tracer's libpfm4 event string resolved
		// to on these families, restricted to user mode (PERF_TYPE_RAW).
		return rbcEventConfig{eventType: perfTypeRaw, eventConfig: 0x5101c4}, nil
	default:
		return rbcEventConfig{}, &FatalError{Reason: fmt.Sprintf("CPU family/model %#x unknown", sig)}
	}
}

// FatalError is spec.md §7's "fatal configuration" class: unknown CPU,
// failed perf-event open. Callers that want process-terminating behavior
// may treat it specially; this package never calls os.Exit itself.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "hwcounter: fatal: " + e.Reason }

// counterFD wraps one perf_event_open fd and the attr that produced it.
type counterFD struct {
	attr unix.PerfEventAttr
	fd   int
}

// Counter is the programmable rbc counter for one Task, plus any optional
// grouped counters opened alongside it with the rbc counter as leader
// (instructions retired, hardware interrupts, page faults, context
// switches).
type Counter struct {
	tid       int
	period    int64
	started   bool
	rbc       counterFD
	extra     []counterFD // optional group members
	withExtra bool
}

// New returns a Counter bound to tid with its attributes encoded but not
// yet opened. withExtra additionally opens the optional instructions/hw-int/
// page-fault/context-switch counters in the same group.
func New(tid int, withExtra bool) (*Counter, error) {
	ev, err := selectRBCEvent()
	if err != nil {
		return nil, err
	}
	c := &Counter{tid: tid, withExtra: withExtra}
	c.rbc.attr = unix.PerfEventAttr{
		Type:   ev.eventType,
		Config: ev.eventConfig,
		Bits:   attrBitDisabled | attrBitExcludeKernel | attrBitExcludeHv,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
	}
	return c, nil
}

func openCounter(attr *unix.PerfEventAttr, tid, groupFD int) (int, error) {
	fd, err := unix.PerfEventOpen(attr, tid, -1, groupFD, 0)
	if err != nil {
		return -1, fmt.Errorf("perf_event_open failed: %w", err)
	}
	return fd, nil
}

func startCounter(tid int, cfd *counterFD, groupFD int) error {
	fd, err := openCounter(&cfd.attr, tid, groupFD)
	if err != nil {
		return err
	}
	cfd.fd = fd
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to start counter: %w", err)
	}
	return nil
}

func (c *Counter) openExtras(groupFD int) error {
	// Instructions retired (raw, hardware), hardware interrupts (raw,
	// hardware), page faults (software), context switches (software).
	defs := []unix.PerfEventAttr{
		{Type: perfTypeRaw, Config: 0x01c0, Bits: attrBitExcludeKernel | attrBitExcludeHv},
		{Type: perfTypeRaw, Config: 0x5301cb, Bits: attrBitExcludeKernel | attrBitExcludeHv},
		{Type: perfTypeSoftware, Config: perfCountSWPageFaults, Bits: attrBitExcludeKernel},
		{Type: perfTypeSoftware, Config: perfCountSWContextSwitches, Bits: attrBitExcludeKernel},
	}
	for i := range defs {
		defs[i].Size = uint32(unsafe.Sizeof(unix.PerfEventAttr{}))
		cfd := counterFD{attr: defs[i]}
		if err := startCounter(c.tid, &cfd, groupFD); err != nil {
			return err
		}
		c.extra = append(c.extra, cfd)
	}
	return nil
}

func (c *Counter) startAll() error {
	c.rbc.attr.Bits &^= attrBitDisabled
	if err := startCounter(c.tid, &c.rbc, -1); err != nil {
		return err
	}
	if c.withExtra {
		if err := c.openExtras(c.rbc.fd); err != nil {
			return err
		}
	}
	if err := c.ownAndArmSignal(); err != nil {
		return err
	}
	c.started = true
	logflags.HWCounterLogger().WithField("tid", c.tid).Debugf("rbc counter armed, period=%d", c.period)
	return nil
}

// ownAndArmSignal attaches the rbc counter's fd to this task via
// F_OWNER_TID, flags it O_ASYNC, and routes its overflow signal to
// TimeSliceSignal (spec.md §4.C).
func (c *Counter) ownAndArmSignal() error {
	owner := fOwnerEx{Type: fOwnerTID, PID: int32(c.tid)}
	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(c.rbc.fd), unix.F_SETOWN_EX, uintptr(unsafe.Pointer(&owner))); errno != 0 {
		return fmt.Errorf("F_SETOWN_EX failed: %w", errno)
	}
	flags, err := unix.FcntlInt(uintptr(c.rbc.fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	if _, err := unix.FcntlInt(uintptr(c.rbc.fd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		return fmt.Errorf("F_SETFL O_ASYNC failed: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.rbc.fd), unix.F_SETSIG, int(TimeSliceSignal)); err != nil {
		return fmt.Errorf("F_SETSIG failed: %w", err)
	}
	return nil
}

func (c *Counter) stopAll() {
	if !c.started {
		return
	}
	unix.IoctlSetInt(c.rbc.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	for _, e := range c.extra {
		unix.IoctlSetInt(e.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	}
}

func (c *Counter) closeAll() {
	if c.rbc.fd != 0 {
		unix.Close(c.rbc.fd)
		c.rbc.fd = 0
	}
	for _, e := range c.extra {
		unix.Close(e.fd)
	}
	c.extra = nil
	c.started = false
}

// Reset reprograms the counter for a new sample period: if running, it is
// stopped and closed first, then reopened and rearmed with the new period
// (spec.md §4.C).
func (c *Counter) Reset(period int64) error {
	if c.started {
		c.stopAll()
		c.closeAll()
	}
	c.period = period
	c.rbc.attr.Sample = uint64(period)
	return c.startAll()
}

// Stop disables the counters without closing their fds.
func (c *Counter) Stop() {
	c.stopAll()
}

// Read returns the raw 64-bit rbc count. Defined only while the counter is
// running; returns 0 otherwise, matching the original's read_counter.
func (c *Counter) Read() (int64, error) {
	if !c.started {
		return 0, nil
	}
	var buf [8]byte
	n, err := unix.Read(c.rbc.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("short read of rbc counter: %d bytes", n)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// FD returns the rbc counter's file descriptor, used to match an incoming
// siginfo's si_fd against "this is an rbc overflow".
func (c *Counter) FD() int {
	return c.rbc.fd
}

// Destroy closes every fd this Counter owns. After Destroy the Counter
// cannot be used again.
func (c *Counter) Destroy() {
	c.stopAll()
	c.closeAll()
}
