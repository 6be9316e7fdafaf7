package proc

import "fmt"

// fakeRegisters is a minimal in-memory Registers implementation for tests
// that don't need real ptrace access.
type fakeRegisters struct {
	pc     uint64
	values map[string][]byte
	dirty  bool
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{values: map[string][]byte{"rip": {0, 0, 0, 0, 0, 0, 0, 0}}}
}

func (r *fakeRegisters) Read(name string) ([]byte, bool) {
	v, ok := r.values[name]
	return v, ok
}

func (r *fakeRegisters) Write(name string, value []byte) error {
	r.values[name] = value
	r.dirty = true
	return nil
}

func (r *fakeRegisters) PC() uint64    { return r.pc }
func (r *fakeRegisters) SetPC(v uint64) { r.pc = v }
func (r *fakeRegisters) Dirty() bool   { return r.dirty }

func (r *fakeRegisters) Copy() Registers {
	cp := &fakeRegisters{pc: r.pc, values: make(map[string][]byte, len(r.values))}
	for k, v := range r.values {
		cp.values[k] = append([]byte(nil), v...)
	}
	return cp
}

func (r *fakeRegisters) Bytes() []byte {
	var out []byte
	for _, v := range r.values {
		out = append(out, v...)
	}
	return out
}

type fakeExtraRegisters struct {
	data []byte
}

func (r *fakeExtraRegisters) Read(name string) ([]byte, bool) { return nil, false }
func (r *fakeExtraRegisters) Write(name string, value []byte) error {
	return fmt.Errorf("fakeExtraRegisters: write not supported")
}
func (r *fakeExtraRegisters) Dirty() bool    { return false }
func (r *fakeExtraRegisters) Bytes() []byte { return r.data }

// fakeBackend is an in-memory Backend double driven entirely from test
// expectations, standing in for ptrace.
type fakeBackend struct {
	tid  int
	regs *fakeRegisters

	resumeCalls []ResumeMode
	waitStatus  WaitStatus
	waitOK      bool

	mem map[uintptr][]byte

	detachCalled bool
	killCalled   bool
	interrupted  bool

	inSyscall        bool
	syscallPhaseReset bool
}

func newFakeBackend(tid int) *fakeBackend {
	return &fakeBackend{tid: tid, regs: newFakeRegisters(), mem: make(map[uintptr][]byte), waitOK: true}
}

func (b *fakeBackend) Tid() int { return b.tid }

func (b *fakeBackend) Resume(mode ResumeMode, wait WaitMode, sig int) error {
	b.resumeCalls = append(b.resumeCalls, mode)
	return nil
}

func (b *fakeBackend) Wait() (WaitStatus, bool, error)    { return b.waitStatus, b.waitOK, nil }
func (b *fakeBackend) TryWait() (WaitStatus, bool, error) { return b.waitStatus, b.waitOK, nil }

func (b *fakeBackend) GetSiginfo() (Siginfo, error) { return Siginfo{}, nil }
func (b *fakeBackend) SetSiginfo(Siginfo) error     { return nil }
func (b *fakeBackend) GetEventMsg() (uint64, error) { return 0, nil }

func (b *fakeBackend) GetRegs() (Registers, error) { return b.regs, nil }
func (b *fakeBackend) SetRegs(r Registers) error {
	fr, ok := r.(*fakeRegisters)
	if !ok {
		return fmt.Errorf("fakeBackend: SetRegs with unexpected type %T", r)
	}
	b.regs = fr
	return nil
}
func (b *fakeBackend) GetExtraRegs() (ExtraRegisters, error) {
	return &fakeExtraRegisters{data: []byte{1, 2, 3, 4}}, nil
}
func (b *fakeBackend) SetExtraRegs(ExtraRegisters) error     { return nil }

func (b *fakeBackend) ReadMemory(addr uintptr, out []byte) (int, error) {
	data, ok := b.mem[addr]
	if !ok {
		return 0, fmt.Errorf("fakeBackend: no memory recorded at %#x", addr)
	}
	n := copy(out, data)
	return n, nil
}

func (b *fakeBackend) WriteMemory(addr uintptr, data []byte) (int, error) {
	b.mem[addr] = append([]byte(nil), data...)
	return len(data), nil
}

func (b *fakeBackend) SetDebugRegs(regs []WatchConfig) error { return nil }

func (b *fakeBackend) Detach(leaveStopped bool) error { b.detachCalled = true; return nil }
func (b *fakeBackend) Kill() error                    { b.killCalled = true; return nil }
func (b *fakeBackend) Interrupt() error                { b.interrupted = true; return nil }

func (b *fakeBackend) ResetSyscallPhase() {
	b.inSyscall = false
	b.syscallPhaseReset = true
}
