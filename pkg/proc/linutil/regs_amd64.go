// Package linutil implements the general-purpose Register View (spec.md
// §4.A) for Linux/amd64: the GETREGS-shaped struct the kernel hands back on
// PTRACE_GETREGS, wrapped to satisfy proc.Registers.
package linutil

import (
	"encoding/binary"
	"fmt"

	"github.com/cgjones/rr/pkg/proc"
)

// AMD64PtraceRegs mirrors struct user_regs_struct from
// <sys/user.h> on linux/amd64, the layout PTRACE_GETREGS/PTRACE_SETREGS
// read and write verbatim.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	OrigRax  uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	FsBase   uint64
	GsBase   uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// regField names one register alongside an accessor/setter pair.
// amd64Fields lists every register in the order the wire protocol and
// Bytes() present them, declared once so Read/Write/Bytes agree on
// spelling and width.
type regField struct {
	name string
	get  func(*AMD64PtraceRegs) uint64
	set  func(*AMD64PtraceRegs, uint64)
}

var amd64Fields = []regField{
	{"rip", func(r *AMD64PtraceRegs) uint64 { return r.Rip }, func(r *AMD64PtraceRegs, v uint64) { r.Rip = v }},
	{"rsp", func(r *AMD64PtraceRegs) uint64 { return r.Rsp }, func(r *AMD64PtraceRegs, v uint64) { r.Rsp = v }},
	{"rbp", func(r *AMD64PtraceRegs) uint64 { return r.Rbp }, func(r *AMD64PtraceRegs, v uint64) { r.Rbp = v }},
	{"rax", func(r *AMD64PtraceRegs) uint64 { return r.Rax }, func(r *AMD64PtraceRegs, v uint64) { r.Rax = v }},
	{"rbx", func(r *AMD64PtraceRegs) uint64 { return r.Rbx }, func(r *AMD64PtraceRegs, v uint64) { r.Rbx = v }},
	{"rcx", func(r *AMD64PtraceRegs) uint64 { return r.Rcx }, func(r *AMD64PtraceRegs, v uint64) { r.Rcx = v }},
	{"rdx", func(r *AMD64PtraceRegs) uint64 { return r.Rdx }, func(r *AMD64PtraceRegs, v uint64) { r.Rdx = v }},
	{"rdi", func(r *AMD64PtraceRegs) uint64 { return r.Rdi }, func(r *AMD64PtraceRegs, v uint64) { r.Rdi = v }},
	{"rsi", func(r *AMD64PtraceRegs) uint64 { return r.Rsi }, func(r *AMD64PtraceRegs, v uint64) { r.Rsi = v }},
	{"r8", func(r *AMD64PtraceRegs) uint64 { return r.R8 }, func(r *AMD64PtraceRegs, v uint64) { r.R8 = v }},
	{"r9", func(r *AMD64PtraceRegs) uint64 { return r.R9 }, func(r *AMD64PtraceRegs, v uint64) { r.R9 = v }},
	{"r10", func(r *AMD64PtraceRegs) uint64 { return r.R10 }, func(r *AMD64PtraceRegs, v uint64) { r.R10 = v }},
	{"r11", func(r *AMD64PtraceRegs) uint64 { return r.R11 }, func(r *AMD64PtraceRegs, v uint64) { r.R11 = v }},
	{"r12", func(r *AMD64PtraceRegs) uint64 { return r.R12 }, func(r *AMD64PtraceRegs, v uint64) { r.R12 = v }},
	{"r13", func(r *AMD64PtraceRegs) uint64 { return r.R13 }, func(r *AMD64PtraceRegs, v uint64) { r.R13 = v }},
	{"r14", func(r *AMD64PtraceRegs) uint64 { return r.R14 }, func(r *AMD64PtraceRegs, v uint64) { r.R14 = v }},
	{"r15", func(r *AMD64PtraceRegs) uint64 { return r.R15 }, func(r *AMD64PtraceRegs, v uint64) { r.R15 = v }},
	{"orig_rax", func(r *AMD64PtraceRegs) uint64 { return r.OrigRax }, func(r *AMD64PtraceRegs, v uint64) { r.OrigRax = v }},
	{"eflags", func(r *AMD64PtraceRegs) uint64 { return r.Eflags }, func(r *AMD64PtraceRegs, v uint64) { r.Eflags = v }},
	{"cs", func(r *AMD64PtraceRegs) uint64 { return r.Cs }, func(r *AMD64PtraceRegs, v uint64) { r.Cs = v }},
	{"ss", func(r *AMD64PtraceRegs) uint64 { return r.Ss }, func(r *AMD64PtraceRegs, v uint64) { r.Ss = v }},
	{"ds", func(r *AMD64PtraceRegs) uint64 { return r.Ds }, func(r *AMD64PtraceRegs, v uint64) { r.Ds = v }},
	{"es", func(r *AMD64PtraceRegs) uint64 { return r.Es }, func(r *AMD64PtraceRegs, v uint64) { r.Es = v }},
	{"fs", func(r *AMD64PtraceRegs) uint64 { return r.Fs }, func(r *AMD64PtraceRegs, v uint64) { r.Fs = v }},
	{"gs", func(r *AMD64PtraceRegs) uint64 { return r.Gs }, func(r *AMD64PtraceRegs, v uint64) { r.Gs = v }},
	{"fs_base", func(r *AMD64PtraceRegs) uint64 { return r.FsBase }, func(r *AMD64PtraceRegs, v uint64) { r.FsBase = v }},
	{"gs_base", func(r *AMD64PtraceRegs) uint64 { return r.GsBase }, func(r *AMD64PtraceRegs, v uint64) { r.GsBase = v }},
}

func findField(name string) (regField, bool) {
	for _, f := range amd64Fields {
		if f.name == name {
			return f, true
		}
	}
	return regField{}, false
}

// AMD64Registers is the general-purpose Register View for one Task: the
// raw kernel struct plus a dirty bit that tracks whether it needs to be
// pushed back to the kernel before the next resume (spec.md §4.A).
type AMD64Registers struct {
	regs  AMD64PtraceRegs
	dirty bool
}

// NewAMD64Registers wraps a freshly-fetched PTRACE_GETREGS snapshot.
func NewAMD64Registers(regs AMD64PtraceRegs) *AMD64Registers {
	return &AMD64Registers{regs: regs}
}

// Raw returns the underlying struct, in the exact layout PTRACE_SETREGS
// expects, for the backend to push to the kernel.
func (r *AMD64Registers) Raw() AMD64PtraceRegs { return r.regs }

// Read returns the little-endian bytes of the named register.
func (r *AMD64Registers) Read(name string) ([]byte, bool) {
	f, ok := findField(name)
	if !ok {
		return nil, false
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, f.get(&r.regs))
	return buf, true
}

// Write sets the named register from little-endian bytes and marks the
// view dirty.
func (r *AMD64Registers) Write(name string, value []byte) error {
	f, ok := findField(name)
	if !ok {
		return fmt.Errorf("linutil: unknown register %q", name)
	}
	if len(value) != 8 {
		return fmt.Errorf("linutil: register %q is 8 bytes wide, got %d", name, len(value))
	}
	f.set(&r.regs, binary.LittleEndian.Uint64(value))
	r.dirty = true
	return nil
}

// PC returns the instruction pointer.
func (r *AMD64Registers) PC() uint64 { return r.regs.Rip }

// SetPC sets the instruction pointer and marks the view dirty.
func (r *AMD64Registers) SetPC(pc uint64) {
	r.regs.Rip = pc
	r.dirty = true
}

// Dirty reports whether any field has been written since the last fetch.
func (r *AMD64Registers) Dirty() bool { return r.dirty }

// Copy returns an independent snapshot, used before a resume invalidates
// the cache that produced it (spec.md invariant: "cached Registers is valid
// only between a ptrace-stop and the next resume").
func (r *AMD64Registers) Copy() proc.Registers {
	cp := *r
	return &cp
}

// ClearDirty marks the view as committed; called by the backend right
// after a successful PTRACE_SETREGS.
func (r *AMD64Registers) ClearDirty() { r.dirty = false }

// Bytes returns every register's little-endian bytes concatenated in
// amd64Fields order, for the event-record encoder.
func (r *AMD64Registers) Bytes() []byte {
	buf := make([]byte, 8*len(amd64Fields))
	for i, f := range amd64Fields {
		binary.LittleEndian.PutUint64(buf[i*8:], f.get(&r.regs))
	}
	return buf
}
