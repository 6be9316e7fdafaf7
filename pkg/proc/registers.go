package proc

// Registers is a typed view over a task's general-purpose register file:
// integer GPRs, segment bases, the instruction pointer, and flags. An
// implementation is cached by the owning Task and invalidated on every
// resume.
type Registers interface {
	// Read returns the raw bytes of the named register and whether that
	// name is defined on this architecture.
	Read(name string) (value []byte, defined bool)

	// Write stores the raw bytes of the named register and marks the view
	// dirty; Backend.SetRegs pushes it to the kernel. Write never touches the
	// kernel directly.
	Write(name string, value []byte) error

	// PC and SetPC are a convenience pair onto the "rip"/"pc" register,
	// used constantly enough by the controller to warrant a shortcut.
	PC() uint64
	SetPC(uint64)

	// Dirty reports whether any Write call has happened since the view was
	// fetched or last pushed with Backend.SetRegs.
	Dirty() bool

	// Copy returns an independent snapshot that Write calls on the
	// original won't affect.
	Copy() Registers

	// Bytes returns every named register's little-endian wire bytes,
	// concatenated in the implementation's fixed declared order. Used by
	// the event-record encoder; the exact order is an implementation
	// detail the decoder on the same architecture must agree with.
	Bytes() []byte
}

// ExtraRegisters is the opaque XSAVE-area extended register file. Its size
// is discovered via CPUID and may vary by host; callers should not assume a
// fixed layout across different CPUs.
type ExtraRegisters interface {
	Read(name string) (value []byte, defined bool)
	Write(name string, value []byte) error
	Dirty() bool

	// Bytes returns the raw XSAVE-area bytes, as many as the kernel
	// filled when they were fetched.
	Bytes() []byte
}
