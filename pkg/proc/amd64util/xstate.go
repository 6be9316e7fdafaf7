// Package amd64util implements the extended Register View (spec.md §4.A):
// the opaque XSAVE area, whose size is discovered via CPUID rather than
// assumed fixed.
package amd64util

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// XStateMaxKnownSize bounds the legacy+header+extended area this package
// understands: legacy x87/SSE area (512 bytes) plus the XSAVE header
// (64 bytes) plus room for AVX/AVX-512 extended state.
const XStateMaxKnownSize = 2688

// DiscoverSize returns the XSAVE buffer size to use on the host CPU, chosen
// from its CPUID feature bits: XStateMaxKnownSize when AVX, AVX2 or
// AVX-512F is present, otherwise the legacy FXSAVE size (512 bytes). It does
// not query CPUID leaf 0xd for the exact size.
func DiscoverSize() uint32 {
	if cpuid.CPU.Has(cpuid.AVX512F) || cpuid.CPU.Has(cpuid.AVX2) || cpuid.CPU.Has(cpuid.AVX) {
		return XStateMaxKnownSize
	}
	return 512
}

// AMD64Xstate is the raw extended register buffer for one Task, wrapping
// the bytes PTRACE_GETFPREGS/PTRACE_GETREGSET(NT_X86_XSTATE) returns.
type AMD64Xstate struct {
	buf   []byte
	dirty bool
}

// NewAMD64Xstate wraps a freshly-fetched XSAVE buffer. The buffer is owned
// by the returned value; callers should not reuse it.
func NewAMD64Xstate(buf []byte) *AMD64Xstate {
	return &AMD64Xstate{buf: buf}
}

// Bytes returns the raw extended-state buffer, in the layout
// PTRACE_SETFPREGS/PTRACE_SETREGSET expects.
func (x *AMD64Xstate) Bytes() []byte { return x.buf }

// Read returns the bytes of a named sub-region of the XSAVE area. Only a
// handful of regions are named; most XSAVE consumers want the whole
// buffer via Bytes.
func (x *AMD64Xstate) Read(name string) ([]byte, bool) {
	switch name {
	case "xmm0":
		return sliceAt(x.buf, 160, 16)
	case "mxcsr":
		return sliceAt(x.buf, 24, 4)
	default:
		return nil, false
	}
}

func sliceAt(buf []byte, off, n int) ([]byte, bool) {
	if off+n > len(buf) {
		return nil, false
	}
	return buf[off : off+n], true
}

// Write sets the bytes of a named sub-region and marks the buffer dirty.
func (x *AMD64Xstate) Write(name string, value []byte) error {
	var off, n int
	switch name {
	case "xmm0":
		off, n = 160, 16
	case "mxcsr":
		off, n = 24, 4
	default:
		return fmt.Errorf("amd64util: unknown extended register %q", name)
	}
	if len(value) != n {
		return fmt.Errorf("amd64util: %q is %d bytes wide, got %d", name, n, len(value))
	}
	copy(x.buf[off:off+n], value)
	x.dirty = true
	return nil
}

// Dirty reports whether the buffer has been written since the last fetch.
func (x *AMD64Xstate) Dirty() bool { return x.dirty }

// ClearDirty marks the buffer as committed.
func (x *AMD64Xstate) ClearDirty() { x.dirty = false }
