// Package sighandlers implements the per-process signal-disposition table
// (spec.md §4.F): a vector of per-signal entries that is either shared
// across clone siblings or copied on fork, and reset to defaults on exec.
package sighandlers

import (
	"sync"

	"golang.org/x/sys/unix"
)

// NSIG bounds the table; Linux signal numbers run 1..64 (32 standard plus 32
// realtime), we size for the full range and never use index 0.
const NSIG = 65

// Disposition classifies a signal's current handler, independent of the
// raw handler address.
type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionUserHandler
)

// Action mirrors the kernel's sigaction layout closely enough for the
// controller to round-trip it: handler address, flags, restorer, and mask.
type Action struct {
	Handler   uintptr
	Flags     uint64
	Restorer  uintptr
	Mask      uint64
}

func (a Action) disposition() Disposition {
	switch a.Handler {
	case 0: // SIG_DFL
		return DispositionDefault
	case 1: // SIG_IGN
		return DispositionIgnore
	default:
		return DispositionUserHandler
	}
}

// resetOnDelivery reports whether SA_RESETHAND is set.
func (a Action) resetOnDelivery() bool {
	const saResethand = 0x80000000
	return a.Flags&saResethand != 0
}

type entry struct {
	action Action
}

// table is the shared, reference-counted backing array. Clone siblings that
// request CLONE_SHARE_SIGHANDLERS hold a pointer to the very same table;
// everyone else gets an independent copy, which is the cheap
// copy-on-exec/copy-on-fork model design note §9 calls for.
type table struct {
	mu      sync.Mutex
	entries [NSIG]entry
}

// Table is a handle to a (possibly shared) signal-disposition table. The
// zero value is not usable; construct with NewFromHost or Clone.
type Table struct {
	t *table
}

// NewFromHost initializes a table by querying the calling process's own
// current dispositions, as the tracer does at tracee spawn time (spec.md
// §4.F: "Initialized by querying the host process's own dispositions at
// spawn").
func NewFromHost() *Table {
	tb := &table{}
	for sig := 1; sig < NSIG; sig++ {
		if sig == int(unix.SIGKILL) || sig == int(unix.SIGSTOP) {
			continue
		}
		var sa unix.Sigaction
		if err := unix.Sigaction(sig, nil, &sa); err != nil {
			continue
		}
		tb.entries[sig] = entry{action: Action{
			Handler: uintptr(sa.Handler),
			Flags:   uint64(sa.Flags),
		}}
	}
	return &Table{t: tb}
}

// Clone returns a handle according to share: true aliases the same backing
// table (CLONE_SHARE_SIGHANDLERS), false makes a plain byte-for-byte copy
// (fork semantics).
func (h *Table) Clone(share bool) *Table {
	if share {
		return &Table{t: h.t}
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	cp := &table{entries: h.t.entries}
	return &Table{t: cp}
}

// Get returns the current action for sig.
func (h *Table) Get(sig int) Action {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.entries[sig].action
}

// Set installs a new action for sig, as observed at an rt_sigaction
// syscall's exit.
func (h *Table) Set(sig int, a Action) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	h.t.entries[sig].action = a
}

// IsDefault reports whether sig's disposition is SIG_DFL.
func (h *Table) IsDefault(sig int) bool {
	return h.Get(sig).disposition() == DispositionDefault
}

// IsIgnored reports whether sig's disposition is SIG_IGN.
func (h *Table) IsIgnored(sig int) bool {
	return h.Get(sig).disposition() == DispositionIgnore
}

// IsUserHandler reports whether sig has a real, non-default, non-ignore
// handler installed.
func (h *Table) IsUserHandler(sig int) bool {
	return h.Get(sig).disposition() == DispositionUserHandler
}

// ResetUserHandlers restores every entry whose handler is a real user
// address back to default, without touching entries already at default or
// ignore. Called on exec (spec.md §4.D "Exec").
func (h *Table) ResetUserHandlers() {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	for sig := 1; sig < NSIG; sig++ {
		if h.t.entries[sig].action.disposition() == DispositionUserHandler {
			h.t.entries[sig] = entry{}
		}
	}
}

// DeliveryComplete applies the reset-on-delivery flag's effect: if sig's
// entry has SA_RESETHAND set, the entry is reset to default after this
// delivery (spec.md §4.F).
func (h *Table) DeliveryComplete(sig int) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if h.t.entries[sig].action.resetOnDelivery() {
		h.t.entries[sig] = entry{}
	}
}
