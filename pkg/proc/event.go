package proc

import "fmt"

// EventType tags the payload carried by an Event. The event stack never
// relies on type assertions across a shared interface; every Event carries
// its own Type and the fields for every variant, mirroring the original
// tracer's tagged Event (most fields are zero for variants that don't use
// them, which is cheap and keeps the stack a plain value slice).
type EventType int

const (
	// EvSentinel is always present at the base of a Task's event stack.
	EvSentinel EventType = iota
	EvSyscallEntry
	EvSyscallProcessing
	EvSyscallExit
	EvSyscallInterruption
	EvSignalDelivery
	EvSignalHandler
	EvDesched
	EvSyscallbufFlush
	EvNoop
)

func (t EventType) String() string {
	switch t {
	case EvSentinel:
		return "sentinel"
	case EvSyscallEntry:
		return "syscall-entry"
	case EvSyscallProcessing:
		return "syscall-processing"
	case EvSyscallExit:
		return "syscall-exit"
	case EvSyscallInterruption:
		return "syscall-interruption"
	case EvSignalDelivery:
		return "signal-delivery"
	case EvSignalHandler:
		return "signal-handler"
	case EvDesched:
		return "desched"
	case EvSyscallbufFlush:
		return "syscallbuf-flush"
	case EvNoop:
		return "noop"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a single entry on a Task's pending-event stack.
type Event struct {
	Type EventType

	// Syscall payload (EvSyscallEntry/Processing/Exit/Interruption).
	SyscallNo   int
	SyscallRegs Registers

	// Signal payload (EvSignalDelivery/EvSignalHandler).
	Signal int

	// Desched payload (EvDesched) — offset of the syscallbuf record that
	// triggered the desched notification, or -1 if none.
	DeschedRecordOffset int
}

// EventStack is a stack of pending events per Task, with no fixed depth
// limit. It always
// contains a sentinel at its base; popping asserts the expected variant is
// on top, matching the original tracer's invariant that a caller always
// knows what it's popping.
type EventStack struct {
	events []Event
}

// NewEventStack returns a stack with the mandatory sentinel already pushed.
func NewEventStack() *EventStack {
	return &EventStack{events: []Event{{Type: EvSentinel}}}
}

// Push adds ev to the top of the stack.
func (s *EventStack) Push(ev Event) {
	s.events = append(s.events, ev)
}

// Top returns the event currently on top of the stack. The sentinel base
// guarantees this never operates on an empty stack.
func (s *EventStack) Top() Event {
	return s.events[len(s.events)-1]
}

// Pop removes and returns the top event, asserting it has type want. A
// mismatch is a programming error in the caller — the controller always
// knows what kind of event it pushed and is popping.
func (s *EventStack) Pop(want EventType) Event {
	top := s.events[len(s.events)-1]
	if top.Type != want {
		panic(fmt.Sprintf("event stack: popped %s, expected %s", top.Type, want))
	}
	if len(s.events) == 1 {
		panic("event stack: cannot pop the sentinel")
	}
	s.events = s.events[:len(s.events)-1]
	return top
}

// Depth returns the number of events on the stack, including the sentinel.
func (s *EventStack) Depth() int {
	return len(s.events)
}

// AtMayRestartSyscall reports whether the task is stopped in a state from
// which a restarted syscall could be observed next: either directly at a
// syscall interruption, or at a signal delivery whose predecessor event was
// a syscall interruption.
func (s *EventStack) AtMayRestartSyscall() bool {
	top := s.Top()
	if top.Type == EvSyscallInterruption {
		return true
	}
	if top.Type == EvSignalDelivery && len(s.events) >= 2 {
		prev := s.events[len(s.events)-2]
		return prev.Type == EvSyscallInterruption
	}
	return false
}
