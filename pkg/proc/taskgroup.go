package proc

import "sync"

// TaskGroup is the set of Tasks sharing a thread-group leader's id. It
// carries the exit code observed for the group and a "destabilized" flag
// set during group-wide death, after which the scheduler must stop blocking
// on individual members (spec.md §3).
type TaskGroup struct {
	mu sync.Mutex

	TGID     int
	RealTGID int

	exitCode     int
	destabilized bool

	members map[int]struct{} // tids, keyed for membership checks only
}

// NewTaskGroup creates an empty group rooted at tgid/realTGID.
func NewTaskGroup(tgid, realTGID int) *TaskGroup {
	return &TaskGroup{
		TGID:     tgid,
		RealTGID: realTGID,
		members:  make(map[int]struct{}),
	}
}

func (g *TaskGroup) addMember(tid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[tid] = struct{}{}
}

func (g *TaskGroup) removeMember(tid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, tid)
}

// Members returns the tids currently in the group.
func (g *TaskGroup) Members() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, 0, len(g.members))
	for tid := range g.members {
		out = append(out, tid)
	}
	return out
}

// Destabilize marks every member task as possibly-runaway: during
// group-wide death the scheduler must stop blocking on individual members,
// since the kernel may reap them out of the tracer's control.
func (g *TaskGroup) Destabilize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destabilized = true
}

// Destabilized reports whether the group is in the middle of a group-wide
// death.
func (g *TaskGroup) Destabilized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destabilized
}

// SetExitCode records the group's exit code.
func (g *TaskGroup) SetExitCode(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exitCode = code
}

// ExitCode returns the group's recorded exit code.
func (g *TaskGroup) ExitCode() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitCode
}
