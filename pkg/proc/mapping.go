package proc

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Mapping is one row of a /proc/<pid>/maps-shaped table: just enough for the
// controller to answer "is this range mapped" and "where does brk/mmap/etc
// move the break" without owning a full memory-map bookkeeping subsystem
// (spec.md §1 places that out of scope as an external collaborator; this is
// the minimal slice the Task Controller itself needs after a syscall exit).
type Mapping struct {
	Start, End uintptr
	Prot       uint32
	Path       string
}

func (m Mapping) contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// MappingCache is a table of Mappings, kept sorted by start address, for one
// AddressSpace, updated incrementally by the controller after syscall exits
// that move memory (brk, mmap, mprotect, mremap, munmap), per spec.md §4.D.
type MappingCache struct {
	mu       sync.Mutex
	mappings []Mapping
	brk      uintptr
}

// NewMappingCache returns an empty cache.
func NewMappingCache() *MappingCache {
	return &MappingCache{}
}

// LoadFromProc replaces the cache's contents by parsing /proc/<pid>/maps
// once, used to (re)synchronize after an exec or after a fork when the
// incremental syscall-driven updates can't be trusted to be complete.
func (c *MappingCache) LoadFromProc(pid int) error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return err
	}
	defer f.Close()

	var mappings []Mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, ok := parseMapsLine(sc.Text())
		if ok {
			mappings = append(mappings, m)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.mappings = mappings
	c.mu.Unlock()
	return nil
}

func parseMapsLine(line string) (Mapping, bool) {
	var start, end uint64
	var perms string
	var path string
	n, _ := fmt.Sscanf(line, "%x-%x %4s", &start, &end, &perms)
	if n < 3 {
		return Mapping{}, false
	}
	// The path, if any, is whatever trails after the last of the five
	// fixed fields; best-effort only, it's diagnostic.
	if fields := strings.Fields(line); len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}
	var prot uint32
	if len(perms) == 4 {
		if perms[0] == 'r' {
			prot |= 1
		}
		if perms[1] == 'w' {
			prot |= 2
		}
		if perms[2] == 'x' {
			prot |= 4
		}
	}
	return Mapping{Start: uintptr(start), End: uintptr(end), Prot: prot, Path: path}, true
}

// Lookup returns the mapping containing addr, if any.
func (c *MappingCache) Lookup(addr uintptr) (Mapping, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := sort.Search(len(c.mappings), func(i int) bool { return c.mappings[i].End > addr })
	if i < len(c.mappings) && c.mappings[i].contains(addr) {
		return c.mappings[i], true
	}
	return Mapping{}, false
}

// Insert adds a mapping, as mmap does, keeping the table sorted by start
// address. Existing mappings it overlaps are left in place, not trimmed or
// replaced, and adjacent mappings are not merged.
func (c *MappingCache) Insert(m Mapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mappings = append(c.mappings, m)
	sort.Slice(c.mappings, func(i, j int) bool { return c.mappings[i].Start < c.mappings[j].Start })
}

// Remove deletes any mapping overlapping [start, end), as munmap does.
func (c *MappingCache) Remove(start, end uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.mappings[:0]
	for _, m := range c.mappings {
		if m.End <= start || m.Start >= end {
			out = append(out, m)
		}
	}
	c.mappings = out
}

// SetProt updates the protection bits of whatever mapping covers
// [start, end), as mprotect does. Mappings are never split: one that only
// partly overlaps the range takes the new bits over its whole extent.
func (c *MappingCache) SetProt(start, end uintptr, prot uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.mappings {
		if c.mappings[i].Start < end && c.mappings[i].End > start {
			c.mappings[i].Prot = prot
		}
	}
}

// Brk records the current program break, as tracked via the brk syscall.
func (c *MappingCache) Brk() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.brk
}

// SetBrk updates the tracked program break.
func (c *MappingCache) SetBrk(addr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.brk = addr
}

// AddressSpace owns the mapping table and the persistent file descriptor
// into a tracee's memory. One AddressSpace may be referenced by many Tasks
// sharing it via CLONE_SHARE_VM semantics.
type AddressSpace struct {
	id int

	mu      sync.Mutex
	memFd   *os.File
	leader  int // tid of the task this address space was created for
	mapping *MappingCache
}

// NewAddressSpace allocates an AddressSpace for the given leading tid. The
// memory fd is opened lazily by MemFd since it may need to be reopened once
// after exec (spec.md §4.B).
func NewAddressSpace(id, leaderTid int) *AddressSpace {
	return &AddressSpace{id: id, leader: leaderTid, mapping: NewMappingCache()}
}

func (as *AddressSpace) ID() int { return as.id }

// Mapping returns the mapping cache for this address space.
func (as *AddressSpace) Mapping() *MappingCache { return as.mapping }

// MemFd returns the open /proc/<pid>/mem-equivalent fd, opening it on first
// use.
func (as *AddressSpace) MemFd() (*os.File, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.memFd != nil {
		return as.memFd, nil
	}
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", as.leader), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	as.memFd = f
	return f, nil
}

// ReopenMemFd closes and reopens the memory fd. Used by the memory-view
// fallback path the first time a read after exec returns a spurious
// zero-length, zero-errno short read (spec.md §4.B).
func (as *AddressSpace) ReopenMemFd() error {
	as.mu.Lock()
	old := as.memFd
	as.memFd = nil
	as.mu.Unlock()
	if old != nil {
		old.Close()
	}
	_, err := as.MemFd()
	return err
}

// Close releases the memory fd.
func (as *AddressSpace) Close() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.memFd == nil {
		return nil
	}
	err := as.memFd.Close()
	as.memFd = nil
	return err
}
