// Package process abstracts attaching to, suspending, and reading the
// memory of a foreign OS process by pid. It is the thing every other
// package in this module builds on: the Locator scans a Handle's memory
// regions for the interpreter root, the Sampler reads thread and frame
// structures through it, and the Sampling Loop suspends/resumes it around
// each tick.
//
// Modeled on the teacher's ContainerRuntime interface (commands/runtime.go):
// one narrow interface, one implementation per platform, callers never
// branch on GOOS themselves.
package process

import (
	"context"
	"fmt"

	pserrors "github.com/benfred/py-spy/pkg/errors"
)

// Region describes one contiguous mapping from the target's memory map,
// as read from /proc/<pid>/maps on Linux or the platform equivalent.
type Region struct {
	Start    uint64
	End      uint64
	Perms    string // e.g. "r-xp"
	Offset   uint64
	Path     string // backing file, or "" for anonymous mappings
	ModuleID string // stable identifier for the backing file, used by Locator provenance
}

// Contains reports whether addr falls within the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Size returns the region's length in bytes.
func (r Region) Size() uint64 {
	return r.End - r.Start
}

// Writable/Executable report on the region's Perms string.
func (r Region) Writable() bool   { return len(r.Perms) > 1 && r.Perms[1] == 'w' }
func (r Region) Executable() bool { return len(r.Perms) > 2 && r.Perms[2] == 'x' }

// Thread is a single OS thread (task) of the target, as seen from
// /proc/<pid>/task on Linux.
type Thread struct {
	ID     int // OS thread id (Linux tid)
	Active bool
}

// Handle is a live attachment to a single target process. All methods are
// safe to call concurrently except where noted; in practice the Sampling
// Loop serializes access to a given Handle from a single goroutine.
type Handle interface {
	// Pid returns the target's process id.
	Pid() int

	// Attach prepares the process for memory reads and, outside nonblocking
	// mode, for later Suspend calls; it does not itself stop the target. It
	// MUST be idempotent: calling it again on an already-attached Handle is
	// a no-op.
	Attach(ctx context.Context) error

	// Detach releases any OS-level attachment (e.g. PTRACE_DETACH),
	// leaving the target running.
	Detach() error

	// Suspend stops the target so its memory can be read consistently.
	// Suspend/Resume calls nest: the target only actually resumes once
	// the nesting count returns to zero. Suspend is a no-op in
	// nonblocking mode (spec §4.2 Nonblocking).
	Suspend() error

	// Resume undoes one Suspend call.
	Resume() error

	// Regions returns the target's current memory map.
	Regions() ([]Region, error)

	// Threads returns the target's current OS thread ids.
	Threads() ([]Thread, error)

	// ReadMemory reads len(buf) bytes from the target starting at addr.
	// A short or torn read returns a *pserrors.TypedError of Kind Torn or
	// MemoryRead, never a partially-filled buf with a nil error.
	ReadMemory(addr uint64, buf []byte) error

	// ReadCString reads a NUL-terminated byte string starting at addr, up
	// to maxLen bytes.
	ReadCString(addr uint64, maxLen int) ([]byte, error)

	// ChildPids returns the pids of the target's direct children, used by
	// subprocess discovery (spec §4.7).
	ChildPids() ([]int, error)

	// Close releases all resources, resuming the target if still
	// suspended. Safe to call more than once.
	Close() error
}

// Open attaches a Handle to pid on the current platform. nonblocking
// disables the Suspend/Resume stop-the-world behavior, trading torn reads
// for zero added latency on the target (spec §4.2).
func Open(pid int, nonblocking bool) (Handle, error) {
	return open(pid, nonblocking)
}

// ErrOsUnsupported marks platforms without a process introspection
// backend (spec §9: only Linux is fully implemented).
var ErrOsUnsupported = pserrors.New(pserrors.Internal, "process introspection is not implemented on this platform")

func wrapErrno(kind pserrors.Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return pserrors.Newf(kind, "%s: %v", op, err)
}

func fmtAddr(addr uint64) string {
	return fmt.Sprintf("0x%x", addr)
}
