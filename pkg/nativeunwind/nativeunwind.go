// Package nativeunwind models the Native Co-Unwinder collaborator of
// spec §4.6/§6.3. Its internals are explicitly out of scope (spec §1);
// only the interface the Stack Sampler consumes is specified here, with
// a no-op default that always degrades gracefully per §4.6 "failure of
// this component degrades gracefully to interpreter-only frames".
package nativeunwind

// NativeFrame is one compiled-code frame the unwinder produced, innermost
// first (spec §4.6).
type NativeFrame struct {
	InstructionPointer uint64
	Symbol             string
	File               string
	Line               int
}

// Unwinder is the capability set spec §6.3 requires of the external
// native unwinder: given a thread, produce its native frames, and report
// whether a given instruction pointer is inside the interpreter's own
// code (the boundary at which native unwinding should stop).
type Unwinder interface {
	// Unwind returns tid's native frames, innermost first, stopping at
	// the first frame the unwinder recognizes as interpreter code.
	Unwind(pid, tid int) ([]NativeFrame, error)

	// IsInterpreterIP reports whether ip falls inside the runtime's own
	// evaluation loop, the boundary the Stack Sampler stitches native
	// frames against.
	IsInterpreterIP(ip uint64) bool
}

// NullUnwinder never produces native frames; it is the default when no
// native unwinder is configured (spec §4.6 "invoked only when the
// sampler is configured for native mode").
type NullUnwinder struct{}

func (NullUnwinder) Unwind(pid, tid int) ([]NativeFrame, error) {
	return nil, nil
}

func (NullUnwinder) IsInterpreterIP(ip uint64) bool {
	return true
}
