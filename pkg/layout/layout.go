// Package layout is the static Layout Registry of spec §4.3: the only
// place version-specific memory-layout constants live. Every other
// package consumes a Layout by field lookup; adding a new interpreter
// version means appending a table entry here, never touching the
// Sampler or Locator.
//
// Modeled on the teacher's config package in spirit only (a small
// struct of named fields looked up once and passed around); there is no
// teacher analogue for describing a foreign runtime's memory layout, so
// the field set below is written directly against spec §4.3/§9.
package layout

import (
	"github.com/samber/lo"

	pserrors "github.com/benfred/py-spy/pkg/errors"
)

// AccessorKind distinguishes a lock-owner (or other runtime singleton)
// reached directly through its own symbol from one reached indirectly
// through an offset chain off the interpreter-state record (spec §9
// "direct/indirect address accessor").
type AccessorKind int

const (
	AccessorDirect AccessorKind = iota
	AccessorIndirect
)

// AddressAccessor describes how to find a single global value: either by
// one of a set of candidate symbol names (legacy runtimes exposed it as
// its own global), or by following a chain of offsets starting at the
// interpreter-state record (newer runtimes tucked it inside a runtime
// struct).
type AddressAccessor struct {
	Kind        AccessorKind
	SymbolNames []string // tried in order, Direct only
	OffsetPath  []uint64 // successive pointer-sized offsets, Indirect only
}

// InterpreterState describes the root record's own fields.
type InterpreterState struct {
	ThreadHeadOffset uint64 // offset of the head *thread_state pointer
	NextOffset       uint64 // offset of the next *interpreter_state pointer (0 if single-interpreter only)
}

// ThreadState describes one node of the intrusive thread-state list.
type ThreadState struct {
	ThreadIDOffset uint64
	TopFrameOffset uint64
	NextOffset     uint64
	InterpOffset   uint64
}

// Frame describes one call-frame record. NoPreviousIsNull is true when a
// nil pointer marks the bottom of the stack; false means a sentinel
// non-null value does (both conventions appear across versions).
type Frame struct {
	BackOffset            uint64
	CodeOffset            uint64
	LastInstructionOffset uint64
	LocalsOffset          uint64
	NoPreviousIsNull      bool
	NoPreviousSentinel    uint64
}

// Code describes one function's bytecode + metadata record.
type Code struct {
	FunctionNameOffset uint64
	FilenameOffset     uint64
	FirstLineOffset    uint64
	LineTableOffset    uint64
	LineTableLenOffset uint64
	ArgCountOffset     uint64
	SignedLineDeltas   bool // newer versions' line tables use signed deltas
}

// String describes how to recover a string object's backing bytes. Kind
// is read from KindOffset and decoded by KindDecode; DataOffset and
// LengthOffset then locate the payload for every encoding uniformly
// (spec §9: "decoders are pure functions over (ptr, len, encoding)").
type String struct {
	KindOffset   uint64
	KindDecode   func(raw uint64) Kind
	DataOffset   uint64
	LengthOffset uint64
}

// Layout is one complete, immutable per-version/per-bitness description
// (spec §3 Layout, §4.3).
type Layout struct {
	VersionBucket    string
	PointerWidth     int
	InterpreterState InterpreterState
	ThreadState      ThreadState
	Frame            Frame
	Code             Code
	String           String
	GILOwner         AddressAccessor
}

// Registry holds every known Layout, immutable once built (spec §5
// "the layout registry is immutable after construction; readers need no
// synchronization").
type Registry struct {
	layouts []Layout
}

// NewRegistry builds the registry from the built-in table. Additional
// entries (e.g. loaded from a future external source) could be appended
// here without touching any other package.
func NewRegistry() *Registry {
	return &Registry{layouts: append([]Layout{}, builtinLayouts...)}
}

// Lookup finds the Layout for a given version bucket and pointer width.
func (r *Registry) Lookup(versionBucket string, pointerWidth int) (Layout, error) {
	found, ok := lo.Find(r.layouts, func(l Layout) bool {
		return l.VersionBucket == versionBucket && l.PointerWidth == pointerWidth
	})
	if !ok {
		return Layout{}, pserrors.Newf(pserrors.VersionUnknown, "no layout registered for bucket %q (%d-bit)", versionBucket, pointerWidth*8)
	}
	return found, nil
}
