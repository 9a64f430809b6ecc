// Package sampler implements the Stack Sampler of spec §4.5: given a
// located interpreter root and a layout, walk the interpreter-state ->
// thread-state -> frame -> code chains to produce one Sample's worth of
// per-thread call stacks.
//
// Grounded on the teacher's container_stats.go for the "read a chain of
// records through a narrow Handle, absorb a mid-walk error onto the
// current item, keep going with the next one" shape; the interpreter
// record walk itself has no teacher analogue and follows spec
// §4.5/§4.5.3 directly.
package sampler

import (
	"encoding/binary"

	"github.com/benfred/py-spy/pkg/layout"
	"github.com/benfred/py-spy/pkg/nativeunwind"
	"github.com/benfred/py-spy/pkg/process"
	"github.com/benfred/py-spy/pkg/stream"

	pserrors "github.com/benfred/py-spy/pkg/errors"
)

// defaultIdleFunctionNames is the fallback-heuristic idle set (spec §4.5
// step 4, Open Question resolved in SPEC_FULL.md): used only when no OS
// thread state is available for a given thread.
var defaultIdleFunctionNames = map[string]bool{
	"select": true,
	"wait":   true,
	"sleep":  true,
	"poll":   true,
	"accept": true,
}

// Options configures a Sampler (spec §4.5 plus SPEC_FULL's WithLocals
// addition).
type Options struct {
	MaxThreads        int
	MaxFrameDepth     int
	IdleFunctionNames map[string]bool
	WithLocals        bool
	NativeMode        bool
	Unwinder          nativeunwind.Unwinder
}

// DefaultOptions matches UserConfig's defaults.
func DefaultOptions() Options {
	return Options{
		MaxThreads:        4096,
		MaxFrameDepth:     4096,
		IdleFunctionNames: defaultIdleFunctionNames,
		WithLocals:        false,
		NativeMode:        false,
		Unwinder:          nativeunwind.NullUnwinder{},
	}
}

// Sampler reads interpreter state out of a single attached target.
type Sampler struct {
	handle process.Handle
	layout layout.Layout
	opts   Options
}

// New builds a Sampler. opts.Unwinder defaults to NullUnwinder if nil.
func New(handle process.Handle, lay layout.Layout, opts Options) *Sampler {
	if opts.IdleFunctionNames == nil {
		opts.IdleFunctionNames = defaultIdleFunctionNames
	}
	if opts.Unwinder == nil {
		opts.Unwinder = nativeunwind.NullUnwinder{}
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = 4096
	}
	if opts.MaxFrameDepth <= 0 {
		opts.MaxFrameDepth = 4096
	}
	return &Sampler{handle: handle, layout: lay, opts: opts}
}

// Sample walks root's thread list and returns one ThreadSnapshot per
// thread found (spec §4.5). preSuspendStates supplies each OS thread's
// Running/Sleeping/etc state captured before suspend (spec §4.1 "state
// MUST be captured before any suspend-triggered stall"); a nil map means
// none is available and the idle-name fallback always applies.
// gilOwnerAddr is the Locator's resolved address of the layout's direct
// GIL-owner symbol (locator.Root.GILOwnerAddr); it is ignored when the
// layout's GILOwner accessor is Indirect, and a zero value simply means
// lock-holder detection is unavailable for this sample (spec §4.5 step 5
// "directly for older runtimes").
//
// A failure reading the root record itself is returned as an error,
// signaling the caller to drop the whole sample and invalidate the
// located root (spec §4.5 "If the root record read itself fails, the
// sample is dropped and the locator is invalidated").
func (s *Sampler) Sample(rootAddr uint64, gilOwnerAddr uint64, preSuspendStates map[int]process.Thread) ([]stream.ThreadSnapshot, error) {
	threadHead, err := s.readPointer(rootAddr + s.layout.InterpreterState.ThreadHeadOffset)
	if err != nil {
		return nil, pserrors.Newf(pserrors.LayoutMismatch, "reading interpreter_state thread head: %v", err)
	}

	gilOwner, _ := s.resolveGILOwner(rootAddr, gilOwnerAddr)

	var snapshots []stream.ThreadSnapshot
	cur := threadHead
	for count := 0; cur != 0 && count < s.opts.MaxThreads; count++ {
		next, err := s.readPointer(cur + s.layout.ThreadState.NextOffset)
		if err != nil {
			break // can't continue the list past a torn node
		}

		snapshot := s.sampleThread(cur, gilOwner, preSuspendStates)
		snapshots = append(snapshots, snapshot)

		cur = next
	}
	return snapshots, nil
}

// sampleThread decodes one thread_state node into a ThreadSnapshot. Any
// error partway through is absorbed onto this thread's snapshot (spec §7
// "per-thread errors mark the snapshot's error field and drop the frames
// beyond the last valid one"); it never aborts the caller's list walk.
func (s *Sampler) sampleThread(threadState uint64, gilOwner uint64, preSuspendStates map[int]process.Thread) stream.ThreadSnapshot {
	tid, err := s.readPointer(threadState + s.layout.ThreadState.ThreadIDOffset)
	if err != nil {
		return stream.ThreadSnapshot{Error: stream.ErrTorn}
	}

	snapshot := stream.ThreadSnapshot{
		OSThreadID:      tid,
		RuntimeThreadID: tid,
		HoldsLock:       gilOwner != 0 && gilOwner == threadState,
	}

	topFrame, err := s.readPointer(threadState + s.layout.ThreadState.TopFrameOffset)
	if err != nil {
		snapshot.Error = stream.ErrTorn
		return snapshot
	}

	frames, frameErr := s.walkFrames(topFrame)
	snapshot.Frames = frames
	if frameErr != nil {
		snapshot.Error = stream.ErrTorn
	}

	if len(snapshot.Frames) == 0 && s.opts.NativeMode {
		nativeFrames, err := s.opts.Unwinder.Unwind(s.handle.Pid(), int(tid))
		if err != nil {
			snapshot.Error = stream.ErrNativeUnwind
		} else {
			snapshot.Frames = append(snapshot.Frames, toStreamFrames(nativeFrames)...)
		}
	}

	snapshot.Active = s.isActive(tid, snapshot, preSuspendStates)
	return snapshot
}

// walkFrames follows frame.back from top toward the bottom of the
// stack, innermost first, bounded by MaxFrameDepth (spec §4.5.3.b).
func (s *Sampler) walkFrames(top uint64) ([]stream.Frame, error) {
	var frames []stream.Frame
	cur := top
	for depth := 0; cur != 0 && depth < s.opts.MaxFrameDepth; depth++ {
		frame, back, err := s.decodeFrame(cur)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)

		if s.layout.Frame.NoPreviousIsNull {
			cur = back
		} else if back == s.layout.Frame.NoPreviousSentinel {
			break
		} else {
			cur = back
		}
	}
	return frames, nil
}

// decodeFrame reads one frame record: its code object's function name,
// filename, and current source line (spec §4.5.3.c).
func (s *Sampler) decodeFrame(frameAddr uint64) (stream.Frame, uint64, error) {
	back, err := s.readPointer(frameAddr + s.layout.Frame.BackOffset)
	if err != nil {
		return stream.Frame{}, 0, err
	}
	code, err := s.readPointer(frameAddr + s.layout.Frame.CodeOffset)
	if err != nil {
		return stream.Frame{}, 0, err
	}
	if code == 0 {
		return stream.Frame{FunctionName: "<unknown>"}, back, nil
	}

	lastInstr, err := s.readPointer(frameAddr + s.layout.Frame.LastInstructionOffset)
	if err != nil {
		return stream.Frame{FunctionName: "<unknown>"}, back, nil
	}

	funcNameObj, err := s.readPointer(code + s.layout.Code.FunctionNameOffset)
	functionName := "<unknown>"
	if err == nil && funcNameObj != 0 {
		if name, err := s.readString(funcNameObj); err == nil && name != "" {
			functionName = name
		}
	}

	filePath := ""
	filenameObj, err := s.readPointer(code + s.layout.Code.FilenameOffset)
	if err == nil && filenameObj != 0 {
		if name, err := s.readString(filenameObj); err == nil {
			filePath = name
		}
	}

	line := s.resolveLine(code, int(lastInstr))

	return stream.Frame{
		FunctionName:  functionName,
		FilePath:      filePath,
		ShortFilePath: shortPath(filePath),
		Line:          uint32(line),
	}, back, nil
}

// resolveLine decodes the code object's line table and indexes it by
// the frame's current instruction offset (spec §4.5.3.c, §3 "if
// derivation fails, line = 0").
func (s *Sampler) resolveLine(code uint64, instrOffset int) int {
	firstLine, err := s.readPointer(code + s.layout.Code.FirstLineOffset)
	if err != nil {
		return 0
	}
	lineTableLen, err := s.readPointer(code + s.layout.Code.LineTableLenOffset)
	if err != nil || lineTableLen == 0 {
		return int(firstLine)
	}
	lineTableAddr, err := s.readPointer(code + s.layout.Code.LineTableOffset)
	if err != nil || lineTableAddr == 0 {
		return int(firstLine)
	}

	blob := make([]byte, lineTableLen)
	if err := s.handle.ReadMemory(lineTableAddr, blob); err != nil {
		return int(firstLine)
	}

	entries := layout.DecodeLineTable(blob, int(firstLine), s.layout.Code.SignedLineDeltas)
	return layout.LineForInstruction(entries, instrOffset)
}

// resolveGILOwner reads the lock-owner global through the layout's
// AddressAccessor, directly or via an offset chain off root (spec §4.5
// step 5, §9 "direct/indirect address accessor"). For AccessorDirect,
// resolvedAddr is the runtime address the Locator already resolved via
// its symbol table search (locator.Root.GILOwnerAddr) — the global itself
// holds the owning thread_state pointer, so the resolved address is
// dereferenced once more to get the owner.
func (s *Sampler) resolveGILOwner(root uint64, resolvedAddr uint64) (uint64, error) {
	accessor := s.layout.GILOwner
	if accessor.Kind == layout.AccessorIndirect {
		addr := root
		for _, off := range accessor.OffsetPath {
			v, err := s.readPointer(addr + off)
			if err != nil {
				return 0, err
			}
			addr = v
		}
		return addr, nil
	}
	if resolvedAddr == 0 {
		return 0, pserrors.New(pserrors.Internal, "direct GIL owner symbol was not resolved by the locator")
	}
	return s.readPointer(resolvedAddr)
}

func (s *Sampler) isActive(tid uint64, snapshot stream.ThreadSnapshot, preSuspendStates map[int]process.Thread) bool {
	if preSuspendStates != nil {
		if state, ok := preSuspendStates[int(tid)]; ok {
			return state.Active
		}
	}
	if len(snapshot.Frames) == 0 {
		return false
	}
	return !s.opts.IdleFunctionNames[snapshot.Frames[0].FunctionName]
}

func (s *Sampler) readPointer(addr uint64) (uint64, error) {
	buf := make([]byte, s.layout.PointerWidth)
	if err := s.handle.ReadMemory(addr, buf); err != nil {
		return 0, err
	}
	if s.layout.PointerWidth == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (s *Sampler) readString(addr uint64) (string, error) {
	const maxStringLen = 65536
	return layout.ReadString(s.handle, addr, s.layout.String, s.layout.PointerWidth, maxStringLen)
}

func shortPath(full string) string {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '/' || full[i] == '\\' {
			return full[i+1:]
		}
	}
	return full
}

func toStreamFrames(native []nativeunwind.NativeFrame) []stream.Frame {
	frames := make([]stream.Frame, len(native))
	for i, f := range native {
		frames[i] = stream.Frame{
			FunctionName: f.Symbol,
			FilePath:     f.File,
			Line:         uint32(f.Line),
			IsNative:     true,
		}
	}
	return frames
}
