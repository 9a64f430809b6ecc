package sampler

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/benfred/py-spy/pkg/layout"
	"github.com/benfred/py-spy/pkg/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	pid  int
	base uint64
	mem  []byte
}

func newFakeHandle(pid int, base uint64, size int) *fakeHandle {
	return &fakeHandle{pid: pid, base: base, mem: make([]byte, size)}
}

func (f *fakeHandle) putPtr(addr, v uint64) {
	binary.LittleEndian.PutUint64(f.mem[addr-f.base:], v)
}

func (f *fakeHandle) putBytes(addr uint64, data []byte) {
	copy(f.mem[addr-f.base:], data)
}

func (f *fakeHandle) Pid() int                                            { return f.pid }
func (f *fakeHandle) Attach(ctx context.Context) error                    { return nil }
func (f *fakeHandle) Detach() error                                       { return nil }
func (f *fakeHandle) Suspend() error                                      { return nil }
func (f *fakeHandle) Resume() error                                       { return nil }
func (f *fakeHandle) Regions() ([]process.Region, error)                  { return nil, nil }
func (f *fakeHandle) Threads() ([]process.Thread, error)                  { return nil, nil }
func (f *fakeHandle) ReadCString(addr uint64, maxLen int) ([]byte, error) { return nil, nil }
func (f *fakeHandle) ChildPids() ([]int, error)                           { return nil, nil }
func (f *fakeHandle) Close() error                                        { return nil }

func (f *fakeHandle) ReadMemory(addr uint64, buf []byte) error {
	if addr < f.base || addr+uint64(len(buf)) > f.base+uint64(len(f.mem)) {
		return assert.AnError
	}
	copy(buf, f.mem[addr-f.base:])
	return nil
}

func testLayout() layout.Layout {
	return layout.Layout{
		PointerWidth: 8,
		InterpreterState: layout.InterpreterState{
			ThreadHeadOffset: 0,
		},
		ThreadState: layout.ThreadState{
			ThreadIDOffset: 8,
			TopFrameOffset: 16,
			NextOffset:     24,
		},
		Frame: layout.Frame{
			BackOffset:            0,
			CodeOffset:            8,
			LastInstructionOffset: 16,
			NoPreviousIsNull:      true,
		},
		Code: layout.Code{
			FunctionNameOffset: 0,
			FilenameOffset:     8,
			FirstLineOffset:    16,
			LineTableOffset:    24,
			LineTableLenOffset: 32,
			SignedLineDeltas:   false,
		},
		String: layout.String{
			KindOffset:   0,
			KindDecode:   func(uint64) layout.Kind { return layout.Compact },
			LengthOffset: 8,
			DataOffset:   16,
		},
		GILOwner: layout.AddressAccessor{
			Kind:       layout.AccessorIndirect,
			OffsetPath: []uint64{1000},
		},
	}
}

// writeString lays out a minimal compact string object at addr: length
// at +8, data pointer at +16.
func writeString(h *fakeHandle, addr uint64, dataAddr uint64, text string) {
	h.putPtr(addr+8, uint64(len(text)))
	h.putPtr(addr+16, dataAddr)
	h.putBytes(dataAddr, []byte(text))
}

func TestSampleSingleThreadSingleFrame(t *testing.T) {
	h := newFakeHandle(99, 0x2000, 0x1000)
	lay := testLayout()

	root := uint64(0x2000)
	threadState := uint64(0x2100)
	frame := uint64(0x2200)
	code := uint64(0x2300)
	funcNameAddr := uint64(0x2400)
	funcNameData := uint64(0x2420)
	fileNameAddr := uint64(0x2440)
	fileNameData := uint64(0x2460)
	lineTableAddr := uint64(0x2480)

	h.putPtr(root+lay.InterpreterState.ThreadHeadOffset, threadState)
	h.putPtr(threadState+lay.ThreadState.ThreadIDOffset, 111)
	h.putPtr(threadState+lay.ThreadState.TopFrameOffset, frame)
	h.putPtr(threadState+lay.ThreadState.NextOffset, 0)

	h.putPtr(frame+lay.Frame.BackOffset, 0)
	h.putPtr(frame+lay.Frame.CodeOffset, code)
	h.putPtr(frame+lay.Frame.LastInstructionOffset, 4)

	h.putPtr(code+lay.Code.FunctionNameOffset, funcNameAddr)
	h.putPtr(code+lay.Code.FilenameOffset, fileNameAddr)
	h.putPtr(code+lay.Code.FirstLineOffset, 10)
	h.putPtr(code+lay.Code.LineTableOffset, lineTableAddr)
	lineTableBlob, _ := layout.EncodeLineTable([]layout.LineEntry{{Instr: 0, Line: 10}, {Instr: 4, Line: 11}}, false)
	h.putPtr(code+lay.Code.LineTableLenOffset, uint64(len(lineTableBlob)))
	h.putBytes(lineTableAddr, lineTableBlob)

	writeString(h, funcNameAddr, funcNameData, "run")
	writeString(h, fileNameAddr, fileNameData, "main.py")

	// GIL owner slot is left zeroed, so no thread holds the lock.

	s := New(h, lay, DefaultOptions())
	snapshots, err := s.Sample(root, 0, nil)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	snap := snapshots[0]
	assert.Equal(t, uint64(111), snap.OSThreadID)
	require.Len(t, snap.Frames, 1)
	assert.Equal(t, "run", snap.Frames[0].FunctionName)
	assert.Equal(t, "main.py", snap.Frames[0].FilePath)
	assert.Equal(t, "main.py", snap.Frames[0].ShortFilePath)
	assert.Equal(t, uint32(11), snap.Frames[0].Line)
	assert.False(t, snap.HoldsLock)
}

func TestSampleRootReadFailureIsError(t *testing.T) {
	h := newFakeHandle(1, 0x2000, 0x10)
	lay := testLayout()
	s := New(h, lay, DefaultOptions())

	_, err := s.Sample(0xffffffff, 0, nil)
	assert.Error(t, err)
}

func TestSampleIdleHeuristicFallback(t *testing.T) {
	h := newFakeHandle(99, 0x2000, 0x1000)
	lay := testLayout()

	root := uint64(0x2000)
	threadState := uint64(0x2100)
	frame := uint64(0x2200)
	code := uint64(0x2300)
	funcNameAddr := uint64(0x2400)
	funcNameData := uint64(0x2420)

	h.putPtr(root+lay.InterpreterState.ThreadHeadOffset, threadState)
	h.putPtr(threadState+lay.ThreadState.ThreadIDOffset, 5)
	h.putPtr(threadState+lay.ThreadState.TopFrameOffset, frame)
	h.putPtr(threadState+lay.ThreadState.NextOffset, 0)
	h.putPtr(frame+lay.Frame.BackOffset, 0)
	h.putPtr(frame+lay.Frame.CodeOffset, code)
	h.putPtr(frame+lay.Frame.LastInstructionOffset, 0)
	h.putPtr(code+lay.Code.FunctionNameOffset, funcNameAddr)
	h.putPtr(code+lay.Code.FilenameOffset, 0)
	h.putPtr(code+lay.Code.FirstLineOffset, 1)
	h.putPtr(code+lay.Code.LineTableLenOffset, 0)
	writeString(h, funcNameAddr, funcNameData, "sleep")

	s := New(h, lay, DefaultOptions())
	snapshots, err := s.Sample(root, 0, nil)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.False(t, snapshots[0].Active)
}

// TestSampleDirectGILOwnerResolvesHolder exercises the AccessorDirect path
// (spec §4.5 step 5 "directly for older runtimes"): gilOwnerAddr stands in
// for the Locator's resolved symbol address, and the global it points to
// holds the owning thread's thread_state pointer directly.
func TestSampleDirectGILOwnerResolvesHolder(t *testing.T) {
	h := newFakeHandle(99, 0x2000, 0x1000)
	lay := testLayout()
	lay.GILOwner = layout.AddressAccessor{
		Kind:        layout.AccessorDirect,
		SymbolNames: []string{"_PyThreadState_Current"},
	}

	root := uint64(0x2000)
	threadState := uint64(0x2100)
	frame := uint64(0x2200)
	code := uint64(0x2300)
	funcNameAddr := uint64(0x2400)
	funcNameData := uint64(0x2420)
	gilOwnerGlobal := uint64(0x2500)

	h.putPtr(root+lay.InterpreterState.ThreadHeadOffset, threadState)
	h.putPtr(threadState+lay.ThreadState.ThreadIDOffset, 111)
	h.putPtr(threadState+lay.ThreadState.TopFrameOffset, frame)
	h.putPtr(threadState+lay.ThreadState.NextOffset, 0)
	h.putPtr(frame+lay.Frame.BackOffset, 0)
	h.putPtr(frame+lay.Frame.CodeOffset, code)
	h.putPtr(frame+lay.Frame.LastInstructionOffset, 0)
	h.putPtr(code+lay.Code.FunctionNameOffset, funcNameAddr)
	h.putPtr(code+lay.Code.FilenameOffset, 0)
	h.putPtr(code+lay.Code.FirstLineOffset, 1)
	h.putPtr(code+lay.Code.LineTableLenOffset, 0)
	writeString(h, funcNameAddr, funcNameData, "run")

	// The resolved global holds the owning thread_state pointer.
	h.putPtr(gilOwnerGlobal, threadState)

	s := New(h, lay, DefaultOptions())
	snapshots, err := s.Sample(root, gilOwnerGlobal, nil)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.True(t, snapshots[0].HoldsLock)
}

func TestSampleDirectGILOwnerUnresolvedIsNoLock(t *testing.T) {
	h := newFakeHandle(99, 0x2000, 0x1000)
	lay := testLayout()
	lay.GILOwner = layout.AddressAccessor{
		Kind:        layout.AccessorDirect,
		SymbolNames: []string{"_PyThreadState_Current"},
	}

	root := uint64(0x2000)
	threadState := uint64(0x2100)
	frame := uint64(0x2200)
	code := uint64(0x2300)
	funcNameAddr := uint64(0x2400)
	funcNameData := uint64(0x2420)

	h.putPtr(root+lay.InterpreterState.ThreadHeadOffset, threadState)
	h.putPtr(threadState+lay.ThreadState.ThreadIDOffset, 111)
	h.putPtr(threadState+lay.ThreadState.TopFrameOffset, frame)
	h.putPtr(threadState+lay.ThreadState.NextOffset, 0)
	h.putPtr(frame+lay.Frame.BackOffset, 0)
	h.putPtr(frame+lay.Frame.CodeOffset, code)
	h.putPtr(frame+lay.Frame.LastInstructionOffset, 0)
	h.putPtr(code+lay.Code.FunctionNameOffset, funcNameAddr)
	h.putPtr(code+lay.Code.FilenameOffset, 0)
	h.putPtr(code+lay.Code.FirstLineOffset, 1)
	h.putPtr(code+lay.Code.LineTableLenOffset, 0)
	writeString(h, funcNameAddr, funcNameData, "run")

	s := New(h, lay, DefaultOptions())
	snapshots, err := s.Sample(root, 0, nil)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.False(t, snapshots[0].HoldsLock)
}
