// Package stream defines the sample wire format consumed by the
// renderer collaborators (spec §6.1) and a length-prefixed Encoder/
// Decoder pair for it.
//
// The wire format spec §6.1 asks for is "a length-prefixed ordered
// sequence of samples"; gob is the standard library's own length-framed
// encoding for exactly this shape (gob.Encoder already frames each
// Encode call, so the only framing left for us to add is the outer
// stream boundary between samples, via a length-prefixed big-endian
// uint32). No pack library offers a schema-free length-framed codec
// that isn't either heavier (protobuf, needs .proto + codegen) or a
// worse fit (json, not length-prefixed) for an in-process pipe to a
// renderer in the same binary — see DESIGN.md.
package stream

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"sync"

	pserrors "github.com/benfred/py-spy/pkg/errors"
)

// ErrKind names why a ThreadSnapshot's frames stopped short (spec §6.1
// threads[].error, §7 propagation policy).
type ErrKind string

const (
	ErrNone           ErrKind = ""
	ErrTorn           ErrKind = "Torn"
	ErrPermission     ErrKind = "Permission"
	ErrLayoutMismatch ErrKind = "LayoutMismatch"
	ErrNativeUnwind   ErrKind = "NativeUnwind"
)

// Local is one (name, repr) pair of a frame's optional locals (spec
// §4.5.3.d, §6.1 frames[].locals).
type Local struct {
	Name string
	Repr string
}

// Frame is one call-frame record (spec §6.1 Frame).
type Frame struct {
	FunctionName  string
	FilePath      string
	ShortFilePath string
	Line          uint32
	IsNative      bool
	Locals        []Local
}

// ThreadSnapshot is one thread's reconstructed stack at sample time
// (spec §6.1 ThreadSnapshot, §3 ThreadSnapshot).
type ThreadSnapshot struct {
	OSThreadID      uint64
	RuntimeThreadID uint64
	Name            string
	Active          bool
	HoldsLock       bool
	Error           ErrKind
	Frames          []Frame
}

// Sample is one tick's complete output (spec §6.1 Sample, §3 Sample).
// Pid tags which target process (main or a subprocess-mode child)
// produced this sample, per SPEC_FULL's subprocess-mode addition to
// §4.7.
type Sample struct {
	TimestampNs  uint64
	WallSequence uint64
	Pid          int
	Threads      []ThreadSnapshot
}

// Encoder writes a length-prefixed sequence of Samples to an underlying
// writer. Safe for concurrent use: §5 lets subprocess-mode sub-loops share
// only a concurrent queue to the renderer, and in this module that queue
// is the Encoder itself, so Encode serializes its writers rather than
// pushing that requirement onto callers.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w. The returned Encoder may be shared by the primary
// Sampling Loop and every subprocess-mode sub-loop it spawns.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one length-prefixed Sample. Each sample is gob-encoded
// into a scratch buffer first so its length is known before the prefix
// is written; the write of both the prefix and the payload happens under
// lock so concurrent callers can never interleave their frames.
func (e *Encoder) Encode(s Sample) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(s); err != nil {
		return pserrors.Newf(pserrors.Internal, "encode sample: %v", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(payload.Len()))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(lenPrefix[:]); err != nil {
		return pserrors.Newf(pserrors.Internal, "write length prefix: %v", err)
	}
	if _, err := e.w.Write(payload.Bytes()); err != nil {
		return pserrors.Newf(pserrors.Internal, "write sample payload: %v", err)
	}
	return nil
}

// Decoder reads a length-prefixed sequence of Samples from an underlying
// reader.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next Sample, or io.EOF when the stream ends cleanly
// at a sample boundary.
func (d *Decoder) Decode() (Sample, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(d.r, lenPrefix[:]); err != nil {
		if err == io.EOF {
			return Sample{}, io.EOF
		}
		return Sample{}, pserrors.Newf(pserrors.Internal, "read length prefix: %v", err)
	}

	length := binary.BigEndian.Uint32(lenPrefix[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Sample{}, pserrors.Newf(pserrors.Internal, "read sample payload: %v", err)
	}

	var s Sample
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&s); err != nil {
		return Sample{}, pserrors.Newf(pserrors.Internal, "decode sample: %v", err)
	}
	return s, nil
}
