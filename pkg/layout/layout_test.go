package layout

import (
	"testing"

	pserrors "github.com/benfred/py-spy/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestRegistryLookupFound(t *testing.T) {
	r := NewRegistry()
	l, err := r.Lookup("3.11-linux-8", 8)
	assert.NoError(t, err)
	assert.Equal(t, "3.11-linux-8", l.VersionBucket)
	assert.Equal(t, AccessorIndirect, l.GILOwner.Kind)
}

func TestRegistryLookupMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("9.9-linux-8", 8)
	assert.Error(t, err)
	assert.Equal(t, pserrors.VersionUnknown, pserrors.KindOf(err))
}

func TestDecodeStringLatin1(t *testing.T) {
	s, err := DecodeString([]byte("hello"), Latin1)
	assert.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestDecodeStringCompact(t *testing.T) {
	s, err := DecodeString([]byte("hello \xe2\x9c\x93"), Compact)
	assert.NoError(t, err)
	assert.Equal(t, "hello ✓", s)
}

func TestDecodeStringCompactInvalidUTF8(t *testing.T) {
	_, err := DecodeString([]byte{0xff, 0xfe}, Compact)
	assert.Error(t, err)
	assert.Equal(t, pserrors.LayoutMismatch, pserrors.KindOf(err))
}

func TestDecodeStringWide(t *testing.T) {
	// U+0041 'A', U+1F600 emoji
	data := []byte{0x41, 0x00, 0x00, 0x00, 0x00, 0xf6, 0x01, 0x00}
	s, err := DecodeString(data, Wide)
	assert.NoError(t, err)
	assert.Equal(t, "A\U0001F600", s)
}

func TestDecodeStringWideMisaligned(t *testing.T) {
	_, err := DecodeString([]byte{0x41, 0x00, 0x00}, Wide)
	assert.Error(t, err)
}

func TestLineTableRoundTripUnsigned(t *testing.T) {
	entries := []LineEntry{{0, 10}, {4, 11}, {10, 12}, {12, 15}}
	blob, firstLine := EncodeLineTable(entries, false)
	decoded := DecodeLineTable(blob, firstLine, false)
	assert.Equal(t, entries, decoded)
}

func TestLineTableRoundTripSigned(t *testing.T) {
	entries := []LineEntry{{0, 10}, {2, 8}, {6, 9}, {8, 9}}
	blob, firstLine := EncodeLineTable(entries, true)
	decoded := DecodeLineTable(blob, firstLine, true)
	assert.Equal(t, entries, decoded)
}

func TestLineForInstruction(t *testing.T) {
	entries := []LineEntry{{0, 10}, {4, 11}, {10, 12}}
	assert.Equal(t, 10, LineForInstruction(entries, 0))
	assert.Equal(t, 10, LineForInstruction(entries, 3))
	assert.Equal(t, 11, LineForInstruction(entries, 4))
	assert.Equal(t, 12, LineForInstruction(entries, 100))
}

func TestLineForInstructionEmpty(t *testing.T) {
	assert.Equal(t, 0, LineForInstruction(nil, 5))
}
