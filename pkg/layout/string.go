package layout

import (
	"encoding/binary"
	"unicode/utf8"

	pserrors "github.com/benfred/py-spy/pkg/errors"
)

// Kind is the string-encoding tagged variant of spec §4.3/§9, collapsing
// every original_source encoding (legacy, latin1, compact-ucs1/2/4) into
// the four cases the distilled spec names.
type Kind int

const (
	Legacy Kind = iota
	Compact
	Wide
	Latin1
)

func (k Kind) String() string {
	switch k {
	case Legacy:
		return "Legacy"
	case Compact:
		return "Compact"
	case Wide:
		return "Wide"
	case Latin1:
		return "Latin1"
	default:
		return "Unknown"
	}
}

// DecodeString turns raw bytes already read from the target's memory
// into a Go string, per encoding. It is a pure function of (data,
// encoding) as spec §9 requires, with no knowledge of where the bytes
// came from.
func DecodeString(data []byte, kind Kind) (string, error) {
	switch kind {
	case Legacy, Latin1:
		return decodeLatin1(data), nil
	case Compact:
		if !utf8.Valid(data) {
			return "", pserrors.New(pserrors.LayoutMismatch, "compact string payload is not valid UTF-8")
		}
		return string(data), nil
	case Wide:
		return decodeUCS4(data)
	default:
		return "", pserrors.Newf(pserrors.LayoutMismatch, "unknown string encoding %d", int(kind))
	}
}

func decodeLatin1(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func decodeUCS4(data []byte) (string, error) {
	if len(data)%4 != 0 {
		return "", pserrors.New(pserrors.LayoutMismatch, "wide string payload is not a multiple of 4 bytes")
	}
	runes := make([]rune, 0, len(data)/4)
	for i := 0; i < len(data); i += 4 {
		cp := binary.LittleEndian.Uint32(data[i : i+4])
		runes = append(runes, rune(cp))
	}
	return string(runes), nil
}

// MemoryReader is the minimal read capability ReadString needs; satisfied
// by process.Handle without either package importing the other.
type MemoryReader interface {
	ReadMemory(addr uint64, buf []byte) error
}

// ReadString reads and decodes the string object at addr using recipe,
// shared by the Locator's structure probe and the Stack Sampler so both
// walk a Python string object the same way. maxLen bounds the number of
// characters read, guarding against a garbage length field.
func ReadString(m MemoryReader, addr uint64, recipe String, pointerWidth int, maxLen int) (string, error) {
	tagRaw, err := readPointerSized(m, addr+recipe.KindOffset, pointerWidth)
	if err != nil {
		return "", err
	}
	kind := recipe.KindDecode(tagRaw)

	length, err := readPointerSized(m, addr+recipe.LengthOffset, pointerWidth)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	if int(length) > maxLen {
		return "", pserrors.Newf(pserrors.LayoutMismatch, "string length %d exceeds cap %d", length, maxLen)
	}

	dataAddr, err := readPointerSized(m, addr+recipe.DataOffset, pointerWidth)
	if err != nil {
		return "", err
	}

	width := 1
	if kind == Wide {
		width = 4
	}
	raw := make([]byte, int(length)*width)
	if err := m.ReadMemory(dataAddr, raw); err != nil {
		return "", err
	}
	return DecodeString(raw, kind)
}

func readPointerSized(m MemoryReader, addr uint64, pointerWidth int) (uint64, error) {
	buf := make([]byte, pointerWidth)
	if err := m.ReadMemory(addr, buf); err != nil {
		return 0, err
	}
	if pointerWidth == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}
