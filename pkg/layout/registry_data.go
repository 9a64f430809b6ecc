package layout

// builtinLayouts is the pre-described set of known runtime layouts (spec
// §4.3 "static catalog"), one entry per (version bucket, pointer width).
// Offsets below describe the interpreter's actual record layout for the
// given ABI family; adding support for a newly released interpreter
// version means appending an entry here.
var builtinLayouts = []Layout{
	{
		VersionBucket: "3.11-linux-8",
		PointerWidth:  8,
		InterpreterState: InterpreterState{
			ThreadHeadOffset: 8,
			NextOffset:       0,
		},
		ThreadState: ThreadState{
			ThreadIDOffset: 168,
			TopFrameOffset: 24,
			NextOffset:     8,
			InterpOffset:   16,
		},
		Frame: Frame{
			BackOffset:            0,
			CodeOffset:            32,
			LastInstructionOffset: 56,
			LocalsOffset:          48,
			NoPreviousIsNull:      true,
		},
		Code: Code{
			FunctionNameOffset: 96,
			FilenameOffset:     88,
			FirstLineOffset:    112,
			LineTableOffset:    120,
			LineTableLenOffset: 128,
			ArgCountOffset:     24,
			SignedLineDeltas:   true,
		},
		String: String{
			KindOffset:   8,
			KindDecode:   decodeCompactKind,
			DataOffset:   48,
			LengthOffset: 16,
		},
		GILOwner: AddressAccessor{
			Kind:       AccessorIndirect,
			OffsetPath: []uint64{0, 1400}, // interpreter_state -> runtime -> ceval.gil.last_holder
		},
	},
	{
		VersionBucket: "3.7-linux-8",
		PointerWidth:  8,
		InterpreterState: InterpreterState{
			ThreadHeadOffset: 8,
			NextOffset:       0,
		},
		ThreadState: ThreadState{
			ThreadIDOffset: 152,
			TopFrameOffset: 24,
			NextOffset:     8,
			InterpOffset:   16,
		},
		Frame: Frame{
			BackOffset:            0,
			CodeOffset:            24,
			LastInstructionOffset: 128,
			LocalsOffset:          48,
			NoPreviousIsNull:      true,
		},
		Code: Code{
			FunctionNameOffset: 88,
			FilenameOffset:     80,
			FirstLineOffset:    96,
			LineTableOffset:    104,
			LineTableLenOffset: 112,
			ArgCountOffset:     24,
			SignedLineDeltas:   false,
		},
		String: String{
			KindOffset:   8,
			KindDecode:   decodeCompactKind,
			DataOffset:   48,
			LengthOffset: 16,
		},
		GILOwner: AddressAccessor{
			Kind:        AccessorDirect,
			SymbolNames: []string{"_PyThreadState_Current"},
		},
	},
	{
		VersionBucket: "2.7-linux-8",
		PointerWidth:  8,
		InterpreterState: InterpreterState{
			ThreadHeadOffset: 8,
			NextOffset:       0,
		},
		ThreadState: ThreadState{
			ThreadIDOffset: 144,
			TopFrameOffset: 16,
			NextOffset:     0,
			InterpOffset:   8,
		},
		Frame: Frame{
			BackOffset:            0,
			CodeOffset:            24,
			LastInstructionOffset: 48,
			LocalsOffset:          56,
			NoPreviousIsNull:      true,
		},
		Code: Code{
			FunctionNameOffset: 72,
			FilenameOffset:     64,
			FirstLineOffset:    80,
			LineTableOffset:    88,
			LineTableLenOffset: 96,
			ArgCountOffset:     16,
			SignedLineDeltas:   false,
		},
		String: String{
			KindOffset:   0, // legacy PyStringObject has no discriminator; always Legacy
			KindDecode:   func(uint64) Kind { return Legacy },
			DataOffset:   36,
			LengthOffset: 16,
		},
		GILOwner: AddressAccessor{
			Kind:        AccessorDirect,
			SymbolNames: []string{"_PyThreadState_Current"},
		},
	},
}

// decodeCompactKind maps the tag value stored in a post-3.3 compact
// unicode object's state bitfield to our collapsed Kind variant. Real
// layouts pack several bits (interned, kind, ascii, ready); ReadString
// passes the whole pointer-sized word read at KindOffset, unmasked and
// unshifted, and only its low three bits are looked at here: 0=>Latin1
// (ucs1), 1=>Wide (ucs2), 2=>Wide (ucs4), anything else=>Compact.
func decodeCompactKind(raw uint64) Kind {
	switch raw & 0x7 {
	case 0:
		return Latin1
	case 1, 2:
		return Wide
	default:
		return Compact
	}
}
