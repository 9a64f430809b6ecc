package layout

// LineEntry is one decoded (instruction offset, source line) sample
// point of a code object's line table (spec §3 "Line table").
type LineEntry struct {
	Instr int
	Line  int
}

// DecodeLineTable decodes a code object's delta-encoded line table: a
// stream of (instr_delta, line_delta) byte pairs, decoded cumulatively
// starting from firstLine at instruction 0 (spec §4.5.3.c). When
// signedDeltas is false, line_delta is an unsigned byte (older formats
// never decrease the line number); when true, it is a signed byte
// (newer formats can, e.g. for a line appearing twice from a loop).
func DecodeLineTable(blob []byte, firstLine int, signedDeltas bool) []LineEntry {
	entries := make([]LineEntry, 0, len(blob)/2+1)
	instr := 0
	line := firstLine
	entries = append(entries, LineEntry{Instr: instr, Line: line})

	for i := 0; i+1 < len(blob); i += 2 {
		instrDelta := int(blob[i])
		var lineDelta int
		if signedDeltas {
			lineDelta = int(int8(blob[i+1]))
		} else {
			lineDelta = int(blob[i+1])
		}
		instr += instrDelta
		line += lineDelta
		entries = append(entries, LineEntry{Instr: instr, Line: line})
	}
	return entries
}

// EncodeLineTable is the inverse of DecodeLineTable, used to verify the
// round-trip property (spec §8 property 4). entries must be sorted by
// ascending Instr, as DecodeLineTable always produces.
func EncodeLineTable(entries []LineEntry, signedDeltas bool) (blob []byte, firstLine int) {
	if len(entries) == 0 {
		return nil, 0
	}
	firstLine = entries[0].Line
	instr := entries[0].Instr
	line := entries[0].Line

	blob = make([]byte, 0, (len(entries)-1)*2)
	for _, e := range entries[1:] {
		instrDelta := e.Instr - instr
		lineDelta := e.Line - line
		instr = e.Instr
		line = e.Line

		blob = append(blob, byte(instrDelta))
		if signedDeltas {
			blob = append(blob, byte(int8(lineDelta)))
		} else {
			blob = append(blob, byte(lineDelta))
		}
	}
	return blob, firstLine
}

// LineForInstruction returns the source line active at instrOffset,
// i.e. the line of the last entry whose Instr <= instrOffset. Returns 0
// (spec §3 "if derivation fails, line = 0") if entries is empty or
// instrOffset precedes every entry.
func LineForInstruction(entries []LineEntry, instrOffset int) int {
	line := 0
	for _, e := range entries {
		if e.Instr > instrOffset {
			break
		}
		line = e.Line
	}
	return line
}
