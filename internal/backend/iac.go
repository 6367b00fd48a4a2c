package backend

// Telnet IAC (Interpret As Command) constants per RFC 854.
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // Sub-negotiation Begin
	GA   byte = 249 // Go Ahead
	NOP  byte = 241
	SE   byte = 240 // Sub-negotiation End

	OptEcho            byte = 1
	OptSuppressGoAhead byte = 3
	OptTerminalType    byte = 24
)

type iacState int

const (
	iacData iacState = iota
	iacCommand
	iacOption
	iacSub
	iacSubIAC
)

// IACFilter strips telnet command sequences from a byte stream. Sequences
// split across chunks are carried over, so the filtered output does not depend
// on how the stream was chunked.
//
// An IACFilter is not safe for concurrent use.
type IACFilter struct {
	state iacState
}

// Filter returns chunk with all complete and partial IAC sequences removed and
// escaped IAC IAC pairs collapsed to a single 0xFF byte.
//
// Postcondition: The returned slice never aliases chunk.
func (f *IACFilter) Filter(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		switch f.state {
		case iacData:
			if b == IAC {
				f.state = iacCommand
				continue
			}
			out = append(out, b)
		case iacCommand:
			switch b {
			case WILL, WONT, DO, DONT:
				f.state = iacOption
			case SB:
				f.state = iacSub
			case IAC:
				out = append(out, IAC)
				f.state = iacData
			default:
				// NOP, GA and other two-byte commands.
				f.state = iacData
			}
		case iacOption:
			f.state = iacData
		case iacSub:
			if b == IAC {
				f.state = iacSubIAC
			}
		case iacSubIAC:
			if b == SE {
				f.state = iacData
			} else {
				f.state = iacSub
			}
		}
	}
	return out
}

// Reset discards any carried partial sequence.
func (f *IACFilter) Reset() {
	f.state = iacData
}
