package gdbserial

import (
	"bytes"
	"fmt"
)

// interruptByte is the out-of-band interrupt the client may send outside
// any packet framing (spec.md §4.G).
const interruptByte = 0x03

// checksum is the 8-bit sum of the payload's bytes, mod 256, as the
// protocol's checksum field expects. The server accepts any value it
// receives — spec.md §4.G: checksum bytes are ignored on read, because the
// transport is TCP and retrying on a corrupt packet buys nothing — but
// still emits a real one when it is the sender.
func checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// EncodePacket frames payload as a synchronous reply packet.
func EncodePacket(payload string) []byte {
	return []byte(fmt.Sprintf("$%s#%02x", payload, checksum([]byte(payload))))
}

// EncodeAsyncPacket frames payload as an asynchronous notification packet.
func EncodeAsyncPacket(payload string) []byte {
	return []byte(fmt.Sprintf("%%%s#%02x", payload, checksum([]byte(payload))))
}

// reader is the packet-framing half of the server's I/O state machine
// (spec.md §4.G): skip bytes until '$' or the interrupt byte, then read
// until '#' and its two checksum hex digits, never validating the
// checksum.
type reader struct {
	buf bytes.Buffer
}

// feed appends freshly read bytes to the internal buffer.
func (r *reader) feed(b []byte) {
	r.buf.Write(b)
}

// peekInterrupt reports whether an out-of-band interrupt byte is present
// anywhere in the buffered bytes, without consuming anything. Used to check
// for a client interrupt while a resume request is pending, where the
// eventual consuming read still has to happen through next() once the
// driver actually resumes (spec.md §4.G).
func (r *reader) peekInterrupt() bool {
	return bytes.IndexByte(r.buf.Bytes(), interruptByte) >= 0
}

// next extracts one complete packet payload from the buffered bytes, if
// one is available. ok is false if more bytes are needed. interrupted is
// true if an out-of-band interrupt byte was consumed instead of (or before)
// a packet.
func (r *reader) next() (payload string, interrupted bool, ok bool) {
	raw := r.buf.Bytes()

	start := -1
	for i, b := range raw {
		if b == interruptByte {
			r.buf.Next(i + 1)
			return "", true, true
		}
		if b == '$' {
			start = i
			break
		}
	}
	if start == -1 {
		r.buf.Reset()
		return "", false, false
	}

	end := -1
	for i := start + 1; i < len(raw); i++ {
		if raw[i] == '#' {
			end = i
			break
		}
	}
	if end == -1 || end+2 >= len(raw) {
		// Discard the skipped prefix but keep the in-progress packet
		// buffered until the checksum bytes arrive.
		r.buf.Next(start)
		return "", false, false
	}

	payload = string(raw[start+1 : end])
	r.buf.Next(end + 3) // payload, '#', and two checksum hex digits
	return payload, false, true
}
