// Package rsp implements the framing layer of the GDB Remote Serial
// Protocol: `$data#cc` packets, acknowledgment bytes, run-length expansion
// and `}`-escape decoding for binary payloads. It converts a raw byte
// stream into a sequence of packets and interrupt indications, and frames
// outgoing replies.
package rsp

const (
	packetStart   = '$'
	packetEnd     = '#'
	escapeMarker  = 0x7d
	runLengthMark = '*'
	interruptByte = 0x03
)

// checksum is the mod-256 sum of the body bytes as they appear on the
// wire, before escape or run-length decoding.
func checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}

// decodeWire expands run-length repeats and `}`-escapes in a raw packet
// body. An escaped byte is the following byte XOR 0x20; a `*` repeats the
// previous decoded byte (count = next byte - 29). Malformed sequences pass
// through as literals so a noisy peer cannot wedge the stream.
func decodeWire(body []byte) []byte {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		switch b := body[i]; b {
		case escapeMarker:
			if i+1 >= len(body) {
				out = append(out, b)
				break
			}
			i++
			out = append(out, body[i]^0x20)
		case runLengthMark:
			if len(out) == 0 || i+1 >= len(body) {
				out = append(out, b)
				break
			}
			i++
			n := int(body[i]) - 29
			last := out[len(out)-1]
			for j := 0; j < n; j++ {
				out = append(out, last)
			}
		default:
			out = append(out, b)
		}
	}
	return out
}

// escapeBinary rewrites payload bytes that collide with framing or
// run-length markers into their escaped form.
func escapeBinary(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		switch b {
		case packetStart, packetEnd, escapeMarker, runLengthMark:
			out = append(out, escapeMarker, b^0x20)
		default:
			out = append(out, b)
		}
	}
	return out
}

func hexNibble(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
