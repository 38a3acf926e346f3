package gateway

import (
	"bytes"
	"encoding/binary"
)

// stripMuxHeader removes the container runtime's 8-byte exec stream header
// ([streamType, 0,0,0, size32BE], streamType 1=stdout 2=stderr) from a
// chunk read off the attach stream. In practice the attach stream is
// TTY-attached (container.AttachStream) so this almost never triggers; the
// wire format is defined per-chunk, not per-stream, and the strip is a
// no-op when the first byte isn't 1 or 2.
func stripMuxHeader(raw []byte) []byte {
	if len(raw) < 9 || (raw[0] != 1 && raw[0] != 2) {
		return raw
	}
	var out bytes.Buffer
	for len(raw) > 0 {
		if len(raw) < 9 || (raw[0] != 1 && raw[0] != 2) {
			out.Write(raw)
			break
		}
		size := binary.BigEndian.Uint32(raw[4:8])
		raw = raw[8:]
		n := int(size)
		if n > len(raw) {
			n = len(raw)
		}
		out.Write(raw[:n])
		raw = raw[n:]
	}
	return out.Bytes()
}
