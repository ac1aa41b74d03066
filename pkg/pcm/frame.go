// Package pcm implements the binary audio frame codec used on the
// client→server WebSocket link.
//
// Each binary message carries a fixed 16-byte little-endian header followed by
// raw 16-bit little-endian mono PCM:
//
//	offset 0  seq        uint32  advisory frame sequence number
//	offset 4  captureTs  float64 capture time, ms since the Unix epoch
//	offset 12 durationMs float32 audio duration of the payload
//
// captureTs is trusted as monotonic-enough for time bucketing; seq is only
// used to correlate transcripts back to frames when a provider echoes it.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the length of the fixed binary frame header in bytes.
const HeaderSize = 16

// ErrFrameTooShort is returned by Decode when a binary message does not carry
// any PCM payload beyond the header.
var ErrFrameTooShort = errors.New("pcm: frame shorter than or equal to header")

// Frame is a single decoded audio frame. Immutable once decoded; the PCM
// slice aliases the wire buffer and must not be modified.
type Frame struct {
	// Seq is the client-assigned frame sequence number.
	Seq uint32

	// CaptureTs is the capture timestamp in milliseconds since the Unix epoch.
	CaptureTs float64

	// DurationMs is the audio duration of the payload in milliseconds.
	DurationMs float32

	// PCM is the raw 16-bit little-endian mono sample data.
	PCM []byte
}

// Decode parses a binary wire message into a Frame. The returned Frame's PCM
// field aliases data; callers that retain the frame beyond the lifetime of the
// wire buffer must copy it.
func Decode(data []byte) (Frame, error) {
	if len(data) <= HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	return Frame{
		Seq:        binary.LittleEndian.Uint32(data[0:4]),
		CaptureTs:  math.Float64frombits(binary.LittleEndian.Uint64(data[4:12])),
		DurationMs: math.Float32frombits(binary.LittleEndian.Uint32(data[12:16])),
		PCM:        data[HeaderSize:],
	}, nil
}

// Encode serialises a Frame into the binary wire format. Used by replay
// tooling and tests; the browser worklet produces the same layout.
func Encode(f Frame) []byte {
	out := make([]byte, HeaderSize+len(f.PCM))
	binary.LittleEndian.PutUint32(out[0:4], f.Seq)
	binary.LittleEndian.PutUint64(out[4:12], math.Float64bits(f.CaptureTs))
	binary.LittleEndian.PutUint32(out[12:16], math.Float32bits(f.DurationMs))
	copy(out[HeaderSize:], f.PCM)
	return out
}
