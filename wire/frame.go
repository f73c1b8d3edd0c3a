// Package wire defines how afspm messages are laid out as bytes.
//
// A broadcast is a multipart frame: [envelope, payload] upstream, plus an
// 8-byte relay sequence number on the downstream side. The kill signal is
// the single part [KILL]. Parts are carried as a CBOR array of byte strings
// so any transport that moves opaque messages can carry them.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/afspm/errors"
)

// KillEnvelope is the reserved envelope of the termination broadcast.
const KillEnvelope = "KILL"

// Frame is one broadcast message.
type Frame struct {
	Envelope string
	Payload  []byte
	// Seq is assigned by the relay on rebroadcast; zero upstream.
	Seq uint64
}

// KillFrame returns the termination frame.
func KillFrame() Frame {
	return Frame{Envelope: KillEnvelope}
}

// IsKill reports whether the frame is the termination signal.
func (f Frame) IsKill() bool {
	return f.Envelope == KillEnvelope && len(f.Payload) == 0
}

// Parts returns the multipart representation of the frame.
func (f Frame) Parts() [][]byte {
	if f.IsKill() {
		return [][]byte{[]byte(KillEnvelope)}
	}
	parts := [][]byte{[]byte(f.Envelope), f.Payload}
	if f.Seq > 0 {
		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, f.Seq)
		parts = append(parts, seq)
	}
	return parts
}

// EncodeFrame serializes a frame.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := cbor.Marshal(f.Parts())
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "EncodeFrame", "cbor marshal")
	}
	return data, nil
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var parts [][]byte
	if err := cbor.Unmarshal(data, &parts); err != nil {
		return Frame{}, errors.WrapInvalid(errors.ErrMalformedMessage, "wire", "DecodeFrame",
			fmt.Sprintf("cbor unmarshal: %v", err))
	}
	return FrameFromParts(parts)
}

// FrameFromParts validates and converts multipart data into a Frame.
func FrameFromParts(parts [][]byte) (Frame, error) {
	switch len(parts) {
	case 1:
		if string(parts[0]) != KillEnvelope {
			return Frame{}, errors.WrapInvalid(errors.ErrMalformedMessage, "wire", "FrameFromParts",
				fmt.Sprintf("single-part frame %q", parts[0]))
		}
		return KillFrame(), nil
	case 2, 3:
		f := Frame{Envelope: string(parts[0]), Payload: parts[1]}
		if len(parts) == 3 {
			if len(parts[2]) != 8 {
				return Frame{}, errors.WrapInvalid(errors.ErrMalformedMessage, "wire", "FrameFromParts",
					"sequence part length")
			}
			f.Seq = binary.BigEndian.Uint64(parts[2])
		}
		return f, nil
	default:
		return Frame{}, errors.WrapInvalid(errors.ErrMalformedMessage, "wire", "FrameFromParts",
			fmt.Sprintf("%d parts", len(parts)))
	}
}
