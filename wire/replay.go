package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/afspm/errors"
)

// ReplayRequest asks the relay for the cached history of topics.
type ReplayRequest struct {
	Topics []string `cbor:"1,keyasint"`
}

// ReplayReply carries the matching history, oldest first per envelope, and
// the sequence number of the last frame the relay had broadcast when it
// answered. Live frames at or below HighWater are already covered.
type ReplayReply struct {
	Frames    []Frame `cbor:"1,keyasint"`
	HighWater uint64  `cbor:"2,keyasint"`
}

// Encode serializes the request.
func (r ReplayRequest) Encode() ([]byte, error) {
	return cbor.Marshal(r)
}

// DecodeReplayRequest parses a request.
func DecodeReplayRequest(data []byte) (ReplayRequest, error) {
	var r ReplayRequest
	if err := cbor.Unmarshal(data, &r); err != nil {
		return r, errors.WrapInvalid(errors.ErrMalformedMessage, "wire", "DecodeReplayRequest", fmt.Sprint(err))
	}
	return r, nil
}

// Encode serializes the reply.
func (r ReplayReply) Encode() ([]byte, error) {
	return cbor.Marshal(r)
}

// DecodeReplayReply parses a reply.
func DecodeReplayReply(data []byte) (ReplayReply, error) {
	var r ReplayReply
	if err := cbor.Unmarshal(data, &r); err != nil {
		return r, errors.WrapInvalid(errors.ErrMalformedMessage, "wire", "DecodeReplayReply", fmt.Sprint(err))
	}
	return r, nil
}
