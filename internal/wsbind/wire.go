package wsbind

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aurelabs/assay/internal/stage"
)

// controlPrefix marks an inbound message as a JSON control message
// rather than an encoded frame.
const controlPrefix = 0x00

// ControlMessage is the JSON body of a control message.
type ControlMessage struct {
	Action string `json:"action"`
	Task   string `json:"task,omitempty"`
}

// EncodeResponse frames a processed-frame reply: 4-byte big-endian
// status length, status JSON, then the encoded annotated image.
func EncodeResponse(st stage.StatusUpdate, image []byte) ([]byte, error) {
	status, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(status)+len(image))
	binary.BigEndian.PutUint32(out[:4], uint32(len(status)))
	copy(out[4:], status)
	copy(out[4+len(status):], image)
	return out, nil
}

// DecodeResponse splits a framed reply back into status and image bytes.
func DecodeResponse(data []byte) (stage.StatusUpdate, []byte, error) {
	var st stage.StatusUpdate
	if len(data) < 4 {
		return st, nil, errors.New("wsbind: short response")
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < n {
		return st, nil, fmt.Errorf("wsbind: truncated status block (%d < %d)", len(data)-4, n)
	}
	if err := json.Unmarshal(data[4:4+n], &st); err != nil {
		return st, nil, err
	}
	return st, data[4+n:], nil
}

// isControl reports whether an inbound binary message carries a control
// body instead of a frame.
func isControl(data []byte) bool {
	return len(data) > 0 && data[0] == controlPrefix
}
