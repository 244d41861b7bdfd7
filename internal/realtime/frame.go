package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
)

// FrameType is the leading byte of every binary frame.
type FrameType byte

const (
	// FrameSync carries a state vector from the client and the missing delta from the server.
	FrameSync FrameType = iota
	// FrameUpdate carries a CRDT delta.
	FrameUpdate
	// FrameEdit carries a positional edit the server applies on the client's behalf.
	FrameEdit
	// FramePresence carries ephemeral awareness state such as a cursor.
	FramePresence
	// FrameJoin announces a participant.
	FrameJoin
	// FrameLeave announces a departed participant.
	FrameLeave
	// FrameError reports a rejected frame. The connection stays open.
	FrameError
)

var frameTypeNames = map[FrameType]string{
	FrameSync:     "sync",
	FrameUpdate:   "update",
	FrameEdit:     "edit",
	FramePresence: "presence",
	FrameJoin:     "join",
	FrameLeave:    "leave",
	FrameError:    "error",
}

func (frameType FrameType) String() string {
	if name, ok := frameTypeNames[frameType]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", byte(frameType))
}

// ErrMalformedFrame indicates a frame without a known type byte or with an unreadable payload.
var ErrMalformedFrame = errors.New("realtime: malformed frame")

// Error frame codes.
const (
	ErrorCodeMalformed   = "malformed_update"
	ErrorCodeReadOnly    = "read_only"
	ErrorCodeRateLimited = "rate_limited"
	ErrorCodeOutOfRange  = "edit_out_of_range"
	ErrorCodeUnsupported = "unsupported_frame"
)

// SyncRequest is the client half of a sync exchange.
type SyncRequest struct {
	Vector crdt.StateVector `json:"vector"`
}

// EditRequest is a positional edit expressed in runes.
type EditRequest struct {
	Position int    `json:"position"`
	Length   int    `json:"length"`
	Text     string `json:"text"`
}

// Participant identifies one connection in a room.
type Participant struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
}

// PresenceMessage relays a participant's awareness state to its siblings.
type PresenceMessage struct {
	Participant
	State json.RawMessage `json:"state"`
}

// ErrorMessage is the payload of FrameError.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeFrame prefixes the JSON encoding of payload with the frame type.
func EncodeFrame(frameType FrameType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, byte(frameType))
	return append(frame, body...), nil
}

// DecodeFrame splits a frame into its type and raw payload.
func DecodeFrame(frame []byte) (FrameType, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	frameType := FrameType(frame[0])
	if _, ok := frameTypeNames[frameType]; !ok {
		return 0, nil, fmt.Errorf("%w: type %d", ErrMalformedFrame, frame[0])
	}
	return frameType, frame[1:], nil
}

func decodePayload(payload []byte, target any) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
