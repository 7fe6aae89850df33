package router

import (
	"encoding/json"
	"fmt"
)

// FrameType is the tagged sum's discriminant. Anything outside this set is
// rejected by DecodeFrame before any handler ever sees it
// (spec.md §9 redesign note: unknown types are a decode-time error, not a
// runtime default).
type FrameType string

const (
	FrameTypePing    FrameType = "ping"
	FrameTypeCommand FrameType = "command"
	FrameTypeEvent   FrameType = "event"
	FrameTypeWebRTC  FrameType = "webrtc"
)

func (t FrameType) valid() bool {
	switch t {
	case FrameTypePing, FrameTypeCommand, FrameTypeEvent, FrameTypeWebRTC:
		return true
	default:
		return false
	}
}

// UnknownTypeError is returned by DecodeFrame when the inbound JSON's "type"
// field is not one of {ping, command, event, webrtc}.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("invalid message type: %s", e.Type)
}

// Frame is a decoded inbound frame. Raw retains the original bytes so
// handlers can forward the frame verbatim (with from_device_id appended)
// without needing to know every field a client-defined payload carries.
type Frame struct {
	Type   FrameType
	ReqID  string
	Raw    json.RawMessage
}

type frameEnvelope struct {
	Type  string `json:"type"`
	ReqID string `json:"req_id,omitempty"`
}

// DecodeFrame parses raw into a Frame, rejecting malformed JSON and unknown
// types up front.
func DecodeFrame(raw []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, err
	}
	t := FrameType(env.Type)
	if !t.valid() {
		return Frame{}, &UnknownTypeError{Type: env.Type}
	}
	return Frame{Type: t, ReqID: env.ReqID, Raw: raw}, nil
}

// withFromDeviceID returns raw with "from_device_id" set to fromDeviceID,
// preserving every other field the sender sent.
func withFromDeviceID(raw json.RawMessage, fromDeviceID int64) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["from_device_id"] = fromDeviceID
	return json.Marshal(fields)
}

func errorFrame(message string) []byte {
	b, _ := json.Marshal(map[string]string{"error": message})
	return b
}

func targetOfflineFrame(targetDeviceID int64, reqID string) []byte {
	body := map[string]interface{}{
		"error":            "target_offline",
		"target_device_id": targetDeviceID,
	}
	if reqID != "" {
		body["req_id"] = reqID
	}
	b, _ := json.Marshal(body)
	return b
}

func queuedEventFrame(reqID string) []byte {
	body := map[string]interface{}{
		"type":  "event",
		"event": "QUEUED",
	}
	if reqID != "" {
		body["req_id"] = reqID
	}
	b, _ := json.Marshal(body)
	return b
}

func presenceFrame(event string, deviceID int64) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"type":      "event",
		"event":     event,
		"device_id": deviceID,
	})
	return b
}
