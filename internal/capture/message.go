package capture

import (
	"encoding/base64"
	"encoding/json"
)

// Message is the envelope published for every captured frame. Field
// order is part of the wire contract:
//
//	{"device_id":"access_control_camera","access_method":"camera","img":"<base64>"}
type Message struct {
	DeviceID     string `json:"device_id"`
	AccessMethod string `json:"access_method"`
	Image        string `json:"img"`
}

// encodeFrame base64-encodes data (standard alphabet, padded) into a
// buffer sized exactly 4*ceil(n/3).
func encodeFrame(data []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out
}

// marshalMessage serializes m compactly.
func marshalMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}
