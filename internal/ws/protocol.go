package ws

import (
	"bytes"
	"encoding/json"

	"scadabridge/internal/cache"
)

// Message types of the client protocol
const (
	TypeHello   = "hello"
	TypePublish = "publish"
	TypeAck     = "ack"
	TypeError   = "error"
	TypePing    = "ping"
	TypePong    = "pong"
)

// Close codes sent when a session is refused
const (
	CloseInvalidToken      = 4401
	CloseNoPrefixes        = 4403
	CloseSessionLimit      = 4429
	CloseBrokerUnavailable = 1013
)

const (
	errUnknownType = "Unknown message type"
	errInvalidJSON = "Invalid JSON"
)

type helloMessage struct {
	Type       string            `json:"type"`
	UID        string            `json:"uid"`
	TenantID   string            `json:"tenantId"`
	Prefixes   []string          `json:"allowedPrefixes"`
	Broker     string            `json:"broker"`
	LastValues []cache.LastValue `json:"lastValues"`
}

type ackMessage struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Broker string `json:"broker"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type typeOnly struct {
	Type string `json:"type"`
}

// clientMessage is any message received from a client
type clientMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	QoS     int             `json:"qos"`
	Retain  bool            `json:"retain"`
}

func encode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(errorMessage{Type: TypeError, Error: err.Error()})
	}
	return data
}

func errorFrame(msg string) []byte {
	return encode(errorMessage{Type: TypeError, Error: msg})
}

// PublishBytes converts a JSON payload from a client into the bytes sent to
// the broker. Strings are sent as-is, objects and arrays as compact JSON and
// other scalars as their JSON text.
func PublishBytes(raw json.RawMessage) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []byte{}
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.Bytes()
		}
	}
	return append([]byte(nil), raw...)
}

// NormalizeQoS clamps a requested QoS to the MQTT range
func NormalizeQoS(qos int) byte {
	switch {
	case qos <= 0:
		return 0
	case qos >= 2:
		return 2
	}
	return byte(qos)
}
