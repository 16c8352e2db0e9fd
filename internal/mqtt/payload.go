package mqtt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"time"
	"unicode/utf8"
)

// PayloadKind tags the variant held by a Payload
type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadJSON
	PayloadBinary
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadJSON:
		return "json"
	case PayloadBinary:
		return "binary"
	}
	return "unknown"
}

// Payload is a decoded MQTT payload. Exactly one of Text, JSON or Binary is
// meaningful, selected by Kind.
type Payload struct {
	Kind   PayloadKind
	Text   string
	JSON   json.RawMessage
	Binary []byte
}

// DecodePayload classifies raw. Invalid UTF-8 is binary, and so is text
// wrapped in braces or brackets that does not parse as JSON. A JSON object or
// array is JSON; any other text is Text.
func DecodePayload(raw []byte) Payload {
	if !utf8.Valid(raw) {
		return Payload{Kind: PayloadBinary, Binary: append([]byte(nil), raw...)}
	}
	trimmed := bytes.TrimSpace(raw)
	if n := len(trimmed); n >= 2 {
		first, last := trimmed[0], trimmed[n-1]
		if (first == '{' && last == '}') || (first == '[' && last == ']') {
			if json.Valid(trimmed) {
				return Payload{Kind: PayloadJSON, JSON: append(json.RawMessage(nil), trimmed...)}
			}
			return Payload{Kind: PayloadBinary, Binary: append([]byte(nil), raw...)}
		}
	}
	return Payload{Kind: PayloadText, Text: string(raw)}
}

// MarshalJSON renders Text as a string, JSON verbatim and Binary as
// {"_binary_base64": "..."}.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PayloadJSON:
		if len(p.JSON) == 0 {
			return []byte("null"), nil
		}
		return p.JSON, nil
	case PayloadBinary:
		return json.Marshal(map[string]string{"_binary_base64": base64.StdEncoding.EncodeToString(p.Binary)})
	default:
		return json.Marshal(p.Text)
	}
}

// Bytes returns the wire form of the payload
func (p Payload) Bytes() []byte {
	switch p.Kind {
	case PayloadJSON:
		return p.JSON
	case PayloadBinary:
		return p.Binary
	default:
		return []byte(p.Text)
	}
}

// Message is one inbound broker message tagged with its profile key
type Message struct {
	Topic      string    `json:"topic"`
	Payload    Payload   `json:"payload"`
	QoS        byte      `json:"qos"`
	Retain     bool      `json:"retain"`
	Broker     string    `json:"broker"`
	ReceivedAt time.Time `json:"-"`
}
