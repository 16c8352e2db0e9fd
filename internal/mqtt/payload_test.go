package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		kind PayloadKind
		json string
	}{
		{"number text", []byte("42.5"), PayloadText, `"42.5"`},
		{"plain text", []byte("pump on"), PayloadText, `"pump on"`},
		{"object", []byte(` {"value": 1} `), PayloadJSON, `{"value":1}`},
		{"array", []byte(`[1,2]`), PayloadJSON, `[1,2]`},
		{"broken object", []byte(`{"value":`), PayloadText, `"{\"value\":"`},
		{"braced non-json", []byte(`{temp: 42}`), PayloadBinary, `{"_binary_base64":"e3RlbXA6IDQyfQ=="}`},
		{"bracketed non-json", []byte(`[a, b]`), PayloadBinary, `{"_binary_base64":"W2EsIGJd"}`},
		{"binary", []byte{0xff, 0xfe, 0x01}, PayloadBinary, `{"_binary_base64":"//4B"}`},
		{"empty", []byte{}, PayloadText, `""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DecodePayload(tt.raw)
			assert.Equal(t, tt.kind, p.Kind)
			out, err := json.Marshal(p)
			require.NoError(t, err)
			assert.Equal(t, tt.json, string(out))
		})
	}
}

func TestPayloadBytes(t *testing.T) {
	assert.Equal(t, []byte("hi"), DecodePayload([]byte("hi")).Bytes())
	assert.Equal(t, []byte(`{"a":1}`), DecodePayload([]byte(`{"a":1}`)).Bytes())
	assert.Equal(t, []byte{0xff}, DecodePayload([]byte{0xff}).Bytes())
}

func TestMessageJSON(t *testing.T) {
	msg := Message{Topic: "base/acme/p1/trend/temp", Payload: DecodePayload([]byte(`{"value":3}`)), QoS: 1, Broker: "default"}
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"base/acme/p1/trend/temp","payload":{"value":3},"qos":1,"retain":false,"broker":"default"}`, string(out))
}
