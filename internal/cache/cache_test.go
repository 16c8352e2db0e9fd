package cache

import (
	"testing"
	"time"

	"scadabridge/internal/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(broker, topic, text string, at time.Time) mqtt.Message {
	return mqtt.Message{
		Topic:      topic,
		Payload:    mqtt.DecodePayload([]byte(text)),
		Broker:     broker,
		ReceivedAt: at,
	}
}

func TestSnapshot_FiltersByPrefixAndBroker(t *testing.T) {
	c := New(0)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.Remember(msg("default", "base/acme/plant1/trend/temp", "41", t0))
	c.Remember(msg("default", "base/acme/plant1/trend/temp", "42", t0.Add(time.Second)))
	c.Remember(msg("default", "base/acme/plant2/trend/temp", "7", t0))
	c.Remember(msg("east", "base/acme/plant1/trend/flow", "3", t0))

	snap := c.Snapshot([]string{"base/acme/plant1"}, "default")
	require.Len(t, snap, 1)
	assert.Equal(t, "42", snap[0].Payload.Text)
	assert.Equal(t, t0.Add(time.Second), snap[0].Timestamp)

	assert.Len(t, c.Snapshot([]string{"base/acme"}, "default"), 2)
	assert.Len(t, c.Snapshot([]string{"base/acme"}, "east"), 1)
	assert.Empty(t, c.Snapshot(nil, "default"))
}

func TestRemember_EvictsOldestWhenFull(t *testing.T) {
	c := New(2)
	t0 := time.Now()
	c.Remember(msg("default", "a", "1", t0))
	c.Remember(msg("default", "b", "2", t0.Add(time.Second)))
	c.Remember(msg("default", "c", "3", t0.Add(2*time.Second)))

	assert.Equal(t, 2, c.Len())
	snap := c.Snapshot([]string{"a", "b", "c"}, "default")
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Topic)
	assert.Equal(t, "c", snap[1].Topic)
}
