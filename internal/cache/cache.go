// Package cache keeps the last value seen on every topic so new WebSocket
// sessions can be seeded with current state.
package cache

import (
	"sort"
	"sync"
	"time"

	"scadabridge/internal/acl"
	"scadabridge/internal/mqtt"
)

const defaultMaxEntries = 50000

// LastValue is one cached message as sent in the hello snapshot
type LastValue struct {
	mqtt.Message
	Timestamp time.Time `json:"ts"`
}

type entryKey struct {
	broker string
	topic  string
}

// LastValues is the live message cache
type LastValues struct {
	mu         sync.RWMutex
	entries    map[entryKey]LastValue
	maxEntries int
}

// New creates a cache holding at most maxEntries topics (0 selects the default)
func New(maxEntries int) *LastValues {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &LastValues{
		entries:    make(map[entryKey]LastValue),
		maxEntries: maxEntries,
	}
}

// Remember stores msg as the last value of its topic on its broker
func (c *LastValues) Remember(msg mqtt.Message) {
	ts := msg.ReceivedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	k := entryKey{broker: msg.Broker, topic: msg.Topic}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[k]; !ok && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[k] = LastValue{Message: msg, Timestamp: ts}
}

// Snapshot returns the cached values of broker whose topic is allowed by
// prefixes, ordered by topic.
func (c *LastValues) Snapshot(prefixes []string, broker string) []LastValue {
	out := []LastValue{}
	if len(prefixes) == 0 {
		return out
	}

	c.mu.RLock()
	for k, v := range c.entries {
		if k.broker == broker && acl.Allowed(k.topic, prefixes) {
			out = append(out, v)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Len returns the number of cached topics
func (c *LastValues) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest drops the least recently updated entry; caller holds mu
func (c *LastValues) evictOldest() {
	var oldest entryKey
	var oldestAt time.Time
	first := true
	for k, v := range c.entries {
		if first || v.Timestamp.Before(oldestAt) {
			oldest, oldestAt, first = k, v.Timestamp, false
		}
	}
	delete(c.entries, oldest)
}
