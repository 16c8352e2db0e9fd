// Package ingest turns trend messages from the brokers into stored points
// and feeds them to the alarm engine.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/utils"
)

const trendSegment = "trend"

// TopicRef is what a trend topic encodes. Serial is empty for the legacy
// shape without a plant segment.
type TopicRef struct {
	TenantID string
	Serial   string
	Tag      string
}

// ParseTopic parses <base>/<tenant>/<serial>/trend/<tag...> and the legacy
// <base>/<tenant>/trend/<tag...>. Tags may contain slashes.
func ParseTopic(base, topic string) (TopicRef, error) {
	prefix := strings.Trim(base, "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return TopicRef{}, fmt.Errorf("%w: %s is outside %s", apperrors.ErrInvalidTopic, topic, base)
	}
	parts := strings.Split(strings.TrimPrefix(topic, prefix), "/")

	var ref TopicRef
	var tag []string
	switch {
	case len(parts) >= 4 && parts[2] == trendSegment:
		ref.TenantID = utils.SanitizeID(parts[0], "")
		ref.Serial = utils.SanitizeID(parts[1], "")
		tag = parts[3:]
		if ref.Serial == "" {
			return TopicRef{}, fmt.Errorf("%w: empty plant serial in %s", apperrors.ErrInvalidTopic, topic)
		}
	case len(parts) >= 3 && parts[1] == trendSegment:
		ref.TenantID = utils.SanitizeID(parts[0], "")
		tag = parts[2:]
	default:
		return TopicRef{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidTopic, topic)
	}

	ref.Tag = strings.Trim(strings.Join(tag, "/"), "/")
	if ref.TenantID == "" || ref.Tag == "" {
		return TopicRef{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidTopic, topic)
	}
	return ref, nil
}

// Reading is a parsed payload. Override fields are empty unless the payload
// carried them; Timestamp is always set.
type Reading struct {
	Value     float64
	TenantID  string
	PlantID   string
	Tag       string
	Timestamp time.Time
}

type objectPayload struct {
	Value     json.RawMessage `json:"value"`
	TenantID  string          `json:"tenantId"`
	EmpresaID string          `json:"empresaId"`
	PlantID   string          `json:"plantId"`
	PlantaID  string          `json:"plantaId"`
	Tag       string          `json:"tag"`
	Timestamp string          `json:"timestamp"`
}

// ParsePayload accepts a bare number or boolean, or a JSON object with a
// value field and optional tenant, plant, tag and timestamp overrides.
// Booleans become 1 and 0. now is used when no timestamp is given.
func ParsePayload(raw []byte, now time.Time) (Reading, error) {
	raw = bytes.TrimSpace(raw)
	r := Reading{Timestamp: now.UTC()}
	if len(raw) == 0 {
		return r, fmt.Errorf("%w: empty payload", apperrors.ErrInvalidPayload)
	}

	if raw[0] != '{' {
		v, err := scalar(string(raw))
		if err != nil {
			return r, err
		}
		r.Value = v
		return r, nil
	}

	var obj objectPayload
	if err := json.Unmarshal(raw, &obj); err != nil {
		return r, fmt.Errorf("%w: %v", apperrors.ErrInvalidPayload, err)
	}
	v, err := jsonValue(obj.Value)
	if err != nil {
		return r, err
	}
	r.Value = v
	r.TenantID = utils.SanitizeID(firstNonEmpty(obj.TenantID, obj.EmpresaID), "")
	r.PlantID = utils.SanitizeID(firstNonEmpty(obj.PlantID, obj.PlantaID), "")
	r.Tag = strings.TrimSpace(obj.Tag)
	if ts := strings.TrimSpace(obj.Timestamp); ts != "" {
		t, err := parseTimestamp(ts)
		if err != nil {
			return r, err
		}
		r.Timestamp = t
	}
	return r, nil
}

func jsonValue(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing value", apperrors.ErrInvalidPayload)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %v", apperrors.ErrInvalidPayload, err)
		}
		return scalar(s)
	}
	return scalar(string(raw))
}

// scalar parses a number or a boolean literal
func scalar(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a number", apperrors.ErrInvalidPayload, s)
	}
	return v, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp reads ISO-8601; a timestamp without zone is UTC
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %q", apperrors.ErrInvalidPayload, s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
