package models

import "encoding/json"

type PublishRequest struct {
	Topic   string          `json:"topic" binding:"required"`
	Payload json.RawMessage `json:"payload"`
	QoS     int             `json:"qos"`
	Retain  bool            `json:"retain"`
}

type PublishResponse struct {
	OK     bool   `json:"ok"`
	Topic  string `json:"topic"`
	Broker string `json:"broker"`
}

type SessionResponse struct {
	UID             string   `json:"uid"`
	TenantID        string   `json:"tenantId"`
	Role            string   `json:"role"`
	GlobalAdmin     bool     `json:"globalAdmin"`
	PlantIDs        []string `json:"plantIds"`
	AllowedPrefixes []string `json:"allowedPrefixes"`
	Broker          string   `json:"broker"`
}

type HealthResponse struct {
	Status   string          `json:"status"`
	Brokers  map[string]bool `json:"brokers"`
	Sessions int             `json:"sessions"`
	Jobs     int             `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
