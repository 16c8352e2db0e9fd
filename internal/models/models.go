package models

import "time"

// DefaultBrokerKey names the broker profile used when a tenant has none
const DefaultBrokerKey = "default"

// TLSSettings configures the broker transport
type TLSSettings struct {
	Enabled            bool   `json:"enabled"`
	CAFile             string `json:"ca_file"`
	InsecureSkipVerify bool   `json:"insecure"`
}

// BrokerProfile represents one MQTT broker connection configuration
type BrokerProfile struct {
	Key       string      `json:"key"`
	Host      string      `json:"host"`
	Port      int         `json:"port"`
	Username  string      `json:"username"`
	Password  string      `json:"-"`
	TLS       TLSSettings `json:"tls"`
	ClientID  string      `json:"client_id"`
	Keepalive int         `json:"keepalive"`
}

// Tenant represents an empresa
type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	BrokerKey string `json:"mqttBrokerKey"`
}

// Plant represents a planta owned by a tenant
type Plant struct {
	ID         string `json:"id"`
	SerialCode string `json:"serialCode"`
	Name       string `json:"name"`
	Active     bool   `json:"active"`
}

// RoleLists holds per-tenant role assignments by email
type RoleLists struct {
	Admins    []string `json:"admins"`
	Operators []string `json:"operators"`
	Viewers   []string `json:"viewers"`
}

// TenantConfig is the plant and assignment configuration of one tenant
type TenantConfig struct {
	Plants []Plant `json:"plants"`
	// PlantAssignments maps a lowercased email to plant ids
	PlantAssignments map[string][]string `json:"plantAssignments"`
	Roles            RoleLists           `json:"roles"`
}

// Role of a principal within its tenant
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Principal is the authenticated user context derived per request
type Principal struct {
	UID         string   `json:"uid"`
	TenantID    string   `json:"tenantId"`
	Role        Role     `json:"role"`
	Email       string   `json:"email"`
	PlantIDs    []string `json:"plantIds"`
	GlobalAdmin bool     `json:"globalAdmin"`
}

// IsAdmin reports whether the principal is scoped to the whole tenant
func (p Principal) IsAdmin() bool {
	return p.GlobalAdmin || p.Role == RoleAdmin
}

// TrendPoint is one observation ingested from telemetry
type TrendPoint struct {
	TenantID  string    `json:"tenantId"`
	PlantID   string    `json:"plantId"`
	Tag       string    `json:"tag"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// AlarmOperator compares an observed value with a threshold
type AlarmOperator string

const (
	OpGTE AlarmOperator = "gte"
	OpLTE AlarmOperator = "lte"
	OpEQ  AlarmOperator = "eq"
)

// Symbol returns the comparison symbol used in notifications
func (o AlarmOperator) Symbol() string {
	switch o {
	case OpGTE:
		return ">="
	case OpLTE:
		return "<="
	case OpEQ:
		return "=="
	}
	return string(o)
}

// Valid reports whether o is a supported operator
func (o AlarmOperator) Valid() bool {
	return o == OpGTE || o == OpLTE || o == OpEQ
}

// Value types of alarm rules
const (
	ValueTypeNumber  = "number"
	ValueTypeBoolean = "boolean"
)

// Cooldown bounds in seconds
const (
	DefaultCooldownSeconds = 300
	MaxCooldownSeconds     = 86400
)

// AlarmRule represents a threshold rule on one tag
type AlarmRule struct {
	ID              int64         `json:"id"`
	TenantID        string        `json:"tenantId"`
	PlantID         string        `json:"plantId"`
	Tag             string        `json:"tag"`
	Operator        AlarmOperator `json:"operator"`
	Threshold       float64       `json:"threshold"`
	ValueType       string        `json:"valueType"`
	NotifyEmail     string        `json:"notifyEmail"`
	CooldownSeconds int           `json:"cooldownSeconds"`
	Active          bool          `json:"active"`
	LastTriggeredAt *time.Time    `json:"lastTriggeredAt,omitempty"`
	LastNotifiedAt  *time.Time    `json:"lastNotifiedAt,omitempty"`
}

// AlarmEvent is the audit record of one rule trigger
type AlarmEvent struct {
	ID            int64         `json:"id,omitempty"`
	RuleID        int64         `json:"ruleId"`
	TenantID      string        `json:"tenantId"`
	PlantID       string        `json:"plantId"`
	Tag           string        `json:"tag"`
	ObservedValue float64       `json:"observedValue"`
	Operator      AlarmOperator `json:"operator"`
	Threshold     float64       `json:"threshold"`
	EmailSent     bool          `json:"emailSent"`
	EmailError    *string       `json:"emailError,omitempty"`
	TriggeredAt   time.Time     `json:"triggeredAt"`
	NotifiedAt    *time.Time    `json:"notifiedAt,omitempty"`
}

// Identity is what the identity decoder extracts from a bearer token
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	TenantID    string `json:"tenantId"`
	MasterAdmin bool   `json:"masterAdmin"`
}
