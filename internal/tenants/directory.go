// Package tenants reads tenant (empresa) and plant configuration from the JSON
// files maintained by the configuration API.
package tenants

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/models"
	"scadabridge/internal/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	companiesFile    = "companies.json"
	configFileSuffix = "_Scada_Config.json"
	defaultCacheTTL  = 30 * time.Second
)

// Directory is a read-through cache over the tenant configuration files
type Directory struct {
	dir           string
	defaultTenant string
	ttl           time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	mu        sync.Mutex
	tenants   map[string]models.Tenant
	tenantsAt time.Time
	configs   map[string]cachedConfig
}

type cachedConfig struct {
	cfg models.TenantConfig
	at  time.Time
}

// NewDirectory creates a directory rooted at dir
func NewDirectory(dir, defaultTenant string) *Directory {
	return &Directory{
		dir:           dir,
		defaultTenant: defaultTenant,
		ttl:           defaultCacheTTL,
		now:           time.Now,
		logger:        utils.Logger("TENANTS"),
		configs:       make(map[string]cachedConfig),
	}
}

// Tenant returns the tenant with id. Unknown tenants get an active record
// pinned to the default broker.
func (d *Directory) Tenant(id string) (models.Tenant, error) {
	id = utils.SanitizeID(id, d.defaultTenant)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tenants == nil || d.now().Sub(d.tenantsAt) > d.ttl {
		tenants, err := d.loadTenants()
		if err != nil {
			return models.Tenant{}, err
		}
		d.tenants = tenants
		d.tenantsAt = d.now()
	}
	if t, ok := d.tenants[id]; ok {
		return t, nil
	}
	return models.Tenant{ID: id, Name: id, Active: true, BrokerKey: models.DefaultBrokerKey}, nil
}

// Config returns the plant and assignment configuration of a tenant. A tenant
// without a config file gets the synthesized general plant.
func (d *Directory) Config(tenantID string) (models.TenantConfig, error) {
	tenantID = utils.SanitizeID(tenantID, d.defaultTenant)

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.configs[tenantID]; ok && d.now().Sub(c.at) <= d.ttl {
		return c.cfg, nil
	}
	cfg, err := d.loadConfig(tenantID)
	if err != nil {
		return models.TenantConfig{}, err
	}
	d.configs[tenantID] = cachedConfig{cfg: cfg, at: d.now()}
	return cfg, nil
}

// PlantForSerial maps a topic serial code to the plant id of a tenant
func (d *Directory) PlantForSerial(tenantID, serial string) (string, bool) {
	cfg, err := d.Config(tenantID)
	if err != nil {
		return "", false
	}
	serial = strings.ToLower(serial)
	for _, p := range cfg.Plants {
		if p.SerialCode == serial {
			return p.ID, true
		}
	}
	return "", false
}

type rawCompany struct {
	EmpresaID     string `mapstructure:"empresaid"`
	EmpresaIDAlt  string `mapstructure:"empresa_id"`
	ID            string `mapstructure:"id"`
	Slug          string `mapstructure:"slug"`
	Name          string `mapstructure:"name"`
	DisplayName   string `mapstructure:"displayname"`
	Active        *bool  `mapstructure:"active"`
	MQTTBrokerKey string `mapstructure:"mqttbrokerkey"`
	MQTTBrokerAlt string `mapstructure:"mqtt_broker_key"`
	MQTTBroker    string `mapstructure:"mqttbroker"`
	BrokerKey     string `mapstructure:"brokerkey"`
	Broker        string `mapstructure:"broker"`
}

type rawCompanies struct {
	Companies []rawCompany `mapstructure:"companies"`
	Tenants   []rawCompany `mapstructure:"tenants"`
	Items     []rawCompany `mapstructure:"items"`
}

// newJSONViper returns a viper instance for one JSON document. Emails are
// used as keys, so the key delimiter must not be a dot.
func newJSONViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigType("json")
	return v
}

func (d *Directory) loadTenants() (map[string]models.Tenant, error) {
	out := make(map[string]models.Tenant)
	data, err := os.ReadFile(filepath.Join(d.dir, companiesFile))
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", companiesFile, err)
	}
	// a bare list is the same as {"companies": [...]}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		data = append(append([]byte(`{"companies":`), trimmed...), '}')
	}

	v := newJSONViper()
	var wrapped rawCompanies
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		d.logger.Warn().Err(err).Msg("companies.json is not valid JSON")
		return out, nil
	}
	if err := v.Unmarshal(&wrapped); err != nil {
		d.logger.Warn().Err(err).Msg("companies.json has an unexpected shape")
		return out, nil
	}
	items := append(append(wrapped.Companies, wrapped.Tenants...), wrapped.Items...)

	for _, c := range items {
		id := utils.SanitizeID(firstNonEmpty(c.EmpresaID, c.EmpresaIDAlt, c.ID, c.Slug), "")
		if id == "" {
			continue
		}
		t := models.Tenant{
			ID:        id,
			Name:      firstNonEmpty(c.Name, c.DisplayName, id),
			Active:    c.Active == nil || *c.Active,
			BrokerKey: firstNonEmpty(c.MQTTBrokerKey, c.MQTTBrokerAlt, c.MQTTBroker, c.BrokerKey, c.Broker, models.DefaultBrokerKey),
		}
		out[id] = t
	}
	return out, nil
}

type rawPlant struct {
	ID         string `mapstructure:"id"`
	PlantID    string `mapstructure:"plantid"`
	Name       string `mapstructure:"name"`
	SerialCode string `mapstructure:"serialcode"`
	Serial     string `mapstructure:"serial"`
	Serie      string `mapstructure:"serie"`
	Active     *bool  `mapstructure:"active"`
}

type rawConfig struct {
	Plants           []rawPlant             `mapstructure:"plants"`
	PlantAssignments map[string]interface{} `mapstructure:"plantassignments"`
	Roles            models.RoleLists       `mapstructure:"roles"`
}

func (d *Directory) loadConfig(tenantID string) (models.TenantConfig, error) {
	path := filepath.Join(d.dir, tenantID+configFileSuffix)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return models.TenantConfig{Plants: DefaultPlants(tenantID)}, nil
	}

	v := newJSONViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return models.TenantConfig{}, fmt.Errorf("%w: %s: %v", apperrors.ErrInvalidConfig, path, err)
	}
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return models.TenantConfig{}, fmt.Errorf("%w: %s: %v", apperrors.ErrInvalidConfig, path, err)
	}

	plants, err := normalizePlants(raw.Plants, tenantID)
	if err != nil {
		return models.TenantConfig{}, err
	}
	return models.TenantConfig{
		Plants:           plants,
		PlantAssignments: normalizeAssignments(raw.PlantAssignments, plants),
		Roles:            raw.Roles,
	}, nil
}

// DefaultPlants is the plant list of a tenant without configured plants
func DefaultPlants(tenantID string) []models.Plant {
	return []models.Plant{{
		ID:         "general",
		Name:       "Planta General",
		SerialCode: utils.SanitizeID(tenantID, "general"),
		Active:     true,
	}}
}

// normalizePlants sanitizes ids and serial codes and rejects duplicates
func normalizePlants(raw []rawPlant, tenantID string) ([]models.Plant, error) {
	seenIDs := make(map[string]bool)
	seenSerials := make(map[string]bool)
	plants := make([]models.Plant, 0, len(raw))
	for i, rp := range raw {
		fallback := fmt.Sprintf("plant_%d", i+1)
		id := utils.SanitizeID(firstNonEmpty(rp.ID, rp.PlantID, rp.Name), fallback)
		serial := utils.SanitizeID(firstNonEmpty(rp.SerialCode, rp.Serial, rp.Serie), id)
		if seenIDs[id] {
			return nil, fmt.Errorf("%w: duplicate plant id %q", apperrors.ErrInvalidConfig, id)
		}
		if seenSerials[serial] {
			return nil, fmt.Errorf("%w: duplicate serialCode %q", apperrors.ErrInvalidConfig, serial)
		}
		seenIDs[id] = true
		seenSerials[serial] = true
		plants = append(plants, models.Plant{
			ID:         id,
			SerialCode: serial,
			Name:       firstNonEmpty(rp.Name, id),
			Active:     rp.Active == nil || *rp.Active,
		})
	}
	if len(plants) == 0 {
		return DefaultPlants(tenantID), nil
	}
	return plants, nil
}

// normalizeAssignments lowercases emails and keeps only known plant ids.
// A value may be a single id or a list of ids.
func normalizeAssignments(raw map[string]interface{}, plants []models.Plant) map[string][]string {
	valid := make(map[string]bool, len(plants))
	for _, p := range plants {
		valid[p.ID] = true
	}
	out := make(map[string][]string)
	for email, value := range raw {
		key := strings.ToLower(strings.TrimSpace(email))
		if key == "" {
			continue
		}
		var ids []string
		switch val := value.(type) {
		case string:
			ids = []string{val}
		case []interface{}:
			for _, item := range val {
				if id, ok := item.(string); ok {
					ids = append(ids, id)
				}
			}
		case []string:
			ids = val
		default:
			continue
		}
		seen := make(map[string]bool)
		var filtered []string
		for _, id := range ids {
			id = strings.ToLower(strings.TrimSpace(id))
			if valid[id] && !seen[id] {
				seen[id] = true
				filtered = append(filtered, id)
			}
		}
		if len(filtered) > 0 {
			out[key] = filtered
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
