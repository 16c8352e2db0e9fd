package config

import (
	"fmt"
	"regexp"
	"strings"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/models"

	"github.com/spf13/viper"
)

var unsafeBrokerKey = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// profileOverride is one entry of MQTT_BROKER_PROFILES; unset fields inherit
// from the base profile built from the MQTT_* variables.
type profileOverride struct {
	Host        *string `mapstructure:"host"`
	Port        *int    `mapstructure:"port"`
	Username    *string `mapstructure:"username"`
	Password    *string `mapstructure:"password"`
	TLS         *bool   `mapstructure:"tls"`
	TLSInsecure *bool   `mapstructure:"tlsinsecure"`
	CACertPath  *string `mapstructure:"cacertpath"`
	ClientID    *string `mapstructure:"clientid"`
	Keepalive   *int    `mapstructure:"keepalive"`
}

// SanitizeBrokerKey normalizes a broker key. Keys are case-insensitive.
func SanitizeBrokerKey(raw string) string {
	key := unsafeBrokerKey.ReplaceAllString(strings.TrimSpace(raw), "_")
	return strings.ToLower(strings.Trim(key, "_"))
}

// ParseBrokerProfiles merges the JSON object raw ({"<key>": {...}}) over base
// and returns the profiles by key. The default profile always exists and every
// profile needs a host.
func ParseBrokerProfiles(base models.BrokerProfile, raw string) (map[string]models.BrokerProfile, error) {
	overrides := map[string]profileOverride{}
	if raw = strings.TrimSpace(raw); raw != "" {
		v := viper.New()
		v.SetConfigType("json")
		if err := v.ReadConfig(strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("%w: MQTT_BROKER_PROFILES is not a JSON object: %v", apperrors.ErrInvalidConfig, err)
		}
		var decoded map[string]profileOverride
		if err := v.Unmarshal(&decoded); err != nil {
			return nil, fmt.Errorf("%w: MQTT_BROKER_PROFILES: %v", apperrors.ErrInvalidConfig, err)
		}
		for rawKey, o := range decoded {
			key := SanitizeBrokerKey(rawKey)
			if key == "" {
				return nil, fmt.Errorf("%w: invalid broker key %q", apperrors.ErrInvalidConfig, rawKey)
			}
			overrides[key] = o
		}
	}
	if _, ok := overrides[models.DefaultBrokerKey]; !ok {
		overrides[models.DefaultBrokerKey] = profileOverride{}
	}

	profiles := make(map[string]models.BrokerProfile, len(overrides))
	for key, o := range overrides {
		p := mergeProfile(base, o)
		p.Key = key
		if p.Host == "" {
			return nil, fmt.Errorf("%w: profile %q", apperrors.ErrMissingBrokerHost, key)
		}
		profiles[key] = p
	}
	if _, ok := profiles[models.DefaultBrokerKey]; !ok {
		return nil, apperrors.ErrMissingDefaultBroker
	}
	return profiles, nil
}

func mergeProfile(base models.BrokerProfile, o profileOverride) models.BrokerProfile {
	p := base
	if o.Host != nil {
		p.Host = strings.TrimSpace(*o.Host)
	}
	if o.Port != nil && *o.Port > 0 {
		p.Port = *o.Port
	}
	if o.Username != nil {
		p.Username = *o.Username
	}
	if o.Password != nil {
		p.Password = *o.Password
	}
	if o.TLS != nil {
		p.TLS.Enabled = *o.TLS
	}
	if o.TLSInsecure != nil {
		p.TLS.InsecureSkipVerify = *o.TLSInsecure
	}
	if o.CACertPath != nil {
		p.TLS.CAFile = *o.CACertPath
	}
	if o.ClientID != nil {
		p.ClientID = strings.TrimSpace(*o.ClientID)
	}
	if o.Keepalive != nil && *o.Keepalive > 0 {
		p.Keepalive = *o.Keepalive
	}
	if p.Port <= 0 {
		p.Port = 8883
	}
	if p.Keepalive <= 0 {
		p.Keepalive = 30
	}
	return p
}

func trimSlashes(s string) string {
	return strings.Trim(strings.TrimSpace(s), "/")
}
