package config

import (
	"fmt"
	"time"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/models"
	"scadabridge/internal/utils"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// MQTTConfig holds broker and topic settings
type MQTTConfig struct {
	Profiles       map[string]models.BrokerProfile
	ClientID       string
	TopicBase      string
	PublicPrefixes []string
	ConnectTimeout time.Duration
}

// SessionConfig bounds WebSocket sessions per tenant
type SessionConfig struct {
	MaxPerTenant    int
	TTL             time.Duration
	CleanupInterval time.Duration
	DeliveryTimeout time.Duration
}

// AlarmConfig configures the alarm engine
type AlarmConfig struct {
	RefreshInterval time.Duration
	QueueSize       int
	MaxInFlight     int
}

// TrendConfig configures the trend batch writer
type TrendConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// MailConfig holds notifier transport settings
type MailConfig struct {
	Provider      string
	Host          string
	Port          int
	User          string
	Password      string
	From          string
	FromName      string
	StartTLS      bool
	TLS           bool
	Timeout       time.Duration
	SubjectPrefix string
	ReplyTo       string
	ResendAPIKey  string
	AWSRegion     string
}

// Config holds application configuration
type Config struct {
	DBURL             string
	RedisAddr         string
	HTTPAddr          string
	MetricsAddr       string
	LogLevel          string
	LogFormat         string
	JWTSecret         string
	DefaultTenantID   string
	DefaultPlantID    string
	TenantConfigDir   string
	AdminEmails       []string
	MasterAdminEmails []string
	MDNSLocalName     string

	MQTT    MQTTConfig
	Session SessionConfig
	Alarm   AlarmConfig
	Trend   TrendConfig
	Mail    MailConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("METRICS_ADDR", ":9101")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("DEFAULT_EMPRESA_ID", "default")
	v.SetDefault("DEFAULT_PLANTA_ID", "default")
	v.SetDefault("TENANT_CONFIG_DIR", "data")

	v.SetDefault("MQTT_PORT", 8883)
	v.SetDefault("MQTT_TLS", true)
	v.SetDefault("MQTT_CLIENT_ID", "webbridge-backend")
	v.SetDefault("MQTT_KEEPALIVE", 30)
	v.SetDefault("TOPIC_BASE", "scada/customers")
	v.SetDefault("BROKER_CONNECT_TIMEOUT", "10s")

	v.SetDefault("SESSION_TTL_SECONDS", 300)
	v.SetDefault("SESSION_CLEANUP_INTERVAL_SECONDS", 120)
	v.SetDefault("WS_DELIVERY_TIMEOUT", "5s")

	v.SetDefault("ALARM_REFRESH_SECONDS", 60)
	v.SetDefault("ALARM_QUEUE_SIZE", 1024)
	v.SetDefault("ALARM_MAX_INFLIGHT", 32)

	v.SetDefault("TREND_BATCH_SIZE", 200)
	v.SetDefault("TREND_FLUSH_INTERVAL", "1s")

	v.SetDefault("MAIL_PROVIDER", "smtp")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_STARTTLS", true)
	v.SetDefault("SMTP_TIMEOUT", "10s")
	v.SetDefault("ALARM_EMAIL_SUBJECT_PREFIX", "[Alarma SCADA]")
	v.SetDefault("AWS_REGION", "us-east-1")
}

// LoadConfig reads configuration from .env and environment variables.
// A broker configuration without a usable default profile is fatal.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBURL:             v.GetString("DATABASE_URL"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		MetricsAddr:       v.GetString("METRICS_ADDR"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
		JWTSecret:         v.GetString("JWT_SECRET"),
		DefaultTenantID:   utils.SanitizeID(v.GetString("DEFAULT_EMPRESA_ID"), "default"),
		DefaultPlantID:    utils.SanitizeID(v.GetString("DEFAULT_PLANTA_ID"), "default"),
		TenantConfigDir:   v.GetString("TENANT_CONFIG_DIR"),
		AdminEmails:       utils.SplitCSV(v.GetString("CONFIG_ADMIN_EMAILS")),
		MasterAdminEmails: utils.SplitCSV(v.GetString("MASTER_ADMIN_EMAILS")),
		MDNSLocalName:     v.GetString("MDNS_LOCAL_NAME"),
		MQTT: MQTTConfig{
			ClientID:       v.GetString("MQTT_CLIENT_ID"),
			TopicBase:      trimSlashes(v.GetString("TOPIC_BASE")),
			PublicPrefixes: publicPrefixes(v.GetString("PUBLIC_ALLOWED_PREFIXES")),
			ConnectTimeout: v.GetDuration("BROKER_CONNECT_TIMEOUT"),
		},
		Session: SessionConfig{
			MaxPerTenant:    v.GetInt("MAX_ACTIVE_SESSIONS_PER_COMPANY"),
			TTL:             time.Duration(v.GetInt("SESSION_TTL_SECONDS")) * time.Second,
			CleanupInterval: time.Duration(v.GetInt("SESSION_CLEANUP_INTERVAL_SECONDS")) * time.Second,
			DeliveryTimeout: v.GetDuration("WS_DELIVERY_TIMEOUT"),
		},
		Alarm: AlarmConfig{
			RefreshInterval: refreshInterval(v.GetInt("ALARM_REFRESH_SECONDS")),
			QueueSize:       positive(v.GetInt("ALARM_QUEUE_SIZE"), 1024),
			MaxInFlight:     positive(v.GetInt("ALARM_MAX_INFLIGHT"), 32),
		},
		Trend: TrendConfig{
			BatchSize:     positive(v.GetInt("TREND_BATCH_SIZE"), 200),
			FlushInterval: v.GetDuration("TREND_FLUSH_INTERVAL"),
		},
		Mail: MailConfig{
			Provider:      v.GetString("MAIL_PROVIDER"),
			Host:          v.GetString("SMTP_HOST"),
			Port:          v.GetInt("SMTP_PORT"),
			User:          v.GetString("SMTP_USER"),
			Password:      v.GetString("SMTP_PASSWORD"),
			From:          v.GetString("SMTP_FROM"),
			FromName:      v.GetString("SMTP_FROM_NAME"),
			StartTLS:      v.GetBool("SMTP_STARTTLS"),
			TLS:           v.GetBool("SMTP_TLS"),
			Timeout:       v.GetDuration("SMTP_TIMEOUT"),
			SubjectPrefix: v.GetString("ALARM_EMAIL_SUBJECT_PREFIX"),
			ReplyTo:       v.GetString("SMTP_REPLY_TO"),
			ResendAPIKey:  v.GetString("RESEND_API_KEY"),
			AWSRegion:     v.GetString("AWS_REGION"),
		},
	}

	base := models.BrokerProfile{
		Host:     v.GetString("MQTT_HOST"),
		Port:     v.GetInt("MQTT_PORT"),
		Username: v.GetString("MQTT_USERNAME"),
		Password: v.GetString("MQTT_PASSWORD"),
		TLS: models.TLSSettings{
			Enabled:            v.GetBool("MQTT_TLS"),
			InsecureSkipVerify: v.GetBool("MQTT_TLS_INSECURE"),
			CAFile:             v.GetString("MQTT_CA_CERT_PATH"),
		},
		Keepalive: v.GetInt("MQTT_KEEPALIVE"),
	}
	profiles, err := ParseBrokerProfiles(base, v.GetString("MQTT_BROKER_PROFILES"))
	if err != nil {
		return nil, apperrors.WrapFatal(err, "config", "LoadConfig", "parse broker profiles")
	}
	cfg.MQTT.Profiles = profiles

	if cfg.MQTT.TopicBase == "" {
		return nil, apperrors.WrapFatal(fmt.Errorf("%w: TOPIC_BASE is empty", apperrors.ErrInvalidConfig),
			"config", "LoadConfig", "validate topic base")
	}
	if cfg.MQTT.ConnectTimeout <= 0 {
		cfg.MQTT.ConnectTimeout = 10 * time.Second
	}
	if cfg.Session.DeliveryTimeout <= 0 {
		cfg.Session.DeliveryTimeout = 5 * time.Second
	}
	if cfg.Trend.FlushInterval <= 0 {
		cfg.Trend.FlushInterval = time.Second
	}
	return cfg, nil
}

// refreshInterval never reloads faster than every five seconds
func refreshInterval(seconds int) time.Duration {
	if seconds < 5 {
		seconds = 5
	}
	return time.Duration(seconds) * time.Second
}

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func publicPrefixes(raw string) []string {
	var out []string
	for _, p := range utils.SplitCSV(raw) {
		if p = trimSlashes(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
