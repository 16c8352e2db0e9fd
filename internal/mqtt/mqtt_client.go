package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"scadabridge/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// clientID returns the MQTT client identifier of a profile
func clientID(p models.BrokerProfile, base string) string {
	if p.ClientID != "" {
		return p.ClientID
	}
	if p.Key == models.DefaultBrokerKey {
		return base
	}
	return base + "-" + p.Key
}

func brokerURL(p models.BrokerProfile) string {
	scheme := "tcp"
	if p.TLS.Enabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
}

func tlsConfig(s models.TLSSettings) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: s.InsecureSkipVerify}
	if s.CAFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(s.CAFile)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file %s", s.CAFile)
	}
	cfg.RootCAs = cp
	return cfg, nil
}

// clientOptions builds the paho options of one profile. Connection callbacks
// are attached by the pool.
func clientOptions(p models.BrokerProfile, baseClientID string) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(p)).
		SetClientID(clientID(p, baseClientID)).
		SetOrderMatters(false).
		SetKeepAlive(time.Duration(p.Keepalive) * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(true)

	if p.Username != "" {
		opts.SetUsername(p.Username)
		opts.SetPassword(p.Password)
	}
	if p.TLS.Enabled {
		tlsCfg, err := tlsConfig(p.TLS)
		if err != nil {
			return nil, fmt.Errorf("broker %s: %w", p.Key, err)
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}
