package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"scadabridge/internal/acl"
	"scadabridge/internal/apperrors"
	"scadabridge/internal/models"
	"scadabridge/internal/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct{}

func (fakeAuth) ValidateTokenJWT(token string) (models.Identity, error) {
	switch token {
	case "Bearer operator":
		return models.Identity{UID: "u1", Email: "op@acme.com", TenantID: "acme"}, nil
	case "Bearer viewer":
		return models.Identity{UID: "u2", Email: "v@acme.com", TenantID: "acme"}, nil
	case "Bearer stranger":
		return models.Identity{UID: "u3", TenantID: "ghost"}, nil
	}
	return models.Identity{}, apperrors.ErrInvalidToken
}

type fakeAuthorizer struct{}

func (fakeAuthorizer) Authorize(id models.Identity) (acl.Grant, error) {
	if id.TenantID == "ghost" {
		return acl.Grant{}, apperrors.ErrInvalidConfig
	}
	g := acl.Grant{
		Principal: models.Principal{UID: id.UID, TenantID: "acme", Role: models.RoleOperator, Email: id.Email},
		Tenant:    models.Tenant{ID: "acme", Active: true, BrokerKey: "west"},
		Prefixes:  []string{},
	}
	if id.UID == "u2" {
		return g, apperrors.ErrNoPrefixes
	}
	g.Principal.PlantIDs = []string{"plant1"}
	g.Prefixes = []string{"base/acme/plant1"}
	return g, nil
}

type fakePool struct {
	status  map[string]bool
	err     error
	payload string
	key     string
}

func (p *fakePool) Status() map[string]bool { return p.status }
func (p *fakePool) Resolve(string) string   { return "default" }

func (p *fakePool) Publish(_ context.Context, key, _ string, payload []byte, _ byte, _ bool) (string, error) {
	p.key, p.payload = key, string(payload)
	return "default", p.err
}

type fakeSessions int

func (n fakeSessions) Count() int { return int(n) }

type fakeJobs int

func (n fakeJobs) GetScheduledJobCount() int { return int(n) }

func newServer(pool *fakePool) http.Handler {
	return NewWebServer(":0", Dependencies{
		Auth:       fakeAuth{},
		Authorizer: fakeAuthorizer{},
		Pool:       pool,
		Sessions:   fakeSessions(3),
		Jobs:       fakeJobs(1),
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("# metrics\n")) }),
	}).Handler()
}

func do(h http.Handler, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHealth(t *testing.T) {
	h := newServer(&fakePool{status: map[string]bool{"default": true, "west": false}})
	w, body := do(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]interface{}{"default": true, "west": false}, body["brokers"])
	assert.Equal(t, 3.0, body["sessions"])
	assert.Equal(t, 1.0, body["jobs"])
}

func TestMetricsRoute(t *testing.T) {
	w, _ := do(newServer(&fakePool{}), http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# metrics\n", w.Body.String())
}

func TestSession(t *testing.T) {
	h := newServer(&fakePool{})

	w, body := do(h, http.MethodGet, "/api/session", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", body["uid"])
	assert.Equal(t, "acme", body["tenantId"])
	assert.Equal(t, "operator", body["role"])
	assert.Equal(t, "default", body["broker"])
	assert.Equal(t, []interface{}{"base/acme/plant1"}, body["allowedPrefixes"])

	w, body = do(h, http.MethodGet, "/api/session", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, body["allowedPrefixes"])

	w, _ = do(h, http.MethodGet, "/api/session", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(h, http.MethodGet, "/api/session", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPublish(t *testing.T) {
	pool := &fakePool{}
	h := newServer(pool)

	w, body := do(h, http.MethodPost, "/api/publish", "operator", map[string]interface{}{
		"topic": "base/acme/plant1/cmd/pump", "payload": map[string]interface{}{"on": true}, "qos": 1,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"ok": true, "topic": "base/acme/plant1/cmd/pump", "broker": "default"}, body)
	assert.Equal(t, `{"on":true}`, pool.payload)
	assert.Equal(t, "west", pool.key)

	w, body = do(h, http.MethodPost, "/api/publish", "operator", map[string]interface{}{"topic": "base/acme/plant2/cmd/pump", "payload": "1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Topic not allowed", body["error"])

	w, _ = do(h, http.MethodPost, "/api/publish", "viewer", map[string]interface{}{"topic": "base/acme/plant1/cmd/pump", "payload": "1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(h, http.MethodPost, "/api/publish", "operator", map[string]interface{}{"payload": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishErrors(t *testing.T) {
	pool := &fakePool{err: apperrors.WrapTransient(apperrors.ErrBrokerUnavailable, "mqtt", "EnsureConnected", "wait")}
	h := newServer(pool)
	w, body := do(h, http.MethodPost, "/api/publish", "operator", map[string]interface{}{"topic": "base/acme/plant1/x", "payload": 5})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "MQTT publish rc=4", body["error"])

	pool.err = &mqtt.PublishError{Code: mqtt.RCUnknown}
	w, body = do(h, http.MethodPost, "/api/publish", "operator", map[string]interface{}{"topic": "base/acme/plant1/x", "payload": 5})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "MQTT publish rc=13", body["error"])
}
