package acl

import (
	"testing"

	"scadabridge/internal/models"

	"github.com/stretchr/testify/assert"
)

func acmeConfig() models.TenantConfig {
	return models.TenantConfig{
		Plants: []models.Plant{
			{ID: "plant1", SerialCode: "plant1"},
			{ID: "plant2", SerialCode: "sn-002"},
			{ID: "plant3", SerialCode: "sn-003"},
		},
		PlantAssignments: map[string][]string{
			"ops@acme.io":   {"plant1", "plant3"},
			"ghost@acme.io": {"removed"},
		},
		Roles: models.RoleLists{
			Admins:  []string{"boss@acme.io"},
			Viewers: []string{"view@acme.io", "ghost@acme.io", "lost@acme.io"},
		},
	}
}

func TestAllowedPrefixes_Admin(t *testing.T) {
	p := models.Principal{TenantID: "acme", Role: models.RoleAdmin}
	got := AllowedPrefixes("base/", p, acmeConfig(), []string{"public/news"})
	assert.Equal(t, []string{"base/acme", "public/news"}, got)
}

func TestAllowedPrefixes_OnePrefixPerAssignedPlant(t *testing.T) {
	p := models.Principal{TenantID: "acme", Role: models.RoleOperator, Email: "Ops@Acme.io"}
	got := AllowedPrefixes("base", p, acmeConfig(), []string{"public/news"})
	assert.Equal(t, []string{"base/acme/plant1", "base/acme/sn-003", "public/news"}, got)
}

func TestAllowedPrefixes_FailClosed(t *testing.T) {
	cfg := acmeConfig()
	tests := []struct {
		name string
		p    models.Principal
	}{
		{"assignment to unknown plant", models.Principal{TenantID: "acme", Role: models.RoleViewer, Email: "ghost@acme.io"}},
		{"viewer without assignment", models.Principal{TenantID: "acme", Role: models.RoleViewer, Email: "lost@acme.io"}},
		{"no email", models.Principal{TenantID: "acme", Role: models.RoleOperator}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AllowedPrefixes("base", tt.p, cfg, []string{"public/news"})
			assert.Empty(t, got)
			assert.False(t, Allowed("base/acme/plant1/trend/temp", got))
			assert.False(t, Allowed("public/news/today", got))
		})
	}
}

func TestAllowedPrefixes_OperatorWithoutAssignmentSeesAllPlants(t *testing.T) {
	p := models.Principal{TenantID: "acme", Role: models.RoleOperator, Email: "new@acme.io"}
	got := AllowedPrefixes("base", p, acmeConfig(), nil)
	assert.Equal(t, []string{"base/acme/plant1", "base/acme/sn-002", "base/acme/sn-003"}, got)
}

func TestAllowedPrefixes_ViewerWhenTenantAssignsNobody(t *testing.T) {
	cfg := acmeConfig()
	cfg.PlantAssignments = nil
	p := models.Principal{TenantID: "acme", Role: models.RoleViewer, Email: "view@acme.io"}
	assert.Len(t, AllowedPrefixes("base", p, cfg, nil), 3)
}

func TestAllowed(t *testing.T) {
	prefixes := []string{"base/acme/plant1/"}
	assert.True(t, Allowed("base/acme/plant1/trend/temp", prefixes))
	assert.True(t, Allowed("base/acme/plant1", prefixes))
	assert.False(t, Allowed("base/acme/plant2/trend/temp", prefixes))
	assert.False(t, Allowed("base/acme/plant10/trend/temp", []string{"base/acme/plant1"}))
	assert.False(t, Allowed("Base/acme/plant1/trend/temp", prefixes))
	assert.False(t, Allowed("base/acme/plant1/x", nil))
	assert.False(t, Allowed("base/acme/plant1/x", []string{""}))
}

func TestRoleFor(t *testing.T) {
	cfg := acmeConfig()
	cfg.Roles.Operators = []string{"op@acme.io"}
	assert.Equal(t, models.RoleAdmin, RoleFor(cfg, "root@corp.io", []string{"ROOT@corp.io"}))
	assert.Equal(t, models.RoleAdmin, RoleFor(cfg, "Boss@acme.io", nil))
	assert.Equal(t, models.RoleOperator, RoleFor(cfg, "op@acme.io", nil))
	assert.Equal(t, models.RoleViewer, RoleFor(cfg, "view@acme.io", nil))
	assert.Equal(t, models.RoleOperator, RoleFor(cfg, "someone@acme.io", nil))
	assert.Equal(t, models.RoleViewer, RoleFor(cfg, "", nil))
}
