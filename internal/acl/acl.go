// Package acl maps principals to the MQTT topic prefixes they may publish to
// and receive from.
package acl

import (
	"strings"

	"scadabridge/internal/models"
	"scadabridge/internal/utils"
)

// AllowedPrefixes returns the ordered topic prefixes of p. Admins get the
// whole tenant; everyone else gets one prefix per resolvable plant followed by
// the public prefixes. A non-admin without plants gets an empty list.
func AllowedPrefixes(base string, p models.Principal, cfg models.TenantConfig, public []string) []string {
	base = strings.TrimRight(base, "/")
	if p.IsAdmin() {
		out := []string{base + "/" + p.TenantID}
		return append(out, public...)
	}

	byID := plantLookup(cfg.Plants)
	out := []string{}
	for _, id := range ResolvePlantIDs(cfg, p) {
		plant, ok := byID[id]
		if !ok || plant.SerialCode == "" {
			continue
		}
		out = append(out, base+"/"+p.TenantID+"/"+plant.SerialCode)
	}
	if len(out) == 0 {
		return out
	}
	return append(out, public...)
}

// Allowed reports whether topic falls under one of prefixes. Both sides are
// compared with exactly one trailing slash, case-sensitively.
func Allowed(topic string, prefixes []string) bool {
	t := utils.WithTrailingSlash(topic)
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(t, utils.WithTrailingSlash(p)) {
			return true
		}
	}
	return false
}

// ResolvePlantIDs returns the plant ids p may access. Admins see every plant.
// An explicit assignment wins; without one operators see every plant and
// viewers see every plant only when the tenant assigns nobody.
func ResolvePlantIDs(cfg models.TenantConfig, p models.Principal) []string {
	all := make([]string, 0, len(cfg.Plants))
	for _, plant := range cfg.Plants {
		all = append(all, plant.ID)
	}
	if p.IsAdmin() {
		return all
	}
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if email == "" {
		return nil
	}
	if assigned, ok := cfg.PlantAssignments[email]; ok {
		lookup := plantLookup(cfg.Plants)
		var out []string
		for _, id := range assigned {
			if _, ok := lookup[id]; ok {
				out = append(out, id)
			}
		}
		return out
	}
	if p.Role == models.RoleOperator || len(cfg.PlantAssignments) == 0 {
		return all
	}
	return nil
}

// RoleFor resolves the tenant role of email. Configured admin emails win over
// the tenant's role lists; unknown emails are operators.
func RoleFor(cfg models.TenantConfig, email string, adminEmails []string) models.Role {
	email = strings.TrimSpace(email)
	switch {
	case email == "":
		return models.RoleViewer
	case utils.ContainsFold(adminEmails, email), utils.ContainsFold(cfg.Roles.Admins, email):
		return models.RoleAdmin
	case utils.ContainsFold(cfg.Roles.Operators, email):
		return models.RoleOperator
	case utils.ContainsFold(cfg.Roles.Viewers, email):
		return models.RoleViewer
	}
	return models.RoleOperator
}

func plantLookup(plants []models.Plant) map[string]models.Plant {
	out := make(map[string]models.Plant, len(plants))
	for _, p := range plants {
		out[p.ID] = p
	}
	return out
}
