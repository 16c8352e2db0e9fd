package acl

import (
	"fmt"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/models"
	"scadabridge/internal/utils"
)

// TenantReader is the tenant/plant configuration source
type TenantReader interface {
	Tenant(id string) (models.Tenant, error)
	Config(tenantID string) (models.TenantConfig, error)
}

// Grant is the authorization outcome for one identity
type Grant struct {
	Principal models.Principal `json:"principal"`
	Tenant    models.Tenant    `json:"tenant"`
	Prefixes  []string         `json:"allowedPrefixes"`
}

// Authorizer turns decoded identities into grants
type Authorizer struct {
	base         string
	public       []string
	adminEmails  []string
	masterEmails []string
	tenants      TenantReader
}

// NewAuthorizer creates an authorizer for topics under base
func NewAuthorizer(base string, public, adminEmails, masterEmails []string, tenants TenantReader) *Authorizer {
	return &Authorizer{
		base:         base,
		public:       public,
		adminEmails:  adminEmails,
		masterEmails: masterEmails,
		tenants:      tenants,
	}
}

// Authorize resolves the principal and prefixes of id. It returns
// ErrNoPrefixes, together with the partial grant, when nothing is allowed.
func (a *Authorizer) Authorize(id models.Identity) (Grant, error) {
	tenant, err := a.tenants.Tenant(id.TenantID)
	if err != nil {
		return Grant{}, fmt.Errorf("load tenant %s: %w", id.TenantID, err)
	}
	cfg, err := a.tenants.Config(tenant.ID)
	if err != nil {
		return Grant{}, fmt.Errorf("load config of %s: %w", tenant.ID, err)
	}

	p := models.Principal{
		UID:         id.UID,
		TenantID:    tenant.ID,
		Email:       id.Email,
		GlobalAdmin: id.MasterAdmin || utils.ContainsFold(a.masterEmails, id.Email),
	}
	p.Role = RoleFor(cfg, id.Email, a.adminEmails)
	if p.GlobalAdmin {
		p.Role = models.RoleAdmin
	}
	p.PlantIDs = ResolvePlantIDs(cfg, p)

	g := Grant{Principal: p, Tenant: tenant, Prefixes: []string{}}
	if !tenant.Active && !p.GlobalAdmin {
		return g, fmt.Errorf("%w: tenant %s is inactive", apperrors.ErrNoPrefixes, tenant.ID)
	}
	g.Prefixes = AllowedPrefixes(a.base, p, cfg, a.public)
	if len(g.Prefixes) == 0 {
		return g, apperrors.ErrNoPrefixes
	}
	return g, nil
}
