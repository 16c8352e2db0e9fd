package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/models"
	"scadabridge/internal/utils"

	"github.com/golang-jwt/jwt/v5"
)

// Claim keys that may carry the tenant id, in lookup order
var tenantClaimKeys = []string{
	"empresaId", "empresa_id", "empresa",
	"companyId", "company_id", "company",
	"tenantId", "tenant_id", "tenant",
}

var masterFlagKeys = []string{"isMasterAdmin", "masterAdmin", "superAdmin", "isSuperUser"}

var roleClaimKeys = []string{"tenantRole", "role", "scadaRole", "empresaRole"}

// AuthModule decodes bearer tokens issued by the identity provider
type AuthModule struct {
	JWTSecret       string
	defaultTenant   string
	masterRoleNames []string
}

func NewAuthModule(JWTSecret, defaultTenant string) *AuthModule {
	return &AuthModule{
		JWTSecret:       JWTSecret,
		defaultTenant:   defaultTenant,
		masterRoleNames: []string{"master", "root"},
	}
}

// ValidateTokenJWT verifies an HMAC-signed token and extracts the identity.
// A "Bearer " prefix is accepted.
func (a *AuthModule) ValidateTokenJWT(token string) (models.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: missing token", apperrors.ErrInvalidToken)
	}

	parsedToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.JWTSecret), nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok || !parsedToken.Valid {
		return models.Identity{}, apperrors.ErrInvalidToken
	}

	uid := firstString(claims, "uid", "user_id", "sub")
	if uid == "" {
		return models.Identity{}, fmt.Errorf("%w: token has no uid", apperrors.ErrInvalidToken)
	}
	return models.Identity{
		UID:         uid,
		Email:       firstString(claims, "email"),
		TenantID:    a.tenantFromClaims(claims),
		MasterAdmin: a.isMasterAdmin(claims),
	}, nil
}

// IssueToken signs a token for id, used by tooling and tests
func (a *AuthModule) IssueToken(id models.Identity, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"uid":       id.UID,
		"email":     id.Email,
		"empresaId": id.TenantID,
		"exp":       time.Now().Add(ttl).Unix(),
		"iat":       time.Now().Unix(),
	}
	if id.MasterAdmin {
		claims["isMasterAdmin"] = true
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.JWTSecret))
}

func (a *AuthModule) tenantFromClaims(claims jwt.MapClaims) string {
	candidates := []string{firstString(claims, tenantClaimKeys...)}
	if fb, ok := claims["firebase"].(map[string]interface{}); ok {
		candidates = append(candidates, firstString(fb, "tenant"))
	}
	if custom, ok := claims["claims"].(map[string]interface{}); ok {
		candidates = append(candidates, firstString(custom, tenantClaimKeys...))
	}
	for _, c := range candidates {
		if id := utils.SanitizeID(c, ""); id != "" {
			return id
		}
	}
	return a.defaultTenant
}

func (a *AuthModule) isMasterAdmin(claims jwt.MapClaims) bool {
	for _, key := range masterFlagKeys {
		if v, ok := claims[key].(bool); ok && v {
			return true
		}
	}
	for _, key := range roleClaimKeys {
		if v, ok := claims[key].(string); ok && utils.ContainsFold(a.masterRoleNames, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
