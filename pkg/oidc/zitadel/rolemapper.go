package zitadel

import (
	"strings"

	"github.com/tendant/oidc-gateway/pkg/oidc"
)

const (
	rolesClaim       = "urn:zitadel:iam:org:project:roles"
	rolesClaimPrefix = "urn:zitadel:iam:org:project:"
	rolesClaimSuffix = ":roles"
)

// RoleMapper extracts ZITADEL project roles. Roles appear as the keys of
// the generic project-roles claim and of any per-project variant
// ("urn:zitadel:iam:org:project:{projectId}:roles").
type RoleMapper struct{}

var _ oidc.RoleMapper = (*RoleMapper)(nil)

// ExtractRoles returns the deduplicated role set found in rawClaims.
func (RoleMapper) ExtractRoles(rawClaims map[string]any) []string {
	var roles []string

	if obj, ok := rawClaims[rolesClaim].(map[string]any); ok {
		for role := range obj {
			roles = append(roles, role)
		}
	}

	for key, value := range rawClaims {
		if key == rolesClaim {
			continue
		}
		if !strings.HasPrefix(key, rolesClaimPrefix) || !strings.HasSuffix(key, rolesClaimSuffix) {
			continue
		}
		if obj, ok := value.(map[string]any); ok {
			for role := range obj {
				roles = append(roles, role)
			}
		}
	}

	return oidc.NormalizeRoles(roles)
}
