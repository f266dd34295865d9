package auth

import "github.com/golang-jwt/jwt/v5"

// KeycloakClaims is the subset of the JWT payload we read.
type KeycloakClaims struct {
	jwt.RegisteredClaims

	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	PreferredUsername string `json:"preferred_username"`
	Azp               string `json:"azp"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// UserInfo is what lands in the request context. TenantID plus ID form the
// owner key that scopes quarantine entries, media records and coalescing.
type UserInfo struct {
	ID              string // the 'sub' claim
	TenantID        string // the Keycloak realm the token was issued by
	Username        string
	Email           string
	AuthorizedParty string
	Roles           []string
}
