// Package auth issues and verifies the HS256 bearer tokens the control
// plane and federation router use: sub/role/exp claims, admin bypass,
// client slot-scoping.
package auth

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// Role is the claim distinguishing an operator from a scoped client.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

// Claims is the token payload: sub identifies the caller, role gates
// admin bypass vs per-slot scoping, exp is the standard expiry claim.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies tokens against one shared HS256 secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer constructs an Issuer from AUTH_SECRET/TOKEN_TTL_HOURS-sourced
// config.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for sub with the given role.
func (i *Issuer) Issue(sub string, role Role) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// IssueAdmin mints an admin token, used as the federation-hop fallback
// when a node record carries no configured shared token.
func (i *Issuer) IssueAdmin(sub string) (string, error) {
	return i.Issue(sub, RoleAdmin)
}

var ErrInvalidToken = errors.New("invalid or expired token")

// Verify parses and validates a bearer token, returning its claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorizer answers the two authorization questions the control plane
// and federation router need: can this caller see this slot, and is it
// an admin.
type Authorizer struct {
	AllowedSlots map[string][]string // sub -> slot ids
}

// CanAccessSlot reports whether claims permit access to slotID: admins
// bypass per-slot checks entirely; clients are restricted to their
// assigned slot ids.
func (a *Authorizer) CanAccessSlot(claims *Claims, slotID string) bool {
	if claims.Role == RoleAdmin {
		return true
	}
	for _, id := range a.AllowedSlots[claims.Subject] {
		if id == slotID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether claims carry the admin role.
func (a *Authorizer) IsAdmin(claims *Claims) bool {
	return claims.Role == RoleAdmin
}

// clientsFile is the on-disk shape of the client slot-access grant list,
// the same registry-file pattern pkg/federation/registry.go uses for
// nodes: a flat YAML document naming who can see what, loaded once at
// startup from CLIENTS_FILE, mirroring the node registry rather than
// inventing a new shape for the same kind of data.
type clientsFile struct {
	Clients []struct {
		Sub   string   `yaml:"sub"`
		Slots []string `yaml:"slots"`
	} `yaml:"clients"`
}

// LoadAuthorizer reads the client slot-access grant list at path. A
// missing file yields an Authorizer with no client grants: every caller
// other than an admin is then denied every slot, which is the safe
// default for an unconfigured control plane.
func LoadAuthorizer(path string) (*Authorizer, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Authorizer{AllowedSlots: map[string][]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read clients file %s: %w", path, err)
	}

	var f clientsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse clients file %s: %w", path, err)
	}

	allowed := make(map[string][]string, len(f.Clients))
	for _, c := range f.Clients {
		allowed[c.Sub] = c.Slots
	}
	return &Authorizer{AllowedSlots: allowed}, nil
}
