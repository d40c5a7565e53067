package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: sub}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)

	tok, err := issuer.Issue("client-1", RoleClient)
	require.NoError(t, err)

	claims, err := issuer.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.Subject)
	assert.Equal(t, RoleClient, claims.Role)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, err := NewIssuer("secret-a", time.Hour).Issue("client-1", RoleClient)
	require.NoError(t, err)

	_, err = NewIssuer("secret-b", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := NewIssuer("secret", -time.Minute)
	tok, err := issuer.Issue("client-1", RoleClient)
	require.NoError(t, err)

	_, err = issuer.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueAdminSetsAdminRole(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	tok, err := issuer.IssueAdmin("ops")
	require.NoError(t, err)

	claims, err := issuer.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestAuthorizerCanAccessSlot(t *testing.T) {
	authz := &Authorizer{AllowedSlots: map[string][]string{"client-1": {"slot-1", "slot-2"}}}

	assert.True(t, authz.CanAccessSlot(&Claims{Role: RoleClient, RegisteredClaims: regClaims("client-1")}, "slot-1"))
	assert.False(t, authz.CanAccessSlot(&Claims{Role: RoleClient, RegisteredClaims: regClaims("client-1")}, "slot-3"))
	assert.True(t, authz.CanAccessSlot(&Claims{Role: RoleAdmin, RegisteredClaims: regClaims("anyone")}, "slot-9"))
}

func TestLoadAuthorizerMissingFileYieldsEmptyGrants(t *testing.T) {
	authz, err := LoadAuthorizer(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, authz.AllowedSlots)
}

func TestLoadAuthorizerParsesGrants(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clients.yaml")
	doc := "clients:\n  - sub: client-1\n    slots: [slot-1, slot-2]\n  - sub: client-2\n    slots: [slot-3]\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	authz, err := LoadAuthorizer(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"slot-1", "slot-2"}, authz.AllowedSlots["client-1"])
	assert.Equal(t, []string{"slot-3"}, authz.AllowedSlots["client-2"])
}
