package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubValidator returns canned claims or a canned error.
type stubValidator struct {
	claims *CustomClaims
	err    error
}

func (s *stubValidator) ValidateToken(string) (*CustomClaims, error) {
	return s.claims, s.err
}

func claimsFor(sub, name, email string) *CustomClaims {
	c := &CustomClaims{Name: name, Email: email}
	c.Subject = sub
	return c
}

func TestVerifyValidToken(t *testing.T) {
	v := NewVerifier(&stubValidator{claims: claimsFor("auth0|abc", "Olivia", "olivia@example.com")}, true)

	id, err := v.Verify("some-token")
	require.NoError(t, err)
	assert.Equal(t, "auth0|abc", string(id.UserID))
	assert.Equal(t, "Olivia", id.Username)
	assert.Equal(t, UserTypeRegistered, id.UserType)
	assert.False(t, id.Anonymous)
}

func TestVerifyInvalidToken(t *testing.T) {
	wantErr := errors.New("bad signature")
	v := NewVerifier(&stubValidator{err: wantErr}, true)

	id, err := v.Verify("forged")
	assert.Nil(t, id)
	assert.ErrorIs(t, err, wantErr)
}

func TestVerifyEmptyTokenYieldsUniqueGuests(t *testing.T) {
	v := NewVerifier(&stubValidator{}, true)

	a, err := v.Verify("")
	require.NoError(t, err)
	b, err := v.Verify("")
	require.NoError(t, err)

	assert.True(t, a.Anonymous)
	assert.Equal(t, UserTypeGuest, a.UserType)
	assert.NotEqual(t, a.UserID, b.UserID, "each guest gets a distinct id")
}

func TestVerifyEmptyTokenRejectedWhenGuestsDisabled(t *testing.T) {
	v := NewVerifier(&stubValidator{}, false)

	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrTokenRequired)
}

func TestDisplayNameFallbacks(t *testing.T) {
	cases := []struct {
		name   string
		claims *CustomClaims
		want   string
	}{
		{"name wins", claimsFor("sub-1", "Olivia", "o@example.com"), "Olivia"},
		{"email prefix", claimsFor("sub-1", "", "olivia@example.com"), "olivia"},
		{"subject last", claimsFor("sub-1", "", ""), "sub-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, displayName(tc.claims))
		})
	}
}

func TestMockValidatorParsesUnsignedJWT(t *testing.T) {
	// header.payload.signature with payload {"sub":"user-9","name":"Bob"}
	token := "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ1c2VyLTkiLCJuYW1lIjoiQm9iIn0.sig"

	claims, err := (&MockValidator{}).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.Subject)
	assert.Equal(t, "Bob", claims.Name)
}

func TestMockValidatorFallsBackOnGarbage(t *testing.T) {
	claims, err := (&MockValidator{}).ValidateToken("not-a-jwt")
	require.NoError(t, err)
	assert.Equal(t, "dev-user-123", claims.Subject)
}
