package auth

import (
	"errors"
	"strings"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/google/uuid"
)

// ErrTokenRequired is returned when anonymous access is disabled and no
// token was presented.
var ErrTokenRequired = errors.New("auth: token required")

// User types reported in identities.
const (
	UserTypeRegistered = "registered"
	UserTypeGuest      = "guest"
)

// Verifier implements types.IdentityVerifier on top of a TokenValidator.
// An empty token resolves to a fresh anonymous guest identity when guests
// are allowed; every guest gets a unique user id so duplicate-connection
// takeover never collides two strangers.
type Verifier struct {
	validator   TokenValidator
	allowGuests bool
}

// NewVerifier wraps a validator. allowGuests controls whether empty tokens
// are accepted.
func NewVerifier(validator TokenValidator, allowGuests bool) *Verifier {
	return &Verifier{validator: validator, allowGuests: allowGuests}
}

// Verify resolves a bearer token to an identity.
func (v *Verifier) Verify(bearerToken string) (*types.Identity, error) {
	if bearerToken == "" {
		if !v.allowGuests {
			return nil, ErrTokenRequired
		}
		return &types.Identity{
			UserID:    types.UserIDType("guest-" + uuid.NewString()),
			Username:  "Guest",
			UserType:  UserTypeGuest,
			Anonymous: true,
		}, nil
	}

	claims, err := v.validator.ValidateToken(bearerToken)
	if err != nil {
		return nil, err
	}

	return &types.Identity{
		UserID:   types.UserIDType(claims.Subject),
		Username: displayName(claims),
		UserType: UserTypeRegistered,
	}, nil
}

// displayName picks the best human-readable name the claims offer.
func displayName(claims *CustomClaims) string {
	if claims.Name != "" {
		return claims.Name
	}
	if claims.Email != "" {
		if parts := strings.Split(claims.Email, "@"); len(parts) > 0 && parts[0] != "" {
			return parts[0]
		}
	}
	return claims.Subject
}
