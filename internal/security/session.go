package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"guardian/internal/models"
)

// ErrInvalidToken is returned for tokens that fail signature or claim checks
var ErrInvalidToken = errors.New("invalid session token")

// GenerateID creates a new UUID, used for connection and token identifiers
func GenerateID() string {
	return uuid.New().String()
}

// SessionClaims is the payload of a sessionToken
type SessionClaims struct {
	FamilyID string      `json:"fam"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer mints the per-login sessionToken. Every token carries a fresh
// jti, so two logins of the same account never produce equal tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenIssuer creates an HS256 issuer
func NewTokenIssuer(secret, issuer string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Mint signs a token for the account
func (t *TokenIssuer) Mint(usernameKey, familyID string, role models.Role) (string, error) {
	now := t.now().UTC()
	claims := SessionClaims{
		FamilyID: familyID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   t.issuer,
			Subject:  usernameKey,
			ID:       GenerateID(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token minted by this issuer and returns its claims.
// It does not check that the token is still the account's current one;
// that is the job of session fencing.
func (t *TokenIssuer) Parse(tokenStr string) (*SessionClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(t.issuer))
	claims := &SessionClaims{}
	parsed, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.FamilyID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if _, err := models.ParseRole(string(claims.Role)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
