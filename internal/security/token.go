package security

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatcore/internal/domain"
)

// TokenService wraps JWT creation and validation.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// CreateForUser creates a JWT for the given user id using the default TTL.
// Tokens are normally issued by the account service; this exists for tooling and tests.
func (t *TokenService) CreateForUser(userID string) (string, error) {
	return t.CreateWithTTL(userID, t.expiresIn)
}

// CreateWithTTL creates a JWT for the given user id with an explicit TTL.
func (t *TokenService) CreateWithTTL(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		return claims, nil
	}
	return nil, jwt.ErrTokenMalformed
}

// Verify returns the user id carried by tokenStr. The subject claim is
// preferred; tokens minted by the legacy account service carry "userId".
func (t *TokenService) Verify(ctx context.Context, tokenStr string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	claims, err := t.Parse(tokenStr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	for _, key := range []string{"sub", "userId", "user_id"} {
		if v, _ := claims[key].(string); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: token carries no subject", domain.ErrAuthentication)
}
