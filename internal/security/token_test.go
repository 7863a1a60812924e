package security_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/security"
)

func TestVerify(t *testing.T) {
	svc := security.NewTokenService("secret", time.Hour)

	t.Run("Success", func(t *testing.T) {
		token, err := svc.CreateForUser("user-a")
		require.NoError(t, err)

		userID, err := svc.Verify(context.Background(), token)
		assert.NoError(t, err)
		assert.Equal(t, "user-a", userID)
	})

	t.Run("LegacyUserIDClaim", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"userId": "legacy-user",
			"exp":    time.Now().Add(time.Minute).Unix(),
		})
		signed, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)

		userID, err := svc.Verify(context.Background(), signed)
		assert.NoError(t, err)
		assert.Equal(t, "legacy-user", userID)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := security.NewTokenService("other", time.Hour)
		token, err := other.CreateForUser("user-a")
		require.NoError(t, err)

		_, err = svc.Verify(context.Background(), token)
		assert.ErrorIs(t, err, domain.ErrAuthentication)
	})

	t.Run("Expired", func(t *testing.T) {
		token, err := svc.CreateWithTTL("user-a", -time.Minute)
		require.NoError(t, err)

		_, err = svc.Verify(context.Background(), token)
		assert.ErrorIs(t, err, domain.ErrAuthentication)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := svc.Verify(context.Background(), "not-a-token")
		assert.ErrorIs(t, err, domain.ErrAuthentication)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		token, err := svc.CreateForUser("user-a")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = svc.Verify(ctx, token)
		assert.ErrorIs(t, err, domain.ErrAuthentication)
	})
}
