package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
)

type verifierFunc func(ctx context.Context, token string) (string, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (string, error) { return f(ctx, token) }

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		headers map[string]string
		want    string
		wantErr bool
	}{
		{name: "authorization header", target: "/ws", headers: map[string]string{"Authorization": "Bearer abc"}, want: "abc"},
		{name: "lowercase scheme", target: "/ws", headers: map[string]string{"Authorization": "bearer abc"}, want: "abc"},
		{name: "subprotocol", target: "/ws", headers: map[string]string{"Sec-WebSocket-Protocol": "bearer, xyz"}, want: "xyz"},
		{name: "query", target: "/ws?token=q1", want: "q1"},
		{name: "header wins over query", target: "/ws?token=q1", headers: map[string]string{"Authorization": "Bearer h1"}, want: "h1"},
		{name: "missing", target: "/ws", wantErr: true},
		{name: "empty bearer", target: "/ws", headers: map[string]string{"Authorization": "Bearer "}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got, err := extractToken(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrAuthentication)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Run("verifier error is an authentication error", func(t *testing.T) {
		g := NewGatekeeper(verifierFunc(func(context.Context, string) (string, error) {
			return "", errors.New("bad signature")
		}), time.Second)
		r := httptest.NewRequest("GET", "/ws?token=t", nil)
		_, err := g.Authenticate(r)
		assert.ErrorIs(t, err, domain.ErrAuthentication)
		assert.Equal(t, "invalid_token", failureReason(err))
	})

	t.Run("slow verifier times out", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		g := NewGatekeeper(verifierFunc(func(context.Context, string) (string, error) {
			<-block
			return "alice", nil
		}), 50*time.Millisecond)
		r := httptest.NewRequest("GET", "/ws?token=t", nil)
		_, err := g.Authenticate(r)
		assert.ErrorIs(t, err, domain.ErrAuthentication)
		assert.Equal(t, "timeout", failureReason(err))
	})

	t.Run("success", func(t *testing.T) {
		g := NewGatekeeper(verifierFunc(func(_ context.Context, tok string) (string, error) {
			return "user-" + tok, nil
		}), time.Second)
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer 42")
		user, err := g.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "user-42", user)
	})

	t.Run("missing token", func(t *testing.T) {
		g := NewGatekeeper(verifierFunc(func(context.Context, string) (string, error) { return "x", nil }), time.Second)
		_, err := g.Authenticate(httptest.NewRequest("GET", "/ws", nil))
		assert.Equal(t, "missing_token", failureReason(err))
	})
}

func TestCheckOrigin(t *testing.T) {
	check := makeCheckOrigin([]string{"http://localhost:3000"})

	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(r), "non-browser clients send no origin")

	r.Header.Set("Origin", "http://LOCALHOST:3000")
	assert.True(t, check(r))

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(r))

	assert.True(t, makeCheckOrigin([]string{"*"})(r))
}
