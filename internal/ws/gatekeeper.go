package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatcore/internal/domain"
)

// Verifier turns a bearer credential into a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

var (
	errMissingToken  = fmt.Errorf("%w: missing bearer token", domain.ErrAuthentication)
	errVerifyTimeout = fmt.Errorf("%w: verification timed out", domain.ErrAuthentication)
)

// Gatekeeper authenticates websocket handshakes before they are upgraded.
type Gatekeeper struct {
	verifier Verifier
	timeout  time.Duration
}

func NewGatekeeper(v Verifier, timeout time.Duration) *Gatekeeper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gatekeeper{verifier: v, timeout: timeout}
}

// Authenticate returns the user behind r's credential. Verification gets at
// most the handshake timeout; a verifier that ignores its context is
// abandoned when the deadline passes.
func (g *Gatekeeper) Authenticate(r *http.Request) (string, error) {
	token, err := extractToken(r)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	type result struct {
		userID string
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		userID, err := g.verifier.Verify(ctx, token)
		ch <- result{userID, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if !errors.Is(res.err, domain.ErrAuthentication) {
				return "", fmt.Errorf("%w: %v", domain.ErrAuthentication, res.err)
			}
			return "", res.err
		}
		if res.userID == "" {
			return "", fmt.Errorf("%w: empty subject", domain.ErrAuthentication)
		}
		return res.userID, nil
	case <-ctx.Done():
		return "", errVerifyTimeout
	}
}

// failureReason labels a handshake failure for metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, errMissingToken):
		return "missing_token"
	case errors.Is(err, errVerifyTimeout):
		return "timeout"
	default:
		return "invalid_token"
	}
}

func extractToken(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1], nil
		}
	}

	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}

	return "", errMissingToken
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin admits requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin. "*" allows all.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if _, ok := allowed["*"]; ok {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}
