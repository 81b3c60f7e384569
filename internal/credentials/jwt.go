package credentials

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrOpaqueToken is returned by TokenExpiry for credentials that are not
// JWT-shaped. Opaque tokens are fine; their lifetime just cannot be read
// client-side.
var ErrOpaqueToken = errors.New("credential is not a jwt")

const maxTokenLen = 20 * 1024

// TokenExpiry extracts the exp claim from a JWT-shaped credential without
// verifying its signature. The relay is the verifier; the client reads the
// expiry only to refresh ahead of a rejected dial.
func TokenExpiry(token string) (time.Time, error) {
	if token == "" || len(token) > maxTokenLen {
		return time.Time{}, ErrOpaqueToken
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return time.Time{}, ErrOpaqueToken
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, ErrOpaqueToken
	}

	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return time.Time{}, ErrOpaqueToken
	}
	// The payload must be exactly one JSON object; trailing bytes mean the
	// token is something else entirely.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return time.Time{}, ErrOpaqueToken
	}

	raw, ok := claims["exp"]
	if !ok {
		return time.Time{}, fmt.Errorf("jwt payload missing exp claim")
	}
	num, ok := raw.(json.Number)
	if !ok {
		return time.Time{}, fmt.Errorf("jwt exp claim is %T, want number", raw)
	}
	exp, err := num.Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("jwt exp claim: %w", err)
	}
	return time.Unix(exp, 0), nil
}

// Expiring wraps a Provider and swaps in a refreshed credential once the
// current one is within leeway of its JWT expiry, so dials stop racing the
// relay's unauthorized close. Opaque (non-JWT) credentials pass through
// untouched.
type Expiring struct {
	inner  Provider
	leeway time.Duration
	now    func() time.Time
}

func NewExpiring(inner Provider, leeway time.Duration) *Expiring {
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Expiring{inner: inner, leeway: leeway, now: time.Now}
}

func (e *Expiring) Current(ctx context.Context) (string, error) {
	token, err := e.inner.Current(ctx)
	if err != nil || token == "" {
		return token, err
	}
	exp, err := TokenExpiry(token)
	if err != nil {
		return token, nil
	}
	if !e.now().Add(e.leeway).Before(exp) {
		return e.inner.Refresh(ctx)
	}
	return token, nil
}

func (e *Expiring) Refresh(ctx context.Context) (string, error) {
	return e.inner.Refresh(ctx)
}

var _ Provider = (*Expiring)(nil)
