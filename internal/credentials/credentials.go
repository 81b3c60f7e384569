// Package credentials defines the access-credential contract the signaling
// channel consumes. The channel never persists or derives credentials; it
// only asks for the current one and, on auth failure, for a refreshed one.
package credentials

import (
	"context"
	"sync"
)

// Provider supplies the current access credential and can exchange an
// expired one for a fresh one. An empty credential with a nil error means
// "none available" and routes the caller to its auth-failure path.
type Provider interface {
	Current(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Static holds a fixed token, optionally replaceable via SetToken. Refresh
// returns whatever token is currently set, so it only "recovers" if some
// other actor has installed a new one. Intended for demos and tests; real
// apps wire their auth session here.
type Static struct {
	mu    sync.Mutex
	token string
}

func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Current(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *Static) Refresh(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *Static) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

var _ Provider = (*Static)(nil)
