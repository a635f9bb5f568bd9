package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL bounds how long a marker survives a registration that never
// released it.
const DefaultTTL = 30 * time.Second

// Memory is an in-process ledger backed by a TTL cache.
type Memory struct {
	mu       sync.Mutex
	c        *gocache.Cache
	ttl      time.Duration
	newToken func() string
}

// NewMemory returns a Memory ledger. A non-positive ttl uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		c:        gocache.New(ttl, time.Minute),
		ttl:      ttl,
		newToken: uuid.NewString,
	}
}

// Hold marks email as registering and returns the token needed to release it.
// A newer Hold for the same email replaces the older marker.
func (m *Memory) Hold(_ context.Context, email string) (string, error) {
	token := m.newToken()
	m.mu.Lock()
	m.c.Set(key(email), token, m.ttl)
	m.mu.Unlock()
	return token, nil
}

// Pending reports whether email has an unexpired marker.
func (m *Memory) Pending(_ context.Context, email string) (bool, error) {
	_, ok := m.c.Get(key(email))
	return ok, nil
}

// Release removes the marker for email if it still carries token.
func (m *Memory) Release(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(email)
	if v, ok := m.c.Get(k); ok && v == token {
		m.c.Delete(k)
	}
	return nil
}

// Reset drops every marker.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	m.c.Flush()
	m.mu.Unlock()
	return nil
}

func key(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
