package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sunledger/sunledger/pkg/types"
)

// TokenSafetyMargin is subtracted from the vendor's expires_in so tokens are
// refreshed before the vendor stops accepting them.
const TokenSafetyMargin = 300 * time.Second

// TokenManager caches one session token for one client.
type TokenManager struct {
	provider types.Provider
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenManager returns an empty (expired) manager. now may be nil.
func NewTokenManager(provider types.Provider, now func() time.Time) *TokenManager {
	if now == nil {
		now = time.Now
	}
	return &TokenManager{provider: provider, now: now}
}

// Expired is true when there is no token or now has reached the refresh time.
func (m *TokenManager) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token == "" || !m.now().Before(m.expiresAt)
}

// Token returns the cached token value, which may be stale.
func (m *TokenManager) Token() types.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.Token{Value: m.token, ExpiresAt: m.expiresAt}
}

// Set stores a freshly issued token. expiresIn is the raw expires_in value from
// the vendor response and may be a JSON number or a numeric string.
func (m *TokenManager) Set(token string, expiresIn any) (types.Token, error) {
	if token == "" {
		return types.Token{}, &types.AuthError{Provider: m.provider, Err: errors.New("empty token in auth response")}
	}
	secs, err := parseExpiresIn(expiresIn)
	if err != nil {
		return types.Token{}, &types.AuthError{Provider: m.provider, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expiresAt = m.now().Add(time.Duration(secs)*time.Second - TokenSafetyMargin)
	return types.Token{Value: m.token, ExpiresAt: m.expiresAt}, nil
}

// SetStatic stores a token that never expires.
func (m *TokenManager) SetStatic(token string) types.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expiresAt = time.Unix(math.MaxInt32, 0)
	return types.Token{Value: m.token, ExpiresAt: m.expiresAt}
}

// Invalidate drops the cached token so the next Ensure authenticates.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expiresAt = time.Time{}
}

// Ensure calls auth when the cached token is missing or expired.
func (m *TokenManager) Ensure(ctx context.Context, auth func(ctx context.Context) (types.Token, error)) error {
	if !m.Expired() {
		return nil
	}
	_, err := auth(ctx)
	return err
}

func parseExpiresIn(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, errors.New("expires_in not found in token response")
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("invalid expires_in value: %v", t)
		}
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case json.Number:
		n, err := strconv.ParseInt(t.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid expires_in value: %s", t)
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid expires_in value: %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid expires_in type %T", v)
	}
}
