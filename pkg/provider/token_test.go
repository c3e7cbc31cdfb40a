package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunledger/sunledger/pkg/types"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func TestTokenManager(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("Empty Is Expired", func(t *testing.T) {
		m := NewTokenManager(types.ProviderSolarman, nil)
		assert.True(t, m.Expired())
	})

	t.Run("Safety Margin", func(t *testing.T) {
		clock := &fakeClock{t: t0}
		m := NewTokenManager(types.ProviderSolarman, clock.Now)
		tok, err := m.Set("abc", float64(600))
		require.NoError(t, err)
		assert.Equal(t, t0.Add(300*time.Second), tok.ExpiresAt)

		clock.t = t0.Add(299 * time.Second)
		assert.False(t, m.Expired())
		clock.t = t0.Add(300 * time.Second)
		assert.True(t, m.Expired())
	})

	t.Run("Expires In Forms", func(t *testing.T) {
		for _, v := range []any{"7200", json.Number("7200"), 7200, int64(7200), float64(7200)} {
			m := NewTokenManager(types.ProviderSolarman, func() time.Time { return t0 })
			tok, err := m.Set("abc", v)
			require.NoError(t, err, "%T", v)
			assert.Equal(t, t0.Add(6900*time.Second), tok.ExpiresAt, "%T", v)
		}
	})

	t.Run("Bad Responses", func(t *testing.T) {
		m := NewTokenManager(types.ProviderSolarman, nil)
		_, err := m.Set("", float64(600))
		assert.True(t, types.IsAuth(err))

		_, err = m.Set("abc", nil)
		assert.True(t, types.IsAuth(err))

		_, err = m.Set("abc", "soon")
		assert.True(t, types.IsAuth(err))

		_, err = m.Set("abc", 1.5)
		assert.True(t, types.IsAuth(err))
		assert.True(t, m.Expired())
	})

	t.Run("Ensure", func(t *testing.T) {
		m := NewTokenManager(types.ProviderSolarman, func() time.Time { return t0 })
		calls := 0
		auth := func(context.Context) (types.Token, error) {
			calls++
			return m.Set("abc", "3600")
		}
		require.NoError(t, m.Ensure(context.Background(), auth))
		require.NoError(t, m.Ensure(context.Background(), auth))
		assert.Equal(t, 1, calls)

		m.Invalidate()
		require.NoError(t, m.Ensure(context.Background(), auth))
		assert.Equal(t, 2, calls)
		assert.Equal(t, "abc", m.Token().Value)
	})

	t.Run("Ensure Propagates", func(t *testing.T) {
		m := NewTokenManager(types.ProviderSolarman, nil)
		boom := errors.New("boom")
		err := m.Ensure(context.Background(), func(context.Context) (types.Token, error) {
			return types.Token{}, boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Static", func(t *testing.T) {
		m := NewTokenManager(types.ProviderSolisCloud, nil)
		m.SetStatic("key")
		assert.False(t, m.Expired())
	})
}
