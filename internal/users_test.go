package internal_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/koopa0/system-design/14-online-tictactoe/internal"
	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// testUserStore 兩種實作共用的行為測試
func testUserStore(t *testing.T, store internal.UserStore) {
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.NotEqual(t, "secret", user.PasswordHash)

	t.Run("duplicate username", func(t *testing.T) {
		_, err := store.CreateUser(ctx, "alice", "other")
		assert.ErrorIs(t, err, apperrors.ErrUsernameTaken)
	})

	t.Run("invalid credentials on create", func(t *testing.T) {
		_, err := store.CreateUser(ctx, "", "secret")
		assert.True(t, apperrors.IsInvalidInput(err))
		_, err = store.CreateUser(ctx, "bob", "")
		assert.True(t, apperrors.IsInvalidInput(err))
	})

	t.Run("authenticate", func(t *testing.T) {
		got, err := store.Authenticate(ctx, "alice", "secret")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)

		_, err = store.Authenticate(ctx, "alice", "wrong")
		assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

		_, err = store.Authenticate(ctx, "nobody", "secret")
		assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	})

	t.Run("lookup", func(t *testing.T) {
		got, err := store.GetUser(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)

		name, err := store.Username(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", name)

		_, err = store.Username(ctx, "00000000-0000-0000-0000-000000000000")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("stats start at zero", func(t *testing.T) {
		for _, kind := range []internal.StatKind{internal.StatComputer, internal.StatOnline} {
			stats, err := store.GetStats(ctx, user.ID, kind)
			require.NoError(t, err)
			assert.Equal(t, internal.GameStats{}, stats)
		}
	})

	t.Run("update stats overwrites one kind", func(t *testing.T) {
		want := internal.GameStats{Played: 10, Won: 6, Draws: 3, Defeats: 1}
		require.NoError(t, store.UpdateStats(ctx, user.ID, internal.StatOnline, want))

		got, err := store.GetStats(ctx, user.ID, internal.StatOnline)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		other, err := store.GetStats(ctx, user.ID, internal.StatComputer)
		require.NoError(t, err)
		assert.Equal(t, internal.GameStats{}, other)
	})

	t.Run("update stats errors", func(t *testing.T) {
		err := store.UpdateStats(ctx, user.ID, internal.StatOnline, internal.GameStats{Won: -1})
		assert.True(t, apperrors.IsInvalidInput(err))

		err = store.UpdateStats(ctx, user.ID, internal.StatKind("tournament"), internal.GameStats{})
		assert.True(t, apperrors.IsInvalidInput(err))

		err = store.UpdateStats(ctx, "00000000-0000-0000-0000-000000000000", internal.StatOnline, internal.GameStats{})
		assert.True(t, apperrors.IsNotFound(err))
	})
}

// TestMemoryUserStore 測試記憶體用戶存放
func TestMemoryUserStore(t *testing.T) {
	testUserStore(t, internal.NewMemoryUserStore(bcrypt.MinCost))
}

// TestMemoryUserStore_ConcurrentRegister 同名併發註冊只有一個成功
func TestMemoryUserStore_ConcurrentRegister(t *testing.T) {
	store := internal.NewMemoryUserStore(bcrypt.MinCost)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CreateUser(ctx, "same", fmt.Sprintf("pw%d", i))
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
}
