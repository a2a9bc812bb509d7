package daraja

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenSource(fetch func(ctx context.Context) (string, time.Duration, error)) *tokenSource {
	return &tokenSource{fetch: fetch, now: time.Now}
}

func TestTokenSource_ReusesCachedToken(t *testing.T) {
	var fetches atomic.Int64
	ts := newTestTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		fetches.Add(1)
		return "token-1", time.Hour, nil
	})

	ctx := context.Background()

	first, err := ts.Token(ctx)
	require.NoError(t, err)

	second, err := ts.Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, "token-1", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), fetches.Load())
}

func TestTokenSource_RefreshesAfterExpiry(t *testing.T) {
	var fetches atomic.Int64
	ts := newTestTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		fetches.Add(1)
		return "token", time.Hour, nil
	})

	current := time.Now()
	ts.now = func() time.Time { return current }

	ctx := context.Background()

	_, err := ts.Token(ctx)
	require.NoError(t, err)

	// Tokens last an hour and are refreshed five minutes early.
	current = current.Add(56 * time.Minute)

	_, err = ts.Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), fetches.Load())
}

func TestTokenSource_SingleFetchUnderConcurrency(t *testing.T) {
	var fetches atomic.Int64
	ts := newTestTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		fetches.Add(1)
		time.Sleep(10 * time.Millisecond)
		return "token", time.Hour, nil
	})

	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := ts.Token(ctx)
			assert.NoError(t, err)
			assert.Equal(t, "token", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetches.Load())
}

func TestTokenSource_FetchFailureNotCached(t *testing.T) {
	var fetches atomic.Int64
	failing := true
	ts := newTestTokenSource(nil)
	ts.fetch = func(ctx context.Context) (string, time.Duration, error) {
		fetches.Add(1)
		if failing {
			return "", 0, errors.New("connection refused")
		}
		return "token", time.Hour, nil
	}

	ctx := context.Background()

	_, err := ts.Token(ctx)
	require.Error(t, err)

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)

	// The next call retries instead of serving a cached failure.
	failing = false
	token, err := ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token", token)
	assert.Equal(t, int64(2), fetches.Load())
}
