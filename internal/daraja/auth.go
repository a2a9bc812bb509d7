package daraja

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Access tokens are valid for an hour; refresh this much before expiry.
const tokenSafetyMargin = 5 * time.Minute

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// tokenSource caches the gateway bearer token and refreshes it before
// expiry. The refresh is a critical section: concurrent callers during a
// refresh wait on the mutex instead of triggering duplicate fetches.
type tokenSource struct {
	mu     sync.Mutex
	token  string
	expiry time.Time

	fetch func(ctx context.Context) (string, time.Duration, error)
	now   func() time.Time
}

func newTokenSource(authURL, consumerKey, consumerSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		fetch: func(ctx context.Context) (string, time.Duration, error) {
			return fetchToken(ctx, client, authURL, consumerKey, consumerSecret)
		},
		now: time.Now,
	}
}

// Token returns the cached token while it is still valid, fetching a new
// one otherwise. Fetch failures are not cached.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Before(t.expiry) {
		return t.token, nil
	}

	token, validity, err := t.fetch(ctx)
	if err != nil {
		return "", &AuthError{Err: err}
	}

	t.token = token
	t.expiry = t.now().Add(validity - tokenSafetyMargin)

	return t.token, nil
}

func fetchToken(ctx context.Context, client *http.Client, authURL, consumerKey, consumerSecret string) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(consumerKey, consumerSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, errors.Wrap(err, "decoding token response")
	}
	if tr.AccessToken == "" {
		return "", 0, errors.New("token response missing access_token")
	}

	seconds, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil {
		return "", 0, errors.Wrap(err, "invalid expires_in")
	}

	return tr.AccessToken, time.Duration(seconds) * time.Second, nil
}
