package kobai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// tokenSource yields a bearer token for each request.
type tokenSource interface {
	token(ctx context.Context) (string, error)
}

type staticToken string

func (s staticToken) token(context.Context) (string, error) { return string(s), nil }

// devTokenManager obtains tokens from POST /auth/token and refreshes them
// shortly before expiry. It is safe for concurrent use.
type devTokenManager struct {
	baseURL  string
	identity DevIdentity
	client   *http.Client
	margin   time.Duration

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

func newDevTokenManager(baseURL string, identity DevIdentity, client *http.Client) *devTokenManager {
	return &devTokenManager{
		baseURL:  baseURL,
		identity: identity,
		client:   client,
		margin:   30 * time.Second,
	}
}

func (tm *devTokenManager) token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.cached != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.cached, nil
	}
	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.cached, nil
}

type tokenEnvelope struct {
	Data struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"data"`
}

func (tm *devTokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(tm.identity)
	if err != nil {
		return fmt.Errorf("kobai: marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kobai: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("kobai: token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kobai: token request failed with status %d", resp.StatusCode)
	}
	var env tokenEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("kobai: decode token response: %w", err)
	}
	tm.cached = env.Data.Token
	tm.expiresAt = env.Data.ExpiresAt
	return nil
}
