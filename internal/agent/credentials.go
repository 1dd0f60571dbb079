package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/webedt/autodev/internal/retry"
)

// ErrInvalidRefreshToken means the stored refresh token is invalid or
// expired. No retry can recover this; the operator must re-authenticate.
var ErrInvalidRefreshToken = errors.New("refresh token invalid or expired")

// Credentials is one agent-backend token set.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the access token expires within d.
func (c Credentials) ExpiresWithin(d time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(c.ExpiresAt) < d
}

// Refresher exchanges a refresh token for fresh credentials.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// RefreshFunc adapts a callback to the Refresher interface.
type RefreshFunc func(ctx context.Context, refreshToken string) (Credentials, error)

func (f RefreshFunc) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	return f(ctx, refreshToken)
}

// HTTPRefresher refreshes tokens directly against an OAuth token endpoint.
// Used as the fallback when the caller-supplied refresh callback fails.
type HTTPRefresher struct {
	TokenURL   string
	ClientID   string
	HTTPClient *http.Client
}

// Refresh posts a refresh_token grant. An invalid_grant response maps to
// ErrInvalidRefreshToken.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if r.ClientID != "" {
		form.Set("client_id", r.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if strings.Contains(string(body), "invalid_grant") {
			return Credentials{}, ErrInvalidRefreshToken
		}
		return Credentials{}, retry.NewHTTPError(resp, body)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	creds := Credentials{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	if payload.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return creds, nil
}

// PersistFunc receives every refreshed credential set, typically to write
// it back to the caller's token store.
type PersistFunc func(Credentials)

// defaultRefreshLeeway is how close to expiry a token may get before a
// proactive refresh.
const defaultRefreshLeeway = 5 * time.Minute

// CredentialManager holds the current credentials and refreshes them
// proactively before expiry. Safe for concurrent use across tasks.
type CredentialManager struct {
	mu       sync.Mutex
	creds    Credentials
	primary  Refresher
	fallback Refresher
	persist  PersistFunc
	leeway   time.Duration
}

// NewCredentialManager creates a manager seeded with creds. primary is the
// caller-supplied refresh callback; fallback (optional) is tried when the
// primary fails with anything other than an invalid refresh token.
func NewCredentialManager(creds Credentials, primary, fallback Refresher, persist PersistFunc) *CredentialManager {
	return &CredentialManager{
		creds:    creds,
		primary:  primary,
		fallback: fallback,
		persist:  persist,
		leeway:   defaultRefreshLeeway,
	}
}

// AccessToken returns the current access token.
func (m *CredentialManager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.AccessToken
}

// EnsureFresh refreshes the credentials when they are near expiry. An
// invalid refresh token aborts immediately without trying the fallback,
// since the fallback would burn the same token.
func (m *CredentialManager) EnsureFresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.creds.ExpiresWithin(m.leeway) {
		return nil
	}

	fresh, err := m.primary.Refresh(ctx, m.creds.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			return err
		}
		if m.fallback == nil {
			return fmt.Errorf("credential refresh failed: %w", err)
		}
		fresh, err = m.fallback.Refresh(ctx, m.creds.RefreshToken)
		if err != nil {
			if errors.Is(err, ErrInvalidRefreshToken) {
				return err
			}
			return fmt.Errorf("credential refresh failed (fallback included): %w", err)
		}
	}

	m.creds = fresh
	if m.persist != nil {
		m.persist(fresh)
	}
	return nil
}
