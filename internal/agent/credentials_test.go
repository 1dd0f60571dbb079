package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/webedt/autodev/internal/retry"
)

func expiringCreds() Credentials {
	return Credentials{
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}
}

func TestEnsureFreshSkipsWhenNotExpiring(t *testing.T) {
	called := false
	m := NewCredentialManager(Credentials{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, RefreshFunc(func(ctx context.Context, token string) (Credentials, error) {
		called = true
		return Credentials{}, nil
	}), nil, nil)

	if err := m.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if called {
		t.Error("refresher called for a token nowhere near expiry")
	}
}

func TestEnsureFreshRefreshesNearExpiry(t *testing.T) {
	var persisted []Credentials
	m := NewCredentialManager(expiringCreds(), RefreshFunc(func(ctx context.Context, token string) (Credentials, error) {
		if token != "refresh-1" {
			t.Errorf("refresh token = %q, want refresh-1", token)
		}
		return Credentials{
			AccessToken:  "new-access",
			RefreshToken: "refresh-2",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}), nil, func(c Credentials) {
		persisted = append(persisted, c)
	})

	if err := m.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if m.AccessToken() != "new-access" {
		t.Errorf("AccessToken() = %q, want new-access", m.AccessToken())
	}
	if len(persisted) != 1 || persisted[0].RefreshToken != "refresh-2" {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestEnsureFreshFallsBack(t *testing.T) {
	primary := RefreshFunc(func(ctx context.Context, token string) (Credentials, error) {
		return Credentials{}, fmt.Errorf("callback backend down")
	})
	fallback := RefreshFunc(func(ctx context.Context, token string) (Credentials, error) {
		return Credentials{AccessToken: "fallback-access", RefreshToken: token, ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	m := NewCredentialManager(expiringCreds(), primary, fallback, nil)

	if err := m.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if m.AccessToken() != "fallback-access" {
		t.Errorf("AccessToken() = %q, want fallback-access", m.AccessToken())
	}
}

func TestEnsureFreshInvalidTokenSkipsFallback(t *testing.T) {
	primary := RefreshFunc(func(ctx context.Context, token string) (Credentials, error) {
		return Credentials{}, ErrInvalidRefreshToken
	})
	fallbackCalled := false
	fallback := RefreshFunc(func(ctx context.Context, token string) (Credentials, error) {
		fallbackCalled = true
		return Credentials{}, nil
	})
	m := NewCredentialManager(expiringCreds(), primary, fallback, nil)

	err := m.EnsureFresh(context.Background())
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("EnsureFresh() error = %v, want ErrInvalidRefreshToken", err)
	}
	if fallbackCalled {
		t.Error("fallback tried after invalid refresh token")
	}
}

func TestHTTPRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-1" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"refresh-2","expires_in":3600}`)
	}))
	defer srv.Close()

	r := &HTTPRefresher{TokenURL: srv.URL, ClientID: "autodev"}
	creds, err := r.Refresh(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if creds.AccessToken != "new-access" || creds.RefreshToken != "refresh-2" {
		t.Errorf("creds = %+v", creds)
	}
	if creds.ExpiresAt.Before(time.Now().Add(50 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want ~1h out", creds.ExpiresAt)
	}
}

func TestHTTPRefresherInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	r := &HTTPRefresher{TokenURL: srv.URL}
	_, err := r.Refresh(context.Background(), "stale")
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("Refresh() error = %v, want ErrInvalidRefreshToken", err)
	}
}

func TestHTTPRefresherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := &HTTPRefresher{TokenURL: srv.URL}
	_, err := r.Refresh(context.Background(), "refresh-1")

	var httpErr *retry.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("Refresh() error = %v, want *retry.HTTPError 502", err)
	}
	if !retry.Classify(err).Retryable {
		t.Error("502 refresh failure should classify retryable")
	}
}
