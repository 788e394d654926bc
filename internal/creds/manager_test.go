package creds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(t *testing.T, handler http.Handler) (*Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store := &FileStore{Path: filepath.Join(t.TempDir(), "credentials.json")}
	m := NewManager(store, srv.URL, "client-1", "secret-1")
	return m, srv
}

func seed(t *testing.T, m *Manager, age time.Duration) {
	t.Helper()
	err := m.Store.Save(Credential{
		RefreshToken: "refresh-old",
		CreatedAt:    time.Now().Add(-age).UTC(),
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func tokenHandler(exchanges *int32, newRefresh string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(exchanges, 1)
		resp := map[string]any{
			"access_token": "access-1",
			"expires_in":   3600,
		}
		if newRefresh != "" {
			resp["refresh_token"] = newRefresh
		}
		json.NewEncoder(w).Encode(resp)
	})
}

func TestCheckSkipsFreshCredential(t *testing.T) {
	var exchanges int32
	m, _ := newTestManager(t, tokenHandler(&exchanges, ""))
	seed(t, m, 10*24*time.Hour)

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if exchanges != 0 {
		t.Fatalf("expected no rotation for a 10-day-old credential, got %d exchanges", exchanges)
	}
}

func TestCheckRotatesNearExpiry(t *testing.T) {
	var exchanges int32
	m, _ := newTestManager(t, tokenHandler(&exchanges, "refresh-new"))
	// 170 days old: ~10 days of estimated validity left, below the 30-day
	// threshold
	seed(t, m, 170*24*time.Hour)

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if exchanges != 1 {
		t.Fatalf("expected one exchange, got %d", exchanges)
	}
	cred, err := m.Store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cred.RefreshToken != "refresh-new" {
		t.Fatalf("expected rotated refresh token, got %q", cred.RefreshToken)
	}
	if time.Since(cred.CreatedAt) > time.Minute {
		t.Fatalf("expected CreatedAt reset, got %v", cred.CreatedAt)
	}
	// fresh again: next check is a no-op
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("second check: %v", err)
	}
	if exchanges != 1 {
		t.Fatalf("expected no further exchange, got %d", exchanges)
	}
}

func TestRotateKeepsCredentialWhenNoneIssued(t *testing.T) {
	var exchanges int32
	m, _ := newTestManager(t, tokenHandler(&exchanges, ""))
	seed(t, m, 170*24*time.Hour)
	before, _ := m.Store.Load()

	if err := m.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	after, _ := m.Store.Load()
	if after.RefreshToken != before.RefreshToken || !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatalf("credential must stay untouched when authority issues no new one")
	}
}

func TestInvalidGrantLatchesFatal(t *testing.T) {
	var exchanges int32
	m, _ := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	seed(t, m, 170*24*time.Hour)

	if err := m.Rotate(context.Background()); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
	// latched: no further exchange attempts
	if err := m.Check(context.Background()); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected latched check to fail, got %v", err)
	}
	if _, err := m.Token(context.Background()); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected latched token to fail, got %v", err)
	}
	if exchanges != 1 {
		t.Fatalf("expected single exchange before latching, got %d", exchanges)
	}
}

func TestTransientFailureDoesNotLatch(t *testing.T) {
	var calls int32
	m, _ := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "access-1", "expires_in": 3600})
	}))
	seed(t, m, 170*24*time.Hour)

	err := m.Rotate(context.Background())
	if err == nil || errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected transient error, got %v", err)
	}
	// retry succeeds
	if err := m.Rotate(context.Background()); err != nil {
		t.Fatalf("retry rotate: %v", err)
	}
}

func TestTokenCachesAccessToken(t *testing.T) {
	var exchanges int32
	m, _ := newTestManager(t, tokenHandler(&exchanges, ""))
	seed(t, m, 10*24*time.Hour)
	ctx := context.Background()

	tok, err := m.Token(ctx)
	if err != nil || tok != "access-1" {
		t.Fatalf("token: %v (%q)", err, tok)
	}
	for i := 0; i < 5; i++ {
		if _, err := m.Token(ctx); err != nil {
			t.Fatalf("cached token: %v", err)
		}
	}
	if exchanges != 1 {
		t.Fatalf("expected cached token to avoid exchanges, got %d", exchanges)
	}
}

func TestConcurrentRotationSingleFlight(t *testing.T) {
	var exchanges int32
	release := make(chan struct{})
	m, _ := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		<-release
		json.NewEncoder(w).Encode(map[string]any{"access_token": "access-1", "expires_in": 3600})
	}))
	seed(t, m, 170*24*time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	started := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			if err := m.Rotate(ctx); err != nil {
				t.Errorf("rotate: %v", err)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-started
	}
	// give the goroutines a moment to pile onto the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&exchanges); got != 1 {
		t.Fatalf("expected one in-flight exchange shared by all callers, got %d", got)
	}
}

func TestRemainingEstimate(t *testing.T) {
	m := NewManager(&FileStore{Path: filepath.Join(t.TempDir(), "c.json")}, "", "", "")
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	cred := Credential{CreatedAt: now.Add(-100 * 24 * time.Hour)}
	if got := m.Remaining(cred); got != 80*24*time.Hour {
		t.Fatalf("expected 80 days remaining, got %v", got)
	}
}
