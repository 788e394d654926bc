package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrCredentialInvalid means the long-lived credential itself was rejected.
// This is fatal: the manager latches, stops auto-retrying, and a human must
// re-authorize out of band.
var ErrCredentialInvalid = errors.New("long-lived credential rejected; manual re-authorization required")

const (
	DefaultMaxLifetime     = 180 * 24 * time.Hour
	DefaultRotateThreshold = 30 * 24 * time.Hour

	defaultDailyInterval = 24 * time.Hour
	defaultLightInterval = 6 * time.Hour
)

// Credential is the persisted long-lived secret plus its creation timestamp.
// The external authority does not expose exact expiry, so remaining validity
// is estimated from CreatedAt against a known maximum lifetime.
type Credential struct {
	RefreshToken string    `json:"refresh_token"`
	CreatedAt    time.Time `json:"created_at"`
}

// FileStore persists the credential as JSON outside the relational store.
type FileStore struct {
	Path string
	mu   sync.Mutex
}

func (f *FileStore) Load() (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Credential{}, err
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return Credential{}, fmt.Errorf("parse credential file: %w", err)
	}
	return c, nil
}

func (f *FileStore) Save(c Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.Path, data, 0o600)
}

// Manager keeps the sync engine's authorization valid without manual
// intervention under normal operation, rotating the long-lived credential
// before its estimated expiry.
type Manager struct {
	Store           *FileStore
	TokenURL        string
	ClientID        string
	ClientSecret    string
	MaxLifetime     time.Duration
	RotateThreshold time.Duration
	Client          *http.Client
	Logger          *log.Logger
	Now             func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	invalid bool
	access  string
	expiry  time.Time
}

func NewManager(store *FileStore, tokenURL, clientID, clientSecret string) *Manager {
	return &Manager{
		Store:           store,
		TokenURL:        tokenURL,
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		MaxLifetime:     DefaultMaxLifetime,
		RotateThreshold: DefaultRotateThreshold,
		Client:          &http.Client{Timeout: 30 * time.Second},
		Now:             time.Now,
	}
}

func (m *Manager) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Remaining estimates how long the stored credential stays valid.
func (m *Manager) Remaining(c Credential) time.Duration {
	lifetime := m.MaxLifetime
	if lifetime <= 0 {
		lifetime = DefaultMaxLifetime
	}
	return lifetime - m.now().Sub(c.CreatedAt)
}

// Check estimates remaining validity and rotates proactively when it drops
// below the threshold. Safe to run concurrently from both schedules.
func (m *Manager) Check(ctx context.Context) error {
	m.mu.Lock()
	if m.invalid {
		m.mu.Unlock()
		return ErrCredentialInvalid
	}
	m.mu.Unlock()

	cred, err := m.Store.Load()
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	threshold := m.RotateThreshold
	if threshold <= 0 {
		threshold = DefaultRotateThreshold
	}
	if m.Remaining(cred) > threshold {
		return nil
	}
	m.logger().Printf("creds: estimated validity below threshold, rotating")
	return m.Rotate(ctx)
}

// Rotate exchanges the current long-lived credential for a fresh short-lived
// authorization. When the authority issues a new long-lived credential, it is
// persisted and the creation timestamp resets; otherwise the stored one stays
// in place. Overlapping schedules share one in-flight rotation.
func (m *Manager) Rotate(ctx context.Context) error {
	_, err, _ := m.group.Do("rotate", func() (any, error) {
		return nil, m.rotate(ctx)
	})
	return err
}

func (m *Manager) rotate(ctx context.Context) error {
	cred, err := m.Store.Load()
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	tok, err := m.exchange(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrCredentialInvalid) {
			m.mu.Lock()
			m.invalid = true
			m.mu.Unlock()
			// distinct from transient failures on purpose: this one does
			// not resolve by retrying
			m.logger().Printf("creds: FATAL: refresh token no longer accepted; re-authorize manually and replace %s", m.Store.Path)
			return ErrCredentialInvalid
		}
		return fmt.Errorf("rotate credential: %w", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		if err := m.Store.Save(Credential{RefreshToken: tok.RefreshToken, CreatedAt: m.now().UTC()}); err != nil {
			return fmt.Errorf("persist rotated credential: %w", err)
		}
		m.logger().Printf("creds: rotated long-lived credential")
	}
	m.cacheAccess(tok)
	return nil
}

// Token implements sheets.TokenSource, serving a cached short-lived token
// and refreshing it through the stored credential when near expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.invalid {
		m.mu.Unlock()
		return "", ErrCredentialInvalid
	}
	if m.access != "" && m.now().Before(m.expiry.Add(-time.Minute)) {
		token := m.access
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	if err := m.Rotate(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.access == "" {
		return "", errors.New("token endpoint returned no access token")
	}
	return m.access, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (m *Manager) cacheAccess(tok tokenResponse) {
	if tok.AccessToken == "" {
		return
	}
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	m.mu.Lock()
	m.access = tok.AccessToken
	m.expiry = m.now().Add(time.Duration(expiresIn) * time.Second)
	m.mu.Unlock()
}

func (m *Manager) exchange(ctx context.Context, refreshToken string) (tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", m.ClientID)
	form.Set("client_secret", m.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return tokenResponse{}, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnauthorized {
			if strings.Contains(string(body), "invalid_grant") || strings.Contains(string(body), "invalid_client") {
				return tokenResponse{}, ErrCredentialInvalid
			}
		}
		return tokenResponse{}, fmt.Errorf("token endpoint status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return tokenResponse{}, fmt.Errorf("parse token response: %w", err)
	}
	return tok, nil
}

// Run drives the two schedules: a daily check and a lighter, more frequent
// one. Both funnel into Check, which is idempotent and single-flighted.
func (m *Manager) Run(ctx context.Context) {
	m.RunEvery(ctx, defaultDailyInterval, defaultLightInterval)
}

func (m *Manager) RunEvery(ctx context.Context, daily, light time.Duration) {
	run := func(interval time.Duration) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Check(ctx); err != nil && !errors.Is(err, ErrCredentialInvalid) {
					m.logger().Printf("creds: scheduled check: %v", err)
				}
			}
		}
	}
	go run(daily)
	go run(light)
}
