// Package credentials caches the backend OAuth credential read from a JSON
// file and refreshes it before it expires.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultCacheTTL      = 30 * time.Second
	DefaultRefreshBuffer = 5 * time.Minute

	wrapperKey     = "claudeAiOauth"
	refreshTimeout = 30 * time.Second
)

// Credential is one OAuth credential.
type Credential struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	SubscriptionType string
}

// fileCredential is the on-disk shape. expiresAt is unix milliseconds.
type fileCredential struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresAt        int64  `json:"expiresAt"`
	SubscriptionType string `json:"subscriptionType,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Path          string
	TokenURL      string
	ClientID      string
	CacheTTL      time.Duration
	RefreshBuffer time.Duration
	HTTPClient    *http.Client
}

// Status summarizes the credential without ever failing.
type Status struct {
	Valid            bool          `json:"valid"`
	ExpiresIn        time.Duration `json:"expires_in"`
	NeedsRefresh     bool          `json:"needs_refresh"`
	SubscriptionType string        `json:"subscription_type,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// Manager serves access tokens from a short-lived in-memory cache over the
// credential file.
type Manager struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	cached   *Credential
	loadedAt time.Time
}

// New creates a Manager. Zero durations select the defaults.
func New(opts Options) *Manager {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	return &Manager{
		opts:   opts,
		logger: slog.Default().With("component", "credentials"),
		now:    time.Now,
	}
}

// GetToken returns a usable access token, refreshing it when it is within
// RefreshBuffer of expiry. If a proactive refresh fails while the current
// token is still valid, the current token is returned and the failure is
// logged.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.currentLocked()
	if err != nil {
		return "", err
	}
	if !m.needsRefresh(cred) {
		return cred.AccessToken, nil
	}

	refreshed, err := m.refreshLocked(ctx, cred)
	if err != nil {
		if m.now().Before(cred.ExpiresAt) {
			m.logger.Warn("proactive refresh failed, using current token", "error", err, "expires_at", cred.ExpiresAt)
			return cred.AccessToken, nil
		}
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh exchanges the refresh token regardless of expiry.
func (m *Manager) ForceRefresh(ctx context.Context) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.loadLocked()
	if err != nil {
		return nil, err
	}
	refreshed, err := m.refreshLocked(ctx, cred)
	if err != nil {
		return nil, err
	}
	c := *refreshed
	return &c, nil
}

// Status reports on the credential. It never refreshes.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.currentLocked()
	if err != nil {
		return Status{Error: err.Error()}
	}
	expiresIn := cred.ExpiresAt.Sub(m.now())
	return Status{
		Valid:            expiresIn > 0,
		ExpiresIn:        expiresIn,
		NeedsRefresh:     m.needsRefresh(cred),
		SubscriptionType: cred.SubscriptionType,
	}
}

// Close drops the cached credential.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cached = nil
	m.loadedAt = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) needsRefresh(cred *Credential) bool {
	return cred.ExpiresAt.Sub(m.now()) < m.opts.RefreshBuffer
}

// currentLocked serves from the cache while it is fresh and re-reads the
// file otherwise.
func (m *Manager) currentLocked() (*Credential, error) {
	if m.cached != nil && m.now().Sub(m.loadedAt) < m.opts.CacheTTL {
		return m.cached, nil
	}
	return m.loadLocked()
}

func (m *Manager) loadLocked() (*Credential, error) {
	fc, _, err := readFile(m.opts.Path)
	if err != nil {
		return nil, err
	}
	cred := &Credential{
		AccessToken:      fc.AccessToken,
		RefreshToken:     fc.RefreshToken,
		ExpiresAt:        time.UnixMilli(fc.ExpiresAt),
		SubscriptionType: fc.SubscriptionType,
	}
	m.cached = cred
	m.loadedAt = m.now()
	return cred, nil
}

// readFile parses the credential file, accepting either the bare object or
// one wrapped under "claudeAiOauth". It also returns the decoded top level
// so a rewrite can preserve unrelated keys.
func readFile(path string) (*fileCredential, map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, &Error{Code: CodeNotFound, Message: "no credential file at " + path, Err: err}
	}
	if err != nil {
		return nil, nil, &Error{Code: CodeNotFound, Message: "read " + path, Err: err}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, nil, &Error{Code: CodeInvalid, Message: "parse " + path, Err: err}
	}

	body := data
	if wrapped, ok := top[wrapperKey]; ok {
		body = wrapped
	}
	var fc fileCredential
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, nil, &Error{Code: CodeInvalid, Message: "parse " + path, Err: err}
	}
	switch {
	case fc.AccessToken == "":
		return nil, nil, &Error{Code: CodeInvalid, Message: "credential has no access token"}
	case fc.RefreshToken == "":
		return nil, nil, &Error{Code: CodeInvalid, Message: "credential has no refresh token"}
	case fc.ExpiresAt <= 0:
		return nil, nil, &Error{Code: CodeInvalid, Message: "credential has no expiry"}
	}
	return &fc, top, nil
}

// refreshLocked exchanges the refresh token and rewrites the file. On any
// failure the cached credential is left as it was.
func (m *Manager) refreshLocked(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, &Error{Code: CodeInvalid, Message: "credential has no refresh token"}
	}
	if m.opts.TokenURL == "" {
		return nil, &Error{Code: CodeRefreshFailed, Message: "no token endpoint configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if m.opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.opts.HTTPClient)
	}

	conf := &oauth2.Config{
		ClientID: m.opts.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: m.opts.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, classify(err)
	}

	refreshed := &Credential{
		AccessToken:      tok.AccessToken,
		RefreshToken:     tok.RefreshToken,
		ExpiresAt:        tok.Expiry,
		SubscriptionType: cred.SubscriptionType,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	if refreshed.ExpiresAt.IsZero() {
		refreshed.ExpiresAt = m.now().Add(time.Hour)
	}

	if err := m.writeLocked(refreshed); err != nil {
		return nil, err
	}
	m.cached = refreshed
	m.loadedAt = m.now()
	m.logger.Info("credential refreshed", "expires_at", refreshed.ExpiresAt)
	return refreshed, nil
}

func classify(err error) *Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &Error{Code: CodeRefreshFailed, Message: fmt.Sprintf("token endpoint returned %d", re.Response.StatusCode), Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &Error{Code: CodeNetwork, Message: "token endpoint unreachable", Err: err}
	}
	return &Error{Code: CodeRefreshFailed, Message: "token exchange failed", Err: err}
}

// writeLocked rewrites the credential file atomically, keeping the wrapper
// layout and any unrelated keys of the original.
func (m *Manager) writeLocked(cred *Credential) error {
	_, top, err := readFile(m.opts.Path)
	if err != nil {
		top = nil
	}

	fc := fileCredential{
		AccessToken:      cred.AccessToken,
		RefreshToken:     cred.RefreshToken,
		ExpiresAt:        cred.ExpiresAt.UnixMilli(),
		SubscriptionType: cred.SubscriptionType,
	}

	var out any = fc
	if _, wrapped := top[wrapperKey]; wrapped {
		inner, err := json.Marshal(fc)
		if err != nil {
			return &Error{Code: CodeInvalid, Message: "encode credential", Err: err}
		}
		top[wrapperKey] = inner
		out = top
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return &Error{Code: CodeInvalid, Message: "encode credential", Err: err}
	}

	tmp := filepath.Join(filepath.Dir(m.opts.Path), "."+filepath.Base(m.opts.Path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &Error{Code: CodeRefreshFailed, Message: "write credential file", Err: err}
	}
	if err := os.Rename(tmp, m.opts.Path); err != nil {
		os.Remove(tmp)
		return &Error{Code: CodeRefreshFailed, Message: "replace credential file", Err: err}
	}
	return nil
}
