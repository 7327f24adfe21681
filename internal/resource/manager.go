// Package resource manages the per-host helper process that keeps a model
// warm. Several daemons may share one helper; Ensure reuses a healthy one,
// replaces one that lacks a required capability and starts one when none is
// running, without ever leaving two instances bound to the port.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrPortBusy means the helper port did not free up after a shutdown
// request. Callers must treat it as fatal.
var ErrPortBusy = errors.New("helper port still in use after shutdown")

// SecretHeader carries the shared secret guarding POST /shutdown.
const SecretHeader = "X-Shutdown-Secret"

// Health is the helper's GET /health payload.
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"modelLoaded"`
	ChatEnabled bool   `json:"chatEnabled"`
}

// Full reports whether the helper offers everything this daemon needs.
func (h Health) Full(requireChat bool) bool {
	return h.Status == "ok" && h.ModelLoaded && (h.ChatEnabled || !requireChat)
}

// Outcome says what Ensure did.
type Outcome string

const (
	Reused   Outcome = "reused"
	Replaced Outcome = "replaced"
	Started  Outcome = "started"
)

// Process is a helper instance this daemon launched.
type Process interface {
	Stop(ctx context.Context) error
}

// Launcher starts a helper instance.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Options configures a Manager. Zero durations select the defaults.
type Options struct {
	Addr           string
	RequireChat    bool
	ShutdownSecret string
	Launcher       Launcher

	HealthTimeout     time.Duration
	ShutdownTimeout   time.Duration
	PortPollInterval  time.Duration
	PortFreeTimeout   time.Duration
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
}

func (o *Options) withDefaults() {
	defaults := []struct {
		field *time.Duration
		value time.Duration
	}{
		{&o.HealthTimeout, time.Second},
		{&o.ShutdownTimeout, 2 * time.Second},
		{&o.PortPollInterval, 100 * time.Millisecond},
		{&o.PortFreeTimeout, 5 * time.Second},
		{&o.ReadyPollInterval, 250 * time.Millisecond},
		{&o.ReadyTimeout, 60 * time.Second},
	}
	for _, d := range defaults {
		if *d.field <= 0 {
			*d.field = d.value
		}
	}
}

// Manager owns the helper lifecycle for one daemon.
type Manager struct {
	opts   Options
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	proc Process
}

// New creates a Manager.
func New(opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:   opts,
		client: &http.Client{},
		logger: slog.Default().With("component", "resource", "addr", opts.Addr),
	}
}

func (m *Manager) url(path string) string {
	return "http://" + m.opts.Addr + path
}

// Probe queries GET /health.
func (m *Manager) Probe(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url("/health"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe health: status %d", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}

// Ensure makes sure a fully capable helper is listening on Addr.
func (m *Manager) Ensure(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := Started
	h, err := m.Probe(ctx)
	switch {
	case err == nil && h.Full(m.opts.RequireChat):
		m.logger.Info("reusing running helper", "chat_enabled", h.ChatEnabled)
		return Reused, nil

	case err == nil:
		m.logger.Info("helper lacks required capability, replacing",
			"status", h.Status, "model_loaded", h.ModelLoaded, "chat_enabled", h.ChatEnabled)
		if err := m.requestShutdown(ctx); err != nil {
			m.logger.Warn("shutdown request failed", "error", err)
		}
		if err := m.waitPortFree(ctx); err != nil {
			return "", err
		}
		outcome = Replaced

	default:
		m.logger.Info("no helper running, starting one", "probe_error", err)
	}

	if m.opts.Launcher == nil {
		return "", errors.New("no helper launcher configured")
	}
	proc, err := m.opts.Launcher.Launch(ctx)
	if err != nil {
		return "", fmt.Errorf("launch helper: %w", err)
	}
	m.proc = proc

	if err := m.waitReady(ctx); err != nil {
		return "", err
	}
	m.logger.Info("helper ready", "outcome", outcome)
	return outcome, nil
}

func (m *Manager) requestShutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ShutdownTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url("/shutdown"), nil)
	if err != nil {
		return err
	}
	req.Header.Set(SecretHeader, m.opts.ShutdownSecret)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post shutdown: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post shutdown: status %d", resp.StatusCode)
	}
	return nil
}

// waitPortFree polls until Addr can be bound or PortFreeTimeout passes.
func (m *Manager) waitPortFree(ctx context.Context) error {
	deadline := time.Now().Add(m.opts.PortFreeTimeout)
	ticker := time.NewTicker(m.opts.PortPollInterval)
	defer ticker.Stop()

	for {
		if portFree(m.opts.Addr) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrPortBusy, m.opts.Addr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func portFree(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func (m *Manager) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(m.opts.ReadyTimeout)
	ticker := time.NewTicker(m.opts.ReadyPollInterval)
	defer ticker.Stop()

	for {
		h, err := m.Probe(ctx)
		if err == nil && h.Full(m.opts.RequireChat) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("helper not ready after %s", m.opts.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Started reports whether this daemon launched the running helper.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil
}

// Close stops the helper if this daemon started it. A reused helper is left
// running for its other users.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	proc := m.proc
	m.proc = nil
	m.mu.Unlock()

	if proc == nil {
		return nil
	}
	m.logger.Info("stopping helper")
	return proc.Stop(ctx)
}
