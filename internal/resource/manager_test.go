package resource

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper is a fake warm process serving /health and /shutdown on a fixed
// address.
type helper struct {
	health         Health
	secret         string
	honorsShutdown bool

	srv       *http.Server
	shutdowns atomic.Int32
	stopped   chan struct{}
}

func startHelper(t *testing.T, addr string, h *helper) *helper {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(h.health)
	})
	mux.HandleFunc("POST /shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SecretHeader) != h.secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.shutdowns.Add(1)
		w.WriteHeader(http.StatusOK)
		if h.honorsShutdown {
			go h.srv.Close()
		}
	})

	h.srv = &http.Server{Handler: mux}
	h.stopped = make(chan struct{})
	go func() {
		h.srv.Serve(ln)
		close(h.stopped)
	}()
	t.Cleanup(func() { h.srv.Close() })
	return h
}

func (h *helper) Stop(ctx context.Context) error {
	return h.srv.Close()
}

// fakeLauncher starts a fully capable helper on addr.
type fakeLauncher struct {
	t        *testing.T
	addr     string
	mu       sync.Mutex
	launched []*helper
}

func (l *fakeLauncher) Launch(ctx context.Context) (Process, error) {
	h := startHelper(l.t, l.addr, &helper{health: Health{Status: "ok", ModelLoaded: true, ChatEnabled: true}})
	l.mu.Lock()
	l.launched = append(l.launched, h)
	l.mu.Unlock()
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func fastOptions(addr string, l Launcher) Options {
	return Options{
		Addr:              addr,
		RequireChat:       true,
		ShutdownSecret:    "s3cret",
		Launcher:          l,
		PortPollInterval:  10 * time.Millisecond,
		PortFreeTimeout:   300 * time.Millisecond,
		ReadyPollInterval: 10 * time.Millisecond,
		ReadyTimeout:      2 * time.Second,
	}
}

func TestEnsure_ReusesFullHelper(t *testing.T) {
	addr := freeAddr(t)
	running := startHelper(t, addr, &helper{health: Health{Status: "ok", ModelLoaded: true, ChatEnabled: true}})
	launcher := &fakeLauncher{t: t, addr: addr}

	m := New(fastOptions(addr, launcher))
	outcome, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Reused, outcome)
	assert.Zero(t, launcher.count())
	assert.False(t, m.Started())

	// Close must leave a reused helper alone.
	require.NoError(t, m.Close(context.Background()))
	_, err = m.Probe(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, running.shutdowns.Load())
}

func TestEnsure_ChatNotRequired(t *testing.T) {
	addr := freeAddr(t)
	startHelper(t, addr, &helper{health: Health{Status: "ok", ModelLoaded: true}})

	opts := fastOptions(addr, &fakeLauncher{t: t, addr: addr})
	opts.RequireChat = false
	outcome, err := New(opts).Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Reused, outcome)
}

func TestEnsure_ReplacesPartialHelper(t *testing.T) {
	addr := freeAddr(t)
	partial := startHelper(t, addr, &helper{
		health:         Health{Status: "ok", ModelLoaded: true, ChatEnabled: false},
		secret:         "s3cret",
		honorsShutdown: true,
	})
	launcher := &fakeLauncher{t: t, addr: addr}

	m := New(fastOptions(addr, launcher))
	outcome, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Replaced, outcome)
	assert.Equal(t, int32(1), partial.shutdowns.Load())
	assert.Equal(t, 1, launcher.count())
	assert.True(t, m.Started())

	h, err := m.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, h.ChatEnabled)

	require.NoError(t, m.Close(context.Background()))
	select {
	case <-launcher.launched[0].stopped:
	case <-time.After(time.Second):
		t.Fatal("launched helper was not stopped")
	}
}

func TestEnsure_PortNeverFrees(t *testing.T) {
	addr := freeAddr(t)
	stubborn := startHelper(t, addr, &helper{
		health: Health{Status: "ok", ModelLoaded: false},
		secret: "s3cret",
	})
	launcher := &fakeLauncher{t: t, addr: addr}

	_, err := New(fastOptions(addr, launcher)).Ensure(context.Background())
	assert.ErrorIs(t, err, ErrPortBusy)
	assert.Equal(t, int32(1), stubborn.shutdowns.Load())
	assert.Zero(t, launcher.count(), "must not launch while the port is held")
}

func TestEnsure_WrongSecretIsRefused(t *testing.T) {
	addr := freeAddr(t)
	guarded := startHelper(t, addr, &helper{
		health:         Health{Status: "loading"},
		secret:         "other",
		honorsShutdown: true,
	})

	_, err := New(fastOptions(addr, &fakeLauncher{t: t, addr: addr})).Ensure(context.Background())
	assert.ErrorIs(t, err, ErrPortBusy)
	assert.Zero(t, guarded.shutdowns.Load())
}

func TestEnsure_StartsWhenNothingRunning(t *testing.T) {
	addr := freeAddr(t)
	launcher := &fakeLauncher{t: t, addr: addr}

	m := New(fastOptions(addr, launcher))
	outcome, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
	assert.Equal(t, 1, launcher.count())
}

func TestHealthFull(t *testing.T) {
	assert.True(t, Health{Status: "ok", ModelLoaded: true, ChatEnabled: true}.Full(true))
	assert.False(t, Health{Status: "ok", ModelLoaded: true}.Full(true))
	assert.True(t, Health{Status: "ok", ModelLoaded: true}.Full(false))
	assert.False(t, Health{Status: "starting", ModelLoaded: true, ChatEnabled: true}.Full(false))
	assert.False(t, Health{Status: "ok"}.Full(false))
}
