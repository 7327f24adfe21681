package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gopherbridge/internal/gateway"
	"github.com/user/gopherbridge/internal/state"
	"github.com/user/gopherbridge/internal/types"
)

type mockProcessor struct {
	last     types.NormalizedMessage
	response string
	err      error
}

func (m *mockProcessor) Process(ctx context.Context, msg types.NormalizedMessage) (*types.ProcessResult, error) {
	m.last = msg
	if m.err != nil {
		return nil, m.err
	}
	return &types.ProcessResult{Response: m.response, SessionID: "sess-1", Duration: 1500 * time.Millisecond}, nil
}

type mockDelivery struct {
	source, channel, text string
	err                   error
}

func (m *mockDelivery) Deliver(ctx context.Context, source, channelID, text string) error {
	m.source, m.channel, m.text = source, channelID, text
	return m.err
}

func newStore(t *testing.T) *state.SessionStore {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return state.NewSessionStore(db, 0)
}

func do(t *testing.T, srv http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(Options{Adapters: func() map[string]bool {
		return map[string]bool{"telegram": true, "matrix": false}
	}})

	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp["status"])
	assert.Equal(t, map[string]any{"telegram": true, "matrix": false}, resp["adapters"])
}

func TestWebhookProcess(t *testing.T) {
	proc := &mockProcessor{response: "hello from the agent"}
	srv := NewServer(Options{Processor: proc})

	w := do(t, srv, http.MethodPost, "/webhook", `{"channel_id":"ci","text":"say hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp webhookResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "hello from the agent", resp.Response)
	assert.Equal(t, types.SessionID("sess-1"), resp.SessionID)
	assert.Equal(t, int64(1500), resp.DurationMS)
	assert.False(t, resp.Delivered)
	assert.Equal(t, "webhook", proc.last.Source)
	assert.Equal(t, "ci", proc.last.ChannelID)
	assert.Equal(t, "say hi", proc.last.Text)
}

func TestWebhookValidation(t *testing.T) {
	srv := NewServer(Options{Processor: &mockProcessor{}})

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/webhook", `{"text":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/webhook", `{"channel_id":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/webhook", `not json`).Code)
}

func TestWebhookDeliver(t *testing.T) {
	del := &mockDelivery{}
	srv := NewServer(Options{Processor: &mockProcessor{response: "deployed"}, Delivery: del})

	w := do(t, srv, http.MethodPost, "/webhook", `{"source":"telegram","channel_id":"42","text":"deploy","deliver":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp webhookResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Delivered)
	assert.Equal(t, "telegram", del.source)
	assert.Equal(t, "42", del.channel)
	assert.Equal(t, "deployed", del.text)
}

func TestWebhookErrors(t *testing.T) {
	proc := &mockProcessor{err: gateway.ErrNotAccepting}
	srv := NewServer(Options{Processor: proc})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodPost, "/webhook", `{"channel_id":"c","text":"t"}`).Code)

	proc.err = errors.New("backend: secret detail")
	w := do(t, srv, http.MethodPost, "/webhook", `{"channel_id":"c","text":"t"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "secret detail")
}

func TestWebhookNotConfigured(t *testing.T) {
	srv := NewServer(Options{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodPost, "/webhook", `{"channel_id":"c","text":"t"}`).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/api/sessions", "").Code)
}

func TestSessionAPI(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sess, err := store.GetOrCreate(ctx, "telegram", "42", "u1")
	require.NoError(t, err)
	require.True(t, store.UpdateSession(ctx, sess.ID, "hi", "hello"))
	_, err = store.GetOrCreate(ctx, "matrix", "!r:example.org", "u2")
	require.NoError(t, err)

	var deleted []types.SessionID
	srv := NewServer(Options{Sessions: store, OnDelete: func(id types.SessionID) { deleted = append(deleted, id) }})

	w := do(t, srv, http.MethodGet, "/api/sessions?source=telegram", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []sessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)
	assert.Equal(t, 1, list[0].Turns)

	w = do(t, srv, http.MethodGet, "/api/sessions/"+string(sess.ID)+"/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Turns []types.ConversationTurn `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&hist))
	assert.Equal(t, []types.ConversationTurn{{User: "hi", Bot: "hello"}}, hist.Turns)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/sessions/"+string(sess.ID)+"/clear", "").Code)
	assert.Empty(t, store.GetHistory(ctx, sess.ID))

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodDelete, "/api/sessions/"+string(sess.ID), "").Code)
	assert.Equal(t, []types.SessionID{sess.ID}, deleted)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/sessions/"+string(sess.ID)+"/history", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/sessions/missing/clear", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodDelete, "/api/sessions/missing", "").Code)
}

func TestTokenAuth(t *testing.T) {
	srv := NewServer(Options{Sessions: newStore(t), Processor: &mockProcessor{response: "ok"}, Token: "s3cret"})

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", "").Code, "health stays open")
	assert.NotEqual(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/sessions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/api/sessions", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/sessions", "", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/webhook", `{"channel_id":"c","text":"t"}`, "Authorization", "Bearer s3cret").Code)
}

type mockTasks struct {
	tasks []*state.Task
	ran   string
	res   *types.ProcessResult
	err   error
}

func (m *mockTasks) ListTasks(ctx context.Context) ([]*state.Task, error) {
	return m.tasks, nil
}

func (m *mockTasks) RunTask(ctx context.Context, name string) (*types.ProcessResult, error) {
	m.ran = name
	return m.res, m.err
}

func TestTaskAPI(t *testing.T) {
	tasks := &mockTasks{
		tasks: []*state.Task{{Name: "digest", Prompt: "summarize", Schedule: "0 9 * * *", Source: "telegram", ChannelID: "42", Enabled: true}},
		res:   &types.ProcessResult{Response: "done", SessionID: "sess-9", Duration: 20 * time.Millisecond},
	}
	srv := NewServer(Options{Tasks: tasks})

	w := do(t, srv, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed []state.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "digest", listed[0].Name)
	assert.Equal(t, "42", listed[0].ChannelID)

	w = do(t, srv, http.MethodPost, "/api/tasks/digest/run", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "digest", tasks.ran)
	var resp webhookResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "done", resp.Response)
	assert.Equal(t, types.SessionID("sess-9"), resp.SessionID)
	assert.True(t, resp.Delivered)
}

func TestTaskAPI_Errors(t *testing.T) {
	tasks := &mockTasks{err: state.ErrNotFound}
	srv := NewServer(Options{Tasks: tasks})
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/tasks/missing/run", "").Code)

	tasks.err = gateway.ErrNotAccepting
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodPost, "/api/tasks/x/run", "").Code)

	tasks.err = errors.New("boom")
	w := do(t, srv, http.MethodPost, "/api/tasks/x/run", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")

	// Processed but the reply could not be sent.
	tasks.res = &types.ProcessResult{Response: "late"}
	tasks.err = errors.New("deliver reply: offline")
	w = do(t, srv, http.MethodPost, "/api/tasks/x/run", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp webhookResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "late", resp.Response)
	assert.False(t, resp.Delivered)

	unconfigured := NewServer(Options{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, unconfigured, http.MethodGet, "/api/tasks", "").Code)
}
