// ABOUTME: Tests for the admin HTTP API, auth wiring and server lifecycle
// ABOUTME: Runs handlers through httptest against a MockStore, a real gate and router

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/platform"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

const testSecret = "server-test-secret-with-32-bytes"

type fakeDest struct {
	mu   sync.Mutex
	id   string
	sent []platform.Message
}

func (d *fakeDest) ID() string { return d.id }

func (d *fakeDest) Send(_ context.Context, msg platform.Message) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return "msg-1", nil
}

func (d *fakeDest) Delete(context.Context, string) error { return nil }

func (d *fakeDest) CreateSubthread(context.Context, string) (platform.Destination, error) {
	return d, nil
}

type fakeBatch struct {
	got    relay.BatchRequest
	result *dispatch.Result
	err    error
}

func (f *fakeBatch) RunBatch(_ context.Context, req relay.BatchRequest) (*dispatch.Result, error) {
	f.got = req
	return f.result, f.err
}

type fakeBridge struct {
	started chan struct{}
	err     error
}

func (b *fakeBridge) Run(ctx context.Context) error {
	close(b.started)
	if b.err != nil {
		return b.err
	}
	<-ctx.Done()
	return nil
}

type harness struct {
	srv    *Server
	store  *store.MockStore
	gate   *gate.Gate
	router *session.Router
	batch  *fakeBatch
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	st := store.NewMockStore()
	h := &harness{
		store:  st,
		gate:   gate.New(),
		router: session.NewRouter(st, nil),
		batch:  &fakeBatch{result: &dispatch.Result{}},
	}
	srv, err := New(cfg, Deps{Store: st, Gate: h.gate, Router: h.router, Batch: h.batch}, nil)
	require.NoError(t, err)
	h.srv = srv
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) seed(t *testing.T, threadID, sessionID string, lastActive time.Time) {
	t.Helper()
	require.NoError(t, h.store.PutSession(context.Background(), &store.SessionRecord{
		ThreadID:     threadID,
		SessionID:    sessionID,
		ChannelID:    "!room:example.org",
		CreatedAt:    lastActive,
		LastActiveAt: lastActive,
	}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(&config.Config{}, Deps{}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before Run")
}

func TestListSessions(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Now()
	h.seed(t, "$old", "sess-old", now.Add(-time.Hour))
	h.seed(t, "$new", "sess-new", now)
	h.gate.Enqueue("$new")

	rec := h.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[[]SessionResponse](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, "$new", got[0].ThreadID)
	assert.True(t, got[0].Locked)
	assert.Equal(t, "$old", got[1].ThreadID)
	assert.False(t, got[1].Locked)

	rec = h.do(t, http.MethodGet, "/api/sessions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SessionResponse](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/api/sessions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "$thread", "sess-1", time.Now())
	require.NoError(t, h.store.SaveUsage(context.Background(), &store.InvocationUsage{
		ThreadID:    "$thread",
		SessionID:   "sess-1",
		InputTokens: 120,
		CostUSD:     0.02,
		NumTurns:    3,
	}))

	rec := h.do(t, http.MethodGet, "/api/sessions/$thread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[SessionDetailResponse](t, rec)
	assert.Equal(t, "sess-1", got.SessionID)
	require.Len(t, got.Usage, 1)
	assert.Equal(t, int64(120), got.Usage[0].InputTokens)
	assert.Equal(t, 3, got.Usage[0].NumTurns)

	rec = h.do(t, http.MethodGet, "/api/sessions/$missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLocksAndUsage(t *testing.T) {
	h := newHarness(t, nil)
	h.gate.Enqueue("$b")
	h.gate.Enqueue("$a")
	require.NoError(t, h.store.SaveUsage(context.Background(), &store.InvocationUsage{ThreadID: "$a", OutputTokens: 7, CostUSD: 0.5}))

	rec := h.do(t, http.MethodGet, "/api/locks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	locks := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"$a", "$b"}, locks["locks"])

	rec = h.do(t, http.MethodGet, "/api/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[map[string]float64](t, rec)
	assert.Equal(t, float64(1), usage["invocations"])
	assert.Equal(t, float64(7), usage["output_tokens"])
}

func TestActions(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.RecordAction(context.Background(), "chan-1", "Wrote notes.md"))

	rec := h.do(t, http.MethodGet, "/api/actions?routing_id=chan-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]ActionResponse](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "Wrote notes.md", got[0].Description)

	rec = h.do(t, http.MethodGet, "/api/actions", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContextEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	dest := &fakeDest{id: "$thread"}
	h.router.SetContext("sess-1", session.Context{Destination: dest, WorkingDir: "/work", RoutingID: "chan-1"})

	rec := h.do(t, http.MethodGet, "/api/context/sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[session.Snapshot](t, rec)
	assert.Equal(t, "$thread", snap.DestinationID)
	assert.Equal(t, "/work", snap.WorkingDir)
	assert.Equal(t, "chan-1", snap.RoutingID)

	rec = h.do(t, http.MethodGet, "/api/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]session.Snapshot](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/api/context/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContextMessage(t *testing.T) {
	h := newHarness(t, nil)
	dest := &fakeDest{id: "$thread"}
	h.router.SetContext("sess-1", session.Context{Destination: dest})

	rec := h.do(t, http.MethodPost, "/api/context/sess-1/messages", ContextMessageRequest{Text: "progress update", Notice: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "msg-1", decode[map[string]string](t, rec)["message_id"])
	require.Len(t, dest.sent, 1)
	assert.Equal(t, "progress update", dest.sent[0].Text)
	assert.True(t, dest.sent[0].Notice)

	rec = h.do(t, http.MethodPost, "/api/context/sess-1/messages", ContextMessageRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/context/other/messages", ContextMessageRequest{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContextFile(t *testing.T) {
	h := newHarness(t, nil)
	workDir := t.TempDir()
	h.router.SetContext("sess-1", session.Context{Destination: &fakeDest{id: "$thread"}, WorkingDir: workDir})

	rec := h.do(t, http.MethodPost, "/api/context/sess-1/files", ContextFileRequest{Name: "plan.md", Data: []byte("# plan")})
	require.Equal(t, http.StatusAccepted, rec.Code)

	path := filepath.Join(workDir, "out", "chart.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))
	rec = h.do(t, http.MethodPost, "/api/context/sess-1/files", ContextFileRequest{Path: path})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	files := h.router.Files().Drain("sess-1")
	require.Len(t, files, 2)
	assert.Equal(t, "plan.md", files[0].Name)
	assert.Equal(t, []byte("# plan"), files[0].Data)
	assert.Equal(t, "chart.png", files[1].Name)
	assert.Equal(t, resolved, files[1].Path)

	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	link := filepath.Join(workDir, "link.txt")
	require.NoError(t, os.Symlink(outside, link))

	tests := []struct {
		name    string
		session string
		req     ContextFileRequest
		want    int
	}{
		{name: "no content", session: "sess-1", req: ContextFileRequest{Name: "x"}, want: http.StatusBadRequest},
		{name: "relative path", session: "sess-1", req: ContextFileRequest{Path: "notes.md"}, want: http.StatusBadRequest},
		{name: "missing file", session: "sess-1", req: ContextFileRequest{Path: filepath.Join(workDir, "nope")}, want: http.StatusBadRequest},
		{name: "directory", session: "sess-1", req: ContextFileRequest{Path: filepath.Dir(path)}, want: http.StatusBadRequest},
		{name: "outside working dir", session: "sess-1", req: ContextFileRequest{Path: outside}, want: http.StatusForbidden},
		{name: "dot-dot escape", session: "sess-1", req: ContextFileRequest{Path: workDir + "/../" + filepath.Base(filepath.Dir(outside)) + "/secret.txt"}, want: http.StatusForbidden},
		{name: "symlink escape", session: "sess-1", req: ContextFileRequest{Path: link}, want: http.StatusForbidden},
		{name: "unknown session", session: "other", req: ContextFileRequest{Data: []byte("x")}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/context/"+tt.session+"/files", tt.req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Zero(t, h.router.Files().Len("sess-1"))
}

func TestContextFileWithoutWorkingDir(t *testing.T) {
	h := newHarness(t, nil)
	h.router.SetContext("sess-1", session.Context{Destination: &fakeDest{id: "$thread"}})

	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))
	rec := h.do(t, http.MethodPost, "/api/context/sess-1/files", ContextFileRequest{Path: path})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestContextFileFollowsAlias(t *testing.T) {
	h := newHarness(t, nil)
	h.router.SetContext("local-id", session.Context{Destination: &fakeDest{id: "$thread"}})
	h.router.Overlay().Alias("runtime-id", "local-id")

	rec := h.do(t, http.MethodPost, "/api/context/runtime-id/files", ContextFileRequest{Name: "a.txt", Data: []byte("a")})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, h.router.Files().Len("local-id"))
}

func TestBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.batch.result = &dispatch.Result{SessionID: "sess-9", Sent: []string{"done"}, NumTurns: 2}

	rec := h.do(t, http.MethodPost, "/api/batch", BatchRequest{
		ChannelID: "!room:example.org",
		Prompt:    "daily summary",
		Prefix:    "📅 ",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[BatchResponse](t, rec)
	assert.Equal(t, "sess-9", got.SessionID)
	assert.Equal(t, []string{"done"}, got.Sent)
	assert.Equal(t, 2, got.NumTurns)

	assert.Equal(t, "!room:example.org", h.batch.got.ChannelID)
	assert.Equal(t, "daily summary", h.batch.got.Prompt)
	assert.Equal(t, "📅 ", h.batch.got.Prefix)
}

func TestBatchErrors(t *testing.T) {
	tests := []struct {
		name string
		req  BatchRequest
		err  error
		want int
	}{
		{name: "missing prompt", req: BatchRequest{ChannelID: "!r:x"}, want: http.StatusBadRequest},
		{name: "missing channel", req: BatchRequest{Prompt: "p"}, want: http.StatusBadRequest},
		{name: "no destination", req: BatchRequest{ChannelID: "!r:x", Prompt: "p"}, err: platform.ErrNoDestination, want: http.StatusServiceUnavailable},
		{name: "stream failure", req: BatchRequest{ChannelID: "!r:x", Prompt: "p"}, err: &dispatch.StreamError{Err: errors.New("boom")}, want: http.StatusBadGateway},
		{name: "other", req: BatchRequest{ChannelID: "!r:x", Prompt: "p"}, err: errors.New("store down"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.batch.err = tt.err
			rec := h.do(t, http.MethodPost, "/api/batch", tt.req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/batch", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRequiresTokenWhenSecretSet(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: testSecret}}
	h := newHarness(t, cfg)

	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")

	rec = h.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("ops", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_RejectsShortSecret(t *testing.T) {
	st := store.NewMockStore()
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: "short"}}
	_, err := New(cfg, Deps{Store: st, Gate: gate.New(), Router: session.NewRouter(st, nil), Batch: &fakeBatch{}}, nil)
	assert.Error(t, err)
}

func localConfig() *config.Config {
	return &config.Config{Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}}
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := store.NewMockStore()
	bridge := &fakeBridge{started: make(chan struct{})}
	drained := make(chan struct{})
	srv, err := New(localConfig(), Deps{
		Store:  st,
		Gate:   gate.New(),
		Router: session.NewRouter(st, nil),
		Batch:  &fakeBatch{},
		Bridge: bridge,
		Drain: func(ctx context.Context) error {
			close(drained)
			return nil
		},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-bridge.started:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge was not started")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-drained:
	default:
		t.Error("in-flight turns were not drained")
	}
}

func TestRun_BridgeFailureStopsServer(t *testing.T) {
	st := store.NewMockStore()
	bridgeErr := errors.New("sync failed")
	srv, err := New(localConfig(), Deps{
		Store:  st,
		Gate:   gate.New(),
		Router: session.NewRouter(st, nil),
		Batch:  &fakeBatch{},
		Bridge: &fakeBridge{started: make(chan struct{}), err: bridgeErr},
	}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, bridgeErr)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after bridge failure")
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/relay/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay/ts", dir)

	t.Setenv("XDG_DATA_HOME", "/data")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, "/data/coven/tailscale", dir)
}

func TestRequester(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/batch", nil)
	assert.Equal(t, "anonymous", requester(r))

	r = r.WithContext(auth.WithAuth(r.Context(), &auth.AuthContext{Subject: "ops"}))
	assert.Equal(t, "ops", requester(r))
}
