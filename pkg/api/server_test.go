package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-io/masc/pkg/gate"
	"github.com/masc-io/masc/pkg/room"
	"github.com/masc-io/masc/pkg/storage/filestore"
	"github.com/masc-io/masc/pkg/stream"
)

// testRig is one fully wired server over a temp-dir filestore.
type testRig struct {
	e       *echo.Echo
	gate    *gate.Gate
	fabric  *stream.Fabric
	session string
}

func newTestRig(t *testing.T, cfg gate.Config) *testRig {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()

	store, err := filestore.New(base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fabric := stream.New()
	engine := room.New(store, base, room.WithNotifier(fabric))
	g, err := gate.New(ctx, engine, cfg)
	require.NoError(t, err)

	e := echo.New()
	NewServer(g, fabric, nil, nil).RegisterRoutes(e)
	return &testRig{e: e, gate: g, fabric: fabric}
}

// do performs one request, carrying the session cookie-style header
// across calls the way a real client would.
func (r *testRig) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if r.session != "" {
		req.Header.Set(HeaderSession, r.session)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.e.ServeHTTP(rec, req)

	if id := rec.Header().Get(HeaderSession); id != "" {
		r.session = id
	}
	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func (r *testRig) initRoom(t *testing.T) {
	t.Helper()
	rec, _ := r.do(t, http.MethodPost, "/api/v1/room/init",
		map[string]any{"project_name": "demo"}, map[string]string{HeaderAgent: "op"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func (r *testRig) join(t *testing.T, agent string) {
	t.Helper()
	rec, _ := r.do(t, http.MethodPost, "/api/v1/agents/join",
		map[string]any{"agent": agent}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	rig := newTestRig(t, gate.DefaultConfig())
	rec, body := rig.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get(HeaderSession))
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	rig := newTestRig(t, gate.DefaultConfig())
	rig.initRoom(t)
	rig.join(t, "a1")

	rec, task := rig.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"title": "wire the api", "priority": 2}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	taskID, _ := task["id"].(string)
	require.NotEmpty(t, taskID)

	rec, claimed := rig.do(t, http.MethodPost, "/api/v1/tasks/claim_next", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, taskID, claimed["id"])
	assert.Equal(t, "claimed", claimed["status"])

	rec, _ = rig.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/start", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, done := rig.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/done",
		map[string]any{"notes": "merged"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "done", done["status"])

	rec, list := rig.do(t, http.MethodGet, "/api/v1/tasks?status=done", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list["tasks"], 1)
}

func TestErrorMapping(t *testing.T) {
	rig := newTestRig(t, gate.DefaultConfig())

	// Commands before init surface as 404 not_initialized.
	rec, body := rig.do(t, http.MethodGet, "/api/v1/room/status", nil,
		map[string]string{HeaderAgent: "a1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_initialized", body["kind"])

	rig.initRoom(t)
	rig.join(t, "a1")

	// Unknown task.
	rec, body = rig.do(t, http.MethodPost, "/api/v1/tasks/task-99/claim", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "task_not_found", body["kind"])

	// Claim conflict.
	rec, task := rig.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"title": "t"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	taskID := task["id"].(string)
	rec, _ = rig.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/claim", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	other := newClientOn(rig)
	other.join(t, "a2")
	rec, body = other.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/claim", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "task_claimed", body["kind"])

	// Empty broadcast is a schema error.
	rec, body = rig.do(t, http.MethodPost, "/api/v1/messages",
		map[string]any{"content": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "schema_error", body["kind"])
}

// newClientOn shares the rig's server but starts with a fresh session.
func newClientOn(rig *testRig) *testRig {
	return &testRig{e: rig.e, gate: rig.gate, fabric: rig.fabric}
}

func TestMessagesCursorPagination(t *testing.T) {
	rig := newTestRig(t, gate.DefaultConfig())
	rig.initRoom(t)
	rig.join(t, "a1")

	for _, content := range []string{"one", "two", "three"} {
		rec, _ := rig.do(t, http.MethodPost, "/api/v1/messages",
			map[string]any{"content": content}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// The join system message is seq 1, so the first page is it plus "one".
	rec, page := rig.do(t, http.MethodGet, "/api/v1/messages?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := page["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[1].(map[string]any)["content"])
	cursor, _ := page["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	rec, page = rig.do(t, http.MethodGet, "/api/v1/messages?cursor="+cursor, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rest := page["messages"].([]any)
	require.Len(t, rest, 2)
	assert.Equal(t, "three", rest[1].(map[string]any)["content"])

	// A cursor minted for another collection is rejected.
	badCursor := room.EncodeCursor(room.CursorTasks, "task-1")
	rec, body := rig.do(t, http.MethodGet, "/api/v1/messages?cursor="+badCursor, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "schema_error", body["kind"])
}

func TestLockEndpoints(t *testing.T) {
	rig := newTestRig(t, gate.DefaultConfig())
	rig.initRoom(t)
	rig.join(t, "a1")

	rec, _ := rig.do(t, http.MethodPost, "/api/v1/locks",
		map[string]any{"resource": "src/main.go"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	other := newClientOn(rig)
	other.join(t, "a2")
	rec, body := other.do(t, http.MethodPost, "/api/v1/locks",
		map[string]any{"resource": "src/main.go"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "file_locked", body["kind"])

	rec, list := rig.do(t, http.MethodGet, "/api/v1/locks", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list["locks"], 1)

	rec, _ = rig.do(t, http.MethodDelete, "/api/v1/locks?resource=src%2Fmain.go", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, list = rig.do(t, http.MethodGet, "/api/v1/locks", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, list["locks"])
}

func TestSubscriptionPollDeliversEvents(t *testing.T) {
	rig := newTestRig(t, gate.DefaultConfig())
	rig.initRoom(t)
	rig.join(t, "a1")

	rec, sub := rig.do(t, http.MethodPost, "/api/v1/subscriptions",
		map[string]any{"event_types": []string{"broadcast"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subID := sub["subscription_id"].(string)
	require.NotEmpty(t, subID)

	rec, _ = rig.do(t, http.MethodPost, "/api/v1/messages",
		map[string]any{"content": "hello"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, events := rig.do(t, http.MethodGet, "/api/v1/subscriptions/"+subID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := events["events"].([]any)
	require.Len(t, evs, 1)
	assert.Equal(t, "broadcast", evs[0].(map[string]any)["type"])

	// Default poll clears the buffer.
	rec, events = rig.do(t, http.MethodGet, "/api/v1/subscriptions/"+subID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, events["events"])

	rec, _ = rig.do(t, http.MethodDelete, "/api/v1/subscriptions/"+subID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := rig.do(t, http.MethodGet, "/api/v1/subscriptions/"+subID+"/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "subscription_not_found", body["kind"])
}

func TestAuthEnableOverHTTP(t *testing.T) {
	rig := newTestRig(t, gate.DefaultConfig())
	rig.initRoom(t)

	rec, body := rig.do(t, http.MethodPost, "/api/v1/auth/enable", nil,
		map[string]string{HeaderAgent: "op"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	secret := body["secret"].(string)
	require.NotEmpty(t, secret)

	// With auth on, a tokenless caller cannot administer auth.
	rec, body = rig.do(t, http.MethodPost, "/api/v1/auth/enable", nil,
		map[string]string{HeaderAgent: "op"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", body["kind"])

	rec, token := rig.do(t, http.MethodPost, "/api/v1/auth/tokens",
		map[string]any{"secret": secret, "agent": "a1", "role": "observer"},
		map[string]string{HeaderToken: secret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, token["token"])

	// The observer token reads but cannot create tasks.
	observer := newClientOn(rig)
	headers := map[string]string{HeaderAgent: "a1", HeaderToken: token["token"].(string)}
	rec, _ = observer.do(t, http.MethodGet, "/api/v1/tasks", nil, headers)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body = observer.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"title": "nope"}, headers)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", body["kind"])
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	cfg := gate.DefaultConfig()
	cfg.Rate = 1
	cfg.Burst = 2
	rig := newTestRig(t, cfg)
	rig.initRoom(t)

	var rec *httptest.ResponseRecorder
	var body map[string]any
	for i := 0; i < 3; i++ {
		rec, body = rig.do(t, http.MethodGet, "/api/v1/room/status", nil, nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", body["kind"])
	assert.NotEmpty(t, body["retry_after"])
}

func TestWalphEndpointsWithoutSupervisor(t *testing.T) {
	rig := newTestRig(t, gate.DefaultConfig())
	rig.initRoom(t)

	rec, body := rig.do(t, http.MethodPost, "/api/v1/walph/a1/start", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "walph_disabled", body["kind"])

	rec, _ = rig.do(t, http.MethodGet, "/api/v1/walph", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	rig := newTestRig(t, gate.DefaultConfig())
	rig.initRoom(t)
	rig.join(t, "a1")

	rec, page := rig.do(t, http.MethodGet, "/api/v1/audit?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := page["entries"].([]any)
	require.Len(t, entries, 1)
	cursor := page["next_cursor"].(string)

	rec, page = rig.do(t, http.MethodGet, "/api/v1/audit?cursor="+cursor, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, page["entries"], "join follows init in the log")
}
