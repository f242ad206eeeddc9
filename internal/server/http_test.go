package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/health-record-mcp/internal/mcp/oauth"
	"github.com/teemow/health-record-mcp/internal/projection"
	"github.com/teemow/health-record-mcp/internal/record"
	"github.com/teemow/health-record-mcp/internal/session"
	"github.com/teemow/health-record-mcp/internal/transport"
)

const testRecord = `{"fhir":{"Patient":[{"resourceType":"Patient","id":"p1"}]}}`

type testStack struct {
	store  *session.Store
	binder *transport.Binder
	sc     *ServerContext
	http   *HTTPServer
	srv    *httptest.Server
}

func newTestStack(t *testing.T, rateLimit oauth.RateLimitConfig) *testStack {
	t.Helper()
	ctx := context.Background()

	store := session.NewStore(session.Options{Factory: projection.NewSQLiteFactory()})
	handler, err := oauth.NewHandler(&oauth.Config{
		Issuer:    "http://localhost:8080",
		RateLimit: rateLimit,
	}, store)
	require.NoError(t, err)

	binder := transport.NewBinder(handler.Issuer(), nil, nil)
	sc := NewServerContext(ctx, store, binder)
	mcpServer := NewMCPServer(sc, "test")
	httpServer := NewHTTPServer(sc, mcpServer, handler, HTTPConfig{Addr: ":0", BaseURL: "http://localhost:8080"})

	srv := httptest.NewServer(httpServer.Handler())
	t.Cleanup(func() {
		_ = httpServer.Shutdown(context.Background())
		srv.Close()
		_ = sc.Shutdown(context.Background())
	})

	return &testStack{store: store, binder: binder, sc: sc, http: httpServer, srv: srv}
}

// grant creates a session the way a completed token exchange leaves it.
func (ts *testStack) grant(t *testing.T) (*session.Session, string) {
	t.Helper()
	rec, err := record.Parse([]byte(testRecord))
	require.NoError(t, err)
	s, err := ts.store.Create(context.Background(), "c1", "", rec)
	require.NoError(t, err)
	token, err := oauth.GenerateAccessToken()
	require.NoError(t, err)
	require.NoError(t, ts.store.Promote(s, token))
	return s, token
}

// openStream connects to the SSE endpoint and returns the transport id from
// the endpoint event.
func (ts *testStack) openStream(t *testing.T, ctx context.Context, token string) (string, io.ReadCloser) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+PathSSE, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			u, err := url.Parse(data)
			require.NoError(t, err)
			id := u.Query().Get("sessionId")
			require.NotEmpty(t, id)
			assert.Equal(t, PathMessages, u.Path)
			return id, resp.Body
		}
	}
}

func TestHTTPServer_SSERequiresBearer(t *testing.T) {
	ts := newTestStack(t, oauth.RateLimitConfig{})

	resp, err := http.Get(ts.srv.URL + PathSSE)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), oauth.PathProtectedResourceMetadata)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+PathSSE, nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestHTTPServer_UnknownTransport(t *testing.T) {
	ts := newTestStack(t, oauth.RateLimitConfig{})

	resp, err := http.Post(ts.srv.URL+PathMessages+"?sessionId=nope", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPServer_StreamLifecycle(t *testing.T) {
	ts := newTestStack(t, oauth.RateLimitConfig{})
	s, token := ts.grant(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, body := ts.openStream(t, ctx, token)
	defer body.Close()

	require.True(t, ts.binder.Has(id))
	assert.Equal(t, id, s.TransportID())
	resolved, err := ts.binder.Resolve(id)
	require.NoError(t, err)
	assert.Same(t, s, resolved)

	// a message for the bound transport is accepted
	resp, err := http.Post(ts.srv.URL+PathMessages+"?sessionId="+id, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Less(t, resp.StatusCode, 300)

	// revoking the token detaches the transport and ends the stream
	_, err = ts.store.Revoke(context.Background(), token)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SSE stream still open after revocation")
	}

	assert.False(t, ts.binder.Has(id))
	resp, err = http.Post(ts.srv.URL+PathMessages+"?sessionId="+id, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPServer_ClientDisconnectDetaches(t *testing.T) {
	ts := newTestStack(t, oauth.RateLimitConfig{})
	s, token := ts.grant(t)

	ctx, cancel := context.WithCancel(context.Background())
	id, body := ts.openStream(t, ctx, token)
	require.True(t, ts.binder.Has(id))

	cancel()
	body.Close()

	assert.Eventually(t, func() bool { return !ts.binder.Has(id) }, 5*time.Second, 20*time.Millisecond)
	// the session outlives its transport
	assert.False(t, s.Closed())
	_, err := ts.store.Get(token)
	assert.NoError(t, err)
}

func TestHTTPServer_ShutdownEndsStreams(t *testing.T) {
	ts := newTestStack(t, oauth.RateLimitConfig{})
	_, token := ts.grant(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, body := ts.openStream(t, ctx, token)
	defer body.Close()

	require.NoError(t, ts.http.Shutdown(context.Background()))

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SSE stream still open after shutdown")
	}
	assert.False(t, ts.http.Health().IsReady())
}

func TestHTTPServer_OAuthRoutes(t *testing.T) {
	ts := newTestStack(t, oauth.RateLimitConfig{})

	resp, err := http.Get(ts.srv.URL + oauth.PathAuthorizationServerMetadata)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var meta oauth.AuthorizationServerMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, "http://localhost:8080"+oauth.PathToken, meta.TokenEndpoint)

	// revoke answers 200 even for unknown tokens
	resp2, err := http.PostForm(ts.srv.URL+oauth.PathRevoke, url.Values{"token": {"unknown"}, "client_id": {"c1"}})
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestHTTPServer_RateLimit(t *testing.T) {
	ts := newTestStack(t, oauth.RateLimitConfig{Rate: 1, Burst: 1})

	var statuses []int
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.srv.URL + oauth.PathAuthorizationServerMetadata)
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Contains(t, statuses, http.StatusTooManyRequests)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestStack(t, oauth.RateLimitConfig{})
	ts.grant(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(ts.srv.URL + "/healthz/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()
	var detailed DetailedHealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detailed))
	assert.Equal(t, healthStatusOK, detailed.Status)
	assert.Equal(t, 1, detailed.Sessions)
	assert.Equal(t, 0, detailed.Transports)
	assert.Equal(t, "sqlite", detailed.Backend)

	ts.http.Health().SetReady(false)
	resp2, err := http.Get(ts.srv.URL + "/readyz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sr.WriteHeader(http.StatusTeapot)
	sr.WriteHeader(http.StatusOK)
	sr.Flush()

	assert.Equal(t, http.StatusTeapot, sr.status)
	assert.True(t, rec.Flushed)
	var _ http.Flusher = sr
}
