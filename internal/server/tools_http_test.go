package server_test

import (
	"bufio"
	"context"
	"encoding/json"
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
	"github.com/teemow/health-record-mcp/internal/server"
	"github.com/teemow/health-record-mcp/internal/session"
	"github.com/teemow/health-record-mcp/internal/tools/search_tools"
	"github.com/teemow/health-record-mcp/internal/transport"
)

// sseClient reads JSON-RPC messages off an open SSE stream.
type sseClient struct {
	t        *testing.T
	base     string
	messages string
	reader   *bufio.Reader
}

func (c *sseClient) post(body string) {
	c.t.Helper()
	resp, err := http.Post(c.base+c.messages, "application/json", strings.NewReader(body))
	require.NoError(c.t, err)
	resp.Body.Close()
	require.Less(c.t, resp.StatusCode, 300)
}

// response returns the JSON-RPC response carrying the given id.
func (c *sseClient) response(id int) map[string]any {
	c.t.Helper()
	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(c.t, err)
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var msg map[string]any
		if json.Unmarshal([]byte(data), &msg) != nil {
			continue
		}
		if got, ok := msg["id"].(float64); ok && int(got) == id {
			return msg
		}
	}
}

func TestHTTPServer_ToolCallOverSSE(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := session.NewStore(session.Options{Factory: projection.NewSQLiteFactory()})
	handler, err := oauth.NewHandler(&oauth.Config{Issuer: "http://localhost:8080"}, store)
	require.NoError(t, err)
	sc := server.NewServerContext(context.Background(), store, transport.NewBinder(handler.Issuer(), nil, nil))
	mcpServer := server.NewMCPServer(sc, "test")
	require.NoError(t, search_tools.RegisterSearchTools(mcpServer, sc))
	httpServer := server.NewHTTPServer(sc, mcpServer, handler, server.HTTPConfig{Addr: ":0", BaseURL: "http://localhost:8080"})

	srv := httptest.NewServer(httpServer.Handler())
	t.Cleanup(func() {
		_ = httpServer.Shutdown(context.Background())
		srv.Close()
		_ = sc.Shutdown(context.Background())
	})

	rec, err := record.Parse([]byte(`{"fhir":{"Patient":[{"resourceType":"Patient","id":"p1"}]}}`))
	require.NoError(t, err)
	s, err := store.Create(ctx, "c1", "", rec)
	require.NoError(t, err)
	token, err := oauth.GenerateAccessToken()
	require.NoError(t, err)
	require.NoError(t, store.Promote(s, token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+server.PathSSE, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	client := &sseClient{t: t, base: srv.URL, reader: bufio.NewReader(resp.Body)}
	for client.messages == "" {
		line, err := client.reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			u, err := url.Parse(data)
			require.NoError(t, err)
			client.messages = u.RequestURI()
		}
	}

	client.post(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	initialized := client.response(1)
	require.Nil(t, initialized["error"])
	client.post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	client.post(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search","arguments":{"query":"p1"}}}`)
	msg := client.response(2)
	require.Nil(t, msg["error"])

	result, ok := msg["result"].(map[string]any)
	require.True(t, ok)
	assert.NotEqual(t, true, result["isError"])
	content, ok := result["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	text, ok := content[0].(map[string]any)["text"].(string)
	require.True(t, ok)

	var found search_tools.Result
	require.NoError(t, json.Unmarshal([]byte(text), &found))
	assert.Equal(t, 1, found.ResourcesSearchedCount)
	require.Len(t, found.MatchedResources, 1)
	assert.Equal(t, "Patient", found.MatchedResources[0].ResourceType)
	assert.Equal(t, "p1", found.MatchedResources[0].ResourceID)
}
