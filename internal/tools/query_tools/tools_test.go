package query_tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/health-record-mcp/internal/config"
	"github.com/teemow/health-record-mcp/internal/server"
	"github.com/teemow/health-record-mcp/internal/tools/tooltest"
)

func TestCheckStatement(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		wantErr error
	}{
		{name: "plain select", sql: "select * from r", wantErr: nil},
		{name: "leading whitespace and case", sql: "  \n\tSELECT resource_id FROM fhir_resources", wantErr: nil},
		{name: "drop", sql: "DROP TABLE x", wantErr: ErrNotSelect},
		{name: "stacked drop", sql: "select 1; drop table x", wantErr: ErrBlockedKeyword},
		{name: "with clause", sql: "WITH x AS (SELECT 1) SELECT * FROM x", wantErr: ErrNotSelect},
		{name: "pragma", sql: "select * from pragma_table_info('fhir_resources')", wantErr: ErrBlockedKeyword},
		{name: "identifier false positive", sql: "select updated_at from t", wantErr: ErrBlockedKeyword},
		{name: "empty", sql: "   ", wantErr: ErrNotSelect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkStatement(tt.sql)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
		})
	}
}

func observations(n int) string {
	var b strings.Builder
	b.WriteString(`{"fhir":{"Patient":[{"resourceType":"Patient","id":"p1"}],"Observation":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"resourceType":"Observation","id":"o%d"}`, i)
	}
	b.WriteString(`]}}`)
	return b.String()
}

func decode(t *testing.T, text string) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	return resp
}

func TestHandleQuery(t *testing.T) {
	env := tooltest.NewEnv(t, observations(520))
	handler := handleQuery(env.Server)
	call := func(sql string) (string, bool) {
		t.Helper()
		result, err := handler(context.Background(), env.Session, tooltest.Request(ToolName, map[string]any{"sql": sql}))
		require.NoError(t, err)
		return tooltest.Text(t, result), result.IsError
	}

	t.Run("select", func(t *testing.T) {
		text, isErr := call("SELECT resource_id FROM fhir_resources WHERE resource_type = 'Patient'")
		require.False(t, isErr, text)
		resp := decode(t, text)
		assert.Equal(t, []string{"resource_id"}, resp.Columns)
		assert.Equal(t, 1, resp.RowCount)
		assert.Equal(t, "p1", resp.Rows[0]["resource_id"])
		assert.False(t, resp.Truncated)
		assert.Empty(t, resp.Warning)
	})

	t.Run("truncates past the row cap", func(t *testing.T) {
		text, isErr := call("select * from fhir_resources")
		require.False(t, isErr, text)
		resp := decode(t, text)
		assert.Equal(t, 500, resp.RowCount)
		assert.True(t, resp.Truncated)
		assert.Contains(t, resp.Warning, "500")
	})

	t.Run("empty result", func(t *testing.T) {
		text, isErr := call("select * from fhir_attachments")
		require.False(t, isErr, text)
		assert.Contains(t, text, `"rows":[]`)
	})

	t.Run("rejected before execution", func(t *testing.T) {
		for _, sql := range []string{"DROP TABLE x", "select 1; drop table fhir_resources"} {
			text, isErr := call(sql)
			assert.True(t, isErr)
			assert.Contains(t, text, "Query rejected")
		}
		text, isErr := call("select count(*) AS n from fhir_resources")
		require.False(t, isErr, text)
		assert.EqualValues(t, 521, decode(t, text).Rows[0]["n"])
	})

	t.Run("execution error carries message", func(t *testing.T) {
		text, isErr := call("select nope from fhir_resources")
		assert.True(t, isErr)
		assert.Contains(t, text, "nope")
	})

	t.Run("missing sql", func(t *testing.T) {
		result, err := handler(context.Background(), env.Session, tooltest.Request(ToolName, nil))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestHandleQuery_ResponseBudget(t *testing.T) {
	limits := server.DefaultToolsConfig()
	limits.MaxResponseBytes = 512
	env := tooltest.NewEnv(t, observations(100), server.WithToolsConfig(limits))

	result, err := handleQuery(env.Server)(context.Background(), env.Session,
		tooltest.Request(ToolName, map[string]any{"sql": "select json from fhir_resources"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, tooltest.Text(t, result), "response limit")
}

func TestHandleQuery_RowCapFromConfig(t *testing.T) {
	limits := server.DefaultToolsConfig()
	limits.QueryMaxRows = 3
	env := tooltest.NewEnv(t, observations(10), server.WithToolsConfig(limits))

	result, err := handleQuery(env.Server)(context.Background(), env.Session,
		tooltest.Request(ToolName, map[string]any{"sql": "select resource_id from fhir_resources"}))
	require.NoError(t, err)
	resp := decode(t, tooltest.Text(t, result))
	assert.Equal(t, 3, resp.RowCount)
	assert.True(t, resp.Truncated)
	assert.Equal(t, config.DefaultQueryMaxRows, server.DefaultToolsConfig().QueryMaxRows)
}
