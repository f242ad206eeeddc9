package query_tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/server"
	"github.com/teemow/health-record-mcp/internal/session"
	"github.com/teemow/health-record-mcp/internal/tools/common"
)

// ToolName is the registered name of the query tool.
const ToolName = "query"

// Response is the query tool's response body.
type Response struct {
	Warning   string           `json:"warning,omitempty"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
}

// RegisterQueryTools registers the query tool with the MCP server
func RegisterQueryTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	queryTool := mcp.NewTool(ToolName,
		mcp.WithDescription(fmt.Sprintf(`Run a read-only SQL SELECT against the relational projection of the patient's record.
Tables: fhir_resources(resource_type, resource_id, json) and
fhir_attachments(resource_type, resource_id, path, content_type, content_plaintext, content_raw, json).
Results are limited to %d rows.`, sc.Tools().QueryMaxRows)),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("A single SELECT statement"),
		),
	)

	s.AddTool(queryTool, common.InstrumentedToolHandler(ToolName, sc, handleQuery(sc)))
	return nil
}

func handleQuery(sc *server.ServerContext) common.SessionToolHandler {
	return func(ctx context.Context, s *session.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		sql, ok := args["sql"].(string)
		if !ok || sql == "" {
			return mcp.NewToolResultError("sql is required"), nil
		}
		if err := checkStatement(sql); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Query rejected: %v", err)), nil
		}
		if s.DB == nil {
			return nil, errors.New("session has no relational store")
		}

		limits := sc.Tools()
		qctx, cancel := context.WithTimeout(ctx, limits.QueryTimeout)
		defer cancel()

		res, err := s.DB.Query(qctx, sql, limits.QueryMaxRows)
		if err != nil {
			if errors.Is(qctx.Err(), context.DeadlineExceeded) {
				return mcp.NewToolResultError(fmt.Sprintf("Query timed out after %s", limits.QueryTimeout)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Query failed: %v", err)), nil
		}

		trace.SpanFromContext(ctx).SetAttributes(
			instrumentation.NewSpanAttributeBuilder().WithRows(len(res.Rows), res.Truncated).Build()...)

		resp := Response{
			Columns:   res.Columns,
			Rows:      res.Rows,
			RowCount:  len(res.Rows),
			Truncated: res.Truncated,
		}
		if resp.Rows == nil {
			resp.Rows = []map[string]any{}
		}
		if res.Truncated {
			resp.Warning = fmt.Sprintf("Results truncated to the first %d rows. Add a LIMIT or narrow the WHERE clause.", limits.QueryMaxRows)
		}

		out, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to encode query result: %w", err)
		}
		if len(out) > limits.MaxResponseBytes {
			return mcp.NewToolResultError(fmt.Sprintf(
				"Query result of %s exceeds the %s response limit. Select fewer columns or rows.",
				humanize.IBytes(uint64(len(out))), humanize.IBytes(uint64(limits.MaxResponseBytes)))), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}
