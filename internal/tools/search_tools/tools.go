package search_tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/server"
	"github.com/teemow/health-record-mcp/internal/session"
	"github.com/teemow/health-record-mcp/internal/tools/common"
)

// ToolName is the registered name of the search tool.
const ToolName = "search"

// RegisterSearchTools registers the search tool with the MCP server
func RegisterSearchTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	searchTool := mcp.NewTool(ToolName,
		mcp.WithDescription(`Search the patient's record with a case-insensitive regular expression.
Structured FHIR resources match on their JSON form; attachments match on their extracted text only.
Use resource_types to narrow the scope: ["Attachment"] searches attachment text only, a list of
FHIR types searches those resources and their own attachments, and adding "Attachment" to such a
list also searches every attachment.`),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Regular expression, matched case-insensitively"),
		),
		mcp.WithArray("resource_types",
			mcp.Description(`FHIR resource types to search, optionally including "Attachment". A comma-separated string is also accepted.`),
			mcp.WithStringItems(),
		),
	)

	s.AddTool(searchTool, common.InstrumentedToolHandler(ToolName, sc, handleSearch(sc)))
	return nil
}

func handleSearch(sc *server.ServerContext) common.SessionToolHandler {
	return func(ctx context.Context, s *session.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		query, ok := args["query"].(string)
		if !ok || query == "" {
			return mcp.NewToolResultError("query is required"), nil
		}
		types := parseResourceTypes(args["resource_types"])

		trace.SpanFromContext(ctx).SetAttributes(
			instrumentation.NewSpanAttributeBuilder().WithResourceTypes(types).Build()...)

		res, err := Search(s.Record, query, types)
		if errors.Is(err, ErrInvalidPattern) {
			return mcp.NewToolResultError(fmt.Sprintf("InvalidPattern: %v", err)), nil
		}
		if err != nil {
			return nil, err
		}

		out, err := Encode(res, sc.Tools().MaxResponseBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to encode search result: %w", err)
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}
