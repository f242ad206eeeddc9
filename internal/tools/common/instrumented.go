package common

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/logging"
	"github.com/teemow/health-record-mcp/internal/server"
	"github.com/teemow/health-record-mcp/internal/session"
)

// SessionToolHandler is a tool handler that runs against a resolved session.
type SessionToolHandler func(ctx context.Context, s *session.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// InstrumentedToolHandler gates handler behind the session resolved from the
// call's transport and wraps it with a trace span, metrics and audit logging.
//
// Usage:
//
//	s.AddTool(searchTool, common.InstrumentedToolHandler("search", sc, handleSearch))
func InstrumentedToolHandler(toolName string, sc *server.ServerContext, handler SessionToolHandler) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := instrumentation.StartToolSpan(ctx, toolName)
		defer span.End()

		start := time.Now()
		invocation := instrumentation.NewToolInvocation(toolName).WithSpanContext(ctx)
		if sc.AuditLogger() != nil {
			invocation.WithArguments(argumentsString(request))
		}

		var clientID string
		result, err := func() (*mcp.CallToolResult, error) {
			s, release, err := SessionFromContext(ctx, sc.Binder())
			if err != nil {
				return nil, err
			}
			defer release()

			clientID = s.ClientID
			invocation.WithSession(s.ClientID, s.ID)
			span.SetAttributes(instrumentation.NewSpanAttributeBuilder().WithClient(s.ClientID).Build()...)
			return handler(ctx, s, request)
		}()
		duration := time.Since(start)

		status := instrumentation.StatusSuccess
		switch {
		case err != nil:
			status = instrumentation.StatusError
			invocation.Complete(false, err)
			instrumentation.SetSpanError(span, err)
			sc.Logger().Warn("Tool call rejected", logging.Tool(toolName), logging.Err(err))
		case result != nil && result.IsError:
			status = instrumentation.StatusError
			toolErr := errors.New(resultText(result))
			invocation.Complete(false, toolErr)
			instrumentation.SetSpanError(span, toolErr)
		default:
			invocation.Complete(true, nil)
			instrumentation.SetSpanSuccess(span)
		}
		span.SetAttributes(attribute.String(instrumentation.SpanAttrStatus, status))

		sc.Metrics().RecordToolInvocation(ctx, toolName, status, clientID, duration)
		sc.AuditLogger().LogToolInvocation(invocation)

		return result, err
	}
}

func argumentsString(request mcp.CallToolRequest) string {
	args := request.GetArguments()
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(b)
}

// resultText returns the first text block of a result.
func resultText(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "tool error"
}
