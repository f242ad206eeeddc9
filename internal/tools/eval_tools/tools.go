package eval_tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/server"
	"github.com/teemow/health-record-mcp/internal/session"
	"github.com/teemow/health-record-mcp/internal/tools/common"
)

// ToolName is the registered name of the eval tool.
const ToolName = "eval"

// Response is the eval tool's response body.
type Response struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Logs      []string        `json:"logs"`
	Errors    []string        `json:"errors"`
	Error     string          `json:"error,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
	Warning   string          `json:"warning,omitempty"`
}

// RegisterEvalTools registers the eval tool with the MCP server
func RegisterEvalTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	evalTool := mcp.NewTool(ToolName,
		mcp.WithDescription(fmt.Sprintf(`Run JavaScript against the patient's full record.
The code is the body of an async function with three parameters:
  fullEhr  the record, {"fhir": {"<ResourceType>": [...]}, "attachments": [...]}
  console  log/info/debug/warn go to "logs", error goes to "errors"
  _        helpers: groupBy, countBy, keyBy, sortBy, uniq, uniqBy, flatten, get, pick, sum
Use "return" to produce the result; it must be JSON-serializable.
Execution is limited to %s.`, sc.Tools().EvalTimeout)),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("JavaScript function body"),
		),
	)

	s.AddTool(evalTool, common.InstrumentedToolHandler(ToolName, sc, handleEval(sc)))
	return nil
}

func handleEval(sc *server.ServerContext) common.SessionToolHandler {
	return func(ctx context.Context, s *session.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		code, ok := args["code"].(string)
		if !ok || code == "" {
			return mcp.NewToolResultError("code is required"), nil
		}

		limits := sc.Tools()
		out := Run(ctx, s.Record, code, limits.EvalTimeout)

		resp := Response{Result: out.Result, Logs: out.Logs, Errors: out.Errors}
		if out.Outcome != OutcomeOK {
			resp.Error = out.Err
			resp.ErrorType = out.Outcome
		}

		body, outcome, err := encode(resp, out.Outcome, limits.MaxResponseBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to encode eval result: %w", err)
		}

		if m := sc.Metrics(); m != nil {
			m.RecordEvalOutcome(ctx, outcome)
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.String(instrumentation.SpanAttrOutcome, outcome))

		if outcome != OutcomeOK {
			return mcp.NewToolResultError(string(body)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// encode marshals resp and shrinks it to fit maxBytes. The result is dropped
// first, then the captured logs. If neither is enough a fixed error body is
// returned. The returned outcome is oversize whenever the result was dropped.
func encode(resp Response, outcome string, maxBytes int) ([]byte, string, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, outcome, err
	}
	if len(body) <= maxBytes {
		return body, outcome, nil
	}
	size := humanize.IBytes(uint64(len(body)))
	limit := humanize.IBytes(uint64(maxBytes))

	if resp.Result != nil {
		outcome = OutcomeOversize
		if body, err = sjson.DeleteBytes(body, "result"); err != nil {
			return nil, outcome, err
		}
		if body, err = sjson.SetBytes(body, "error_type", OutcomeOversize); err != nil {
			return nil, outcome, err
		}
		msg := fmt.Sprintf("Result of %s exceeds the %s response limit. Return a smaller value.", size, limit)
		if body, err = sjson.SetBytes(body, "error", msg); err != nil {
			return nil, outcome, err
		}
		if len(body) <= maxBytes {
			return body, outcome, nil
		}
	}

	if body, err = sjson.SetBytes(body, "logs", []string{}); err != nil {
		return nil, outcome, err
	}
	if body, err = sjson.SetBytes(body, "errors", []string{}); err != nil {
		return nil, outcome, err
	}
	warning := fmt.Sprintf("Response of %s exceeded the %s limit; captured console output was dropped.", size, limit)
	if body, err = sjson.SetBytes(body, "warning", warning); err != nil {
		return nil, outcome, err
	}
	if len(body) <= maxBytes {
		return body, outcome, nil
	}

	body, err = json.Marshal(Response{
		Logs:      []string{},
		Errors:    []string{},
		Error:     "Response too large",
		ErrorType: OutcomeOversize,
	})
	return body, OutcomeOversize, err
}
