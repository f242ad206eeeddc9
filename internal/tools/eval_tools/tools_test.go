package eval_tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/health-record-mcp/internal/record"
	"github.com/teemow/health-record-mcp/internal/server"
	"github.com/teemow/health-record-mcp/internal/tools/tooltest"
)

const testRecord = `{
  "fhir": {
    "Patient": [{"resourceType":"Patient","id":"p1"}],
    "Observation": [
      {"resourceType":"Observation","id":"o1","code":{"text":"Glucose"},"valueQuantity":{"value":5}},
      {"resourceType":"Observation","id":"o2","code":{"text":"Glucose"},"valueQuantity":{"value":6}},
      {"resourceType":"Observation","id":"o3","code":{"text":"Heart rate"},"valueQuantity":{"value":72}}
    ]
  },
  "attachments": []
}`

func mustRecord(t *testing.T) *record.Record {
	t.Helper()
	rec, err := record.Parse([]byte(testRecord))
	require.NoError(t, err)
	return rec
}

func TestRun(t *testing.T) {
	rec := mustRecord(t)

	tests := []struct {
		name        string
		code        string
		wantOutcome string
		wantResult  string
		wantErr     string
		wantLogs    []string
	}{
		{
			name:        "returns value",
			code:        "return fullEhr.fhir.Observation.length",
			wantOutcome: OutcomeOK,
			wantResult:  "3",
		},
		{
			name:        "helpers",
			code:        "return _.countBy(fullEhr.fhir.Observation, 'code.text')",
			wantOutcome: OutcomeOK,
			wantResult:  `{"Glucose":2,"Heart rate":1}`,
		},
		{
			name:        "sum with path iteratee",
			code:        "return _.sum(fullEhr.fhir.Observation, 'valueQuantity.value')",
			wantOutcome: OutcomeOK,
			wantResult:  "83",
		},
		{
			name:        "await",
			code:        "const v = await Promise.resolve(42); return v",
			wantOutcome: OutcomeOK,
			wantResult:  "42",
		},
		{
			name:        "no return",
			code:        "const x = 1",
			wantOutcome: OutcomeOK,
		},
		{
			name:        "syntax error",
			code:        "return {",
			wantOutcome: OutcomeSyntax,
		},
		{
			name:        "thrown error",
			code:        "throw new Error('boom')",
			wantOutcome: OutcomeException,
			wantErr:     "boom",
		},
		{
			name:        "never settles",
			code:        "await new Promise(() => {})",
			wantOutcome: OutcomeTimeout,
			wantErr:     "never settled",
		},
		{
			name:        "circular value keeps logs",
			code:        "console.log('building'); const a = {}; a.self = a; return a",
			wantOutcome: OutcomeNonSerializable,
			wantErr:     "JSON-serializable",
			wantLogs:    []string{"building"},
		},
		{
			name:        "short sleep",
			code:        "await new Promise(r => setTimeout(r, 10)); return 'woke'",
			wantOutcome: OutcomeOK,
			wantResult:  `"woke"`,
		},
		{
			name:        "timer arguments and order",
			code:        "const seen = []; await new Promise(r => { setTimeout(v => seen.push(v), 5, 'b'); setTimeout(v => seen.push(v), 0, 'a'); setTimeout(r, 10) }); return seen",
			wantOutcome: OutcomeOK,
			wantResult:  `["a","b"]`,
		},
		{
			name:        "cleared timer never fires",
			code:        "const id = setTimeout(() => { throw new Error('fired') }, 0); clearTimeout(id); await new Promise(r => setTimeout(r, 1)); return 2",
			wantOutcome: OutcomeOK,
			wantResult:  "2",
		},
		{
			name:        "throwing timer callback",
			code:        "await new Promise(() => setTimeout(() => { throw new Error('late boom') }, 1))",
			wantOutcome: OutcomeException,
			wantErr:     "late boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Run(context.Background(), rec, tt.code, time.Second)
			assert.Equal(t, tt.wantOutcome, out.Outcome, out.Err)
			if tt.wantResult != "" {
				assert.JSONEq(t, tt.wantResult, string(out.Result))
			}
			if tt.wantErr != "" {
				assert.Contains(t, out.Err, tt.wantErr)
			}
			if tt.wantOutcome != OutcomeOK {
				assert.Nil(t, out.Result)
			}
			if tt.wantLogs != nil {
				assert.Equal(t, tt.wantLogs, out.Logs)
			}
		})
	}
}

func TestRun_SleepPastTimeout(t *testing.T) {
	start := time.Now()
	out := Run(context.Background(), mustRecord(t),
		"console.log('sleeping'); await new Promise(r => setTimeout(r, 5000)); return 1", 100*time.Millisecond)

	assert.Equal(t, OutcomeTimeout, out.Outcome, out.Err)
	assert.Contains(t, out.Err, "timed out")
	assert.Nil(t, out.Result)
	assert.Equal(t, []string{"sleeping"}, out.Logs)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	out := Run(context.Background(), mustRecord(t), "while (true) {}", 100*time.Millisecond)

	assert.Equal(t, OutcomeTimeout, out.Outcome)
	assert.Contains(t, out.Err, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_Console(t *testing.T) {
	code := `
console.log("count", fullEhr.fhir.Patient.length);
console.info({a: 1});
console.warn("careful");
console.error("bad");
return null`
	out := Run(context.Background(), mustRecord(t), code, time.Second)

	require.Equal(t, OutcomeOK, out.Outcome, out.Err)
	assert.Equal(t, []string{"count 1", `{"a":1}`, "WARN: careful"}, out.Logs)
	assert.Equal(t, []string{"bad"}, out.Errors)
	assert.JSONEq(t, "null", string(out.Result))
}

func TestRun_KeepsLogsOnFailure(t *testing.T) {
	out := Run(context.Background(), mustRecord(t), `console.log("before"); const a = []; a.push(a); return a`, time.Second)

	assert.Equal(t, OutcomeNonSerializable, out.Outcome)
	assert.Equal(t, []string{"before"}, out.Logs)
}

func TestRun_LogCap(t *testing.T) {
	out := Run(context.Background(), mustRecord(t), `for (let i = 0; i < 5000; i++) console.log(i)`, 5*time.Second)

	require.Equal(t, OutcomeOK, out.Outcome, out.Err)
	assert.Len(t, out.Logs, maxLogLines)
	assert.Contains(t, out.Logs[maxLogLines-1], "dropped")
}

func TestEncode(t *testing.T) {
	bigResult := json.RawMessage(`"` + strings.Repeat("x", 2000) + `"`)
	manyLogs := make([]string, 100)
	for i := range manyLogs {
		manyLogs[i] = strings.Repeat("l", 50)
	}

	t.Run("fits", func(t *testing.T) {
		body, outcome, err := encode(Response{Result: json.RawMessage(`1`), Logs: []string{}, Errors: []string{}}, OutcomeOK, 1024)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOK, outcome)
		assert.JSONEq(t, `{"result":1,"logs":[],"errors":[]}`, string(body))
	})

	t.Run("drops result first", func(t *testing.T) {
		body, outcome, err := encode(Response{Result: bigResult, Logs: []string{"kept"}, Errors: []string{}}, OutcomeOK, 512)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOversize, outcome)
		assert.LessOrEqual(t, len(body), 512)

		var resp Response
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Nil(t, resp.Result)
		assert.Equal(t, []string{"kept"}, resp.Logs)
		assert.Equal(t, OutcomeOversize, resp.ErrorType)
		assert.Contains(t, resp.Error, "response limit")
	})

	t.Run("then drops logs", func(t *testing.T) {
		body, outcome, err := encode(Response{Result: json.RawMessage(`1`), Logs: manyLogs, Errors: []string{}}, OutcomeOK, 1024)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOversize, outcome)
		assert.LessOrEqual(t, len(body), 1024)

		var resp Response
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Empty(t, resp.Logs)
		assert.Contains(t, resp.Warning, "console output was dropped")
	})

	t.Run("logs only on a failed run", func(t *testing.T) {
		body, outcome, err := encode(Response{Logs: manyLogs, Errors: []string{}, Error: "boom", ErrorType: OutcomeException}, OutcomeException, 1024)
		require.NoError(t, err)
		assert.Equal(t, OutcomeException, outcome)

		var resp Response
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, "boom", resp.Error)
		assert.Empty(t, resp.Logs)
	})

	t.Run("fixed fallback", func(t *testing.T) {
		body, outcome, err := encode(Response{Result: bigResult, Logs: manyLogs, Errors: []string{}}, OutcomeOK, 16)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOversize, outcome)
		assert.JSONEq(t, `{"logs":[],"errors":[],"error":"Response too large","error_type":"oversize"}`, string(body))
	})
}

func TestHandleEval(t *testing.T) {
	limits := server.DefaultToolsConfig()
	limits.EvalTimeout = 200 * time.Millisecond
	env := tooltest.NewEnv(t, testRecord, server.WithToolsConfig(limits))
	handler := handleEval(env.Server)

	call := func(code string) (Response, bool) {
		t.Helper()
		result, err := handler(context.Background(), env.Session, tooltest.Request(ToolName, map[string]any{"code": code}))
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(tooltest.Text(t, result)), &resp))
		return resp, result.IsError
	}

	resp, isErr := call("console.log('hi'); return _.uniq(fullEhr.fhir.Observation.map(o => o.code.text))")
	assert.False(t, isErr)
	assert.JSONEq(t, `["Glucose","Heart rate"]`, string(resp.Result))
	assert.Equal(t, []string{"hi"}, resp.Logs)
	assert.Empty(t, resp.ErrorType)

	resp, isErr = call("for (;;) {}")
	assert.True(t, isErr)
	assert.Equal(t, OutcomeTimeout, resp.ErrorType)

	resp, isErr = call("return (")
	assert.True(t, isErr)
	assert.Equal(t, OutcomeSyntax, resp.ErrorType)

	result, err := handler(context.Background(), env.Session, tooltest.Request(ToolName, nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
