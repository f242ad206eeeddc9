package eval_tools

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/teemow/health-record-mcp/internal/record"
)

// Outcomes of one run.
const (
	OutcomeOK              = "ok"
	OutcomeTimeout         = "timeout"
	OutcomeException       = "exception"
	OutcomeSyntax          = "syntax"
	OutcomeNonSerializable = "non_serializable"
	OutcomeOversize        = "oversize"
)

// maxLogLines caps each captured log stream.
const maxLogLines = 1000

//go:embed helpers.js
var helpersSource string

var helpersProgram = goja.MustCompile("helpers.js", helpersSource, true)

var errInterrupted = errors.New("execution interrupted")

// Output is the classified result of one run.
type Output struct {
	Outcome string
	// Result is the JSON form of the returned value. It is nil when the run
	// failed or returned undefined.
	Result json.RawMessage
	Logs   []string
	Errors []string
	Err    string
}

// Run executes code as the body of an async function receiving the record as
// fullEhr, a capturing console and the _ helper library. setTimeout and
// clearTimeout are available. The timeout covers loading the record into the
// runtime, execution, pending timers, promise settlement and serialization of
// the result.
//
// Run bounds time only. Scripts share the host process and are trusted input.
func Run(ctx context.Context, rec *record.Record, code string, timeout time.Duration) (out *Output) {
	out = &Output{Logs: []string{}, Errors: []string{}}

	prog, err := goja.Compile("eval.js", "(async function (fullEhr, console, _) {\n"+code+"\n})", false)
	if err != nil {
		out.Outcome = OutcomeSyntax
		out.Err = err.Error()
		return out
	}

	vm := goja.New()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var timedOut atomic.Bool
	stop := context.AfterFunc(ctx, func() {
		timedOut.Store(true)
		vm.Interrupt(errInterrupted)
	})
	defer stop()

	fail := func(outcome, msg string) *Output {
		out.Outcome = outcome
		out.Err = msg
		out.Result = nil
		return out
	}
	timeoutMsg := fmt.Sprintf("Execution timed out after %s", timeout)
	classify := func(err error) *Output {
		var exc *goja.Exception
		switch {
		case timedOut.Load():
			return fail(OutcomeTimeout, timeoutMsg)
		case errors.As(err, new(*goja.InterruptedError)):
			return fail(OutcomeTimeout, timeoutMsg)
		case errors.As(err, &exc):
			return fail(OutcomeException, exc.Value().String())
		default:
			return fail(OutcomeException, err.Error())
		}
	}

	defer func() {
		if r := recover(); r != nil {
			if timedOut.Load() {
				fail(OutcomeTimeout, timeoutMsg)
				return
			}
			fail(OutcomeException, fmt.Sprintf("internal error: %v", r))
		}
	}()

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	ehr, err := parse(goja.Undefined(), vm.ToValue(string(rec.Raw())))
	if err != nil {
		return classify(err)
	}
	helpers, err := vm.RunProgram(helpersProgram)
	if err != nil {
		return classify(err)
	}
	console := newConsole(vm, stringify, out)
	timers := newTimerQueue()
	timers.install(vm)

	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return classify(err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return fail(OutcomeException, "script did not compile to a function")
	}

	// Promise jobs run before the call returns, so the promise has settled
	// unless it waits on something that can never happen.
	ret, err := fn(goja.Undefined(), ehr, console, helpers)
	if err != nil {
		return classify(err)
	}
	if timedOut.Load() {
		return fail(OutcomeTimeout, timeoutMsg)
	}

	value := ret
	if p, ok := ret.Export().(*goja.Promise); ok {
		// Fire timers until the promise settles. Promise jobs queued by a
		// callback run before the callback returns.
		for p.State() == goja.PromiseStatePending {
			t := timers.next()
			if t == nil {
				break
			}
			if wait := time.Until(t.due); wait > 0 {
				delay := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					delay.Stop()
					return fail(OutcomeTimeout, timeoutMsg)
				case <-delay.C:
				}
			}
			if ctx.Err() != nil {
				return fail(OutcomeTimeout, timeoutMsg)
			}
			if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
				return classify(err)
			}
		}

		switch p.State() {
		case goja.PromiseStatePending:
			return fail(OutcomeTimeout, "Script result never settled")
		case goja.PromiseStateRejected:
			return fail(OutcomeException, valueString(p.Result()))
		default:
			value = p.Result()
		}
	}

	serialized, err := stringify(goja.Undefined(), value)
	if err != nil {
		if timedOut.Load() {
			return fail(OutcomeTimeout, timeoutMsg)
		}
		var exc *goja.Exception
		msg := err.Error()
		if errors.As(err, &exc) {
			msg = exc.Value().String()
		}
		return fail(OutcomeNonSerializable, "Result is not JSON-serializable: "+msg)
	}

	out.Outcome = OutcomeOK
	if serialized != nil && !goja.IsUndefined(serialized) {
		out.Result = json.RawMessage(serialized.String())
	}
	return out
}

// newConsole returns a console whose log, info, debug and warn calls are
// captured in out.Logs and whose error calls are captured in out.Errors.
func newConsole(vm *goja.Runtime, stringify goja.Callable, out *Output) *goja.Object {
	capture := func(dst *[]string, prefix string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if len(*dst) >= maxLogLines {
				return goja.Undefined()
			}
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = formatArg(stringify, arg)
			}
			line := prefix + strings.Join(parts, " ")
			*dst = append(*dst, line)
			if len(*dst) == maxLogLines {
				(*dst)[maxLogLines-1] = fmt.Sprintf("... further output dropped after %d lines", maxLogLines)
			}
			return goja.Undefined()
		}
	}

	console := vm.NewObject()
	_ = console.Set("log", capture(&out.Logs, ""))
	_ = console.Set("info", capture(&out.Logs, ""))
	_ = console.Set("debug", capture(&out.Logs, ""))
	_ = console.Set("warn", capture(&out.Logs, "WARN: "))
	_ = console.Set("error", capture(&out.Errors, ""))
	return console
}

func formatArg(stringify goja.Callable, v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	if b, err := stringify(goja.Undefined(), v); err == nil && b != nil && !goja.IsUndefined(b) {
		return b.String()
	}
	return v.String()
}

func valueString(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				return name.String() + ": " + msg.String()
			}
			return msg.String()
		}
	}
	return v.String()
}
