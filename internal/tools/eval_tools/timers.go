package eval_tools

import (
	"math"
	"sort"
	"time"

	"github.com/dop251/goja"
)

// maxTimerDelay matches the largest delay browsers and Node accept.
const maxTimerDelay = math.MaxInt32 * time.Millisecond

type timer struct {
	id   int64
	due  time.Time
	fn   goja.Callable
	args []goja.Value
}

// timerQueue backs setTimeout and clearTimeout. Callbacks only run when Run
// pops them, so scripts stay single-threaded.
type timerQueue struct {
	seq     int64
	pending []*timer
	now     func() time.Time
}

func newTimerQueue() *timerQueue {
	return &timerQueue{now: time.Now}
}

func (q *timerQueue) install(vm *goja.Runtime) {
	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout callback must be a function"))
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		return vm.ToValue(q.add(fn, call.Argument(1).ToFloat(), args))
	})
	_ = vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		q.cancel(call.Argument(0).ToInteger())
		return goja.Undefined()
	})
}

func (q *timerQueue) add(fn goja.Callable, delayMs float64, args []goja.Value) int64 {
	delay := time.Duration(0)
	if !math.IsNaN(delayMs) && delayMs > 0 {
		delay = maxTimerDelay
		if delayMs < float64(math.MaxInt32) {
			delay = time.Duration(delayMs * float64(time.Millisecond))
		}
	}
	q.seq++
	q.pending = append(q.pending, &timer{id: q.seq, due: q.now().Add(delay), fn: fn, args: args})
	return q.seq
}

func (q *timerQueue) cancel(id int64) {
	for i, t := range q.pending {
		if t.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// next removes and returns the earliest timer, or nil when none is pending.
// Timers due at the same instant fire in the order they were set.
func (q *timerQueue) next() *timer {
	if len(q.pending) == 0 {
		return nil
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].due.Equal(q.pending[j].due) {
			return q.pending[i].id < q.pending[j].id
		}
		return q.pending[i].due.Before(q.pending[j].due)
	})
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t
}
