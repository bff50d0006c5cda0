package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrTimeout is reported to the fault handler when the runner's deadline
// elapses before all tasks have completed.
var ErrTimeout = errors.New("task runner timed out")

// Task is a single named protocol step executed against a shared model.
// A task signals success by returning nil and failure by returning an
// error, which aborts all remaining tasks in the list.
type Task[M any] interface {
	Name() string
	Run(ctx context.Context, model M) error
}

type taskFunc[M any] struct {
	name string
	fn   func(ctx context.Context, model M) error
}

func (t taskFunc[M]) Name() string { return t.name }

func (t taskFunc[M]) Run(ctx context.Context, model M) error { return t.fn(ctx, model) }

// Func wraps a plain function as a named Task.
func Func[M any](name string, fn func(ctx context.Context, model M) error) Task[M] {
	return taskFunc[M]{name, fn}
}

// Runner executes an ordered list of tasks strictly in sequence against a
// single model. Exactly one of the success or fault handlers fires, exactly
// once, regardless of task errors, panics or timeout.
type Runner[M any] struct {
	model     M
	tasks     []Task[M]
	timeout   time.Duration
	onSuccess func()
	onFault   func(taskName string, err error)

	once    sync.Once
	started bool
	mtx     sync.Mutex
}

type Option[M any] func(*Runner[M])

// WithTimeout bounds the wall-clock time of the whole task list. Zero means
// unbounded.
func WithTimeout[M any](timeout time.Duration) Option[M] {
	return func(r *Runner[M]) { r.timeout = timeout }
}

// OnSuccess registers the continuation invoked after the last task returns
// nil.
func OnSuccess[M any](fn func()) Option[M] {
	return func(r *Runner[M]) { r.onSuccess = fn }
}

// OnFault registers the continuation invoked with the failing task's name
// and error.
func OnFault[M any](fn func(taskName string, err error)) Option[M] {
	return func(r *Runner[M]) { r.onFault = fn }
}

func New[M any](model M, opts ...Option[M]) *Runner[M] {
	r := &Runner[M]{
		model:     model,
		onSuccess: func() {},
		onFault:   func(string, error) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add appends tasks to the execution list. It must not be called after Run.
func (r *Runner[M]) Add(tasks ...Task[M]) *Runner[M] {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.started {
		panic("taskrunner: Add after Run")
	}
	r.tasks = append(r.tasks, tasks...)
	return r
}

// Run executes the task list and blocks until either every task has
// completed, a task has failed, or the timeout has elapsed. A task that
// finishes after the timeout fired is discarded: its result is dropped
// and no further task starts.
//
// The in-flight task's goroutine is not killed on timeout. Its context
// is cancelled at that moment, and a task must stop mutating the model
// once the context is done: the fault continuation may already be
// reading it.
func (r *Runner[M]) Run() {
	r.mtx.Lock()
	if r.started {
		r.mtx.Unlock()
		panic("taskrunner: Run called twice")
	}
	r.started = true
	tasks := r.tasks
	r.mtx.Unlock()

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, task := range tasks {
			if ctx.Err() != nil {
				return
			}
			if err := r.runTask(ctx, task); err != nil {
				r.complete(task.Name(), err)
				return
			}
		}
		r.complete("", nil)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.complete("timeout", ErrTimeout)
	}
}

func (r *Runner[M]) runTask(ctx context.Context, task Task[M]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name(), rec)
		}
	}()
	log.Debugf("taskrunner: running task %s", task.Name())
	return task.Run(ctx, r.model)
}

func (r *Runner[M]) complete(taskName string, err error) {
	r.once.Do(func() {
		if err != nil {
			r.onFault(taskName, err)
			return
		}
		r.onSuccess()
	})
}
