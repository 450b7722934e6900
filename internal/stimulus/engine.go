package stimulus

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/observability/tracing"
	"Stimulus-Agent/pkg/logger"
)

const defaultFailurePause = 100 * time.Millisecond

// PanicError 表示处理器或探测器发生了 panic，携带当时的调用栈。
type PanicError struct {
	Value any
	Stack string
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Engine 运行一个 Stimulus：在监督循环中反复调用探测器，并为每个事件启动工作单元。
type Engine struct {
	stimulus     Stimulus
	handlerName  string
	spawner      Spawner
	observer     Observer
	logger       *slog.Logger
	failurePause time.Duration

	// mu 保护 started/stopped 状态切换，保证 Shutdown 不会并发重入。
	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	running atomic.Bool

	workersMu sync.Mutex
	closing   bool
	workers   map[string]time.Time
	wg        sync.WaitGroup
}

// Option 定义引擎的可选配置。
type Option func(*Engine)

// WithSpawner 替换工作单元的启动方式，例如使用有界的 PoolSpawner。
func WithSpawner(s Spawner) Option {
	return func(e *Engine) {
		if s != nil {
			e.spawner = s
		}
	}
}

// WithObserver 指定指标接收方。
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFailurePause 设置探测器失败后再次调用前的等待时间。
func WithFailurePause(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.failurePause = d
		}
	}
}

// NewEngine 为 stimulus 构造引擎。
func NewEngine(s Stimulus, opts ...Option) *Engine {
	e := &Engine{
		stimulus:     s,
		handlerName:  funcName(s.handler),
		spawner:      GoroutineSpawner{},
		observer:     nopObserver{},
		failurePause: defaultFailurePause,
		done:         make(chan struct{}),
		workers:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("stimulus")
	}
	e.logger = e.logger.With(slog.String("stimulus", s.name))
	return e
}

// Name 返回所运行的 stimulus 名称。
func (e *Engine) Name() string { return e.stimulus.name }

// Running 报告监督循环是否仍在运行。
func (e *Engine) Running() bool { return e.running.Load() }

// Inflight 返回尚未结束的工作单元数量。
func (e *Engine) Inflight() int {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	return len(e.workers)
}

// Start 运行监督循环直到 Shutdown 被调用或 ctx 结束。探测器返回的错误与 panic
// 都会被记录，循环继续；配置类错误无法通过重试恢复，循环结束并返回该错误。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return xerrors.Newf(xerrors.CodeInvalidArgument, "stimulus %s 已经启动", e.stimulus.name)
	}
	e.started = true
	if e.stopped {
		e.mu.Unlock()
		close(e.done)
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running.Store(true)
	e.mu.Unlock()

	defer close(e.done)
	defer cancel()

	e.logger.Debug("stimulus 监督循环启动", slog.String("handler", e.handlerName))
	var fatal error
	for e.running.Load() && loopCtx.Err() == nil {
		if fatal = e.detect(loopCtx); fatal != nil {
			break
		}
	}
	e.running.Store(false)
	e.logger.Debug("stimulus 监督循环退出")
	return fatal
}

// Shutdown 停止监督循环并等待全部工作单元结束。重复调用是安全的，
// 并发调用会等待第一次调用完成。
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	e.running.Store(false)
	if e.cancel != nil {
		e.cancel()
	}
	if e.started {
		<-e.done
	}

	e.workersMu.Lock()
	e.closing = true
	pending := len(e.workers)
	e.workersMu.Unlock()
	if pending > 0 {
		e.logger.Info("等待工作单元结束", slog.Int("inflight", pending))
	}
	e.wg.Wait()
}

// RunOnce 同步执行一次探测器，不做监督：探测器的错误直接返回，
// 派生的处理器在调用方协程中内联执行，其错误合并后一并返回。
func (e *Engine) RunOnce(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	spawn := func(args ...any) {
		e.observer.Detected(e.stimulus.name)
		if err := e.work(ctx, uuid.NewString(), args); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}
	if err := e.stimulus.detector(ctx, spawn); err != nil {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	mu.Lock()
	defer mu.Unlock()
	return stdErrors.Join(errs...)
}

// detect 执行一轮探测。只有配置类错误会返回给监督循环，其余错误记录后暂停重试。
func (e *Engine) detect(ctx context.Context) error {
	err := e.callDetector(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	e.observer.DetectorFailed(e.stimulus.name)
	attrs := []any{slog.Any("error", err), slog.String("handler", e.handlerName)}
	if stack := panicStack(err); stack != nil {
		attrs = append(attrs, slog.Any("stack", stack))
	}
	if xerrors.IsConfiguration(err) {
		e.logger.Error("探测器配置错误，停止监督循环", attrs...)
		return err
	}
	e.logger.Error("探测器执行失败，继续下一轮", attrs...)

	if e.failurePause <= 0 {
		return nil
	}
	timer := time.NewTimer(e.failurePause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}

func (e *Engine) callDetector(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return e.stimulus.detector(ctx, e.spawn(ctx))
}

func (e *Engine) spawn(ctx context.Context) Spawn {
	// 工作单元不随监督循环一起取消，关闭时允许其运行完成。
	workerCtx := context.WithoutCancel(ctx)
	return func(args ...any) {
		e.observer.Detected(e.stimulus.name)
		id := uuid.NewString()
		if !e.track(id) {
			e.logger.Warn("引擎正在关闭，丢弃事件", slog.Int("args", len(args)))
			return
		}
		e.spawner.Spawn(func() {
			defer e.untrack(id)
			_ = e.work(workerCtx, id, args)
		})
	}
}

func (e *Engine) track(id string) bool {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	if e.closing {
		return false
	}
	e.workers[id] = time.Now()
	e.wg.Add(1)
	return true
}

func (e *Engine) untrack(id string) {
	e.workersMu.Lock()
	delete(e.workers, id)
	e.workersMu.Unlock()
	e.wg.Done()
}

func (e *Engine) work(ctx context.Context, id string, args []any) (err error) {
	started := time.Now()
	ctx, span := tracing.StartWorker(ctx, e.stimulus.name, id, len(args))
	defer func() {
		tracing.EndWorker(span, err)
		e.observer.WorkerFinished(e.stimulus.name, time.Since(started), err)
	}()

	err = e.invoke(ctx, args)
	if err == nil {
		return nil
	}
	attrs := []any{
		slog.Any("error", err),
		slog.String("handler", e.handlerName),
		slog.String("worker_id", id),
	}
	stack := panicStack(err)
	if stack == nil {
		// 普通错误记录工作单元边界处的调用栈。
		trace := debug.Stack()
		stack = logger.Lazy(func() string { return string(trace) })
	}
	attrs = append(attrs, slog.Any("stack", stack))
	e.logger.Error("处理器执行失败", attrs...)
	return xerrors.Wrap(xerrors.CodeHandlerFailure, err, fmt.Sprintf("stimulus %s 处理失败", e.stimulus.name))
}

func (e *Engine) invoke(ctx context.Context, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return e.stimulus.handler(ctx, args...)
}

func panicStack(err error) logger.Lazy {
	var p *PanicError
	if !stdErrors.As(err, &p) {
		return nil
	}
	return logger.Lazyf("%s", p.Stack)
}

func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "<nil>"
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}
