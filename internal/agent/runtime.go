package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/memo"
	"Stimulus-Agent/internal/observability/alerting"
	"Stimulus-Agent/internal/stimulus"
	"Stimulus-Agent/pkg/logger"
)

// State 表示运行实例所处的阶段。
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason 说明运行实例为何停止。
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonStop     Reason = "stop"
	ReasonFinish   Reason = "finish"
	ReasonCanceled Reason = "context"
	ReasonFatal    Reason = "fatal"
)

// Runtime 是一个 Definition 的运行实例，为每个 stimulus 持有一个引擎。
type Runtime struct {
	def        *Definition
	id         string
	logger     *slog.Logger
	alerter    alerting.Dispatcher
	engineOpts []stimulus.Option

	mu      sync.Mutex
	state   State
	engines []*stimulus.Engine
	reason  Reason
	fatal   error

	requestOnce sync.Once
	requested   chan struct{}
	doneOnce    sync.Once
	done        chan struct{}
}

// Option 定义运行实例的可选配置。
type Option func(*Runtime)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAlerter 配置致命错误的告警派发器。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(r *Runtime) {
		r.alerter = d
	}
}

// WithEngineOptions 附加到每个 stimulus 引擎上。
func WithEngineOptions(opts ...stimulus.Option) Option {
	return func(r *Runtime) {
		r.engineOpts = append(r.engineOpts, opts...)
	}
}

// NewRuntime 创建一个尚未启动的运行实例。
func (d *Definition) NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		def:       d,
		id:        uuid.NewString(),
		requested: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("agent")
	}
	r.logger = r.logger.With(slog.String("agent", d.name), slog.String("runtime_id", r.id))
	return r
}

// ID 返回运行实例的唯一标识。
func (r *Runtime) ID() string { return r.id }

// Name 返回 agent 名称。
func (r *Runtime) Name() string { return r.def.name }

// Memos 返回 agent 的 memo 注册表。
func (r *Runtime) Memos() *memo.Registry { return r.def.memos }

// State 返回当前阶段。
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reason 返回停止原因，运行中返回 ReasonNone。
func (r *Runtime) Reason() Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Inflight 返回全部引擎中尚未结束的工作单元数量。
func (r *Runtime) Inflight() int {
	r.mu.Lock()
	engines := r.engines
	r.mu.Unlock()
	total := 0
	for _, e := range engines {
		total += e.Inflight()
	}
	return total
}

// Done 在运行实例完全停止后关闭。
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Run 为每个 stimulus 创建并启动引擎，阻塞直到 Stop、Finish、Fail 或 ctx 结束，
// 然后关闭全部引擎并等待所有工作单元结束。只有致命错误会返回非 nil。
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateNotStarted:
	case StateStopped:
		r.mu.Unlock()
		return nil
	default:
		r.mu.Unlock()
		return xerrors.Newf(xerrors.CodeInvalidArgument, "agent %s 已经在运行", r.def.name)
	}
	engines, err := r.buildEngines()
	if err != nil {
		r.state = StateStopped
		r.mu.Unlock()
		r.closeDone()
		return err
	}
	r.engines = engines
	r.state = StateRunning
	r.mu.Unlock()

	r.logger.Info("agent 已启动", slog.Any("stimuli", r.def.Stimuli()))

	runCtx, cancel := context.WithCancel(WithRuntime(ctx, r))
	defer cancel()

	var wg sync.WaitGroup
	for _, engine := range engines {
		wg.Add(1)
		go func(engine *stimulus.Engine) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.request(ReasonFatal, &stimulus.PanicError{Value: rec, Stack: string(debug.Stack())})
				}
			}()
			if err := engine.Start(runCtx); err != nil {
				r.request(ReasonFatal, err)
			}
		}(engine)
	}

	select {
	case <-ctx.Done():
		r.request(ReasonCanceled, nil)
	case <-r.requested:
	}

	reason, fatal := r.outcome()
	if fatal != nil {
		r.escalate(ctx, fatal)
	}

	r.setState(StateDraining)
	r.logger.Info("agent 正在停止", slog.String("reason", string(reason)))
	r.shutdownEngines(engines)
	cancel()
	wg.Wait()
	r.setState(StateStopped)
	r.logger.Info("agent 已停止", slog.String("reason", string(reason)))
	r.closeDone()

	if fatal != nil {
		return xerrors.Wrap(xerrors.CodeAgentFatal, fatal, fmt.Sprintf("agent %s 因致命错误停止", r.def.name))
	}
	return nil
}

// Stop 请求停止并等待全部引擎与工作单元结束，可以在任意协程或信号处理中调用，
// 重复调用是安全的。运行实例自身的处理器中应使用 Finish。
func (r *Runtime) Stop() {
	r.request(ReasonStop, nil)
	r.mu.Lock()
	if r.state == StateNotStarted {
		r.state = StateStopped
		r.mu.Unlock()
		r.closeDone()
		return
	}
	r.mu.Unlock()
	<-r.done
}

// Finish 请求正常结束但不等待，适合在处理器内部调用。
func (r *Runtime) Finish() {
	r.request(ReasonFinish, nil)
}

// Fail 以致命错误结束运行实例：记录日志、发出告警并有序停止，Run 返回该错误。
func (r *Runtime) Fail(err error) {
	if err == nil {
		err = xerrors.New(xerrors.CodeAgentFatal, "")
	}
	r.request(ReasonFatal, err)
}

// Inject 把 args 作为一次事件同步交给名为 name 的 stimulus 处理器，不经过探测器，
// 处理器返回后才返回。用于测试与手动触发。
func (r *Runtime) Inject(ctx context.Context, name string, args ...any) error {
	decl, ok := r.def.lookup(name)
	if !ok {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "agent %s 没有名为 %s 的 stimulus", r.def.name, name)
	}
	handler := decl.factory(r)
	s, err := stimulus.New(decl.name, handler, func(_ context.Context, spawn stimulus.Spawn) error {
		spawn(args...)
		return nil
	})
	if err != nil {
		return err
	}
	engine := stimulus.NewEngine(s, r.engineOptions()...)
	return engine.RunOnce(WithRuntime(ctx, r))
}

func (r *Runtime) buildEngines() ([]*stimulus.Engine, error) {
	engines := make([]*stimulus.Engine, 0, len(r.def.stimuli))
	for _, decl := range r.def.stimuli {
		s, err := stimulus.New(decl.name, decl.factory(r), decl.detector)
		if err != nil {
			return nil, err
		}
		engines = append(engines, stimulus.NewEngine(s, r.engineOptions()...))
	}
	return engines, nil
}

func (r *Runtime) engineOptions() []stimulus.Option {
	opts := []stimulus.Option{stimulus.WithLogger(r.logger)}
	return append(opts, r.engineOpts...)
}

func (r *Runtime) request(reason Reason, err error) {
	r.requestOnce.Do(func() {
		r.mu.Lock()
		r.reason = reason
		r.fatal = err
		r.mu.Unlock()
		close(r.requested)
	})
}

func (r *Runtime) outcome() (Reason, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.fatal
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runtime) closeDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Runtime) shutdownEngines(engines []*stimulus.Engine) {
	var wg sync.WaitGroup
	for _, engine := range engines {
		wg.Add(1)
		go func(engine *stimulus.Engine) {
			defer wg.Done()
			engine.Shutdown()
		}(engine)
	}
	wg.Wait()
}

func (r *Runtime) escalate(ctx context.Context, fatal error) {
	attrs := []any{slog.Any("error", fatal)}
	var p *stimulus.PanicError
	if stdErrors.As(fatal, &p) {
		attrs = append(attrs, slog.Any("stack", logger.Lazyf("%s", p.Stack)))
	}
	r.logger.Error("agent 发生致命错误，开始有序停止", attrs...)
	if r.alerter == nil {
		return
	}
	event := alerting.NewEvent(xerrors.CodeAgentFatal, fatal)
	event.Agent = r.def.name
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["runtime_id"] = r.id
	if err := r.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Error("告警通知失败", slog.Any("error", err))
	}
}
