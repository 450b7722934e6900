package agent

import (
	"context"
	stdErrors "errors"
	"strings"

	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/memo"
	"Stimulus-Agent/internal/stimulus"
)

// HandlerFactory 为某个运行实例构造处理器，使处理器可以通过闭包持有该实例。
type HandlerFactory func(rt *Runtime) stimulus.Handler

type declaration struct {
	name     string
	factory  HandlerFactory
	detector stimulus.Detector
}

// Definition 是构建完成、不可变的 agent 声明。
type Definition struct {
	name    string
	stimuli []declaration
	memos   *memo.Registry
}

// Builder 以显式注册的方式收集 stimulus 与 memo 声明。
type Builder struct {
	name    string
	stimuli []declaration
	memos   *memo.Registry
	errs    []error
}

// NewBuilder 创建名为 name 的 agent 构建器。
func NewBuilder(name string) *Builder {
	return &Builder{name: strings.TrimSpace(name), memos: memo.NewRegistry()}
}

// Stimulus 声明一个 stimulus，处理器与运行实例无关。
func (b *Builder) Stimulus(name string, handler stimulus.Handler, detector stimulus.Detector) *Builder {
	var factory HandlerFactory
	if handler != nil {
		factory = func(*Runtime) stimulus.Handler { return handler }
	}
	return b.Bind(name, factory, detector)
}

// Bind 声明一个 stimulus，其处理器在每个运行实例启动时由 factory 构造。
func (b *Builder) Bind(name string, factory HandlerFactory, detector stimulus.Detector) *Builder {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		b.errs = append(b.errs, xerrors.New(xerrors.CodeInvalidDeclaration, "stimulus 名称不能为空"))
		return b
	case factory == nil:
		b.errs = append(b.errs, xerrors.Newf(xerrors.CodeInvalidDeclaration, "stimulus %s 缺少处理器", name))
		return b
	case detector == nil:
		b.errs = append(b.errs, xerrors.Newf(xerrors.CodeInvalidDeclaration, "stimulus %s 缺少探测器", name))
		return b
	}
	for _, existing := range b.stimuli {
		if existing.name == name {
			b.errs = append(b.errs, xerrors.Newf(xerrors.CodeInvalidDeclaration, "stimulus %s 重复声明", name))
			return b
		}
	}
	b.stimuli = append(b.stimuli, declaration{name: name, factory: factory, detector: detector})
	return b
}

// Memo 声明一个 memo。
func (b *Builder) Memo(name string, generate memo.Generator, opts ...memo.Option) *Builder {
	if err := b.memos.Define(name, generate, opts...); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Build 校验全部声明；任何声明错误都会合并后返回。
func (b *Builder) Build() (*Definition, error) {
	errs := append([]error(nil), b.errs...)
	if b.name == "" {
		errs = append(errs, xerrors.New(xerrors.CodeInvalidDeclaration, "agent 名称不能为空"))
	}
	if len(b.stimuli) == 0 {
		errs = append(errs, xerrors.Newf(xerrors.CodeInvalidDeclaration, "agent %s 没有声明任何 stimulus", b.name))
	}
	if len(errs) > 0 {
		return nil, stdErrors.Join(errs...)
	}
	return &Definition{
		name:    b.name,
		stimuli: append([]declaration(nil), b.stimuli...),
		memos:   b.memos,
	}, nil
}

// Name 返回 agent 名称。
func (d *Definition) Name() string { return d.name }

// Stimuli 按声明顺序返回 stimulus 名称。
func (d *Definition) Stimuli() []string {
	names := make([]string, len(d.stimuli))
	for i, s := range d.stimuli {
		names[i] = s.name
	}
	return names
}

// Memos 返回该 agent 的 memo 注册表，同一定义的全部运行实例共享它。
func (d *Definition) Memos() *memo.Registry { return d.memos }

func (d *Definition) lookup(name string) (declaration, bool) {
	for _, s := range d.stimuli {
		if s.name == name {
			return s, true
		}
	}
	return declaration{}, false
}

// MessageHandler 把处理 *delivery.Message 的函数适配为 stimulus.Handler，
// 用于 broker 监听器产生的事件。
func MessageHandler(fn func(ctx context.Context, msg *delivery.Message) error) stimulus.Handler {
	return func(ctx context.Context, args ...any) error {
		if len(args) != 1 {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "消息处理器期望 1 个参数，实际 %d 个", len(args))
		}
		msg, ok := args[0].(*delivery.Message)
		if !ok {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "消息处理器收到 %T", args[0])
		}
		return fn(ctx, msg)
	}
}
