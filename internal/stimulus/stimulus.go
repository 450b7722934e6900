package stimulus

import (
	"context"
	"strings"

	xerrors "Stimulus-Agent/internal/errors"
)

// Spawn 由探测器在检测到事件时调用，每次调用都会启动一个工作单元。
type Spawn func(args ...any)

// Detector 阻塞等待一个事件，然后通过 spawn 上报。ctx 取消时必须尽快返回。
type Detector func(ctx context.Context, spawn Spawn) error

// Handler 处理一次事件，args 为探测器上报的参数（可以为空）。
type Handler func(ctx context.Context, args ...any) error

// Stimulus 是一个具名事件源及其处理器，构造后不可变。
type Stimulus struct {
	name     string
	handler  Handler
	detector Detector
}

// New 构造 Stimulus。
func New(name string, handler Handler, detector Detector) (Stimulus, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Stimulus{}, xerrors.New(xerrors.CodeInvalidDeclaration, "stimulus 名称不能为空")
	}
	if handler == nil {
		return Stimulus{}, xerrors.Newf(xerrors.CodeInvalidDeclaration, "stimulus %s 缺少处理器", name)
	}
	if detector == nil {
		return Stimulus{}, xerrors.Newf(xerrors.CodeInvalidDeclaration, "stimulus %s 缺少探测器", name)
	}
	return Stimulus{name: name, handler: handler, detector: detector}, nil
}

// Name 返回 stimulus 名称。
func (s Stimulus) Name() string { return s.name }
