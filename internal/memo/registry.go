package memo

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "Stimulus-Agent/internal/errors"
)

// Generator 构造 memo 的值，在首次访问时调用。
type Generator func() (any, error)

// Option 定义 memo 声明的可选项。
type Option func(*declaration)

// WithSafe 标记 memo 的值自身是并发安全的，允许通过 Value 直接读取。
func WithSafe() Option {
	return func(d *declaration) {
		d.safe = true
	}
}

// ErrLockDiscipline 表示在锁外访问了非安全 memo。
var ErrLockDiscipline = xerrors.New(xerrors.CodeLockDiscipline, "")

type declaration struct {
	name     string
	generate Generator
	safe     bool
	order    int
}

type slot struct {
	mu    *sync.Mutex
	ready bool
	value any
}

// Registry 保存一个 agent 的全部 memo。
type Registry struct {
	declMu sync.RWMutex
	decls  map[string]*declaration

	// locksMu 串行化每个 memo 锁的创建，避免两个协程都认为自己是第一个创建者。
	locksMu sync.Mutex
	slots   map[string]*slot
}

// NewRegistry 创建空的 memo 注册表。
func NewRegistry() *Registry {
	return &Registry{
		decls: make(map[string]*declaration),
		slots: make(map[string]*slot),
	}
}

// Define 声明一个 memo。名称重复、为空或生成函数为空都属于配置错误。
func (r *Registry) Define(name string, generate Generator, opts ...Option) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidDeclaration, "memo 名称不能为空")
	}
	if generate == nil {
		return xerrors.Newf(xerrors.CodeInvalidDeclaration, "memo %s 缺少生成函数", name)
	}
	d := &declaration{name: name, generate: generate}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	r.declMu.Lock()
	defer r.declMu.Unlock()
	if _, exists := r.decls[name]; exists {
		return xerrors.Newf(xerrors.CodeInvalidDeclaration, "memo %s 重复声明", name)
	}
	d.order = len(r.decls)
	r.decls[name] = d
	return nil
}

// Names 按声明顺序返回全部 memo 名称。
func (r *Registry) Names() []string {
	r.declMu.RLock()
	defer r.declMu.RUnlock()
	names := make([]string, len(r.decls))
	for name, d := range r.decls {
		names[d.order] = name
	}
	return names
}

// IsSafe 报告 memo 是否声明为安全。
func (r *Registry) IsSafe(name string) (bool, error) {
	d, err := r.lookup(name)
	if err != nil {
		return false, err
	}
	return d.safe, nil
}

// Access 在持有 memo 锁的情况下调用 fn，首次访问时先运行生成函数。
func (r *Registry) Access(name string, fn func(value any) error) error {
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "Access 需要回调函数")
	}
	d, err := r.lookup(name)
	if err != nil {
		return err
	}
	s := r.slotFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	value, err := r.ensure(d, s)
	if err != nil {
		return err
	}
	return fn(value)
}

// Value 返回安全 memo 的值；对非安全 memo 调用会返回 ErrLockDiscipline。
func (r *Registry) Value(name string) (any, error) {
	d, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if !d.safe {
		return nil, xerrors.New(xerrors.CodeLockDiscipline,
			fmt.Sprintf("memo %s 不是安全 memo，只能在 Access 回调内访问", name))
	}
	s := r.slotFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.ensure(d, s)
}

// AccessMany 按声明顺序依次获取多个 memo 的锁，然后以调用方给出的顺序传入值。
func (r *Registry) AccessMany(names []string, fn func(values []any) error) error {
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "AccessMany 需要回调函数")
	}
	decls := make([]*declaration, len(names))
	for i, name := range names {
		d, err := r.lookup(name)
		if err != nil {
			return err
		}
		decls[i] = d
	}

	ordered := make([]int, 0, len(decls))
	seen := make(map[string]bool, len(decls))
	for i, d := range decls {
		if seen[d.name] {
			continue
		}
		seen[d.name] = true
		ordered = append(ordered, i)
	}
	sort.Slice(ordered, func(a, b int) bool {
		return decls[ordered[a]].order < decls[ordered[b]].order
	})

	byName := make(map[string]any, len(ordered))
	for _, idx := range ordered {
		d := decls[idx]
		s := r.slotFor(d.name)
		s.mu.Lock()
		defer s.mu.Unlock()
		value, err := r.ensure(d, s)
		if err != nil {
			return err
		}
		byName[d.name] = value
	}

	values := make([]any, len(decls))
	for i, d := range decls {
		values[i] = byName[d.name]
	}
	return fn(values)
}

func (r *Registry) lookup(name string) (*declaration, error) {
	r.declMu.RLock()
	d, ok := r.decls[name]
	r.declMu.RUnlock()
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeMemoNotFound, "memo %s 未声明", name)
	}
	return d, nil
}

func (r *Registry) slotFor(name string) *slot {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	s, ok := r.slots[name]
	if !ok {
		s = &slot{mu: &sync.Mutex{}}
		r.slots[name] = s
	}
	return s
}

// ensure 必须在持有 s.mu 时调用。
func (r *Registry) ensure(d *declaration, s *slot) (any, error) {
	if s.ready {
		return s.value, nil
	}
	value, err := d.generate()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
			fmt.Sprintf("memo %s 初始化失败", d.name))
	}
	s.value, s.ready = value, true
	return value, nil
}
