package memo

import (
	"fmt"

	xerrors "Stimulus-Agent/internal/errors"
)

// With 是 Access 的类型化版本，值类型不匹配时返回错误而不会调用 fn。
func With[T any](r *Registry, name string, fn func(T) error) error {
	return r.Access(name, func(value any) error {
		typed, ok := value.(T)
		if !ok {
			return typeMismatch[T](name, value)
		}
		return fn(typed)
	})
}

// Get 是 Value 的类型化版本，只适用于安全 memo。
func Get[T any](r *Registry, name string) (T, error) {
	var zero T
	value, err := r.Value(name)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, typeMismatch[T](name, value)
	}
	return typed, nil
}

func typeMismatch[T any](name string, value any) error {
	var want T
	return xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("memo %s 的类型为 %T，期望 %T", name, value, want))
}
