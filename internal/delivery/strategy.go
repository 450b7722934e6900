package delivery

import (
	"math"
	"strings"
	"time"

	xerrors "Stimulus-Agent/internal/errors"
)

// Strategy 决定第 n 次重投前的等待时间。
type Strategy string

const (
	StrategyLinear                    Strategy = "linear"
	StrategyExponential               Strategy = "exponential"
	StrategyExponentialNoInitialDelay Strategy = "exponential-no-initial-delay"
)

// ParseStrategy 解析策略名称，未知名称返回配置错误。
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// Validate 检查策略是否受支持。
func (s Strategy) Validate() error {
	switch s {
	case StrategyLinear, StrategyExponential, StrategyExponentialNoInitialDelay:
		return nil
	default:
		return xerrors.Newf(xerrors.CodeInvalidStrategy, "未知的重投策略 %q", string(s))
	}
}

// Delay 计算第 attempt 次（从 0 开始）重投的等待时间。
//
//	linear:                        base * (n+1)
//	exponential:                   base * 2^n
//	exponential-no-initial-delay:  base * (2^n - 1)
func Delay(s Strategy, base time.Duration, attempt int) (time.Duration, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0, nil
	}
	switch s {
	case StrategyLinear:
		return saturatingMul(base, int64(attempt)+1), nil
	case StrategyExponential:
		return saturatingMul(base, pow2(attempt)), nil
	default:
		return saturatingMul(base, pow2(attempt)-1), nil
	}
}

// CumulativeDelay 返回前 attempts 次重投累计等待的时间。
func CumulativeDelay(s Strategy, base time.Duration, attempts int) (time.Duration, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	var total time.Duration
	for i := 0; i < attempts; i++ {
		d, _ := Delay(s, base, i)
		if total > math.MaxInt64-d {
			return math.MaxInt64, nil
		}
		total += d
	}
	return total, nil
}

func pow2(n int) int64 {
	if n >= 62 {
		return math.MaxInt64
	}
	return int64(1) << uint(n)
}

func saturatingMul(d time.Duration, factor int64) time.Duration {
	if factor <= 0 {
		return 0
	}
	if int64(d) > math.MaxInt64/factor {
		return math.MaxInt64
	}
	return d * time.Duration(factor)
}
