package stimulus

import "time"

// Observer 接收引擎的运行指标。
type Observer interface {
	Detected(stimulus string)
	DetectorFailed(stimulus string)
	WorkerFinished(stimulus string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) Detected(string) {}

func (nopObserver) DetectorFailed(string) {}

func (nopObserver) WorkerFinished(string, time.Duration, error) {}
