package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/memo"
	"Stimulus-Agent/internal/observability/alerting"
	"Stimulus-Agent/internal/stimulus"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out: %s", msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type stubAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (s *stubAlerter) Notify(_ context.Context, event alerting.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubAlerter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBuilderRejectsBadDeclarations(t *testing.T) {
	handler := func(context.Context, ...any) error { return nil }
	_, err := NewBuilder("demo").
		Stimulus("tick", handler, stimulus.Every(time.Second)).
		Stimulus("tick", handler, stimulus.Every(time.Second)).
		Stimulus("", handler, stimulus.Every(time.Second)).
		Memo("", func() (any, error) { return 1, nil }).
		Build()
	if err == nil || !xerrors.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	if _, err := NewBuilder("empty").Build(); err == nil {
		t.Fatalf("agent without stimuli must be rejected")
	}

	def, err := NewBuilder("ok").
		Stimulus("a", handler, stimulus.Every(time.Second)).
		Stimulus("b", handler, stimulus.Every(time.Second)).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := def.Stimuli(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected stimuli %v", got)
	}
}

func TestStopJoinsEveryWorker(t *testing.T) {
	events := make(chan int, 8)
	release := make(chan struct{})
	var started, finished atomic.Int32

	def, err := NewBuilder("joiner").
		Stimulus("work", func(context.Context, ...any) error {
			started.Add(1)
			<-release
			finished.Add(1)
			return nil
		}, stimulus.FromChannel(events)).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rt := def.NewRuntime(WithLogger(quietLogger()))

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(context.Background()) }()
	for i := 0; i < 3; i++ {
		events <- i
	}
	waitFor(t, 2*time.Second, func() bool { return started.Load() == 3 }, "workers started")
	if rt.State() != StateRunning {
		t.Fatalf("expected running, got %s", rt.State())
	}

	stopped := make(chan struct{})
	go func() {
		rt.Stop()
		close(stopped)
	}()
	waitFor(t, time.Second, func() bool { return rt.State() == StateDraining }, "draining state")
	select {
	case <-stopped:
		t.Fatalf("stop returned while workers were running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped

	if finished.Load() != 3 || rt.Inflight() != 0 {
		t.Fatalf("workers still running after stop: finished=%d inflight=%d", finished.Load(), rt.Inflight())
	}
	if rt.State() != StateStopped || rt.Reason() != ReasonStop {
		t.Fatalf("unexpected final state %s/%s", rt.State(), rt.Reason())
	}
	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}
	rt.Stop()
}

func TestStopBeforeRun(t *testing.T) {
	def, _ := NewBuilder("idle").
		Stimulus("tick", func(context.Context, ...any) error { return nil }, stimulus.Every(time.Hour)).
		Build()
	rt := def.NewRuntime(WithLogger(quietLogger()))
	rt.Stop()
	if rt.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", rt.State())
	}
	if err := rt.Run(context.Background()); err != nil {
		t.Fatalf("run after stop must return nil, got %v", err)
	}
}

func TestFinishFromHandler(t *testing.T) {
	def, _ := NewBuilder("finisher").
		Stimulus("once", func(ctx context.Context, _ ...any) error {
			rt, ok := FromContext(ctx)
			if !ok {
				return errors.New("runtime missing from context")
			}
			rt.Finish()
			return nil
		}, stimulus.Every(time.Millisecond)).
		Build()
	rt := def.NewRuntime(WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("finish did not end the runtime")
	}
	if rt.Reason() != ReasonFinish {
		t.Fatalf("expected finish reason, got %s", rt.Reason())
	}
}

func TestFatalErrorAlertsAndDrains(t *testing.T) {
	alerts := &stubAlerter{}
	var survivors atomic.Int32
	def, _ := NewBuilder("fatal").
		Bind("boom", func(rt *Runtime) stimulus.Handler {
			return func(context.Context, ...any) error {
				rt.Fail(errors.New("invariant broken"))
				return nil
			}
		}, stimulus.Every(time.Millisecond)).
		Stimulus("steady", func(context.Context, ...any) error {
			time.Sleep(5 * time.Millisecond)
			survivors.Add(1)
			return nil
		}, stimulus.Every(time.Millisecond)).
		Build()
	rt := def.NewRuntime(WithLogger(quietLogger()), WithAlerter(alerts))

	err := rt.Run(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeAgentFatal {
		t.Fatalf("expected agent fatal error, got %v", err)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected one alert, got %d", alerts.count())
	}
	if rt.State() != StateStopped || rt.Inflight() != 0 {
		t.Fatalf("runtime not drained: %s inflight=%d", rt.State(), rt.Inflight())
	}
}

func TestDetectorConfigurationErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	def, _ := NewBuilder("misconfigured").
		Stimulus("inbox", func(context.Context, ...any) error { return nil },
			func(context.Context, stimulus.Spawn) error {
				calls.Add(1)
				return xerrors.New(xerrors.CodeInvalidDeclaration, "prefetch 不能为负数")
			}).
		Stimulus("tick", func(context.Context, ...any) error { return nil }, stimulus.Every(time.Hour)).
		Build()
	rt := def.NewRuntime(WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()
	select {
	case err := <-done:
		if xerrors.CodeOf(err) != xerrors.CodeAgentFatal || !xerrors.IsConfiguration(errors.Unwrap(err)) {
			t.Fatalf("expected fatal error caused by configuration, got %v", err)
		}
	case <-time.After(2 * time.Second):
		rt.Stop()
		t.Fatalf("configuration error was retried %d times without stopping", calls.Load())
	}
	if calls.Load() != 1 || rt.Reason() != ReasonFatal {
		t.Fatalf("expected one detector call and fatal reason, got %d %s", calls.Load(), rt.Reason())
	}
}

func TestContextCancellationStopsRuntime(t *testing.T) {
	def, _ := NewBuilder("ctx").
		Stimulus("tick", func(context.Context, ...any) error { return nil }, stimulus.Every(time.Hour)).
		Build()
	rt := def.NewRuntime(WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	waitFor(t, time.Second, func() bool { return rt.State() == StateRunning }, "running")
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runtime ignored cancellation")
	}
	if rt.Reason() != ReasonCanceled {
		t.Fatalf("unexpected reason %s", rt.Reason())
	}
}

func TestInjectedMessageIsAckedOnce(t *testing.T) {
	def, _ := NewBuilder("listener").
		Memo("received", func() (any, error) { return new(int), nil }).
		Stimulus("inbox", MessageHandler(func(ctx context.Context, msg *delivery.Message) error {
			var body string
			if err := msg.Decode(&body); err != nil {
				return err
			}
			if err := memo.With(Memos(ctx), "received", func(n *int) error {
				*n++
				return nil
			}); err != nil {
				return err
			}
			return msg.Ack()
		}), stimulus.FromChannel(make(chan int))).
		Build()
	rt := def.NewRuntime(WithLogger(quietLogger()))

	rec := delivery.NewRecorder()
	msg := rec.Message([]byte("hello"), nil, delivery.RequeuePolicy{Strategy: delivery.StrategyLinear})
	if err := rt.Inject(context.Background(), "inbox", msg); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if rec.Acks() != 1 || !msg.Settled() {
		t.Fatalf("expected exactly one ack, got %d", rec.Acks())
	}
	err := def.Memos().Access("received", func(v any) error {
		if *(v.(*int)) != 1 {
			t.Fatalf("memo not updated: %d", *(v.(*int)))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("access: %v", err)
	}

	if err := rt.Inject(context.Background(), "missing"); err == nil {
		t.Fatalf("injecting into an unknown stimulus must fail")
	}
	if err := rt.Inject(context.Background(), "inbox", "not a message"); xerrors.CodeOf(err) != xerrors.CodeHandlerFailure {
		t.Fatalf("expected handler failure, got %v", err)
	}
}
