package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Stimulus-Agent/internal/errors"
)

func TestDelayFormulas(t *testing.T) {
	base := 100 * time.Millisecond
	for n := 0; n < 8; n++ {
		linear, _ := Delay(StrategyLinear, base, n)
		if linear != base*time.Duration(n+1) {
			t.Fatalf("linear n=%d: got %v", n, linear)
		}
		exp, _ := Delay(StrategyExponential, base, n)
		if exp != base*time.Duration(1<<uint(n)) {
			t.Fatalf("exponential n=%d: got %v", n, exp)
		}
		noInit, _ := Delay(StrategyExponentialNoInitialDelay, base, n)
		if noInit != base*time.Duration((1<<uint(n))-1) {
			t.Fatalf("exponential-no-initial-delay n=%d: got %v", n, noInit)
		}
	}
	if d, _ := Delay(StrategyExponential, time.Second, 200); d <= 0 {
		t.Fatalf("large attempts must saturate instead of overflowing, got %v", d)
	}
}

func TestCumulativeDelay(t *testing.T) {
	got, err := CumulativeDelay(StrategyLinear, time.Second, 3)
	if err != nil {
		t.Fatalf("cumulative: %v", err)
	}
	if got != 6*time.Second {
		t.Fatalf("expected 1+2+3 seconds, got %v", got)
	}
	got, _ = CumulativeDelay(StrategyExponentialNoInitialDelay, time.Second, 3)
	if got != 4*time.Second {
		t.Fatalf("expected 0+1+3 seconds, got %v", got)
	}
}

func TestUnknownStrategyFailsFast(t *testing.T) {
	rec := NewRecorder()
	sched := &ManualScheduler{}
	msg := rec.Message([]byte("x"), nil, RequeuePolicy{Strategy: "fibonacci", BaseDelay: time.Second, MaxRetries: 3}, WithScheduler(sched))

	scheduled, err := msg.Requeue(context.Background())
	if scheduled || !xerrors.IsConfiguration(err) || xerrors.CodeOf(err) != xerrors.CodeInvalidStrategy {
		t.Fatalf("expected invalid strategy configuration error, got %v", err)
	}
	if len(sched.Delays()) != 0 || msg.Settled() {
		t.Fatalf("invalid strategy must not schedule or settle")
	}
	if _, err := ParseStrategy("Exponential"); err != nil {
		t.Fatalf("parse should be case insensitive: %v", err)
	}
}

func TestRequeueBelowLimitSchedulesOneRepublish(t *testing.T) {
	for n := 0; n < 3; n++ {
		rec := NewRecorder()
		sched := &ManualScheduler{}
		var got struct {
			attempt, max int
			delay        time.Duration
		}
		policy := RequeuePolicy{
			Strategy:   StrategyExponential,
			BaseDelay:  time.Second,
			MaxRetries: 3,
			OnRequeue: func(attempt, max int, delay time.Duration) {
				got.attempt, got.max, got.delay = attempt, max, delay
			},
			OnLimitReached: func(*Message, int, int, time.Duration) {
				t.Fatalf("limit callback must not fire below the limit")
			},
		}
		msg := rec.Message([]byte("payload"), map[string]any{RedeliveryHeader: int32(n)}, policy, WithScheduler(sched))

		scheduled, err := msg.Requeue(context.Background())
		if err != nil || !scheduled {
			t.Fatalf("n=%d: expected scheduled requeue, got %v %v", n, scheduled, err)
		}
		wantDelay := time.Second * time.Duration(1<<uint(n))
		if delays := sched.Delays(); len(delays) != 1 || delays[0] != wantDelay {
			t.Fatalf("n=%d: unexpected delays %v", n, delays)
		}
		if got.attempt != n+1 || got.max != 3 || got.delay != wantDelay {
			t.Fatalf("n=%d: unexpected callback args %+v", n, got)
		}
		if rec.Acks() != 0 {
			t.Fatalf("original must stay unacked until the copy is republished")
		}

		sched.Flush()
		copies := rec.Republished()
		if len(copies) != 1 {
			t.Fatalf("n=%d: expected exactly one republish, got %d", n, len(copies))
		}
		if RedeliveryCount(copies[0].Headers) != n+1 || string(copies[0].Body) != "payload" || copies[0].Queue != "test" {
			t.Fatalf("n=%d: unexpected copy %+v", n, copies[0])
		}
		if rec.Acks() != 1 {
			t.Fatalf("n=%d: original should be acked after republish", n)
		}
		if RedeliveryCount(msg.Envelope().Headers) != n {
			t.Fatalf("original headers must not be mutated")
		}
	}
}

func TestRequeueAtLimitInvokesCallback(t *testing.T) {
	rec := NewRecorder()
	sched := &ManualScheduler{}
	var (
		called     int
		attempt    int
		cumulative time.Duration
	)
	policy := RequeuePolicy{
		Strategy:   StrategyLinear,
		BaseDelay:  time.Second,
		MaxRetries: 2,
		OnLimitReached: func(m *Message, a, max int, c time.Duration) {
			called++
			attempt, cumulative = a, c
			if string(m.Body()) != "payload" {
				t.Fatalf("unexpected payload %q", m.Body())
			}
			_ = m.Reject()
		},
	}
	msg := rec.Message([]byte("payload"), map[string]any{RedeliveryHeader: "2"}, policy, WithScheduler(sched))

	scheduled, err := msg.Requeue(context.Background())
	if err != nil || scheduled {
		t.Fatalf("expected no scheduling at limit, got %v %v", scheduled, err)
	}
	if called != 1 || attempt != 3 || cumulative != 3*time.Second {
		t.Fatalf("unexpected limit callback: called=%d attempt=%d cumulative=%v", called, attempt, cumulative)
	}
	if len(sched.Delays()) != 0 || sched.Flush() != 0 || len(rec.Republished()) != 0 {
		t.Fatalf("no republish may happen at the limit")
	}
	if rec.Rejects() != 1 {
		t.Fatalf("callback disposal not applied")
	}
}

func TestSettleOnlyOnce(t *testing.T) {
	rec := NewRecorder()
	msg := rec.Message([]byte("x"), nil, RequeuePolicy{Strategy: StrategyLinear, MaxRetries: 1}, WithScheduler(&ManualScheduler{}))
	if err := msg.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := msg.Reject(); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected already settled, got %v", err)
	}
	if _, err := msg.Requeue(context.Background()); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected already settled on requeue, got %v", err)
	}
	if rec.Acks() != 1 || rec.Rejects() != 0 {
		t.Fatalf("transport saw extra settlements")
	}
}

func TestRequeueAtLimitAfterAckSkipsCallback(t *testing.T) {
	rec := NewRecorder()
	var called int
	policy := RequeuePolicy{
		Strategy:       StrategyLinear,
		BaseDelay:      time.Second,
		MaxRetries:     3,
		OnLimitReached: func(*Message, int, int, time.Duration) { called++ },
	}
	msg := rec.Message([]byte("x"), map[string]any{RedeliveryHeader: 3}, policy, WithScheduler(&ManualScheduler{}))
	if err := msg.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	scheduled, err := msg.Requeue(context.Background())
	if scheduled || !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected already settled, got %v %v", scheduled, err)
	}
	if called != 0 {
		t.Fatalf("limit callback fired %d times for an acked message", called)
	}
}

func TestLimitCallbackFiresOnce(t *testing.T) {
	rec := NewRecorder()
	var called atomic.Int32
	policy := RequeuePolicy{
		Strategy:       StrategyLinear,
		MaxRetries:     1,
		OnLimitReached: func(*Message, int, int, time.Duration) { called.Add(1) },
	}
	msg := rec.Message([]byte("x"), map[string]any{RedeliveryHeader: 1}, policy, WithScheduler(&ManualScheduler{}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = msg.Requeue(context.Background())
		}()
	}
	wg.Wait()
	if called.Load() != 1 {
		t.Fatalf("expected one limit callback, got %d", called.Load())
	}
	if msg.Settled() {
		t.Fatalf("message must stay unsettled when the callback does not dispose it")
	}
	if err := msg.Reject(); err != nil {
		t.Fatalf("reject after disposal claim: %v", err)
	}
}

func TestDecodeSelectsByContentType(t *testing.T) {
	jsonMsg := NewMessage(NewRecorder(), Envelope{ContentType: "application/json; charset=utf-8", Body: []byte(`{"n":3}`)}, RequeuePolicy{})
	var payload struct{ N int }
	if err := jsonMsg.Decode(&payload); err != nil || payload.N != 3 {
		t.Fatalf("json decode: %+v %v", payload, err)
	}

	raw := NewMessage(NewRecorder(), Envelope{ContentType: "text/plain", Body: []byte("hi")}, RequeuePolicy{})
	var s string
	if err := raw.Decode(&s); err != nil || s != "hi" {
		t.Fatalf("raw decode: %q %v", s, err)
	}
	if err := raw.Decode(&payload); err == nil {
		t.Fatalf("expected error decoding raw payload into struct")
	}
}

func TestRedeliveryCountParsing(t *testing.T) {
	cases := []struct {
		value any
		want  int
	}{
		{nil, 0},
		{int64(4), 4},
		{int32(2), 2},
		{uint8(1), 1},
		{float64(5), 5},
		{" 7 ", 7},
		{"bogus", 0},
		{[]byte("3"), 0},
	}
	for _, tc := range cases {
		headers := map[string]any{RedeliveryHeader: tc.value}
		if got := RedeliveryCount(headers); got != tc.want {
			t.Fatalf("RedeliveryCount(%#v) = %d, want %d", tc.value, got, tc.want)
		}
	}
	if RedeliveryCount(nil) != 0 {
		t.Fatalf("missing header must default to 0")
	}
}
