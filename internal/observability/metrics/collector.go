package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"Stimulus-Agent/internal/delivery"
)

type workerKey struct {
	stimulus string
	outcome  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector aggregates stimulus engine and redelivery metrics. It implements
// stimulus.Observer.
type Collector struct {
	mu               sync.Mutex
	detections       map[string]uint64
	detectorFailures map[string]uint64
	workers          map[workerKey]uint64
	latency          map[string]*histogram
	requeues         map[string]uint64
	exhausted        map[string]uint64
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		detections:       make(map[string]uint64),
		detectorFailures: make(map[string]uint64),
		workers:          make(map[workerKey]uint64),
		latency:          make(map[string]*histogram),
		requeues:         make(map[string]uint64),
		exhausted:        make(map[string]uint64),
	}
}

// Detected counts one event reported by a detector.
func (c *Collector) Detected(stimulus string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detections[stimulus]++
}

// DetectorFailed counts one failed detector invocation.
func (c *Collector) DetectorFailed(stimulus string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detectorFailures[stimulus]++
}

// WorkerFinished records the outcome and duration of one worker.
func (c *Collector) WorkerFinished(stimulus string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[workerKey{stimulus: stimulus, outcome: outcome}]++
	hist := c.latency[stimulus]
	if hist == nil {
		hist = newHistogram()
		c.latency[stimulus] = hist
	}
	hist.observe(elapsed.Seconds())
}

// Requeued counts one scheduled redelivery on queue.
func (c *Collector) Requeued(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requeues[queue]++
}

// Exhausted counts one message that reached its redelivery limit on queue.
func (c *Collector) Exhausted(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exhausted[queue]++
}

// RequeueFunc returns an OnRequeue callback that counts redeliveries for queue.
func (c *Collector) RequeueFunc(queue string, next delivery.RequeueFunc) delivery.RequeueFunc {
	return func(attempt, maxRetries int, delay time.Duration) {
		c.Requeued(queue)
		if next != nil {
			next(attempt, maxRetries, delay)
		}
	}
}

func newHistogram() *histogram {
	buckets := []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.render())
	})
}

func (c *Collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	writeCounter(&builder, "stimulus_detections_total", "Events reported by detectors.", "stimulus", c.detections)
	writeCounter(&builder, "stimulus_detector_failures_total", "Detector invocations that returned an error or panicked.", "stimulus", c.detectorFailures)

	workers := make([]workerKey, 0, len(c.workers))
	for key := range c.workers {
		workers = append(workers, key)
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].stimulus == workers[j].stimulus {
			return workers[i].outcome < workers[j].outcome
		}
		return workers[i].stimulus < workers[j].stimulus
	})
	builder.WriteString("# HELP stimulus_workers_total Workers finished, by outcome.\n")
	builder.WriteString("# TYPE stimulus_workers_total counter\n")
	for _, key := range workers {
		builder.WriteString(fmt.Sprintf("stimulus_workers_total{stimulus=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.stimulus), escape(key.outcome), c.workers[key]))
	}

	builder.WriteString("# HELP stimulus_worker_duration_seconds Worker duration in seconds.\n")
	builder.WriteString("# TYPE stimulus_worker_duration_seconds histogram\n")
	for _, name := range sortedKeys(c.latency) {
		hist := c.latency[name]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("stimulus_worker_duration_seconds_bucket{stimulus=\"%s\",le=\"%s\"} %d\n",
				escape(name), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("stimulus_worker_duration_seconds_bucket{stimulus=\"%s\",le=\"+Inf\"} %d\n",
			escape(name), hist.count))
		builder.WriteString(fmt.Sprintf("stimulus_worker_duration_seconds_sum{stimulus=\"%s\"} %s\n",
			escape(name), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("stimulus_worker_duration_seconds_count{stimulus=\"%s\"} %d\n",
			escape(name), hist.count))
	}

	writeCounter(&builder, "stimulus_redeliveries_total", "Redeliveries scheduled.", "queue", c.requeues)
	writeCounter(&builder, "stimulus_redelivery_exhausted_total", "Messages that reached the redelivery limit.", "queue", c.exhausted)
	return builder.String()
}

func writeCounter(b *strings.Builder, name, help, label string, values map[string]uint64) {
	b.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	b.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	for _, key := range sortedKeys(values) {
		b.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, escape(key), values[key]))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing c on /metrics. It
// blocks until ctx is done or the listener fails.
func StartServer(ctx context.Context, addr string, c *Collector) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
