// Package progress reports how far a long-running fetch has come. Reporters
// are injected into the engine and never influence its control flow.
package progress

import (
	"log/slog"
	"sync"

	"github.com/vietddude/chainfetch/internal/indexing/metrics"
)

// Reporter receives progress ticks. Implementations must be safe for
// concurrent use.
type Reporter interface {
	Tick(completed, total int)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(completed, total int)

func (f ReporterFunc) Tick(completed, total int) {
	f(completed, total)
}

type nop struct{}

func (nop) Tick(int, int) {}

// Nop discards every tick.
var Nop Reporter = nop{}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Reporter) Reporter {
	if r == nil {
		return Nop
	}
	return r
}

// LogReporter logs each tick at info level.
type LogReporter struct {
	label string
	log   *slog.Logger
}

func NewLogReporter(label string) *LogReporter {
	return &LogReporter{
		label: label,
		log:   slog.Default().With("component", "progress"),
	}
}

func (r *LogReporter) Tick(completed, total int) {
	r.log.Info("progress", "label", r.label, "completed", completed, "total", total)
}

// MetricsReporter exports the completed fraction as a gauge.
type MetricsReporter struct {
	label string
}

func NewMetricsReporter(label string) *MetricsReporter {
	return &MetricsReporter{label: label}
}

func (r *MetricsReporter) Tick(completed, total int) {
	if total <= 0 {
		return
	}
	metrics.Progress.WithLabelValues(r.label).Set(float64(completed) / float64(total))
}

// Multi fans a tick out to several reporters.
func Multi(reporters ...Reporter) Reporter {
	out := make([]Reporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return multi(out)
}

type multi []Reporter

func (m multi) Tick(completed, total int) {
	for _, r := range m {
		r.Tick(completed, total)
	}
}

// Recorder keeps every tick in memory. Useful in tests and for summaries.
type Recorder struct {
	mu    sync.Mutex
	ticks [][2]int
}

func (r *Recorder) Tick(completed, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, [2]int{completed, total})
}

// Ticks returns a copy of the recorded (completed, total) pairs.
func (r *Recorder) Ticks() [][2]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]int, len(r.ticks))
	copy(out, r.ticks)
	return out
}

// Last returns the most recent tick.
func (r *Recorder) Last() (completed, total int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ticks) == 0 {
		return 0, 0, false
	}
	last := r.ticks[len(r.ticks)-1]
	return last[0], last[1], true
}
