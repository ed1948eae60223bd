package sync

import (
	"log/slog"
	gosync "sync"
	"time"
)

const (
	defaultProgressInterval = 5 * time.Second
	defaultProgressStep     = int64(10)
)

// Event is a progress notification emitted by the pipeline. Source names the
// organization being synced, Stage the pipeline stage, and Current/Total the
// position inside that stage when known.
type Event struct {
	Source  string
	Stage   string
	Current int64
	Total   int64
	Message string
	Err     error
	Done    bool
}

// Reporter receives pipeline events. Implementations must be safe for
// concurrent use.
type Reporter interface {
	Report(e Event)
}

// NopReporter discards every event.
type NopReporter struct{}

func (NopReporter) Report(Event) {}

type reporterKey struct {
	source string
	stage  string
}

type reporterState struct {
	lastAt      time.Time
	lastPercent int64
}

// LogReporter logs events through slog, throttling mid-stage progress so a
// large tenant does not flood the log.
type LogReporter struct {
	Logger           *slog.Logger
	ProgressInterval time.Duration
	ProgressStep     int64

	mu    gosync.Mutex
	state map[reporterKey]reporterState
}

func (r *LogReporter) Report(e Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{"org", e.Source}
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage)
	}
	if e.Current != 0 || e.Total != 0 {
		attrs = append(attrs, "current", e.Current, "total", e.Total)
	}

	if e.Err != nil {
		message := e.Message
		if message == "" {
			message = "sync failed"
		}
		attrs = append(attrs, "err", e.Err)
		logger.Error(message, attrs...)
		return
	}

	message := e.Message
	if message == "" {
		if !e.Done {
			if !r.shouldLog(e) {
				return
			}
			message = "sync progress"
		} else {
			message = "sync complete"
		}
	}
	logger.Info(message, attrs...)
}

// shouldLog throttles counter-only events: stage boundaries always log,
// everything in between logs at most once per interval or per step percent,
// whichever comes first.
func (r *LogReporter) shouldLog(e Event) bool {
	if e.Total <= 1 || e.Current <= 0 || e.Current >= e.Total {
		return true
	}

	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	step := r.ProgressStep
	if step <= 0 {
		step = defaultProgressStep
	}

	now := time.Now()
	percent := e.Current * 100 / e.Total

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		r.state = make(map[reporterKey]reporterState)
	}
	key := reporterKey{source: e.Source, stage: e.Stage}
	state := r.state[key]
	if !state.lastAt.IsZero() &&
		now.Sub(state.lastAt) < interval &&
		percent < state.lastPercent+step {
		return false
	}
	r.state[key] = reporterState{lastAt: now, lastPercent: (percent / step) * step}
	return true
}
