package reindex

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ProgressListener observes a run. Implementations must not block.
type ProgressListener interface {
	OnJobStarted(jc JobContext)
	OnEntityTypeStarted(entityType string, total int64)
	OnProgressUpdate(stats *Stats)
	OnError(entityType string, err error, stats *Stats)
	OnJobCompleted(stats *Stats, elapsed time.Duration)
	OnJobCompletedWithErrors(stats *Stats, elapsed time.Duration)
	OnJobFailed(stats *Stats, err error)
	OnJobStopped(stats *Stats)
}

// NopListener implements ProgressListener with no-ops. Embed it to implement
// only the callbacks you need.
type NopListener struct{}

func (NopListener) OnJobStarted(JobContext)                        {}
func (NopListener) OnEntityTypeStarted(string, int64)              {}
func (NopListener) OnProgressUpdate(*Stats)                        {}
func (NopListener) OnError(string, error, *Stats)                  {}
func (NopListener) OnJobCompleted(*Stats, time.Duration)           {}
func (NopListener) OnJobCompletedWithErrors(*Stats, time.Duration) {}
func (NopListener) OnJobFailed(*Stats, error)                      {}
func (NopListener) OnJobStopped(*Stats)                            {}

// Listeners fans callbacks out to every registered listener. A panicking
// listener is logged and skipped.
type Listeners struct {
	mu     sync.RWMutex
	list   []ProgressListener
	logger hclog.Logger
}

// NewListeners returns an empty set.
func NewListeners(logger hclog.Logger) *Listeners {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Listeners{logger: logger.Named("listeners")}
}

// Add registers l.
func (ls *Listeners) Add(l ProgressListener) {
	if l == nil {
		return
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.list = append(ls.list, l)
}

// Len returns the number of registered listeners.
func (ls *Listeners) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.list)
}

func (ls *Listeners) each(name string, fn func(ProgressListener)) {
	ls.mu.RLock()
	list := append([]ProgressListener(nil), ls.list...)
	ls.mu.RUnlock()

	for _, l := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ls.logger.Warn("listener panicked", "callback", name, "listener", fmt.Sprintf("%T", l), "panic", r)
				}
			}()
			fn(l)
		}()
	}
}

func (ls *Listeners) OnJobStarted(jc JobContext) {
	ls.each("OnJobStarted", func(l ProgressListener) { l.OnJobStarted(jc) })
}

func (ls *Listeners) OnEntityTypeStarted(entityType string, total int64) {
	ls.each("OnEntityTypeStarted", func(l ProgressListener) { l.OnEntityTypeStarted(entityType, total) })
}

func (ls *Listeners) OnProgressUpdate(stats *Stats) {
	ls.each("OnProgressUpdate", func(l ProgressListener) { l.OnProgressUpdate(stats) })
}

func (ls *Listeners) OnError(entityType string, err error, stats *Stats) {
	ls.each("OnError", func(l ProgressListener) { l.OnError(entityType, err, stats) })
}

func (ls *Listeners) OnJobCompleted(stats *Stats, elapsed time.Duration) {
	ls.each("OnJobCompleted", func(l ProgressListener) { l.OnJobCompleted(stats, elapsed) })
}

func (ls *Listeners) OnJobCompletedWithErrors(stats *Stats, elapsed time.Duration) {
	ls.each("OnJobCompletedWithErrors", func(l ProgressListener) { l.OnJobCompletedWithErrors(stats, elapsed) })
}

func (ls *Listeners) OnJobFailed(stats *Stats, err error) {
	ls.each("OnJobFailed", func(l ProgressListener) { l.OnJobFailed(stats, err) })
}

func (ls *Listeners) OnJobStopped(stats *Stats) {
	ls.each("OnJobStopped", func(l ProgressListener) { l.OnJobStopped(stats) })
}

// LoggingListener writes run progress to an hclog logger. Progress updates
// are logged at most once per interval.
type LoggingListener struct {
	logger   hclog.Logger
	interval time.Duration

	mu      sync.Mutex
	lastLog time.Time
}

// NewLoggingListener returns a listener logging through logger.
func NewLoggingListener(logger hclog.Logger, interval time.Duration) *LoggingListener {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &LoggingListener{logger: logger.Named("progress"), interval: interval}
}

func (l *LoggingListener) OnJobStarted(jc JobContext) {
	l.logger.Info("reindexing job started", "job_id", jc.ID, "job_name", jc.Name, "distributed", jc.Distributed)
}

func (l *LoggingListener) OnEntityTypeStarted(entityType string, total int64) {
	l.logger.Info("reindexing entity type", "entity_type", entityType, "total", total)
}

func (l *LoggingListener) OnProgressUpdate(stats *Stats) {
	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.lastLog) < l.interval {
		l.mu.Unlock()
		return
	}
	l.lastLog = now
	l.mu.Unlock()

	l.logger.Info("reindexing progress",
		"total", stats.Job.Total,
		"success", stats.Job.Success,
		"failed", stats.Job.Failed,
	)
}

func (l *LoggingListener) OnError(entityType string, err error, _ *Stats) {
	l.logger.Error("reindexing error", "entity_type", entityType, "error", err)
}

func (l *LoggingListener) OnJobCompleted(stats *Stats, elapsed time.Duration) {
	l.logger.Info("reindexing job completed", "total", stats.Job.Total, "success", stats.Job.Success, "elapsed", elapsed)
}

func (l *LoggingListener) OnJobCompletedWithErrors(stats *Stats, elapsed time.Duration) {
	l.logger.Warn("reindexing job completed with errors",
		"total", stats.Job.Total,
		"success", stats.Job.Success,
		"failed", stats.Job.Failed,
		"elapsed", elapsed,
	)
}

func (l *LoggingListener) OnJobFailed(stats *Stats, err error) {
	l.logger.Error("reindexing job failed", "error", err)
}

func (l *LoggingListener) OnJobStopped(stats *Stats) {
	l.logger.Info("reindexing job stopped")
}
