// Package logging builds the charmbracelet/log logger used across ctdrr and
// provides helpers for the case lifecycle messages.
package logging

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// New creates a logger writing to w with "HH:MM:SS.ms" timestamps.
func New(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// ParseLevel maps debug, info, warn or error onto a log level. Unknown
// values fall back to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return New(io.Discard, log.FatalLevel)
}

type ctxKey int

const loggerKey ctxKey = 0

// WithLogger returns a context carrying l.
func WithLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger stored in ctx, or log.Default().
func FromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}

// Progress logs the elapsed time of an operation when it completes.
// It is meant for a single goroutine.
type Progress struct {
	logger *log.Logger
	start  time.Time
}

// NewProgress starts timing an operation.
func NewProgress(l *log.Logger) *Progress {
	return &Progress{logger: l, start: time.Now()}
}

// Elapsed returns the time since the progress was created.
func (p *Progress) Elapsed() time.Duration {
	return time.Since(p.start)
}

// Done logs msg followed by the elapsed time, e.g. "Projected 3 views (1.234s)".
func (p *Progress) Done(msg string) {
	p.logger.Infof("%s (%s)", msg, p.Elapsed().Round(time.Millisecond))
}

// CaseStarted logs the beginning of a case.
func CaseStarted(l *log.Logger, index, total int, caseID, path string) {
	l.Info("case started", "case", caseID, "n", index, "of", total, "input", path)
}

// CaseDone logs a case that was fully written.
func CaseDone(l *log.Logger, caseID, dir string, views int, duration time.Duration) {
	l.Info("case done",
		"case", caseID,
		"views", views,
		"output", dir,
		"duration", duration.Round(time.Millisecond),
	)
}

// CaseSkipped logs a case that failed and was skipped.
func CaseSkipped(l *log.Logger, caseID, state string, err error) {
	l.Warn("case skipped", "case", caseID, "state", state, "err", err)
}

// BatchSummary logs the final counts of a run.
func BatchSummary(l *log.Logger, discovered, done, skipped int, duration time.Duration) {
	l.Info("batch finished",
		"discovered", discovered,
		"done", done,
		"skipped", skipped,
		"duration", duration.Round(time.Millisecond),
	)
}
