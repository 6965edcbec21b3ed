// Package perfcsv writes performance governor telemetry to a
// size-rotated, 30-day-retention CSV file in the exact column order the
// external performance log format requires.
package perfcsv

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Columns is the fixed column order performance CSV rows are written
// in; consumers of the file depend on this order remaining stable.
var Columns = []string{
	"STARTED_TIME", "TOPIC_ID", "ID", "RUNNING_TIME",
	"RECORDS", "WAIT_CYCLES", "IS_ERROR", "REASON_TO_WAIT", "ERROR",
}

// Row is one performance telemetry record.
type Row struct {
	StartedTime  time.Time
	TopicID      string
	ID           string
	RunningTime  float64
	Records      int
	WaitCycles   int
	IsError      any
	ReasonToWait int
	Error        string
}

// Writer appends performance rows to a rotating file.
type Writer struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// New creates a performance CSV writer at path. Rotation is lumberjack's
// size-based rotation (its default maximum size) and rotated files are
// kept for 30 days; the file is not rotated on day boundaries.
func New(path string) *Writer {
	return &Writer{out: &lumberjack.Logger{
		Filename: path,
		MaxAge:   30,
		Compress: true,
	}}
}

// quoteField wraps a field in double quotes, escaping embedded quotes
// and backslashes with a backslash, per the performance CSV's
// documented quoting rule.
func quoteField(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// Write appends one row.
func (w *Writer) Write(r Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fields := []string{
		quoteField(r.StartedTime.Format(time.RFC3339)),
		quoteField(r.TopicID),
		quoteField(r.ID),
		fmt.Sprintf("%.4f", r.RunningTime),
		fmt.Sprintf("%d", r.Records),
		fmt.Sprintf("%d", r.WaitCycles),
		quoteField(formatIsError(r.IsError)),
		fmt.Sprintf("%d", r.ReasonToWait),
		quoteField(r.Error),
	}
	_, err := w.out.Write([]byte(strings.Join(fields, ",") + "\n"))
	return err
}

// formatIsError renders IS_ERROR as the external format's documented
// "True"/"False"/"None" tri-state, matching the governor's own
// true/false/nil publication (see internal/perf.Governor.publish)
// rather than Go's native true/false/<nil> spellings.
func formatIsError(v any) string {
	b, ok := v.(bool)
	if !ok {
		return "None"
	}
	if b {
		return "True"
	}
	return "False"
}

// Close flushes and closes the underlying rotating file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Close()
}
