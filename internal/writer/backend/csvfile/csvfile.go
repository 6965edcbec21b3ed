// Package csvfile implements the CSV file writer backend: each record
// in a batch becomes one quoted, comma-joined line appended to a
// rotating log file.
package csvfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/sentinel/internal/writer"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the CSV file backend.
type Config struct {
	Filename   string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Columns    []string
}

// Backend writes batches of envelopes as CSV lines.
type Backend struct {
	cfg Config
	log zerolog.Logger
	out *lumberjack.Logger
}

// New creates a CSV file writer backend, ensuring the parent directory
// of cfg.Filename exists.
func New(cfg Config, log zerolog.Logger) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0o755); err != nil {
		return nil, fmt.Errorf("creating csv writer directory: %w", err)
	}
	return &Backend{
		cfg: cfg,
		log: log,
		out: &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    maxOrDefault(cfg.MaxSizeMB, 100),
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
		},
	}, nil
}

func maxOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Healthcheck reports whether the destination file can be opened for
// appending.
func (b *Backend) Healthcheck() error {
	f, err := os.OpenFile(b.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &writer.HealthCheckError{Err: fmt.Errorf("cannot open %q: %w", b.cfg.Filename, err)}
	}
	return f.Close()
}

// DoWrite appends one CSV line per envelope, columns in cfg.Columns
// order (falling back to the record's keys sorted alphabetically when
// Columns is empty, since Go map iteration order is randomized and
// would otherwise shuffle the column layout on every write).
func (b *Backend) DoWrite(batch []writer.Envelope) error {
	b.log.Debug().Int("rows", len(batch)).Str("file", b.cfg.Filename).Msg("writing csv rows")
	var sb strings.Builder
	for _, env := range batch {
		cols := b.cfg.Columns
		if len(cols) == 0 {
			for k := range env.Data {
				cols = append(cols, k)
			}
			sort.Strings(cols)
		}
		fields := make([]string, 0, len(cols))
		for _, col := range cols {
			fields = append(fields, formatValue(env.Data[col]))
		}
		sb.WriteString(strings.Join(fields, ","))
		sb.WriteByte('\n')
	}
	_, err := b.out.Write([]byte(sb.String()))
	return err
}

func formatValue(v any) string {
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", " ")
	return `"` + s + `"`
}
