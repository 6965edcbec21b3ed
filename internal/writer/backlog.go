package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/rs/zerolog"
)

var backlogFilePattern = regexp.MustCompile(`^items_[a-zA-Z0-9]+\.data$`)

// Backlog persists envelopes a writer could not deliver to durable
// files, replacing the original implementation's pickle format with a
// documented msgpack-encoded, length-framed binary layout: each backlog
// file is a single msgpack array of Envelope values, encoded in one
// Encode call straight into the final file name; a file whose encode or
// close fails is removed.
type Backlog struct {
	dir      string
	log      zerolog.Logger
	testMode bool

	mu    sync.Mutex
	files []string
}

// NewBacklog opens (creating if needed) the backlog directory and
// indexes its existing files ordered oldest-mtime-first. In testMode,
// Put and Remove never touch disk, matching the original
// implementation's `Backlog.put`/`remove` checking
// `self.writer.base_config.test` before any file I/O.
func NewBacklog(dir string, log zerolog.Logger, testMode bool) (*Backlog, error) {
	if testMode {
		return &Backlog{dir: dir, log: log, testMode: true}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backlog dir %q: %w", dir, err)
	}
	b := &Backlog{dir: dir, log: log}
	if err := b.refresh(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backlog) refresh() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("reading backlog dir %q: %w", b.dir, err)
	}
	type fileInfo struct {
		name    string
		modTime int64
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || !backlogFilePattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	b.mu.Lock()
	defer b.mu.Unlock()
	b.files = b.files[:0]
	for _, f := range files {
		b.files = append(b.files, f.name)
	}
	return nil
}

// Put persists items as a new backlog file.
func (b *Backlog) Put(items []Envelope) {
	if len(items) == 0 {
		return
	}
	if b.testMode {
		b.log.Debug().Msg("test mode, backlog persistence disabled")
		return
	}
	name := fmt.Sprintf("items_%s.data", uuid.NewString())
	path := filepath.Join(b.dir, name)

	f, err := os.Create(path)
	if err != nil {
		b.log.Error().Err(err).Str("file", name).Msg("failed to create backlog file")
		return
	}
	enc := codec.NewEncoder(f, new(codec.MsgpackHandle))
	err = enc.Encode(items)
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		b.log.Error().Err(err).Msg("failed to write backlog file")
		_ = os.Remove(path)
		return
	}

	b.mu.Lock()
	b.files = append(b.files, name)
	size := len(b.files)
	b.mu.Unlock()
	b.log.Debug().Int("backlog_size", size).Msg("wrote backlog file")
}

// Peek reads up to n of the oldest backlog files without removing them,
// returning the file names consumed and their decoded envelopes
// concatenated in file order.
func (b *Backlog) Peek(n int) ([]string, []Envelope, error) {
	b.mu.Lock()
	if n > len(b.files) {
		n = len(b.files)
	}
	names := append([]string(nil), b.files[:n]...)
	b.mu.Unlock()

	var out []Envelope
	for _, name := range names {
		items, err := b.readFile(name)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, items...)
	}
	return names, out, nil
}

func (b *Backlog) readFile(name string) ([]Envelope, error) {
	f, err := os.Open(filepath.Join(b.dir, name))
	if err != nil {
		return nil, fmt.Errorf("opening backlog file %q: %w", name, err)
	}
	defer f.Close()

	var items []Envelope
	dec := codec.NewDecoder(f, new(codec.MsgpackHandle))
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decoding backlog file %q: %w", name, err)
	}
	return items, nil
}

// Remove deletes the named backlog files from disk and the index.
func (b *Backlog) Remove(names []string) {
	if b.testMode {
		return
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
			b.log.Error().Err(err).Str("file", name).Msg("failed to remove backlog file")
		}
	}
	remove := make(map[string]bool, len(names))
	for _, n := range names {
		remove[n] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.files[:0:0]
	for _, f := range b.files {
		if !remove[f] {
			kept = append(kept, f)
		}
	}
	b.files = kept
	b.log.Debug().Int("backlog_size", len(b.files)).Msg("removed backlog files")
}

// Size returns the number of backlog files currently tracked.
func (b *Backlog) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.files)
}

// Process drains the backlog in batchSize chunks through backend,
// stopping at the first failure (leaving the remainder backlogged).
// It reports false when a backend write failed, so the caller can mark
// its writer unhealthy, mirroring the original implementation's
// `Backlog.process` setting `writer._is_healthy = False` in its
// except-block.
func (b *Backlog) Process(batchSize int, backend Backend) bool {
	if b.Size() == 0 {
		return true
	}
	b.log.Info().Int("backlog_size", b.Size()).Int("batch_size", batchSize).Msg("processing backlog")
	ok := true
	for b.Size() > 0 {
		names, batch, err := b.Peek(batchSize)
		if err != nil {
			b.log.Error().Err(err).Msg("failed reading backlog, stopping this pass")
			break
		}
		if err := backend.DoWrite(batch); err != nil {
			b.log.Error().Err(err).Msg("failed writing backlog batch, stopping this pass")
			ok = false
			break
		}
		b.Remove(names)
	}
	b.log.Info().Int("backlog_size", b.Size()).Msg("finished processing backlog")
	return ok
}
