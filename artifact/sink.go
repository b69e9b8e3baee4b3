package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// OpenSink builds a sink from a URI: file://DIR, http(s)://URL or
// sqlite://FILE. A bare path is treated as a directory.
func OpenSink(uri string, client *http.Client) (core.Sink, error) {
	if uri == "" {
		return nil, errors.New("empty sink uri")
	}
	if !strings.Contains(uri, "://") {
		return NewFileSink(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse sink uri: %w", err)
	}
	switch u.Scheme {
	case "file":
		return NewFileSink(u.Host + u.Path), nil
	case "http", "https":
		return NewHTTPSink(uri, client), nil
	case "sqlite", "sqlite3":
		return NewSQLiteSink(u.Host + u.Path)
	}
	return nil, fmt.Errorf("unsupported sink scheme %q", u.Scheme)
}

// FileSink writes <dir>/runs/<run_id>/trace.json.
type FileSink struct {
	dir string
}

// NewFileSink creates a sink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Path returns where a run's trace is written.
func (s *FileSink) Path(runID string) string {
	return filepath.Join(s.dir, "runs", runID, "trace.json")
}

// Write implements core.Sink.
func (s *FileSink) Write(ctx context.Context, trace *core.Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if trace.RunID == "" || strings.ContainsAny(trace.RunID, `/\`) {
		return fmt.Errorf("invalid run id %q", trace.RunID)
	}
	return WriteJSON(s.Path(trace.RunID), trace)
}

// Close implements core.Sink.
func (s *FileSink) Close() error { return nil }

// WriteJSON writes v as indented JSON, creating parent directories and
// replacing the file atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// WriteFileAtomic writes data to a temp file next to path and renames it.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return err
	}
	return os.Rename(name, path)
}

// ReadTrace loads a trace.json file.
func ReadTrace(path string) (*core.Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t core.Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &t, nil
}

// MultiSink fans a trace out to several sinks.
type MultiSink struct {
	mu    sync.Mutex
	sinks []core.Sink
}

// NewMultiSink combines sinks; nil entries are skipped.
func NewMultiSink(sinks ...core.Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Write writes to every sink and joins the errors.
func (m *MultiSink) Write(ctx context.Context, trace *core.Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, trace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
