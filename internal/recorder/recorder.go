// Package recorder writes observer events to rotating per-session JSONL
// trace files.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxTraces = 5
	TraceDir         = "data/traces"
)

// ErrNotStarted is returned when writing to a session with no open trace.
var ErrNotStarted = errors.New("trace not started")

// Entry is one line of a trace file.
type Entry struct {
	Timestamp time.Time       `json:"ts"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type trace struct {
	file    *os.File
	encoder *json.Encoder
	path    string
}

// Recorder keeps one open trace per watched session. Rotation bounds the
// total number of trace files in the directory.
type Recorder struct {
	mu        sync.Mutex
	basePath  string
	maxTraces int
	traces    map[string]*trace
	now       func() time.Time
}

// NewRecorder creates the trace directory if needed.
func NewRecorder(basePath string, maxTraces int) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if maxTraces <= 0 {
		maxTraces = DefaultMaxTraces
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		basePath:  basePath,
		maxTraces: maxTraces,
		traces:    make(map[string]*trace),
		now:       time.Now,
	}, nil
}

// Dir returns the trace directory.
func (r *Recorder) Dir() string { return r.basePath }

// Start opens a fresh trace for sessionID, closing any previous one for the
// same session. Old traces are rotated out first.
func (r *Recorder) Start(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.traces[sessionID]; ok {
		_ = t.file.Close()
		delete(r.traces, sessionID)
	}

	if err := r.rotate(); err != nil {
		return "", fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", sanitize(sessionID), r.now().UnixMilli())
	path := filepath.Join(r.basePath, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	r.traces[sessionID] = &trace{file: f, encoder: json.NewEncoder(f), path: path}
	return path, nil
}

// Record appends one entry to the session's trace.
func (r *Recorder) Record(eventType, sessionID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.traces[sessionID]
	if !ok {
		return ErrNotStarted
	}
	return t.encoder.Encode(Entry{
		Timestamp: r.now(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      raw,
	})
}

// Path returns the open trace path for sessionID.
func (r *Recorder) Path(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traces[sessionID]
	if !ok {
		return "", false
	}
	return t.path, true
}

// Stop closes the session's trace. Stopping an unknown session is a no-op.
func (r *Recorder) Stop(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traces[sessionID]
	if !ok {
		return nil
	}
	delete(r.traces, sessionID)
	return t.file.Close()
}

// Close finishes every open trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, t := range r.traces {
		if err := t.file.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.traces, id)
	}
	return errors.Join(errs...)
}

// rotate keeps at most maxTraces-1 closed files so the next one fits.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	open := make(map[string]bool, len(r.traces))
	for _, t := range r.traces {
		open[filepath.Base(t.path)] = true
	}

	type candidate struct {
		name string
		mod  time.Time
	}
	var traces []candidate
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || open[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, candidate{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})

	keep := r.maxTraces - 1 - len(open)
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// ReadTrace loads every entry of a trace file.
func ReadTrace(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
