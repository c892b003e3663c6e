// Package signal records training-signal annotations emitted around the
// settlement flow. The stream is telemetry only: components write it forward
// and nothing reads it back into a verdict or a transition.
package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Sources attached to records by the emitting component.
const (
	SourceGate   = "gate"
	SourceEngine = "engine"
)

// Record is one annotation in the stream.
type Record struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Level  string    `json:"level,omitempty"`
	Kind   string    `json:"kind,omitempty"`
	Note   string    `json:"note,omitempty"`
	Ref    string    `json:"ref,omitempty"`
}

// Sink accepts records. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(rec Record) error
}

// ValidLevel reports whether s is one of the ten recognized levels L1..L10.
func ValidLevel(s string) bool {
	if len(s) < 2 || s[0] != 'L' || s[1] == '0' {
		return false
	}
	n, err := strconv.Atoi(s[1:])
	return err == nil && n >= 1 && n <= 10
}

// Discard drops every record. It is the default sink for components that
// were not handed one.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Record) error { return nil }

// stamped fills in the emission time when the caller left it zero.
func stamped(rec Record) Record {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	return rec
}

// Memory is a transient sink for tests and single-process runs.
type Memory struct {
	mu   sync.RWMutex
	recs []Record
}

func NewMemory() *Memory { return &Memory{} }

// Emit appends the record to the in-memory stream.
func (m *Memory) Emit(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, stamped(rec))
	return nil
}

// Records returns a copy of the stream in emission order.
func (m *Memory) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.recs))
	copy(out, m.recs)
	return out
}

// FileSink persists records as append-only JSON lines.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates the file if needed and returns a sink appending to it.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("signal: open %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("signal: close %s: %w", path, err)
	}
	return &FileSink{path: path}, nil
}

// Emit appends one JSON line. The file is opened per call so the sink holds
// no descriptor between emissions.
func (s *FileSink) Emit(rec Record) error {
	data, err := json.Marshal(stamped(rec))
	if err != nil {
		return fmt.Errorf("signal: encode record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("signal: open %s: %w", s.path, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("signal: write %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("signal: close %s: %w", s.path, err)
	}
	return nil
}

// Records reads the whole stream back, for operator retrieval.
func (s *FileSink) Records() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("signal: open %s: %w", s.path, err)
	}
	defer f.Close()
	var out []Record
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return out, fmt.Errorf("signal: decode %s: %w", s.path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
