package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// LogBuffer collects JSON log records from concurrent writers.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Records decodes every record written so far.
func (b *LogBuffer) Records(t *testing.T) []map[string]any {
	t.Helper()

	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()

	var records []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decoding log record %q: %v", sc.Text(), err)
		}
		records = append(records, rec)
	}
	return records
}

// WithEvent returns the records whose "event" field equals event.
func (b *LogBuffer) WithEvent(t *testing.T, event string) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, rec := range b.Records(t) {
		if rec["event"] == event {
			out = append(out, rec)
		}
	}
	return out
}

// NewTestLogger returns a debug-level JSON logger writing into a fresh
// LogBuffer.
func NewTestLogger() (zerolog.Logger, *LogBuffer) {
	buf := &LogBuffer{}
	return zerolog.New(buf).Level(zerolog.DebugLevel), buf
}
