package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// metricRecord is one newline-delimited metrics emission (§6/§6.1).
type metricRecord struct {
	Ts    int64             `json:"ts"`
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// Metrics writes one JSON object per line to stdout (prefixed
// "[METRICS] ", matching the original source's convention) and to a
// configured log file, flushing after every write. Ground truth:
// original_source/src/hyperliquid/common/metrics.py.
type Metrics struct {
	mu     sync.Mutex
	file   *os.File
	stdout io.Writer
	nowMs  func() int64
}

// NewMetrics opens (creating if absent) the metrics log file at path.
// An empty path disables file output; stdout emission always happens.
func NewMetrics(path string) (*Metrics, error) {
	m := &Metrics{stdout: os.Stdout, nowMs: func() int64 { return time.Now().UnixMilli() }}
	if path == "" {
		return m, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open metrics log: %w", err)
	}
	m.file = f
	return m, nil
}

// Close closes the underlying metrics log file, if any.
func (m *Metrics) Close() error {
	if m.file == nil {
		return nil
	}
	return m.file.Close()
}

// Emit writes one metric record to stdout and the log file.
func (m *Metrics) Emit(name string, value float64, tags map[string]string) {
	record := metricRecord{Ts: m.nowMs(), Name: name, Value: value, Tags: tags}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Fprintf(m.stdout, "[METRICS] %s\n", line)
	if m.file != nil {
		m.file.Write(line)
		m.file.Write([]byte("\n"))
		m.file.Sync()
	}
}
