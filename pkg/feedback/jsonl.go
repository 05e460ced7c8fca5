package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONLSink appends examples to a newline-delimited JSON file, the exchange
// format the offline training system ingests.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLSink opens (or creates) the training file for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("feedback: open training file: %w", err)
	}
	return &JSONLSink{file: f}, nil
}

// Write appends one example as a single line.
func (s *JSONLSink) Write(_ context.Context, ex *Example) error {
	body, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("feedback: marshal example: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("feedback: append example: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
