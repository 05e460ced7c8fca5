package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/clearpath-health/dcal/pkg/synthesis"
)

// JSONLJournal appends reports to a newline-delimited JSON file on local
// disk. It is the emergency-bypass sink: when the audit chain and the
// publisher are both unreachable, the report still lands somewhere an
// operator can replay from.
type JSONLJournal struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLJournal opens (or creates) the journal file for appending.
func NewJSONLJournal(path string) (*JSONLJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open journal: %w", err)
	}
	return &JSONLJournal{file: f}, nil
}

// Record appends one report as a single line.
func (j *JSONLJournal) Record(_ context.Context, rep *synthesis.IntelligenceReport) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("pipeline: marshal journal entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("pipeline: append journal entry: %w", err)
	}
	return nil
}

// Close flushes and closes the journal.
func (j *JSONLJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
