// Package history implements the append-only, crash-safe iteration log.
//
// The log is a line-delimited JSON file. Each append is one write of one
// complete line, so record granularity is atomic with respect to readers and
// a crash can at worst leave a single truncated trailing line, which readers
// skip with a warning.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"alphaforge/internal/genome"
)

// maxRecordBytes bounds a single history line during reads. Raw output is
// truncated at record-assembly time, so this is generous.
const maxRecordBytes = 1 << 20

// Log is the append-only history of iteration records.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *zap.Logger
}

// Open opens (or creates) the history log at path.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history log: %w", err)
	}
	if err := sealTornTail(f, logger); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to repair history log tail: %w", err)
	}

	return &Log{path: path, file: f, logger: logger}, nil
}

// sealTornTail terminates a trailing line left unterminated by a crash, so
// the next append starts on a fresh line instead of extending the torn one.
func sealTornTail(f *os.File, logger *zap.Logger) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}

	logger.Warn("history log ends in a partial record, sealing it")
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return err
	}
	return f.Sync()
}

// Append durably writes one iteration record as a single JSON line.
func (l *Log) Append(rec *genome.IterationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal iteration %d: %w", rec.Iteration, err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("failed to append iteration %d: %w", rec.Iteration, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync history log: %w", err)
	}
	return nil
}

// Recent returns up to n records, most recent first. Unparseable lines are
// skipped with a warning; they never fail the read.
func (l *Log) Recent(n int) ([]*genome.IterationRecord, error) {
	records, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if n > len(records) {
		n = len(records)
	}
	out := make([]*genome.IterationRecord, 0, n)
	for i := len(records) - 1; i >= len(records)-n; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

// LastIteration returns the highest iteration number in the log, or 0 if the
// log is empty.
func (l *Log) LastIteration() (int64, error) {
	records, err := l.readAll()
	if err != nil {
		return 0, err
	}

	var last int64
	for _, r := range records {
		if r.Iteration > last {
			last = r.Iteration
		}
	}
	return last, nil
}

// Count returns the number of well-formed records in the log.
func (l *Log) Count() (int, error) {
	records, err := l.readAll()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// readAll parses the log file in write order.
func (l *Log) readAll() ([]*genome.IterationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history log: %w", err)
	}
	defer f.Close()

	var records []*genome.IterationRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordBytes)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec genome.IterationRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Partial writes from a prior crash land here.
			l.logger.Warn("skipping unparseable history record",
				zap.Int("line", lineNum),
				zap.Error(err))
			continue
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan history log: %w", err)
	}

	return records, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
