// Package snapshot reads and writes the flat-file cache format used for
// cold-start population and durability checkpoints: one JSON record per
// line, a question and its answers, loaded in file order.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Record is one question/answer pair in a snapshot file.
type Record struct {
	Question string   `json:"question"`
	Answers  []string `json:"answers"`
}

// Read decodes records from r in file order. maxSize, when positive,
// caps how many records are materialized; the rest of the stream is
// ignored.
func Read(r io.Reader, maxSize int) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decoding record on line %d: %w", line, err)
		}
		records = append(records, rec)
		if maxSize > 0 && len(records) >= maxSize {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return records, nil
}

// Write encodes records to w, one JSON object per line.
func Write(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("encoding record %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// Load reads a snapshot file. Missing files surface as the underlying
// os error so callers can distinguish cold start from corruption.
func Load(path string, maxSize int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, maxSize)
}

// Save writes records to path atomically: a temp file in the same
// directory is renamed into place, so a crash never leaves a truncated
// checkpoint.
func Save(path string, records []Record) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}
