package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// FileSource reads users from a local file holding either a JSON array or
// one JSON object per line (JSONL). An empty file is malformed, not an empty
// list.
type FileSource struct {
	Path string
}

// NewFileSource creates a source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// FetchAll reads and decodes the whole file.
func (s *FileSource) FetchAll(ctx context.Context) ([]UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// #nosec G304 - path comes from configuration
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open users file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	first, err := peekNonSpace(r)
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: users file is empty", ErrMalformed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	if first == '{' {
		return decodeJSONL(ctx, r)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	return decodeList(data)
}

// decodeJSONL reads consecutive JSON objects until EOF.
func decodeJSONL(ctx context.Context, r io.Reader) ([]UserRecord, error) {
	var records []UserRecord
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec UserRecord
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: invalid JSON at record %d: %v", ErrMalformed, lineNum+1, err)
		}
		lineNum++
		records = append(records, rec)
	}

	return records, nil
}

// peekNonSpace skips leading whitespace and returns the next byte without
// consuming it.
func peekNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := r.ReadByte(); err != nil {
			return 0, err
		}
	}
}

// WriteFile writes records as an indented JSON array, atomically via a
// temp file.
func WriteFile(path string, records []UserRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
