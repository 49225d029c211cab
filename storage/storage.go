// Package storage handles run-directory persistence: JSON artifacts,
// append-only NDJSON streams, and credential redaction in saved payloads.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NewRunDir creates a timestamped run directory under root and returns its
// path. The campaign name is embedded so runs stay recognizable on disk.
func NewRunDir(root, campaignName string, now time.Time) (string, error) {
	safe := strings.ReplaceAll(strings.TrimSpace(campaignName), " ", "_")
	dir := filepath.Join(root, fmt.Sprintf("RUN_%s__%s", now.Format("20060102_150405"), safe))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	return dir, nil
}

// WriteJSON writes v as indented JSON, creating parent directories.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadJSON reads path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// Redact replaces every occurrence of a secret value in data with its
// placeholder. Saved gate payloads must never contain live credentials.
func Redact(data []byte, secrets map[string]string) []byte {
	for secret, placeholder := range secrets {
		if secret == "" {
			continue
		}
		data = bytes.ReplaceAll(data, []byte(secret), []byte(placeholder))
	}
	return data
}

// WriteJSONRedacted writes v as JSON with all secret values replaced.
func WriteJSONRedacted(path string, v any, secrets map[string]string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = Redact(data, secrets)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// CopyFile copies src to dst, creating parent directories.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

// Appender is a single-writer, append-only NDJSON stream. Each Append
// writes exactly one line, so a reader that tolerates a torn final line can
// safely read the file while it is still being written.
type Appender struct {
	f    *os.File
	path string
}

// OpenAppender opens (or creates) an NDJSON file for appending.
func OpenAppender(path string) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Appender{f: f, path: path}, nil
}

// Append marshals v and writes it as one line.
func (a *Appender) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := a.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", a.path, err)
	}
	return nil
}

// Path returns the underlying file path.
func (a *Appender) Path() string { return a.path }

// Close closes the underlying file.
func (a *Appender) Close() error { return a.f.Close() }
