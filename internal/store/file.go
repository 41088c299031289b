package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// documentName is the single JSON document holding all lists.
const documentName = "database.json"

// document is the on-disk layout of file mode.
type document struct {
	Feedback      []Feedback     `json:"feedback"`
	Tasks         []Task         `json:"tasks"`
	TokenUsage    []TokenUsage   `json:"tokenUsage"`
	BreakerEvents []BreakerEvent `json:"breakerEvents"`
	Settings      map[string]any `json:"settings"`
}

// File is the durable-file backend: memory semantics plus a JSON
// document rewritten atomically on Flush.
type File struct {
	*Memory
	path    string
	writeMu sync.Mutex
}

// NewFile opens (or creates) the store document under dataDir.
func NewFile(dataDir string) (*File, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("file store: data dir is required")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	f := &File{
		Memory: NewMemory(),
		path:   filepath.Join(dataDir, documentName),
	}
	if err := f.loadDocument(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) loadDocument() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil // fresh store
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", f.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}
	f.Memory.load(doc.Feedback, doc.Tasks, doc.TokenUsage, doc.BreakerEvents)
	return nil
}

// Flush rewrites the document atomically: write to a temp file in the
// same directory, then rename over the target.
func (f *File) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	fb, tasks, usage, events := f.Memory.snapshot()
	doc := document{
		Feedback:      fb,
		Tasks:         tasks,
		TokenUsage:    usage,
		BreakerEvents: events,
		Settings:      map[string]any{"version": 1},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), documentName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close document: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// Close flushes the document one last time.
func (f *File) Close() error {
	return f.Flush()
}
