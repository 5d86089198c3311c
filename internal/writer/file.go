package writer

import (
	"NetFusion/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileWriter appends each export to a JSON-lines file named after the export
// time. Empty exports create no file.
type FileWriter struct {
	dir string
	now func() time.Time
}

// NewFileWriter creates the output directory if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create alert directory: %w", err)
	}
	return &FileWriter{dir: dir, now: time.Now}, nil
}

// Write implements model.AlertWriter.
func (w *FileWriter) Write(_ context.Context, alerts []*model.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	name := "alerts_" + w.now().UTC().Format("2006-01-02_15-04-05.000") + ".jsonl"
	path := filepath.Join(w.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open alert file '%s': %w", path, err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	for _, a := range alerts {
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("failed to encode alert to '%s': %w", path, err)
		}
	}
	return file.Sync()
}
