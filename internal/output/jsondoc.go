package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relieftools/harvester/internal/metrics"
)

// JSONSink collects tabs into one document keyed by tab name. Each tab
// becomes a list of objects keyed by the tab's HXL hashtag row, falling
// back to header names where a column carries no hashtag.
type JSONSink struct {
	path string
	doc  map[string][]map[string]any
}

// NewJSONSink creates a document sink saving to path.
func NewJSONSink(path string) *JSONSink {
	return &JSONSink{path: path, doc: make(map[string][]map[string]any)}
}

func (j *JSONSink) UpdateTab(name string, rows [][]any) error {
	if len(rows) < 2 {
		return fmt.Errorf("tab %s: need header and hashtag rows", name)
	}
	keys := make([]string, len(rows[0]))
	for i, header := range rows[0] {
		keys[i] = fmt.Sprintf("%v", header)
		if i < len(rows[1]) {
			if tag := fmt.Sprintf("%v", rows[1][i]); tag != "" {
				keys[i] = tag
			}
		}
	}
	records := make([]map[string]any, 0, len(rows)-2)
	for _, row := range rows[2:] {
		record := make(map[string]any, len(keys))
		for i, key := range keys {
			if i < len(row) {
				record[key] = row[i]
			}
		}
		records = append(records, record)
	}
	j.doc[name] = records
	metrics.ObserveTabWrite("json")
	return nil
}

func (j *JSONSink) Save() error {
	raw, err := json.MarshalIndent(j.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if dir := filepath.Dir(j.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(j.path, raw, 0o644); err != nil {
		return fmt.Errorf("save document %s: %w", j.path, err)
	}
	return nil
}

func (j *JSONSink) Close() error { return nil }
