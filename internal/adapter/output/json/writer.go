package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arbiterhq/arbiter/internal/domain"
)

// Writer persists decision bundles as JSON audit artifacts.
type Writer struct {
	now func() string
}

// NewWriter creates a new JSON writer. The now function stamps the output
// directory so repeated runs never overwrite each other.
func NewWriter(now func() string) *Writer {
	return &Writer{now: now}
}

// Write persists a decision bundle to disk as a JSON file and returns the
// path written.
func (w *Writer) Write(ctx context.Context, outputDir string, bundle domain.DecisionBundle) (string, error) {
	dir := filepath.Join(outputDir, w.now())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	filePath := filepath.Join(dir, fmt.Sprintf("decision-%s.json", shortFingerprint(bundle.CaseFingerprint)))

	file, err := os.Create(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to create json file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(bundle); err != nil {
		return "", fmt.Errorf("failed to encode decision to json: %w", err)
	}

	return filePath, nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
