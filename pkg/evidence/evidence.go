// Package evidence writes a machine-readable report of a build-magic run.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// InlineLimit is the largest command output stored inline in a stage
// record. Longer output is written to a blob and referenced by path.
const InlineLimit = 4096

// RunRecord captures run-level metadata.
type RunRecord struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	ConfigFiles    []string          `json:"config_files,omitempty"`
	Workspace      string            `json:"workspace"`
	ExitCode       int               `json:"exit_code"`
	Error          string            `json:"error,omitempty"`
	DurationMillis int64             `json:"duration_ms"`
	ToolVersions   map[string]string `json:"tool_versions,omitempty"`
}

// StageRecord captures the outcome of a single stage.
type StageRecord struct {
	Sequence       int           `json:"sequence"`
	Name           string        `json:"name,omitempty"`
	Description    string        `json:"description,omitempty"`
	Runner         string        `json:"runner"`
	Environment    string        `json:"environment,omitempty"`
	Action         string        `json:"action"`
	ExitCode       int           `json:"exit_code"`
	Error          string        `json:"error,omitempty"`
	DurationMillis int64         `json:"duration_ms"`
	Macros         []MacroRecord `json:"macros,omitempty"`
}

// MacroRecord captures one executed command.
type MacroRecord struct {
	Sequence       int    `json:"sequence"`
	Directive      string `json:"directive"`
	Command        string `json:"command"`
	ExitCode       int    `json:"exit_code"`
	Stdout         string `json:"stdout,omitempty"`
	StdoutRef      string `json:"stdout_ref,omitempty"`
	Stderr         string `json:"stderr,omitempty"`
	StderrRef      string `json:"stderr_ref,omitempty"`
	DurationMillis int64  `json:"duration_ms"`
}

// Writer writes run reports to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new report writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "stages"), filepath.Join(runDir, "blobs")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// NewRunID returns a sortable identifier for a run started at t.
func NewRunID(t time.Time) string {
	return t.UTC().Format("20060102T150405.000Z")
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<sequence>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	path := filepath.Join(w.runDir, "stages", fmt.Sprintf("%d.json", record.Sequence))
	return writeJSON(path, record)
}

// Output stores command output inline when it is short, otherwise as a blob.
// It returns the inline text or the blob reference, exactly one of which is
// non-empty for non-empty output.
func (w *Writer) Output(kind, content string) (inline, ref string, err error) {
	if len(content) <= InlineLimit {
		return content, "", nil
	}
	ref, _, err = w.WriteBlob(kind, []byte(content))
	return "", ref, err
}

// WriteBlob stores content under blobs/<kind>-<sha256>.txt and returns the
// path relative to the run directory and the content hash. Writing the same
// content twice returns the same reference.
func (w *Writer) WriteBlob(kind string, content []byte) (string, string, error) {
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])
	ref := filepath.ToSlash(filepath.Join("blobs", fmt.Sprintf("%s-%s.txt", sanitizeKind(kind), sha)))

	path := filepath.Join(w.runDir, filepath.FromSlash(ref))
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

func sanitizeKind(kind string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(kind) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "blob"
	}
	return b.String()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
