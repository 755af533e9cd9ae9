package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// TemplateName is the file written by WriteTemplate.
const TemplateName = "build-magic_template.yaml"

//go:embed template.yaml
var stageFileTemplate []byte

// Template returns the starter stage file.
func Template() []byte {
	return append([]byte(nil), stageFileTemplate...)
}

// WriteTemplate writes the starter stage file into dir and returns its path.
// An existing template is never overwritten.
func WriteTemplate(dir string) (string, error) {
	path := filepath.Join(dir, TemplateName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("cannot generate the config template: %w", err)
	}
	if _, err := f.Write(stageFileTemplate); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write template: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write template: %w", err)
	}
	return path, nil
}
