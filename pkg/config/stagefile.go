package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/zen-systems/buildmagic/pkg/pipeline"
	"gopkg.in/yaml.v3"
)

// DefaultConfigNames are the stage files picked up from the working
// directory without --config.
var DefaultConfigNames = []string{
	"build-magic.yaml",
	"build_magic.yaml",
	"build-magic.yml",
	"build_magic.yml",
}

// ErrNoVariableMatch is returned when variables are supplied but no
// placeholder in the file uses any of them.
var ErrNoVariableMatch = errors.New("no variable matches found")

var variablePattern = regexp.MustCompile(`\{\{\s?(\w+)\s?\}\}`)

// StageFile is a parsed build-magic stage file.
type StageFile struct {
	Path       string
	Version    string
	Author     string
	Maintainer string
	Created    string
	Modified   string
	// Prompt names variables whose values are read from the terminal.
	Prompt []string
	Stages []StageConfig
}

// StageConfig is one stage of a stage file.
type StageConfig struct {
	Name           string
	Description    string
	Runner         string
	Environment    string
	ContinueOnFail bool
	WorkingDir     string
	CopyFrom       string
	Artifacts      []string
	Dotenv         string
	Action         string
	Timeout        time.Duration
	Parameters     [][2]string
	Env            map[string]string
	Directives     []string
	Commands       []string
	Labels         []string
}

type fileDocument struct {
	Version    any      `yaml:"version"`
	Author     string   `yaml:"author"`
	Maintainer string   `yaml:"maintainer"`
	Created    string   `yaml:"created"`
	Modified   string   `yaml:"modified"`
	Prompt     []string `yaml:"prompt"`
	BuildMagic []struct {
		Stage stageDocument `yaml:"stage"`
	} `yaml:"build-magic"`
}

type stageDocument struct {
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description"`
	Runner         string            `yaml:"runner"`
	Environment    string            `yaml:"environment"`
	ContinueOnFail bool              `yaml:"continue on fail"`
	WorkingDir     string            `yaml:"working directory"`
	CopyFrom       string            `yaml:"copy from directory"`
	Artifacts      []string          `yaml:"artifacts"`
	Dotenv         string            `yaml:"dotenv"`
	Action         string            `yaml:"action"`
	Timeout        int               `yaml:"timeout"`
	Parameters     map[string]string `yaml:"parameters"`
	Env            map[string]string `yaml:"environment variables"`
	Commands       []yaml.Node       `yaml:"commands"`
}

// LoadStageFile reads, validates and parses the stage file at path after
// substituting {{ name }} placeholders with vars. Supplying vars that match
// no placeholder is an error.
func LoadStageFile(path string, vars map[string]string) (*StageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage file: %w", err)
	}
	return ParseStageFile(path, data, vars)
}

// LoadStageFiles loads every path with the same variables. Each variable
// set only has to match a placeholder in one of the files.
func LoadStageFiles(paths []string, vars map[string]string) ([]*StageFile, error) {
	files := make([]*StageFile, 0, len(paths))
	matched := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read stage file: %w", err)
		}
		file, n, err := parseStageFile(path, data, vars)
		if err != nil {
			return nil, err
		}
		matched += n
		files = append(files, file)
	}
	if len(vars) > 0 && len(paths) > 0 && matched == 0 {
		return nil, ErrNoVariableMatch
	}
	return files, nil
}

// ParseStageFile is LoadStageFile for content already in memory.
func ParseStageFile(path string, data []byte, vars map[string]string) (*StageFile, error) {
	file, matched, err := parseStageFile(path, data, vars)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 && matched == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoVariableMatch)
	}
	return file, nil
}

func parseStageFile(path string, data []byte, vars map[string]string) (*StageFile, int, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	matched := 0
	if len(vars) > 0 {
		matched = substitute(&root, vars)
	}

	var generic any
	if err := root.Decode(&generic); err != nil {
		return nil, 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := validateDocument(path, generic); err != nil {
		return nil, 0, err
	}

	var doc fileDocument
	if err := root.Decode(&doc); err != nil {
		return nil, 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	file := &StageFile{
		Path:       path,
		Author:     doc.Author,
		Maintainer: doc.Maintainer,
		Created:    doc.Created,
		Modified:   doc.Modified,
		Prompt:     doc.Prompt,
	}
	if doc.Version != nil {
		file.Version = fmt.Sprint(doc.Version)
	}
	for _, entry := range doc.BuildMagic {
		stage, err := entry.Stage.toConfig()
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", path, err)
		}
		file.Stages = append(file.Stages, stage)
	}
	return file, matched, nil
}

func (d stageDocument) toConfig() (StageConfig, error) {
	stage := StageConfig{
		Name:           d.Name,
		Description:    d.Description,
		Runner:         d.Runner,
		Environment:    d.Environment,
		ContinueOnFail: d.ContinueOnFail,
		WorkingDir:     orDefault(d.WorkingDir, "."),
		CopyFrom:       d.CopyFrom,
		Artifacts:      d.Artifacts,
		Dotenv:         d.Dotenv,
		Action:         d.Action,
		Timeout:        time.Duration(d.Timeout) * time.Second,
		Env:            d.Env,
	}

	keys := make([]string, 0, len(d.Parameters))
	for k := range d.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		stage.Parameters = append(stage.Parameters, [2]string{k, d.Parameters[k]})
	}

	for i := range d.Commands {
		node := &d.Commands[i]
		if node.Kind != yaml.MappingNode {
			return StageConfig{}, fmt.Errorf("command %d must be a mapping of directive to command", i+1)
		}
		var directive, command, label string
		for j := 0; j+1 < len(node.Content); j += 2 {
			key, value := node.Content[j].Value, node.Content[j+1].Value
			if key == "label" {
				label = value
				continue
			}
			if directive == "" {
				directive, command = key, value
			}
		}
		if directive == "" {
			return StageConfig{}, fmt.Errorf("command %d has no directive", i+1)
		}
		stage.Directives = append(stage.Directives, directive)
		stage.Commands = append(stage.Commands, command)
		stage.Labels = append(stage.Labels, label)
	}
	return stage, nil
}

// substitute replaces known placeholders in every scalar under n and
// returns the number of replacements.
func substitute(n *yaml.Node, vars map[string]string) int {
	count := 0
	if n.Kind == yaml.ScalarNode {
		n.Value = variablePattern.ReplaceAllStringFunc(n.Value, func(match string) string {
			name := variablePattern.FindStringSubmatch(match)[1]
			value, ok := vars[name]
			if !ok {
				return match
			}
			count++
			return value
		})
		return count
	}
	for _, child := range n.Content {
		count += substitute(child, vars)
	}
	return count
}

// Spec converts the stage into a pipeline stage description. Variables from
// the stage's dotenv file are overridden by its environment variables.
func (s StageConfig) Spec(sequence int) (pipeline.StageSpec, error) {
	env := map[string]string{}
	if s.Dotenv != "" {
		values, err := godotenv.Read(s.Dotenv)
		if err != nil {
			return pipeline.StageSpec{}, fmt.Errorf("failed to read dotenv file %s: %w", s.Dotenv, err)
		}
		for k, v := range values {
			env[k] = v
		}
	}
	for k, v := range s.Env {
		env[k] = v
	}

	return pipeline.StageSpec{
		Sequence:       sequence,
		Name:           s.Name,
		Description:    s.Description,
		Runner:         s.Runner,
		Environment:    s.Environment,
		Action:         s.Action,
		Directives:     s.Directives,
		Commands:       s.Commands,
		Labels:         s.Labels,
		Artifacts:      s.Artifacts,
		CopyFrom:       s.CopyFrom,
		WorkingDir:     s.WorkingDir,
		Parameters:     s.Parameters,
		Env:            env,
		Timeout:        s.Timeout,
		ContinueOnFail: s.ContinueOnFail,
	}, nil
}

// StageNames returns the names of the named stages in file order.
func (f *StageFile) StageNames() []string {
	var names []string
	for _, s := range f.Stages {
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return names
}

// Stage returns the first stage called name.
func (f *StageFile) Stage(name string) (StageConfig, bool) {
	for _, s := range f.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}

// FindDefault returns the default-named stage file in dir, or "" when there
// is none. More than one candidate is an error.
func FindDefault(dir string) (string, error) {
	var found []string
	for _, name := range DefaultConfigNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			found = append(found, name)
		}
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return filepath.Join(dir, found[0]), nil
	default:
		return "", fmt.Errorf("more than one config file found: %v", found)
	}
}

// IsDefaultName reports whether path names a default stage file.
func IsDefaultName(path string) bool {
	base := filepath.Base(path)
	for _, name := range DefaultConfigNames {
		if base == name {
			return true
		}
	}
	return false
}
