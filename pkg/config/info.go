package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Info is the metadata shown by the info command.
type Info struct {
	Path       string
	Version    string
	Author     string
	Maintainer string
	Created    string
	Modified   string
	// Prompt lists the variables the file asks to be prompted for.
	Prompt    []string
	Variables []string
	Stages    []string
}

// ReadInfo reads metadata, placeholder names and stage names from a stage
// file without substituting or validating it.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	info := &Info{
		Path:       path,
		Author:     doc.Author,
		Maintainer: doc.Maintainer,
		Created:    doc.Created,
		Modified:   doc.Modified,
		Prompt:     doc.Prompt,
	}
	if doc.Version != nil {
		info.Version = fmt.Sprint(doc.Version)
	}

	seen := map[string]struct{}{}
	for _, m := range variablePattern.FindAllStringSubmatch(string(data), -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		info.Variables = append(info.Variables, m[1])
	}
	sort.Strings(info.Variables)

	for _, entry := range doc.BuildMagic {
		if entry.Stage.Name != "" {
			info.Stages = append(info.Stages, entry.Stage.Name)
		}
	}
	return info, nil
}

// Fields returns the non-empty label/value pairs in display order.
func (i *Info) Fields() [][2]string {
	var fields [][2]string
	add := func(label, value string) {
		if value != "" {
			fields = append(fields, [2]string{label, value})
		}
	}
	add("version", i.Version)
	add("author", i.Author)
	add("maintainer", i.Maintainer)
	add("created", i.Created)
	add("modified", i.Modified)
	for _, v := range i.Variables {
		add("variable", v)
	}
	for _, s := range i.Stages {
		add("stage", s)
	}
	return fields
}

// Write prints one aligned "label:  value" line per field, each prefixed
// with the file path when showPath is set.
func (i *Info) Write(w io.Writer, showPath bool) error {
	fields := i.Fields()
	width := 0
	for _, f := range fields {
		width = max(width, len(f[0])+1)
	}
	prefix := ""
	if showPath {
		prefix = i.Path + "  "
	}
	for _, f := range fields {
		label := f[0] + ":"
		if _, err := fmt.Fprintf(w, "%s%s%s  %s\n", prefix, label, strings.Repeat(" ", width-len(label)), f[1]); err != nil {
			return err
		}
	}
	return nil
}
