package macro

// Factory builds ordered Macros from parallel command, prefix and suffix lists.
type Factory struct {
	commands [][3]string
	labels   []string
}

// NewFactory pads prefixes and suffixes with empty strings to the length of commands.
func NewFactory(commands, prefixes, suffixes []string) *Factory {
	f := &Factory{}
	for i, cmd := range commands {
		var prefix, suffix string
		if i < len(prefixes) {
			prefix = prefixes[i]
		}
		if i < len(suffixes) {
			suffix = suffixes[i]
		}
		f.commands = append(f.commands, [3]string{prefix, cmd, suffix})
	}
	return f
}

// WithLabels attaches display labels by command position.
func (f *Factory) WithLabels(labels []string) *Factory {
	f.labels = labels
	return f
}

// Generate returns Macros for every non-empty command, numbered densely from 0.
func (f *Factory) Generate() []*Macro {
	macros := make([]*Macro, 0, len(f.commands))
	for i, triple := range f.commands {
		if triple[1] == "" {
			continue
		}
		m := New(triple[1], len(macros), triple[0], triple[2])
		if i < len(f.labels) {
			m.Label = f.labels[i]
		}
		macros = append(macros, m)
	}
	return macros
}
