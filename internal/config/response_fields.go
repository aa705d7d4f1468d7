package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ResponseFields is an insertion-ordered map of response field name to its
// configuration. YAML mappings lose their order through map[string]T, but the
// schema order is meaningful here (display order, primary audio field), so
// the type keeps the names in document order alongside the lookup index.
type ResponseFields struct {
	names  []string
	fields map[string]ResponseFieldConfig
}

// NewResponseFields builds a ResponseFields from ordered (name, config)
// pairs. Mainly used by tests; production values come from YAML.
func NewResponseFields(pairs ...ResponseFieldEntry) ResponseFields {
	rf := ResponseFields{fields: make(map[string]ResponseFieldConfig, len(pairs))}
	for _, p := range pairs {
		if _, dup := rf.fields[p.Name]; !dup {
			rf.names = append(rf.names, p.Name)
		}
		rf.fields[p.Name] = p.Config
	}
	return rf
}

// ResponseFieldEntry pairs a field name with its configuration.
type ResponseFieldEntry struct {
	Name   string
	Config ResponseFieldConfig
}

// UnmarshalYAML implements yaml.Unmarshaler, preserving mapping order.
func (rf *ResponseFields) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("config: response_fields must be a mapping (line %d)", value.Line)
	}
	rf.names = nil
	rf.fields = make(map[string]ResponseFieldConfig, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode, valNode := value.Content[i], value.Content[i+1]
		var cfg ResponseFieldConfig
		if err := valNode.Decode(&cfg); err != nil {
			return fmt.Errorf("config: response field %q: %w", keyNode.Value, err)
		}
		if _, dup := rf.fields[keyNode.Value]; dup {
			return fmt.Errorf("config: duplicate response field %q (line %d)", keyNode.Value, keyNode.Line)
		}
		rf.names = append(rf.names, keyNode.Value)
		rf.fields[keyNode.Value] = cfg
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler, emitting fields in schema order.
func (rf ResponseFields) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range rf.names {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: name}
		valNode := &yaml.Node{}
		cfg := rf.fields[name]
		if err := valNode.Encode(cfg); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// Len returns the number of response fields.
func (rf ResponseFields) Len() int {
	return len(rf.names)
}

// Names returns the field names in schema order. The returned slice must not
// be modified.
func (rf ResponseFields) Names() []string {
	return rf.names
}

// Get returns the configuration for name.
func (rf ResponseFields) Get(name string) (ResponseFieldConfig, bool) {
	cfg, ok := rf.fields[name]
	return cfg, ok
}

// AudioFields returns, in schema order, the names of fields marked for
// audio synthesis.
func (rf ResponseFields) AudioFields() []string {
	var out []string
	for _, name := range rf.names {
		if rf.fields[name].Audio {
			out = append(out, name)
		}
	}
	return out
}

// RequiredFields returns, in schema order, the names of required fields.
func (rf ResponseFields) RequiredFields() []string {
	var out []string
	for _, name := range rf.names {
		if rf.fields[name].Required {
			out = append(out, name)
		}
	}
	return out
}
