package routes

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/pagerender/internal/errors"
)

// Manifest is the on-disk route manifest.
//
//	routes:
//	  - path: /
//	    renderMode: prerender
//	  - path: /account/**
//	    renderMode: server
//	    headers:
//	      Cache-Control: no-store
//	  - path: /old
//	    redirectTo: /new
//	    status: 301
type Manifest struct {
	Routes []Entry `yaml:"routes"`
}

// UnmarshalYAML decodes a header mapping while keeping declaration order.
func (hs *Headers) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: headers must be a mapping", value.Line)
	}

	out := make(Headers, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: header %q must have a scalar value", val.Line, key.Value)
		}
		out = append(out, Header{Name: key.Value, Value: val.Value})
	}
	*hs = out

	return nil
}

// MarshalYAML encodes headers back into an ordered mapping.
func (hs Headers) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, h := range hs {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: h.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: h.Value},
		)
	}
	return node, nil
}

// ParseManifest decodes manifest YAML. Unknown fields are rejected so typos
// surface at startup rather than as silently ignored settings.
func ParseManifest(data []byte) ([]Entry, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeManifestInvalid, "failed to parse route manifest")
	}
	return m.Routes, nil
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeManifestInvalid,
			fmt.Sprintf("failed to read route manifest %s", path))
	}
	return ParseManifest(data)
}

// LoadTree loads the manifest at path and builds a tree from it.
func LoadTree(path string) (*Tree, error) {
	entries, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return NewTree(entries)
}
