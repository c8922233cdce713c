// Package definition round-trips a pipeline job's textual YAML definition
// through a structured form, injecting the job's pipeline_compatibility
// value before re-serialising (spec §4.4 "Definition export").
package definition

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// compatibilityKey is the top-level mapping key the export step injects.
const compatibilityKey = "compatibility"

// Export parses raw (the job's stored definition text), injects
// compatibility under compatibilityKey, and re-serialises. yaml.Node keeps
// comments, so every node's head, line and foot comment is cleared before
// re-encoding; the encoder normalises formatting.
func Export(raw string, compatibility string) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("definition: parsing: %w", err)
	}
	if len(doc.Content) == 0 {
		return "", fmt.Errorf("definition: empty document")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return "", fmt.Errorf("definition: root is not a mapping")
	}

	setMappingKey(root, compatibilityKey, compatibility)

	var strip func(n *yaml.Node)
	strip = func(n *yaml.Node) {
		n.HeadComment, n.LineComment, n.FootComment = "", "", ""
		for _, c := range n.Content {
			strip(c)
		}
	}
	strip(&doc)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("definition: re-serialising: %w", err)
	}
	return string(out), nil
}

// setMappingKey overwrites key's value in a mapping node if present,
// otherwise appends a new key/value pair.
func setMappingKey(mapping *yaml.Node, key, value string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}

// Decode parses raw into a generic structured value, for callers (the
// store's ParseJobDescription) that need the definition's fields rather
// than a re-serialised form.
func Decode(raw string) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("definition: decoding: %w", err)
	}
	return m, nil
}
