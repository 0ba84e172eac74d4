package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Param is one launcher argument rendered as --key value.
type Param struct {
	Key   string
	Value string
}

// Params keeps the order in which the parameters appear in the YAML mapping.
type Params []Param

// UnmarshalYAML decodes a mapping node pair by pair.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config: parameters must be a mapping, got line %d", node.Line)
	}
	out := make(Params, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("config: parameter %q must be a scalar", k.Value)
		}
		out = append(out, Param{Key: k.Value, Value: v.Value})
	}
	*p = out
	return nil
}

// MarshalYAML writes the parameters back as an ordered mapping.
func (p Params) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, param := range p {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: param.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: param.Value},
		)
	}
	return node, nil
}

// Set replaces the value of key or appends it.
func (p *Params) Set(key, value string) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{Key: key, Value: value})
}
