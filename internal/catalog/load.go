package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadScenarioFile reads a single scenario from a YAML (or JSON) file.
func LoadScenarioFile(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	return NormalizeScenario(s)
}

// LoadProfilesFile reads profiles from a YAML file. The file may hold a single profile,
// a list of profiles, or several documents separated by "---".
func LoadProfilesFile(path string) ([]ProfileDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

func ParseProfiles(data []byte) ([]ProfileDoc, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []ProfileDoc
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse profiles: %w", err)
		}
		docs, err := decodeProfileNode(&node)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("parse profiles: no profiles found")
	}
	return out, nil
}

func decodeProfileNode(node *yaml.Node) ([]ProfileDoc, error) {
	root := node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	switch root.Kind {
	case yaml.SequenceNode:
		var docs []ProfileDoc
		if err := root.Decode(&docs); err != nil {
			return nil, fmt.Errorf("parse profiles: %w", err)
		}
		return docs, nil
	case yaml.MappingNode:
		var doc ProfileDoc
		if err := root.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse profile: %w", err)
		}
		return []ProfileDoc{doc}, nil
	default:
		return nil, nil
	}
}
