package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation path
// (orchestrator.port) or an entity address (server:PSTAT).
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// GetEntity retrieves a first-class entity by type:name. "server:*" returns
// the whole world.
func (c *Config) GetEntity(address string) (any, error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	entityType, name := parts[0], parts[1]

	switch entityType {
	case "server":
		if name == "*" {
			return c.Servers, nil
		}
		if name == c.Orchestrator.Server {
			return c.Orchestrator, nil
		}
		s, ok := c.Servers[name]
		if !ok {
			return nil, fmt.Errorf("server %q not found", name)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	current := node

	for _, part := range strings.Split(path, ".") {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}

		var next *yaml.Node
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				next = current.Content[i+1]
				break
			}
		}

		if next == nil {
			if !create {
				return nil, fmt.Errorf("key %q not found", part)
			}
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}, next)
		}
		current = next
	}

	return current, nil
}

// SetPath modifies a configuration value in the top-level file. With persist
// the file is rewritten and reloaded; an invalid result is rolled back.
func (c *Config) SetPath(path, value string, persist bool) error {
	if strings.Contains(path, ":") {
		parts := strings.SplitN(path, ".", 2)
		eparts := strings.SplitN(parts[0], ":", 2)
		if eparts[0] != "server" {
			return fmt.Errorf("unsupported entity type for set: %q", eparts[0])
		}
		if len(parts) < 2 {
			return fmt.Errorf("must specify a field to set (e.g., %s.port=8002)", parts[0])
		}
		physical := "servers." + eparts[1]
		if eparts[1] == c.Orchestrator.Server {
			physical = "orchestrator"
		}
		path = physical + "." + parts[1]
	}

	rootNode := c.SourceFiles[c.Root]
	if rootNode == nil || rootNode.Kind != yaml.DocumentNode || len(rootNode.Content) == 0 {
		return fmt.Errorf("no valid configuration source found")
	}

	target, err := findNode(rootNode.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}

	target.Kind = yaml.ScalarNode
	target.Content = nil
	target.Value = value
	target.Tag = guessTag(value)

	if !persist {
		return nil
	}

	candidate, err := yaml.Marshal(rootNode)
	if err != nil {
		return err
	}

	return c.persistWithValidation(c.Root, candidate)
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	isDigit := v != "" && v != "-"
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit {
		return "!!int"
	}
	return "!!str"
}

func (c *Config) persistWithValidation(targetFile string, candidate []byte) error {
	original, err := os.ReadFile(targetFile)
	if err != nil {
		return fmt.Errorf("failed to read original config file: %w", err)
	}

	mode := os.FileMode(0644)
	if info, statErr := os.Stat(targetFile); statErr == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(targetFile, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}

	if _, err := Load(targetFile); err != nil {
		if restoreErr := os.WriteFile(targetFile, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}
