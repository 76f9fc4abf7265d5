package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SetMonitorDisabled flips the disabled flag of one monitor in the config
// file. It preserves the existing YAML structure and comments. Enabling a
// monitor removes the key rather than writing "disabled: false".
func SetMonitorDisabled(configPath, monitorName string, disabled bool) error {
	root, err := readNode(configPath)
	if err != nil {
		return err
	}

	monitorNode, err := findMonitorNode(root, monitorName)
	if err != nil {
		return err
	}

	if disabled {
		setMapScalar(monitorNode, "disabled", "true", "!!bool")
	} else {
		deleteMapKey(monitorNode, "disabled")
	}

	return writeNode(configPath, root)
}

// AppendMonitors adds monitor entries to the config file's monitors list,
// creating the list when absent. Monitors whose name already exists are
// skipped. Returns the names that were added.
func AppendMonitors(configPath string, monitors []Monitor) ([]string, error) {
	root, err := readNode(configPath)
	if err != nil {
		return nil, err
	}
	docNode, err := documentMapping(root)
	if err != nil {
		return nil, err
	}

	listNode := findMapValue(docNode, "monitors")
	if listNode == nil || listNode.Kind != yaml.SequenceNode {
		listNode = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		deleteMapKey(docNode, "monitors")
		docNode.Content = append(docNode.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "monitors"},
			listNode)
	}

	existing := make(map[string]bool)
	for _, item := range listNode.Content {
		if name := findMapValue(item, "name"); name != nil {
			existing[name.Value] = true
		}
	}

	var added []string
	for _, m := range monitors {
		if existing[m.Name] {
			continue
		}
		var node yaml.Node
		if err := node.Encode(m); err != nil {
			return nil, fmt.Errorf("failed to encode monitor %s: %w", m.Name, err)
		}
		listNode.Content = append(listNode.Content, &node)
		existing[m.Name] = true
		added = append(added, m.Name)
	}

	if len(added) == 0 {
		return nil, nil
	}
	return added, writeNode(configPath, root)
}

func readNode(configPath string) (*yaml.Node, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &root, nil
}

func writeNode(configPath string, root *yaml.Node) error {
	var buf strings.Builder
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(root); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	encoder.Close()

	if err := os.WriteFile(configPath, []byte(buf.String()), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func documentMapping(root *yaml.Node) (*yaml.Node, error) {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("invalid YAML document structure")
	}
	docNode := root.Content[0]
	if docNode.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected mapping at document root")
	}
	return docNode, nil
}

func findMonitorNode(root *yaml.Node, name string) (*yaml.Node, error) {
	docNode, err := documentMapping(root)
	if err != nil {
		return nil, err
	}

	monitorsNode := findMapValue(docNode, "monitors")
	if monitorsNode == nil || monitorsNode.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("'monitors' list not found in config")
	}

	for _, item := range monitorsNode.Content {
		if n := findMapValue(item, "name"); n != nil && n.Value == name {
			return item, nil
		}
	}
	return nil, fmt.Errorf("monitor '%s' not found in config", name)
}

// findMapValue finds a value in a mapping node by key name.
func findMapValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]

		if keyNode.Kind == yaml.ScalarNode && keyNode.Value == key {
			return valueNode
		}
	}

	return nil
}

func setMapScalar(node *yaml.Node, key, value, tag string) {
	if v := findMapValue(node, key); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = tag
		v.Value = value
		v.Content = nil
		return
	}
	node.Content = append(node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value})
}

func deleteMapKey(node *yaml.Node, key string) {
	for i := 0; i < len(node.Content)-1; i += 2 {
		if node.Content[i].Kind == yaml.ScalarNode && node.Content[i].Value == key {
			node.Content = append(node.Content[:i], node.Content[i+2:]...)
			return
		}
	}
}
