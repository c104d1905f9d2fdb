package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document formats accepted by Parse
const (
	DocumentJSON = "json"
	DocumentYAML = "yaml"
)

// FormatFromPath infers a document format from a file extension.
// Anything that is not .yaml or .yml is treated as JSON.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DocumentYAML
	default:
		return DocumentJSON
	}
}

// Parse decodes a graph document in the given format
func Parse(data []byte, format string) (*Graph, error) {
	var g Graph
	switch format {
	case DocumentYAML:
		if err := yaml.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("failed to parse graph YAML: %w", err)
		}
	case DocumentJSON, "":
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("failed to parse graph JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported graph format %q", format)
	}
	return &g, nil
}

// Load reads and decodes a graph document from disk
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file %s: %w", path, err)
	}
	g, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}
