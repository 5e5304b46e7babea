// Package graph defines the serialized pipeline graph descriptor and
// validates it into an executable plan. The descriptor is produced by
// an external editor or written by hand; the engine has no dependency
// on how it was authored.
package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/visionflow/visionflow/internal/model"
	verrors "github.com/visionflow/visionflow/pkg/errors"
)

// NodeDescriptor declares one node instance in the graph. It is
// immutable after validation except for fields the adaptive resource
// controller tunes through the shared ResourceProfile.
type NodeDescriptor struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// EdgeDescriptor declares one directed edge. Edges are the only
// inter-node communication path.
type EdgeDescriptor struct {
	From     string            `yaml:"from" json:"from"`
	FromPort string            `yaml:"from_port" json:"from_port"`
	To       string            `yaml:"to" json:"to"`
	ToPort   string            `yaml:"to_port" json:"to_port"`
	Payload  model.PayloadKind `yaml:"payload" json:"payload"`
}

// ID returns the canonical edge identifier used in errors and metrics.
func (e EdgeDescriptor) ID() string {
	return fmt.Sprintf("%s.%s->%s.%s", e.From, e.FromPort, e.To, e.ToPort)
}

// Descriptor is the full serialized graph consumed at load time.
type Descriptor struct {
	Name  string           `yaml:"name" json:"name"`
	Nodes []NodeDescriptor `yaml:"nodes" json:"nodes"`
	Edges []EdgeDescriptor `yaml:"edges" json:"edges"`
}

// LoadFile reads a graph descriptor from a .yaml/.yml or .json file.
// JSON descriptors are additionally checked against the embedded JSON
// Schema before structural validation.
func LoadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeDescriptorSyntax, "read graph descriptor").
			WithContext("path", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(data)
	case ".yaml", ".yml":
		return LoadYAML(data)
	default:
		return nil, verrors.New(verrors.CodeDescriptorSyntax, "unsupported descriptor format").
			WithContext("path", path)
	}
}

// LoadYAML parses a YAML graph descriptor.
func LoadYAML(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, verrors.Wrap(err, verrors.CodeDescriptorSyntax, "parse yaml descriptor")
	}
	return &d, nil
}

// LoadJSON parses a JSON graph descriptor, schema-checking it first.
func LoadJSON(data []byte) (*Descriptor, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, verrors.Wrap(err, verrors.CodeDescriptorSyntax, "parse json descriptor")
	}
	return &d, nil
}
