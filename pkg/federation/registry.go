package federation

import (
	"fmt"
	"os"

	"github.com/leadforge/leadforge/pkg/types"
	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk shape of the node registry YAML.
type registryFile struct {
	Nodes []types.Node `yaml:"nodes"`
}

// LoadRegistry reads the node registry YAML at path into a StaticRegistry,
// keyed by node_id.
func LoadRegistry(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &StaticRegistry{Nodes: map[string]types.Node{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read node registry %s: %w", path, err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse node registry %s: %w", path, err)
	}

	reg := &StaticRegistry{Nodes: make(map[string]types.Node, len(f.Nodes))}
	for _, n := range f.Nodes {
		reg.Nodes[n.NodeID] = n
	}
	return reg, nil
}
