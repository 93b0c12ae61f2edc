package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/fleet/internal/model"
)

// DefaultCellHeights is used for robots that do not list their cells.
var DefaultCellHeights = []float64{0.5, 1.0, 1.5}

// Fleet is the static fleet file.
type Fleet struct {
	Robots []RobotSpec `yaml:"robots"`
	Graph  *GraphSeed  `yaml:"graph,omitempty"`
}

// RobotSpec describes one robot and how to reach its agent.
type RobotSpec struct {
	Name        string    `yaml:"name"`
	Address     string    `yaml:"address"`
	CellHeights []float64 `yaml:"cell_heights,omitempty"`
	InitialNode *int64    `yaml:"initial_node,omitempty"`
}

// GraphSeed is an optional warehouse map loaded into the SQLite route
// backend at startup.
type GraphSeed struct {
	Nodes []NodeSeed `yaml:"nodes"`
	Edges []EdgeSeed `yaml:"edges"`
}

// NodeSeed is one map location.
type NodeSeed struct {
	ID     int64   `yaml:"id"`
	Alias  string  `yaml:"alias,omitempty"`
	TagID  string  `yaml:"tag_id,omitempty"`
	X      float64 `yaml:"x"`
	Y      float64 `yaml:"y"`
	Height float64 `yaml:"height,omitempty"`
	Type   string  `yaml:"type"`
}

// EdgeSeed is one connection. Bidirectional edges are stored both ways.
type EdgeSeed struct {
	From          int64   `yaml:"from"`
	To            int64   `yaml:"to"`
	Cost          float64 `yaml:"cost"`
	Bidirectional bool    `yaml:"bidirectional,omitempty"`
}

// Node converts the seed into a model node.
func (n NodeSeed) Node() (model.Node, error) {
	typ, err := model.ParseNodeType(strings.ToLower(n.Type))
	if err != nil {
		return model.Node{}, err
	}
	node := model.Node{ID: n.ID, X: n.X, Y: n.Y, Height: n.Height, Type: typ}
	if n.Alias != "" {
		alias := n.Alias
		node.Alias = &alias
	}
	if n.TagID != "" {
		tag := n.TagID
		node.TagID = &tag
	}
	return node, nil
}

// LoadFleet reads and validates the fleet file at path.
func LoadFleet(path string) (Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fleet{}, fmt.Errorf("config: read fleet file: %w", err)
	}
	return ParseFleet(data)
}

// ParseFleet decodes and validates a fleet file. Unknown keys are rejected.
func ParseFleet(data []byte) (Fleet, error) {
	var f Fleet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Fleet{}, fmt.Errorf("config: parse fleet file: %w", err)
	}
	for i := range f.Robots {
		if len(f.Robots[i].CellHeights) == 0 {
			f.Robots[i].CellHeights = append([]float64(nil), DefaultCellHeights...)
		}
	}
	if err := f.Validate(); err != nil {
		return Fleet{}, err
	}
	return f, nil
}

// Validate checks robot names are present and unique and that cell
// heights and the graph seed are sane.
func (f Fleet) Validate() error {
	var errs []error
	if len(f.Robots) == 0 {
		errs = append(errs, errors.New("robots must not be empty"))
	}
	seen := make(map[string]bool, len(f.Robots))
	for i, r := range f.Robots {
		switch {
		case r.Name == "":
			errs = append(errs, fmt.Errorf("robots[%d]: name is required", i))
		case seen[r.Name]:
			errs = append(errs, fmt.Errorf("robots[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
		if r.Address == "" {
			errs = append(errs, fmt.Errorf("robots[%d]: address is required", i))
		}
		for j, h := range r.CellHeights {
			if h < 0 {
				errs = append(errs, fmt.Errorf("robots[%d].cell_heights[%d]: must not be negative", i, j))
			}
		}
	}
	if f.Graph != nil {
		ids := make(map[int64]bool, len(f.Graph.Nodes))
		for i, n := range f.Graph.Nodes {
			if _, err := n.Node(); err != nil {
				errs = append(errs, fmt.Errorf("graph.nodes[%d]: %w", i, err))
			}
			if ids[n.ID] {
				errs = append(errs, fmt.Errorf("graph.nodes[%d]: duplicate id %d", i, n.ID))
			}
			ids[n.ID] = true
		}
		for i, e := range f.Graph.Edges {
			if !ids[e.From] || !ids[e.To] {
				errs = append(errs, fmt.Errorf("graph.edges[%d]: unknown endpoint", i))
			}
			if e.Cost < 0 {
				errs = append(errs, fmt.Errorf("graph.edges[%d]: cost must not be negative", i))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid fleet file: %w", errors.Join(errs...))
	}
	return nil
}
