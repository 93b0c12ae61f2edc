package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/fleet/internal/model"
)

const sampleFleet = `
robots:
  - name: R1
    address: 10.0.0.11:7400
    cell_heights: [0.4, 0.9]
    initial_node: 1
  - name: R2
    address: 10.0.0.12:7400
graph:
  nodes:
    - {id: 1, x: 0, y: 0, type: depot, alias: dock}
    - {id: 2, x: 1, y: 0, type: waypoint}
    - {id: 3, x: 2, y: 0, height: 1.2, type: shelf}
  edges:
    - {from: 1, to: 2, cost: 1, bidirectional: true}
    - {from: 2, to: 3, cost: 1}
`

func TestParseFleet(t *testing.T) {
	f, err := ParseFleet([]byte(sampleFleet))
	require.NoError(t, err)
	require.Len(t, f.Robots, 2)

	assert.Equal(t, "R1", f.Robots[0].Name)
	assert.Equal(t, []float64{0.4, 0.9}, f.Robots[0].CellHeights)
	require.NotNil(t, f.Robots[0].InitialNode)
	assert.Equal(t, int64(1), *f.Robots[0].InitialNode)

	assert.Equal(t, DefaultCellHeights, f.Robots[1].CellHeights)
	assert.Nil(t, f.Robots[1].InitialNode)

	require.NotNil(t, f.Graph)
	assert.Len(t, f.Graph.Nodes, 3)
	assert.True(t, f.Graph.Edges[0].Bidirectional)

	n, err := f.Graph.Nodes[0].Node()
	require.NoError(t, err)
	assert.Equal(t, model.NodeDepot, n.Type)
	require.NotNil(t, n.Alias)
	assert.Equal(t, "dock", *n.Alias)
}

func TestParseFleet_DefaultHeightsAreNotShared(t *testing.T) {
	f, err := ParseFleet([]byte("robots:\n  - {name: A, address: a:1}\n  - {name: B, address: b:1}\n"))
	require.NoError(t, err)
	f.Robots[0].CellHeights[0] = 9
	assert.Equal(t, 0.5, f.Robots[1].CellHeights[0])
	assert.Equal(t, 0.5, DefaultCellHeights[0])
}

func TestParseFleet_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":          "robots: []\n",
		"duplicate":      "robots:\n  - {name: A, address: a:1}\n  - {name: A, address: b:1}\n",
		"missing name":   "robots:\n  - {address: a:1}\n",
		"missing addr":   "robots:\n  - {name: A}\n",
		"negative cell":  "robots:\n  - {name: A, address: a:1, cell_heights: [-1]}\n",
		"unknown field":  "robots:\n  - {name: A, address: a:1, colour: red}\n",
		"bad node type":  "robots:\n  - {name: A, address: a:1}\ngraph:\n  nodes:\n    - {id: 1, x: 0, y: 0, type: lift}\n",
		"dangling edge":  "robots:\n  - {name: A, address: a:1}\ngraph:\n  nodes:\n    - {id: 1, x: 0, y: 0, type: depot}\n  edges:\n    - {from: 1, to: 2, cost: 1}\n",
		"negative cost":  "robots:\n  - {name: A, address: a:1}\ngraph:\n  nodes:\n    - {id: 1, x: 0, y: 0, type: depot}\n  edges:\n    - {from: 1, to: 1, cost: -2}\n",
		"garbage":        "robots: {{",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFleet([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFleet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFleet), 0o600))
	f, err := LoadFleet(path)
	require.NoError(t, err)
	assert.Len(t, f.Robots, 2)

	_, err = LoadFleet(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
