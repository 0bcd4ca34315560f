package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyGraphAddDependency(t *testing.T) {
	tests := []struct {
		name    string
		edges   [][2]string
		add     [2]string
		wantErr bool
	}{
		{
			name:  "simple edge",
			add:   [2]string{"B", "A"},
			edges: nil,
		},
		{
			name:    "self loop",
			add:     [2]string{"A", "A"},
			wantErr: true,
		},
		{
			name:    "direct cycle",
			edges:   [][2]string{{"B", "A"}},
			add:     [2]string{"A", "B"},
			wantErr: true,
		},
		{
			name:    "transitive cycle",
			edges:   [][2]string{{"B", "A"}, {"C", "B"}},
			add:     [2]string{"A", "C"},
			wantErr: true,
		},
		{
			name:  "diamond is fine",
			edges: [][2]string{{"B", "A"}, {"C", "A"}, {"D", "B"}},
			add:   [2]string{"D", "C"},
		},
		{
			name:  "duplicate edge is a no-op",
			edges: [][2]string{{"B", "A"}},
			add:   [2]string{"B", "A"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewDependencyGraph()
			for _, e := range tt.edges {
				require.NoError(t, g.AddDependency(e[0], e[1]))
			}
			before := g.EdgeCount()

			err := g.AddDependency(tt.add[0], tt.add[1])
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrCycle))
				assert.Equal(t, before, g.EdgeCount(), "rejected edge must not mutate the graph")
				assert.NotContains(t, g.Dependencies(tt.add[0]), tt.add[1])
				return
			}
			require.NoError(t, err)
			assert.Contains(t, g.Dependencies(tt.add[0]), tt.add[1])
			assert.Contains(t, g.Dependents(tt.add[1]), tt.add[0])
		})
	}
}

func TestDependencyGraphRejectedCycleLeavesGraphUnchanged(t *testing.T) {
	g := NewDependencyGraph()
	require.NoError(t, g.AddDependency("B", "A"))
	require.NoError(t, g.AddDependency("C", "B"))

	orderBefore, err := g.Order()
	require.NoError(t, err)

	require.ErrorIs(t, g.AddDependency("A", "C"), ErrCycle)

	orderAfter, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, orderBefore, orderAfter)
	assert.Empty(t, g.Dependencies("A"))
	assert.Empty(t, g.Dependents("C"))
}

func TestDependencyGraphAreDependenciesMet(t *testing.T) {
	g := NewDependencyGraph()
	require.NoError(t, g.AddDependency("C", "A"))
	require.NoError(t, g.AddDependency("C", "B"))
	g.AddNode("D")

	assert.False(t, g.AreDependenciesMet("C", map[string]bool{}))
	assert.False(t, g.AreDependenciesMet("C", map[string]bool{"A": true}))
	assert.True(t, g.AreDependenciesMet("C", map[string]bool{"A": true, "B": true}))
	assert.True(t, g.AreDependenciesMet("D", nil), "task without dependencies is always ready")
}

func TestDependencyGraphOrder(t *testing.T) {
	g := NewDependencyGraph()
	require.NoError(t, g.AddDependency("api", "auth"))
	require.NoError(t, g.AddDependency("api", "db"))
	require.NoError(t, g.AddDependency("deploy", "api"))
	g.AddNode("docs")

	order, err := g.Order()
	require.NoError(t, err)
	require.Len(t, order, 5)

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["auth"], pos["api"])
	assert.Less(t, pos["db"], pos["api"])
	assert.Less(t, pos["api"], pos["deploy"])
	assert.Contains(t, pos, "docs")
}
