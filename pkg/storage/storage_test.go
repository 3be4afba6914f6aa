package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engines returns one of each engine kind for shared test coverage.
func engines(t *testing.T) map[string]Engine {
	t.Helper()
	badgerEngine, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { badgerEngine.Close() })
	return map[string]Engine{
		"memory": NewMemoryEngine(),
		"badger": badgerEngine,
	}
}

func TestEngineNodeRoundTrip(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			node := &Node{
				ID:         "user-1",
				Labels:     []string{"User", "Person"},
				Properties: map[string]any{"name": "Alice"},
			}
			require.NoError(t, engine.PutNode(node))

			got, err := engine.GetNode("user-1")
			require.NoError(t, err)
			assert.Equal(t, NodeID("user-1"), got.ID)
			assert.Equal(t, "Alice", got.Properties["name"])
			assert.True(t, got.HasLabel("Person"))

			_, err = engine.GetNode("nope")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, engine.DeleteNode("user-1"))
			_, err = engine.GetNode("user-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEngineNodesByLabel(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, engine.PutNode(&Node{ID: "a", Labels: []string{"User"}}))
			require.NoError(t, engine.PutNode(&Node{ID: "b", Labels: []string{"User", "Admin"}}))
			require.NoError(t, engine.PutNode(&Node{ID: "c", Labels: []string{"Document"}}))

			users, err := engine.NodesByLabel("User")
			require.NoError(t, err)
			assert.Len(t, users, 2)

			all, err := engine.AllNodes()
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestEngineCommitPosition(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			pos, err := engine.CommitPosition()
			require.NoError(t, err)
			assert.Equal(t, uint64(0), pos, "fresh database starts at position 0")

			pos, err = engine.AdvanceCommitPosition()
			require.NoError(t, err)
			assert.Equal(t, uint64(1), pos)

			pos, err = engine.AdvanceCommitPosition()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), pos)

			pos, err = engine.CommitPosition()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), pos)
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	require.NoError(t, engine.PutNode(&Node{ID: "n1", Labels: []string{"Keep"}}))
	_, err = engine.AdvanceCommitPosition()
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	reopened, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	defer reopened.Close()

	node, err := reopened.GetNode("n1")
	require.NoError(t, err)
	assert.True(t, node.HasLabel("Keep"))

	pos, err := reopened.CommitPosition()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos, "commit position survives restart")
}

func TestEngineClosedErrors(t *testing.T) {
	engine := NewMemoryEngine()
	require.NoError(t, engine.Close())

	_, err := engine.GetNode("x")
	assert.ErrorIs(t, err, ErrStorageClosed)
	assert.ErrorIs(t, engine.PutNode(&Node{ID: "x"}), ErrStorageClosed)
}
