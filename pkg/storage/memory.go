package storage

import (
	"sync"
	"time"
)

// MemoryEngine is an in-process Engine backed by maps. It is the engine
// of choice for tests and for ephemeral servers that do not need
// durability. Safe for concurrent use.
type MemoryEngine struct {
	mu       sync.RWMutex
	nodes    map[NodeID]*Node
	edges    map[EdgeID]*Edge
	position uint64
	closed   bool
}

// NewMemoryEngine creates an empty in-memory storage engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes: make(map[NodeID]*Node),
		edges: make(map[EdgeID]*Edge),
	}
}

func (e *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrStorageClosed
	}
	node, ok := e.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNode(node), nil
}

func (e *MemoryEngine) PutNode(node *Node) error {
	if node.ID == "" {
		return ErrInvalidID
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStorageClosed
	}
	stored := cloneNode(node)
	stored.UpdatedAt = time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	e.nodes[node.ID] = stored
	return nil
}

func (e *MemoryEngine) DeleteNode(id NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStorageClosed
	}
	if _, ok := e.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(e.nodes, id)
	return nil
}

func (e *MemoryEngine) NodesByLabel(label string) ([]*Node, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrStorageClosed
	}
	var result []*Node
	for _, node := range e.nodes {
		if node.HasLabel(label) {
			result = append(result, cloneNode(node))
		}
	}
	return result, nil
}

func (e *MemoryEngine) AllNodes() ([]*Node, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrStorageClosed
	}
	result := make([]*Node, 0, len(e.nodes))
	for _, node := range e.nodes {
		result = append(result, cloneNode(node))
	}
	return result, nil
}

func (e *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrStorageClosed
	}
	edge, ok := e.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEdge(edge), nil
}

func (e *MemoryEngine) PutEdge(edge *Edge) error {
	if edge.ID == "" {
		return ErrInvalidID
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStorageClosed
	}
	stored := cloneEdge(edge)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	e.edges[edge.ID] = stored
	return nil
}

func (e *MemoryEngine) DeleteEdge(id EdgeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStorageClosed
	}
	if _, ok := e.edges[id]; !ok {
		return ErrNotFound
	}
	delete(e.edges, id)
	return nil
}

func (e *MemoryEngine) CommitPosition() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrStorageClosed
	}
	return e.position, nil
}

func (e *MemoryEngine) AdvanceCommitPosition() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrStorageClosed
	}
	e.position++
	return e.position, nil
}

func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// cloneNode copies a node so callers cannot mutate stored state.
func cloneNode(n *Node) *Node {
	c := *n
	c.Labels = append([]string(nil), n.Labels...)
	c.Properties = cloneProperties(n.Properties)
	return &c
}

func cloneEdge(e *Edge) *Edge {
	c := *e
	c.Properties = cloneProperties(e.Properties)
	return &c
}

func cloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	c := make(map[string]any, len(props))
	for k, v := range props {
		c[k] = v
	}
	return c
}
