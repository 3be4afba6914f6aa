// Transaction support for atomic multi-statement writes.
//
// A Transaction buffers all writes and applies them to the engine on
// Commit. Reads see the transaction's own pending writes first
// (read-your-writes) and fall through to the engine for everything else.
// Rollback discards the buffer without touching the engine.

package storage

import (
	"fmt"
	"sync"
)

// Transaction is an atomic unit of buffered graph writes.
//
// Not safe for concurrent use; the session layer guarantees one operation
// at a time per transaction. The mutex only guards against Commit and
// Rollback racing a late operation during connection teardown.
type Transaction struct {
	mu     sync.Mutex
	engine Engine
	closed bool
	wrote  bool

	pendingNodes map[NodeID]*Node
	deletedNodes map[NodeID]struct{}
	pendingEdges map[EdgeID]*Edge
	deletedEdges map[EdgeID]struct{}
}

// NewTransaction creates a transaction bound to a storage engine.
func NewTransaction(engine Engine) *Transaction {
	return &Transaction{
		engine:       engine,
		pendingNodes: make(map[NodeID]*Node),
		deletedNodes: make(map[NodeID]struct{}),
		pendingEdges: make(map[EdgeID]*Edge),
		deletedEdges: make(map[EdgeID]struct{}),
	}
}

// Wrote reports whether the transaction buffered any writes. Read-only
// transactions do not advance the commit position.
func (tx *Transaction) Wrote() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.wrote
}

// GetNode returns the transaction's view of a node: pending writes first,
// then the engine.
func (tx *Transaction) GetNode(id NodeID) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrTransactionClosed
	}
	if _, deleted := tx.deletedNodes[id]; deleted {
		return nil, ErrNotFound
	}
	if node, ok := tx.pendingNodes[id]; ok {
		return cloneNode(node), nil
	}
	return tx.engine.GetNode(id)
}

// SetNode buffers a node create or update.
func (tx *Transaction) SetNode(node *Node) error {
	if node.ID == "" {
		return ErrInvalidID
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}
	delete(tx.deletedNodes, node.ID)
	tx.pendingNodes[node.ID] = cloneNode(node)
	tx.wrote = true
	return nil
}

// DeleteNode buffers a node deletion.
func (tx *Transaction) DeleteNode(id NodeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}
	delete(tx.pendingNodes, id)
	tx.deletedNodes[id] = struct{}{}
	tx.wrote = true
	return nil
}

// NodesByLabel merges pending and stored nodes carrying the label.
func (tx *Transaction) NodesByLabel(label string) ([]*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrTransactionClosed
	}
	stored, err := tx.engine.NodesByLabel(label)
	if err != nil {
		return nil, err
	}
	var result []*Node
	for _, node := range stored {
		if _, deleted := tx.deletedNodes[node.ID]; deleted {
			continue
		}
		if _, shadowed := tx.pendingNodes[node.ID]; shadowed {
			continue
		}
		result = append(result, node)
	}
	for _, node := range tx.pendingNodes {
		if node.HasLabel(label) {
			result = append(result, cloneNode(node))
		}
	}
	return result, nil
}

// SetEdge buffers an edge create or update.
func (tx *Transaction) SetEdge(edge *Edge) error {
	if edge.ID == "" {
		return ErrInvalidID
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}
	delete(tx.deletedEdges, edge.ID)
	tx.pendingEdges[edge.ID] = cloneEdge(edge)
	tx.wrote = true
	return nil
}

// DeleteEdge buffers an edge deletion.
func (tx *Transaction) DeleteEdge(id EdgeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}
	delete(tx.pendingEdges, id)
	tx.deletedEdges[id] = struct{}{}
	tx.wrote = true
	return nil
}

// Commit applies all buffered writes to the engine and advances the
// commit position when anything was written. Returns the commit position
// the transaction landed at (unchanged for read-only transactions).
//
// The transaction is closed whether or not commit succeeded.
func (tx *Transaction) Commit() (uint64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return 0, ErrTransactionClosed
	}
	tx.closed = true

	if !tx.wrote {
		return tx.engine.CommitPosition()
	}

	for id, node := range tx.pendingNodes {
		if err := tx.engine.PutNode(node); err != nil {
			return 0, fmt.Errorf("failed to apply node %s: %w", id, err)
		}
	}
	for id := range tx.deletedNodes {
		if err := tx.engine.DeleteNode(id); err != nil && err != ErrNotFound {
			return 0, fmt.Errorf("failed to delete node %s: %w", id, err)
		}
	}
	for id, edge := range tx.pendingEdges {
		if err := tx.engine.PutEdge(edge); err != nil {
			return 0, fmt.Errorf("failed to apply edge %s: %w", id, err)
		}
	}
	for id := range tx.deletedEdges {
		if err := tx.engine.DeleteEdge(id); err != nil && err != ErrNotFound {
			return 0, fmt.Errorf("failed to delete edge %s: %w", id, err)
		}
	}

	return tx.engine.AdvanceCommitPosition()
}

// Rollback discards all buffered writes. Always succeeds on an open
// transaction; the engine is never touched.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}
	tx.closed = true
	tx.pendingNodes = nil
	tx.deletedNodes = nil
	tx.pendingEdges = nil
	tx.deletedEdges = nil
	return nil
}
