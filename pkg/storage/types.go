// Package storage provides the storage engine interface and
// implementations for SkaldDB.
//
// Two engines are provided:
//   - MemoryEngine: in-process maps, for tests and ephemeral servers
//   - BadgerEngine: persistent disk storage on BadgerDB
//
// Both engines expose the same labeled-property-graph model (nodes with
// labels and properties, typed edges) plus a persisted commit position.
// The commit position is a monotonically increasing counter advanced by
// every committed write transaction; it is the value bookmarks encode, so
// it must survive restarts on persistent engines.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/skalddb")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	tx := storage.NewTransaction(engine)
//	tx.CreateNode(&storage.Node{
//		ID:         "user-1",
//		Labels:     []string{"User"},
//		Properties: map[string]any{"name": "Alice"},
//	})
//	pos, err := tx.Commit()
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidID         = errors.New("invalid id")
	ErrStorageClosed     = errors.New("storage closed")
	ErrTransactionClosed = errors.New("transaction already closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges.
type EdgeID string

// Node represents a graph node (vertex) in the labeled property graph.
//
// Nodes follow the Neo4j data model:
//   - ID: unique identifier across all nodes
//   - Labels: type tags like ["Person", "User"]
//   - Properties: key-value data (JSON-serializable types)
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Edge represents a directed, typed relationship between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"start_node"`
	EndNode    NodeID         `json:"end_node"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Engine is the storage engine interface shared by the memory and Badger
// implementations. All methods are safe for concurrent use.
type Engine interface {
	GetNode(id NodeID) (*Node, error)
	PutNode(node *Node) error
	DeleteNode(id NodeID) error
	NodesByLabel(label string) ([]*Node, error)
	AllNodes() ([]*Node, error)

	GetEdge(id EdgeID) (*Edge, error)
	PutEdge(edge *Edge) error
	DeleteEdge(id EdgeID) error

	// CommitPosition returns the position of the last committed write
	// transaction. Fresh databases start at 0.
	CommitPosition() (uint64, error)

	// AdvanceCommitPosition atomically increments and returns the commit
	// position. Called once per committed write transaction.
	AdvanceCommitPosition() (uint64, error)

	Close() error
}
