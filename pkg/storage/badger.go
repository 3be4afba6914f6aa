package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization. Single-byte prefixes
// keep keys compact and give cheap prefix scans per record kind.
const (
	prefixNode = byte(0x01) // 0x01 + nodeID -> JSON(Node)
	prefixEdge = byte(0x02) // 0x02 + edgeID -> JSON(Edge)
	prefixMeta = byte(0x10) // 0x10 + name   -> metadata value
)

// commitPositionKey stores the engine's commit position as a big-endian
// uint64 under the meta prefix.
var commitPositionKey = append([]byte{prefixMeta}, []byte("commit_position")...)

// BadgerEngine provides persistent storage using BadgerDB.
//
// All reads and writes run inside Badger transactions, so concurrent
// access from multiple goroutines is safe. The commit position is stored
// in the database itself and therefore survives restarts, which keeps
// bookmarks monotonic across server lifetimes.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/skalddb")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db *badger.DB

	// posMu serializes read-modify-write of the commit position.
	posMu  sync.Mutex
	closed bool
	mu     sync.RWMutex // protects closed
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB without touching disk. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but durable.
	SyncWrites bool
}

// NewBadgerEngine opens a persistent engine with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions opens an engine with explicit options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	badgerOpts.InMemory = opts.InMemory
	badgerOpts.SyncWrites = opts.SyncWrites
	badgerOpts.Logger = nil // Badger's default logger is noisy at INFO

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", opts.DataDir, err)
	}
	return &BadgerEngine{db: db}, nil
}

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, id...)
}

func (e *BadgerEngine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrStorageClosed
	}
	return nil
}

func (e *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var node Node
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read node %s: %w", id, err)
	}
	return &node, nil
}

func (e *BadgerEngine) PutNode(node *Node) error {
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := e.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to serialize node %s: %w", node.ID, err)
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(node.ID), data)
	})
}

func (e *BadgerEngine) DeleteNode(id NodeID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return txn.Delete(nodeKey(id))
	})
}

func (e *BadgerEngine) NodesByLabel(label string) ([]*Node, error) {
	nodes, err := e.AllNodes()
	if err != nil {
		return nil, err
	}
	var result []*Node
	for _, node := range nodes {
		if node.HasLabel(label) {
			result = append(result, node)
		}
	}
	return result, nil
}

func (e *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var result []*Node
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNode}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var node Node
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &node)
			})
			if err != nil {
				return err
			}
			result = append(result, &node)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan nodes: %w", err)
	}
	return result, nil
}

func (e *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var edge Edge
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &edge)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read edge %s: %w", id, err)
	}
	return &edge, nil
}

func (e *BadgerEngine) PutEdge(edge *Edge) error {
	if edge.ID == "" {
		return ErrInvalidID
	}
	if err := e.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("failed to serialize edge %s: %w", edge.ID, err)
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(edgeKey(edge.ID), data)
	})
}

func (e *BadgerEngine) DeleteEdge(id EdgeID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(edgeKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return txn.Delete(edgeKey(id))
	})
}

func (e *BadgerEngine) CommitPosition() (uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	var pos uint64
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(commitPositionKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // fresh database, position 0
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt commit position: %d bytes", len(val))
			}
			pos = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read commit position: %w", err)
	}
	return pos, nil
}

func (e *BadgerEngine) AdvanceCommitPosition() (uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	e.posMu.Lock()
	defer e.posMu.Unlock()

	pos, err := e.CommitPosition()
	if err != nil {
		return 0, err
	}
	pos++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], pos)
	err = e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(commitPositionKey, buf[:])
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance commit position: %w", err)
	}
	return pos, nil
}

func (e *BadgerEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.db.Close()
}
