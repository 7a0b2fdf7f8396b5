// Package worldstate keeps the sequencer's Merkle trees in leveldb
package worldstate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// TreeID identifies one of the world state trees
type TreeID uint8

const (
	DataTree TreeID = iota
	NullifierTree
	RootTree
	DefiTree
)

func (t TreeID) String() string {
	switch t {
	case DataTree:
		return "data"
	case NullifierTree:
		return "nullifier"
	case RootTree:
		return "root"
	case DefiTree:
		return "defi"
	default:
		return fmt.Sprintf("tree(%d)", uint8(t))
	}
}

// Depth returns the number of levels between the leaves and the root
func (t TreeID) Depth() int {
	switch t {
	case DataTree:
		return 32
	case NullifierTree:
		return 256
	case RootTree:
		return 28
	case DefiTree:
		return 30
	default:
		return 0
	}
}

var ErrUnknownTree = errors.New("unknown tree")

const (
	prefixNode  = 'n'
	prefixValue = 'v'
	prefixSize  = 's'
	prefixLeaf  = 'l'
)

type journalEntry struct {
	key     string
	prev    []byte
	existed bool
}

// WorldStateDb is a set of sparse Merkle trees. Writes go to an in-memory
// overlay until Commit; Rollback drops the overlay.
type WorldStateDb struct {
	mu      sync.RWMutex
	db      *leveldb.DB
	dirty   map[string][]byte
	journal []journalEntry
	zero    map[TreeID][]common.Hash
}

// NewWorldStateDb opens or creates the trees at path
func NewWorldStateDb(path string) (*WorldStateDb, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open world state: %w", err)
	}
	return newWorldStateDb(db), nil
}

// NewMemWorldStateDb returns trees backed by memory only
func NewMemWorldStateDb() (*WorldStateDb, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory world state: %w", err)
	}
	return newWorldStateDb(db), nil
}

func newWorldStateDb(db *leveldb.DB) *WorldStateDb {
	w := &WorldStateDb{
		db:    db,
		dirty: make(map[string][]byte),
		zero:  make(map[TreeID][]common.Hash),
	}
	for _, id := range []TreeID{DataTree, NullifierTree, RootTree, DefiTree} {
		hashes := make([]common.Hash, id.Depth()+1)
		for l := 1; l <= id.Depth(); l++ {
			hashes[l] = hashPair(hashes[l-1], hashes[l-1])
		}
		w.zero[id] = hashes
	}
	return w
}

// Close releases the underlying database
func (w *WorldStateDb) Close() error {
	return w.db.Close()
}

// GetRoot returns the current root of the tree, including uncommitted writes
func (w *WorldStateDb) GetRoot(tree TreeID) (common.Hash, error) {
	if tree.Depth() == 0 {
		return common.Hash{}, ErrUnknownTree
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.node(tree, tree.Depth(), new(uint256.Int))
}

// GetSize returns the next free index for append trees and the leaf count for the nullifier tree
func (w *WorldStateDb) GetSize(tree TreeID) (uint64, error) {
	if tree.Depth() == 0 {
		return 0, ErrUnknownTree
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size(tree)
}

// GetHashPath returns the sibling hashes from the leaf level up to just below the root
func (w *WorldStateDb) GetHashPath(tree TreeID, index *uint256.Int) ([]common.Hash, error) {
	if tree.Depth() == 0 {
		return nil, ErrUnknownTree
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	path := make([]common.Hash, tree.Depth())
	idx := new(uint256.Int).Set(index)
	sibling := new(uint256.Int)
	for l := 0; l < tree.Depth(); l++ {
		sibling.Xor(idx, uint256.NewInt(1))
		h, err := w.node(tree, l, sibling)
		if err != nil {
			return nil, err
		}
		path[l] = h
		idx.Rsh(idx, 1)
	}
	return path, nil
}

// Get returns the leaf value at index, or nil if the leaf is empty
func (w *WorldStateDb) Get(tree TreeID, index *uint256.Int) ([]byte, error) {
	if tree.Depth() == 0 {
		return nil, ErrUnknownTree
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.read(valueKey(tree, index))
}

// Put writes value at index and updates the path to the root
func (w *WorldStateDb) Put(tree TreeID, index *uint256.Int, value []byte) (common.Hash, error) {
	depth := tree.Depth()
	if depth == 0 {
		return common.Hash{}, ErrUnknownTree
	}
	if depth < 256 && index.BitLen() > depth {
		return common.Hash{}, fmt.Errorf("index %s out of range for %s tree", index.Dec(), tree)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	prev, err := w.read(valueKey(tree, index))
	if err != nil {
		return common.Hash{}, err
	}
	w.write(valueKey(tree, index), common.CopyBytes(value))
	if tree != NullifierTree && !isEmpty(value) {
		idx := index.Bytes32()
		w.write(leafKey(tree, value), idx[:])
	}

	size, err := w.size(tree)
	if err != nil {
		return common.Hash{}, err
	}
	if tree == NullifierTree {
		if isEmpty(prev) && !isEmpty(value) {
			w.writeSize(tree, size+1)
		}
	} else if next := index.Uint64() + 1; next > size {
		w.writeSize(tree, next)
	}

	h := leafHash(value)
	idx := new(uint256.Int).Set(index)
	sibling := new(uint256.Int)
	for l := 0; l < depth; l++ {
		w.write(nodeKey(tree, l, idx), h.Bytes())
		sibling.Xor(idx, uint256.NewInt(1))
		sh, err := w.node(tree, l, sibling)
		if err != nil {
			return common.Hash{}, err
		}
		if idx.Uint64()&1 == 0 {
			h = hashPair(h, sh)
		} else {
			h = hashPair(sh, h)
		}
		idx.Rsh(idx, 1)
	}
	w.write(nodeKey(tree, depth, idx), h.Bytes())
	return h, nil
}

// HasLeaf reports whether value has been written to some leaf of the tree.
// The nullifier tree is keyed by value, so there it is a plain lookup.
func (w *WorldStateDb) HasLeaf(tree TreeID, value []byte) (bool, error) {
	if tree.Depth() == 0 {
		return false, ErrUnknownTree
	}
	if isEmpty(value) {
		return false, nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	key := leafKey(tree, value)
	if tree == NullifierTree {
		key = valueKey(tree, new(uint256.Int).SetBytes(value))
	}
	v, err := w.read(key)
	if err != nil {
		return false, err
	}
	return len(v) > 0, nil
}

// Snapshot returns an id that RevertToSnapshot can roll the overlay back to
func (w *WorldStateDb) Snapshot() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.journal)
}

// RevertToSnapshot undoes every write made after the snapshot was taken
func (w *WorldStateDb) RevertToSnapshot(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id < 0 || id > len(w.journal) {
		return
	}
	for i := len(w.journal) - 1; i >= id; i-- {
		e := w.journal[i]
		if e.existed {
			w.dirty[e.key] = e.prev
		} else {
			delete(w.dirty, e.key)
		}
	}
	w.journal = w.journal[:id]
}

// Commit flushes the overlay to disk in one batch
func (w *WorldStateDb) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	batch := new(leveldb.Batch)
	for k, v := range w.dirty {
		batch.Put([]byte(k), v)
	}
	if err := w.db.Write(batch, nil); err != nil {
		return fmt.Errorf("commit world state: %w", err)
	}
	w.dirty = make(map[string][]byte)
	w.journal = nil
	return nil
}

// Rollback drops every uncommitted write
func (w *WorldStateDb) Rollback() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty = make(map[string][]byte)
	w.journal = nil
}

// Dirty reports whether uncommitted writes exist
func (w *WorldStateDb) Dirty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.dirty) > 0
}

func (w *WorldStateDb) read(key []byte) ([]byte, error) {
	if v, ok := w.dirty[string(key)]; ok {
		return v, nil
	}
	v, err := w.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (w *WorldStateDb) write(key []byte, value []byte) {
	k := string(key)
	prev, existed := w.dirty[k]
	w.journal = append(w.journal, journalEntry{key: k, prev: prev, existed: existed})
	w.dirty[k] = value
}

func (w *WorldStateDb) node(tree TreeID, level int, index *uint256.Int) (common.Hash, error) {
	v, err := w.read(nodeKey(tree, level, index))
	if err != nil {
		return common.Hash{}, err
	}
	if v == nil {
		return w.zero[tree][level], nil
	}
	return common.BytesToHash(v), nil
}

func (w *WorldStateDb) size(tree TreeID) (uint64, error) {
	v, err := w.read(sizeKey(tree))
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

func (w *WorldStateDb) writeSize(tree TreeID, size uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], size)
	w.write(sizeKey(tree), b[:])
}

func nodeKey(tree TreeID, level int, index *uint256.Int) []byte {
	idx := index.Bytes32()
	key := make([]byte, 0, 4+32)
	key = append(key, prefixNode, byte(tree), byte(level>>8), byte(level))
	return append(key, idx[:]...)
}

func valueKey(tree TreeID, index *uint256.Int) []byte {
	idx := index.Bytes32()
	key := make([]byte, 0, 2+32)
	key = append(key, prefixValue, byte(tree))
	return append(key, idx[:]...)
}

func leafKey(tree TreeID, value []byte) []byte {
	h := crypto.Keccak256(value)
	key := make([]byte, 0, 2+len(h))
	key = append(key, prefixLeaf, byte(tree))
	return append(key, h...)
}

func sizeKey(tree TreeID) []byte {
	return []byte{prefixSize, byte(tree)}
}

func isEmpty(value []byte) bool {
	for _, b := range value {
		if b != 0 {
			return false
		}
	}
	return true
}

func leafHash(value []byte) common.Hash {
	if isEmpty(value) {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(value)
}

func hashPair(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left.Bytes(), right.Bytes())
}
