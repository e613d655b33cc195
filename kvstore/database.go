package kvstore

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/ethdb/pebble"
)

// Database adapts an ethdb key-value store to the column-addressed
// KeyValueStore contract. Columns are mapped onto a single ethdb keyspace
// with a one-byte prefix, so one ethdb batch covers a multi-column write
// atomically.
type Database struct {
	mu     sync.RWMutex
	db     ethdb.KeyValueStore
	closed bool
}

var _ KeyValueStore = (*Database)(nil)

// NewMemory returns a Database backed by an in-memory map. Intended for
// tests and benchmarks; batches are atomic but nothing survives the
// process.
func NewMemory() *Database {
	return &Database{db: memorydb.New()}
}

// NewPebble opens (or creates) a persistent Database at the given path,
// backed by go-ethereum's pebble driver. cache is the pebble cache size in
// MiB, handles the file-descriptor budget.
func NewPebble(path string, cache, handles int) (*Database, error) {
	pdb, err := pebble.New(path, cache, handles, "lvmt", false)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open pebble at %s: %w", path, err)
	}
	return &Database{db: pdb}, nil
}

// NewOnEthdb wraps an existing ethdb store. The caller keeps ownership of
// the underlying store's lifetime if it is shared.
func NewOnEthdb(db ethdb.KeyValueStore) *Database {
	return &Database{db: db}
}

// columnKey prepends the column tag to key.
func columnKey(col Column, key []byte) []byte {
	ck := make([]byte, 1+len(key))
	ck[0] = byte(col)
	copy(ck[1:], key)
	return ck
}

// Get returns the value stored under (col, key), or (nil, nil) if absent.
func (d *Database) Get(col Column, key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	ck := columnKey(col, key)
	ok, err := d.db.Has(ck)
	if err != nil {
		return nil, fmt.Errorf("kvstore: has col %d: %w", col, err)
	}
	if !ok {
		return nil, nil
	}
	v, err := d.db.Get(ck)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get col %d: %w", col, err)
	}
	return v, nil
}

// Write applies the batch atomically through a single ethdb batch.
func (d *Database) Write(batch []Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	b := d.db.NewBatch()
	for _, op := range batch {
		ck := columnKey(op.Col, op.Key)
		var err error
		if op.Delete {
			err = b.Delete(ck)
		} else {
			err = b.Put(ck, op.Value)
		}
		if err != nil {
			return fmt.Errorf("kvstore: stage batch op: %w", err)
		}
	}
	if err := b.Write(); err != nil {
		return fmt.Errorf("kvstore: write batch: %w", err)
	}
	return nil
}

// Flush forces previously written data onto stable storage. Backends
// without a sync primitive (the memory store) treat this as a no-op.
func (d *Database) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if s, ok := d.db.(interface{ SyncKeyValue() error }); ok {
		if err := s.SyncKeyValue(); err != nil {
			return fmt.Errorf("kvstore: flush: %w", err)
		}
	}
	return nil
}

// Close releases the underlying store. Further calls return ErrClosed.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}
