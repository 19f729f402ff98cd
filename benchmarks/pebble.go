package benchmarks

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/tern-db/tern/internal/storage"
)

// Pebble wraps CockroachDB's LSM engine behind the Index interface as
// the comparison baseline. Pebble keeps one object per key, so a second
// insert of the same key overwrites the first; the suite's workloads
// use distinct keys where that difference would matter.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a Pebble database under dir.
func OpenPebble(dir string) (*Pebble, error) {
	opts := &pebble.Options{
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       4,
		L0StopWritesThreshold:       12,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open: %w", err)
	}
	return &Pebble{db: db}, nil
}

// Insert stores oid under key.
func (p *Pebble) Insert(key int64, oid storage.OID) error {
	val := make([]byte, storage.OIDSize)
	storage.PutOID(val, oid)
	return p.db.Set(pebbleKey(key), val, pebble.NoSync)
}

// Search returns the object stored under key, empty when absent.
func (p *Pebble) Search(key int64) ([]storage.OID, error) {
	val, closer, err := p.db.Get(pebbleKey(key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pebble: get: %w", err)
	}
	defer closer.Close()
	if len(val) != storage.OIDSize {
		return nil, fmt.Errorf("pebble: unexpected value length %d", len(val))
	}
	return []storage.OID{storage.GetOID(val)}, nil
}

// Delete removes key. The oid is ignored; Pebble holds one object per
// key.
func (p *Pebble) Delete(key int64, _ storage.OID) error {
	return p.db.Delete(pebbleKey(key), pebble.NoSync)
}

// Scan counts the keys in [start, end].
func (p *Pebble) Scan(start, end int64) (int, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleKey(start),
		UpperBound: pebbleKey(end + 1),
	})
	if err != nil {
		return 0, fmt.Errorf("pebble: scan: %w", err)
	}
	defer iter.Close()

	count := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		count++
	}
	return count, iter.Error()
}

// Flush forces the memtable to disk.
func (p *Pebble) Flush() error {
	return p.db.Flush()
}

// Close shuts Pebble down.
func (p *Pebble) Close() error {
	return p.db.Close()
}

// pebbleKey encodes an int64 big-endian with the sign bit flipped, so
// byte order matches key order and negative keys sort first.
func pebbleKey(k int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(k)^(1<<63))
	return b
}
