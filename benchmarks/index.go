// Package benchmarks compares the tern index against cockroachdb/pebble
// under identical workloads and turns the measurements into CSV rows,
// reports, and charts.
package benchmarks

import (
	"runtime"

	"github.com/tern-db/tern/internal/storage"
)

// Index is the bench-facing face of one engine: int64 keys mapping to
// object identifiers, with ordered range access. Each adapter owns its
// key encoding.
type Index interface {
	// Insert maps key to oid.
	Insert(key int64, oid storage.OID) error
	// Search returns the objects of key, empty when absent.
	Search(key int64) ([]storage.OID, error)
	// Delete removes the key-to-oid mapping.
	Delete(key int64, oid storage.OID) error
	// Scan counts the objects in [start, end] in key order.
	Scan(start, end int64) (int, error)
	// Flush makes every buffered write durable.
	Flush() error
	// Close releases the engine.
	Close() error
}

// benchOID derives a distinct non-nil object id from an operation
// counter. The indexes never dereference it.
func benchOID(n int64) storage.OID {
	return storage.OID{Vol: 7, Page: uint32(n) + 1, Slot: 1}
}

// memSample reads live heap usage after a forced collection, so the
// numbers measure retained data rather than garbage.
type memSample struct {
	AllocMB     uint64
	HeapObjects uint64
}

func sampleMem() memSample {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	return memSample{
		AllocMB:     m.Alloc / 1024 / 1024,
		HeapObjects: m.HeapObjects,
	}
}
