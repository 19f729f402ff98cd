package storage

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

// =============================================================================
// LRU Cache Tests
// =============================================================================

func lruRef(page uint32) PageRef {
	return PageRef{Vol: 1, Page: page}
}

func TestNewLRUCache(t *testing.T) {
	cache := NewLRUCache()

	if cache.Len() != 0 {
		t.Errorf("Len() = %v, want 0", cache.Len())
	}
	if _, ok := cache.GetLRU(); ok {
		t.Error("GetLRU() on empty cache returned ok")
	}
}

func TestLRUCacheAccess(t *testing.T) {
	cache := NewLRUCache()

	cache.Access(lruRef(1))
	cache.Access(lruRef(2))
	cache.Access(lruRef(3))

	if ref, ok := cache.GetLRU(); !ok || ref != lruRef(1) {
		t.Errorf("GetLRU() = %v, %v, want %v, true", ref, ok, lruRef(1))
	}

	// Re-accessing moves a page to the front.
	cache.Access(lruRef(1))
	if ref, ok := cache.GetLRU(); !ok || ref != lruRef(2) {
		t.Errorf("GetLRU() after re-access = %v, %v, want %v, true", ref, ok, lruRef(2))
	}

	all := cache.GetAll()
	want := []PageRef{lruRef(1), lruRef(3), lruRef(2)}
	if len(all) != len(want) {
		t.Fatalf("GetAll() returned %v entries, want %v", len(all), len(want))
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("GetAll()[%d] = %v, want %v", i, all[i], want[i])
		}
	}
}

func TestLRUCacheRemove(t *testing.T) {
	cache := NewLRUCache()
	cache.Access(lruRef(1))
	cache.Access(lruRef(2))

	cache.Remove(lruRef(1))
	if cache.Contains(lruRef(1)) {
		t.Error("Contains() = true after Remove")
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %v, want 1", cache.Len())
	}

	// Removing an absent entry is a no-op.
	cache.Remove(lruRef(9))
	if cache.Len() != 1 {
		t.Errorf("Len() = %v after removing absent entry, want 1", cache.Len())
	}
}

func TestLRUCacheGetLRUExcluding(t *testing.T) {
	cache := NewLRUCache()
	cache.Access(lruRef(1))
	cache.Access(lruRef(2))
	cache.Access(lruRef(3))

	excluded := map[PageRef]bool{lruRef(1): true}
	if ref, ok := cache.GetLRUExcluding(excluded); !ok || ref != lruRef(2) {
		t.Errorf("GetLRUExcluding() = %v, %v, want %v, true", ref, ok, lruRef(2))
	}

	all := map[PageRef]bool{lruRef(1): true, lruRef(2): true, lruRef(3): true}
	if _, ok := cache.GetLRUExcluding(all); ok {
		t.Error("GetLRUExcluding() with all excluded returned ok")
	}
}

func TestLRUCacheContains(t *testing.T) {
	cache := NewLRUCache()
	cache.Access(lruRef(4))

	if !cache.Contains(lruRef(4)) {
		t.Error("Contains() = false for cached entry")
	}
	if cache.Contains(lruRef(5)) {
		t.Error("Contains() = true for absent entry")
	}
}

func TestLRUCacheClear(t *testing.T) {
	cache := NewLRUCache()
	cache.Access(lruRef(1))
	cache.Access(lruRef(2))

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Len() = %v after Clear, want 0", cache.Len())
	}
	if cache.Contains(lruRef(1)) {
		t.Error("Contains() = true after Clear")
	}
}

// =============================================================================
// BufferPool Tests
// =============================================================================

// newTestPool opens a volume and attaches it to a fresh pool.
func newTestPool(t *testing.T, capacity int) (*BufferPool, *Volume) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.tdb")
	v, err := OpenVolume(path, 1, DefaultVolumeOptions())
	if err != nil {
		t.Fatalf("OpenVolume() error = %v", err)
	}
	t.Cleanup(func() { v.Close() })

	pool := NewBufferPool(capacity)
	pool.AttachVolume(v)
	return pool, v
}

func TestNewBufferPool(t *testing.T) {
	pool := NewBufferPool(32)
	if pool.Capacity() != 32 {
		t.Errorf("Capacity() = %v, want 32", pool.Capacity())
	}
	if pool.Size() != 0 {
		t.Errorf("Size() = %v, want 0", pool.Size())
	}

	// Non-positive capacity falls back to the default.
	pool = NewBufferPool(0)
	if pool.Capacity() != 64 {
		t.Errorf("Capacity() = %v for zero capacity, want 64", pool.Capacity())
	}
}

func TestBufferPoolAllocateFixUnfix(t *testing.T) {
	pool, _ := newTestPool(t, 8)

	h, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	if h.Mode() != FixExclusive {
		t.Errorf("Mode() = %v, want FixExclusive", h.Mode())
	}
	// A fresh page stays unstamped until its allocation is logged.
	if h.Version() != 0 {
		t.Errorf("Version() = %v on fresh page, want 0", h.Version())
	}

	ref := h.Ref()
	if _, err := h.Page().AppendRecord([]byte("cached")); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}
	if err := pool.MarkDirty(h, 0); err != nil {
		t.Fatalf("MarkDirty() error = %v", err)
	}
	if err := pool.Unfix(h); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}
	if err := pool.Unfix(h); !errors.Is(err, ErrAlreadyUnfixed) {
		t.Errorf("Unfix() twice error = %v, want ErrAlreadyUnfixed", err)
	}

	if !pool.Contains(ref) {
		t.Error("Contains() = false for cached page")
	}
	if pool.Size() != 1 {
		t.Errorf("Size() = %v, want 1", pool.Size())
	}

	// The change is visible through a later shared fix.
	rh, err := pool.Fix(ref, FixShared)
	if err != nil {
		t.Fatalf("Fix() error = %v", err)
	}
	defer pool.Unfix(rh)
	rec, err := rh.Page().Record(0)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if string(rec) != "cached" {
		t.Errorf("Record(0) = %q, want %q", rec, "cached")
	}
}

func TestBufferPoolFixUnknownVolume(t *testing.T) {
	pool, _ := newTestPool(t, 8)

	if _, err := pool.Fix(PageRef{Vol: 9, Page: 1}, FixShared); !errors.Is(err, ErrUnknownVolume) {
		t.Errorf("Fix() error = %v, want ErrUnknownVolume", err)
	}
	if _, err := pool.AllocatePage(9, PageTypeNode); !errors.Is(err, ErrUnknownVolume) {
		t.Errorf("AllocatePage() error = %v, want ErrUnknownVolume", err)
	}
	if _, err := pool.Volume(9); !errors.Is(err, ErrUnknownVolume) {
		t.Errorf("Volume() error = %v, want ErrUnknownVolume", err)
	}
}

func TestBufferPoolFixReadsFromDisk(t *testing.T) {
	pool, v := newTestPool(t, 8)

	ref, err := v.AllocatePage(PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	page := NewPage(ref, PageTypeNode, v.PageSize())
	if _, err := page.AppendRecord([]byte("on disk")); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}
	if err := v.WritePage(page); err != nil {
		t.Fatalf("WritePage() error = %v", err)
	}

	h, err := pool.Fix(ref, FixShared)
	if err != nil {
		t.Fatalf("Fix() error = %v", err)
	}
	defer pool.Unfix(h)

	rec, err := h.Page().Record(0)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if string(rec) != "on disk" {
		t.Errorf("Record(0) = %q, want %q", rec, "on disk")
	}

	stats := pool.Stats()
	if stats.Misses != 1 {
		t.Errorf("Misses = %v, want 1", stats.Misses)
	}
}

func TestBufferPoolMarkDirtyRequiresExclusive(t *testing.T) {
	pool, _ := newTestPool(t, 8)

	h, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	ref := h.Ref()
	if err := pool.Unfix(h); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}

	sh, err := pool.Fix(ref, FixShared)
	if err != nil {
		t.Fatalf("Fix() error = %v", err)
	}
	if err := pool.MarkDirty(sh, 0); !errors.Is(err, ErrNotExclusive) {
		t.Errorf("MarkDirty() on shared fix error = %v, want ErrNotExclusive", err)
	}
	if err := pool.Unfix(sh); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}
	if err := pool.MarkDirty(sh, 0); !errors.Is(err, ErrAlreadyUnfixed) {
		t.Errorf("MarkDirty() after unfix error = %v, want ErrAlreadyUnfixed", err)
	}
}

// TestBufferPoolVersionStamps checks the interplay of explicit stamps,
// the pool clock, and CurrentVersion.
func TestBufferPoolVersionStamps(t *testing.T) {
	pool, _ := newTestPool(t, 8)

	h, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	ref := h.Ref()

	// An explicit stamp lands on the page and pulls the clock forward.
	if err := pool.MarkDirty(h, 100); err != nil {
		t.Fatalf("MarkDirty() error = %v", err)
	}
	if h.Version() != 100 {
		t.Errorf("Version() = %v, want 100", h.Version())
	}
	if got, err := pool.CurrentVersion(ref); err != nil || got != 100 {
		t.Errorf("CurrentVersion() = %v, %v, want 100, nil", got, err)
	}
	if next := pool.NextVersion(); next != 101 {
		t.Errorf("NextVersion() = %v, want 101", next)
	}

	// Stamp zero draws from the clock instead.
	if err := pool.MarkDirty(h, 0); err != nil {
		t.Fatalf("MarkDirty() error = %v", err)
	}
	if h.Version() != 102 {
		t.Errorf("Version() = %v, want 102", h.Version())
	}

	if err := pool.Unfix(h); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}
}

// TestBufferPoolVersionFromDisk reads the version of a page that is no
// longer cached.
func TestBufferPoolVersionFromDisk(t *testing.T) {
	pool, _ := newTestPool(t, 8)

	h, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	ref := h.Ref()
	if err := pool.MarkDirty(h, 55); err != nil {
		t.Fatalf("MarkDirty() error = %v", err)
	}
	if err := pool.Unfix(h); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}
	if err := pool.FlushPage(ref); err != nil {
		t.Fatalf("FlushPage() error = %v", err)
	}
	if err := pool.Discard(ref); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if pool.Contains(ref) {
		t.Fatal("Contains() = true after Discard")
	}

	if got, err := pool.CurrentVersion(ref); err != nil || got != 55 {
		t.Errorf("CurrentVersion() = %v, %v, want 55, nil", got, err)
	}
}

func TestBufferPoolEviction(t *testing.T) {
	pool, v := newTestPool(t, 2)

	var refs []PageRef
	for i := 0; i < 3; i++ {
		h, err := pool.AllocatePage(1, PageTypeNode)
		if err != nil {
			t.Fatalf("AllocatePage() error = %v", err)
		}
		if _, err := h.Page().AppendRecord([]byte{byte('a' + i)}); err != nil {
			t.Fatalf("AppendRecord() error = %v", err)
		}
		if err := pool.MarkDirty(h, 0); err != nil {
			t.Fatalf("MarkDirty() error = %v", err)
		}
		refs = append(refs, h.Ref())
		if err := pool.Unfix(h); err != nil {
			t.Fatalf("Unfix() error = %v", err)
		}
	}

	if pool.Size() != 2 {
		t.Errorf("Size() = %v, want 2", pool.Size())
	}
	// The oldest page was evicted and its dirty frame written back.
	if pool.Contains(refs[0]) {
		t.Error("Contains() = true for evicted page")
	}
	page, err := v.ReadPage(refs[0].Page)
	if err != nil {
		t.Fatalf("ReadPage() error = %v", err)
	}
	rec, err := page.Record(0)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if string(rec) != "a" {
		t.Errorf("Record(0) = %q on evicted page, want %q", rec, "a")
	}
}

func TestBufferPoolFullWhenAllPinned(t *testing.T) {
	pool, v := newTestPool(t, 1)

	ref, err := v.AllocatePage(PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}

	h, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	defer pool.Unfix(h)

	if _, err := pool.Fix(ref, FixShared); !errors.Is(err, ErrBufferPoolFull) {
		t.Errorf("Fix() with all frames pinned error = %v, want ErrBufferPoolFull", err)
	}
}

func TestBufferPoolFreePage(t *testing.T) {
	pool, v := newTestPool(t, 8)

	h, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	ref := h.Ref()

	if err := pool.FreePage(ref); !errors.Is(err, ErrPagePinned) {
		t.Errorf("FreePage() while pinned error = %v, want ErrPagePinned", err)
	}

	if err := pool.Unfix(h); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}
	freeBefore := v.FreePageCount()
	if err := pool.FreePage(ref); err != nil {
		t.Fatalf("FreePage() error = %v", err)
	}
	if pool.Contains(ref) {
		t.Error("Contains() = true after FreePage")
	}
	if v.FreePageCount() != freeBefore+1 {
		t.Errorf("FreePageCount() = %v, want %v", v.FreePageCount(), freeBefore+1)
	}
}

func TestBufferPoolDiscard(t *testing.T) {
	pool, v := newTestPool(t, 8)

	h, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	ref := h.Ref()
	if _, err := h.Page().AppendRecord([]byte("never flushed")); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}
	if err := pool.MarkDirty(h, 0); err != nil {
		t.Fatalf("MarkDirty() error = %v", err)
	}

	if err := pool.Discard(ref); !errors.Is(err, ErrPagePinned) {
		t.Errorf("Discard() while pinned error = %v, want ErrPagePinned", err)
	}
	if err := pool.Unfix(h); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}
	if err := pool.Discard(ref); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}

	// The dirty frame was dropped, not written: disk still holds the
	// empty page from allocation.
	page, err := v.ReadPage(ref.Page)
	if err != nil {
		t.Fatalf("ReadPage() error = %v", err)
	}
	if page.RecordCount() != 0 {
		t.Errorf("RecordCount() = %v on disk after Discard, want 0", page.RecordCount())
	}

	// Discarding an uncached page is a no-op.
	if err := pool.Discard(ref); err != nil {
		t.Errorf("Discard() uncached error = %v", err)
	}
}

func TestBufferPoolFlush(t *testing.T) {
	pool, v := newTestPool(t, 8)

	if err := pool.FlushPage(PageRef{Vol: 1, Page: 99}); !errors.Is(err, ErrPageNotFound) {
		t.Errorf("FlushPage() uncached error = %v, want ErrPageNotFound", err)
	}

	flushed, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	if _, err := flushed.Page().AppendRecord([]byte("flush me")); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}
	if err := pool.MarkDirty(flushed, 0); err != nil {
		t.Fatalf("MarkDirty() error = %v", err)
	}
	flushedRef := flushed.Ref()
	if err := pool.Unfix(flushed); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}

	pinned, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}

	// FlushAll writes the unpinned dirty page and skips the pinned one.
	if err := pool.FlushAll(); err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}
	page, err := v.ReadPage(flushedRef.Page)
	if err != nil {
		t.Fatalf("ReadPage() error = %v", err)
	}
	rec, err := page.Record(0)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if string(rec) != "flush me" {
		t.Errorf("Record(0) = %q, want %q", rec, "flush me")
	}

	stats := pool.Stats()
	if stats.DirtyPages != 1 {
		t.Errorf("DirtyPages = %v after FlushAll, want 1 (the pinned page)", stats.DirtyPages)
	}
	if stats.PinnedPages != 1 {
		t.Errorf("PinnedPages = %v, want 1", stats.PinnedPages)
	}

	if err := pool.Unfix(pinned); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}
	if err := pool.FlushAll(); err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}
	if got := pool.Stats().DirtyPages; got != 0 {
		t.Errorf("DirtyPages = %v after second FlushAll, want 0", got)
	}

	if err := pool.SyncVolumes(); err != nil {
		t.Fatalf("SyncVolumes() error = %v", err)
	}
}

func TestBufferPoolClose(t *testing.T) {
	pool, v := newTestPool(t, 8)

	h, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	if _, err := h.Page().AppendRecord([]byte("written at close")); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}
	if err := pool.MarkDirty(h, 0); err != nil {
		t.Fatalf("MarkDirty() error = %v", err)
	}
	ref := h.Ref()

	if err := pool.Close(); !errors.Is(err, ErrPagePinned) {
		t.Errorf("Close() with pinned page error = %v, want ErrPagePinned", err)
	}

	if err := pool.Unfix(h); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Close flushed the dirty page.
	page, err := v.ReadPage(ref.Page)
	if err != nil {
		t.Fatalf("ReadPage() error = %v", err)
	}
	rec, err := page.Record(0)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if string(rec) != "written at close" {
		t.Errorf("Record(0) = %q, want %q", rec, "written at close")
	}

	if err := pool.Close(); !errors.Is(err, ErrBufferPoolClose) {
		t.Errorf("Close() twice error = %v, want ErrBufferPoolClose", err)
	}
	if _, err := pool.Fix(ref, FixShared); !errors.Is(err, ErrBufferPoolClose) {
		t.Errorf("Fix() after close error = %v, want ErrBufferPoolClose", err)
	}
	if _, err := pool.AllocatePage(1, PageTypeNode); !errors.Is(err, ErrBufferPoolClose) {
		t.Errorf("AllocatePage() after close error = %v, want ErrBufferPoolClose", err)
	}
}

func TestBufferPoolHitMissStats(t *testing.T) {
	pool, v := newTestPool(t, 8)

	ref, err := v.AllocatePage(PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		h, err := pool.Fix(ref, FixShared)
		if err != nil {
			t.Fatalf("Fix() error = %v", err)
		}
		if err := pool.Unfix(h); err != nil {
			t.Fatalf("Unfix() error = %v", err)
		}
	}

	stats := pool.Stats()
	if stats.Misses != 1 {
		t.Errorf("Misses = %v, want 1", stats.Misses)
	}
	if stats.Hits != 2 {
		t.Errorf("Hits = %v, want 2", stats.Hits)
	}
	if stats.Capacity != 8 || stats.Size != 1 {
		t.Errorf("Capacity, Size = %v, %v, want 8, 1", stats.Capacity, stats.Size)
	}
}

// TestBufferPoolConcurrentIncrement hammers one page with exclusive
// fixes; the latch must serialize the read-modify-write cycles.
func TestBufferPoolConcurrentIncrement(t *testing.T) {
	pool, _ := newTestPool(t, 8)

	h, err := pool.AllocatePage(1, PageTypeNode)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	ref := h.Ref()
	if _, err := h.Page().AppendRecord(make([]byte, 8)); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}
	if err := pool.MarkDirty(h, 0); err != nil {
		t.Fatalf("MarkDirty() error = %v", err)
	}
	if err := pool.Unfix(h); err != nil {
		t.Fatalf("Unfix() error = %v", err)
	}

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				wh, err := pool.Fix(ref, FixExclusive)
				if err != nil {
					t.Errorf("Fix() error = %v", err)
					return
				}
				rec, err := wh.Page().Record(0)
				if err != nil {
					t.Errorf("Record() error = %v", err)
					pool.Unfix(wh)
					return
				}
				buf := make([]byte, 8)
				binary.LittleEndian.PutUint64(buf, binary.LittleEndian.Uint64(rec)+1)
				if err := wh.Page().UpdateRecord(0, buf); err != nil {
					t.Errorf("UpdateRecord() error = %v", err)
					pool.Unfix(wh)
					return
				}
				if err := pool.MarkDirty(wh, 0); err != nil {
					t.Errorf("MarkDirty() error = %v", err)
					pool.Unfix(wh)
					return
				}
				if err := pool.Unfix(wh); err != nil {
					t.Errorf("Unfix() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	fh, err := pool.Fix(ref, FixShared)
	if err != nil {
		t.Fatalf("Fix() error = %v", err)
	}
	defer pool.Unfix(fh)
	rec, err := fh.Page().Record(0)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if got := binary.LittleEndian.Uint64(rec); got != workers*perWorker {
		t.Errorf("counter = %v, want %v", got, workers*perWorker)
	}
}
