package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Buffer pool errors.
var (
	ErrBufferPoolFull  = errors.New("buffer pool is full and no pages can be evicted")
	ErrPageNotFound    = errors.New("page not found in buffer pool")
	ErrPagePinned      = errors.New("page is pinned and cannot be evicted")
	ErrUnknownVolume   = errors.New("volume not attached to buffer pool")
	ErrAlreadyUnfixed  = errors.New("page handle already unfixed")
	ErrNotExclusive    = errors.New("operation requires an exclusively fixed page")
	ErrBufferPoolClose = errors.New("buffer pool is closed")
)

// FixMode selects how a page is latched while fixed.
type FixMode int

const (
	// FixShared fixes the page for reading. Multiple shared fixes may
	// coexist.
	FixShared FixMode = iota
	// FixExclusive fixes the page for writing.
	FixExclusive
)

// String returns the string representation of a FixMode.
func (m FixMode) String() string {
	if m == FixExclusive {
		return "exclusive"
	}
	return "shared"
}

// frame is one buffer pool slot: the cached page plus its latch and
// pin count. The latch is held for the whole fix/unfix window; the pin
// count keeps the frame from being evicted in between.
type frame struct {
	ref   PageRef
	page  *Page
	latch sync.RWMutex
	pin   int  // guarded by pool mutex
	dirty bool // guarded by pool mutex
}

// PageHandle is a fixed page. The caller holds the page latch in the
// requested mode until Unfix is called. At most two handles should be
// held at once during a descent, parent and child.
type PageHandle struct {
	pool    *BufferPool
	frame   *frame
	mode    FixMode
	unfixed bool
}

// Page returns the fixed page.
func (h *PageHandle) Page() *Page {
	return h.frame.page
}

// Ref returns the fixed page's reference.
func (h *PageHandle) Ref() PageRef {
	return h.frame.ref
}

// Mode returns the fix mode.
func (h *PageHandle) Mode() FixMode {
	return h.mode
}

// Version returns the page's current version stamp.
func (h *PageHandle) Version() LSA {
	return h.frame.page.Header.LSA
}

// BufferPool caches pages of the attached volumes with LRU eviction.
// All page access goes through Fix/Unfix; a fixed page is latched in
// the requested mode and pinned against eviction.
type BufferPool struct {
	capacity int
	volumes  map[uint16]*Volume
	frames   map[PageRef]*frame
	lru      *LRUCache
	mu       sync.Mutex
	closed   bool

	// clock issues version stamps. It only moves forward; loading a
	// page stamped by an earlier run bumps the clock past that stamp.
	clock atomic.Uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewBufferPool creates a buffer pool with the given frame capacity.
func NewBufferPool(capacity int) *BufferPool {
	if capacity <= 0 {
		capacity = 64
	}
	return &BufferPool{
		capacity: capacity,
		volumes:  make(map[uint16]*Volume),
		frames:   make(map[PageRef]*frame),
		lru:      NewLRUCache(),
	}
}

// AttachVolume makes a volume's pages reachable through the pool.
func (bp *BufferPool) AttachVolume(v *Volume) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.volumes[v.ID()] = v
}

// Volume returns the attached volume with the given identifier.
func (bp *BufferPool) Volume(vol uint16) (*Volume, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	v, ok := bp.volumes[vol]
	if !ok {
		return nil, fmt.Errorf("%w: volume %d", ErrUnknownVolume, vol)
	}
	return v, nil
}

// NextVersion issues a fresh version stamp.
func (bp *BufferPool) NextVersion() LSA {
	return LSA(bp.clock.Add(1))
}

// observeVersion bumps the clock to at least v. Called when a page
// stamped by an earlier run is loaded.
func (bp *BufferPool) observeVersion(v LSA) {
	for {
		cur := bp.clock.Load()
		if cur >= uint64(v) {
			return
		}
		if bp.clock.CompareAndSwap(cur, uint64(v)) {
			return
		}
	}
}

// Fix pins and latches the page in the requested mode. The returned
// handle must be released with Unfix. Fixing blocks while another
// handle holds a conflicting latch on the same page.
func (bp *BufferPool) Fix(ref PageRef, mode FixMode) (*PageHandle, error) {
	f, err := bp.pinFrame(ref)
	if err != nil {
		return nil, err
	}

	// Latch outside the pool mutex so waiting on a busy page does not
	// stall every other fix.
	if mode == FixExclusive {
		f.latch.Lock()
	} else {
		f.latch.RLock()
	}

	return &PageHandle{pool: bp, frame: f, mode: mode}, nil
}

// pinFrame finds or loads the frame for ref and pins it.
func (bp *BufferPool) pinFrame(ref PageRef) (*frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.closed {
		return nil, ErrBufferPoolClose
	}

	if f, ok := bp.frames[ref]; ok {
		f.pin++
		bp.lru.Access(ref)
		bp.hits.Add(1)
		return f, nil
	}

	bp.misses.Add(1)

	v, ok := bp.volumes[ref.Vol]
	if !ok {
		return nil, fmt.Errorf("%w: volume %d", ErrUnknownVolume, ref.Vol)
	}

	if len(bp.frames) >= bp.capacity {
		if err := bp.evictOneLocked(); err != nil {
			return nil, err
		}
	}

	page, err := v.ReadPage(ref.Page)
	if err != nil {
		return nil, err
	}
	bp.observeVersion(page.Header.LSA)

	f := &frame{ref: ref, page: page, pin: 1}
	bp.frames[ref] = f
	bp.lru.Access(ref)
	return f, nil
}

// Unfix releases the handle: the latch is dropped and the pin removed.
// A dirty page stays cached; it reaches disk on eviction, flush, or
// close.
func (bp *BufferPool) Unfix(h *PageHandle) error {
	if h == nil || h.unfixed {
		return ErrAlreadyUnfixed
	}
	h.unfixed = true

	if h.mode == FixExclusive {
		h.frame.latch.Unlock()
	} else {
		h.frame.latch.RUnlock()
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if h.frame.pin > 0 {
		h.frame.pin--
	}
	return nil
}

// MarkDirty stamps the page and marks the frame dirty. The handle must
// be exclusively fixed. The stamp is normally the LSN of the WAL record
// describing the change; pass 0 to draw a stamp from the pool clock
// for unlogged changes.
func (bp *BufferPool) MarkDirty(h *PageHandle, stamp LSA) error {
	if h == nil || h.unfixed {
		return ErrAlreadyUnfixed
	}
	if h.mode != FixExclusive {
		return ErrNotExclusive
	}

	if stamp == 0 {
		stamp = bp.NextVersion()
	} else {
		bp.observeVersion(stamp)
	}
	h.frame.page.Header.LSA = stamp

	bp.mu.Lock()
	h.frame.dirty = true
	bp.mu.Unlock()
	return nil
}

// CurrentVersion returns the version stamp of a page without holding
// a latch across the call. Used by scans to detect pages that changed
// while the scan was blocked.
func (bp *BufferPool) CurrentVersion(ref PageRef) (LSA, error) {
	bp.mu.Lock()
	if f, ok := bp.frames[ref]; ok {
		v := f.page.Header.LSA
		bp.mu.Unlock()
		return v, nil
	}
	vol, ok := bp.volumes[ref.Vol]
	bp.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: volume %d", ErrUnknownVolume, ref.Vol)
	}

	page, err := vol.ReadPage(ref.Page)
	if err != nil {
		return 0, err
	}
	return page.Header.LSA, nil
}

// AllocatePage allocates a page on the given volume and returns it
// exclusively fixed, already marked dirty.
func (bp *BufferPool) AllocatePage(vol uint16, pageType PageType) (*PageHandle, error) {
	bp.mu.Lock()

	if bp.closed {
		bp.mu.Unlock()
		return nil, ErrBufferPoolClose
	}

	v, ok := bp.volumes[vol]
	if !ok {
		bp.mu.Unlock()
		return nil, fmt.Errorf("%w: volume %d", ErrUnknownVolume, vol)
	}

	if len(bp.frames) >= bp.capacity {
		if err := bp.evictOneLocked(); err != nil {
			bp.mu.Unlock()
			return nil, err
		}
	}

	ref, err := v.AllocatePage(pageType)
	if err != nil {
		bp.mu.Unlock()
		return nil, err
	}

	page := NewPage(ref, pageType, v.PageSize())
	f := &frame{ref: ref, page: page, pin: 1, dirty: true}
	bp.frames[ref] = f
	bp.lru.Access(ref)
	bp.mu.Unlock()

	f.latch.Lock()
	h := &PageHandle{pool: bp, frame: f, mode: FixExclusive}
	// The LSA stays zero until the caller logs the allocation and
	// stamps the page through MarkDirty.
	return h, nil
}

// SyncVolumes syncs every attached volume to disk.
func (bp *BufferPool) SyncVolumes() error {
	bp.mu.Lock()
	volumes := make([]*Volume, 0, len(bp.volumes))
	for _, v := range bp.volumes {
		volumes = append(volumes, v)
	}
	bp.mu.Unlock()

	for _, v := range volumes {
		if err := v.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops a cached page without writing it back. The page must
// not be fixed. Recovery uses it after rebuilding a page directly in
// the volume, so the pool cannot serve the stale frame.
func (bp *BufferPool) Discard(ref PageRef) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	f, ok := bp.frames[ref]
	if !ok {
		return nil
	}
	if f.pin > 0 {
		return ErrPagePinned
	}
	delete(bp.frames, ref)
	bp.lru.Remove(ref)
	return nil
}

// FreePage drops the page from the pool and returns it to its volume's
// free list. The page must not be fixed.
func (bp *BufferPool) FreePage(ref PageRef) error {
	bp.mu.Lock()

	if bp.closed {
		bp.mu.Unlock()
		return ErrBufferPoolClose
	}

	if f, ok := bp.frames[ref]; ok {
		if f.pin > 0 {
			bp.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrPagePinned, ref)
		}
		delete(bp.frames, ref)
		bp.lru.Remove(ref)
	}

	v, ok := bp.volumes[ref.Vol]
	bp.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: volume %d", ErrUnknownVolume, ref.Vol)
	}

	return v.FreePage(ref)
}

// evictOneLocked evicts the least recently used unpinned frame,
// flushing it first if dirty. Must be called with the pool mutex held.
func (bp *BufferPool) evictOneLocked() error {
	pinned := make(map[PageRef]bool)
	for ref, f := range bp.frames {
		if f.pin > 0 {
			pinned[ref] = true
		}
	}

	ref, found := bp.lru.GetLRUExcluding(pinned)
	if !found {
		return ErrBufferPoolFull
	}

	f := bp.frames[ref]
	if f == nil {
		return ErrBufferPoolFull
	}

	if f.dirty {
		if err := bp.writeFrameLocked(f); err != nil {
			return err
		}
	}

	delete(bp.frames, ref)
	bp.lru.Remove(ref)
	return nil
}

// writeFrameLocked writes a frame's page to its volume and clears the
// dirty flag. Must be called with the pool mutex held; the frame must
// be unpinned or the caller must hold its latch.
func (bp *BufferPool) writeFrameLocked(f *frame) error {
	v, ok := bp.volumes[f.ref.Vol]
	if !ok {
		return fmt.Errorf("%w: volume %d", ErrUnknownVolume, f.ref.Vol)
	}
	if err := v.WritePage(f.page); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// FlushPage writes one page to disk if it is cached and dirty.
func (bp *BufferPool) FlushPage(ref PageRef) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	f, ok := bp.frames[ref]
	if !ok {
		return ErrPageNotFound
	}
	if !f.dirty {
		return nil
	}
	return bp.writeFrameLocked(f)
}

// FlushAll writes every dirty page to disk. Pages fixed exclusively by
// concurrent writers are skipped; they get flushed on unfix paths
// later. Used by checkpoints and close.
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.flushAllLocked()
}

func (bp *BufferPool) flushAllLocked() error {
	for _, f := range bp.frames {
		if !f.dirty || f.pin > 0 {
			continue
		}
		if err := bp.writeFrameLocked(f); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes all dirty pages and shuts the pool down. Outstanding
// handles must be unfixed first.
func (bp *BufferPool) Close() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.closed {
		return ErrBufferPoolClose
	}

	for _, f := range bp.frames {
		if f.pin > 0 {
			return fmt.Errorf("%w: %s still fixed at close", ErrPagePinned, f.ref)
		}
	}

	if err := bp.flushAllLocked(); err != nil {
		return err
	}

	bp.closed = true
	bp.frames = make(map[PageRef]*frame)
	bp.lru.Clear()
	return nil
}

// Contains checks if a page is cached.
func (bp *BufferPool) Contains(ref PageRef) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	_, ok := bp.frames[ref]
	return ok
}

// Size returns the number of cached pages.
func (bp *BufferPool) Size() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.frames)
}

// Capacity returns the frame capacity.
func (bp *BufferPool) Capacity() int {
	return bp.capacity
}

// BufferPoolStats contains statistics about the buffer pool.
type BufferPoolStats struct {
	Capacity    int
	Size        int
	DirtyPages  int
	PinnedPages int
	Hits        uint64
	Misses      uint64
}

// Stats returns current statistics about the buffer pool.
func (bp *BufferPool) Stats() BufferPoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	dirty := 0
	pinnedCount := 0
	for _, f := range bp.frames {
		if f.dirty {
			dirty++
		}
		if f.pin > 0 {
			pinnedCount++
		}
	}

	return BufferPoolStats{
		Capacity:    bp.capacity,
		Size:        len(bp.frames),
		DirtyPages:  dirty,
		PinnedPages: pinnedCount,
		Hits:        bp.hits.Load(),
		Misses:      bp.misses.Load(),
	}
}
