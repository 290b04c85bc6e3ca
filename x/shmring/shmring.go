package shmring

import (
	"sync"
	"sync/atomic"
)

// Ring is one direction of a shared-memory FIFO. The writer and the reader each
// keep private mirrors of the indices; only the shared pair is visible to the
// other side, and only after an explicit Publish. All indices are monotonic.
type Ring struct {
	buf  []byte
	mask uint32

	// peer-visible
	sharedWr atomic.Uint32
	sharedRd atomic.Uint32

	wmu      sync.Mutex
	localWr  uint32 // writer's private write index
	mirrorRd uint32 // writer's copy of sharedRd

	rmu      sync.Mutex
	localRd  uint32 // reader's private read index
	mirrorWr uint32 // reader's copy of sharedWr
}

// New allocates a ring; size must be a power of two >= 4.
func New(size int) *Ring {
	if size < 4 || (size&(size-1)) != 0 {
		panic("shmring: size must be power of two >= 4")
	}
	return &Ring{buf: make([]byte, size), mask: uint32(size - 1)}
}

func (r *Ring) Size() int { return len(r.buf) }

// Reset zeroes every index on both sides.
func (r *Ring) Reset() {
	r.wmu.Lock()
	r.rmu.Lock()
	r.localWr, r.mirrorRd = 0, 0
	r.localRd, r.mirrorWr = 0, 0
	r.sharedWr.Store(0)
	r.sharedRd.Store(0)
	r.rmu.Unlock()
	r.wmu.Unlock()
}

// ---- writer side ----

// Space is the free room as seen by the writer's mirror.
func (r *Ring) Space() int {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return len(r.buf) - int(r.localWr-r.mirrorRd)
}

// TryWrite copies every segment or nothing. Data stays private until PublishWrite.
func (r *Ring) TryWrite(segs ...[]byte) bool {
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if total > len(r.buf)-int(r.localWr-r.mirrorRd) {
		return false
	}
	for _, s := range segs {
		r.copyIn(r.localWr, s)
		r.localWr += uint32(len(s))
	}
	return true
}

func (r *Ring) copyIn(at uint32, src []byte) {
	idx := at & r.mask
	n := copy(r.buf[idx:], src)
	if n < len(src) {
		copy(r.buf, src[n:])
	}
}

// PublishWrite exposes local writes to the reader (release store).
func (r *Ring) PublishWrite() {
	r.wmu.Lock()
	r.sharedWr.Store(r.localWr)
	r.wmu.Unlock()
}

// SyncRead refreshes the writer's copy of the reader's progress.
func (r *Ring) SyncRead() {
	rd := r.sharedRd.Load()
	r.wmu.Lock()
	r.mirrorRd = rd
	r.wmu.Unlock()
}

// WriterView returns (mirrored read, local write, shared write).
func (r *Ring) WriterView() (localRd, localWr, sharedWr uint32) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return r.mirrorRd, r.localWr, r.sharedWr.Load()
}

// ---- reader side ----

// Unread is the number of published bytes the reader has not consumed.
func (r *Ring) Unread() int {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	return int(r.mirrorWr - r.localRd)
}

// Read copies up to len(dst) unread bytes and advances the private read index.
func (r *Ring) Read(dst []byte) int {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	n := int(r.mirrorWr - r.localRd)
	if n > len(dst) {
		n = len(dst)
	}
	idx := r.localRd & r.mask
	c := copy(dst[:n], r.buf[idx:])
	if c < n {
		copy(dst[c:n], r.buf)
	}
	r.localRd += uint32(n)
	return n
}

// Discard skips up to n unread bytes.
func (r *Ring) Discard(n int) int {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	if avail := int(r.mirrorWr - r.localRd); n > avail {
		n = avail
	}
	r.localRd += uint32(n)
	return n
}

// SyncWrite refreshes the reader's copy of the writer's published index (acquire load).
func (r *Ring) SyncWrite() {
	wr := r.sharedWr.Load()
	r.rmu.Lock()
	r.mirrorWr = wr
	r.rmu.Unlock()
}

// PublishRead exposes consumed space to the writer (release store).
func (r *Ring) PublishRead() {
	r.rmu.Lock()
	r.sharedRd.Store(r.localRd)
	r.rmu.Unlock()
}

// ReaderView returns (local read, mirrored write, shared read).
func (r *Ring) ReaderView() (localRd, localWr, sharedRd uint32) {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	return r.localRd, r.mirrorWr, r.sharedRd.Load()
}
