package shmring

import (
	"testing"
)

func TestOrderAcrossWrap(t *testing.T) {
	r := New(64)

	const N = 2000
	src := make([]byte, N)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, 0, N)

	p := src
	for len(dst) < N {
		step := 7
		if step > len(p) {
			step = len(p)
		}
		if step > 0 && r.TryWrite(p[:step]) {
			p = p[step:]
			r.PublishWrite()
		}

		r.SyncWrite()
		var tmp [5]byte
		n := r.Read(tmp[:])
		dst = append(dst, tmp[:n]...)
		r.PublishRead()
		r.SyncRead()
	}

	for i := 0; i < N; i++ {
		if dst[i] != src[i] {
			t.Fatalf("mismatch at %d: got=%d want=%d", i, dst[i], src[i])
		}
	}
}

func TestWritesInvisibleUntilPublished(t *testing.T) {
	r := New(16)
	if !r.TryWrite([]byte{1, 2, 3}) {
		t.Fatal("write rejected on empty ring")
	}
	r.SyncWrite()
	if got := r.Unread(); got != 0 {
		t.Fatalf("unpublished bytes visible: %d", got)
	}
	r.PublishWrite()
	r.SyncWrite()
	if got := r.Unread(); got != 3 {
		t.Fatalf("unread=%d want 3", got)
	}
	lr, lw, sw := r.WriterView()
	if lr != 0 || lw != 3 || sw != 3 {
		t.Fatalf("writer view = %d,%d,%d", lr, lw, sw)
	}
}

func TestSpaceFollowsMirrorOnly(t *testing.T) {
	r := New(8)
	if !r.TryWrite(make([]byte, 8)) {
		t.Fatal("write of full size rejected")
	}
	r.PublishWrite()
	if r.TryWrite([]byte{1}) {
		t.Fatal("write accepted on full ring")
	}

	r.SyncWrite()
	r.Discard(8)
	r.PublishRead()
	if r.Space() != 0 {
		t.Fatal("space freed before writer synced its read mirror")
	}
	r.SyncRead()
	if r.Space() != 8 {
		t.Fatalf("space=%d want 8", r.Space())
	}
}

func TestTryWriteAllOrNothing(t *testing.T) {
	r := New(8)
	if r.TryWrite([]byte{1, 2, 3, 4}, []byte{5, 6, 7, 8, 9}) {
		t.Fatal("oversized multi-segment write accepted")
	}
	if _, lw, _ := r.WriterView(); lw != 0 {
		t.Fatalf("partial write leaked: localWr=%d", lw)
	}
}

func TestReset(t *testing.T) {
	r := New(8)
	r.TryWrite([]byte{1, 2})
	r.PublishWrite()
	r.SyncWrite()
	r.Reset()
	if r.Unread() != 0 || r.Space() != 8 {
		t.Fatal("reset left indices behind")
	}
}
