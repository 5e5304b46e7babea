package pool

import "testing"

func TestGetReleaseReturnsToPool(t *testing.T) {
	p := NewBufferPool(64, 0)

	buf, err := p.Get(32)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(buf.Data) != 32 {
		t.Errorf("len = %d, want 32", len(buf.Data))
	}
	if buf.Refs() != 1 {
		t.Errorf("refs = %d, want 1", buf.Refs())
	}
	if p.Live() != 1 {
		t.Errorf("live = %d, want 1", p.Live())
	}

	buf.Release()
	if p.Live() != 0 {
		t.Errorf("live after release = %d, want 0", p.Live())
	}
}

func TestRetainDefersReturn(t *testing.T) {
	p := NewBufferPool(64, 0)
	buf, _ := p.Get(16)

	buf.Retain()
	buf.Release()
	if p.Live() != 1 {
		t.Fatalf("buffer returned while a reference remained")
	}
	buf.Release()
	if p.Live() != 0 {
		t.Errorf("live = %d, want 0", p.Live())
	}
}

func TestOverReleasePanics(t *testing.T) {
	p := NewBufferPool(64, 0)
	buf, _ := p.Get(16)
	buf.Release()

	defer func() {
		if recover() == nil {
			t.Error("over-release did not panic")
		}
	}()
	buf.Release()
}

func TestLiveBudgetExhaustion(t *testing.T) {
	p := NewBufferPool(64, 2)

	a, _ := p.Get(16)
	b, _ := p.Get(16)
	if _, err := p.Get(16); err == nil {
		t.Fatal("Get succeeded past the live budget")
	}

	a.Release()
	if _, err := p.Get(16); err != nil {
		t.Fatalf("Get after release: %v", err)
	}
	_ = b
}

func TestCloneForWriteExclusive(t *testing.T) {
	p := NewBufferPool(64, 0)
	buf, _ := p.Get(16)
	buf.Data[0] = 42

	got, err := p.CloneForWrite(buf)
	if err != nil {
		t.Fatalf("CloneForWrite: %v", err)
	}
	if got != buf {
		t.Error("exclusively held buffer was copied")
	}
}

func TestCloneForWriteShared(t *testing.T) {
	p := NewBufferPool(64, 0)
	buf, _ := p.Get(16)
	buf.Data[0] = 42
	buf.Retain() // second holder

	got, err := p.CloneForWrite(buf)
	if err != nil {
		t.Fatalf("CloneForWrite: %v", err)
	}
	if got == buf {
		t.Fatal("shared buffer returned for writing")
	}
	if got.Data[0] != 42 {
		t.Error("clone did not copy contents")
	}
	if buf.Refs() != 1 {
		t.Errorf("src refs = %d, want 1 (caller's reference released)", buf.Refs())
	}

	// Mutating the clone must not leak into the shared original.
	got.Data[0] = 7
	if buf.Data[0] != 42 {
		t.Error("write reached the shared buffer")
	}
}

func TestGetGrowsUndersizedBuffer(t *testing.T) {
	p := NewBufferPool(8, 0)
	buf, err := p.Get(128)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(buf.Data) != 128 {
		t.Errorf("len = %d, want 128", len(buf.Data))
	}
}
