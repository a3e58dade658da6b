package tensor

import (
	"errors"
	"testing"
)

func TestAllocMonotonic(t *testing.T) {
	ctx := NewContext("test", 1024)

	a, err := ctx.Alloc(100, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	b, err := ctx.Alloc(100, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	if len(a) != 100 || len(b) != 100 {
		t.Fatalf("wrong region sizes: %d, %d", len(a), len(b))
	}
	if ctx.Used() < 200 {
		t.Errorf("used %d, want >= 200", ctx.Used())
	}
	if &a[0] == &b[0] {
		t.Error("allocations must not overlap")
	}
}

func TestAllocAlignment(t *testing.T) {
	ctx := NewContext("test", 1024)
	ctx.Alloc(1, 0)
	b, err := ctx.Alloc(8, 64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	_ = b
	if ctx.Used()%8 != 0 {
		t.Errorf("allocation not advancing by aligned offsets: used=%d", ctx.Used())
	}
}

func TestExhaustionLeavesPriorAllocationsIntact(t *testing.T) {
	ctx := NewContext("small", 256)

	first, err := ctx.Alloc(128, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	for i := range first {
		first[i] = 0xAB
	}
	usedBefore := ctx.Used()

	_, err = ctx.Alloc(4096, 0)
	var exhausted ErrArenaExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrArenaExhausted, got %v", err)
	}
	if exhausted.Arena != "small" {
		t.Errorf("error should name the arena, got %q", exhausted.Arena)
	}

	if ctx.Used() != usedBefore {
		t.Errorf("failed alloc mutated the cursor: %d -> %d", usedBefore, ctx.Used())
	}
	for i, v := range first {
		if v != 0xAB {
			t.Fatalf("byte %d of prior allocation corrupted: %x", i, v)
		}
	}

	// The arena stays usable for requests that fit.
	if _, err := ctx.Alloc(64, 0); err != nil {
		t.Errorf("follow-up alloc should succeed: %v", err)
	}
}

func TestScratchScoping(t *testing.T) {
	ctx := NewContext("test", 1024)
	scratch := NewBuffer(512)

	usedBefore := ctx.Used()

	prev := ctx.UseScratch(scratch)
	if prev != nil {
		t.Fatalf("no scratch was active, got %v", prev)
	}
	if _, err := ctx.Alloc(256, 0); err != nil {
		t.Fatalf("scratch alloc: %v", err)
	}
	ctx.UseScratch(prev)

	if ctx.Used() != usedBefore {
		t.Errorf("scratch allocation grew the primary arena: %d -> %d", usedBefore, ctx.Used())
	}

	// After restoration, allocations hit the primary again.
	if _, err := ctx.Alloc(256, 0); err != nil {
		t.Fatalf("primary alloc after scratch: %v", err)
	}
	if ctx.Used() <= usedBefore {
		t.Error("primary arena should grow after scratch is released")
	}
}

func TestScratchExhaustion(t *testing.T) {
	ctx := NewContext("test", 1024)
	scratch := NewBuffer(64)

	prev := ctx.UseScratch(scratch)
	defer ctx.UseScratch(prev)

	_, err := ctx.Alloc(128, 0)
	var exhausted ErrArenaExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrArenaExhausted from scratch, got %v", err)
	}

	scratch.Reset()
	if _, err := ctx.Alloc(48, 0); err != nil {
		t.Errorf("alloc after scratch reset should succeed: %v", err)
	}
}

func TestRecoverTurnsExhaustionIntoError(t *testing.T) {
	ctx := NewContext("tiny", 64)

	err := func() (err error) {
		defer Recover(&err)
		ctx.NewTensor2D(F32, 64, 64) // far beyond capacity
		return nil
	}()

	var exhausted ErrArenaExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrArenaExhausted, got %v", err)
	}
}

func TestRecoverRethrowsOtherPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("non-capacity panics must propagate")
		}
	}()
	var err error
	defer Recover(&err)
	panic("shape mismatch")
}
