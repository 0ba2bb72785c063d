package store

import (
	"context"
	"testing"
)

func TestMemoryRoundtrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if v, err := s.Get(ctx, "missing"); err != nil || v != nil {
		t.Fatalf("missing key: v=%v err=%v", v, err)
	}
	if err := s.Set(ctx, "k", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "hello" {
		t.Fatalf("v = %q", v)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v, err := s.Get(ctx, "k"); err != nil || v != nil {
		t.Fatalf("after delete: v=%v err=%v", v, err)
	}
	// Deleting again is a no-op.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	in := []byte("original")
	if err := s.Set(ctx, "k", in); err != nil {
		t.Fatal(err)
	}
	in[0] = 'X'

	out, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "original" {
		t.Fatalf("stored value aliased the caller's slice: %q", out)
	}

	out[0] = 'Y'
	again, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != "original" {
		t.Fatalf("returned value aliased the stored slice: %q", again)
	}
}
