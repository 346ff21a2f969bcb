package table

import "testing"

func TestSetGetDelete(t *testing.T) {
	tb := New[uint16, string]()
	if _, ok := tb.Get(1); ok {
		t.Fatal("expected miss on empty table")
	}
	tb.Set(1, "a")
	v, ok := tb.Get(1)
	if !ok || v != "a" {
		t.Fatalf("got %q, %v", v, ok)
	}
	if _, ok := tb.Delete(1); !ok {
		t.Fatal("expected delete to report prior presence")
	}
	if tb.Has(1) {
		t.Fatal("expected key gone after delete")
	}
}

func TestSetIfAbsent(t *testing.T) {
	tb := New[uint16, int]()
	if !tb.SetIfAbsent(1, 10) {
		t.Fatal("first insert should succeed")
	}
	if tb.SetIfAbsent(1, 20) {
		t.Fatal("second insert on existing key should fail")
	}
	v, _ := tb.Get(1)
	if v != 10 {
		t.Fatalf("expected original value preserved, got %d", v)
	}
}
