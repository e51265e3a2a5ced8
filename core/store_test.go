package core

import "testing"

func TestMemStorePutGetRemove(t *testing.T) {
	s := NewMemStore()
	if _, ok := s.Get("k"); ok {
		t.Fatalf("expected missing key")
	}
	s.Put("k", []byte("v1"))
	v, ok := s.Get("k")
	if !ok || string(v) != "v1" {
		t.Fatalf("Get after Put: got %q, %v", v, ok)
	}
	prev, ok := s.Remove("k")
	if !ok || string(prev) != "v1" {
		t.Fatalf("Remove: got %q, %v", prev, ok)
	}
	if _, ok := s.Get("k"); ok {
		t.Fatalf("expected key to be gone after Remove")
	}
}

func TestMemStorePutIfAbsent(t *testing.T) {
	s := NewMemStore()
	prev, existed := s.PutIfAbsent("k", []byte("v1"))
	if existed || prev != nil {
		t.Fatalf("first PutIfAbsent should report absent, got %q, %v", prev, existed)
	}
	prev, existed = s.PutIfAbsent("k", []byte("v2"))
	if !existed || string(prev) != "v1" {
		t.Fatalf("second PutIfAbsent should report existing v1, got %q, %v", prev, existed)
	}
	v, _ := s.Get("k")
	if string(v) != "v1" {
		t.Fatalf("PutIfAbsent must not overwrite an existing value, got %q", v)
	}
}

func TestMemStoreReplaceIfEqual(t *testing.T) {
	s := NewMemStore()
	if s.ReplaceIfEqual("k", []byte("stale"), []byte("new")) {
		t.Fatalf("ReplaceIfEqual should fail against a key that does not exist yet")
	}
	if !s.ReplaceIfEqual("k", nil, []byte("v1")) {
		t.Fatalf("ReplaceIfEqual(nil, v1) should succeed for an absent key")
	}
	if s.ReplaceIfEqual("k", []byte("wrong"), []byte("v2")) {
		t.Fatalf("ReplaceIfEqual should fail on a mismatched expected value")
	}
	if !s.ReplaceIfEqual("k", []byte("v1"), []byte("v2")) {
		t.Fatalf("ReplaceIfEqual(v1, v2) should succeed")
	}
	v, _ := s.Get("k")
	if string(v) != "v2" {
		t.Fatalf("expected v2 after ReplaceIfEqual, got %q", v)
	}
}

func TestMemStoreContainsValueKeysSizeClear(t *testing.T) {
	s := NewMemStore()
	s.Put("a", []byte("x"))
	s.Put("b", []byte("y"))
	if !s.ContainsValue([]byte("x")) || s.ContainsValue([]byte("z")) {
		t.Fatalf("ContainsValue behaved unexpectedly")
	}
	if s.Size() != 2 {
		t.Fatalf("expected size 2, got %d", s.Size())
	}
	keys := s.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	s.Clear()
	if s.Size() != 0 {
		t.Fatalf("expected size 0 after Clear, got %d", s.Size())
	}
}
