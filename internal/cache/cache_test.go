package cache

import (
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	c := NewMemory()

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for absent key")
	}

	c.Set("k", []byte("v"), 0)
	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = (%q, %v), want (v, true)", got, ok)
	}

	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after delete")
	}
}

func TestExpiredEntryIsTreatedAsAbsent(t *testing.T) {
	c := NewMemory()
	c.Set("k", []byte("v"), 10*time.Millisecond)

	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expected expired entry to read as absent")
	}
}

func TestOverwriteResetsTTL(t *testing.T) {
	c := NewMemory()
	c.Set("k", []byte("old"), 10*time.Millisecond)
	c.Set("k", []byte("new"), 0)

	time.Sleep(20 * time.Millisecond)
	got, ok := c.Get("k")
	if !ok || string(got) != "new" {
		t.Fatalf("Get = (%q, %v), want (new, true)", got, ok)
	}
}
