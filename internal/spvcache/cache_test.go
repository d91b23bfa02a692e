package spvcache

import (
	"errors"
	"fmt"
	"testing"
)

func TestGetOrCompileMemoizes(t *testing.T) {
	c := New[[]uint32](0)
	calls := 0
	compile := func(src string) ([]uint32, error) {
		calls++
		return []uint32{uint32(len(src))}, nil
	}

	for range 3 {
		v, err := c.GetOrCompile("@vertex fn vs_main() {}", compile)
		if err != nil {
			t.Fatalf("GetOrCompile: %v", err)
		}
		if len(v) != 1 {
			t.Fatalf("value = %v", v)
		}
	}
	if calls != 1 {
		t.Errorf("compile called %d times, want 1", calls)
	}
	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 || st.Len != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestGetOrCompileDoesNotCacheFailures(t *testing.T) {
	c := New[int](0)
	errBroken := errors.New("broken")
	if _, err := c.GetOrCompile("x", func(string) (int, error) { return 0, errBroken }); !errors.Is(err, errBroken) {
		t.Fatalf("err = %v, want %v", err, errBroken)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after failed compile", c.Len())
	}
	v, err := c.GetOrCompile("x", func(string) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("retry = (%d, %v), want (7, nil)", v, err)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int](4)
	compile := func(src string) (int, error) { return len(src), nil }
	for i := range 4 {
		if _, err := c.GetOrCompile(fmt.Sprintf("src-%d", i), compile); err != nil {
			t.Fatal(err)
		}
	}
	// Touch src-0 so it survives.
	if _, ok := c.Get("src-0"); !ok {
		t.Fatal("src-0 missing")
	}
	if _, err := c.GetOrCompile("src-4", compile); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get("src-0"); !ok {
		t.Error("recently used entry was evicted")
	}
	if _, ok := c.Get("src-1"); ok {
		t.Error("oldest entry survived eviction")
	}
	if c.Stats().Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", c.Stats().Evictions)
	}
}

func TestKeyStable(t *testing.T) {
	if Key("a") != Key("a") || Key("a") == Key("b") {
		t.Error("Key is not a stable content hash")
	}
}
