package idgen

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	for _, length := range []int{8, 16, 32} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("NanoID: unexpected character %q in %q", c, id)
			}
		}
	}
}

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 200)
	for i := 0; i < 200; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("scan_", NanoID(8))()
	if !strings.HasPrefix(id, "scan_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if len(id) != len("scan_")+8 {
		t.Fatalf("length = %d", len(id))
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("s")
	for _, want := range []string{"s1", "s2", "s3"} {
		if got := gen(); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestDefault_IsTimeOrdered(t *testing.T) {
	first := Default()
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("Default() = %q: %v", first, err)
	}
	u := uuid.MustParse(first)
	if u.Version() != 7 {
		t.Fatalf("version = %d, want 7", u.Version())
	}
	time.Sleep(2 * time.Millisecond)
	if second := Default(); second <= first {
		t.Fatalf("ids not increasing: %q then %q", first, second)
	}
}

func TestSequence_Concurrent(t *testing.T) {
	gen := Sequence("c")
	var wg sync.WaitGroup
	ids := make(chan string, 100)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen()
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate %q", id)
		}
		seen[id] = true
	}
}
