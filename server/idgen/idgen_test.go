package idgen

import (
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewFormat(t *testing.T) {
	id := New("WaitSet-")

	if !strings.HasPrefix(id, "WaitSet-") {
		t.Fatalf("Expected prefix WaitSet-, got %s", id)
	}
	body := strings.TrimPrefix(id, "WaitSet-")
	if len(body) != encodedLen {
		t.Errorf("Expected body length %d, got %d", encodedLen, len(body))
	}
	if !regexp.MustCompile(`^[a-z2-7]+$`).MatchString(body) {
		t.Errorf("ID body does not match base32 pattern: %s", body)
	}
}

func TestUniqueness(t *testing.T) {
	count := 10000
	ids := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id := New("")
		if _, exists := ids[id]; exists {
			t.Fatalf("Duplicate ID found: %s", id)
		}
		ids[id] = struct{}{}
	}
}

func TestConcurrentUniqueness(t *testing.T) {
	const workers = 8
	const perWorker = 2000

	g := NewGenerator()
	var mu sync.Mutex
	ids := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.Next("AllWaitSet-"))
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if _, exists := ids[id]; exists {
					t.Errorf("Duplicate ID found: %s", id)
				}
				ids[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(ids) != workers*perWorker {
		t.Errorf("Expected %d unique ids, got %d", workers*perWorker, len(ids))
	}
}

func TestCreatedAt(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	g := NewGenerator()
	g.now = func() time.Time { return fixed }

	id := g.Next("WaitSet-")
	got, err := CreatedAt(id, "WaitSet-")
	if err != nil {
		t.Fatalf("CreatedAt failed: %v", err)
	}
	if !got.Equal(fixed) {
		t.Errorf("Expected %v, got %v", fixed, got)
	}

	if _, err := CreatedAt(id, "AllWaitSet-"); err == nil {
		t.Error("Expected error for wrong prefix")
	}
	if _, err := CreatedAt("WaitSet-short", "WaitSet-"); err == nil {
		t.Error("Expected error for short id")
	}
}
