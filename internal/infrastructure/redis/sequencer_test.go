package redis

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/vetrx/fulfillment/internal/domain/order"
)

// requires a running Redis; set REDIS_ADDR to enable
func newTestSequencer(t *testing.T) *Sequencer {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := Connect(context.Background(), Options{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	key := "test:order_number:" + uuid.NewString()
	t.Cleanup(func() {
		client.Del(context.Background(), key)
		client.Close()
	})
	return NewSequencer(client, key)
}

func TestSequencer_FirstValueAndConcurrency(t *testing.T) {
	seq := newTestSequencer(t)
	ctx := context.Background()

	first, err := seq.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != order.FirstOrderNumber {
		t.Fatalf("first = %d, want %d", first, order.FirstOrderNumber)
	}

	const n = 100
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]bool{first: true}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := seq.Next(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n+1 {
		t.Fatalf("distinct = %d, want %d", len(seen), n+1)
	}
}

func TestSequencer_ResumeNeverLowers(t *testing.T) {
	seq := newTestSequencer(t)
	ctx := context.Background()

	if err := seq.Resume(ctx, 100500); err != nil {
		t.Fatal(err)
	}
	if err := seq.Resume(ctx, 100200); err != nil {
		t.Fatal(err)
	}
	v, err := seq.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 100501 {
		t.Fatalf("next = %d, want 100501", v)
	}
}
