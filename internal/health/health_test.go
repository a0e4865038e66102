package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRun_EmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, results := r.Run(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(results) != 0 {
		t.Fatalf("expected 0 results, got %d", len(results))
	}
}

func TestRun_AllPassing(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) error { return nil })
	r.Register("gateway", func(_ context.Context) error { return nil })

	healthy, results := r.Run(context.Background())
	if !healthy {
		t.Fatal("all-passing registry should report healthy")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Name != "database" || !results[0].Healthy {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
}

func TestRun_OneFailingDegradesAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) error { return nil })
	r.Register("gateway", func(_ context.Context) error {
		return errors.New("connection refused")
	})

	healthy, results := r.Run(context.Background())
	if healthy {
		t.Fatal("failing check should degrade the aggregate")
	}
	if results[1].Healthy {
		t.Fatal("failing check should report unhealthy")
	}
	if results[1].Detail != "connection refused" {
		t.Fatalf("Detail = %q, want %q", results[1].Detail, "connection refused")
	}
}

func TestRun_ChecksGetBoundedContext(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline set")
		}
		return nil
	})

	healthy, _ := r.Run(context.Background())
	if !healthy {
		t.Fatal("each check should run under a deadline-bounded context")
	}
}

func TestRegistry_ConcurrentRegisterAndRun(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("dep", func(_ context.Context) error { return nil })
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(context.Background())
		}()
	}

	wg.Wait()
}
