package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestPingChecker(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", Ping("postgres", func(context.Context) error { return nil }))
	r.Register("redis", Ping("redis", func(context.Context) error { return errors.New("dial tcp: refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy")
	}
	if statuses[0].Name != "postgres" || !statuses[0].Healthy {
		t.Errorf("unexpected postgres status: %+v", statuses[0])
	}
	if statuses[1].Detail != "dial tcp: refused" {
		t.Errorf("unexpected redis detail: %q", statuses[1].Detail)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("kafka", func(ctx context.Context) Status {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			time.Sleep(100 * time.Millisecond)
		}
		return Status{Name: "kafka", Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("slow checker should be reported unhealthy")
	}
	if statuses[0].Name != "kafka" {
		t.Errorf("expected name filled from registration, got %q", statuses[0].Name)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("CheckAll did not honour the timeout")
	}
}
