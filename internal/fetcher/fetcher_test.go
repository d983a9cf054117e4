package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joblet/joblet/internal/queue"
	"github.com/redis/go-redis/v9"
)

func setup(t *testing.T) *queue.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewClientFromRedis(rdb, queue.Options{Namespace: "test:"})
}

func TestFetchReturnsUnitWithSourceQueue(t *testing.T) {
	store := setup(t)
	ctx := context.Background()
	if err := store.Push(ctx, "default", []byte("job-1")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	f := New(store, Options{Queues: []string{"default"}, Strict: true, Timeout: time.Second, Identity: "p1"}, nil)
	u, err := f.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if u == nil || u.Queue != "default" || string(u.Payload) != "job-1" {
		t.Fatalf("unexpected unit: %+v", u)
	}
}

func TestFetchEmptyQueuesReturnsNilWithoutError(t *testing.T) {
	store := setup(t)
	f := New(store, Options{Queues: []string{"a", "b"}, Strict: true, Timeout: 50 * time.Millisecond, Identity: "p1"}, nil)

	u, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil unit, got %+v", u)
	}
}

func TestFetchStrictOrderDrainsFirstQueueFirst(t *testing.T) {
	store := setup(t)
	ctx := context.Background()
	if err := store.Push(ctx, "high", []byte("h1")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := store.Push(ctx, "low", []byte("l1")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	f := New(store, Options{Queues: []string{"high", "low"}, Strict: true, Timeout: time.Second, Identity: "p1"}, nil)
	u, err := f.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if u == nil || u.Queue != "high" {
		t.Fatalf("expected unit from high queue first, got %+v", u)
	}
}

func TestStopMakesFetchReturnImmediately(t *testing.T) {
	store := setup(t)
	f := New(store, Options{Queues: []string{"default"}, Strict: true, Timeout: 5 * time.Second, Identity: "p1"}, nil)
	f.Stop()

	start := time.Now()
	u, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("expected no error after stop, got %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil unit after stop, got %+v", u)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("expected immediate return after stop")
	}
}

func TestAckRemovesFromInFlight(t *testing.T) {
	store := setup(t)
	ctx := context.Background()
	if err := store.Push(ctx, "default", []byte("job-1")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	f := New(store, Options{Queues: []string{"default"}, Strict: true, Timeout: time.Second, Identity: "p1"}, nil)
	u, err := f.Fetch(ctx)
	if err != nil || u == nil {
		t.Fatalf("Fetch: %v %+v", err, u)
	}
	if err := f.Ack(ctx, u); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	depth, err := store.Redis().LLen(ctx, store.InFlightKey("default", "p1")).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected empty in-flight list, got %d", depth)
	}
}

func TestRequeueOnShutdownMovesBackToQueue(t *testing.T) {
	store := setup(t)
	ctx := context.Background()
	if err := store.Push(ctx, "default", []byte("job-1")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	f := New(store, Options{Queues: []string{"default"}, Strict: true, Timeout: time.Second, Identity: "p1"}, nil)
	if _, err := f.Fetch(ctx); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	moved, err := f.RequeueOnShutdown(ctx)
	if err != nil {
		t.Fatalf("RequeueOnShutdown: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 unit requeued, got %d", moved)
	}

	depth, err := store.QueueDepth(ctx, "default")
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected item back on queue, got depth %d", depth)
	}
}

func TestBulkRequeueOnlyMovesDeadIdentities(t *testing.T) {
	store := setup(t)
	ctx := context.Background()
	if err := store.Push(ctx, "default", []byte("job-1")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := store.Push(ctx, "default", []byte("job-2")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	alive := New(store, Options{Queues: []string{"default"}, Strict: true, Timeout: time.Second, Identity: "alive-proc"}, nil)
	dead := New(store, Options{Queues: []string{"default"}, Strict: true, Timeout: time.Second, Identity: "dead-proc"}, nil)

	if _, err := alive.Fetch(ctx); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := dead.Fetch(ctx); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if err := store.RegisterProcess(ctx, "alive-proc", nil, time.Minute); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	moved, err := BulkRequeue(ctx, store, []string{"default"})
	if err != nil {
		t.Fatalf("BulkRequeue: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected exactly 1 unit from the dead identity requeued, got %d", moved)
	}

	aliveDepth, err := store.Redis().LLen(ctx, store.InFlightKey("default", "alive-proc")).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if aliveDepth != 1 {
		t.Fatalf("alive process's in-flight unit must be left in place, got %d", aliveDepth)
	}
}
