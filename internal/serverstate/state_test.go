package serverstate

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStore(t *testing.T) {
	prev := UseStore(NewMemoryStore())
	defer UseStore(prev)

	if got := GetState(); got != StatusNotReady {
		t.Fatalf("initial state = %q; want %q", got, StatusNotReady)
	}
	if IsDraining() {
		t.Fatalf("initial draining = true; want false")
	}

	SetState(StatusReady)
	if got := GetState(); got != StatusReady {
		t.Fatalf("state after SetState = %q; want %q", got, StatusReady)
	}

	StartDrain()
	if st := Snapshot(); st.Status != StatusDraining || !st.Draining || !IsDraining() {
		t.Fatalf("state after StartDrain = %#v", st)
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rs, err := NewRedisStore(context.Background(), client)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	prev := UseStore(rs)
	defer UseStore(prev)

	if got := GetState(); got != StatusNotReady {
		t.Fatalf("initial state = %q; want %q", got, StatusNotReady)
	}
	SetState(StatusReady)
	StartDrain()

	// a second bridge sees the persisted state
	rs2, err := NewRedisStore(context.Background(), client)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if st := rs2.Load(); st.Status != StatusDraining || !st.Draining {
		t.Fatalf("persisted state = %#v", st)
	}
	UseStore(rs2)
	MarkReady()
	if IsDraining() || GetState() != StatusReady {
		t.Fatalf("state after restart = %#v", Snapshot())
	}
}
