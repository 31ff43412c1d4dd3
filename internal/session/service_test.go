package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vidmind/vidmind/pkg/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st := newTestStore(t)
	factory := func(string) (Conversation, error) {
		return &scriptedConv{scripts: []turnScript{greetingScript()}}, nil
	}
	svc := NewService(testConfig(), st, factory, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	t.Cleanup(svc.Shutdown)
	return svc
}

func TestGetOrCreate(t *testing.T) {
	t.Run("rejects invalid session id", func(t *testing.T) {
		svc := newTestService(t)
		_, err := svc.GetOrCreate("not-a-uuid")
		app := models.AsAppError(err)
		if app == nil || app.Code != models.CodeValidationError {
			t.Fatalf("err = %v, want VALIDATION_ERROR", err)
		}
	})

	t.Run("returns same actor for same id", func(t *testing.T) {
		svc := newTestService(t)
		id := uuid.NewString()

		first, err := svc.GetOrCreate(id)
		if err != nil {
			t.Fatal(err)
		}
		second, err := svc.GetOrCreate(id)
		if err != nil {
			t.Fatal(err)
		}
		if first != second {
			t.Error("two actors for one session id")
		}
		if svc.Count() != 1 {
			t.Errorf("Count = %d", svc.Count())
		}
	})

	t.Run("concurrent creates yield one winner", func(t *testing.T) {
		svc := newTestService(t)
		id := uuid.NewString()

		const callers = 8
		actors := make([]*Actor, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				actor, err := svc.GetOrCreate(id)
				if err != nil {
					t.Errorf("GetOrCreate: %v", err)
					return
				}
				actors[i] = actor
			}(i)
		}
		wg.Wait()

		for i := 1; i < callers; i++ {
			if actors[i] != actors[0] {
				t.Fatal("concurrent creates produced different actors")
			}
		}
		if svc.Count() != 1 {
			t.Errorf("Count = %d", svc.Count())
		}
	})

	t.Run("replaces dead actor", func(t *testing.T) {
		svc := newTestService(t)
		id := uuid.NewString()

		first, err := svc.GetOrCreate(id)
		if err != nil {
			t.Fatal(err)
		}
		first.Stop()

		second, err := svc.GetOrCreate(id)
		if err != nil {
			t.Fatal(err)
		}
		if first == second {
			t.Error("dead actor was returned")
		}
		if !second.IsRunning() {
			t.Error("replacement actor not running")
		}
	})
}

func TestRemove(t *testing.T) {
	svc := newTestService(t)
	id := uuid.NewString()
	if _, err := svc.GetOrCreate(id); err != nil {
		t.Fatal(err)
	}

	if !svc.Remove(id) {
		t.Fatal("Remove returned false")
	}
	if svc.Count() != 0 {
		t.Errorf("Count = %d", svc.Count())
	}
	if svc.Remove(id) {
		t.Error("second Remove returned true")
	}
}

func TestCleanupExpired(t *testing.T) {
	svc := newTestService(t)
	keep, err := svc.GetOrCreate(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	dead, err := svc.GetOrCreate(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	dead.Stop()

	if n := svc.CleanupExpired(); n != 1 {
		t.Errorf("removed = %d", n)
	}
	if svc.Count() != 1 {
		t.Errorf("Count = %d", svc.Count())
	}
	if _, ok := svc.Get(keep.ID); !ok {
		t.Error("live actor was removed")
	}
}

func TestShutdown(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	actor, err := svc.GetOrCreate(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	actor.GetGreeting(ctx)

	svc.Shutdown()

	if actor.IsRunning() {
		t.Error("actor still running after shutdown")
	}
	if _, err := svc.GetOrCreate(uuid.NewString()); err == nil {
		t.Error("create succeeded after shutdown")
	}

	// Double shutdown is a no-op.
	svc.Shutdown()
}

func TestCleanupLoop(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.CleanupInterval = 20 * time.Millisecond
	cfg.TTL = 10 * time.Millisecond

	factory := func(string) (Conversation, error) {
		return &scriptedConv{scripts: []turnScript{greetingScript()}}, nil
	}
	svc := NewService(cfg, st, factory, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	t.Cleanup(svc.Shutdown)

	if _, err := svc.GetOrCreate(uuid.NewString()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.RunCleanupLoop(ctx)

	deadline := time.After(2 * time.Second)
	for svc.Count() > 0 {
		select {
		case <-deadline:
			t.Fatal("expired actor never cleaned up")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

var _ Conversation = (*scriptedConv)(nil)
