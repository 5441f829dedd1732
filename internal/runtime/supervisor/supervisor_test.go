package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGoAndStop(t *testing.T) {
	s := New(context.Background())
	ran := make(chan struct{})
	s.Go0("worker", func(ctx context.Context) {
		close(ran)
		<-ctx.Done()
	})
	<-ran

	if got := s.Active(); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := s.Active(); got != 0 {
		t.Fatalf("active after stop = %d", got)
	}
}

func TestFirstErrorWins(t *testing.T) {
	s := New(context.Background())
	first := errors.New("first failure")
	s.Go("a", func(ctx context.Context) error { return first })
	if err := s.Wait(context.Background()); !errors.Is(err, first) {
		t.Fatalf("err = %v, want %v", err, first)
	}
	s.Go("b", func(ctx context.Context) error { return errors.New("second") })
	_ = s.Stop(context.Background())
	if err := s.Err(); !errors.Is(err, first) {
		t.Fatalf("later error replaced the first: %v", err)
	}
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(ctx context.Context) error { return errors.New("boom") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after error")
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(context.Background())
	s.Go0("panicky", func(ctx context.Context) { panic("kaboom") })
	if err := s.Wait(context.Background()); err == nil {
		t.Fatal("panic not surfaced as error")
	}
}

func TestCleanContextCancelIsNotAnError(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("clean shutdown reported error: %v", err)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	s := New(context.Background())
	s.Go0("stuck", func(ctx context.Context) {
		// Ignores cancellation on purpose.
		time.Sleep(5 * time.Second)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
