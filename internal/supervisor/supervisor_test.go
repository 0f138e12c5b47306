package supervisor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"chain-extnode/sync/internal/supervisor"
)

func TestRunReturnsNilWhenAllTasksExitCleanly(t *testing.T) {
	s := supervisor.New(supervisor.Config{
		GracePeriod: time.Second,
		Tasks: []supervisor.Task{
			{Name: "a", Run: func(ctx context.Context, stop <-chan struct{}) error { return nil }},
			{Name: "b", Run: func(ctx context.Context, stop <-chan struct{}) error {
				<-stop
				return nil
			}},
		},
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func TestRunPropagatesFirstTaskError(t *testing.T) {
	boom := errors.New("boom")
	s := supervisor.New(supervisor.Config{
		GracePeriod: time.Second,
		Tasks: []supervisor.Task{
			{Name: "a", Run: func(ctx context.Context, stop <-chan struct{}) error { return boom }},
			{Name: "b", Run: func(ctx context.Context, stop <-chan struct{}) error {
				<-stop
				return nil
			}},
		},
	})
	err := s.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := supervisor.New(supervisor.Config{
		GracePeriod: time.Second,
		Tasks: []supervisor.Task{
			{Name: "a", Run: func(ctx context.Context, stop <-chan struct{}) error {
				<-stop
				return nil
			}},
		},
	})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("expected nil on cancellation-triggered stop, got %v", err)
	}
}

func TestRunReturnsErrorWhenGracePeriodElapses(t *testing.T) {
	s := supervisor.New(supervisor.Config{
		GracePeriod: 20 * time.Millisecond,
		Tasks: []supervisor.Task{
			// "a" exits at once and so triggers the stop broadcast that
			// starts the grace period.
			{Name: "a", Run: func(ctx context.Context, stop <-chan struct{}) error { return nil }},
			{Name: "stuck", Run: func(ctx context.Context, stop <-chan struct{}) error {
				<-ctx.Done() // never observes stop, simulating a task that ignores shutdown
				return ctx.Err()
			}},
		},
	})
	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected grace period timeout error")
	}
}
