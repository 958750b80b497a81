//go:build integration

package firestore

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tas-logistics/api/internal/repositories"
)

func TestCounterRepositoryConcurrentNext(t *testing.T) {
	repo, err := NewCounterRepository(newEmulatorProvider(t, "tas-counter-test"))
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	const clerks = 16
	issued := make([]int64, clerks)
	var g errgroup.Group
	for i := range issued {
		g.Go(func() error {
			value, err := repo.Next(ctx, "tracking:TAS", 1)
			issued[i] = value
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent next: %v", err)
	}

	slices.Sort(issued)
	for i, value := range issued {
		if value != int64(i+1) {
			t.Fatalf("expected gap-free sequence, got %v", issued)
		}
	}
}

func TestCounterRepositoryBoundsAndSeed(t *testing.T) {
	repo, err := NewCounterRepository(newEmulatorProvider(t, "tas-counter-bounds"))
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	seed, limit := int64(40), int64(42)
	cfg := repositories.CounterConfig{MaxValue: &limit, InitialValue: &seed}
	if err := repo.Configure(ctx, "customers:CUST", cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for _, want := range []int64{41, 42} {
		got, err := repo.Next(ctx, "customers:CUST", 0)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}

	_, err = repo.Next(ctx, "customers:CUST", 0)
	if !errors.Is(err, repositories.ErrCounterExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	var counterErr *repositories.CounterError
	if !errors.As(err, &counterErr) || counterErr.CounterID != "customers:CUST" {
		t.Fatalf("expected counter error naming the counter, got %T %v", err, err)
	}

	// Re-applying the seed on a live counter must not rewind it.
	raised := int64(100)
	cfg.MaxValue = &raised
	if err := repo.Configure(ctx, "customers:CUST", cfg); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	got, err := repo.Next(ctx, "customers:CUST", 0)
	if err != nil {
		t.Fatalf("next after raise: %v", err)
	}
	if got != 43 {
		t.Fatalf("expected sequence to continue at 43, got %d", got)
	}

	if err := repo.Configure(ctx, "customers:BAD", repositories.CounterConfig{MaxValue: &seed, InitialValue: &raised}); !errors.Is(err, repositories.ErrCounterInvalid) {
		t.Fatalf("expected seed above max to be rejected, got %v", err)
	}
}
