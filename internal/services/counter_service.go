package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tas-logistics/api/internal/repositories"
)

var (
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	ErrCounterExhausted    = errors.New("counter: exhausted")
)

type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

// counterBounds is the comparable form of the bounds in CounterGenerationOptions. Zero
// pointers mean "leave as stored".
type counterBounds struct {
	step    int64
	max     int64
	hasMax  bool
	initial int64
	hasInit bool
}

func boundsOf(opts CounterGenerationOptions) counterBounds {
	b := counterBounds{step: max(opts.Step, 0)}
	if opts.MaxValue != nil {
		b.max, b.hasMax = *opts.MaxValue, true
	}
	if opts.InitialValue != nil {
		b.initial, b.hasInit = *opts.InitialValue, true
	}
	return b
}

func (b counterBounds) empty() bool {
	return b.step == 0 && !b.hasMax && !b.hasInit
}

func (b counterBounds) config() repositories.CounterConfig {
	cfg := repositories.CounterConfig{Step: b.step}
	if b.hasMax {
		maxValue := b.max
		cfg.MaxValue = &maxValue
	}
	if b.hasInit {
		initial := b.initial
		cfg.InitialValue = &initial
	}
	return cfg
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time

	mu      sync.Mutex
	applied map[string]counterBounds
}

func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &counterService{
		repo:    deps.Repository,
		clock:   func() time.Time { return clock().UTC() },
		applied: make(map[string]counterBounds),
	}, nil
}

// Next draws the next value of the scope:name sequence and formats it. Bounds carried in
// opts reach the repository the first time this process sees them.
func (s *counterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	scope, name = strings.TrimSpace(scope), strings.TrimSpace(name)
	switch {
	case scope == "":
		return CounterValue{}, fmt.Errorf("%w: scope is required", ErrCounterInvalidInput)
	case name == "":
		return CounterValue{}, fmt.Errorf("%w: name is required", ErrCounterInvalidInput)
	}
	id := scope + ":" + name

	if err := s.apply(ctx, id, boundsOf(opts)); err != nil {
		return CounterValue{}, translateCounterError(err)
	}
	value, err := s.repo.Next(ctx, id, opts.Step)
	if err != nil {
		return CounterValue{}, translateCounterError(err)
	}
	return CounterValue{Value: value, Formatted: formatCounter(s.clock(), value, opts)}, nil
}

func (s *counterService) apply(ctx context.Context, id string, bounds counterBounds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seen, ok := s.applied[id]; ok && seen == bounds {
		return nil
	}
	if !bounds.empty() {
		if err := s.repo.Configure(ctx, id, bounds.config()); err != nil {
			return err
		}
	}
	s.applied[id] = bounds
	return nil
}

func translateCounterError(err error) error {
	var counterErr *repositories.CounterError
	if !errors.As(err, &counterErr) {
		return err
	}
	switch {
	case errors.Is(err, repositories.ErrCounterExhausted):
		return fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Detail)
	case errors.Is(err, repositories.ErrCounterInvalid):
		return fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Detail)
	}
	return err
}

func formatCounter(now time.Time, value int64, opts CounterGenerationOptions) string {
	if opts.Formatter != nil {
		return opts.Formatter(now, value)
	}
	digits := strconv.FormatInt(value, 10)
	if pad := opts.PadLength - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return opts.Prefix + digits + opts.Suffix
}
