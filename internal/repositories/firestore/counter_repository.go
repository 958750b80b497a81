package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/tas-logistics/api/internal/platform/firestore"
	"github.com/tas-logistics/api/internal/repositories"
)

const countersCollection = "counters"

// counterDocument is keyed by "<scope>:<name>", e.g. "tracking:TAS" or "customers:CUST".
type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	Step         int64     `firestore:"step"`
	MaxValue     *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func (d counterDocument) increment(requested int64) int64 {
	switch {
	case requested > 0:
		return requested
	case d.Step > 0:
		return d.Step
	default:
		return 1
	}
}

// CounterRepository hands out sequence values inside Firestore transactions so two
// clerks never receive the same customer code or sequential tracking number.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
	clock    func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

type CounterRepositoryOption func(*CounterRepository)

// WithCounterClock overrides the clock used for updatedAt stamps.
func WithCounterClock(clock func() time.Time) CounterRepositoryOption {
	return func(r *CounterRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func NewCounterRepository(provider *pfirestore.Provider, opts ...CounterRepositoryOption) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	repo := &CounterRepository{
		provider: provider,
		counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection, nil, nil),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Next advances the counter by step (or its stored step when step is zero) and returns
// the new value. A missing counter starts from zero.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.InvalidCounterRequest("", "counter id is required")
	}
	if step < 0 {
		return 0, repositories.InvalidCounterRequest(id, "step must not be negative, got %d", step)
	}

	var issued int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		doc, _, err := r.load(tx, ref)
		if err != nil {
			return err
		}

		inc := doc.increment(step)
		value := doc.CurrentValue + inc
		if doc.MaxValue != nil && value > *doc.MaxValue {
			return repositories.CounterExhausted(id, *doc.MaxValue)
		}
		doc.CurrentValue = value
		doc.Step = inc
		doc.UpdatedAt = r.clock().UTC()
		issued = value
		return tx.Set(ref, doc)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrCounterExhausted) || errors.Is(err, repositories.ErrCounterInvalid) {
			return 0, err
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return issued, nil
}

// Configure changes step and bound of a counter. InitialValue is applied only when the
// counter has not been created yet, so redeploys never rewind a live sequence.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return repositories.InvalidCounterRequest("", "counter id is required")
	}
	if cfg.Step < 0 {
		return repositories.InvalidCounterRequest(id, "step must not be negative, got %d", cfg.Step)
	}
	if cfg.MaxValue != nil && cfg.InitialValue != nil && *cfg.InitialValue > *cfg.MaxValue {
		return repositories.InvalidCounterRequest(id, "initial value %d exceeds max value %d", *cfg.InitialValue, *cfg.MaxValue)
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		doc, exists, err := r.load(tx, ref)
		if err != nil {
			return err
		}
		if !exists && cfg.InitialValue != nil {
			doc.CurrentValue = *cfg.InitialValue
		}
		if cfg.Step > 0 {
			doc.Step = cfg.Step
		}
		if cfg.MaxValue != nil {
			bound := *cfg.MaxValue
			doc.MaxValue = &bound
		}
		doc.UpdatedAt = r.clock().UTC()
		return tx.Set(ref, doc)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrCounterInvalid) {
			return err
		}
		return pfirestore.WrapError("counters.configure", err)
	}
	return nil
}

func (r *CounterRepository) load(tx *firestore.Transaction, ref *firestore.DocumentRef) (counterDocument, bool, error) {
	snapshot, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return counterDocument{}, false, nil
	}
	if err != nil {
		return counterDocument{}, false, err
	}
	var doc counterDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return counterDocument{}, false, fmt.Errorf("decode counter %s: %w", ref.ID, err)
	}
	return doc, true, nil
}
