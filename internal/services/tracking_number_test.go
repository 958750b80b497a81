package services

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestGenerateTrackingNumberLongFormat(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	gen := NewTrackingNumberGenerator(func() time.Time { return now }, bytes.NewReader([]byte{0, 1, 2, 3, 36, 37, 38, 255, 39}))

	got := gen.Generate("tas", false)
	pattern := regexp.MustCompile(`^TAS-[0-9A-Z]+-[0-9A-Z]{8}$`)
	if !pattern.MatchString(got) {
		t.Fatalf("unexpected format %q", got)
	}
	if !strings.HasSuffix(got, "-ABCDABCD") {
		t.Fatalf("expected random segment derived from reader, got %q", got)
	}
	if !ValidTrackingNumber(got) {
		t.Fatalf("generated value %q should be a valid tracking number", got)
	}
}

func TestGenerateTrackingNumberShortFormat(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	gen := NewTrackingNumberGenerator(func() time.Time { return now }, bytes.NewReader([]byte{25, 26, 27, 35}))

	got := gen.Generate("j-ship!", true)
	if !strings.HasPrefix(got, "JSHIP") {
		t.Fatalf("expected sanitized prefix, got %q", got)
	}
	if len(got) != len("JSHIP")+shortTimeLength+shortRandomLength {
		t.Fatalf("unexpected short length for %q", got)
	}
	if !strings.HasSuffix(got, "Z019") {
		t.Fatalf("unexpected random suffix in %q", got)
	}
}

func TestRandomSegmentIsUniformOverAlphabet(t *testing.T) {
	source := make([]byte, 0, 256)
	for b := 252; b < 256; b++ {
		source = append(source, byte(b))
	}
	for b := 0; b < 252; b++ {
		source = append(source, byte(b))
	}
	gen := NewTrackingNumberGenerator(nil, bytes.NewReader(source))

	segment := gen.randomSegment(252)
	counts := make(map[rune]int)
	for _, r := range segment {
		counts[r]++
	}
	for _, r := range trackingAlphabet {
		if counts[r] != 7 {
			t.Fatalf("expected %q exactly 7 times, got %d in %q", r, counts[r], segment)
		}
	}
}

func TestGenerateTrackingNumberDefaultPrefixAndEntropy(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		got := GenerateTrackingNumber("", false)
		if !strings.HasPrefix(got, "TAS-") {
			t.Fatalf("expected default prefix, got %q", got)
		}
		if _, dup := seen[got]; dup {
			t.Fatalf("duplicate tracking number %q", got)
		}
		seen[got] = struct{}{}
	}
}

func TestValidTrackingNumber(t *testing.T) {
	valid := []string{"TAS-000001", "JM12345", "A"}
	invalid := []string{"", "tas-1", "TAS/1", "-TAS", "TAS-", "TAS 1", strings.Repeat("A", 41)}
	for _, v := range valid {
		if !ValidTrackingNumber(v) {
			t.Fatalf("expected %q to be valid", v)
		}
	}
	for _, v := range invalid {
		if ValidTrackingNumber(v) {
			t.Fatalf("expected %q to be invalid", v)
		}
	}
}

func TestTrackingNumberIssuerSequenceMode(t *testing.T) {
	var captured CounterGenerationOptions
	counters := &stubCounterService{
		nextFn: func(_ context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
			if scope != "tracking" || name != "TAS" {
				t.Fatalf("unexpected counter %s:%s", scope, name)
			}
			captured = opts
			return CounterValue{Value: 1, Formatted: opts.Prefix + "000001"}, nil
		},
	}
	issuer, err := NewTrackingNumberIssuer(nil, counters, TrackingNumberIssuerConfig{Mode: TrackingNumberModeSequence})
	if err != nil {
		t.Fatalf("NewTrackingNumberIssuer: %v", err)
	}
	got, err := issuer.Next(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "TAS-000001" {
		t.Fatalf("expected TAS-000001, got %q", got)
	}
	if captured.PadLength != 6 || captured.Prefix != "TAS-" {
		t.Fatalf("unexpected counter options %#v", captured)
	}
}

func TestTrackingNumberIssuerRequiresCounterForSequence(t *testing.T) {
	if _, err := NewTrackingNumberIssuer(nil, nil, TrackingNumberIssuerConfig{Mode: TrackingNumberModeSequence}); err == nil {
		t.Fatalf("expected error without counter service")
	}
	if _, err := NewTrackingNumberIssuer(nil, nil, TrackingNumberIssuerConfig{Mode: "weird"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestTrackingNumberIssuerPropagatesCounterError(t *testing.T) {
	counters := &stubCounterService{
		nextFn: func(context.Context, string, string, CounterGenerationOptions) (CounterValue, error) {
			return CounterValue{}, ErrCounterExhausted
		},
	}
	issuer, err := NewTrackingNumberIssuer(nil, counters, TrackingNumberIssuerConfig{Mode: TrackingNumberModeSequence})
	if err != nil {
		t.Fatalf("NewTrackingNumberIssuer: %v", err)
	}
	if _, err := issuer.Next(context.Background(), "", nil); !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("expected counter exhausted, got %v", err)
	}
}

type stubCounterService struct {
	nextFn func(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
}

func (s *stubCounterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	if s.nextFn == nil {
		return CounterValue{}, errors.New("not implemented")
	}
	return s.nextFn(ctx, scope, name, opts)
}
