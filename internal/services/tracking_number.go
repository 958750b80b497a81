package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTrackingPrefix = "TAS"
	trackingAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	unbiasedByteLimit     = 256 - 256%len(trackingAlphabet)

	longRandomLength  = 8
	shortRandomLength = 4
	shortTimeLength   = 6

	sequencePadLength = 6
)

// TrackingNumberMode selects how new tracking numbers are produced.
type TrackingNumberMode string

const (
	// TrackingNumberModeRandom combines a time segment with random characters.
	TrackingNumberModeRandom TrackingNumberMode = "random"
	// TrackingNumberModeSequence issues zero-padded sequential numbers such as TAS-000001.
	TrackingNumberModeSequence TrackingNumberMode = "sequence"
)

// TrackingNumberGenerator builds practically-unique tracking numbers. Uniqueness is not
// guaranteed here; the package store rejects duplicates.
type TrackingNumberGenerator struct {
	clock  func() time.Time
	random io.Reader
}

// NewTrackingNumberGenerator constructs a generator. Nil collaborators fall back to the
// wall clock and crypto/rand.
func NewTrackingNumberGenerator(clock func() time.Time, random io.Reader) *TrackingNumberGenerator {
	if clock == nil {
		clock = time.Now
	}
	if random == nil {
		random = rand.Reader
	}
	return &TrackingNumberGenerator{clock: clock, random: random}
}

var defaultTrackingNumberGenerator = NewTrackingNumberGenerator(nil, nil)

// GenerateTrackingNumber returns PREFIX-<base36 millis>-<8 random> or, in short format,
// PREFIX<6 time chars><4 random>.
func GenerateTrackingNumber(prefix string, short bool) string {
	return defaultTrackingNumberGenerator.Generate(prefix, short)
}

// Generate builds a tracking number using the generator's clock and randomness.
func (g *TrackingNumberGenerator) Generate(prefix string, short bool) string {
	prefix = NormalizeTrackingPrefix(prefix)
	now := g.clock().UTC()

	if short {
		stamp := strings.ToUpper(strconv.FormatInt(now.Unix(), 36))
		if len(stamp) > shortTimeLength {
			stamp = stamp[len(stamp)-shortTimeLength:]
		}
		return prefix + stamp + g.randomSegment(shortRandomLength)
	}

	stamp := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	return prefix + "-" + stamp + "-" + g.randomSegment(longRandomLength)
}

// randomSegment draws alphabet characters by rejection sampling. Bytes at or above
// unbiasedByteLimit are discarded so every character is equally likely.
func (g *TrackingNumberGenerator) randomSegment(length int) string {
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		n, err := io.ReadFull(g.random, buf[:length-len(out)])
		for _, b := range buf[:n] {
			if int(b) < unbiasedByteLimit {
				out = append(out, trackingAlphabet[int(b)%len(trackingAlphabet)])
			}
		}
		if err != nil {
			break
		}
	}
	if len(out) < length {
		// crypto/rand does not fail on supported platforms; fall back to the clock so the
		// generator stays total.
		seed := uint64(g.clock().UnixNano())
		for i := len(out); i < length; i++ {
			out = append(out, trackingAlphabet[(seed>>(uint(i)*5))%uint64(len(trackingAlphabet))])
		}
	}
	return string(out)
}

// NormalizeTrackingPrefix upper-cases the prefix and drops characters outside [A-Z0-9].
func NormalizeTrackingPrefix(prefix string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(prefix)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return defaultTrackingPrefix
	}
	return b.String()
}

// NormalizeTrackingNumber trims and upper-cases a caller supplied tracking number.
func NormalizeTrackingNumber(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// ValidTrackingNumber reports whether the value can be used as a tracking number and
// as a storage key.
func ValidTrackingNumber(value string) bool {
	if value == "" || len(value) > 40 {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return !strings.HasPrefix(value, "-") && !strings.HasSuffix(value, "-")
}

// TrackingNumberIssuerConfig controls the default format of issued tracking numbers.
type TrackingNumberIssuerConfig struct {
	Prefix string
	Mode   TrackingNumberMode
	Short  bool
}

// TrackingNumberIssuer produces candidates either randomly or from a counter sequence.
type TrackingNumberIssuer struct {
	generator *TrackingNumberGenerator
	counters  CounterService
	cfg       TrackingNumberIssuerConfig
}

// NewTrackingNumberIssuer wires the generator with an optional counter service for
// sequence mode.
func NewTrackingNumberIssuer(generator *TrackingNumberGenerator, counters CounterService, cfg TrackingNumberIssuerConfig) (*TrackingNumberIssuer, error) {
	if generator == nil {
		generator = defaultTrackingNumberGenerator
	}
	cfg.Prefix = NormalizeTrackingPrefix(cfg.Prefix)
	switch cfg.Mode {
	case "":
		cfg.Mode = TrackingNumberModeRandom
	case TrackingNumberModeRandom:
	case TrackingNumberModeSequence:
		if counters == nil {
			return nil, errors.New("tracking number issuer: counter service is required for sequence mode")
		}
	default:
		return nil, fmt.Errorf("tracking number issuer: unsupported mode %q", cfg.Mode)
	}
	return &TrackingNumberIssuer{generator: generator, counters: counters, cfg: cfg}, nil
}

// Next returns a single candidate. Callers that need a different format may override the
// prefix or short flag per call.
func (i *TrackingNumberIssuer) Next(ctx context.Context, prefix string, short *bool) (string, error) {
	if i == nil {
		return "", errors.New("tracking number issuer: not initialised")
	}
	effectivePrefix := i.cfg.Prefix
	if strings.TrimSpace(prefix) != "" {
		effectivePrefix = NormalizeTrackingPrefix(prefix)
	}

	if i.cfg.Mode == TrackingNumberModeSequence {
		value, err := i.counters.Next(ctx, "tracking", effectivePrefix, CounterGenerationOptions{
			Prefix:    effectivePrefix + "-",
			PadLength: sequencePadLength,
		})
		if err != nil {
			return "", fmt.Errorf("tracking number issuer: next sequence: %w", err)
		}
		return value.Formatted, nil
	}

	useShort := i.cfg.Short
	if short != nil {
		useShort = *short
	}
	return i.generator.Generate(effectivePrefix, useShort), nil
}
