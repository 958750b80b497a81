package services

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	domain "github.com/tas-logistics/api/internal/domain"
)

func TestShippingCostJMD(t *testing.T) {
	cases := []struct {
		weight float64
		want   float64
	}{
		{weight: -3, want: 0},
		{weight: 0, want: 0},
		{weight: 0.5, want: 700},
		{weight: 1, want: 700},
		{weight: 1.1, want: 1050},
		{weight: 2.5, want: 1400},
		{weight: 3, want: 1400},
		{weight: 10, want: 3850},
		{weight: math.NaN(), want: 0},
		{weight: math.Inf(1), want: 0},
	}
	for _, tc := range cases {
		if got := ShippingCostJMD(tc.weight); got != tc.want {
			t.Fatalf("ShippingCostJMD(%v) = %v, want %v", tc.weight, got, tc.want)
		}
	}
}

func TestWeightInPoundsConvertsKilograms(t *testing.T) {
	if got := WeightInPounds(1, domain.WeightUnitKilograms); math.Abs(got-2.20462) > 1e-9 {
		t.Fatalf("expected 2.20462 lbs, got %v", got)
	}
	if got := WeightInPounds(4, domain.WeightUnitPounds); got != 4 {
		t.Fatalf("expected pounds passthrough, got %v", got)
	}
	if got := WeightInPounds(-1, domain.WeightUnitKilograms); got != 0 {
		t.Fatalf("expected negative weight to coerce to 0, got %v", got)
	}
	// 1kg is just over 2 lbs, so three started pounds are charged.
	if got := ShippingCostJMD(WeightInPounds(1, domain.WeightUnitKilograms)); got != 1400 {
		t.Fatalf("expected 1400 for 1kg, got %v", got)
	}
}

func TestStorageFeeJMD(t *testing.T) {
	cases := map[int]float64{
		-1: 0,
		0:  0,
		7:  0,
		8:  50,
		30: 1150,
	}
	for days, want := range cases {
		if got := StorageFeeJMD(days); got != want {
			t.Fatalf("StorageFeeJMD(%d) = %v, want %v", days, got, want)
		}
	}
}

func TestStorageDays(t *testing.T) {
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	received := now.Add(-8*24*time.Hour - time.Hour)
	created := now.Add(-2 * 24 * time.Hour)

	if got := StorageDays(received, created, now); got != 8 {
		t.Fatalf("expected received date to win, got %d", got)
	}
	if got := StorageDays(time.Time{}, created, now); got != 2 {
		t.Fatalf("expected created fallback, got %d", got)
	}
	if got := StorageDays(time.Time{}, time.Time{}, now); got != 0 {
		t.Fatalf("expected 0 for missing dates, got %d", got)
	}
	if got := StorageDays(now.Add(time.Hour), time.Time{}, now); got != 0 {
		t.Fatalf("expected 0 for future date, got %d", got)
	}
	if got := StorageDays(now.Add(-23*time.Hour), time.Time{}, now); got != 0 {
		t.Fatalf("expected partial day to floor to 0, got %d", got)
	}
}

func TestOutstandingBalanceNeverNegative(t *testing.T) {
	cases := []struct {
		total, paid, want float64
	}{
		{total: 1000, paid: 0, want: 1000},
		{total: 1000, paid: 400, want: 600},
		{total: 1000, paid: 1000, want: 0},
		{total: 1000, paid: 2500, want: 0},
		{total: 0, paid: 0, want: 0},
	}
	for _, tc := range cases {
		if got := OutstandingBalanceJMD(tc.total, tc.paid); got != tc.want {
			t.Fatalf("OutstandingBalanceJMD(%v, %v) = %v, want %v", tc.total, tc.paid, got, tc.want)
		}
	}
}

func TestCustomsDutyIsPlaceholder(t *testing.T) {
	for _, value := range []float64{0, 99.99, 100, 100.01, 5000} {
		if got := CustomsDutyUSD(value); got != 0 {
			t.Fatalf("expected 0 duty for %v, got %v", value, got)
		}
	}
}

func TestComputePackageCosts(t *testing.T) {
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	pkg := domain.Package{
		TrackingNumber: "TAS-000001",
		Weight:         2.5,
		WeightUnit:     domain.WeightUnitPounds,
		ItemValueUSD:   250,
		DeliveryFeeJMD: 500,
		AdditionalFees: []domain.AdditionalFee{
			{Label: "repack", AmountJMD: 300},
			{Label: "bogus", AmountJMD: -90},
		},
		AmountPaidJMD: 1000,
		DateReceived:  now.Add(-10 * 24 * time.Hour),
	}

	got := ComputePackageCosts(pkg, now)
	want := domain.PackageCosts{
		WeightLbs:              2.5,
		StorageDays:            10,
		ShippingCostJMD:        1400,
		StorageFeeJMD:          150,
		DeliveryFeeJMD:         500,
		AdditionalFeesTotalJMD: 300,
		TotalCostJMD:           2350,
		AmountPaidJMD:          1000,
		OutstandingBalanceJMD:  1350,
		CustomsDutyUSD:         0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected costs (-want +got):\n%s", diff)
	}

	again := ComputePackageCosts(pkg, now)
	if diff := cmp.Diff(got, again); diff != "" {
		t.Fatalf("costs not stable across calls:\n%s", diff)
	}
}

func TestComputePackageCostsZeroValue(t *testing.T) {
	got := ComputePackageCosts(domain.Package{}, time.Now())
	if diff := cmp.Diff(domain.PackageCosts{}, got); diff != "" {
		t.Fatalf("expected zero costs for empty package (-want +got):\n%s", diff)
	}
}
