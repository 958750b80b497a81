package services

import (
	"math"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
)

const (
	poundsPerKilogram = 2.20462

	firstPoundJMD      = 700
	additionalPoundJMD = 350

	freeStorageDays  = 7
	storageDayFeeJMD = 50
	storageDayLength = 24 * time.Hour
)

// WeightInPounds converts a captured weight into pounds. Invalid weights yield 0.
func WeightInPounds(weight float64, unit domain.WeightUnit) float64 {
	w := nonNegative(weight)
	if unit == domain.WeightUnitKilograms {
		return w * poundsPerKilogram
	}
	return w
}

// ShippingCostJMD charges a flat rate for the first pound and a fixed rate for every
// additional started pound.
func ShippingCostJMD(weightLbs float64) float64 {
	w := nonNegative(weightLbs)
	if w <= 0 {
		return 0
	}
	additional := math.Max(0, math.Ceil(w)-1)
	return firstPoundJMD + additional*additionalPoundJMD
}

// StorageDays counts whole days a package has been held, measured from the date it
// was received or, failing that, the date the record was created.
func StorageDays(received, created, now time.Time) int {
	basis := received
	if basis.IsZero() {
		basis = created
	}
	if basis.IsZero() || now.IsZero() {
		return 0
	}
	elapsed := now.Sub(basis)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / storageDayLength)
}

// StorageFeeJMD applies the free storage window and a per-day charge afterwards.
func StorageFeeJMD(days int) float64 {
	if days <= freeStorageDays {
		return 0
	}
	return float64(days-freeStorageDays) * storageDayFeeJMD
}

// CustomsDutyUSD is a placeholder until a duty rate is agreed with the business.
// It must keep returning 0 for every declared value.
func CustomsDutyUSD(itemValueUSD float64) float64 {
	_ = itemValueUSD
	return 0
}

// OutstandingBalanceJMD floors the unpaid balance at zero.
func OutstandingBalanceJMD(totalJMD, paidJMD float64) float64 {
	return math.Max(0, nonNegative(totalJMD)-nonNegative(paidJMD))
}

// ComputePackageCosts derives the full fee breakdown for a package at the given instant.
// It reads only stored attributes so repeated calls on an unchanged package agree.
func ComputePackageCosts(pkg domain.Package, now time.Time) domain.PackageCosts {
	weightLbs := WeightInPounds(pkg.Weight, pkg.WeightUnit)
	days := StorageDays(pkg.DateReceived, pkg.CreatedAt, now)

	costs := domain.PackageCosts{
		WeightLbs:       weightLbs,
		StorageDays:     days,
		ShippingCostJMD: ShippingCostJMD(weightLbs),
		StorageFeeJMD:   StorageFeeJMD(days),
		DeliveryFeeJMD:  nonNegative(pkg.DeliveryFeeJMD),
		AmountPaidJMD:   nonNegative(pkg.AmountPaidJMD),
		CustomsDutyUSD:  CustomsDutyUSD(pkg.ItemValueUSD),
	}
	for _, fee := range pkg.AdditionalFees {
		costs.AdditionalFeesTotalJMD += nonNegative(fee.AmountJMD)
	}
	costs.TotalCostJMD = costs.ShippingCostJMD + costs.StorageFeeJMD + costs.DeliveryFeeJMD + costs.AdditionalFeesTotalJMD
	costs.OutstandingBalanceJMD = OutstandingBalanceJMD(costs.TotalCostJMD, costs.AmountPaidJMD)
	return costs
}

func withCosts(pkg domain.Package, now time.Time) domain.Package {
	pkg.Costs = ComputePackageCosts(pkg, now)
	return pkg
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
