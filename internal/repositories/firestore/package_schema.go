package firestore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"cloud.google.com/go/firestore"

	domain "github.com/tas-logistics/api/internal/domain"
)

// Package documents are versioned. Version 1 used the legacy field names listed in
// legacyPackageFields; version 2 is canonical. Translation happens only here.
const (
	legacyPackageSchemaVersion  = 1
	currentPackageSchemaVersion = 2

	minSearchPrefixLength = 3
)

type packageDocument struct {
	TrackingNumber        string              `firestore:"trackingNumber"`
	CustomerID            string              `firestore:"customerId"`
	CustomerCode          string              `firestore:"customerCode"`
	CustomerName          string              `firestore:"customerName"`
	Description           string              `firestore:"description"`
	Merchant              string              `firestore:"merchant"`
	Carrier               string              `firestore:"carrier"`
	CarrierTrackingNumber string              `firestore:"carrierTrackingNumber"`
	Weight                float64             `firestore:"weight"`
	WeightUnit            string              `firestore:"weightUnit"`
	Dimensions            *dimensionsDocument `firestore:"dimensions"`
	ItemValueUSD          *float64            `firestore:"itemValueUsd"`
	Status                string              `firestore:"status"`
	DeliveryFeeJMD        *float64            `firestore:"deliveryFeeJmd"`
	AdditionalFees        []feeDocument       `firestore:"additionalFees"`
	AmountPaidJMD         *float64            `firestore:"amountPaidJmd"`
	PreAlertID            string              `firestore:"preAlertId"`
	DeleteReason          string              `firestore:"deleteReason"`
	DeletedBy             string              `firestore:"deletedBy"`
	DeletedAt             *time.Time          `firestore:"deletedAt"`
	StorageReminderSentAt *time.Time          `firestore:"storageReminderSentAt"`
	DateReceived          *time.Time          `firestore:"dateReceived"`
	SearchTokens          []string            `firestore:"searchTokens"`
	SchemaVersion         int                 `firestore:"schemaVersion"`
	CreatedAt             time.Time           `firestore:"createdAt"`
	UpdatedAt             time.Time           `firestore:"updatedAt"`
}

// legacyPackageDocument holds the version 1 field names still present on old records.
type legacyPackageDocument struct {
	ReceivedDate *time.Time    `firestore:"receivedDate"`
	ItemValue    *float64      `firestore:"itemValue"`
	DeliveryFee  *float64      `firestore:"deliveryFee"`
	AmountPaid   *float64      `firestore:"amountPaid"`
	Fees         []feeDocument `firestore:"fees"`
	UserCode     string        `firestore:"userCode"`
}

// legacyPackageFields maps each version 1 path to its canonical replacement.
var legacyPackageFields = map[string]domain.PackageField{
	"receivedDate": domain.PackageFieldDateReceived,
	"itemValue":    domain.PackageFieldItemValueUSD,
	"deliveryFee":  domain.PackageFieldDeliveryFeeJMD,
	"amountPaid":   domain.PackageFieldAmountPaidJMD,
	"fees":         domain.PackageFieldAdditionalFees,
	"userCode":     "customerCode",
}

type dimensionsDocument struct {
	Length float64 `firestore:"length"`
	Width  float64 `firestore:"width"`
	Height float64 `firestore:"height"`
	Unit   string  `firestore:"unit"`
}

type feeDocument struct {
	Label     string  `firestore:"label"`
	AmountJMD float64 `firestore:"amountJmd"`
}

func encodePackage(_ context.Context, pkg domain.Package) (any, error) {
	return packageToDocument(pkg), nil
}

func decodePackage(_ context.Context, snap *firestore.DocumentSnapshot) (domain.Package, error) {
	var doc packageDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Package{}, fmt.Errorf("decode package %s: %w", snap.Ref.ID, err)
	}
	if doc.SchemaVersion < currentPackageSchemaVersion {
		var legacy legacyPackageDocument
		if err := snap.DataTo(&legacy); err != nil {
			return domain.Package{}, fmt.Errorf("decode legacy package %s: %w", snap.Ref.ID, err)
		}
		foldLegacyPackage(&doc, legacy)
	}
	pkg := packageFromDocument(doc)
	if pkg.TrackingNumber == "" {
		pkg.TrackingNumber = snap.Ref.ID
	}
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = snap.CreateTime
	}
	if pkg.UpdatedAt.IsZero() {
		pkg.UpdatedAt = snap.UpdateTime
	}
	return pkg, nil
}

// foldLegacyPackage copies version 1 values into canonical fields. Canonical values win
// when both are present.
func foldLegacyPackage(doc *packageDocument, legacy legacyPackageDocument) {
	if doc.DateReceived == nil && legacy.ReceivedDate != nil {
		doc.DateReceived = legacy.ReceivedDate
	}
	if doc.ItemValueUSD == nil && legacy.ItemValue != nil {
		doc.ItemValueUSD = legacy.ItemValue
	}
	if doc.DeliveryFeeJMD == nil && legacy.DeliveryFee != nil {
		doc.DeliveryFeeJMD = legacy.DeliveryFee
	}
	if doc.AmountPaidJMD == nil && legacy.AmountPaid != nil {
		doc.AmountPaidJMD = legacy.AmountPaid
	}
	if len(doc.AdditionalFees) == 0 && len(legacy.Fees) > 0 {
		doc.AdditionalFees = legacy.Fees
	}
	if doc.CustomerCode == "" && legacy.UserCode != "" {
		doc.CustomerCode = legacy.UserCode
	}
	if doc.SchemaVersion == 0 {
		doc.SchemaVersion = legacyPackageSchemaVersion
	}
}

func packageToDocument(pkg domain.Package) packageDocument {
	doc := packageDocument{
		TrackingNumber:        pkg.TrackingNumber,
		CustomerID:            pkg.CustomerID,
		CustomerCode:          pkg.CustomerCode,
		CustomerName:          pkg.CustomerName,
		Description:           pkg.Description,
		Merchant:              pkg.Merchant,
		Carrier:               pkg.Carrier,
		CarrierTrackingNumber: pkg.CarrierTrackingNumber,
		Weight:                pkg.Weight,
		WeightUnit:            string(pkg.WeightUnit),
		Dimensions:            dimensionsToDocument(pkg.Dimensions),
		ItemValueUSD:          float64Ptr(pkg.ItemValueUSD),
		Status:                string(pkg.Status),
		DeliveryFeeJMD:        float64Ptr(pkg.DeliveryFeeJMD),
		AdditionalFees:        feesToDocument(pkg.AdditionalFees),
		AmountPaidJMD:         float64Ptr(pkg.AmountPaidJMD),
		PreAlertID:            pkg.PreAlertID,
		DeleteReason:          pkg.DeleteReason,
		DeletedBy:             pkg.DeletedBy,
		DeletedAt:             cloneTime(pkg.DeletedAt),
		StorageReminderSentAt: cloneTime(pkg.StorageReminderSentAt),
		SearchTokens:          packageSearchTokens(pkg),
		SchemaVersion:         currentPackageSchemaVersion,
		CreatedAt:             pkg.CreatedAt.UTC(),
		UpdatedAt:             pkg.UpdatedAt.UTC(),
	}
	if !pkg.DateReceived.IsZero() {
		received := pkg.DateReceived.UTC()
		doc.DateReceived = &received
	}
	return doc
}

func packageFromDocument(doc packageDocument) domain.Package {
	pkg := domain.Package{
		TrackingNumber:        doc.TrackingNumber,
		CustomerID:            doc.CustomerID,
		CustomerCode:          doc.CustomerCode,
		CustomerName:          doc.CustomerName,
		Description:           doc.Description,
		Merchant:              doc.Merchant,
		Carrier:               doc.Carrier,
		CarrierTrackingNumber: doc.CarrierTrackingNumber,
		Weight:                doc.Weight,
		WeightUnit:            domain.WeightUnit(doc.WeightUnit),
		Status:                domain.PackageStatus(doc.Status),
		AdditionalFees:        feesFromDocument(doc.AdditionalFees),
		PreAlertID:            doc.PreAlertID,
		DeleteReason:          doc.DeleteReason,
		DeletedBy:             doc.DeletedBy,
		DeletedAt:             cloneTime(doc.DeletedAt),
		StorageReminderSentAt: cloneTime(doc.StorageReminderSentAt),
		SchemaVersion:         doc.SchemaVersion,
		CreatedAt:             doc.CreatedAt.UTC(),
		UpdatedAt:             doc.UpdatedAt.UTC(),
	}
	if doc.Dimensions != nil {
		pkg.Dimensions = domain.Dimensions{
			Length: doc.Dimensions.Length,
			Width:  doc.Dimensions.Width,
			Height: doc.Dimensions.Height,
			Unit:   domain.LengthUnit(doc.Dimensions.Unit),
		}
	}
	if doc.ItemValueUSD != nil {
		pkg.ItemValueUSD = *doc.ItemValueUSD
	}
	if doc.DeliveryFeeJMD != nil {
		pkg.DeliveryFeeJMD = *doc.DeliveryFeeJMD
	}
	if doc.AmountPaidJMD != nil {
		pkg.AmountPaidJMD = *doc.AmountPaidJMD
	}
	if doc.DateReceived != nil {
		pkg.DateReceived = doc.DateReceived.UTC()
	}
	if pkg.WeightUnit == "" {
		pkg.WeightUnit = domain.WeightUnitPounds
	}
	return pkg
}

// packageUpdates translates changed domain fields into Firestore update paths. When the
// stored record predates the current schema, the whole canonical set is written and the
// legacy paths are removed in the same write.
func packageUpdates(pkg domain.Package, changed []domain.PackageField, storedVersion int) []firestore.Update {
	doc := packageToDocument(pkg)
	fields := make(map[string]struct{}, len(changed))
	for _, field := range changed {
		fields[string(field)] = struct{}{}
	}

	if storedVersion < currentPackageSchemaVersion {
		for _, canonical := range legacyPackageFields {
			fields[string(canonical)] = struct{}{}
		}
		// Older records may not carry the reminder marker, which listing queries filter on.
		fields[string(domain.PackageFieldStorageReminderSentAt)] = struct{}{}
	}

	paths := make([]string, 0, len(fields))
	for path := range fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	updates := make([]firestore.Update, 0, len(paths)+len(legacyPackageFields)+3)
	for _, path := range paths {
		updates = append(updates, firestore.Update{Path: path, Value: packageFieldValue(doc, path)})
	}
	if storedVersion < currentPackageSchemaVersion {
		legacy := make([]string, 0, len(legacyPackageFields))
		for path := range legacyPackageFields {
			legacy = append(legacy, path)
		}
		sort.Strings(legacy)
		for _, path := range legacy {
			updates = append(updates, firestore.Update{Path: path, Value: firestore.Delete})
		}
		updates = append(updates, firestore.Update{Path: "schemaVersion", Value: currentPackageSchemaVersion})
	}
	updates = append(updates,
		firestore.Update{Path: "searchTokens", Value: doc.SearchTokens},
		firestore.Update{Path: "updatedAt", Value: doc.UpdatedAt},
	)
	return updates
}

func packageFieldValue(doc packageDocument, path string) any {
	switch domain.PackageField(path) {
	case domain.PackageFieldDescription:
		return doc.Description
	case domain.PackageFieldMerchant:
		return doc.Merchant
	case domain.PackageFieldCarrier:
		return doc.Carrier
	case domain.PackageFieldCarrierTrackingNumber:
		return doc.CarrierTrackingNumber
	case domain.PackageFieldWeight:
		return doc.Weight
	case domain.PackageFieldWeightUnit:
		return doc.WeightUnit
	case domain.PackageFieldDimensions:
		return doc.Dimensions
	case domain.PackageFieldItemValueUSD:
		return doc.ItemValueUSD
	case domain.PackageFieldStatus:
		return doc.Status
	case domain.PackageFieldDeliveryFeeJMD:
		return doc.DeliveryFeeJMD
	case domain.PackageFieldAdditionalFees:
		return doc.AdditionalFees
	case domain.PackageFieldAmountPaidJMD:
		return doc.AmountPaidJMD
	case domain.PackageFieldDateReceived:
		return doc.DateReceived
	case domain.PackageFieldDeleteReason:
		return doc.DeleteReason
	case domain.PackageFieldDeletedBy:
		return doc.DeletedBy
	case domain.PackageFieldDeletedAt:
		return doc.DeletedAt
	case domain.PackageFieldStorageReminderSentAt:
		return doc.StorageReminderSentAt
	case "customerCode":
		return doc.CustomerCode
	default:
		return nil
	}
}

// packageSearchTokens indexes the fields free-text search runs against. Tracking
// numbers and customer codes also get prefix tokens so partial input matches.
func packageSearchTokens(pkg domain.Package) []string {
	set := make(map[string]struct{})
	add := func(token string) {
		if token != "" {
			set[token] = struct{}{}
		}
	}
	for _, value := range []string{pkg.TrackingNumber, pkg.CustomerCode, pkg.CarrierTrackingNumber} {
		normalized := strings.ToLower(strings.TrimSpace(value))
		if normalized == "" {
			continue
		}
		add(normalized)
		for i := minSearchPrefixLength; i < len(normalized); i++ {
			add(normalized[:i])
		}
		for _, word := range searchWords(normalized) {
			add(word)
		}
	}
	for _, value := range []string{pkg.CustomerName, pkg.Description, pkg.Merchant, pkg.Carrier} {
		for _, word := range searchWords(value) {
			add(word)
		}
		for _, term := range searchQueryTerms(value) {
			add(term)
		}
	}

	tokens := make([]string, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// searchWords lower-cases the input and splits it on anything that is not a letter or digit.
func searchWords(value string) []string {
	return strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// searchQueryTerms splits a free-text query on whitespace, keeping hyphenated terms
// such as tracking numbers intact.
func searchQueryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.Trim(field, ".,;:\"'()")
		if field != "" {
			terms = append(terms, field)
		}
	}
	return terms
}

func dimensionsToDocument(d domain.Dimensions) *dimensionsDocument {
	if d == (domain.Dimensions{}) {
		return nil
	}
	return &dimensionsDocument{Length: d.Length, Width: d.Width, Height: d.Height, Unit: string(d.Unit)}
}

func feesToDocument(fees []domain.AdditionalFee) []feeDocument {
	if len(fees) == 0 {
		return []feeDocument{}
	}
	out := make([]feeDocument, len(fees))
	for i, fee := range fees {
		out[i] = feeDocument{Label: fee.Label, AmountJMD: fee.AmountJMD}
	}
	return out
}

func feesFromDocument(fees []feeDocument) []domain.AdditionalFee {
	if len(fees) == 0 {
		return nil
	}
	out := make([]domain.AdditionalFee, len(fees))
	for i, fee := range fees {
		out[i] = domain.AdditionalFee{Label: fee.Label, AmountJMD: fee.AmountJMD}
	}
	return out
}

func float64Ptr(v float64) *float64 {
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
