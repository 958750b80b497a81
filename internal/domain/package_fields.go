package domain

// PackageField names a mutable package attribute. Services report changes with these
// names; the storage layer maps them onto its own document schema.
type PackageField string

const (
	PackageFieldDescription           PackageField = "description"
	PackageFieldMerchant              PackageField = "merchant"
	PackageFieldCarrier               PackageField = "carrier"
	PackageFieldCarrierTrackingNumber PackageField = "carrierTrackingNumber"
	PackageFieldWeight                PackageField = "weight"
	PackageFieldWeightUnit            PackageField = "weightUnit"
	PackageFieldDimensions            PackageField = "dimensions"
	PackageFieldItemValueUSD          PackageField = "itemValueUsd"
	PackageFieldStatus                PackageField = "status"
	PackageFieldDeliveryFeeJMD        PackageField = "deliveryFeeJmd"
	PackageFieldAdditionalFees        PackageField = "additionalFees"
	PackageFieldAmountPaidJMD         PackageField = "amountPaidJmd"
	PackageFieldDateReceived          PackageField = "dateReceived"
	PackageFieldDeleteReason          PackageField = "deleteReason"
	PackageFieldDeletedBy             PackageField = "deletedBy"
	PackageFieldDeletedAt             PackageField = "deletedAt"
	PackageFieldStorageReminderSentAt PackageField = "storageReminderSentAt"
)
