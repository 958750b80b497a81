package storage

import (
	"fmt"
	"path"
	"strings"
)

// ObjectPurpose selects the layout used for an object key.
type ObjectPurpose string

const (
	PurposePreAlertInvoice ObjectPurpose = "pre-alert-invoice"
)

// PathParams provide the identifiers an object key is composed from.
type PathParams struct {
	CustomerID string
	PreAlertID string
	FileName   string
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var pathBuilders = map[ObjectPurpose]PathBuilder{
	PurposePreAlertInvoice: buildPreAlertInvoicePath,
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	builder, ok := pathBuilders[purpose]
	if !ok {
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
	return builder(params)
}

// buildPreAlertInvoicePath lays invoices out as pre-alerts/<customer>/<pre-alert>/invoice<ext>
// so re-uploads overwrite the previous invoice.
func buildPreAlertInvoicePath(params PathParams) (string, error) {
	segments := [...]struct{ field, value string }{
		{"customerID", params.CustomerID},
		{"preAlertID", params.PreAlertID},
		{"fileName", params.FileName},
	}
	clean := make([]string, len(segments))
	for i, seg := range segments {
		value, err := pathSegment(seg.field, seg.value)
		if err != nil {
			return "", err
		}
		clean[i] = value
	}
	return "pre-alerts/" + clean[0] + "/" + clean[1] + "/invoice" + strings.ToLower(path.Ext(clean[2])), nil
}

// pathSegment refuses anything that could climb out of its directory once joined.
func pathSegment(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", field)
	case strings.ContainsAny(value, `/\`), strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s %q is not a single path segment", field, value)
	}
	return value, nil
}
