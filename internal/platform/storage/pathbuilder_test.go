package storage

import "testing"

func TestBuildPreAlertInvoicePath(t *testing.T) {
	got, err := BuildObjectPath(PurposePreAlertInvoice, PathParams{
		CustomerID: "cus_01",
		PreAlertID: "pa_01",
		FileName:   "Receipt.PDF",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "pre-alerts/cus_01/pa_01/invoice.pdf"; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBuildObjectPathRejectsTraversal(t *testing.T) {
	tests := []PathParams{
		{CustomerID: "../cus", PreAlertID: "pa_01", FileName: "a.pdf"},
		{CustomerID: "cus_01", PreAlertID: "pa/01", FileName: "a.pdf"},
		{CustomerID: "cus_01", PreAlertID: "pa_01", FileName: "..pdf"},
		{CustomerID: "cus_01", PreAlertID: "pa_01"},
	}
	for _, params := range tests {
		if _, err := BuildObjectPath(PurposePreAlertInvoice, params); err == nil {
			t.Fatalf("expected error for %+v", params)
		}
	}
	if _, err := BuildObjectPath("unknown", PathParams{}); err == nil {
		t.Fatalf("expected error for unknown purpose")
	}
}
