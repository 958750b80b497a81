package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
)

func passing(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// stalls ignores its deadline until released, the way a wedged client call would.
func stalls(ctx context.Context) error {
	<-ctx.Done()
	time.Sleep(time.Millisecond)
	return nil
}

func TestDependencyHealthCollect(t *testing.T) {
	type want struct {
		status string
		detail string
		errMsg string
	}
	tests := []struct {
		name   string
		checks []DependencyCheck
		status string
		probes map[string]want
	}{
		{
			name: "all healthy",
			checks: []DependencyCheck{
				{Name: "firestore", Critical: true, Check: passing},
				{Name: "storage", Check: passing},
			},
			status: domain.HealthStatusOK,
			probes: map[string]want{
				"firestore": {status: domain.HealthStatusOK, detail: "ok"},
				"storage":   {status: domain.HealthStatusOK, detail: "ok"},
			},
		},
		{
			name: "optional topic missing degrades",
			checks: []DependencyCheck{
				{Name: "firestore", Critical: true, Check: passing},
				{Name: "pubsub", Check: failing("topic package-events not found")},
			},
			status: domain.HealthStatusDegraded,
			probes: map[string]want{
				"pubsub": {status: domain.HealthStatusDegraded, detail: "topic package-events not found", errMsg: "topic package-events not found"},
			},
		},
		{
			name: "critical failure is error",
			checks: []DependencyCheck{
				{Name: "firestore", Critical: true, Check: failing("permission denied")},
				{Name: "pubsub", Check: passing},
			},
			status: domain.HealthStatusError,
			probes: map[string]want{
				"firestore": {status: domain.HealthStatusDegraded, detail: "permission denied", errMsg: "permission denied"},
			},
		},
		{
			name: "critical timeout",
			checks: []DependencyCheck{
				{Name: "firestore", Critical: true, Timeout: 5 * time.Millisecond, Check: stalls},
			},
			status: domain.HealthStatusError,
			probes: map[string]want{
				"firestore": {status: domain.HealthStatusError, detail: "timeout", errMsg: context.DeadlineExceeded.Error()},
			},
		},
		{
			name: "optional timeout only degrades",
			checks: []DependencyCheck{
				{Name: "firestore", Critical: true, Check: passing},
				{Name: "storage", Timeout: 5 * time.Millisecond, Check: stalls},
			},
			status: domain.HealthStatusDegraded,
			probes: map[string]want{
				"storage": {status: domain.HealthStatusError, detail: "timeout", errMsg: context.DeadlineExceeded.Error()},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo, err := NewDependencyHealthRepository(tc.checks)
			if err != nil {
				t.Fatalf("NewDependencyHealthRepository: %v", err)
			}
			report, err := repo.Collect(context.Background())
			if err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if report.Status != tc.status {
				t.Fatalf("expected report %s, got %s", tc.status, report.Status)
			}
			if len(report.Checks) != len(tc.checks) {
				t.Fatalf("expected %d checks, got %d", len(tc.checks), len(report.Checks))
			}
			for name, w := range tc.probes {
				got := report.Checks[name]
				if got.Status != w.status || got.Detail != w.detail || got.Error != w.errMsg {
					t.Fatalf("%s: got {%s %q %q}, want {%s %q %q}", name, got.Status, got.Detail, got.Error, w.status, w.detail, w.errMsg)
				}
			}
		})
	}
}

func TestDependencyHealthCollectStampsClock(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository(
		[]DependencyCheck{{Name: "firestore", Check: passing}},
		WithDependencyClock(func() time.Time { return now }),
		WithDependencyTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}
	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	check := report.Checks["firestore"]
	if !report.GeneratedAt.Equal(now) || !check.CheckedAt.Equal(now) || check.Latency != 0 {
		t.Fatalf("expected timestamps from clock, got report %s check %+v", report.GeneratedAt, check)
	}
}

func TestNewDependencyHealthRepositoryValidatesChecks(t *testing.T) {
	tests := map[string][]DependencyCheck{
		"empty":        nil,
		"missing name": {{Name: " ", Check: passing}},
		"missing func": {{Name: "firestore"}},
		"duplicate":    {{Name: "firestore", Check: passing}, {Name: " firestore", Check: passing}},
	}
	for name, checks := range tests {
		if _, err := NewDependencyHealthRepository(checks); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
