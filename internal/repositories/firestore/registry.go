package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/tas-logistics/api/internal/platform/firestore"
	"github.com/tas-logistics/api/internal/repositories"
)

// Registry hands out the Firestore-backed repositories that share one provider.
type Registry struct {
	provider *pfirestore.Provider

	packages      *PackageRepository
	customers     *CustomerRepository
	preAlerts     *PreAlertRepository
	notifications *NotificationRepository
	auditLogs     *AuditLogRepository
	counters      *CounterRepository
	health        repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository against provider. The health repository is
// supplied by the caller because its checks span more than Firestore.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}

	reg := &Registry{provider: provider, health: health}
	var err error
	if reg.packages, err = NewPackageRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: packages: %w", err)
	}
	if reg.customers, err = NewCustomerRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: customers: %w", err)
	}
	if reg.preAlerts, err = NewPreAlertRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: pre-alerts: %w", err)
	}
	if reg.notifications, err = NewNotificationRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: notifications: %w", err)
	}
	if reg.auditLogs, err = NewAuditLogRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: audit logs: %w", err)
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, fmt.Errorf("firestore registry: counters: %w", err)
	}
	return reg, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Packages() repositories.PackageRepository {
	return r.packages
}

func (r *Registry) Customers() repositories.CustomerRepository {
	return r.customers
}

func (r *Registry) PreAlerts() repositories.PreAlertRepository {
	return r.preAlerts
}

func (r *Registry) Notifications() repositories.NotificationRepository {
	return r.notifications
}

func (r *Registry) AuditLogs() repositories.AuditLogRepository {
	return r.auditLogs
}

func (r *Registry) Counters() repositories.CounterRepository {
	return r.counters
}

// Health returns nil when no dependency checks were configured.
func (r *Registry) Health() repositories.HealthRepository {
	return r.health
}
