package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/textutil"
	"github.com/tas-logistics/api/internal/repositories"
)

// Audit actor types recorded on entries.
const (
	AuditActorStaff    = "staff"
	AuditActorCustomer = "customer"
	AuditActorCarrier  = "carrier"
	AuditActorSystem   = "system"
)

const hashedPrefix = "sha256:"

var auditActorTypes = []string{AuditActorStaff, AuditActorCustomer, AuditActorCarrier, AuditActorSystem}

type AuditLogServiceDeps struct {
	Repository repositories.AuditLogRepository
	Clock      func() time.Time
	// HashSalt is prepended before hashing IP addresses and sensitive metadata.
	HashSalt string
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	now    func() time.Time
	salt   string
	logger func(context.Context, string, map[string]any)
}

var _ AuditLogService = (*auditLogService)(nil)

func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}
	svc := &auditLogService{
		repo:   deps.Repository,
		now:    deps.Clock,
		salt:   deps.HashSalt,
		logger: deps.Logger,
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.logger == nil {
		svc.logger = func(context.Context, string, map[string]any) {}
	}
	return svc, nil
}

// Record appends an entry and never fails the caller: the mutation it describes has
// already happened, so a write error is only logged.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	entry := s.entry(record)
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "audit.append_failed", map[string]any{
			"action":    entry.Action,
			"targetRef": entry.TargetRef,
			"error":     err.Error(),
		})
	}
}

func (s *auditLogService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	return s.repo.List(ctx, repositories.AuditLogFilter{
		TargetRef:  strings.TrimSpace(filter.TargetRef),
		Actor:      strings.TrimSpace(filter.Actor),
		ActorType:  strings.ToLower(strings.TrimSpace(filter.ActorType)),
		Action:     strings.TrimSpace(filter.Action),
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
}

func (s *auditLogService) entry(record AuditLogRecord) domain.AuditLogEntry {
	at := record.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	entry := domain.AuditLogEntry{
		Actor:     textutil.PlainText(record.Actor, 160),
		ActorType: classifyActor(record.ActorType, record.Actor),
		Action:    textutil.PlainText(record.Action, 120),
		TargetRef: textutil.PlainText(record.TargetRef, 200),
		Severity:  auditSeverity(record.Severity),
		RequestID: textutil.PlainText(record.RequestID, 128),
		UserAgent: textutil.PlainText(record.UserAgent, 256),
		Metadata:  s.metadata(record.Metadata, record.SensitiveMetadataKeys),
		Diff:      auditDiff(record.Diff),
		CreatedAt: at.UTC(),
	}
	if ip := strings.TrimSpace(record.IPAddress); ip != "" {
		entry.IPHash = s.digest(ip)
	}
	return entry
}

// metadata scrubs free text and swaps sensitive values, matched case-insensitively by
// key, for salted digests.
func (s *auditLogService) metadata(values map[string]any, sensitive []string) map[string]any {
	if len(values) == 0 {
		return nil
	}
	hidden := make([]string, len(sensitive))
	for i, key := range sensitive {
		hidden[i] = strings.ToLower(strings.TrimSpace(key))
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		switch {
		case key == "":
		case slices.Contains(hidden, strings.ToLower(key)):
			out[key] = s.digest(value)
		default:
			out[key] = scrubAuditValue(value)
		}
	}
	return out
}

func auditDiff(changes map[string]AuditLogDiff) map[string]any {
	if len(changes) == 0 {
		return nil
	}
	out := make(map[string]any, len(changes))
	for field, change := range changes {
		if field = strings.TrimSpace(field); field != "" {
			out[field] = map[string]any{"before": scrubAuditValue(change.Before), "after": scrubAuditValue(change.After)}
		}
	}
	return out
}

// digest hashes strings directly and everything else through its JSON form, which sorts
// map keys.
func (s *auditLogService) digest(value any) string {
	var text string
	switch v := value.(type) {
	case string:
		text = strings.TrimSpace(v)
	case fmt.Stringer:
		text = strings.TrimSpace(v.String())
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			raw = []byte(fmt.Sprintf("%T", v))
		}
		text = string(raw)
	}
	sum := sha256.Sum256([]byte(s.salt + text))
	return hashedPrefix + hex.EncodeToString(sum[:])
}

// classifyActor prefers an explicit type and otherwise reads the "kind:" prefix of the
// actor, e.g. "staff:uid-7".
func classifyActor(actorType, actor string) string {
	for _, candidate := range []string{actorType, actor} {
		kind, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(candidate)), ":")
		if slices.Contains(auditActorTypes, kind) {
			return kind
		}
	}
	return "unknown"
}

func auditSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	}
	return "info"
}

func scrubAuditValue(value any) any {
	switch v := value.(type) {
	case string:
		return textutil.PlainText(v, 512)
	case time.Time:
		return v.UTC()
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC()
	case fmt.Stringer:
		return textutil.PlainText(v.String(), 512)
	}
	return value
}
