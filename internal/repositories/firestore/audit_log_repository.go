package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	domain "github.com/tas-logistics/api/internal/domain"
	pfirestore "github.com/tas-logistics/api/internal/platform/firestore"
	"github.com/tas-logistics/api/internal/platform/pagination"
	"github.com/tas-logistics/api/internal/repositories"
)

const auditLogsCollection = "auditLogs"

type auditLogDocument struct {
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Diff      map[string]any `firestore:"diff,omitempty"`
	IPHash    string         `firestore:"ipHash,omitempty"`
	UserAgent string         `firestore:"userAgent,omitempty"`
	Severity  string         `firestore:"severity"`
	RequestID string         `firestore:"requestId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// AuditLogRepository appends audit entries to an insert-only collection.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[domain.AuditLogEntry]
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.AuditLogEntry](provider, auditLogsCollection, encodeAuditLog, decodeAuditLog)
	return &AuditLogRepository{base: base}, nil
}

// Append stores the entry, assigning a time-ordered ID when none is set.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.base == nil {
		return errors.New("audit log repository not initialised")
	}
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		id = ulid.Make().String()
	}
	_, err := r.base.Create(ctx, id, entry)
	return err
}

// List returns entries newest first. TargetRef, Actor, ActorType and Action are exact matches.
func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("audit log repository not initialised")
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}
	pageSize := pagination.Normalize(filter.Pagination.PageSize)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		for field, value := range map[string]string{
			"targetRef": filter.TargetRef,
			"actor":     filter.Actor,
			"actorType": filter.ActorType,
			"action":    filter.Action,
		} {
			if v := strings.TrimSpace(value); v != "" {
				q = q.Where(field, "==", v)
			}
		}
		if from := filter.DateRange.From; from != nil {
			q = q.Where("createdAt", ">=", from.UTC())
		}
		if to := filter.DateRange.To; to != nil {
			q = q.Where("createdAt", "<=", to.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.At, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}

	page := domain.CursorPage[domain.AuditLogEntry]{}
	if len(docs) > pageSize {
		docs = docs[:pageSize]
		last := docs[len(docs)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{At: last.Data.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, err
		}
		page.NextPageToken = token
	}
	page.Items = make([]domain.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data)
	}
	return page, nil
}

func encodeAuditLog(_ context.Context, e domain.AuditLogEntry) (any, error) {
	return auditLogDocument{
		Actor:     e.Actor,
		ActorType: e.ActorType,
		Action:    e.Action,
		TargetRef: e.TargetRef,
		Metadata:  e.Metadata,
		Diff:      e.Diff,
		IPHash:    e.IPHash,
		UserAgent: e.UserAgent,
		Severity:  e.Severity,
		RequestID: e.RequestID,
		CreatedAt: e.CreatedAt.UTC(),
	}, nil
}

func decodeAuditLog(_ context.Context, snap *firestore.DocumentSnapshot) (domain.AuditLogEntry, error) {
	var doc auditLogDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("decode audit log %s: %w", snap.Ref.ID, err)
	}
	return domain.AuditLogEntry{
		ID:        snap.Ref.ID,
		Actor:     doc.Actor,
		ActorType: doc.ActorType,
		Action:    doc.Action,
		TargetRef: doc.TargetRef,
		Metadata:  doc.Metadata,
		Diff:      doc.Diff,
		IPHash:    doc.IPHash,
		UserAgent: doc.UserAgent,
		Severity:  doc.Severity,
		RequestID: doc.RequestID,
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}
