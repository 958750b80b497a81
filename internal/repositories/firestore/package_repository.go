package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/pagination"
	pfirestore "github.com/tas-logistics/api/internal/platform/firestore"
	"github.com/tas-logistics/api/internal/repositories"
)

const (
	packagesCollection    = "packages"
	paymentsSubcollection = "payments"

	maxStatusInValues = 30
)

type paymentDocument struct {
	AmountJMD  float64   `firestore:"amountJmd"`
	Method     string    `firestore:"method"`
	Reference  string    `firestore:"reference"`
	RecordedBy string    `firestore:"recordedBy"`
	RecordedAt time.Time `firestore:"recordedAt"`
}

// PackageRepository persists packages keyed by tracking number. The document ID doubles
// as the uniqueness constraint for tracking numbers.
type PackageRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[domain.Package]
}

var _ repositories.PackageRepository = (*PackageRepository)(nil)

// NewPackageRepository constructs a Firestore-backed package repository.
func NewPackageRepository(provider *pfirestore.Provider) (*PackageRepository, error) {
	if provider == nil {
		return nil, errors.New("package repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Package](provider, packagesCollection, encodePackage, decodePackage)
	return &PackageRepository{provider: provider, base: base}, nil
}

// Insert creates the package document. An existing document with the same tracking
// number surfaces as a conflict error.
func (r *PackageRepository) Insert(ctx context.Context, pkg domain.Package) error {
	if r == nil || r.base == nil {
		return errors.New("package repository not initialised")
	}
	id := strings.TrimSpace(pkg.TrackingNumber)
	if id == "" {
		return errors.New("package repository: tracking number is required")
	}
	_, err := r.base.Create(ctx, id, pkg)
	return err
}

// FindByTrackingNumber loads a package, translating legacy schema fields.
func (r *PackageRepository) FindByTrackingNumber(ctx context.Context, trackingNumber string) (domain.Package, error) {
	if r == nil || r.base == nil {
		return domain.Package{}, errors.New("package repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(trackingNumber))
	if err != nil {
		return domain.Package{}, err
	}
	return doc.Data, nil
}

// List returns packages ordered by received date (newest first). Free-text queries use the
// longest term against searchTokens and apply the remaining terms to the fetched page.
func (r *PackageRepository) List(ctx context.Context, filter domain.PackageListFilter) (domain.CursorPage[domain.Package], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Package]{}, errors.New("package repository not initialised")
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Package]{}, err
	}
	pageSize := pagination.Normalize(filter.Pagination.PageSize)

	statuses := filter.Statuses
	if len(statuses) == 0 && !filter.IncludeReturned {
		statuses = domain.ActivePackageStatuses()
	}
	if len(statuses) > maxStatusInValues {
		return domain.CursorPage[domain.Package]{}, fmt.Errorf("package repository: too many statuses (%d)", len(statuses))
	}

	terms := searchQueryTerms(filter.Query)
	primary := longestTerm(terms)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		switch len(statuses) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(statuses[0]))
		default:
			values := make([]string, len(statuses))
			for i, s := range statuses {
				values[i] = string(s)
			}
			q = q.Where("status", "in", values)
		}
		if id := strings.TrimSpace(filter.CustomerID); id != "" {
			q = q.Where("customerId", "==", id)
		}
		if from := filter.ReceivedRange.From; from != nil {
			q = q.Where("dateReceived", ">=", from.UTC())
		}
		if to := filter.ReceivedRange.To; to != nil {
			q = q.Where("dateReceived", "<=", to.UTC())
		}
		if primary != "" {
			q = q.Where("searchTokens", "array-contains", primary)
		}
		q = q.OrderBy("dateReceived", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.At, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Package]{}, err
	}

	hasMore := len(docs) > pageSize
	if hasMore {
		docs = docs[:pageSize]
	}

	items := make([]domain.Package, 0, len(docs))
	for _, doc := range docs {
		if !matchesAllTerms(doc.Data, terms) {
			continue
		}
		items = append(items, doc.Data)
	}

	page := domain.CursorPage[domain.Package]{Items: items}
	if hasMore && len(docs) > 0 {
		last := docs[len(docs)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{At: last.Data.DateReceived, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Package]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// Mutate runs fn inside a transaction. When fn reports no changed fields nothing is written.
func (r *PackageRepository) Mutate(ctx context.Context, trackingNumber string, fn repositories.PackageMutator) (repositories.PackageMutation, error) {
	if r == nil || r.provider == nil {
		return repositories.PackageMutation{}, errors.New("package repository not initialised")
	}
	if fn == nil {
		return repositories.PackageMutation{}, errors.New("package repository: mutator is required")
	}
	id := strings.TrimSpace(trackingNumber)

	var result repositories.PackageMutation
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("packages.mutate.get", err)
		}
		current, err := r.base.Decode(ctx, snap)
		if err != nil {
			return err
		}

		next, changed, err := fn(current.Data)
		if err != nil {
			return err
		}
		result = repositories.PackageMutation{Before: current.Data, After: current.Data}
		if len(changed) == 0 {
			return nil
		}

		next.TrackingNumber = current.Data.TrackingNumber
		if err := tx.Update(ref, packageUpdates(next, changed, current.Data.SchemaVersion)); err != nil {
			return err
		}
		next.SchemaVersion = currentPackageSchemaVersion
		result.After = next
		result.Changed = changed
		return nil
	})
	if err != nil {
		return repositories.PackageMutation{}, pfirestore.WrapError("packages.mutate", err)
	}
	return result, nil
}

// AppendPayment records a payment and increases amountPaidJmd in one transaction.
func (r *PackageRepository) AppendPayment(ctx context.Context, payment domain.PackagePayment, guard func(domain.Package) error) (domain.Package, error) {
	if r == nil || r.provider == nil {
		return domain.Package{}, errors.New("package repository not initialised")
	}
	if strings.TrimSpace(payment.ID) == "" {
		return domain.Package{}, errors.New("package repository: payment id is required")
	}

	var updated domain.Package
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(payment.TrackingNumber))
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("packages.payment.get", err)
		}
		current, err := r.base.Decode(ctx, snap)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(current.Data); err != nil {
				return err
			}
		}

		next := current.Data
		next.AmountPaidJMD += payment.AmountJMD
		next.UpdatedAt = payment.RecordedAt
		changed := []domain.PackageField{domain.PackageFieldAmountPaidJMD}
		if err := tx.Update(ref, packageUpdates(next, changed, current.Data.SchemaVersion)); err != nil {
			return err
		}

		paymentRef := ref.Collection(paymentsSubcollection).Doc(payment.ID)
		if err := tx.Create(paymentRef, paymentDocument{
			AmountJMD:  payment.AmountJMD,
			Method:     string(payment.Method),
			Reference:  payment.Reference,
			RecordedBy: payment.RecordedBy,
			RecordedAt: payment.RecordedAt.UTC(),
		}); err != nil {
			return err
		}
		next.SchemaVersion = currentPackageSchemaVersion
		updated = next
		return nil
	})
	if err != nil {
		return domain.Package{}, pfirestore.WrapError("packages.payment", err)
	}
	return updated, nil
}

// ListPayments returns payments recorded against a package, newest first.
func (r *PackageRepository) ListPayments(ctx context.Context, trackingNumber string) ([]domain.PackagePayment, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("package repository not initialised")
	}
	id := strings.TrimSpace(trackingNumber)
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return nil, err
	}

	iter := ref.Collection(paymentsSubcollection).OrderBy("recordedAt", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var payments []domain.PackagePayment
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("packages.payments.list", err)
		}
		var doc paymentDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
		}
		payments = append(payments, domain.PackagePayment{
			ID:             snap.Ref.ID,
			TrackingNumber: id,
			AmountJMD:      doc.AmountJMD,
			Method:         domain.PaymentMethod(doc.Method),
			Reference:      doc.Reference,
			RecordedBy:     doc.RecordedBy,
			RecordedAt:     doc.RecordedAt.UTC(),
		})
	}
	return payments, nil
}

// ListStorageCandidates returns packages received before the cutoff that have not yet
// been sent a storage reminder, oldest first.
func (r *PackageRepository) ListStorageCandidates(ctx context.Context, filter repositories.StorageCandidateFilter) ([]domain.Package, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("package repository not initialised")
	}
	if len(filter.Statuses) == 0 {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = pagination.DefaultMaxPageSize
	}
	statuses := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = string(s)
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "in", statuses).
			Where("storageReminderSentAt", "==", nil).
			Where("dateReceived", "<=", filter.ReceivedBefore.UTC()).
			OrderBy("dateReceived", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Package, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data)
	}
	return out, nil
}

// MigrateLegacy rewrites up to limit pre-canonical documents into the current schema and
// returns how many were rewritten. Documents written before versioning have no
// schemaVersion at all, so they are found by the legacy receivedDate field instead.
// Listing and reminder queries order on dateReceived, which unmigrated documents lack.
func (r *PackageRepository) MigrateLegacy(ctx context.Context, limit int) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("package repository not initialised")
	}
	if limit <= 0 {
		limit = pagination.DefaultMaxPageSize
	}

	selectors := []func(firestore.Query) firestore.Query{
		func(q firestore.Query) firestore.Query {
			return q.Where("schemaVersion", "<", currentPackageSchemaVersion)
		},
		func(q firestore.Query) firestore.Query {
			return q.Where("receivedDate", "!=", nil)
		},
	}
	var ids []string
	for _, selector := range selectors {
		if len(ids) >= limit {
			break
		}
		remaining := limit - len(ids)
		docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
			return selector(q).Limit(remaining)
		})
		if err != nil {
			return 0, err
		}
		for _, doc := range docs {
			if !slices.Contains(ids, doc.ID) {
				ids = append(ids, doc.ID)
			}
		}
	}

	migrated := 0
	for _, id := range ids {
		rewritten := false
		err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			rewritten = false
			ref, err := r.base.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				return err
			}
			current, err := r.base.Decode(ctx, snap)
			if err != nil {
				return err
			}
			if current.Data.SchemaVersion >= currentPackageSchemaVersion {
				return nil
			}
			next := current.Data
			if next.UpdatedAt.IsZero() {
				next.UpdatedAt = time.Now().UTC()
			}
			rewritten = true
			return tx.Update(ref, packageUpdates(next, nil, current.Data.SchemaVersion))
		})
		if err != nil {
			return migrated, pfirestore.WrapError("packages.migrate", err)
		}
		if rewritten {
			migrated++
		}
	}
	return migrated, nil
}

func longestTerm(terms []string) string {
	longest := ""
	for _, term := range terms {
		if len(term) > len(longest) {
			longest = term
		}
	}
	return longest
}

func matchesAllTerms(pkg domain.Package, terms []string) bool {
	if len(terms) <= 1 {
		return true
	}
	tokens := packageSearchTokens(pkg)
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	for _, term := range terms {
		if _, ok := set[term]; !ok {
			return false
		}
	}
	return true
}
