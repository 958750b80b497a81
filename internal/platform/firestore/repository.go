package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
)

// Document pairs a decoded entity with the server timestamps of its snapshot.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
	ReadTime   time.Time
}

type MutationResult struct {
	UpdateTime time.Time
}

// Encoder turns an entity into the map or struct written to Firestore.
type Encoder[T any] func(ctx context.Context, value T) (any, error)

// Decoder builds an entity from a snapshot.
type Decoder[T any] func(ctx context.Context, snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder narrows a collection query (filters, ordering, cursors, limits).
type QueryBuilder func(query firestore.Query) firestore.Query

// BaseRepository binds one collection to an entity type and its schema codec. Domain
// repositories embed it for the plain reads and writes and drop to DocumentRef inside
// transactions.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
	encode     Encoder[T]
	decode     Decoder[T]
}

// NewBaseRepository defaults to writing T as-is and decoding with DataTo.
func NewBaseRepository[T any](provider *Provider, collection string, encode Encoder[T], decode Decoder[T]) *BaseRepository[T] {
	r := &BaseRepository[T]{
		provider:   provider,
		collection: strings.TrimSpace(collection),
		encode:     encode,
		decode:     decode,
	}
	if r.encode == nil {
		r.encode = func(_ context.Context, value T) (any, error) { return value, nil }
	}
	if r.decode == nil {
		r.decode = func(_ context.Context, snap *firestore.DocumentSnapshot) (T, error) {
			var out T
			err := snap.DataTo(&out)
			return out, err
		}
	}
	return r
}

// Create writes a new document. An existing id surfaces as a ConflictError.
func (r *BaseRepository[T]) Create(ctx context.Context, id string, value T) (MutationResult, error) {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return MutationResult{}, err
	}
	payload, err := r.encode(ctx, value)
	if err != nil {
		return MutationResult{}, fmt.Errorf("%s: encode %s: %w", r.collection, id, err)
	}
	res, err := ref.Create(ctx, payload)
	if err != nil {
		return MutationResult{}, WrapError(r.op("create"), err)
	}
	return MutationResult{UpdateTime: res.UpdateTime}, nil
}

// Get loads one document. A missing id surfaces as a NotFoundError.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return r.Decode(ctx, snap)
}

// Query runs build against the collection and decodes every match in result order.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, WrapError(r.op("query"), err)
	}
	docs := make([]Document[T], 0, len(snaps))
	for _, snap := range snaps {
		doc, err := r.Decode(ctx, snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("document"), errors.New("document id is required"))
	}
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Decode converts a snapshot read elsewhere, typically via tx.Get.
func (r *BaseRepository[T]) Decode(ctx context.Context, snap *firestore.DocumentSnapshot) (Document[T], error) {
	if snap == nil || snap.Ref == nil {
		return Document[T]{}, errors.New("firestore: snapshot is nil")
	}
	data, err := r.decode(ctx, snap)
	if err != nil {
		return Document[T]{}, fmt.Errorf("%s: decode %s: %w", r.collection, snap.Ref.ID, err)
	}
	return Document[T]{
		ID:         snap.Ref.ID,
		Data:       data,
		CreateTime: snap.CreateTime,
		UpdateTime: snap.UpdateTime,
		ReadTime:   snap.ReadTime,
	}, nil
}

// Encode exposes the codec for writes staged on a transaction.
func (r *BaseRepository[T]) Encode(ctx context.Context, value T) (any, error) {
	return r.encode(ctx, value)
}

func (r *BaseRepository[T]) collectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	switch {
	case r == nil || r.provider == nil:
		return nil, WrapError("collection", errors.New("provider is nil"))
	case r.collection == "":
		return nil, WrapError("collection", errors.New("collection name is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

func (r *BaseRepository[T]) op(action string) string {
	if r == nil || r.collection == "" {
		return "firestore." + action
	}
	return r.collection + "." + action
}
