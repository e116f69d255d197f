package entry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/signature"
)

type mongoEntryDocument struct {
	Signature      string            `bson:"_id"`
	OwnerProfileID string            `bson:"owner_profile_id"`
	Payload        []byte            `bson:"payload"`
	Snapshot       signature.Request `bson:"normalized_snapshot"`
	Baseline       Baseline          `bson:"baseline_snapshot"`
	CreatedAt      int64             `bson:"created_at"`
	ExpiresAt      *int64            `bson:"expires_at"`
	OwnerUserID    *string           `bson:"owner_user_id"`
	IsSaved        bool              `bson:"is_saved"`
	Title          *string           `bson:"title"`
	Tags           []string          `bson:"tags"`
}

func toMongoDocument(e *Entry) mongoEntryDocument {
	return mongoEntryDocument{
		Signature:      e.Signature,
		OwnerProfileID: e.OwnerProfileID,
		Payload:        payloadBytes(e.Payload),
		Snapshot:       e.Snapshot,
		Baseline:       e.Baseline,
		CreatedAt:      e.CreatedAt.UnixNano(),
		ExpiresAt:      unixNano(e.ExpiresAt),
		OwnerUserID:    e.OwnerUserID,
		IsSaved:        e.IsSaved,
		Title:          e.Title,
		Tags:           tagsOrEmpty(e.Tags),
	}
}

func (d mongoEntryDocument) entry() (*Entry, error) {
	return rowFields{
		signature:      d.Signature,
		ownerProfileID: d.OwnerProfileID,
		payload:        d.Payload,
		createdAt:      d.CreatedAt,
		expiresAt:      d.ExpiresAt,
		ownerUserID:    d.OwnerUserID,
		isSaved:        d.IsSaved,
		title:          d.Title,
		tags:           d.Tags,
	}.withSnapshot(d.Snapshot, d.Baseline)
}

// MongoDBStore stores entries in MongoDB.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates collection indexes if needed.
func NewMongoDBStore(database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	coll := database.Collection("analysis_cache")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_profile_id", Value: 1}}},
		{Keys: bson.D{{Key: "owner_user_id", Value: 1}, {Key: "is_saved", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create analysis_cache indexes: %w", err)
	}

	return &MongoDBStore{collection: coll}, nil
}

// Upsert inserts or replaces an entry.
func (s *MongoDBStore) Upsert(ctx context.Context, e *Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	doc := toMongoDocument(e)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": e.Signature}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return classifyMongo(fmt.Errorf("upsert entry: %w", err))
	}
	return nil
}

// Get returns an entry by signature.
func (s *MongoDBStore) Get(ctx context.Context, sig string) (*Entry, error) {
	var doc mongoEntryDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": sig}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, classifyMongo(fmt.Errorf("query entry: %w", err))
	}
	return doc.entry()
}

// GetMany returns entries among sigs that pass filter.
func (s *MongoDBStore) GetMany(ctx context.Context, sigs []string, filter Filter) ([]*Entry, error) {
	if len(sigs) == 0 {
		return []*Entry{}, nil
	}
	clauses := bson.A{bson.M{"_id": bson.M{"$in": sigs}}}
	switch filter.State {
	case StatePermanent:
		clauses = append(clauses, bson.M{"expires_at": nil})
	case StateEphemeral:
		clauses = append(clauses, bson.M{"expires_at": bson.M{"$ne": nil}})
	}
	if !filter.LiveAt.IsZero() {
		live := bson.A{
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": filter.LiveAt.UnixNano()}},
		}
		if filter.OrOwnedBy != "" {
			live = append(live, bson.M{"owner_user_id": filter.OrOwnedBy})
		}
		clauses = append(clauses, bson.M{"$or": live})
	}
	return s.find(ctx, bson.M{"$and": clauses}, nil)
}

func mongoCondition(sig string, cond Condition) bson.M {
	clauses := bson.A{bson.M{"_id": sig}}
	if cond.RequirePermanent {
		clauses = append(clauses, bson.M{"expires_at": nil})
	}
	switch cond.Owner {
	case OwnerUnset:
		clauses = append(clauses, bson.M{"owner_user_id": nil})
	case OwnerUnsetOr:
		clauses = append(clauses, bson.M{"$or": bson.A{
			bson.M{"owner_user_id": nil},
			bson.M{"owner_user_id": cond.UserID},
		}})
	case OwnerIs:
		clauses = append(clauses, bson.M{"owner_user_id": cond.UserID})
	}
	return bson.M{"$and": clauses}
}

func mongoSet(patch Patch) bson.M {
	set := bson.M{}
	if patch.Saved != nil {
		set["is_saved"] = *patch.Saved
		if *patch.Saved {
			set["expires_at"] = nil
		} else {
			set["expires_at"] = patch.ExpiresAt.UnixNano()
		}
	}
	if patch.OwnerUserID != nil {
		set["owner_user_id"] = *patch.OwnerUserID
	}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Tags != nil {
		set["tags"] = tagsOrEmpty(*patch.Tags)
	}
	return set
}

// Update applies a guarded partial update.
func (s *MongoDBStore) Update(ctx context.Context, sig string, patch Patch, cond Condition) (bool, error) {
	if err := patch.Validate(); err != nil {
		return false, err
	}
	filter := mongoCondition(sig, cond)
	if patch.Empty() {
		n, err := s.collection.CountDocuments(ctx, filter, options.Count().SetLimit(1))
		if err != nil {
			return false, classifyMongo(fmt.Errorf("check entry condition: %w", err))
		}
		return n > 0, nil
	}
	result, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": mongoSet(patch)})
	if err != nil {
		return false, classifyMongo(fmt.Errorf("update entry: %w", err))
	}
	return result.MatchedCount > 0, nil
}

// Delete removes one entry.
func (s *MongoDBStore) Delete(ctx context.Context, sig string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": sig}); err != nil {
		return classifyMongo(fmt.Errorf("delete entry: %w", err))
	}
	return nil
}

// DeleteByProfile removes every entry of a profile.
func (s *MongoDBStore) DeleteByProfile(ctx context.Context, profileID string) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"owner_profile_id": profileID})
	if err != nil {
		return 0, classifyMongo(fmt.Errorf("delete profile entries: %w", err))
	}
	return result.DeletedCount, nil
}

// CountSaved counts saved entries owned by userID.
func (s *MongoDBStore) CountSaved(ctx context.Context, userID string) (int, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{"owner_user_id": userID, "is_saved": true})
	if err != nil {
		return 0, classifyMongo(fmt.Errorf("count saved entries: %w", err))
	}
	return int(n), nil
}

// ListSaved returns saved entries ordered by created_at desc, signature desc.
func (s *MongoDBStore) ListSaved(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(normalizeOffset(offset))).
		SetLimit(int64(normalizeLimit(limit)))
	return s.find(ctx, bson.M{"owner_user_id": userID, "is_saved": true}, opts)
}

// DeleteExpired removes ephemeral entries expired at or before before.
func (s *MongoDBStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$ne": nil, "$lte": before.UnixNano()}})
	if err != nil {
		return 0, classifyMongo(fmt.Errorf("delete expired entries: %w", err))
	}
	return result.DeletedCount, nil
}

// Close is a no-op; Mongo client lifecycle is managed by storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}

func (s *MongoDBStore) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]*Entry, error) {
	var (
		cursor *mongo.Cursor
		err    error
	)
	if opts != nil {
		cursor, err = s.collection.Find(ctx, filter, opts)
	} else {
		cursor, err = s.collection.Find(ctx, filter)
	}
	if err != nil {
		return nil, classifyMongo(fmt.Errorf("query entries: %w", err))
	}
	defer cursor.Close(ctx)

	items := make([]*Entry, 0)
	for cursor.Next(ctx) {
		var doc mongoEntryDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode entry document: %w", err)
		}
		e, err := doc.entry()
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	if err := cursor.Err(); err != nil {
		return nil, classifyMongo(fmt.Errorf("iterate entries cursor: %w", err))
	}
	return items, nil
}

func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return classifyCommon(err)
}
