package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DEEJ4Y/warden"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config holds the configuration for the MongoDB job store.
type Config struct {
	// Collection is the MongoDB collection where jobs are stored.
	// Required.
	Collection *mongo.Collection

	// Condition is an optional additional filter to apply when querying jobs.
	// This allows several deployments to share one collection.
	// Example: bson.M{"tenant": "billing"}
	Condition bson.M

	// SkipIndexes disables index creation in Init.
	SkipIndexes bool
}

// Store implements warden.JobStore for MongoDB.
//
// Job ids are ObjectID hex strings. Conditional updates use a single
// UpdateOne whose filter carries the predicate, so the lock is atomic
// per document.
type Store struct {
	collection  *mongo.Collection
	condition   bson.M
	skipIndexes bool
}

// document is the stored shape of a warden.Record.
type document struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	Name          string             `bson:"name"`
	Recurrence    *string            `bson:"recurrence"`
	Timezone      string             `bson:"timezone,omitempty"`
	Payload       []byte             `bson:"payload"`
	Status        string             `bson:"status"`
	RetryCount    int                `bson:"retryCount"`
	LockedAt      *time.Time         `bson:"lockedAt"`
	NextRunAt     *time.Time         `bson:"nextRunAt"`
	LastRunAt     *time.Time         `bson:"lastRunAt"`
	LastRunResult *string            `bson:"lastRunResult"`
	CreatedAt     time.Time          `bson:"createdAt"`
	UpdatedAt     time.Time          `bson:"updatedAt"`
}

// NewStore creates a new MongoDB job store with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.Collection == nil {
		return nil, fmt.Errorf("collection is required")
	}
	return &Store{
		collection:  config.Collection,
		condition:   config.Condition,
		skipIndexes: config.SkipIndexes,
	}, nil
}

// Init creates the indexes the scan and list queries use.
func (s *Store) Init(ctx context.Context) error {
	if s.skipIndexes {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "status", Value: 1}, {Key: "nextRunAt", Value: 1}}},
		{Keys: bson.D{{Key: "lockedAt", Value: 1}}, Options: options.Index().SetSparse(true)},
	}
	if _, err := s.collection.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes failed: %w", err)
	}
	return nil
}

// FindDue returns live records that are due and unlocked, or hold a stale lock.
func (s *Store) FindDue(ctx context.Context, q warden.DueQuery) ([]warden.Record, error) {
	filter := s.withCondition(dueFilter(q))
	opts := options.Find().SetSort(bson.D{{Key: "nextRunAt", Value: 1}, {Key: "_id", Value: 1}})
	return s.find(ctx, filter, opts)
}

// Create inserts rec with a fresh ObjectID.
func (s *Store) Create(ctx context.Context, rec warden.Record) (warden.Record, error) {
	now := time.Now().UTC()
	doc := toDocument(rec)
	doc.ID = primitive.NewObjectID()
	if doc.Status == "" {
		doc.Status = string(warden.StatusCreated)
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if len(s.condition) > 0 {
		raw, err := bson.Marshal(doc)
		if err != nil {
			return warden.Record{}, fmt.Errorf("encode failed: %w", err)
		}
		var m bson.M
		if err := bson.Unmarshal(raw, &m); err != nil {
			return warden.Record{}, fmt.Errorf("encode failed: %w", err)
		}
		// Jobs created here must be visible to this store's own queries.
		for k, v := range s.condition {
			m[k] = v
		}
		if _, err := s.collection.InsertOne(ctx, m); err != nil {
			return warden.Record{}, fmt.Errorf("insert failed: %w", err)
		}
	} else if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return warden.Record{}, fmt.Errorf("insert failed: %w", err)
	}
	return doc.record(), nil
}

// UpdateWhere applies patch to the document matching p.
func (s *Store) UpdateWhere(ctx context.Context, p warden.Predicate, patch warden.Patch) (int64, error) {
	filter, ok := predicateFilter(p)
	if !ok {
		return 0, nil
	}
	update := updateDoc(patch, time.Now())

	result, err := s.collection.UpdateOne(ctx, s.withCondition(filter), update)
	if err != nil {
		return 0, fmt.Errorf("update failed: %w", err)
	}
	return result.MatchedCount, nil
}

// FindByID returns the record with id, or nil when there is none.
func (s *Store) FindByID(ctx context.Context, id string) (*warden.Record, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	var doc document
	err = s.collection.FindOne(ctx, s.withCondition(bson.M{"_id": oid})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("findOne failed: %w", err)
	}
	rec := doc.record()
	return &rec, nil
}

// List returns the records matching q.
func (s *Store) List(ctx context.Context, q warden.ListQuery) ([]warden.Record, error) {
	filter, ok := listFilter(q)
	if !ok {
		return nil, nil
	}
	recs, err := s.find(ctx, s.withCondition(filter), options.Find())
	if err != nil {
		return nil, err
	}
	warden.SortByNextRun(recs)
	return recs, nil
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]warden.Record, error) {
	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find failed: %w", err)
	}
	defer cur.Close(ctx)

	var recs []warden.Record
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		recs = append(recs, doc.record())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor failed: %w", err)
	}
	// null nextRunAt sorts first in MongoDB; the engine wants it last.
	warden.SortByNextRun(recs)
	return recs, nil
}

// withCondition ANDs the configured condition onto filter.
func (s *Store) withCondition(filter bson.M) bson.M {
	if len(s.condition) == 0 {
		return filter
	}
	return bson.M{"$and": []bson.M{filter, s.condition}}
}

func dueFilter(q warden.DueQuery) bson.M {
	return bson.M{
		"name":   q.Name,
		"status": bson.M{"$in": statusStrings(warden.LiveStatuses)},
		"$or": []bson.M{
			{"lockedAt": nil, "nextRunAt": bson.M{"$lte": q.DueBefore.UTC()}},
			{"lockedAt": bson.M{"$lte": q.StaleBefore.UTC()}},
		},
	}
}

// predicateFilter reports false when p can match no document.
func predicateFilter(p warden.Predicate) (bson.M, bool) {
	oid, err := primitive.ObjectIDFromHex(p.ID)
	if err != nil {
		return nil, false
	}
	filter := bson.M{"_id": oid}
	if len(p.Statuses) > 0 {
		filter["status"] = bson.M{"$in": statusStrings(p.Statuses)}
	}
	switch {
	case p.Unlocked && p.LockedBefore != nil:
		return nil, false
	case p.Unlocked:
		filter["lockedAt"] = nil
	case p.LockedBefore != nil:
		filter["lockedAt"] = bson.M{"$lte": p.LockedBefore.UTC()}
	}
	return filter, true
}

func listFilter(q warden.ListQuery) (bson.M, bool) {
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = warden.DefaultListStatuses
	}
	filter := bson.M{"status": bson.M{"$in": statusStrings(statuses)}}
	if q.ProcessName != "" {
		filter["name"] = q.ProcessName
	}
	if q.JobID != "" {
		oid, err := primitive.ObjectIDFromHex(q.JobID)
		if err != nil {
			return nil, false
		}
		filter["_id"] = oid
	}
	return filter, true
}

// updateDoc converts a patch into a $set document.
func updateDoc(patch warden.Patch, now time.Time) bson.M {
	set := bson.M{"updatedAt": now.UTC()}

	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if patch.RetryCount != nil {
		set["retryCount"] = *patch.RetryCount
	}
	if patch.Recurrence != nil {
		if *patch.Recurrence == "" {
			set["recurrence"] = nil
		} else {
			set["recurrence"] = *patch.Recurrence
		}
	}
	if patch.Payload != nil {
		set["payload"] = patch.Payload
	}
	setTime(set, "lockedAt", patch.LockedAt)
	setTime(set, "nextRunAt", patch.NextRunAt)
	setTime(set, "lastRunAt", patch.LastRunAt)
	if patch.LastRunResult != nil {
		set["lastRunResult"] = string(*patch.LastRunResult)
	}
	return bson.M{"$set": set}
}

// setTime handles the pointer-to-pointer patch fields:
// - if the inner pointer is nil, set field to null
// - otherwise, set field to the time value
func setTime(set bson.M, field string, v **time.Time) {
	if v == nil {
		return
	}
	if *v == nil {
		set[field] = nil
		return
	}
	set[field] = (**v).UTC()
}

func statusStrings(statuses []warden.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func toDocument(rec warden.Record) document {
	doc := document{
		Name:       rec.Name,
		Recurrence: rec.Recurrence,
		Timezone:   rec.Timezone,
		Payload:    rec.Payload,
		Status:     string(rec.Status),
		RetryCount: rec.RetryCount,
		LockedAt:   utc(rec.LockedAt),
		NextRunAt:  utc(rec.NextRunAt),
		LastRunAt:  utc(rec.LastRunAt),
		CreatedAt:  rec.CreatedAt.UTC(),
		UpdatedAt:  rec.UpdatedAt.UTC(),
	}
	if rec.LastRunResult != nil {
		v := string(*rec.LastRunResult)
		doc.LastRunResult = &v
	}
	return doc
}

func (d document) record() warden.Record {
	rec := warden.Record{
		ID:         d.ID.Hex(),
		Name:       d.Name,
		Recurrence: d.Recurrence,
		Timezone:   d.Timezone,
		Payload:    d.Payload,
		Status:     warden.Status(d.Status),
		RetryCount: d.RetryCount,
		LockedAt:   utc(d.LockedAt),
		NextRunAt:  utc(d.NextRunAt),
		LastRunAt:  utc(d.LastRunAt),
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
	if d.LastRunResult != nil {
		v := warden.RunResult(*d.LastRunResult)
		rec.LastRunResult = &v
	}
	return rec
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
