package mongodb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DEEJ4Y/warden"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestPredicateFilter(t *testing.T) {
	oid := primitive.NewObjectID()
	cutoff := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("claim", func(t *testing.T) {
		f, ok := predicateFilter(warden.Predicate{
			ID:       oid.Hex(),
			Unlocked: true,
			Statuses: []warden.Status{warden.StatusCreated, warden.StatusPending},
		})
		require.True(t, ok)
		assert.Equal(t, oid, f["_id"])
		assert.Nil(t, f["lockedAt"])
		assert.Contains(t, f, "lockedAt")
		assert.Equal(t, bson.M{"$in": []string{"created", "pending"}}, f["status"])
	})

	t.Run("stale lock", func(t *testing.T) {
		f, ok := predicateFilter(warden.Predicate{ID: oid.Hex(), LockedBefore: &cutoff})
		require.True(t, ok)
		assert.Equal(t, bson.M{"$lte": cutoff}, f["lockedAt"])
		assert.NotContains(t, f, "status")
	})

	t.Run("bad id", func(t *testing.T) {
		_, ok := predicateFilter(warden.Predicate{ID: "not-an-object-id"})
		assert.False(t, ok)
	})

	t.Run("contradiction", func(t *testing.T) {
		_, ok := predicateFilter(warden.Predicate{ID: oid.Hex(), Unlocked: true, LockedBefore: &cutoff})
		assert.False(t, ok)
	})
}

func TestUpdateDoc(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	running := warden.StatusRunning
	retries := 2

	doc := updateDoc(warden.Patch{
		Status:     &running,
		RetryCount: &retries,
		LockedAt:   warden.SetTime(now),
		NextRunAt:  warden.NullTime(),
	}, now)

	set, ok := doc["$set"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, "running", set["status"])
	assert.Equal(t, 2, set["retryCount"])
	assert.Equal(t, now, set["lockedAt"])
	assert.Contains(t, set, "nextRunAt")
	assert.Nil(t, set["nextRunAt"])
	assert.NotContains(t, set, "lastRunAt")
	assert.Equal(t, now, set["updatedAt"])

	set = updateDoc(warden.Patch{Recurrence: new(string)}, now)["$set"].(bson.M)
	assert.Contains(t, set, "recurrence")
	assert.Nil(t, set["recurrence"])
}

func TestListFilterDefaults(t *testing.T) {
	f, ok := listFilter(warden.ListQuery{ProcessName: "email"})
	require.True(t, ok)
	assert.Equal(t, "email", f["name"])
	assert.Equal(t, bson.M{"$in": []string{"created", "pending", "running"}}, f["status"])

	_, ok = listFilter(warden.ListQuery{JobID: "nope"})
	assert.False(t, ok)
}

func TestDocumentRoundTrip(t *testing.T) {
	next := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	expr := "@daily"
	res := warden.ResultFailure
	rec := warden.Record{
		Name:          "report",
		Recurrence:    &expr,
		Timezone:      "Europe/Berlin",
		Payload:       []byte(`{"id":1}`),
		Status:        warden.StatusRetry,
		RetryCount:    1,
		NextRunAt:     &next,
		LastRunResult: &res,
	}
	doc := toDocument(rec)
	doc.ID = primitive.NewObjectID()
	got := doc.record()

	assert.Equal(t, doc.ID.Hex(), got.ID)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, expr, *got.Recurrence)
	assert.Equal(t, rec.Timezone, got.Timezone)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, warden.StatusRetry, got.Status)
	assert.True(t, next.Equal(*got.NextRunAt))
	assert.Equal(t, warden.ResultFailure, *got.LastRunResult)
	assert.Nil(t, got.LockedAt)
}

func TestNewStoreRequiresCollection(t *testing.T) {
	_, err := NewStore(Config{})
	assert.Error(t, err)
}

// connect returns a fresh collection on a local MongoDB, or skips.
func connect(t *testing.T) *mongo.Collection {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping MongoDB test in short mode")
	}
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("Skipping test: MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("Skipping test: Cannot ping MongoDB: %v", err)
	}

	db := client.Database(fmt.Sprintf("warden_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return db.Collection("jobs")
}

func TestStoreConditionalUpdates(t *testing.T) {
	coll := connect(t)
	ctx := context.Background()

	store, err := NewStore(Config{Collection: coll})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec, err := store.Create(ctx, warden.Record{Name: "email", Status: warden.StatusCreated, NextRunAt: &now})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	due, err := store.FindDue(ctx, warden.DueQuery{Name: "email", DueBefore: now.Add(time.Minute), StaleBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, rec.ID, due[0].ID)

	running := warden.StatusRunning
	claim := warden.Predicate{ID: rec.ID, Unlocked: true, Statuses: []warden.Status{warden.StatusCreated, warden.StatusPending}}
	n, err := store.UpdateWhere(ctx, claim, warden.Patch{Status: &running, LockedAt: warden.SetTime(now)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = store.UpdateWhere(ctx, claim, warden.Patch{Status: &running, LockedAt: warden.SetTime(now)})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "second claim must lose")

	got, err := store.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, warden.StatusRunning, got.Status)
	require.NotNil(t, got.LockedAt)

	missing, err := store.FindByID(ctx, primitive.NewObjectID().Hex())
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := store.List(ctx, warden.ListQuery{ProcessName: "email"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStoreCondition(t *testing.T) {
	coll := connect(t)
	ctx := context.Background()

	billing, err := NewStore(Config{Collection: coll, Condition: bson.M{"tenant": "billing"}})
	require.NoError(t, err)
	other, err := NewStore(Config{Collection: coll, Condition: bson.M{"tenant": "other"}, SkipIndexes: true})
	require.NoError(t, err)

	now := time.Now().UTC()
	rec, err := billing.Create(ctx, warden.Record{Name: "invoice", NextRunAt: &now})
	require.NoError(t, err)

	got, err := other.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = billing.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "invoice", got.Name)
}
