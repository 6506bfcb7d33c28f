// Package mongo implements store.Store on MongoDB.
//
// Atomicity mapping: the dedup ledger relies on a unique _id per event;
// ApplyEvent runs ledger insert and entitlement upsert inside a session
// transaction (the deployment must be a replica set); ConsumeCredit is a
// single FindOneAndUpdate with an aggregation-pipeline update, so
// concurrent callers for the same user serialize on the document.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	metering "github.com/resumly/metering"
	"github.com/resumly/metering/entitlement"
	"github.com/resumly/metering/plan"
	meteringstore "github.com/resumly/metering/store"
	"github.com/resumly/metering/usage"
)

// compile-time interface check
var _ meteringstore.Store = (*Store)(nil)

const (
	collEntitlements = "entitlements"
	collEvents       = "webhook_events"
	collUsage        = "api_usage"
)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to MongoDB and selects the given database.
func Open(uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("metering/mongo: connect: %w", err)
	}
	return New(client, database), nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		db:     client.Database(database),
	}
}

// Migrate creates the required indexes. Collections are created lazily by
// MongoDB on first write.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Collection(collUsage).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("metering/mongo: %w: %v", metering.ErrMigrationFailed, err)
	}
	_, err = s.db.Collection(collEvents).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "processed_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("metering/mongo: %w: %v", metering.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// ==================== document models ====================

type eventDoc struct {
	EventID     string    `bson:"_id"`
	ProcessedAt time.Time `bson:"processed_at"`
}

type entitlementDoc struct {
	UserID                     string         `bson:"_id"`
	Plan                       string         `bson:"plan"`
	Status                     string         `bson:"status"`
	Features                   map[string]any `bson:"features,omitempty"`
	FreeWeeklyCreditsRemaining int            `bson:"free_weekly_credits_remaining"`
	LastWeeklyReset            *time.Time     `bson:"last_weekly_reset,omitempty"`
	ExpiresAt                  *time.Time     `bson:"expires_at,omitempty"`
	CreatedAt                  time.Time      `bson:"created_at"`
	UpdatedAt                  time.Time      `bson:"updated_at"`
}

type usageDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Route     string    `bson:"route"`
	CreatedAt time.Time `bson:"created_at"`
}

func toEntitlementDoc(e *entitlement.Entitlement) *entitlementDoc {
	return &entitlementDoc{
		UserID:                     e.UserID,
		Plan:                       string(e.Plan),
		Status:                     string(e.Status),
		Features:                   e.Features,
		FreeWeeklyCreditsRemaining: e.FreeWeeklyCreditsRemaining,
		LastWeeklyReset:            e.LastWeeklyReset,
		ExpiresAt:                  e.ExpiresAt,
		CreatedAt:                  e.CreatedAt.UTC(),
		UpdatedAt:                  e.UpdatedAt.UTC(),
	}
}

func fromEntitlementDoc(d *entitlementDoc) *entitlement.Entitlement {
	ent := &entitlement.Entitlement{
		UserID:                     d.UserID,
		Plan:                       plan.Plan(d.Plan),
		Status:                     entitlement.Status(d.Status),
		Features:                   d.Features,
		FreeWeeklyCreditsRemaining: d.FreeWeeklyCreditsRemaining,
		LastWeeklyReset:            d.LastWeeklyReset,
		ExpiresAt:                  d.ExpiresAt,
	}
	ent.CreatedAt = d.CreatedAt
	ent.UpdatedAt = d.UpdatedAt
	return ent
}

// ==================== Webhook Dedup Ledger ====================

func (s *Store) ApplyEvent(ctx context.Context, eventID, userID string, processedAt time.Time, fn meteringstore.ApplyFunc) error {
	if eventID == "" {
		return metering.ErrEmptyEventID
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("metering/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		_, err := s.db.Collection(collEvents).InsertOne(ctx, &eventDoc{
			EventID:     eventID,
			ProcessedAt: processedAt.UTC(),
		})
		if mongo.IsDuplicateKeyError(err) {
			return nil, metering.ErrDuplicateEvent
		}
		if err != nil {
			return nil, fmt.Errorf("metering/mongo: admit event %s: %w", eventID, err)
		}

		var cur *entitlement.Entitlement
		var doc entitlementDoc
		err = s.db.Collection(collEntitlements).
			FindOne(ctx, bson.M{"_id": userID}).
			Decode(&doc)
		switch {
		case err == nil:
			cur = fromEntitlementDoc(&doc)
		case errors.Is(err, mongo.ErrNoDocuments):
			cur = nil
		default:
			return nil, fmt.Errorf("metering/mongo: read entitlement %s: %w", userID, err)
		}

		next, err := fn(cur)
		if err != nil {
			// Aborting the transaction rolls the ledger row back too.
			return nil, err
		}
		if next != nil {
			_, err = s.db.Collection(collEntitlements).ReplaceOne(ctx,
				bson.M{"_id": next.UserID},
				toEntitlementDoc(next),
				options.Replace().SetUpsert(true),
			)
			if err != nil {
				return nil, fmt.Errorf("metering/mongo: upsert entitlement %s: %w", next.UserID, err)
			}
		}
		return nil, nil
	})
	return err
}

func (s *Store) HasEvent(ctx context.Context, eventID string) (bool, error) {
	err := s.db.Collection(collEvents).
		FindOne(ctx, bson.M{"_id": eventID}).
		Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(collEvents).DeleteMany(ctx,
		bson.M{"processed_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// ==================== Entitlement Store ====================

func (s *Store) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	var doc entitlementDoc
	err := s.db.Collection(collEntitlements).
		FindOne(ctx, bson.M{"_id": userID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, metering.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metering/mongo: read entitlement %s: %w", userID, err)
	}
	return fromEntitlementDoc(&doc), nil
}

func (s *Store) CreateEntitlement(ctx context.Context, ent *entitlement.Entitlement) error {
	_, err := s.db.Collection(collEntitlements).InsertOne(ctx, toEntitlementDoc(ent))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("metering/mongo: create entitlement %s: %w", ent.UserID, err)
	}
	return nil
}

func (s *Store) ConsumeCredit(ctx context.Context, userID string, now, resetCutoff time.Time, allotment int) (int, bool, error) {
	// BSON datetimes carry millisecond precision; truncate so the
	// equality check on the returned reset timestamp round-trips.
	now = now.UTC().Truncate(time.Millisecond)
	cutoff := resetCutoff.UTC()

	resetDue := bson.M{"$or": bson.A{
		bson.M{"$eq": bson.A{"$last_weekly_reset", nil}},
		bson.M{"$lte": bson.A{"$last_weekly_reset", cutoff}},
	}}

	filter := bson.M{
		"_id": userID,
		"$or": bson.A{
			bson.M{"last_weekly_reset": bson.M{"$exists": false}},
			bson.M{"last_weekly_reset": nil},
			bson.M{"last_weekly_reset": bson.M{"$lte": cutoff}},
			bson.M{"free_weekly_credits_remaining": bson.M{"$gt": 0}},
		},
	}
	if allotment <= 0 {
		// A reset cannot help; only an existing positive balance may.
		filter["$or"] = bson.A{
			bson.M{
				"last_weekly_reset":             bson.M{"$gt": cutoff},
				"free_weekly_credits_remaining": bson.M{"$gt": 0},
			},
		}
	}

	update := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.M{
			"free_weekly_credits_remaining": bson.M{"$cond": bson.A{
				resetDue,
				allotment - 1,
				bson.M{"$subtract": bson.A{"$free_weekly_credits_remaining", 1}},
			}},
			"last_weekly_reset": bson.M{"$cond": bson.A{
				resetDue,
				now,
				"$last_weekly_reset",
			}},
			"updated_at": now,
		}}},
	}

	var doc entitlementDoc
	err := s.db.Collection(collEntitlements).
		FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either the user has no document, or the balance is spent.
		exists, checkErr := s.entitlementExists(ctx, userID)
		if checkErr != nil {
			return 0, false, checkErr
		}
		if !exists {
			return 0, false, metering.ErrEntitlementNotFound
		}
		return 0, false, metering.ErrQuotaExhausted
	}
	if err != nil {
		return 0, false, fmt.Errorf("metering/mongo: consume credit for %s: %w", userID, err)
	}

	resetApplied := doc.LastWeeklyReset != nil && doc.LastWeeklyReset.Equal(now)
	return doc.FreeWeeklyCreditsRemaining, resetApplied, nil
}

func (s *Store) entitlementExists(ctx context.Context, userID string) (bool, error) {
	err := s.db.Collection(collEntitlements).
		FindOne(ctx, bson.M{"_id": userID}).
		Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ==================== Usage Log ====================

func (s *Store) AppendUsage(ctx context.Context, records []*usage.Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]any, len(records))
	for i, r := range records {
		docs[i] = &usageDoc{
			ID:        r.ID.String(),
			UserID:    r.UserID,
			Route:     r.Route,
			CreatedAt: r.CreatedAt.UTC(),
		}
	}
	_, err := s.db.Collection(collUsage).InsertMany(ctx, docs)
	if err != nil {
		return fmt.Errorf("metering/mongo: append usage: %w", err)
	}
	return nil
}

func (s *Store) QueryUsage(ctx context.Context, userID string, opts usage.QueryOpts) ([]*usage.Record, error) {
	filter := bson.M{"user_id": userID}
	if opts.Route != "" {
		filter["route"] = opts.Route
	}
	created := bson.M{}
	if !opts.Start.IsZero() {
		created["$gte"] = opts.Start.UTC()
	}
	if !opts.End.IsZero() {
		created["$lte"] = opts.End.UTC()
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.db.Collection(collUsage).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*usage.Record
	for cur.Next(ctx) {
		var d usageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		r := &usage.Record{
			UserID:    d.UserID,
			Route:     d.Route,
			CreatedAt: d.CreatedAt,
		}
		if err := r.ID.UnmarshalText([]byte(d.ID)); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, cur.Err()
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(collUsage).DeleteMany(ctx,
		bson.M{"created_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
