package envelope

import (
	"context"
	"time"

	"e2e_relay/internal/model"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Repo is the durable queue of undelivered envelopes. An envelope
	// leaves the collection the moment it is drained, delivered, or
	// swept; there is no delivered state on disk and no audit trail.
	Repo struct {
		collection *mongo.Collection
		ttl        time.Duration
	}
)

func NewRepo(db *mongo.Database, ttl time.Duration) *Repo {
	return &Repo{
		collection: db.Collection("envelopes"),
		ttl:        ttl,
	}
}

func (r *Repo) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient_device", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "recipient_account", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return errors.Wrap(err, "envelopeRepo.EnsureIndexes")
}

// Enqueue persists the envelope with a fresh id and expiry and returns the
// id.
func (r *Repo) Enqueue(ctx context.Context, env *model.Envelope) (string, error) {
	now := time.Now().UTC()
	env.ID = uuid.NewString()
	env.CreatedAt = now
	env.ExpiresAt = now.Add(r.ttl)

	_, err := r.collection.InsertOne(ctx, env)
	if err != nil {
		return "", errors.Wrap(err, "envelopeRepo.Enqueue.InsertOne")
	}
	return env.ID, nil
}

// DrainFor removes and returns up to limit pending envelopes addressed to
// the device directly or to its account without a specific device, oldest
// first. Each envelope is removed by the same FindOneAndDelete that reads
// it, so no envelope can be drained twice.
func (r *Repo) DrainFor(ctx context.Context, deviceID, accountID string, limit int) ([]*model.Envelope, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"$or": bson.A{
			bson.M{"recipient_device": deviceID},
			bson.M{
				"recipient_account": accountID,
				"recipient_device":  bson.M{"$exists": false},
			},
		},
		"expires_at": bson.M{"$gt": now},
	}
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "created_at", Value: 1}})

	var drained []*model.Envelope
	for i := 0; i < limit; i++ {
		var env model.Envelope
		err := r.collection.FindOneAndDelete(ctx, filter, opts).Decode(&env)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return drained, errors.Wrap(err, "envelopeRepo.DrainFor.FindOneAndDelete")
		}
		drained = append(drained, &env)
	}
	return drained, nil
}

// Delete removes a single envelope after a confirmed live push. Deleting
// an envelope that is already gone is a no-op.
func (r *Repo) Delete(ctx context.Context, id string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrap(err, "envelopeRepo.Delete.DeleteOne")
	}
	return nil
}

// SweepExpired deletes every envelope past its expiry regardless of
// delivery state and reports how many were removed.
func (r *Repo) SweepExpired(ctx context.Context) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": time.Now().UTC()}})
	if err != nil {
		return 0, errors.Wrap(err, "envelopeRepo.SweepExpired.DeleteMany")
	}
	return res.DeletedCount, nil
}
