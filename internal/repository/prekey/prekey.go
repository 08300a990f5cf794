package prekey

import (
	"context"
	"time"

	"e2e_relay/internal/model"
	apperr "e2e_relay/pkg/errors"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Repo holds per-device key bundles and the consumable one-time
	// prekey pool.
	Repo struct {
		bundles *mongo.Collection
		oneTime *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		bundles: db.Collection("key_bundles"),
		oneTime: db.Collection("one_time_prekeys"),
	}
}

func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.oneTime.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "used", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return errors.Wrap(err, "prekeyRepo.EnsureIndexes")
}

// Register stores the device's bundle and replaces its unused one-time
// prekey pool. Consumed keys are left alone; they are never reused anyway.
func (r *Repo) Register(ctx context.Context, deviceID string, identityPub, signedPrekeyPub []byte, oneTimePrekeys [][]byte) error {
	if len(identityPub) != model.KeyLength || len(signedPrekeyPub) != model.KeyLength {
		return apperr.InvalidKeyLength("public keys must be exactly 32 bytes")
	}
	for _, k := range oneTimePrekeys {
		if len(k) != model.KeyLength {
			return apperr.InvalidKeyLength("one-time prekeys must be exactly 32 bytes")
		}
	}

	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"identity_key":  identityPub,
		"signed_prekey": signedPrekeyPub,
		"updated_at":    now,
	}}
	_, err := r.bundles.UpdateByID(ctx, deviceID, update, options.Update().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "prekeyRepo.Register.UpdateByID")
	}

	_, err = r.oneTime.DeleteMany(ctx, bson.M{"device_id": deviceID, "used": false})
	if err != nil {
		return errors.Wrap(err, "prekeyRepo.Register.DeleteMany")
	}

	if len(oneTimePrekeys) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(oneTimePrekeys))
	for _, k := range oneTimePrekeys {
		docs = append(docs, &model.OneTimePrekey{
			ID:        uuid.NewString(),
			DeviceID:  deviceID,
			Key:       k,
			CreatedAt: now,
		})
	}
	_, err = r.oneTime.InsertMany(ctx, docs)
	if err != nil {
		return errors.Wrap(err, "prekeyRepo.Register.InsertMany")
	}
	return nil
}

// FetchBundle returns the device's public keys plus at most one one-time
// prekey. The claim is a single conditional update: concurrent callers can
// never observe the same unused key, because whichever FindOneAndUpdate
// matches a given document first also flips its used flag in that same
// operation.
func (r *Repo) FetchBundle(ctx context.Context, deviceID string) (*model.PrekeyBundle, error) {
	var bundle model.KeyBundle
	err := r.bundles.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&bundle)
	if err == mongo.ErrNoDocuments {
		return nil, apperr.NotFound("no key bundle for device")
	}
	if err != nil {
		return nil, errors.Wrap(err, "prekeyRepo.FetchBundle.FindOne")
	}

	res := &model.PrekeyBundle{
		IdentityKey:  bundle.IdentityKey,
		SignedPrekey: bundle.SignedPrekey,
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var otk model.OneTimePrekey
	err = r.oneTime.FindOneAndUpdate(ctx,
		bson.M{"device_id": deviceID, "used": false},
		bson.M{"$set": bson.M{"used": true}},
		opts,
	).Decode(&otk)
	if err == mongo.ErrNoDocuments {
		// Pool exhausted; bundle is still valid without a one-time key.
		return res, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "prekeyRepo.FetchBundle.FindOneAndUpdate")
	}

	res.OneTimeKey = otk.Key
	return res, nil
}

func (r *Repo) CountUnused(ctx context.Context, deviceID string) (int64, error) {
	count, err := r.oneTime.CountDocuments(ctx, bson.M{"device_id": deviceID, "used": false})
	if err != nil {
		return 0, errors.Wrap(err, "prekeyRepo.CountUnused.CountDocuments")
	}
	return count, nil
}

// RemoveForDevice deletes the bundle and every unused one-time prekey of
// the device. Called when a device is removed.
func (r *Repo) RemoveForDevice(ctx context.Context, deviceID string) error {
	if _, err := r.bundles.DeleteOne(ctx, bson.M{"_id": deviceID}); err != nil {
		return errors.Wrap(err, "prekeyRepo.RemoveForDevice.DeleteOne")
	}
	_, err := r.oneTime.DeleteMany(ctx, bson.M{"device_id": deviceID, "used": false})
	if err != nil {
		return errors.Wrap(err, "prekeyRepo.RemoveForDevice.DeleteMany")
	}
	return nil
}
